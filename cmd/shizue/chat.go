package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/shizue/internal/domain"
	httptransport "github.com/xiaot623/gogo/shizue/internal/transport/http"
)

type chatOptions struct {
	addr      string
	threadID  string
	accessKey string
	translate bool
	retry     int
}

func newChatCmd() *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with a running server from the terminal",
		Long: "Sends each message (the argument, or every line read from stdin) as a run request " +
			"and prints the streamed reply. With --retry the message at that index is regenerated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.threadID == "" {
				opts.threadID = uuid.New().String()
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", opts.threadID)

			if cmd.Flags().Changed("retry") {
				return streamOnce(cmd.OutOrStdout(), opts, map[string]interface{}{
					"action":            "retry_graph_stream",
					"threadId":          opts.threadID,
					"messageIdxToRetry": opts.retry,
				})
			}
			if len(args) > 0 {
				return streamOnce(cmd.OutOrStdout(), opts, runRequest(opts, strings.Join(args, " ")))
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(cmd.ErrOrStderr(), "> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Fprint(cmd.ErrOrStderr(), "> ")
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if err := streamOnce(cmd.OutOrStdout(), opts, runRequest(opts, line)); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				}
				fmt.Fprint(cmd.ErrOrStderr(), "> ")
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "ws://localhost:8090/ws", "server websocket URL")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "thread id (a new one when empty)")
	cmd.Flags().StringVar(&opts.accessKey, "access-key", os.Getenv("ACCESS_KEY"), "server access key")
	cmd.Flags().BoolVar(&opts.translate, "translate", false, "translate instead of chat")
	cmd.Flags().IntVar(&opts.retry, "retry", 0, "regenerate the message at this index")
	return cmd
}

func runRequest(opts chatOptions, content string) map[string]interface{} {
	req := map[string]interface{}{
		"action":   "run_graph_stream",
		"threadId": opts.threadID,
		"content":  content,
	}
	if opts.translate {
		req["actionType"] = domain.ActionTranslate
	}
	return req
}

// streamOnce opens a channel, sends one request and prints deltas until the
// terminal event.
func streamOnce(out io.Writer, opts chatOptions, req map[string]interface{}) error {
	header := http.Header{}
	if opts.accessKey != "" {
		header.Set(httptransport.AccessKeyHeader, opts.accessKey)
	}
	conn, _, err := websocket.DefaultDialer.Dial(opts.addr, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var ev domain.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		switch {
		case ev.Delta != "":
			fmt.Fprint(out, ev.Delta)
		case ev.Done:
			fmt.Fprintln(out)
			return nil
		case ev.Error != "":
			fmt.Fprintln(out)
			return errors.New(string(ev.Error) + ": " + ev.Message)
		}
	}
}
