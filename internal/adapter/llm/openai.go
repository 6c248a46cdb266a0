package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGateway talks to OpenAI and to Gemini's OpenAI-compatible endpoint.
type OpenAIGateway struct {
	baseURLs   map[string]string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[clientKey]*openai.Client
}

type clientKey struct {
	provider string
	apiKey   string
}

// NewOpenAIGateway creates a gateway. baseURLs maps provider name to API root.
// timeout bounds the wait for response headers only; a streamed body runs
// until the request context ends.
func NewOpenAIGateway(baseURLs map[string]string, timeout time.Duration) *OpenAIGateway {
	urls := make(map[string]string, len(baseURLs))
	for provider, url := range baseURLs {
		urls[provider] = strings.TrimSuffix(url, "/")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &OpenAIGateway{
		baseURLs:   urls,
		httpClient: &http.Client{Transport: transport},
		clients:    make(map[clientKey]*openai.Client),
	}
}

// RequiresAPIKey reports whether provider needs a credential.
func (g *OpenAIGateway) RequiresAPIKey(provider string) bool {
	return true
}

func (g *OpenAIGateway) client(provider, apiKey string) (*openai.Client, error) {
	baseURL, ok := g.baseURLs[provider]
	if !ok {
		return nil, &Error{Kind: ErrorKindInvalidRequest, Provider: provider, Message: "unsupported provider"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := clientKey{provider: provider, apiKey: apiKey}
	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = g.httpClient
	c := openai.NewClientWithConfig(cfg)
	g.clients[key] = c
	return c, nil
}

func (g *OpenAIGateway) chatRequest(req *Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
}

// Stream opens a streaming chat completion.
func (g *OpenAIGateway) Stream(ctx context.Context, req *Request) (Stream, error) {
	c, err := g.client(req.Provider, req.APIKey)
	if err != nil {
		return nil, err
	}

	chatReq := g.chatRequest(req)
	chatReq.Stream = true
	// Gemini's compatibility layer rejects stream_options.
	if req.Provider == ProviderOpenAI {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	stream, err := c.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, Normalize(req.Provider, err)
	}
	return &openAIStream{provider: req.Provider, stream: stream}, nil
}

// Complete runs a non-streaming chat completion.
func (g *OpenAIGateway) Complete(ctx context.Context, req *Request) (*Completion, error) {
	c, err := g.client(req.Provider, req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.CreateChatCompletion(ctx, g.chatRequest(req))
	if err != nil {
		return nil, Normalize(req.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrorKindProvider, Provider: req.Provider, Message: "no choices in response"}
	}

	return &Completion{
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

type openAIStream struct {
	provider string
	stream   *openai.ChatCompletionStream
}

// Recv returns the next chunk that carries text or usage.
func (s *openAIStream) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, Normalize(s.provider, fmt.Errorf("failed to read stream: %w", err))
		}

		var chunk Chunk
		for _, choice := range resp.Choices {
			chunk.Delta += choice.Delta.Content
		}
		if resp.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if chunk.Delta == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
