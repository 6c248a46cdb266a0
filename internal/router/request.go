// Package router decodes client requests and dispatches them to the service.
package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/shizue/internal/domain"
)

// Action names understood by the router.
const (
	ActionRunStream        = "run_graph_stream"
	ActionRetryStream      = "retry_graph_stream"
	ActionLoadThread       = "load_thread"
	ActionCancelNotStarted = "cancel_not_started_message"
	ActionListThreads      = "list_threads"
	ActionDeleteThread     = "delete_thread"
	ActionAddMessage       = "add_message"
	ActionTranslateText    = "translate_text"
	ActionGetSettings      = "get_settings"
	ActionUpdateSettings   = "update_settings"
	ActionGetTokenUsage    = "get_token_usage"
)

var (
	// ErrUnknownAction is returned for actions outside the known set. Callers
	// ignore such requests.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidRequest is returned for malformed or incomplete requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is one decoded client request. The set of implementations is closed.
type Request interface {
	Action() string
	request()
}

// RunRequest starts a generation.
type RunRequest struct {
	ThreadID   string            `json:"threadId"`
	Content    string            `json:"content,omitempty"`
	ActionType domain.ActionType `json:"actionType,omitempty"`
}

// RetryRequest regenerates an existing ai message.
type RetryRequest struct {
	ThreadID          string            `json:"threadId"`
	MessageIdxToRetry *int              `json:"messageIdxToRetry"`
	ActionType        domain.ActionType `json:"actionType,omitempty"`
}

type LoadThreadRequest struct {
	ThreadID string `json:"threadId"`
}

type CancelNotStartedRequest struct {
	ThreadID string `json:"threadId"`
}

type ListThreadsRequest struct{}

type DeleteThreadRequest struct {
	ThreadID string `json:"threadId"`
}

type AddMessageRequest struct {
	ThreadID string      `json:"threadId"`
	Role     domain.Role `json:"role"`
	Content  string      `json:"content"`
}

type TranslateTextRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type GetSettingsRequest struct{}

type UpdateSettingsRequest struct {
	Settings map[string]string `json:"settings"`
}

type GetTokenUsageRequest struct {
	Date string `json:"date,omitempty"`
}

func (RunRequest) Action() string              { return ActionRunStream }
func (RetryRequest) Action() string            { return ActionRetryStream }
func (LoadThreadRequest) Action() string       { return ActionLoadThread }
func (CancelNotStartedRequest) Action() string { return ActionCancelNotStarted }
func (ListThreadsRequest) Action() string      { return ActionListThreads }
func (DeleteThreadRequest) Action() string     { return ActionDeleteThread }
func (AddMessageRequest) Action() string       { return ActionAddMessage }
func (TranslateTextRequest) Action() string    { return ActionTranslateText }
func (GetSettingsRequest) Action() string      { return ActionGetSettings }
func (UpdateSettingsRequest) Action() string   { return ActionUpdateSettings }
func (GetTokenUsageRequest) Action() string    { return ActionGetTokenUsage }

func (RunRequest) request()              {}
func (RetryRequest) request()            {}
func (LoadThreadRequest) request()       {}
func (CancelNotStartedRequest) request() {}
func (ListThreadsRequest) request()      {}
func (DeleteThreadRequest) request()     {}
func (AddMessageRequest) request()       {}
func (TranslateTextRequest) request()    {}
func (GetSettingsRequest) request()      {}
func (UpdateSettingsRequest) request()   {}
func (GetTokenUsageRequest) request()    {}

// IsStreaming reports whether req is answered over a stream channel.
func IsStreaming(req Request) bool {
	switch req.(type) {
	case *RunRequest, *RetryRequest:
		return true
	}
	return false
}

// Decode parses a request envelope {action, ...} into its typed request.
func Decode(data []byte) (Request, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var req Request
	switch envelope.Action {
	case ActionRunStream:
		req = &RunRequest{}
	case ActionRetryStream:
		req = &RetryRequest{}
	case ActionLoadThread:
		req = &LoadThreadRequest{}
	case ActionCancelNotStarted:
		req = &CancelNotStartedRequest{}
	case ActionListThreads:
		req = &ListThreadsRequest{}
	case ActionDeleteThread:
		req = &DeleteThreadRequest{}
	case ActionAddMessage:
		req = &AddMessageRequest{}
	case ActionTranslateText:
		req = &TranslateTextRequest{}
	case ActionGetSettings:
		req = &GetSettingsRequest{}
	case ActionUpdateSettings:
		req = &UpdateSettingsRequest{}
	case ActionGetTokenUsage:
		req = &GetTokenUsageRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, envelope.Action)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

func validate(req Request) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}

	switch r := req.(type) {
	case *RunRequest:
		if r.ThreadID == "" {
			return missing("threadId")
		}
	case *RetryRequest:
		if r.ThreadID == "" {
			return missing("threadId")
		}
		if r.MessageIdxToRetry == nil {
			return missing("messageIdxToRetry")
		}
	case *LoadThreadRequest:
		if r.ThreadID == "" {
			return missing("threadId")
		}
	case *CancelNotStartedRequest:
		if r.ThreadID == "" {
			return missing("threadId")
		}
	case *DeleteThreadRequest:
		if r.ThreadID == "" {
			return missing("threadId")
		}
	case *AddMessageRequest:
		if r.ThreadID == "" {
			return missing("threadId")
		}
		if r.Role == "" {
			r.Role = domain.RoleHuman
		}
		if !r.Role.Valid() {
			return fmt.Errorf("%w: invalid role %q", ErrInvalidRequest, r.Role)
		}
	case *TranslateTextRequest:
		if r.Text == "" {
			return missing("text")
		}
	case *UpdateSettingsRequest:
		if len(r.Settings) == 0 {
			return missing("settings")
		}
	}

	if a, ok := actionTypeOf(req); ok {
		switch a.Normalize() {
		case domain.ActionChat, domain.ActionTranslate:
		default:
			return fmt.Errorf("%w: unknown actionType %q", ErrInvalidRequest, a)
		}
	}
	return nil
}

func actionTypeOf(req Request) (domain.ActionType, bool) {
	switch r := req.(type) {
	case *RunRequest:
		return r.ActionType, true
	case *RetryRequest:
		return r.ActionType, true
	}
	return "", false
}
