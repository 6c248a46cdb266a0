package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindRateLimit      ErrorKind = "rate_limit"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindProvider       ErrorKind = "provider"
	ErrorKindNetwork        ErrorKind = "network"
	ErrorKindCanceled       ErrorKind = "canceled"
)

// Error is the normalized gateway error.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s error [%d]: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Normalize converts client and transport errors into *Error.
// nil stays nil and an *Error passes through unchanged.
func Normalize(provider string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorKindCanceled, Provider: provider, Message: err.Error(), Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:     kindForStatus(apiErr.HTTPStatusCode),
			Provider: provider,
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
			Err:      err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &Error{
			Kind:     kindForStatus(reqErr.HTTPStatusCode),
			Provider: provider,
			Status:   reqErr.HTTPStatusCode,
			Message:  msg,
			Err:      err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: ErrorKindNetwork, Provider: provider, Message: err.Error(), Err: err}
	}

	return &Error{Kind: ErrorKindProvider, Provider: provider, Message: err.Error(), Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimit
	case status >= 400 && status < 500:
		return ErrorKindInvalidRequest
	default:
		return ErrorKindProvider
	}
}
