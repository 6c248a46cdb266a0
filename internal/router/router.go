package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/domain"
	"github.com/xiaot623/gogo/shizue/internal/service"
	"github.com/xiaot623/gogo/shizue/internal/settings"
)

// ErrWrongSurface is returned when a streaming request is sent to Call or a
// one-shot request to Stream.
var ErrWrongSurface = errors.New("action not supported on this surface")

// Service is the set of operations the router dispatches to.
type Service interface {
	StreamChat(ctx context.Context, req service.RunRequest, ch channel.Channel)
	RetryStreamChat(ctx context.Context, threadID string, idx int, action domain.ActionType, ch channel.Channel)
	LoadThread(ctx context.Context, threadID string) ([]domain.MessageView, error)
	CancelNotStartedMessage(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context) ([]domain.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	AddMessage(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error)
	TranslateText(ctx context.Context, req service.TranslateRequest) (string, error)
	GetSettings(ctx context.Context) (map[string]string, error)
	UpdateSettings(ctx context.Context, changes map[string]string) error
	TokenUsage(ctx context.Context, date string) (*service.UsageReport, error)
}

// Router dispatches decoded requests.
type Router struct {
	svc Service
	log logrus.FieldLogger
}

// New creates a Router.
func New(svc Service, log logrus.FieldLogger) *Router {
	return &Router{svc: svc, log: log}
}

// Stream runs a streaming request over ch. It returns once the session is
// finished and every event has been handed to ch.
func (r *Router) Stream(ctx context.Context, req Request, ch channel.Channel) error {
	switch req := req.(type) {
	case *RunRequest:
		r.svc.StreamChat(ctx, service.RunRequest{
			ThreadID:   req.ThreadID,
			Content:    req.Content,
			ActionType: req.ActionType,
		}, ch)
		return nil
	case *RetryRequest:
		r.svc.RetryStreamChat(ctx, req.ThreadID, *req.MessageIdxToRetry, req.ActionType, ch)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrWrongSurface, req.Action())
	}
}

// Empty is the reply of side-effect-only actions.
type Empty struct{}

// Call runs a one-shot request and returns its JSON-ready reply.
func (r *Router) Call(ctx context.Context, req Request) (interface{}, error) {
	log := r.log.WithField("action", req.Action())
	log.Debug("dispatching request")

	switch req := req.(type) {
	case *LoadThreadRequest:
		return r.svc.LoadThread(ctx, req.ThreadID)

	case *CancelNotStartedRequest:
		if err := r.svc.CancelNotStartedMessage(ctx, req.ThreadID); err != nil {
			return nil, err
		}
		return Empty{}, nil

	case *ListThreadsRequest:
		threads, err := r.svc.ListThreads(ctx)
		if err != nil {
			return nil, err
		}
		if threads == nil {
			threads = []domain.Thread{}
		}
		return threads, nil

	case *DeleteThreadRequest:
		if err := r.svc.DeleteThread(ctx, req.ThreadID); err != nil {
			return nil, err
		}
		return Empty{}, nil

	case *AddMessageRequest:
		return r.svc.AddMessage(ctx, req.ThreadID, req.Role, req.Content)

	case *TranslateTextRequest:
		text, err := r.svc.TranslateText(ctx, service.TranslateRequest{Text: req.Text, Language: req.Language})
		if err != nil {
			return nil, err
		}
		return map[string]string{"text": text}, nil

	case *GetSettingsRequest:
		return r.svc.GetSettings(ctx)

	case *UpdateSettingsRequest:
		err := r.svc.UpdateSettings(ctx, req.Settings)
		if errors.Is(err, settings.ErrInvalidSetting) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if err != nil {
			return nil, err
		}
		return Empty{}, nil

	case *GetTokenUsageRequest:
		report, err := r.svc.TokenUsage(ctx, req.Date)
		if err != nil {
			return nil, err
		}
		return report, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongSurface, req.Action())
	}
}
