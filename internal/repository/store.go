// Package repository defines the durable message store and its SQLite implementation.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/shizue/internal/domain"
)

var (
	// ErrUnavailable wraps every driver-level failure.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned when an update targets a missing row.
	ErrNotFound = errors.New("not found")
	// ErrMessageFinalized is returned when content is appended to a terminal message.
	ErrMessageFinalized = errors.New("message already finalized")
)

// Store defines the interface for data persistence.
type Store interface {
	// Thread operations
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	TouchThread(ctx context.Context, threadID string, at time.Time) error
	ListThreads(ctx context.Context) ([]domain.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error

	// Message operations
	AddMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	LoadThread(ctx context.Context, threadID string) ([]domain.Message, error)
	GetLatestMessageForThread(ctx context.Context, threadID string) (*domain.Message, error)
	UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) error
	AppendMessageContent(ctx context.Context, messageID, delta string) error
	FinalizeMessage(ctx context.Context, messageID string, flag domain.TerminalFlag) (bool, error)
	ResetMessage(ctx context.Context, messageID string) error
	CancelPendingMessage(ctx context.Context, messageID string) (bool, error)

	// Token usage ledger
	RecordTokenUsage(ctx context.Context, usage *domain.TokenUsage) error
	ListTokenUsage(ctx context.Context, date string) ([]domain.TokenUsage, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)

	// Lifecycle
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
