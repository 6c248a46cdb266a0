package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/shizue/internal/domain"
)

// LoadThread returns the thread's messages in order, without system rows.
func (s *Service) LoadThread(ctx context.Context, threadID string) ([]domain.MessageView, error) {
	messages, err := s.store.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	views := make([]domain.MessageView, 0, len(messages))
	for i := range messages {
		if messages[i].Role == domain.RoleSystem {
			continue
		}
		views = append(views, messages[i].View())
	}
	return views, nil
}

// CancelNotStartedMessage stops the thread's latest message if it is an ai
// message that has produced no output yet. A live session generating that
// message is cancelled. Any other state is left untouched.
func (s *Service) CancelNotStartedMessage(ctx context.Context, threadID string) error {
	latest, err := s.store.GetLatestMessageForThread(ctx, threadID)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}

	applied, err := s.store.CancelPendingMessage(ctx, latest.MessageID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	log := s.log.WithField("thread_id", threadID).WithField("message_id", latest.MessageID)
	if sess, ok := s.sessions.get(threadID); ok {
		if cancel, owns := sess.owns(latest.MessageID); owns && cancel != nil {
			cancel()
		}
	}
	log.Info("cancelled message before output")
	return nil
}

// ListThreads returns every thread, most recently active first.
func (s *Service) ListThreads(ctx context.Context) ([]domain.Thread, error) {
	return s.store.ListThreads(ctx)
}

// DeleteThread stops any live session on the thread and deletes it with
// all of its messages.
func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	if sess, ok := s.sessions.get(threadID); ok {
		sess.stop()
	}
	return s.store.DeleteThread(ctx, threadID)
}

// AddMessage appends a message to a thread, creating the thread when needed.
func (s *Service) AddMessage(ctx context.Context, threadID string, role domain.Role, content string) (*domain.Message, error) {
	if threadID == "" {
		return nil, fmt.Errorf("threadId is required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	title := ""
	if role == domain.RoleHuman {
		title = content
	}
	if err := s.ensureThread(ctx, threadID, title); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		MessageID: uuid.New().String(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	// Messages other than ai turns are complete when stored.
	if role != domain.RoleAI {
		msg.Done = true
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.store.TouchThread(ctx, threadID, msg.CreatedAt); err != nil {
		return nil, err
	}
	return msg, nil
}

// ensureThread creates the thread if it does not exist.
func (s *Service) ensureThread(ctx context.Context, threadID, firstMessage string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread != nil {
		return nil
	}
	now := time.Now()
	return s.store.CreateThread(ctx, &domain.Thread{
		ThreadID:  threadID,
		Title:     threadTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	})
}
