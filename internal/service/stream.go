package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/domain"
	"github.com/xiaot623/gogo/shizue/internal/policy"
	"github.com/xiaot623/gogo/shizue/internal/repository"
)

const cancelledMessage = "generation cancelled"

// RunRequest starts a generation on a thread.
type RunRequest struct {
	ThreadID   string
	Content    string // optional human message stored before generating
	ActionType domain.ActionType
}

// generation is one in-flight model call for a stored ai message.
type generation struct {
	threadID  string
	messageID string
	action    domain.ActionType
	history   []domain.Message
	log       logrus.FieldLogger
}

// StreamChat generates a new assistant message for req.ThreadID and streams
// it to ch. It reports every outcome on ch; nothing is returned.
func (s *Service) StreamChat(ctx context.Context, req RunRequest, ch channel.Channel) {
	action := req.ActionType.Normalize()
	log := s.log.WithFields(logrus.Fields{"thread_id": req.ThreadID, "action": action})

	if req.ThreadID == "" {
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, "threadId is required"))
		return
	}

	sess, ok := s.sessions.acquire(req.ThreadID)
	if !ok {
		log.Warn("rejecting run on busy thread")
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, ErrThreadBusy.Error()))
		return
	}
	defer s.sessions.release(req.ThreadID, sess)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cancelOnClose(ctx, cancel, ch)
	storeCtx := context.WithoutCancel(ctx)

	if req.Content != "" {
		if _, err := s.AddMessage(storeCtx, req.ThreadID, domain.RoleHuman, req.Content); err != nil {
			log.WithError(err).Error("failed to store human message")
			s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, err.Error()))
			return
		}
	} else if err := s.ensureThread(storeCtx, req.ThreadID, ""); err != nil {
		log.WithError(err).Error("failed to create thread")
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, err.Error()))
		return
	}

	placeholder := &domain.Message{
		MessageID: uuid.New().String(),
		ThreadID:  req.ThreadID,
		Role:      domain.RoleAI,
		Content:   "",
		CreatedAt: time.Now(),
	}
	if err := s.store.AddMessage(storeCtx, placeholder); err != nil {
		log.WithError(err).Error("failed to insert placeholder message")
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, err.Error()))
		return
	}
	sess.attach(placeholder.MessageID, cancel)
	log = log.WithField("message_id", placeholder.MessageID)

	messages, err := s.store.LoadThread(storeCtx, req.ThreadID)
	if err != nil {
		s.failSetup(storeCtx, log, placeholder.MessageID, ch, fmt.Errorf("failed to load history: %w", err))
		return
	}
	history := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.MessageID != placeholder.MessageID {
			history = append(history, m)
		}
	}

	s.generate(ctx, ch, &generation{
		threadID:  req.ThreadID,
		messageID: placeholder.MessageID,
		action:    action,
		history:   history,
		log:       log,
	})
}

// RetryStreamChat regenerates the ai message at index idx of the thread's
// non-system messages. Only history before that message is sent to the model.
// A bad index or role is logged and nothing is sent on ch.
func (s *Service) RetryStreamChat(ctx context.Context, threadID string, idx int, action domain.ActionType, ch channel.Channel) {
	action = action.Normalize()
	log := s.log.WithFields(logrus.Fields{"thread_id": threadID, "retry_index": idx, "action": action})

	sess, ok := s.sessions.acquire(threadID)
	if !ok {
		log.Warn("rejecting retry on busy thread")
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, ErrThreadBusy.Error()))
		return
	}
	defer s.sessions.release(threadID, sess)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cancelOnClose(ctx, cancel, ch)
	storeCtx := context.WithoutCancel(ctx)

	messages, err := s.store.LoadThread(storeCtx, threadID)
	if err != nil {
		log.WithError(err).Error("failed to load thread for retry")
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, err.Error()))
		return
	}

	pos, visible := -1, 0
	for i, m := range messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		if visible == idx {
			pos = i
			break
		}
		visible++
	}
	if pos < 0 {
		log.Warn("retry index out of range")
		return
	}
	target := messages[pos]
	if target.Role != domain.RoleAI {
		log.WithField("role", target.Role).Warn("retry target is not an ai message")
		return
	}

	if err := s.store.ResetMessage(storeCtx, target.MessageID); err != nil {
		log.WithError(err).Error("failed to reset message for retry")
		s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, err.Error()))
		return
	}
	sess.attach(target.MessageID, cancel)

	s.generate(ctx, ch, &generation{
		threadID:  threadID,
		messageID: target.MessageID,
		action:    action,
		history:   messages[:pos],
		log:       log.WithField("message_id", target.MessageID),
	})
}

// generate runs the model call for an already stored, empty ai message and
// finalizes it with exactly one terminal flag.
func (s *Service) generate(ctx context.Context, ch channel.Channel, g *generation) {
	storeCtx := context.WithoutCancel(ctx)

	snap, err := s.settings.Snapshot(storeCtx)
	if err != nil {
		s.failSetup(storeCtx, g.log, g.messageID, ch, err)
		return
	}
	model := snap.ChatModel
	if g.action == domain.ActionTranslate {
		model = snap.TranslationModel
	}

	decision, err := s.policy.Evaluate(storeCtx, policy.Input{
		Provider:       snap.Provider,
		Model:          model,
		HasAPIKey:      snap.HasAPIKey(),
		RequiresAPIKey: s.gateway.RequiresAPIKey(snap.Provider),
		ActionType:     string(g.action),
	})
	if err != nil {
		s.failSetup(storeCtx, g.log, g.messageID, ch, err)
		return
	}
	if !decision.Allow {
		s.failSetup(storeCtx, g.log, g.messageID, ch, errors.New(decision.Reason))
		return
	}

	req := &llm.Request{
		Provider:    snap.Provider,
		Model:       model,
		APIKey:      snap.APIKey,
		Temperature: float32(snap.Temperature),
		Messages:    buildModelInput(g.history, snap.Language, g.action),
	}
	log := g.log.WithFields(logrus.Fields{"provider": req.Provider, "model": req.Model})

	stream, err := s.gateway.Stream(ctx, req)
	if err != nil {
		s.finishFailed(ctx, log, g, ch, err)
		return
	}
	defer stream.Close()

	f := &flusher{
		store:     s.store,
		ch:        ch,
		messageID: g.messageID,
		first:     s.opts.FirstFlushChunks,
		steady:    s.opts.SteadyFlushChunks,
	}
	var usage *llm.Usage
	var generated strings.Builder

	err = func() error {
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return f.flush(storeCtx)
			}
			if err != nil {
				return err
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Delta == "" {
				continue
			}
			generated.WriteString(chunk.Delta)
			if err := f.add(storeCtx, chunk.Delta); err != nil {
				return err
			}
		}
	}()

	if usage == nil {
		usage = llm.EstimateUsage(req.Messages, generated.String())
	}
	s.recordUsage(storeCtx, log, req.Provider, req.Model, usage)

	if err != nil {
		s.finishFailed(ctx, log, g, ch, err)
		return
	}

	applied, err := s.store.FinalizeMessage(storeCtx, g.messageID, domain.FlagDone)
	if err != nil {
		s.finishFailed(ctx, log, g, ch, err)
		return
	}
	if !applied {
		// The row was stopped from outside while the last flush was in flight.
		log.Info("message finalized elsewhere before completion")
		s.finishCancelled(log, ch)
		return
	}
	s.touch(storeCtx, log, g.threadID)
	log.WithField("flushes", f.flushes).Info("generation completed")
	s.emit(log, ch, domain.DoneEvent())
}

// finishFailed classifies err as cancellation or stream failure and
// finalizes the message accordingly.
func (s *Service) finishFailed(ctx context.Context, log logrus.FieldLogger, g *generation, ch channel.Channel, err error) {
	storeCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil || errors.Is(err, repository.ErrMessageFinalized) || errors.Is(err, channel.ErrClosed) {
		if _, ferr := s.store.FinalizeMessage(storeCtx, g.messageID, domain.FlagStopped); ferr != nil {
			log.WithError(ferr).Error("failed to mark message stopped")
		}
		s.touch(storeCtx, log, g.threadID)
		log.Info("generation cancelled")
		s.finishCancelled(log, ch)
		return
	}

	if _, ferr := s.store.FinalizeMessage(storeCtx, g.messageID, domain.FlagOnInterrupt); ferr != nil {
		log.WithError(ferr).Error("failed to mark message interrupted")
	}
	s.touch(storeCtx, log, g.threadID)
	log.WithError(err).Warn("generation failed")
	s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindStream, err.Error()))
}

// cancelOnClose cancels the session when the consumer goes away.
func cancelOnClose(ctx context.Context, cancel context.CancelFunc, ch channel.Channel) {
	select {
	case <-ch.Closed():
		cancel()
	case <-ctx.Done():
	}
}

func (s *Service) finishCancelled(log logrus.FieldLogger, ch channel.Channel) {
	if channel.IsClosed(ch) {
		return
	}
	s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindStream, cancelledMessage))
}

// failSetup reports a failure that happened before the model was called.
func (s *Service) failSetup(ctx context.Context, log logrus.FieldLogger, messageID string, ch channel.Channel, err error) {
	log.WithError(err).Warn("generation setup failed")
	if _, ferr := s.store.FinalizeMessage(ctx, messageID, domain.FlagOnInterrupt); ferr != nil {
		log.WithError(ferr).Error("failed to mark message interrupted")
	}
	s.emit(log, ch, domain.ErrorEvent(domain.ErrorKindSetup, err.Error()))
}

// emit sends an event. A closed channel is expected after disconnects and is
// only logged.
func (s *Service) emit(log logrus.FieldLogger, ch channel.Channel, event domain.StreamEvent) {
	if err := ch.Send(event); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			log.Debug("channel closed, dropping event")
			return
		}
		log.WithError(err).Warn("failed to send event")
	}
}

func (s *Service) touch(ctx context.Context, log logrus.FieldLogger, threadID string) {
	if err := s.store.TouchThread(ctx, threadID, time.Now()); err != nil {
		log.WithError(err).Warn("failed to touch thread")
	}
}

// flusher buffers chunks and writes them to the store before forwarding
// them. The first flush happens after fewer chunks than later ones.
type flusher struct {
	store     repository.Store
	ch        channel.Channel
	messageID string
	first     int
	steady    int

	buf     strings.Builder
	chunks  int
	flushes int
}

func (f *flusher) threshold() int {
	if f.flushes == 0 {
		return f.first
	}
	return f.steady
}

func (f *flusher) add(ctx context.Context, delta string) error {
	f.buf.WriteString(delta)
	f.chunks++
	if f.chunks >= f.threshold() {
		return f.flush(ctx)
	}
	return nil
}

// flush appends the buffer to the stored content, then sends it. Nothing is
// stored once the channel is closed.
func (f *flusher) flush(ctx context.Context) error {
	if f.buf.Len() == 0 {
		return nil
	}
	if channel.IsClosed(f.ch) {
		return channel.ErrClosed
	}
	text := f.buf.String()
	if err := f.store.AppendMessageContent(ctx, f.messageID, text); err != nil {
		return err
	}
	f.buf.Reset()
	f.chunks = 0
	f.flushes++
	if err := f.ch.Send(domain.DeltaEvent(text)); err != nil {
		return fmt.Errorf("failed to deliver delta: %w", err)
	}
	return nil
}
