// Package service runs streaming generations and the one-shot thread actions.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/policy"
	"github.com/xiaot623/gogo/shizue/internal/repository"
	"github.com/xiaot623/gogo/shizue/internal/settings"
)

var (
	// ErrThreadBusy is reported when a thread already has a live session.
	ErrThreadBusy = errors.New("thread is busy")
	// ErrNotConfigured is returned when the settings do not allow a model call.
	ErrNotConfigured = errors.New("generation not configured")
)

// Settings is what the service needs from the settings layer.
type Settings interface {
	settings.Provider
	Values(ctx context.Context) (map[string]string, error)
	Update(ctx context.Context, changes map[string]string) error
}

// Options tunes stream buffering.
type Options struct {
	FirstFlushChunks  int
	SteadyFlushChunks int
}

// Service owns the stream sessions and the one-shot thread operations.
type Service struct {
	store    repository.Store
	gateway  llm.Gateway
	settings Settings
	policy   *policy.Engine
	opts     Options
	log      logrus.FieldLogger

	sessions *registry
}

// New creates a Service. Zero flush thresholds fall back to 5 and 10 chunks.
func New(store repository.Store, gateway llm.Gateway, settings Settings, policyEngine *policy.Engine, opts Options, log logrus.FieldLogger) *Service {
	if opts.FirstFlushChunks < 1 {
		opts.FirstFlushChunks = 5
	}
	if opts.SteadyFlushChunks < 1 {
		opts.SteadyFlushChunks = 10
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		settings: settings,
		policy:   policyEngine,
		opts:     opts,
		log:      log,
		sessions: newRegistry(),
	}
}

// session is the in-memory state of one live generation on a thread.
type session struct {
	sem *semaphore.Weighted

	mu        sync.Mutex
	messageID string
	cancel    context.CancelFunc
}

func (s *session) attach(messageID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.messageID = messageID
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *session) owns(messageID string) (context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageID == "" || s.messageID != messageID {
		return nil, false
	}
	return s.cancel, true
}

func (s *session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// registry holds at most one session per thread.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// acquire claims threadID. It fails when another session owns the thread.
func (r *registry) acquire(threadID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[threadID]
	if !ok {
		sess = &session{sem: semaphore.NewWeighted(1)}
	}
	if !sess.sem.TryAcquire(1) {
		return nil, false
	}
	r.sessions[threadID] = sess
	return sess, true
}

func (r *registry) release(threadID string, sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess.attach("", nil)
	sess.sem.Release(1)
	if r.sessions[threadID] == sess {
		delete(r.sessions, threadID)
	}
}

func (r *registry) get(threadID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[threadID]
	return sess, ok
}

// Active returns the number of live sessions.
func (s *Service) Active() int {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	return len(s.sessions.sessions)
}
