// Package channeltest provides an in-memory channel for tests.
package channeltest

import (
	"strings"
	"sync"

	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/domain"
)

// Recorder is a Channel that stores every event it accepts.
type Recorder struct {
	// OnSend, when set, runs after each accepted event with its 1-based index.
	OnSend func(n int, event domain.StreamEvent)

	mu        sync.Mutex
	events    []domain.StreamEvent
	rejected  int
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRecorder creates an open Recorder.
func NewRecorder() *Recorder {
	return &Recorder{closed: make(chan struct{})}
}

// Send implements channel.Channel.
func (r *Recorder) Send(event domain.StreamEvent) error {
	if channel.IsClosed(r) {
		r.mu.Lock()
		r.rejected++
		r.mu.Unlock()
		return channel.ErrClosed
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	n := len(r.events)
	hook := r.OnSend
	r.mu.Unlock()

	if hook != nil {
		hook(n, event)
	}
	return nil
}

// Closed implements channel.Channel.
func (r *Recorder) Closed() <-chan struct{} {
	return r.closed
}

// Close simulates the peer going away.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Events returns a copy of the accepted events.
func (r *Recorder) Events() []domain.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StreamEvent(nil), r.events...)
}

// Rejected returns how many sends failed because the recorder was closed.
func (r *Recorder) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// Text concatenates every delta.
func (r *Recorder) Text() string {
	var sb strings.Builder
	for _, e := range r.Events() {
		sb.WriteString(e.Delta)
	}
	return sb.String()
}

// Deltas returns the delta events' text in order.
func (r *Recorder) Deltas() []string {
	var out []string
	for _, e := range r.Events() {
		if e.Delta != "" {
			out = append(out, e.Delta)
		}
	}
	return out
}

// Terminal returns the terminal events.
func (r *Recorder) Terminal() []domain.StreamEvent {
	var out []domain.StreamEvent
	for _, e := range r.Events() {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}
