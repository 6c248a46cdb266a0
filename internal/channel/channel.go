// Package channel carries stream events from a session to its consumer.
package channel

import (
	"errors"

	"github.com/xiaot623/gogo/shizue/internal/domain"
)

// ErrClosed is returned by Send once the consumer is gone.
var ErrClosed = errors.New("channel closed")

// Channel is the session-facing end of a duplex connection.
type Channel interface {
	// Send queues an event for in-order delivery.
	Send(event domain.StreamEvent) error
	// Closed is closed when the peer disconnects or the transport fails.
	Closed() <-chan struct{}
}

// IsClosed reports whether ch is known to be closed.
func IsClosed(ch Channel) bool {
	select {
	case <-ch.Closed():
		return true
	default:
		return false
	}
}
