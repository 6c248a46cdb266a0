package domain

// StreamEvent is a server-to-client message on a stream channel.
// Exactly one of Delta, Done or Error is set.
type StreamEvent struct {
	Delta   string    `json:"delta,omitempty"`
	Done    bool      `json:"done,omitempty"`
	Error   ErrorKind `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}

// DeltaEvent carries an incremental fragment of generated text.
func DeltaEvent(text string) StreamEvent {
	return StreamEvent{Delta: text}
}

// DoneEvent is the clean terminal event.
func DoneEvent() StreamEvent {
	return StreamEvent{Done: true}
}

// ErrorEvent is the failing terminal event.
func ErrorEvent(kind ErrorKind, message string) StreamEvent {
	return StreamEvent{Error: kind, Message: message}
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Done || e.Error != ""
}
