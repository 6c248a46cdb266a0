// Package domain defines the core domain models for the chat backend.
package domain

// Role is the author of a stored message.
type Role string

const (
	RoleHuman  Role = "human"
	RoleSystem Role = "system"
	RoleAI     Role = "ai"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleSystem, RoleAI:
		return true
	}
	return false
}

// TerminalFlag names the flag that finalizes an assistant message.
type TerminalFlag string

const (
	FlagDone        TerminalFlag = "done"
	FlagOnInterrupt TerminalFlag = "on_interrupt"
	FlagStopped     TerminalFlag = "stopped"
)

// ActionType selects the prompt and model used for a generation.
type ActionType string

const (
	ActionChat      ActionType = "chat"
	ActionTranslate ActionType = "translate"
)

// Normalize maps the empty value to ActionChat.
func (a ActionType) Normalize() ActionType {
	if a == "" {
		return ActionChat
	}
	return a
}

// ErrorKind is the discriminant of a terminal error event.
type ErrorKind string

const (
	ErrorKindSetup  ErrorKind = "setup_error"
	ErrorKindStream ErrorKind = "stream_error"
)
