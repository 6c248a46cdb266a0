package domain

import "time"

// Thread is a conversation.
type Thread struct {
	ThreadID  string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one entry of a thread's append-only log.
type Message struct {
	MessageID   string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	Done        bool      `json:"done"`
	OnInterrupt bool      `json:"onInterrupt"`
	Stopped     bool      `json:"stopped"`
}

// Terminal reports whether any terminal flag is set.
func (m *Message) Terminal() bool {
	return m.Done || m.OnInterrupt || m.Stopped
}

// View is the shape returned by load_thread.
func (m *Message) View() MessageView {
	return MessageView{
		Role:        m.Role,
		Content:     m.Content,
		Done:        m.Done,
		OnInterrupt: m.OnInterrupt,
		Stopped:     m.Stopped,
	}
}

// MessageView is the client-facing projection of a stored message.
type MessageView struct {
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	Done        bool   `json:"done"`
	OnInterrupt bool   `json:"onInterrupt"`
	Stopped     bool   `json:"stopped"`
}

// MessagePatch is a partial update; nil fields are left untouched.
type MessagePatch struct {
	Content     *string
	Done        *bool
	OnInterrupt *bool
	Stopped     *bool
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.Done == nil && p.OnInterrupt == nil && p.Stopped == nil
}

// TokenUsage is one append-only ledger row per model invocation.
type TokenUsage struct {
	UsageID      string    `json:"id"`
	Date         string    `json:"date"` // YYYY-MM-DD
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	TotalTokens  int       `json:"totalTokens"`
	RequestCount int       `json:"requestCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UsageDateLayout formats TokenUsage.Date.
const UsageDateLayout = "2006-01-02"
