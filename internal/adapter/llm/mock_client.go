package llm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockGateway is a scripted Gateway for mock mode and tests.
type MockGateway struct {
	// Chunks is streamed verbatim. When nil, the last user message is echoed.
	Chunks []string
	// Usage is attached to the last chunk when set.
	Usage *Usage
	// FailAfter makes Recv return FailWith after that many chunks (when FailWith is set).
	FailAfter int
	FailWith  error
	// OpenErr is returned by Stream and Complete before any output.
	OpenErr error
	// HoldOpen keeps the stream open after the script until ctx is done.
	HoldOpen bool
	// Pace delays every chunk.
	Pace time.Duration
	// RequireKeys makes every provider except mock require an API key.
	RequireKeys bool

	mu       sync.Mutex
	requests []*Request
}

// NewMockGateway creates a mock gateway that echoes the last user message.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// RequiresAPIKey is false unless RequireKeys is set.
func (m *MockGateway) RequiresAPIKey(provider string) bool {
	return m.RequireKeys && provider != ProviderMock
}

// Requests returns every request seen so far, in order.
func (m *MockGateway) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.requests...)
}

func (m *MockGateway) record(req *Request) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
}

// Stream returns a scripted stream.
func (m *MockGateway) Stream(ctx context.Context, req *Request) (Stream, error) {
	m.record(req)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	chunks := m.Chunks
	if chunks == nil {
		chunks = splitIntoChunks(m.generateMockResponse(req), 10)
	}
	return &mockStream{ctx: ctx, gw: m, chunks: chunks}, nil
}

// Complete returns the whole scripted response at once.
func (m *MockGateway) Complete(ctx context.Context, req *Request) (*Completion, error) {
	m.record(req)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	content := m.generateMockResponse(req)
	if m.Chunks != nil {
		content = ""
		for _, c := range m.Chunks {
			content += c
		}
	}
	return &Completion{Model: req.Model, Content: content, Usage: m.Usage}, nil
}

type mockStream struct {
	ctx    context.Context
	gw     *MockGateway
	chunks []string
	sent   int
}

func (s *mockStream) Recv() (Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.gw.FailWith != nil && s.sent >= s.gw.FailAfter {
		return Chunk{}, s.gw.FailWith
	}
	if s.sent >= len(s.chunks) {
		if s.gw.HoldOpen {
			<-s.ctx.Done()
			return Chunk{}, s.ctx.Err()
		}
		return Chunk{}, io.EOF
	}
	if s.gw.Pace > 0 {
		select {
		case <-time.After(s.gw.Pace):
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	}

	chunk := Chunk{Delta: s.chunks[s.sent]}
	s.sent++
	if s.sent == len(s.chunks) && !s.gw.HoldOpen {
		chunk.Usage = s.gw.Usage
	}
	return chunk, nil
}

func (s *mockStream) Close() error {
	return nil
}

// generateMockResponse generates a mock response based on the request.
func (m *MockGateway) generateMockResponse(req *Request) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}

	if lastUserMessage == "" {
		return "[MOCK] This is a mock response."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{}
	}

	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
