// Package llm provides an abstraction over hosted chat-completion APIs.
package llm

import "context"

// Providers understood by the gateway.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Gateway defines the uniform interface to a chat-completion provider.
type Gateway interface {
	// Stream opens a streaming completion. Recv on the returned stream yields
	// chunks until io.EOF.
	Stream(ctx context.Context, req *Request) (Stream, error)

	// Complete runs a non-streaming completion.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// RequiresAPIKey reports whether provider needs a credential.
	RequiresAPIKey(provider string) bool
}

// Stream is an open streaming completion.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Ensure the implementations satisfy Gateway.
var (
	_ Gateway = (*OpenAIGateway)(nil)
	_ Gateway = (*MockGateway)(nil)
)
