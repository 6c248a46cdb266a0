package llm

// Message roles on the model side.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one model-input message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Credentials travel with the request
// so a gateway never caches settings.
type Request struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	Messages    []Message
}

// Usage is provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one normalized streaming fragment. Usage is set on the chunk that
// carries it, typically the last.
type Chunk struct {
	Delta string
	Usage *Usage
}

// Completion is a normalized non-streaming result.
type Completion struct {
	Model   string
	Content string
	Usage   *Usage
}
