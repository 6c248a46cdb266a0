package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *OpenAIGateway {
	t.Helper()
	return newTestGatewayWithTimeout(t, 5*time.Second, handler)
}

func newTestGatewayWithTimeout(t *testing.T, timeout time.Duration, handler http.HandlerFunc) *OpenAIGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIGateway(map[string]string{
		ProviderOpenAI: server.URL + "/v1/",
		ProviderGemini: server.URL + "/gemini",
	}, timeout)
}

func TestOpenAIGatewayStream(t *testing.T) {
	var body map[string]interface{}
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"He\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := gw.Stream(context.Background(), &Request{
		Provider: ProviderOpenAI,
		Model:    "gpt",
		APIKey:   "sk-test",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	var usage *Usage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += chunk.Delta
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 5, usage.TotalTokens)
	assert.Equal(t, true, body["stream"])
	assert.Contains(t, body, "stream_options")
}

func TestOpenAIGatewayStreamOutlivesHeaderTimeout(t *testing.T) {
	gw := newTestGatewayWithTimeout(t, 100*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for _, part := range []string{"a", "b", "c", "d"} {
			time.Sleep(60 * time.Millisecond)
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := gw.Stream(context.Background(), &Request{
		Provider: ProviderOpenAI,
		Model:    "gpt",
		APIKey:   "sk-test",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += chunk.Delta
	}
	assert.Equal(t, "abcd", text)
}

func TestOpenAIGatewayHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	gw := newTestGatewayWithTimeout(t, 50*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := gw.Stream(context.Background(), &Request{
		Provider: ProviderOpenAI,
		Model:    "gpt",
		APIKey:   "sk-test",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
}

func TestOpenAIGatewayStreamGeminiOmitsStreamOptions(t *testing.T) {
	var body map[string]interface{}
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gemini/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := gw.Stream(context.Background(), &Request{
		Provider: ProviderGemini,
		Model:    "gemini-2.0-flash",
		APIKey:   "g-key",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.NotContains(t, body, "stream_options")
}

func TestOpenAIGatewayStreamAuthError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := gw.Stream(context.Background(), &Request{
		Provider: ProviderOpenAI,
		Model:    "gpt",
		APIKey:   "wrong",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ErrorKindAuth, gwErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, gwErr.Status)
	assert.Equal(t, "bad key", gwErr.Message)
}

func TestOpenAIGatewayUnsupportedProvider(t *testing.T) {
	gw := NewOpenAIGateway(nil, time.Second)
	_, err := gw.Stream(context.Background(), &Request{Provider: "anthropic", Model: "x"})

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ErrorKindInvalidRequest, gwErr.Kind)
}

func TestOpenAIGatewayComplete(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt","choices":[{"index":0,"message":{"role":"assistant","content":"Bonjour"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`)
	})

	resp, err := gw.Complete(context.Background(), &Request{
		Provider: ProviderOpenAI,
		Model:    "gpt",
		APIKey:   "sk-test",
		Messages: []Message{{Role: RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestOpenAIGatewayReusesClients(t *testing.T) {
	gw := NewOpenAIGateway(map[string]string{ProviderOpenAI: "http://localhost"}, time.Second)

	a, err := gw.client(ProviderOpenAI, "k1")
	require.NoError(t, err)
	b, err := gw.client(ProviderOpenAI, "k1")
	require.NoError(t, err)
	c, err := gw.client(ProviderOpenAI, "k2")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(ProviderOpenAI, nil))

	var gwErr *Error
	require.ErrorAs(t, Normalize(ProviderOpenAI, context.Canceled), &gwErr)
	assert.Equal(t, ErrorKindCanceled, gwErr.Kind)
	assert.ErrorIs(t, gwErr, context.Canceled)

	require.ErrorAs(t, Normalize(ProviderGemini, errors.New("boom")), &gwErr)
	assert.Equal(t, ErrorKindProvider, gwErr.Kind)
	assert.Equal(t, "gemini error: boom", gwErr.Error())

	original := &Error{Kind: ErrorKindRateLimit, Provider: ProviderOpenAI, Status: 429, Message: "slow down"}
	assert.Same(t, original, Normalize(ProviderOpenAI, original))
	assert.Equal(t, "openai error [429]: slow down", original.Error())
}
