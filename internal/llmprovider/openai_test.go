package llmprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{name: "test", logger: zap.NewNop()}
}

func drainChunks(ch <-chan StreamChunk) []StreamChunk {
	var out []StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestParseSSEStreamTextOnly(t *testing.T) {
	p := newTestOpenAIProvider()
	sseData := `data: {"id":"c1","choices":[{"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"c1","choices":[{"delta":{"content":" world"},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"c1","choices":[{"delta":{"content":"!"},"finish_reason":"stop"}],"model":"gpt-4","usage":{"total_tokens":42}}

data: [DONE]
`
	deltaCh := make(chan StreamChunk, 64)
	resp, err := p.parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh)
	close(deltaCh)
	require.NoError(t, err)
	require.Equal(t, "Hello world!", resp.Content)
	require.Equal(t, "gpt-4", resp.Model)
	require.Equal(t, 42, resp.Usage.TotalTokens)
	require.Empty(t, resp.ToolCalls)

	textChunks := 0
	for _, c := range drainChunks(deltaCh) {
		if c.Text != "" {
			textChunks++
		}
	}
	require.Equal(t, 3, textChunks)
}

func TestParseSSEStreamSingleToolCall(t *testing.T) {
	p := newTestOpenAIProvider()
	sseData := `data: {"id":"c2","choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"read_file","arguments":""}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"c2","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"c2","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main.go\"}"}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"c2","choices":[{"delta":{},"finish_reason":"tool_calls"}],"model":"gpt-4","usage":{"total_tokens":100}}

data: [DONE]
`
	deltaCh := make(chan StreamChunk, 64)
	resp, err := p.parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh)
	close(deltaCh)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call_abc", resp.ToolCalls[0].ID)
	require.Equal(t, "read_file", resp.ToolCalls[0].Name)
	require.Equal(t, "main.go", resp.ToolCalls[0].Arguments["path"])
	require.Equal(t, FinishToolCalls, resp.FinishReason)
}

func TestCompleteAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c3","model":"gpt-4","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{Name: "test", BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	resp, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Content)
	require.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestCompleteHTTPErrorMapsToVMError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{Name: "test", BaseURL: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	_, err := p.Complete(context.Background(), &Request{Model: "gpt-4", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
}

func TestSupportsModelWildcardWhenEmpty(t *testing.T) {
	p := NewOpenAIProvider(Config{Name: "test"}, zap.NewNop())
	require.True(t, p.SupportsModel("anything"))
}

func TestIsAvailableRequiresAPIKey(t *testing.T) {
	p := NewOpenAIProvider(Config{Name: "test"}, zap.NewNop())
	require.False(t, p.IsAvailable(context.Background()))
}
