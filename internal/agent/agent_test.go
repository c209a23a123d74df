package agent

import (
	"context"
	"testing"

	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/session"
	"github.com/stretchr/testify/require"
)

// scriptedClient answers Complete calls from a fixed queue of response
// contents, in order, and records every request it saw.
type scriptedClient struct {
	responses []string
	n         int
	requests  []*llmprovider.Request
}

func (c *scriptedClient) Complete(_ context.Context, req *llmprovider.Request) (*llmprovider.Response, error) {
	c.requests = append(c.requests, req)
	if c.n >= len(c.responses) {
		return &llmprovider.Response{Content: ""}, nil
	}
	content := c.responses[c.n]
	c.n++
	return &llmprovider.Response{Content: content}, nil
}

func TestRunGeneratesAndCompletesProgram(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"id":"main","code":[{"op":"STORE","page_id":"greeting","data":"hi"},{"op":"COMPLETE","result":"done"}]}`,
	}}
	a := New(client, DefaultConfig())

	res, err := a.Run(context.Background(), "say hi")
	require.NoError(t, err)
	require.Equal(t, "done", res.Value)
	require.Contains(t, res.Pages, "greeting")
}

func TestRunAnswersInferSuspension(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```json\n" + `{"id":"main","code":[{"op":"INFER","prompt":"what is 6*7","store_to":"answer"},{"op":"COMPLETE","result":"ok"}]}` + "\n```",
		"42",
	}}
	a := New(client, DefaultConfig())

	res, err := a.Run(context.Background(), "compute 6*7")
	require.NoError(t, err)
	require.Equal(t, "ok", res.Value)
	require.Len(t, client.requests, 2)

	page := res.Pages["answer"]
	require.NotNil(t, page)
	stored, ok := page.Content.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "42", stored["response"])
}

func TestRunPersistsPagesToSession(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"id":"main","code":[{"op":"STORE","page_id":"result","data":{"ok":true}},{"op":"COMPLETE","result":"done"}]}`,
	}}
	backend := session.NewMemoryBackend()
	a := New(client, DefaultConfig())
	agentWithSession, err := a.WithSession(context.Background(), backend, "sess_1")
	require.NoError(t, err)

	res, err := agentWithSession.Run(context.Background(), "store a result")
	require.NoError(t, err)
	require.Equal(t, "done", res.Value)

	loaded, err := backend.LoadSession(context.Background(), "sess_1")
	require.NoError(t, err)
	idx, ok := loaded.PageIndex["result"]
	require.True(t, ok)
	require.False(t, idx.Loaded)

	page, err := backend.LoadPage(context.Background(), "sess_1", "result")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, page.Content)
}

func TestHandleInjectRequestParsesOpcodeArray(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"id":"main","code":[{"op":"INJECT","prompt":"handle it","store_to":"result"},{"op":"COMPLETE","result":"injected"}]}`,
		"[{\"op\": \"STORE\", \"page_id\": \"result\", \"data\": \"from injection\"}]",
	}}
	a := New(client, DefaultConfig())

	res, err := a.Run(context.Background(), "need a patch")
	require.NoError(t, err)
	require.Equal(t, "injected", res.Value)
	require.Equal(t, "from injection", res.Pages["result"].Content)
}
