package llmprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	name      string
	models    []string
	available bool
	err       error
	resp      *Response
	calls     int
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Models() []string { return s.models }
func (s *stubProvider) SupportsModel(model string) bool {
	if len(s.models) == 0 {
		return true
	}
	for _, m := range s.models {
		if m == model {
			return true
		}
	}
	return false
}
func (s *stubProvider) IsAvailable(ctx context.Context) bool { return s.available }
func (s *stubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestRouterPrefersLowerPriority(t *testing.T) {
	r := NewRouter(zap.NewNop())
	low := &stubProvider{name: "low", available: true, resp: &Response{Content: "from-low"}}
	high := &stubProvider{name: "high", available: true, resp: &Response{Content: "from-high"}}
	r.AddProvider(high, 10)
	r.AddProvider(low, 1)

	resp, err := r.Complete(context.Background(), &Request{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "from-low", resp.Content)
	require.Equal(t, 1, low.calls)
	require.Equal(t, 0, high.calls)
}

func TestRouterFailsOverOnError(t *testing.T) {
	r := NewRouter(zap.NewNop())
	failing := &stubProvider{name: "failing", available: true, err: context.DeadlineExceeded}
	ok := &stubProvider{name: "ok", available: true, resp: &Response{Content: "recovered"}}
	r.AddProvider(failing, 1)
	r.AddProvider(ok, 2)

	resp, err := r.Complete(context.Background(), &Request{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Content)
}

func TestRouterSkipsUnavailableProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	down := &stubProvider{name: "down", available: false}
	up := &stubProvider{name: "up", available: true, resp: &Response{Content: "ok"}}
	r.AddProvider(down, 1)
	r.AddProvider(up, 2)

	resp, err := r.Complete(context.Background(), &Request{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
}

func TestRouterReturnsProviderUnavailableWhenExhausted(t *testing.T) {
	r := NewRouter(zap.NewNop())
	failing := &stubProvider{name: "failing", available: true, err: context.DeadlineExceeded}
	r.AddProvider(failing, 1)

	_, err := r.Complete(context.Background(), &Request{Model: "m"})
	require.Error(t, err)
}

func TestRouterOpensCircuitAfterRepeatedFailures(t *testing.T) {
	r := NewRouter(zap.NewNop())
	failing := &stubProvider{name: "failing", available: true, err: context.DeadlineExceeded}
	r.AddProvider(failing, 1)

	for i := 0; i < 10; i++ {
		_, _ = r.Complete(context.Background(), &Request{Model: "m"})
	}
	require.Equal(t, CircuitOpen, r.breakerFor("failing").State())
	callsAtOpen := failing.calls
	_, _ = r.Complete(context.Background(), &Request{Model: "m"})
	require.Equal(t, callsAtOpen, failing.calls, "breaker should short-circuit further calls")
}
