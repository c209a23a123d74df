package llmprovider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// Router implements Client by trying providers in ascending Priority order,
// skipping any that don't support the requested model, are unavailable, or
// whose circuit breaker is open, and failing over to the next on error.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	priority  map[string]int
	stats     map[string]*providerStats
	breakers  map[string]*CircuitBreaker
	logger    *zap.Logger
}

type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

// NewRouter creates an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		priority: make(map[string]int),
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

var _ Client = (*Router)(nil)

// AddProvider registers a provider at the given priority (lower = tried
// first); providers are kept sorted by priority after each add.
func (r *Router) AddProvider(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.priority[p.Name()] = priority
	r.stats[p.Name()] = &providerStats{}
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.priority[r.providers[i].Name()] < r.priority[r.providers[j].Name()]
	})
	r.logger.Info("llm provider registered",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
		zap.Int("priority", priority),
	)
}

// Complete routes to the first eligible, available provider, failing over
// on error until one succeeds or the pool is exhausted.
func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	var lastErr error
	for _, p := range providers {
		if !p.SupportsModel(req.Model) {
			continue
		}
		if !p.IsAvailable(ctx) {
			r.logger.Debug("provider unavailable, skipping", zap.String("provider", p.Name()))
			continue
		}
		cb := r.breakerFor(p.Name())
		if cb != nil && !cb.Allow() {
			r.logger.Debug("provider circuit open, skipping", zap.String("provider", p.Name()))
			continue
		}

		start := time.Now()
		resp, err := p.Complete(ctx, req)
		latency := time.Since(start)
		r.recordCall(p.Name(), latency, err)

		if err != nil {
			if cb != nil {
				cb.RecordFailure()
			}
			lastErr = err
			r.logger.Warn("provider failed, trying next",
				zap.String("provider", p.Name()), zap.Duration("latency", latency), zap.Error(err))
			continue
		}
		if cb != nil {
			cb.RecordSuccess()
		}
		r.logger.Debug("provider succeeded",
			zap.String("provider", p.Name()), zap.Duration("latency", latency), zap.Int("tokens", resp.Usage.TotalTokens))
		return resp, nil
	}

	if lastErr != nil {
		return nil, vmerr.Wrap(vmerr.KindProviderUnavailable, lastErr, "all providers failed").WithOperation("router.complete")
	}
	return nil, vmerr.New(vmerr.KindProviderUnavailable, fmt.Sprintf("no provider available for model %q", req.Model)).WithOperation("router.complete")
}

func (r *Router) breakerFor(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) recordCall(name string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return
	}
	s.TotalCalls++
	s.LastLatency = latency
	if err != nil {
		s.FailureCount++
	}
}
