// Package llmprovider implements the VM's LLM provider contract (component
// G): complete(request) → response, with optional streaming, a
// priority-ordered router, and a circuit breaker guarding each provider.
package llmprovider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Role mirrors the wire role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason classifies why a completion stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "Stop"
	FinishLength        FinishReason = "Length"
	FinishToolCalls     FinishReason = "ToolCalls"
	FinishContentFilter FinishReason = "ContentFilter"
	FinishUnknown       FinishReason = "Unknown"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Message is a single entry in the conversation sent to the model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is the request sent to complete().
type Request struct {
	Messages    []Message        `json:"messages"`
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// Response is the result of complete().
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Content      string       `json:"content,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// StreamChunk is one element of a streamed completion.
type StreamChunk struct {
	Text         string
	ToolCallDelta *ToolCall
	Done         bool
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}

// Client is the contract the VM needs from an LLM backend: a synchronous
// complete() and an optional streaming surface. The core never depends on
// streaming for correctness (spec.md §4.G), and the orchestrator calls only
// Complete.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// StreamingClient is implemented by providers that can stream deltas.
type StreamingClient interface {
	Client
	CompleteStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error)
}

// Provider is a named, capability-queryable Client used by the router.
type Provider interface {
	Client
	Name() string
	Models() []string
	SupportsModel(model string) bool
	IsAvailable(ctx context.Context) bool
}

// Config configures one Provider instance.
type Config struct {
	Name     string   `json:"name" mapstructure:"name"`
	Type     string   `json:"type" mapstructure:"type"` // "openai" (default) | "anthropic" | "gemini"
	BaseURL  string   `json:"base_url" mapstructure:"base_url"`
	APIKey   string   `json:"api_key" mapstructure:"api_key"`
	Models   []string `json:"models" mapstructure:"models"`
	Priority int      `json:"priority" mapstructure:"priority"` // lower = tried first
}

// Factory builds a Provider from Config.
type Factory func(cfg Config, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a provider factory for the given type name,
// called from each concrete provider's init().
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// Create instantiates a Provider using the registered factory for cfg.Type.
func Create(cfg Config, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}
	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", t)
	}
	return factory(cfg, logger), nil
}
