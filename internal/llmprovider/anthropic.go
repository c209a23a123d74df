package llmprovider

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

func init() {
	RegisterFactory("anthropic", func(cfg Config, logger *zap.Logger) Provider {
		return NewAnthropicProvider(cfg, logger)
	})
}

// AnthropicProvider implements the Anthropic Messages API natively: it
// maps llmprovider's wire-agnostic Request/Response onto content blocks,
// the system-prompt-as-top-level-field convention, and tool_use/tool_result
// blocks instead of OpenAI's flat tool-call messages.
type AnthropicProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// NewAnthropicProvider builds a provider from Config.
func NewAnthropicProvider(cfg Config, logger *zap.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
	}
}

var (
	_ Provider        = (*AnthropicProvider)(nil)
	_ StreamingClient = (*AnthropicProvider)(nil)
)

func (p *AnthropicProvider) Name() string     { return p.name }
func (p *AnthropicProvider) Models() []string { return p.models }

func (p *AnthropicProvider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *AnthropicProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Complete sends a single non-streaming Messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiReq := p.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "marshal completion request").WithOperation("anthropic.complete")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "build http request").WithOperation("anthropic.complete")
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "http request failed").WithOperation("anthropic.complete")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "read response body").WithOperation("anthropic.complete")
	}
	if resp.StatusCode != http.StatusOK {
		kind := vmerr.KindInferenceFailed
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = vmerr.KindRateLimited
		}
		return nil, vmerr.New(kind, fmt.Sprintf("api error %d: %s", resp.StatusCode, string(respBody))).WithOperation("anthropic.complete")
	}

	return p.parseAPIResponse(respBody)
}

// CompleteStream streams deltas over deltaCh while accumulating the final Response.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error) {
	apiReq := p.buildAPIRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "marshal stream request").WithOperation("anthropic.complete_stream")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "build http request").WithOperation("anthropic.complete_stream")
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "http request failed").WithOperation("anthropic.complete_stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, vmerr.New(vmerr.KindInferenceFailed, fmt.Sprintf("api error %d: %s", resp.StatusCode, string(respBody))).WithOperation("anthropic.complete_stream")
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := p.parseSSEStream(ctx, resp.Body, deltaCh)
	close(streamDone)
	return result, err
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

// --- Anthropic Messages API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"` // "user" | "assistant"
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "tool_result"

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"` // "end_turn" | "tool_use" | "max_tokens"
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) total() int { return u.InputTokens + u.OutputTokens }

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicDeltaBlock   `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Message      *anthropicResponse     `json:"message,omitempty"`
}

type anthropicDeltaBlock struct {
	Type        string `json:"type"` // "text_delta" | "input_json_delta" | "thinking_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	StopReason string `json:"stop_reason,omitempty"`
}

func (p *AnthropicProvider) buildAPIRequest(req *Request) *anthropicRequest {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &anthropicRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = 8192 // Anthropic requires an explicit max_tokens
	}

	var messages []anthropicMessage
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			apiReq.System = msg.Content

		case RoleAssistant:
			var blocks []anthropicContentBlock
			if msg.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
			}

		case RoleTool:
			// Anthropic: tool results travel as a user-role tool_result block.
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}},
			})

		default: // user
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	apiReq.Messages = messages

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicTool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: ensureSchemaType(td.Parameters),
		})
	}

	return apiReq
}

// ensureSchemaType guarantees a tool's parameter schema carries an
// explicit "type", which Anthropic and Gemini both require but the VM's
// ToolDefinition doesn't.
func ensureSchemaType(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	result := make(map[string]any, len(schema))
	for k, v := range schema {
		result[k] = v
	}
	if _, ok := result["type"]; !ok {
		result["type"] = "object"
	}
	return result
}

func (p *AnthropicProvider) parseAPIResponse(body []byte) (*Response, error) {
	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "parse api response").WithOperation("anthropic.parse_response")
	}

	resp := &Response{
		ID:           apiResp.ID,
		Model:        apiResp.Model,
		Usage:        Usage{TotalTokens: apiResp.Usage.total(), PromptTokens: apiResp.Usage.InputTokens, CompletionTokens: apiResp.Usage.OutputTokens},
		FinishReason: mapAnthropicStopReason(apiResp.StopReason),
	}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	return resp, nil
}

func mapAnthropicStopReason(s string) FinishReason {
	switch s {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishUnknown
	}
}

// parseSSEStream reads Anthropic's event-based SSE format: "event: <type>"
// lines followed by "data: <json>", dispatched by event type rather than a
// single flat chunk shape as OpenAI uses.
func (p *AnthropicProvider) parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- StreamChunk) (*Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var modelUsed string
	var usage Usage
	var stopReason string
	toolCalls := map[int]*toolCallAccumulator{}
	var order []int
	var currentEvent string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err == nil && evt.Message != nil {
				modelUsed = evt.Message.Model
				if t := evt.Message.Usage.total(); t > 0 {
					usage.TotalTokens = t
				}
			}

		case "content_block_start":
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err == nil && evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				toolCalls[evt.Index] = &toolCallAccumulator{ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
				order = append(order, evt.Index)
			}

		case "content_block_delta":
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil || evt.Delta == nil {
				continue
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					contentBuilder.WriteString(evt.Delta.Text)
					deltaCh <- StreamChunk{Text: evt.Delta.Text}
				}
			case "input_json_delta":
				if acc, ok := toolCalls[evt.Index]; ok {
					acc.ArgsBuilder.WriteString(evt.Delta.PartialJSON)
				}
			}

		case "message_delta":
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err == nil {
				if evt.Delta != nil && evt.Delta.StopReason != "" {
					stopReason = evt.Delta.StopReason
				}
				if evt.Usage != nil {
					if t := evt.Usage.total(); t > 0 {
						usage.TotalTokens = t
					}
				}
			}
		}

		currentEvent = ""
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			p.logger.Warn("sse stream idle timeout", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCalls) == 0 {
				return nil, vmerr.New(vmerr.KindSyscallTimeout, "sse stream stalled").WithOperation("anthropic.parse_sse")
			}
		} else {
			return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "sse scan error").WithOperation("anthropic.parse_sse")
		}
	}

	finish := mapAnthropicStopReason(stopReason)
	if finish != FinishUnknown {
		deltaCh <- StreamChunk{Done: true, FinishReason: finish}
	}

	resp := &Response{Model: modelUsed, Content: contentBuilder.String(), Usage: usage, FinishReason: finish}
	for _, idx := range order {
		acc := toolCalls[idx]
		var args map[string]any
		if argsStr := acc.ArgsBuilder.String(); argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				p.logger.Warn("failed to parse streamed tool call args", zap.String("tool", acc.Name), zap.Error(err))
				continue
			}
		}
		tc := ToolCall{ID: acc.ID, Name: acc.Name, Arguments: args}
		resp.ToolCalls = append(resp.ToolCalls, tc)
		deltaCh <- StreamChunk{ToolCallDelta: &tc}
	}
	return resp, nil
}
