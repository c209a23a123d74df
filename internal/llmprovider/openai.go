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

// OpenAIProvider is a Go-native OpenAI-compatible HTTP client. It is the
// built-in Provider used whenever no specialized SDK is configured, and is
// compatible with OpenAI itself plus any OpenAI-wire-protocol proxy or
// self-hosted endpoint (Ollama, vLLM, etc.) — the interpreter core never
// depends on which one is behind it.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

func init() {
	RegisterFactory("openai", func(cfg Config, logger *zap.Logger) Provider {
		return NewOpenAIProvider(cfg, logger)
	})
}

// NewOpenAIProvider builds a provider from Config.
func NewOpenAIProvider(cfg Config, logger *zap.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	// Transport-level timeouts only: no total request Timeout, since a
	// cognitive opcode's inference call may legitimately run for minutes.
	// Cancellation is left to the caller's context.
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

	return &OpenAIProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name)),
	}
}

var (
	_ Provider        = (*OpenAIProvider)(nil)
	_ StreamingClient = (*OpenAIProvider)(nil)
)

func (p *OpenAIProvider) Name() string    { return p.name }
func (p *OpenAIProvider) Models() []string { return p.models }

func (p *OpenAIProvider) SupportsModel(model string) bool {
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

func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Complete sends a single non-streaming chat-completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiReq := buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "marshal completion request").WithOperation("openai.complete")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "build http request").WithOperation("openai.complete")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "http request failed").WithOperation("openai.complete")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "read response body").WithOperation("openai.complete")
	}
	if resp.StatusCode != http.StatusOK {
		kind := vmerr.KindInferenceFailed
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = vmerr.KindRateLimited
		}
		return nil, vmerr.New(kind, fmt.Sprintf("api error %d: %s", resp.StatusCode, string(respBody))).WithOperation("openai.complete")
	}

	return parseAPIResponse(respBody)
}

// CompleteStream streams deltas over deltaCh while accumulating the final Response.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error) {
	apiReq := buildAPIRequest(req)
	streamBody := struct {
		*openaiRequest
		Stream bool `json:"stream"`
	}{openaiRequest: apiReq, Stream: true}

	body, err := json.Marshal(streamBody)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "marshal stream request").WithOperation("openai.complete_stream")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "build http request").WithOperation("openai.complete_stream")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "http request failed").WithOperation("openai.complete_stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, vmerr.New(vmerr.KindInferenceFailed, fmt.Sprintf("api error %d: %s", resp.StatusCode, string(respBody))).WithOperation("openai.complete_stream")
	}

	// context cancellation does not interrupt resp.Body.Read(); force-close
	// the body from a watcher goroutine so the scanner unblocks.
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

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Model   string               `json:"model"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

// parseSSEStream consumes a text/event-stream response. It breaks on
// finish_reason rather than waiting for "[DONE]" since some OpenAI-compatible
// backends never send the terminal sentinel, and applies a 60s idle-read
// timeout to detect silently stalled connections.
func (p *OpenAIProvider) parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- StreamChunk) (*Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	toolCallMap := map[int]*toolCallAccumulator{}
	var order []int
	var modelUsed string
	var usage Usage
	var finishReason string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skip unparseable sse chunk", zap.Error(err))
			continue
		}
		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil {
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta
		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}
		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			deltaCh <- StreamChunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			acc, ok := toolCallMap[idx]
			if !ok {
				acc = &toolCallAccumulator{ID: tc.ID, Name: tc.Function.Name}
				toolCallMap[idx] = acc
				order = append(order, idx)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.ArgsBuilder.WriteString(tc.Function.Arguments)
		}
		if finishReason != "" {
			deltaCh <- StreamChunk{Done: true, FinishReason: mapFinishReason(finishReason)}
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			p.logger.Warn("sse stream idle timeout", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCallMap) == 0 {
				return nil, vmerr.New(vmerr.KindSyscallTimeout, "sse stream stalled").WithOperation("openai.parse_sse")
			}
		} else {
			return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "sse scan error").WithOperation("openai.parse_sse")
		}
	}

	resp := &Response{
		Model:        modelUsed,
		Content:      contentBuilder.String(),
		Usage:        usage,
		FinishReason: mapFinishReason(finishReason),
	}
	for _, idx := range order {
		acc := toolCallMap[idx]
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

type toolCallAccumulator struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func buildAPIRequest(req *Request) *openaiRequest {
	apiReq := &openaiRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Messages {
		apiMsg := openaiMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunc{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}
	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return apiReq
}

func parseAPIResponse(body []byte) (*Response, error) {
	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "parse api response").WithOperation("openai.parse_response")
	}
	if len(apiResp.Choices) == 0 {
		return nil, vmerr.New(vmerr.KindInferenceFailed, "empty response: no choices").WithOperation("openai.parse_response")
	}
	choice := apiResp.Choices[0]
	resp := &Response{
		ID:      apiResp.ID,
		Model:   apiResp.Model,
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "parse tool call arguments").
					WithOperation("openai.parse_response").WithContext("tool", tc.Function.Name)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return resp, nil
}

func mapFinishReason(s string) FinishReason {
	switch s {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "tool_calls":
		return FinishToolCalls
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishUnknown
	}
}

var errIdleTimeout = fmt.Errorf("sse read idle timeout")

// timedReader applies a per-Read deadline, detecting a stalled SSE stream
// where the server stops sending data mid-response without closing the
// connection.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "sse read idle timeout")
}
