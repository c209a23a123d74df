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

func init() {
	RegisterFactory("gemini", func(cfg Config, logger *zap.Logger) Provider {
		return NewGeminiProvider(cfg, logger)
	})
}

// GeminiProvider implements the Google Gemini generateContent API: it maps
// llmprovider's wire-agnostic Request/Response onto contents[].parts[],
// functionCall/functionResponse parts, and a key query parameter instead
// of a bearer token.
type GeminiProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// NewGeminiProvider builds a provider from Config.
func NewGeminiProvider(cfg Config, logger *zap.Logger) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
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

	return &GeminiProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "gemini")),
	}
}

var (
	_ Provider        = (*GeminiProvider)(nil)
	_ StreamingClient = (*GeminiProvider)(nil)
)

func (p *GeminiProvider) Name() string     { return p.name }
func (p *GeminiProvider) Models() []string { return p.models }

func (p *GeminiProvider) SupportsModel(model string) bool {
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

func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *GeminiProvider) stripPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// Complete sends a single non-streaming generateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiReq := p.buildAPIRequest(req)
	model := p.stripPrefix(req.Model)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "marshal completion request").WithOperation("gemini.complete")
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "build http request").WithOperation("gemini.complete")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "http request failed").WithOperation("gemini.complete")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "read response body").WithOperation("gemini.complete")
	}
	if resp.StatusCode != http.StatusOK {
		kind := vmerr.KindInferenceFailed
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = vmerr.KindRateLimited
		}
		return nil, vmerr.New(kind, fmt.Sprintf("api error %d: %s", resp.StatusCode, string(respBody))).WithOperation("gemini.complete")
	}

	return p.parseAPIResponse(respBody)
}

// CompleteStream streams deltas over deltaCh while accumulating the final Response.
func (p *GeminiProvider) CompleteStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error) {
	apiReq := p.buildAPIRequest(req)
	model := p.stripPrefix(req.Model)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "marshal stream request").WithOperation("gemini.complete_stream")
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "build http request").WithOperation("gemini.complete_stream")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "http request failed").WithOperation("gemini.complete_stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, vmerr.New(vmerr.KindInferenceFailed, fmt.Sprintf("api error %d: %s", resp.StatusCode, string(respBody))).WithOperation("gemini.complete_stream")
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

// --- Gemini generateContent wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiToolDeclaration `json:"tools,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" | "model"
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolDeclaration struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"` // "STOP" | "MAX_TOKENS" | "SAFETY"
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *geminiUsageMetadata) total() int {
	if u.TotalTokenCount > 0 {
		return u.TotalTokenCount
	}
	return u.PromptTokenCount + u.CandidatesTokenCount
}

func (p *GeminiProvider) buildAPIRequest(req *Request) *geminiRequest {
	apiReq := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens},
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			apiReq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}

		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			if len(content.Parts) > 0 {
				apiReq.Contents = append(apiReq.Contents, content)
			}

		case RoleTool:
			// Gemini: tool results are functionResponse parts in a user turn.
			apiReq.Contents = append(apiReq.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{Name: msg.Name, Response: map[string]any{"output": msg.Content}},
				}},
			})

		default: // user
			apiReq.Contents = append(apiReq.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	if len(req.Tools) > 0 {
		var decls []geminiFunctionDeclaration
		for _, td := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{Name: td.Name, Description: td.Description, Parameters: ensureSchemaType(td.Parameters)})
		}
		apiReq.Tools = []geminiToolDeclaration{{FunctionDeclarations: decls}}
	}

	return apiReq
}

func (p *GeminiProvider) parseAPIResponse(body []byte) (*Response, error) {
	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "parse api response").WithOperation("gemini.parse_response")
	}
	if len(apiResp.Candidates) == 0 {
		return nil, vmerr.New(vmerr.KindInferenceFailed, "empty response: no candidates").WithOperation("gemini.parse_response")
	}

	candidate := apiResp.Candidates[0]
	resp := &Response{Model: apiResp.ModelVersion, FinishReason: mapGeminiFinishReason(candidate.FinishReason)}
	if apiResp.UsageMetadata != nil {
		resp.Usage.TotalTokens = apiResp.UsageMetadata.total()
		resp.Usage.PromptTokens = apiResp.UsageMetadata.PromptTokenCount
		resp.Usage.CompletionTokens = apiResp.UsageMetadata.CandidatesTokenCount
	}

	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			resp.Content += part.Text
		}
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(resp.ToolCalls)),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	return resp, nil
}

func mapGeminiFinishReason(s string) FinishReason {
	switch s {
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "":
		return FinishUnknown
	default:
		return FinishContentFilter
	}
}

// parseSSEStream reads Gemini's streaming response: "data: {...}" lines
// where each chunk is a full generateContent response, unlike OpenAI's
// incremental delta shape.
func (p *GeminiProvider) parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- StreamChunk) (*Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var modelUsed string
	var usage Usage
	var finishReason string
	var toolCalls []ToolCall

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

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skip unparseable sse chunk", zap.Error(err))
			continue
		}
		if chunk.ModelVersion != "" {
			modelUsed = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			if t := chunk.UsageMetadata.total(); t > 0 {
				usage.TotalTokens = t
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				contentBuilder.WriteString(part.Text)
				deltaCh <- StreamChunk{Text: part.Text}
			}
			if part.FunctionCall != nil {
				tc := ToolCall{
					ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls)),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				}
				toolCalls = append(toolCalls, tc)
				deltaCh <- StreamChunk{ToolCallDelta: &tc}
			}
		}
		if finishReason != "" {
			deltaCh <- StreamChunk{Done: true, FinishReason: mapGeminiFinishReason(finishReason)}
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			p.logger.Warn("sse stream idle timeout", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCalls) == 0 {
				return nil, vmerr.New(vmerr.KindSyscallTimeout, "sse stream stalled").WithOperation("gemini.parse_sse")
			}
		} else {
			return nil, vmerr.Wrap(vmerr.KindNetworkFailed, err, "sse scan error").WithOperation("gemini.parse_sse")
		}
	}

	return &Response{Model: modelUsed, Content: contentBuilder.String(), Usage: usage, FinishReason: mapGeminiFinishReason(finishReason), ToolCalls: toolCalls}, nil
}
