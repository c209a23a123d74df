package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/vm/interpreter"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// contextText renders the requested context pages as "### Page: id\ncontent\n\n"
// blocks, per agent.rs's handle_llm_request/handle_inject_request.
func contextText(it *interpreter.Interpreter, pageIDs []string) string {
	var b strings.Builder
	for _, id := range pageIDs {
		page, err := it.GetPage(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### Page: %s\n%v\n\n", id, page.Content)
	}
	return b.String()
}

// traceText renders the interpreter's in-memory trace as "{step}: {op} -> {result}"
// lines, used by REFLECT and INJECT when their include_trace flag is set.
func traceText(it *interpreter.Interpreter) string {
	var b strings.Builder
	for _, s := range it.Trace() {
		result := s.Result
		if s.Err != nil {
			result = s.Err.Error()
		}
		fmt.Fprintf(&b, "%d: %s -> %s\n", s.Step, s.Op, result)
	}
	return b.String()
}

// memoryText renders every resident page as a truncated JSON preview, used
// by INJECT when its include_memory flag is set.
func memoryText(it *interpreter.Interpreter) string {
	var b strings.Builder
	for id, page := range it.AllPages() {
		preview, err := json.Marshal(page.Content)
		text := ""
		if err == nil {
			text = truncate(string(preview), 200)
		}
		fmt.Fprintf(&b, "  - %s: %s\n", id, text)
	}
	return b.String()
}

// handleLLMRequest answers an Infer/Plan/Reflect NeedsLlm request by
// formatting a request-type-specific prompt and returning the completion
// wrapped as {"response":..., "success":true}, per agent.rs's
// handle_llm_request.
func (a *Agent) handleLLMRequest(ctx context.Context, req *interpreter.LlmRequest, it *interpreter.Interpreter) (any, error) {
	a.logger.Info("llm request", zap.String("type", string(req.RequestType)), zap.String("prompt", truncate(req.Prompt, 60)))

	ctxText := contextText(it, req.ContextPages)

	var prompt string
	switch req.RequestType {
	case interpreter.ReqInfer:
		if ctxText == "" {
			prompt = req.Prompt
		} else {
			prompt = fmt.Sprintf("%s\n\n## Context:\n%s", req.Prompt, ctxText)
		}

	case interpreter.ReqPlan:
		prompt = fmt.Sprintf(
			"# Planning Request\n\n%s\n\n## Context:\n%s\n\nGenerate a plan as JSON with steps.",
			req.Prompt, ctxText)

	case interpreter.ReqReflect:
		trace := ""
		if req.IncludeTrace {
			trace = "\n\n## Execution Trace:\n" + traceText(it)
		}
		prompt = fmt.Sprintf("# Reflection Request\n\n%s\n\n## Context:\n%s%s", req.Prompt, ctxText, trace)

	default:
		return nil, vmerr.New(vmerr.KindUnexpected, "inject/infer_batch must not reach handle_llm_request").WithOperation("handle_llm_request")
	}

	resp, err := a.client.Complete(ctx, &llmprovider.Request{
		Model:       a.config.Model,
		Temperature: a.config.Temperature,
		Messages:    []llmprovider.Message{{Role: llmprovider.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindProviderUnavailable, err, "llm request").WithOperation("handle_llm_request")
	}

	a.logger.Debug("llm response received", zap.Int("chars", len(resp.Content)))
	return map[string]any{"response": resp.Content, "success": true}, nil
}

// injectPromptTemplate is the exact JIT-code-injection prompt agent.rs
// sends the LLM when an INJECT opcode suspends execution, kept verbatim so
// generated opcodes stay field-compatible with the interpreter's decoder.
const injectPromptTemplate = `# JIT Code Injection Request

You are the LLM CPU of a running VM program. The program has reached an INJECT point and needs you to generate the next set of opcodes to execute.

## Goal
%s

## Current Context
%s%s%s

## Tool Opcode Reference (EXACT field names required):
- READ_FILE: {"op": "READ_FILE", "path": "<file>", "store_to": "<page>"}
- WRITE_FILE: {"op": "WRITE_FILE", "path": "<file>", "content": "<text>", "store_to": "<page>"}
- LIST_DIR: {"op": "LIST_DIR", "path": "<dir>", "store_to": "<page>"}
- EXEC: {"op": "EXEC", "command": "<shell cmd>", "store_to": "<page>"}
- GREP: {"op": "GREP", "pattern": "<regex>", "path": "<file>", "store_to": "<page>"}
- INFER: {"op": "INFER", "prompt": "<question>", "context": ["<page1>"], "store_to": "<page>"}
- BRANCH: {"op": "BRANCH", "condition": "<page.field>", "if_true": "<label>", "if_false": "<label>"}
- COMPLETE: {"op": "COMPLETE", "result": {...}}
- FAIL: {"op": "FAIL", "error": "<message>"}

## Instructions
Generate a JSON array of opcodes. These will be inserted and executed immediately.

IMPORTANT: Return ONLY a valid JSON array. Example:
[
  {"op": "READ_FILE", "path": "file.txt", "store_to": "content"},
  {"op": "INFER", "prompt": "Analyze this", "context": ["content"], "store_to": "result"},
  {"op": "COMPLETE", "result": {"page": "result"}}
]

Generate the opcodes now:`

// handleInjectRequest answers an INJECT NeedsLlm request: the LLM returns a
// JSON array of opcodes to splice in and run immediately, per agent.rs's
// handle_inject_request.
func (a *Agent) handleInjectRequest(ctx context.Context, req *interpreter.LlmRequest, it *interpreter.Interpreter) ([]opcode.Opcode, error) {
	a.logger.Info("inject request", zap.String("goal", truncate(req.Prompt, 60)))

	ctxText := contextText(it, req.ContextPages)

	trace := ""
	if req.IncludeTrace {
		trace = "\n\n## Execution Trace:\n" + traceText(it)
	}
	mem := ""
	if req.IncludeMemory {
		mem = "\n\n## Memory Pages:\n" + memoryText(it)
	}

	prompt := fmt.Sprintf(injectPromptTemplate, req.Prompt, ctxText, trace, mem)

	resp, err := a.client.Complete(ctx, &llmprovider.Request{
		Model:       a.config.Model,
		Temperature: a.config.Temperature,
		Messages:    []llmprovider.Message{{Role: llmprovider.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindProviderUnavailable, err, "inject request").WithOperation("handle_inject_request")
	}

	a.logger.Debug("inject response received", zap.Int("chars", len(resp.Content)))
	return parseOpcodes(resp.Content)
}

// handleInferBatchRequest runs each of req.Prompts against the LLM in turn,
// returning one {"response","success","index"} (or {"error","success","index"}
// on failure) result object per prompt, per agent.rs's
// handle_infer_batch_request.
func (a *Agent) handleInferBatchRequest(ctx context.Context, req *interpreter.LlmRequest, it *interpreter.Interpreter) ([]any, error) {
	a.logger.Info("infer_batch request", zap.Int("prompts", len(req.Prompts)))

	var ctxText strings.Builder
	for i, pageID := range req.ContextPages {
		page, err := it.GetPage(pageID)
		if err != nil {
			continue
		}
		b, _ := json.MarshalIndent(page.Content, "", "  ")
		fmt.Fprintf(&ctxText, "### Context %d\n%s\n", i, string(b))
	}

	results := make([]any, 0, len(req.Prompts))
	successes := 0
	for i, prompt := range req.Prompts {
		full := prompt
		if ctxText.Len() > 0 {
			full = fmt.Sprintf("%s\n\n## Context:\n%s", prompt, ctxText.String())
		}

		resp, err := a.client.Complete(ctx, &llmprovider.Request{
			Model:       a.config.Model,
			Temperature: a.config.Temperature,
			Messages:    []llmprovider.Message{{Role: llmprovider.RoleUser, Content: full}},
		})
		if err != nil {
			results = append(results, map[string]any{"error": err.Error(), "success": false, "index": i})
			continue
		}
		results = append(results, map[string]any{"response": resp.Content, "success": true, "index": i})
		successes++
	}

	a.logger.Info("infer_batch completed", zap.Int("successes", successes), zap.Int("total", len(results)))
	return results, nil
}

// truncate returns s cut to at most max bytes, appending a single-rune
// ellipsis when it was cut, per agent.rs's truncate helper.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
