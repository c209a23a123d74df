package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// generateProgram asks the LLM for a Program covering task, using the VM
// schema as the system prompt and a task+session-context user prompt,
// mirroring agent.rs's generate_program.
func (a *Agent) generateProgram(ctx context.Context, task string) (*opcode.Program, error) {
	system := a.schema.ToPrompt()
	user := a.userPrompt(task)

	a.logger.Info("asking LLM to generate program",
		zap.Int("previous_steps", len(a.fullTrace)),
		zap.Int("indexed_pages", len(a.pageIndex)),
	)

	resp, err := a.client.Complete(ctx, &llmprovider.Request{
		Model:       a.config.Model,
		Temperature: a.config.Temperature,
		Messages: []llmprovider.Message{
			{Role: llmprovider.RoleSystem, Content: system},
			{Role: llmprovider.RoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindProviderUnavailable, err, "generate program").WithOperation("generate_program")
	}
	if resp.Content == "" {
		return nil, vmerr.New(vmerr.KindInferenceFailed, "empty LLM response").WithOperation("generate_program")
	}
	a.logger.Debug("program response received", zap.Int("chars", len(resp.Content)))

	return parseProgram(resp.Content)
}

// userPrompt builds the task-specific half of generate_program's request:
// the goal, plus any page summaries and trace carried over from a resumed
// session or a prior program run in this task (agent.rs's VmSchema::user_prompt,
// whose Rust body was not retrieved — reauthored here in the same register
// as the rest of the schema prompt).
func (a *Agent) userPrompt(task string) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(task)
	b.WriteString("\n\n")

	if len(a.pageIndex) > 0 {
		ids := make([]string, 0, len(a.pageIndex))
		for id := range a.pageIndex {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		b.WriteString("## Pages available from session (use LOAD_PAGE to fetch content)\n")
		for _, id := range ids {
			idx := a.pageIndex[id]
			fmt.Fprintf(&b, "- %s (~%d tokens): %s\n", id, idx.Tokens, idx.Summary)
		}
		b.WriteString("\n")
	}

	if len(a.fullTrace) > 0 {
		b.WriteString("## Execution so far\n")
		for _, step := range a.fullTrace {
			result := step.Result
			if step.Err != nil {
				result = step.Err.Error()
			}
			fmt.Fprintf(&b, "%d: %s -> %s\n", step.Step, step.Op, result)
		}
		b.WriteString("\n")
	}

	b.WriteString("Generate a single JSON program that accomplishes the task. Return only the program JSON.")
	return b.String()
}

// parseProgram decodes a Program from LLM output, tolerating a fenced
// ```json ... ``` or bare ``` ... ``` code block around the JSON (via
// opcode.ExtractFencedJSON's goldmark-based fence walk), per agent.rs's
// parse_program.
func parseProgram(content string) (*opcode.Program, error) {
	jsonStr := opcode.ExtractFencedJSON(content)
	p, err := opcode.ParseProgram([]byte(jsonStr))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "parse generated program").
			WithOperation("parse_program").WithContext("content", jsonStr)
	}
	if p.ID == "" {
		p.ID = "main"
	}
	return p, nil
}

// parseOpcodes decodes a bare opcode array from LLM output, used by the
// INJECT resume path, per agent.rs's parse_opcodes.
func parseOpcodes(content string) ([]opcode.Opcode, error) {
	jsonStr := opcode.ExtractFencedJSON(content)
	ops, err := opcode.ParseOpcodes([]byte(jsonStr))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "parse injected opcodes").
			WithOperation("parse_opcodes").WithContext("content", jsonStr)
	}
	return ops, nil
}
