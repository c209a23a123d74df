package opcode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema is the complete, versioned description of the VM's capabilities
// given to the LLM as the system prompt — an immutable template describing
// every opcode with examples and operating guidelines.
type Schema struct {
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Opcodes     []OpcodeCategory  `json:"opcodes"`
	State       VMStateSchema     `json:"state"`
	Execution   ExecutionModel    `json:"execution"`
	Guidelines  []Guideline       `json:"guidelines"`
}

// OpcodeCategory groups related opcodes for presentation.
type OpcodeCategory struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Opcodes     []OpcodeSpec `json:"opcodes"`
}

// OpcodeSpec documents one opcode.
type OpcodeSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params"`
	Example     string   `json:"example,omitempty"`
}

// VMStateSchema describes the state surfaces the LLM can reason about.
type VMStateSchema struct {
	Stack     StackSchema    `json:"stack"`
	Memory    MemorySchema   `json:"memory"`
	Registers RegisterSchema `json:"registers"`
}

type StackSchema struct {
	Description string `json:"description"`
	MaxSize     int    `json:"max_size"`
}

type MemorySchema struct {
	Description    string `json:"description"`
	MaxPages       int    `json:"max_pages"`
	PageSizeTokens int    `json:"page_size_tokens"`
}

type RegisterSchema struct {
	Description string   `json:"description"`
	Registers   []string `json:"registers"`
}

// ExecutionModel explains control flow to the LLM.
type ExecutionModel struct {
	Description string   `json:"description"`
	Flow        []string `json:"flow"`
}

// Guideline is one best-practice note for program generation.
type Guideline struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NewSchema builds the canonical schema.
func NewSchema() *Schema {
	return &Schema{
		Version: "0.1.0",
		Description: "llcraft VM - a virtual machine where LLMs are the compute unit. " +
			"Programs orchestrate LLM inference, memory management, and tool use " +
			"to solve complex tasks within context window constraints.",
		Opcodes: defineOpcodes(),
		State: VMStateSchema{
			Stack: StackSchema{Description: "LIFO stack for working values (JSON)", MaxSize: 256},
			Memory: MemorySchema{
				Description:    "Named pages holding JSON data",
				MaxPages:       1024,
				PageSizeTokens: 4096,
			},
			Registers: RegisterSchema{
				Description: "Named registers: pc (program counter), goal, focus, thought, flags",
				Registers:   []string{"pc", "goal", "focus", "thought", "flags", "sp"},
			},
		},
		Execution: ExecutionModel{
			Description: "Programs execute sequentially with control flow via JUMP/BRANCH/CALL. " +
				"INFER operations invoke the LLM with specified context pages.",
			Flow: []string{
				"1. Load program and resolve labels",
				"2. Execute opcodes in sequence",
				"3. INFER sends prompt + context to LLM, stores response",
				"4. BRANCH/JUMP modify program counter",
				"5. CALL pushes frame, RETURN pops frame",
				"6. COMPLETE/FAIL terminate execution",
			},
		},
		Guidelines: defineGuidelines(),
	}
}

// ToPrompt renders the schema as the static system-prompt text.
func (s *Schema) ToPrompt() string {
	var b strings.Builder
	b.WriteString("# llcraft VM Specification\n\n")
	b.WriteString(s.Description)
	b.WriteString("\n\n")

	b.WriteString("## VM State\n\n")
	fmt.Fprintf(&b, "**Stack**: %s (max %d items)\n", s.State.Stack.Description, s.State.Stack.MaxSize)
	fmt.Fprintf(&b, "**Memory**: %s (max %d pages, ~%d tokens each)\n",
		s.State.Memory.Description, s.State.Memory.MaxPages, s.State.Memory.PageSizeTokens)
	fmt.Fprintf(&b, "**Registers**: %s\n\n", s.State.Registers.Description)

	b.WriteString("## Opcodes\n\n")
	for _, cat := range s.Opcodes {
		fmt.Fprintf(&b, "### %s\n", cat.Name)
		fmt.Fprintf(&b, "%s\n\n", cat.Description)
		for _, op := range cat.Opcodes {
			fmt.Fprintf(&b, "- **%s**: %s\n", op.Name, op.Description)
			if len(op.Params) > 0 {
				fmt.Fprintf(&b, "  - Params: %s\n", strings.Join(op.Params, ", "))
			}
			if op.Example != "" {
				fmt.Fprintf(&b, "  - Example: `%s`\n", op.Example)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Guidelines\n\n")
	for _, g := range s.Guidelines {
		fmt.Fprintf(&b, "### %s\n%s\n\n", g.Title, g.Content)
	}

	return b.String()
}

// ToJSON renders the schema as pretty JSON for structured consumption (the
// CLI's `schema --json` mode).
func (s *Schema) ToJSON() (string, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func defineOpcodes() []OpcodeCategory {
	return []OpcodeCategory{
		{
			Name:        "Memory",
			Description: "Page-based memory for context management. Each page holds JSON data.",
			Opcodes: []OpcodeSpec{
				{Name: "LOAD", Description: "Load a page into working memory", Params: []string{"page_id: string", "range?: {start, end}"}, Example: `{"op": "LOAD", "page_id": "context"}`},
				{Name: "STORE", Description: "Store data to a page (creates if not exists)", Params: []string{"page_id: string", "data: any"}, Example: `{"op": "STORE", "page_id": "result", "data": {"key": "value"}}`},
				{Name: "ALLOC", Description: "Allocate a new empty page", Params: []string{"size_hint?: number", "label?: string"}, Example: `{"op": "ALLOC", "label": "scratch"}`},
				{Name: "FREE", Description: "Free a page from memory", Params: []string{"page_id: string"}, Example: `{"op": "FREE", "page_id": "temp"}`},
				{Name: "COPY", Description: "Copy data between pages", Params: []string{"src: string", "dst: string", "range?: {start, end}"}, Example: `{"op": "COPY", "src": "input", "dst": "backup"}`},
			},
		},
		{
			Name:        "Inference",
			Description: "LLM compute operations - the core of the VM",
			Opcodes: []OpcodeSpec{
				{Name: "INFER", Description: "Invoke LLM inference with prompt and context pages", Params: []string{"prompt: string", "context: string[]", "store_to: string", "params?: {temperature, max_tokens, model}"}, Example: `{"op": "INFER", "prompt": "Analyze this code", "context": ["code"], "store_to": "analysis"}`},
				{Name: "PLAN", Description: "Invoke LLM to produce a stepwise plan", Params: []string{"goal: string", "context?: string[]", "store_to: string"}, Example: `{"op": "PLAN", "goal": "refactor auth", "store_to": "plan"}`},
				{Name: "REFLECT", Description: "Invoke LLM to reflect on progress so far", Params: []string{"question: string", "include_trace?: bool", "store_to: string"}, Example: `{"op": "REFLECT", "question": "is this on track?", "store_to": "reflection"}`},
				{Name: "INJECT", Description: "Ask the LLM to generate opcodes to splice in and run immediately", Params: []string{"prompt: string", "include_trace?: bool", "include_memory?: bool", "store_to: string", "context?: string[]"}, Example: `{"op": "INJECT", "prompt": "handle the edge case", "store_to": "result"}`},
				{Name: "INFER_BATCH", Description: "Run several prompts and store each result under an indexed page", Params: []string{"prompts: string[]", "context?: any[]", "store_prefix: string", "store_combined?: string"}, Example: `{"op": "INFER_BATCH", "prompts": ["...", "..."], "store_prefix": "batch"}`},
				{Name: "SUMMARIZE", Description: "Compress pages to fit context window", Params: []string{"pages: string[]", "store_to: string", "target_tokens?: number"}, Example: `{"op": "SUMMARIZE", "pages": ["doc1", "doc2"], "store_to": "summary"}`},
				{Name: "CHUNK", Description: "Split large content into smaller pages", Params: []string{"source: string", "chunk_size: number", "prefix?: string"}, Example: `{"op": "CHUNK", "source": "large_file", "chunk_size": 2000}`},
				{Name: "MERGE", Description: "Combine multiple pages into one", Params: []string{"pages: string[]", "store_to: string", "separator?: string"}, Example: `{"op": "MERGE", "pages": ["part1", "part2"], "store_to": "combined"}`},
			},
		},
		{
			Name:        "Control Flow",
			Description: "Program execution control",
			Opcodes: []OpcodeSpec{
				{Name: "LABEL", Description: "Define a jump target", Params: []string{"name: string"}, Example: `{"op": "LABEL", "name": "loop_start"}`},
				{Name: "JUMP", Description: "Unconditional jump to label", Params: []string{"target: string"}, Example: `{"op": "JUMP", "target": "loop_start"}`},
				{Name: "BRANCH", Description: "Conditional branch based on condition", Params: []string{"condition: string", "if_true: string", "if_false: string"}, Example: `{"op": "BRANCH", "condition": "result.is_empty", "if_true": "retry", "if_false": "done"}`},
				{Name: "CALL", Description: "Call a subprogram", Params: []string{"program_id: string", "args?: any"}, Example: `{"op": "CALL", "program_id": "analyze_function", "args": {"name": "main"}}`},
				{Name: "RETURN", Description: "Return from subprogram", Params: []string{"value?: any"}, Example: `{"op": "RETURN", "value": {"status": "ok"}}`},
				{Name: "LOOP", Description: "Iterate over items", Params: []string{"var: string", "over: string", "body: opcode[]"}, Example: `{"op": "LOOP", "var": "file", "over": "files", "body": [...]}`},
				{Name: "COMPLETE", Description: "Successfully finish execution with result", Params: []string{"result: any"}, Example: `{"op": "COMPLETE", "result": {"answer": "42"}}`},
				{Name: "FAIL", Description: "Fail execution with error", Params: []string{"error: string"}, Example: `{"op": "FAIL", "error": "Could not parse input"}`},
			},
		},
		{
			Name:        "Stack",
			Description: "Working value stack for intermediate computations",
			Opcodes: []OpcodeSpec{
				{Name: "PUSH", Description: "Push value onto stack", Params: []string{"value: any"}, Example: `{"op": "PUSH", "value": 42}`},
				{Name: "PUSH_PAGE", Description: "Push page contents onto stack", Params: []string{"page_id: string"}, Example: `{"op": "PUSH_PAGE", "page_id": "result"}`},
				{Name: "POP", Description: "Pop and discard top value", Example: `{"op": "POP"}`},
				{Name: "POP_TO", Description: "Pop top value into a page", Params: []string{"store_to: string"}, Example: `{"op": "POP_TO", "store_to": "output"}`},
				{Name: "DUP", Description: "Duplicate top value", Example: `{"op": "DUP"}`},
				{Name: "SWAP", Description: "Swap top two values", Example: `{"op": "SWAP"}`},
			},
		},
		{
			Name:        "Syscall",
			Description: "External tool invocations",
			Opcodes: []OpcodeSpec{
				{Name: "SYSCALL", Description: "Invoke external tool (read_file, write_file, grep, exec, etc.)", Params: []string{"call: string", "args?: any", "store_to?: string"}, Example: `{"op": "SYSCALL", "call": "read_file", "args": {"path": "src/main.go"}, "store_to": "code"}`},
				{Name: "READ_FILE", Description: "Read a file's contents", Params: []string{"path: string", "store_to: string"}, Example: `{"op": "READ_FILE", "path": "main.go", "store_to": "src"}`},
				{Name: "WRITE_FILE", Description: "Write content to a file", Params: []string{"path: string", "content: string", "store_to?: string"}, Example: `{"op": "WRITE_FILE", "path": "out.txt", "content": "hi"}`},
				{Name: "LIST_DIR", Description: "List a directory's entries", Params: []string{"path: string", "store_to: string"}, Example: `{"op": "LIST_DIR", "path": ".", "store_to": "files"}`},
				{Name: "EXEC", Description: "Run a shell command", Params: []string{"command: string", "store_to: string"}, Example: `{"op": "EXEC", "command": "go test ./...", "store_to": "test_result"}`},
				{Name: "GREP", Description: "Search file contents for a pattern", Params: []string{"pattern: string", "path: string", "store_to: string"}, Example: `{"op": "GREP", "pattern": "TODO", "path": ".", "store_to": "hits"}`},
			},
		},
		{
			Name:        "Debug",
			Description: "Debugging and checkpointing",
			Opcodes: []OpcodeSpec{
				{Name: "LOG", Description: "Log a debug message", Params: []string{"level: debug|info|warn|error", "message: string"}, Example: `{"op": "LOG", "level": "info", "message": "Processing file"}`},
				{Name: "CHECKPOINT", Description: "Save state for potential rollback", Params: []string{"name: string"}, Example: `{"op": "CHECKPOINT", "name": "before_edit"}`},
				{Name: "ROLLBACK", Description: "Restore a prior checkpoint", Params: []string{"name: string"}, Example: `{"op": "ROLLBACK", "name": "before_edit"}`},
				{Name: "ASSERT", Description: "Assert condition, fail if false", Params: []string{"condition: string", "message: string"}, Example: `{"op": "ASSERT", "condition": "result.success", "message": "Expected success"}`},
			},
		},
	}
}

func defineGuidelines() []Guideline {
	return []Guideline{
		{
			Title: "Context Window Management",
			Content: "The context window is your primary constraint. Use SUMMARIZE to compress " +
				"information, CHUNK to split large inputs, and FREE to release unused pages. " +
				"Always estimate token usage before loading large data.",
		},
		{
			Title: "Iterative Refinement",
			Content: "Use INFER in loops with accumulating context. Store intermediate results " +
				"in pages, summarize when they grow too large. Branch based on inference " +
				"quality to retry or adjust prompts.",
		},
		{
			Title: "Tool Integration",
			Content: "Use SYSCALL or the tool opcodes for external operations: read_file, write_file, " +
				"grep, exec. Always store results to pages for later use in INFER context.",
		},
		{
			Title: "Error Handling",
			Content: "Use BRANCH to check results and handle errors gracefully. Use CHECKPOINT " +
				"before risky operations. FAIL with clear error messages when recovery is impossible.",
		},
		{
			Title: "Program Structure",
			Content: "Start with LABEL 'entry'. Load required context first. Use meaningful " +
				"page names. End with COMPLETE containing the final result.",
		},
	}
}
