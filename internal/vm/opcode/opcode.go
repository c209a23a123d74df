// Package opcode implements the VM's instruction set (component E): the
// discriminated-union Opcode type, Program, LabelMap, and their JSON wire
// encoding.
package opcode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/llcraft/llcraft/pkg/vmerr"
)

// Op is the discriminator carried in the "op" field of the wire format.
type Op string

const (
	OpLoad    Op = "LOAD"
	OpStore   Op = "STORE"
	OpAlloc   Op = "ALLOC"
	OpFree    Op = "FREE"
	OpCopy    Op = "COPY"

	OpCall   Op = "CALL"
	OpReturn Op = "RETURN"
	OpYield  Op = "YIELD"

	OpComplete Op = "COMPLETE"
	OpFail     Op = "FAIL"

	OpBranch Op = "BRANCH"
	OpJump   Op = "JUMP"
	OpLabel  Op = "LABEL"
	OpLoop   Op = "LOOP"

	OpSyscall  Op = "SYSCALL"
	OpReadFile Op = "READ_FILE"
	OpWriteFile Op = "WRITE_FILE"
	OpListDir  Op = "LIST_DIR"
	OpExec     Op = "EXEC"
	OpGrep     Op = "GREP"

	OpInfer      Op = "INFER"
	OpPlan       Op = "PLAN"
	OpReflect    Op = "REFLECT"
	OpInject     Op = "INJECT"
	OpInferBatch Op = "INFER_BATCH"
	OpSummarize  Op = "SUMMARIZE"
	OpChunk      Op = "CHUNK"
	OpMerge      Op = "MERGE"
	OpLoadPage   Op = "LOAD_PAGE"

	OpPush     Op = "PUSH"
	OpPushPage Op = "PUSH_PAGE"
	OpPop      Op = "POP"
	OpPopTo    Op = "POP_TO"
	OpPeek     Op = "PEEK"
	OpPeekAt   Op = "PEEK_AT"
	OpDup      Op = "DUP"
	OpDupN     Op = "DUP_N"
	OpSwap     Op = "SWAP"
	OpSwapN    Op = "SWAP_N"
	OpRot      Op = "ROT"
	OpDrop     Op = "DROP"
	OpDepth    Op = "DEPTH"
	OpClear    Op = "CLEAR"

	OpLog        Op = "LOG"
	OpCheckpoint Op = "CHECKPOINT"
	OpRollback   Op = "ROLLBACK"
	OpAssert     Op = "ASSERT"
	OpSetReg     Op = "SET_REG"
	OpGetReg     Op = "GET_REG"
	OpNop        Op = "NOP"

	OpFork Op = "FORK"
	OpJoin Op = "JOIN"
	OpSend Op = "SEND"
	OpRecv Op = "RECV"
	OpWait Op = "WAIT"
)

// PageRange selects a [Start, End) slice of a page's string/array content.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// InferParams carries optional sampling overrides for a cognitive opcode.
type InferParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Opcode is one instruction. Exactly one operation's fields are populated,
// selected by Op. This mirrors the wire format's flat per-op JSON object
// while giving Go callers typed field access.
type Opcode struct {
	Op Op `json:"op"`

	// Memory ops
	PageID string     `json:"page_id,omitempty"`
	Range  *PageRange `json:"range,omitempty"`
	Data   any        `json:"data,omitempty"`
	SizeHint *int     `json:"size_hint,omitempty"`
	Label  string     `json:"label,omitempty"`
	Src    string     `json:"src,omitempty"`
	Dst    string     `json:"dst,omitempty"`

	// Control flow
	ProgramID string `json:"program_id,omitempty"`
	Args      any    `json:"args,omitempty"`
	Value     any    `json:"value,omitempty"`
	Target    string `json:"target,omitempty"`
	Name      string `json:"name,omitempty"`
	Var       string `json:"var,omitempty"`
	Over      string `json:"over,omitempty"`
	Body      []Opcode `json:"body,omitempty"`

	// Terminal
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Branch
	Condition string `json:"condition,omitempty"`
	IfTrue    string `json:"if_true,omitempty"`
	IfFalse   string `json:"if_false,omitempty"`

	// Syscall / tools
	Call    string `json:"call,omitempty"`
	StoreTo string `json:"store_to,omitempty"`
	Path    string `json:"path,omitempty"`
	Content any    `json:"content,omitempty"`
	Command string `json:"command,omitempty"`
	Pattern string `json:"pattern,omitempty"`

	// Cognitive
	Prompt         string       `json:"prompt,omitempty"`
	Context        []string     `json:"context,omitempty"`
	Params         *InferParams `json:"params,omitempty"`
	Goal           string       `json:"goal,omitempty"`
	Question       string       `json:"question,omitempty"`
	IncludeTrace   bool         `json:"include_trace,omitempty"`
	IncludeMemory  bool         `json:"include_memory,omitempty"`
	Prompts        []string     `json:"prompts,omitempty"`
	StorePrefix    string       `json:"store_prefix,omitempty"`
	StoreCombined  string       `json:"store_combined,omitempty"`
	Pages          []string     `json:"pages,omitempty"`
	TargetTokens   *int         `json:"target_tokens,omitempty"`
	Source         string       `json:"source,omitempty"`
	ChunkSize      int          `json:"chunk_size,omitempty"`
	Prefix         string       `json:"prefix,omitempty"`
	Separator      string       `json:"separator,omitempty"`

	// Stack
	N int `json:"n,omitempty"`

	// Debug / registers
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Reg     string `json:"reg,omitempty"`

	// Process
	ProcessID  string `json:"process_id,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
}

// UnmarshalJSON validates that Op is a recognized instruction before
// delegating to the default struct decode. Unknown "op" strings and
// decode errors both surface as ParseFailed, per spec.md §6.
func (o *Opcode) UnmarshalJSON(b []byte) error {
	type alias Opcode
	var probe struct {
		Op Op `json:"op"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return vmerr.Wrap(vmerr.KindParseFailed, err, "decode opcode").WithOperation("opcode.unmarshal")
	}
	if !knownOps[probe.Op] {
		return vmerr.New(vmerr.KindParseFailed, fmt.Sprintf("unknown op %q", probe.Op)).WithOperation("opcode.unmarshal")
	}
	var a alias
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return vmerr.Wrap(vmerr.KindParseFailed, err, "decode opcode fields").WithOperation("opcode.unmarshal").WithContext("op", string(probe.Op))
	}
	*o = Opcode(a)
	return nil
}

var knownOps = map[Op]bool{
	OpLoad: true, OpStore: true, OpAlloc: true, OpFree: true, OpCopy: true,
	OpCall: true, OpReturn: true, OpYield: true,
	OpComplete: true, OpFail: true,
	OpBranch: true, OpJump: true, OpLabel: true, OpLoop: true,
	OpSyscall: true, OpReadFile: true, OpWriteFile: true, OpListDir: true, OpExec: true, OpGrep: true,
	OpInfer: true, OpPlan: true, OpReflect: true, OpInject: true, OpInferBatch: true,
	OpSummarize: true, OpChunk: true, OpMerge: true, OpLoadPage: true,
	OpPush: true, OpPushPage: true, OpPop: true, OpPopTo: true, OpPeek: true, OpPeekAt: true,
	OpDup: true, OpDupN: true, OpSwap: true, OpSwapN: true, OpRot: true, OpDrop: true,
	OpDepth: true, OpClear: true,
	OpLog: true, OpCheckpoint: true, OpRollback: true, OpAssert: true,
	OpSetReg: true, OpGetReg: true, OpNop: true,
	OpFork: true, OpJoin: true, OpSend: true, OpRecv: true, OpWait: true,
}

// ReadsPages returns the page ids this opcode consults.
func (o *Opcode) ReadsPages() []string {
	switch o.Op {
	case OpLoad, OpLoadPage, OpPushPage, OpFree:
		return nonEmpty(o.PageID)
	case OpCopy:
		return nonEmpty(o.Src)
	case OpChunk:
		return nonEmpty(o.Source)
	case OpInfer, OpPlan, OpReflect, OpInject:
		return o.Context
	case OpSummarize, OpMerge:
		return o.Pages
	case OpBranch, OpAssert:
		return nonEmpty(rootPage(o.Condition))
	}
	return nil
}

// WritesPages returns the page ids this opcode will materialize.
func (o *Opcode) WritesPages() []string {
	switch o.Op {
	case OpStore, OpAlloc:
		return nonEmpty(o.PageID)
	case OpCopy:
		return nonEmpty(o.Dst)
	case OpPopTo, OpSyscall, OpReadFile, OpWriteFile, OpListDir, OpExec, OpGrep,
		OpInfer, OpPlan, OpReflect, OpInject:
		return nonEmpty(o.StoreTo)
	case OpSummarize, OpMerge:
		return nonEmpty(o.StoreTo)
	case OpInferBatch:
		out := nonEmpty(o.StoreCombined)
		return out
	}
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// rootPage extracts the leading page id from a dotted condition path
// ("pageId.field.subfield" -> "pageId").
func rootPage(condition string) string {
	for i, r := range condition {
		if r == '.' {
			return condition[:i]
		}
	}
	return condition
}

// Program is an ordered sequence of opcodes plus metadata and labels.
type Program struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Entry       string   `json:"entry,omitempty"`
	Code        []Opcode `json:"code"`
}

// LabelMap maps label name to index within a Program's Code, built once at load.
type LabelMap map[string]int

// BuildLabelMap scans code for LABEL opcodes, rejecting duplicate names.
func BuildLabelMap(code []Opcode) (LabelMap, error) {
	m := make(LabelMap)
	for i, op := range code {
		if op.Op != OpLabel {
			continue
		}
		if _, exists := m[op.Name]; exists {
			return nil, vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("duplicate label %q", op.Name)).WithOperation("build_label_map")
		}
		m[op.Name] = i
	}
	return m, nil
}

// Validate checks that every Jump/Branch target and Call program id resolves
// (Call targets are validated against the supplied known-program-id set,
// since cross-program dispatch is integration-defined per spec.md §4.H).
func Validate(p *Program, labels LabelMap, knownPrograms map[string]bool) error {
	for _, op := range p.Code {
		switch op.Op {
		case OpJump:
			if _, ok := labels[op.Target]; !ok {
				return vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("jump target %q not found", op.Target)).WithOperation("validate")
			}
		case OpBranch:
			if _, ok := labels[op.IfTrue]; !ok {
				return vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("branch if_true %q not found", op.IfTrue)).WithOperation("validate")
			}
			if _, ok := labels[op.IfFalse]; !ok {
				return vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("branch if_false %q not found", op.IfFalse)).WithOperation("validate")
			}
		case OpCall:
			if knownPrograms != nil && !knownPrograms[op.ProgramID] {
				return vmerr.New(vmerr.KindProgramNotFound, fmt.Sprintf("program %q not found", op.ProgramID)).WithOperation("validate")
			}
		}
	}
	return nil
}

// ParseProgram decodes a Program from raw JSON bytes.
func ParseProgram(b []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "decode program").WithOperation("parse_program")
	}
	return &p, nil
}

// ParseOpcodes decodes a bare opcode array, used by Inject's resume path.
func ParseOpcodes(b []byte) ([]Opcode, error) {
	var ops []Opcode
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, vmerr.Wrap(vmerr.KindParseFailed, err, "decode opcode array").WithOperation("parse_opcodes")
	}
	return ops, nil
}
