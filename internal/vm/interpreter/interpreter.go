// Package interpreter implements the VM's fetch/decode/execute loop
// (component H): it walks a Program's opcodes against the Stack, Memory,
// Storage and Syscall components, suspending to the caller whenever a
// cognitive opcode needs an LLM response and resuming where it left off
// once one is supplied.
package interpreter

import (
	"context"
	"fmt"

	"github.com/llcraft/llcraft/internal/session"
	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/internal/vm/stack"
	"github.com/llcraft/llcraft/internal/vm/storage"
	"github.com/llcraft/llcraft/internal/vm/syscall"
	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// MaxCallDepth bounds CALL nesting. Not present as a named constant in the
// retrieved original_source (interpreter.rs was filtered from the pack);
// chosen as a conservative default consistent with the stack's own 256-deep
// budget, since every call frame also occupies stack headroom.
const MaxCallDepth = 64

// DefaultStepLimit bounds one Run/Resume call's opcode budget when the
// caller does not override it.
const DefaultStepLimit = 10_000

// frame is one CALL's return address: which program and opcode index to
// resume at once the callee completes.
type frame struct {
	ProgramID string
	ReturnPC  int
}

// LogFunc receives one human-readable interpreter log line, the orchestrator's
// hook for streaming progress (mirrors agent.rs's with_log_callback).
type LogFunc func(line string)

// Interpreter holds one program's live execution state: the value stack,
// working memory, a generic namespaced store, the syscall boundary, the
// program registry for CALL/RETURN, and the session this run persists to.
type Interpreter struct {
	stack     *stack.Stack
	mem       *memory.Memory
	store     storage.Store
	syscalls  syscall.Handler
	logger    *zap.Logger
	logFn     LogFunc
	backend   session.Backend
	sess      *session.Session
	registers map[string]any

	programs  map[string]*opcode.Program
	labels    map[string]opcode.LabelMap
	programID string
	code      []opcode.Opcode
	pc        int
	frames    []frame

	stepCount int
	stepLimit int

	pendingStoreTo      string
	pendingStoreTargets []string
	pendingCombined     string
	trace               []ExecutionStep

	processes map[string]any
	mailboxes map[string][]any
	procSeq   int
}

// ExecutionStep is one in-memory trace record, richer than the session's
// bounded TraceEntry summary (this slice is never persisted wholesale).
type ExecutionStep struct {
	Step   int
	Op     opcode.Op
	Result string
	Err    error
}

// Option configures a new Interpreter.
type Option func(*Interpreter)

// WithStore overrides the default in-memory generic store.
func WithStore(s storage.Store) Option {
	return func(it *Interpreter) { it.store = s }
}

// WithSyscallHandler overrides the default syscall registry.
func WithSyscallHandler(h syscall.Handler) Option {
	return func(it *Interpreter) { it.syscalls = h }
}

// WithSessionBackend attaches the persistence backend pages/sessions flush to.
func WithSessionBackend(b session.Backend) Option {
	return func(it *Interpreter) { it.backend = b }
}

// WithLogCallback registers a sink for human-readable progress lines.
func WithLogCallback(fn LogFunc) Option {
	return func(it *Interpreter) { it.logFn = fn }
}

// WithStepLimit overrides DefaultStepLimit.
func WithStepLimit(limit int) Option {
	return func(it *Interpreter) {
		if limit > 0 {
			it.stepLimit = limit
		}
	}
}

// WithLogger overrides the no-op default logger.
func WithLogger(l *zap.Logger) Option {
	return func(it *Interpreter) { it.logger = l }
}

// New builds an Interpreter bound to sess, ready to run entry.
func New(sess *session.Session, programs map[string]*opcode.Program, entry string, opts ...Option) (*Interpreter, error) {
	p, ok := programs[entry]
	if !ok {
		return nil, vmerr.New(vmerr.KindProgramNotFound, fmt.Sprintf("program %q not found", entry)).WithOperation("interpreter.new")
	}
	labels, err := buildAllLabels(programs)
	if err != nil {
		return nil, err
	}
	it := &Interpreter{
		stack:     stack.New(),
		mem:       sess.ActiveMemory(),
		store:     storage.NewMemoryStore(),
		syscalls:  syscall.NewRegistry(),
		logger:    zap.NewNop(),
		sess:      sess,
		registers: map[string]any{"pc": 0, "goal": "", "focus": "", "thought": "", "flags": map[string]any{}, "sp": 0},
		programs:  programs,
		labels:    labels,
		programID: entry,
		code:      p.Code,
		stepLimit: DefaultStepLimit,
	}
	for _, opt := range opts {
		opt(it)
	}
	return it, nil
}

func buildAllLabels(programs map[string]*opcode.Program) (map[string]opcode.LabelMap, error) {
	out := make(map[string]opcode.LabelMap, len(programs))
	for id, p := range programs {
		lm, err := opcode.BuildLabelMap(p.Code)
		if err != nil {
			return nil, err
		}
		out[id] = lm
	}
	return out, nil
}

// ResumeSession rebuilds an Interpreter from a previously persisted
// session, reloading every page the index marks as loaded.
func ResumeSession(ctx context.Context, backend session.Backend, sessionID string, programs map[string]*opcode.Program, entry string, opts ...Option) (*Interpreter, error) {
	sess, err := backend.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, id := range sess.LoadedPageIDs() {
		page, err := backend.LoadPage(ctx, sessionID, id)
		if err != nil {
			continue
		}
		_ = sess.ActiveMemory().Store(page.ID, page.Content)
	}
	opts = append([]Option{WithSessionBackend(backend)}, opts...)
	return New(sess, programs, entry, opts...)
}

// log emits one line to both the zap logger and any registered LogFunc.
func (it *Interpreter) log(msg string, fields ...zap.Field) {
	it.logger.Info(msg, fields...)
	if it.logFn != nil {
		it.logFn(msg)
	}
}

// Trace returns the in-memory per-step execution trace accumulated so far.
func (it *Interpreter) Trace() []ExecutionStep { return it.trace }

// AllPages returns every page currently resident in active memory.
func (it *Interpreter) AllPages() map[string]*memory.Page { return it.mem.All() }

// GetPage returns one page's full record.
func (it *Interpreter) GetPage(id string) (*memory.Page, error) { return it.mem.GetPage(id) }

// Session returns the session this interpreter is bound to.
func (it *Interpreter) Session() *session.Session { return it.sess }

// Run executes from the current pc until Complete, Failed, NeedsLlm, or
// StepLimitExceeded, per spec.md §4.H's loop: fetch, decode, execute,
// repeat while pc is in range and the step budget remains.
func (it *Interpreter) Run(ctx context.Context) (*ExecutionResult, error) {
	for {
		if it.stepCount >= it.stepLimit {
			return StepLimitExceeded(it.stepCount), nil
		}
		if it.pc < 0 || it.pc >= len(it.code) {
			return Complete(nil, it.stepCount), nil
		}

		op := it.code[it.pc]
		nextPC := it.pc + 1
		result, err := it.dispatch(ctx, op, &nextPC)
		it.stepCount++
		it.sess.IncrementSteps()

		if err != nil {
			it.recordStep(op, "", err)
			return nil, err
		}
		if result != nil {
			result.StepsRun = it.stepCount
			it.recordStep(op, resultSummary(result), nil)
			if result.Status == StatusNeedsLlm {
				it.pc = nextPC
			}
			return result, nil
		}
		it.recordStep(op, "", nil)
		it.pc = nextPC
	}
}

// ProvideLLMResponse resumes after a NeedsLlm suspension, storing the
// orchestrator's answer to the page(s) the suspending opcode requested
// and continuing the Run loop from the next instruction.
func (it *Interpreter) ProvideLLMResponse(ctx context.Context, response any) (*ExecutionResult, error) {
	it.sess.IncrementLLMCalls()
	switch {
	case len(it.pendingStoreTargets) > 0 || it.pendingCombined != "":
		values, ok := response.([]any)
		if !ok {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "infer_batch response must be an array").WithOperation("provide_llm_response")
		}
		for i, target := range it.pendingStoreTargets {
			var v any
			if i < len(values) {
				v = values[i]
			}
			if err := it.mem.Store(target, v); err != nil {
				return nil, err
			}
		}
		if it.pendingCombined != "" {
			combined := map[string]any{"results": values, "count": len(values), "success": true}
			if err := it.mem.Store(it.pendingCombined, combined); err != nil {
				return nil, err
			}
		}
		it.pendingStoreTargets = nil
		it.pendingCombined = ""
	case it.pendingStoreTo != "":
		if err := it.mem.Store(it.pendingStoreTo, response); err != nil {
			return nil, err
		}
		it.pendingStoreTo = ""
	}
	return it.Run(ctx)
}

// InjectOpcodes splices JIT-generated opcodes into the current program
// directly after the opcode that requested them (the INJECT suspension's
// resume path), then continues the Run loop.
func (it *Interpreter) InjectOpcodes(ctx context.Context, ops []opcode.Opcode) (*ExecutionResult, error) {
	it.sess.IncrementLLMCalls()
	insertAt := it.pc
	newCode := make([]opcode.Opcode, 0, len(it.code)+len(ops))
	newCode = append(newCode, it.code[:insertAt]...)
	newCode = append(newCode, ops...)
	newCode = append(newCode, it.code[insertAt:]...)
	it.code = newCode
	return it.Run(ctx)
}

func resultSummary(r *ExecutionResult) string {
	switch r.Status {
	case StatusComplete:
		return fmt.Sprintf("complete: %v", r.Value)
	case StatusFailed:
		return "failed: " + r.Error
	case StatusNeedsLlm:
		return "needs_llm: " + string(r.Request.RequestType)
	default:
		return string(r.Status)
	}
}

func (it *Interpreter) recordStep(op opcode.Opcode, result string, err error) {
	it.trace = append(it.trace, ExecutionStep{Step: it.stepCount, Op: op.Op, Result: result, Err: err})
	hadError := err != nil
	if result == "" && err != nil {
		result = err.Error()
	}
	it.sess.AddTrace(it.stepCount, string(op.Op), result, hadError)
}

// dispatch executes one opcode. A non-nil *ExecutionResult means the Run
// loop must stop and return it; nextPC may be mutated by control-flow ops
// to redirect the following fetch.
func (it *Interpreter) dispatch(ctx context.Context, op opcode.Opcode, nextPC *int) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpLoad, opcode.OpStore, opcode.OpAlloc, opcode.OpFree, opcode.OpCopy, opcode.OpLoadPage:
		return it.execMemoryOp(ctx, op)
	case opcode.OpPush, opcode.OpPushPage, opcode.OpPop, opcode.OpPopTo, opcode.OpPeek, opcode.OpPeekAt,
		opcode.OpDup, opcode.OpDupN, opcode.OpSwap, opcode.OpSwapN, opcode.OpRot, opcode.OpDrop,
		opcode.OpDepth, opcode.OpClear:
		return it.execStackOp(op)
	case opcode.OpLabel, opcode.OpNop, opcode.OpYield:
		return nil, nil
	case opcode.OpJump, opcode.OpBranch, opcode.OpLoop, opcode.OpCall, opcode.OpReturn:
		return it.execControlOp(ctx, op, nextPC)
	case opcode.OpComplete:
		return Complete(op.Result, it.stepCount), nil
	case opcode.OpFail:
		return Failed(op.Error, it.stepCount), nil
	case opcode.OpSyscall, opcode.OpReadFile, opcode.OpWriteFile, opcode.OpListDir, opcode.OpExec, opcode.OpGrep:
		return it.execToolOp(ctx, op)
	case opcode.OpInfer, opcode.OpPlan, opcode.OpReflect, opcode.OpInject, opcode.OpInferBatch:
		return it.execCognitiveOp(op)
	case opcode.OpSummarize, opcode.OpChunk, opcode.OpMerge:
		return it.execTextOp(op)
	case opcode.OpLog, opcode.OpCheckpoint, opcode.OpRollback, opcode.OpAssert, opcode.OpSetReg, opcode.OpGetReg:
		return it.execDebugOp(op)
	case opcode.OpFork, opcode.OpJoin, opcode.OpSend, opcode.OpRecv, opcode.OpWait:
		return it.execProcessOp(ctx, op)
	default:
		return nil, vmerr.New(vmerr.KindInvalidOpcode, fmt.Sprintf("unhandled opcode %q", op.Op)).WithOperation("dispatch")
	}
}
