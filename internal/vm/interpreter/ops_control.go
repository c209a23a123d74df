package interpreter

import (
	"context"
	"fmt"
	"strings"

	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execControlOp handles JUMP/BRANCH/CALL/RETURN/LOOP, the non-terminal
// control-flow opcodes (COMPLETE/FAIL are dispatched directly since they
// never touch pc). nextPC is mutated in place to redirect the following fetch.
func (it *Interpreter) execControlOp(ctx context.Context, op opcode.Opcode, nextPC *int) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpJump:
		idx, ok := it.labels[it.programID][op.Target]
		if !ok {
			return nil, vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("jump target %q not found", op.Target)).WithOperation("op.jump")
		}
		*nextPC = idx
		return nil, nil

	case opcode.OpBranch:
		truthy, err := it.resolveCondition(op.Condition)
		if err != nil {
			return nil, err
		}
		label := op.IfFalse
		if truthy {
			label = op.IfTrue
		}
		idx, ok := it.labels[it.programID][label]
		if !ok {
			return nil, vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("branch target %q not found", label)).WithOperation("op.branch")
		}
		*nextPC = idx
		return nil, nil

	case opcode.OpCall:
		return nil, it.execCall(op, nextPC)

	case opcode.OpReturn:
		return it.execReturn(op, nextPC)

	case opcode.OpLoop:
		return it.execLoop(ctx, op)
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable control op").WithOperation("exec_control_op")
}

func (it *Interpreter) execCall(op opcode.Opcode, nextPC *int) error {
	if len(it.frames) >= MaxCallDepth {
		return vmerr.New(vmerr.KindCallDepthExceeded, "max call depth exceeded").WithOperation("op.call").WithContext("depth", len(it.frames))
	}
	callee, ok := it.programs[op.ProgramID]
	if !ok {
		return vmerr.New(vmerr.KindProgramNotFound, fmt.Sprintf("program %q not found", op.ProgramID)).WithOperation("op.call")
	}
	if op.Args != nil {
		if err := it.stack.Push(op.Args); err != nil {
			return err
		}
	}
	it.frames = append(it.frames, frame{ProgramID: it.programID, ReturnPC: *nextPC})
	it.programID = op.ProgramID
	it.code = callee.Code
	entryIdx := 0
	if callee.Entry != "" {
		idx, ok := it.labels[op.ProgramID][callee.Entry]
		if !ok {
			return vmerr.New(vmerr.KindInvalidLabel, fmt.Sprintf("entry label %q not found in %q", callee.Entry, op.ProgramID)).WithOperation("op.call")
		}
		entryIdx = idx
	}
	*nextPC = entryIdx
	return nil
}

func (it *Interpreter) execReturn(op opcode.Opcode, nextPC *int) (*ExecutionResult, error) {
	if len(it.frames) == 0 {
		return Complete(op.Value, it.stepCount), nil
	}
	top := it.frames[len(it.frames)-1]
	it.frames = it.frames[:len(it.frames)-1]
	if op.Value != nil {
		if err := it.stack.Push(op.Value); err != nil {
			return nil, err
		}
	}
	it.programID = top.ProgramID
	it.code = it.programs[top.ProgramID].Code
	*nextPC = top.ReturnPC
	return nil, nil
}

// resolveCondition evaluates a dotted page-path ("pageId.field.subfield")
// against active memory and reports whether the resolved value is truthy.
func (it *Interpreter) resolveCondition(condition string) (bool, error) {
	if condition == "" {
		return false, vmerr.New(vmerr.KindInvalidArgument, "condition is required").WithOperation("resolve_condition")
	}
	parts := strings.Split(condition, ".")
	v, err := it.mem.Load(parts[0])
	if err != nil {
		return false, err
	}
	for _, seg := range parts[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			// A missing intermediate key yields v == nil here, which isn't a
			// map either; per spec.md §4.H, any missing key along the dotted
			// path (not just the leaf) resolves the whole condition to false
			// rather than erroring.
			return false, nil
		}
		v = m[seg]
	}
	return isTruthy(v), nil
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// execLoop runs Body for each element of the array stored at Over, binding
// each element to the Var register. Body opcodes are restricted to
// memory/stack/syscall/text/debug ops: control-flow, cognitive, and process
// opcodes inside a LOOP body would require either pc-addressable targets or
// mid-loop LLM suspension that this synchronous, non-addressable body list
// cannot express, so they are rejected rather than silently misbehaving.
func (it *Interpreter) execLoop(ctx context.Context, op opcode.Opcode) (*ExecutionResult, error) {
	raw, err := it.mem.Load(op.Over)
	if err != nil {
		return nil, err
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, vmerr.New(vmerr.KindInvalidArgument, "loop 'over' page must contain an array").WithOperation("op.loop").WithContext("over", op.Over)
	}
	for i, item := range items {
		if op.Var != "" {
			it.registers[op.Var] = item
		}
		it.registers["loop_index"] = i
		for _, bodyOp := range op.Body {
			res, err := it.dispatchLoopBody(ctx, bodyOp)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
		}
	}
	return nil, nil
}

func (it *Interpreter) dispatchLoopBody(ctx context.Context, op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpLoad, opcode.OpStore, opcode.OpAlloc, opcode.OpFree, opcode.OpCopy, opcode.OpLoadPage:
		return it.execMemoryOp(ctx, op)
	case opcode.OpPush, opcode.OpPushPage, opcode.OpPop, opcode.OpPopTo, opcode.OpPeek, opcode.OpPeekAt,
		opcode.OpDup, opcode.OpDupN, opcode.OpSwap, opcode.OpSwapN, opcode.OpRot, opcode.OpDrop,
		opcode.OpDepth, opcode.OpClear:
		return it.execStackOp(op)
	case opcode.OpSyscall, opcode.OpReadFile, opcode.OpWriteFile, opcode.OpListDir, opcode.OpExec, opcode.OpGrep:
		return it.execToolOp(ctx, op)
	case opcode.OpSummarize, opcode.OpChunk, opcode.OpMerge:
		return it.execTextOp(op)
	case opcode.OpLog, opcode.OpAssert, opcode.OpSetReg, opcode.OpGetReg:
		return it.execDebugOp(op)
	case opcode.OpComplete:
		return Complete(op.Result, it.stepCount), nil
	case opcode.OpFail:
		return Failed(op.Error, it.stepCount), nil
	case opcode.OpNop:
		return nil, nil
	}
	return nil, vmerr.New(vmerr.KindNotImplemented, fmt.Sprintf("opcode %q is not supported inside a LOOP body", op.Op)).WithOperation("op.loop")
}
