package interpreter

import (
	"context"
	"fmt"

	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/internal/vm/stack"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execProcessOp handles FORK/JOIN/SEND/RECV/WAIT. spec.md §5 describes a
// single-threaded cooperative scheduler, so these run synchronously: FORK
// executes the named program to completion immediately (sharing active
// memory with the parent, but its own value stack) rather than yielding a
// real concurrent task, and JOIN/WAIT observe an already-finished result.
// Cognitive opcodes are not supported inside a forked program, for the same
// reason LOOP bodies reject them: there is only ever one pending LLM
// suspension in flight, owned by the top-level Run/Resume call.
func (it *Interpreter) execProcessOp(ctx context.Context, op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpFork:
		return nil, it.execFork(ctx, op)
	case opcode.OpJoin:
		return nil, it.execJoin(op)
	case opcode.OpSend:
		return nil, it.execSend(op)
	case opcode.OpRecv:
		return nil, it.execRecv(op)
	case opcode.OpWait:
		return nil, it.execWait(op)
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable process op").WithOperation("exec_process_op")
}

func (it *Interpreter) execFork(ctx context.Context, op opcode.Opcode) error {
	if op.ProgramID == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "program_id is required").WithOperation("op.fork")
	}
	it.procSeq++
	id := op.ProcessID
	if id == "" {
		id = fmt.Sprintf("proc_%d", it.procSeq)
	}
	value, err := it.runChildProgram(ctx, op.ProgramID, op.Args)
	if err != nil {
		return vmerr.Wrap(vmerr.KindForkFailed, err, "forked program failed").WithOperation("op.fork").WithContext("process_id", id)
	}
	if it.processes == nil {
		it.processes = map[string]any{}
	}
	it.processes[id] = value
	if op.StoreTo != "" {
		return it.mem.Store(op.StoreTo, id)
	}
	return it.stack.Push(id)
}

func (it *Interpreter) execJoin(op opcode.Opcode) error {
	if op.ProcessID == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "process_id is required").WithOperation("op.join")
	}
	value, ok := it.processes[op.ProcessID]
	if !ok {
		return vmerr.New(vmerr.KindProcessNotFound, "no such process").WithOperation("op.join").WithContext("process_id", op.ProcessID)
	}
	if op.StoreTo != "" {
		return it.mem.Store(op.StoreTo, value)
	}
	return it.stack.Push(value)
}

func (it *Interpreter) execSend(op opcode.Opcode) error {
	if op.ProcessID == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "process_id is required").WithOperation("op.send")
	}
	if it.mailboxes == nil {
		it.mailboxes = map[string][]any{}
	}
	it.mailboxes[op.ProcessID] = append(it.mailboxes[op.ProcessID], op.Value)
	return nil
}

func (it *Interpreter) execRecv(op opcode.Opcode) error {
	if op.ProcessID == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "process_id is required").WithOperation("op.recv")
	}
	queue := it.mailboxes[op.ProcessID]
	if len(queue) == 0 {
		return vmerr.New(vmerr.KindChannelClosed, "no message available").WithOperation("op.recv").WithContext("process_id", op.ProcessID)
	}
	value := queue[0]
	it.mailboxes[op.ProcessID] = queue[1:]
	if op.StoreTo != "" {
		return it.mem.Store(op.StoreTo, value)
	}
	return it.stack.Push(value)
}

func (it *Interpreter) execWait(op opcode.Opcode) error {
	if op.ProcessID == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "process_id is required").WithOperation("op.wait")
	}
	if _, ok := it.processes[op.ProcessID]; !ok {
		return vmerr.New(vmerr.KindProcessNotFound, "no such process").WithOperation("op.wait").WithContext("process_id", op.ProcessID)
	}
	return nil
}

// runChildProgram drives a fresh fetch/decode/execute loop over programID,
// sharing active memory and the generic store with the parent but starting
// from an empty value stack and call-frame list.
func (it *Interpreter) runChildProgram(ctx context.Context, programID string, args any) (any, error) {
	prog, ok := it.programs[programID]
	if !ok {
		return nil, vmerr.New(vmerr.KindProgramNotFound, fmt.Sprintf("program %q not found", programID)).WithOperation("fork")
	}
	child := &Interpreter{
		stack:     stack.New(),
		mem:       it.mem,
		store:     it.store,
		syscalls:  it.syscalls,
		logger:    it.logger,
		sess:      it.sess,
		backend:   it.backend,
		registers: map[string]any{},
		programs:  it.programs,
		labels:    it.labels,
		programID: programID,
		code:      prog.Code,
		stepLimit: it.stepLimit,
	}
	if args != nil {
		if err := child.stack.Push(args); err != nil {
			return nil, err
		}
	}
	res, err := child.Run(ctx)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case StatusComplete:
		return res.Value, nil
	case StatusFailed:
		return nil, vmerr.New(vmerr.KindUnexpected, res.Error).WithOperation("fork")
	case StatusNeedsLlm:
		return nil, vmerr.New(vmerr.KindNotImplemented, "cognitive opcodes are not supported inside a forked program").WithOperation("fork")
	default:
		return nil, vmerr.New(vmerr.KindUnexpected, "forked program exceeded its step budget").WithOperation("fork")
	}
}
