package interpreter

import (
	"context"

	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execToolOp dispatches the syscall-boundary opcodes (spec.md §4.F) to the
// interpreter's syscall.Handler and stores the JSON result into StoreTo.
func (it *Interpreter) execToolOp(ctx context.Context, op opcode.Opcode) (*ExecutionResult, error) {
	name, args, err := toolCall(op)
	if err != nil {
		return nil, err
	}
	result, err := it.syscalls.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if op.StoreTo != "" {
		if err := it.mem.Store(op.StoreTo, result); err != nil {
			return nil, err
		}
		it.sess.IndexPage(mustGetPage(it.mem, op.StoreTo), "")
	}
	return nil, nil
}

func toolCall(op opcode.Opcode) (string, map[string]any, error) {
	switch op.Op {
	case opcode.OpSyscall:
		args, ok := op.Args.(map[string]any)
		if op.Args != nil && !ok {
			return "", nil, vmerr.New(vmerr.KindInvalidArgument, "syscall args must be an object").WithOperation("op.syscall")
		}
		if args == nil {
			args = map[string]any{}
		}
		return op.Call, args, nil
	case opcode.OpReadFile:
		return "read_file", map[string]any{"path": op.Path}, nil
	case opcode.OpWriteFile:
		return "write_file", map[string]any{"path": op.Path, "content": op.Content}, nil
	case opcode.OpListDir:
		return "list_dir", map[string]any{"path": op.Path}, nil
	case opcode.OpExec:
		return "exec", map[string]any{"command": op.Command}, nil
	case opcode.OpGrep:
		return "grep", map[string]any{"pattern": op.Pattern, "path": op.Path}, nil
	}
	return "", nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable tool op").WithOperation("exec_tool_op")
}
