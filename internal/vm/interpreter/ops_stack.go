package interpreter

import (
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execStackOp handles the bounded value stack's manipulation opcodes
// (spec.md §4.A, §4.H).
func (it *Interpreter) execStackOp(op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpPush:
		return nil, it.stack.Push(op.Value)

	case opcode.OpPushPage:
		if op.PageID == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "page_id is required").WithOperation("op.push_page")
		}
		v, err := it.mem.Load(op.PageID)
		if err != nil {
			return nil, err
		}
		return nil, it.stack.Push(v)

	case opcode.OpPop:
		_, err := it.stack.Pop()
		return nil, err

	case opcode.OpPopTo:
		if op.StoreTo == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "store_to is required").WithOperation("op.pop_to")
		}
		v, err := it.stack.Pop()
		if err != nil {
			return nil, err
		}
		if err := it.mem.Store(op.StoreTo, v); err != nil {
			return nil, err
		}
		it.sess.IndexPage(mustGetPage(it.mem, op.StoreTo), "")
		return nil, nil

	case opcode.OpPeek:
		v, err := it.stack.Peek()
		if err != nil {
			return nil, err
		}
		it.registers["peek"] = v
		return nil, nil

	case opcode.OpPeekAt:
		v, err := it.stack.PeekAt(op.N)
		if err != nil {
			return nil, err
		}
		it.registers["peek"] = v
		return nil, nil

	case opcode.OpDup:
		return nil, it.stack.Dup()

	case opcode.OpDupN:
		return nil, it.stack.DupN(op.N)

	case opcode.OpSwap:
		return nil, it.stack.Swap()

	case opcode.OpSwapN:
		return nil, it.stack.SwapN(op.N)

	case opcode.OpRot:
		n := op.N
		if n <= 0 {
			n = 2
		}
		return nil, it.stack.Rot(n)

	case opcode.OpDrop:
		n := op.N
		if n <= 0 {
			n = 1
		}
		return nil, it.stack.DropN(n)

	case opcode.OpDepth:
		it.registers["sp"] = it.stack.Len()
		return nil, it.stack.Push(it.stack.Len())

	case opcode.OpClear:
		it.stack.Clear()
		return nil, nil
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable stack op").WithOperation("exec_stack_op")
}
