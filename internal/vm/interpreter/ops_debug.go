package interpreter

import (
	"encoding/json"

	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/internal/vm/storage"
	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// persistedCheckpoint is the JSON-round-trippable projection of interpreter
// state a CHECKPOINT/ROLLBACK pair saves and restores, written through the
// storage component's reserved checkpoint namespace (storage.CheckpointStore)
// so it survives whichever Store backend the interpreter was configured with.
type persistedCheckpoint struct {
	PC          int                     `json:"pc"`
	ProgramID   string                  `json:"program_id"`
	Frames      []frame                 `json:"frames"`
	Stack       []any                   `json:"stack"`
	Pages       map[string]*memory.Page `json:"pages"`
	TotalTokens int                     `json:"total_tokens"`
	AllocSeq    int                     `json:"alloc_seq"`
}

// execDebugOp handles LOG/CHECKPOINT/ROLLBACK/ASSERT/SET_REG/GET_REG
// (spec.md §4.H's debug/introspection opcodes).
func (it *Interpreter) execDebugOp(op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpLog:
		level := op.Level
		if level == "" {
			level = "info"
		}
		it.log(op.Message, zap.String("level", level))
		return nil, nil

	case opcode.OpCheckpoint:
		return nil, it.checkpoint(op.Name)

	case opcode.OpRollback:
		return nil, it.rollback(op.Name)

	case opcode.OpAssert:
		truthy, err := it.resolveCondition(op.Condition)
		if err != nil {
			return nil, err
		}
		if !truthy {
			msg := op.Message
			if msg == "" {
				msg = "assertion failed: " + op.Condition
			}
			return Failed(msg, it.stepCount), nil
		}
		return nil, nil

	case opcode.OpSetReg:
		if op.Reg == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "reg is required").WithOperation("op.set_reg")
		}
		it.registers[op.Reg] = op.Value
		return nil, nil

	case opcode.OpGetReg:
		if op.Reg == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "reg is required").WithOperation("op.get_reg")
		}
		v := it.registers[op.Reg]
		if op.StoreTo != "" {
			if err := it.mem.Store(op.StoreTo, v); err != nil {
				return nil, err
			}
			it.sess.IndexPage(mustGetPage(it.mem, op.StoreTo), "")
			return nil, nil
		}
		return nil, it.stack.Push(v)
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable debug op").WithOperation("exec_debug_op")
}

func (it *Interpreter) checkpointStore() *storage.Namespaced {
	return storage.CheckpointStore(it.store)
}

func (it *Interpreter) checkpoint(name string) error {
	if name == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "checkpoint name is required").WithOperation("op.checkpoint")
	}
	snap := it.mem.Snapshot()
	data := persistedCheckpoint{
		PC:          it.pc,
		ProgramID:   it.programID,
		Frames:      append([]frame(nil), it.frames...),
		Stack:       it.stack.Snapshot(),
		Pages:       snap.Pages,
		TotalTokens: snap.TotalTokens,
		AllocSeq:    snap.AllocSeq,
	}
	return it.checkpointStore().Set(name, data)
}

func (it *Interpreter) rollback(name string) error {
	if name == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "rollback name is required").WithOperation("op.rollback")
	}
	raw, ok, err := it.checkpointStore().Get(name)
	if err != nil {
		return err
	}
	if !ok {
		return vmerr.New(vmerr.KindStorageNotFound, "no such checkpoint").WithOperation("op.rollback").WithContext("name", name)
	}
	data, err := normalizeCheckpoint(raw)
	if err != nil {
		return err
	}
	it.pc = data.PC
	it.programID = data.ProgramID
	it.frames = data.Frames
	it.stack.Restore(data.Stack)
	it.mem.Restore(memory.Snapshot{Pages: data.Pages, TotalTokens: data.TotalTokens, AllocSeq: data.AllocSeq})
	if prog, ok := it.programs[data.ProgramID]; ok {
		it.code = prog.Code
	}
	return nil
}

// normalizeCheckpoint round-trips raw through JSON so a value retrieved from
// a backend that already serializes (FileStore, generic map) and one that
// returns the struct verbatim (MemoryStore) both resolve the same way.
func normalizeCheckpoint(raw any) (*persistedCheckpoint, error) {
	if data, ok := raw.(persistedCheckpoint); ok {
		return &data, nil
	}
	if data, ok := raw.(*persistedCheckpoint); ok {
		return data, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode checkpoint").WithOperation("op.rollback")
	}
	var data persistedCheckpoint
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode checkpoint").WithOperation("op.rollback")
	}
	return &data, nil
}
