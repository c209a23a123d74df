package interpreter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llcraft/llcraft/internal/session"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execTextOp handles SUMMARIZE/CHUNK/MERGE. Unlike INFER/PLAN/REFLECT these
// three are mechanical text transforms the interpreter can resolve locally
// without a round trip to the LLM: SUMMARIZE truncates, CHUNK splits, MERGE
// concatenates. Treating them as synchronous keeps programs that only need
// bookkeeping over large pages from spending an LLM call on it.
func (it *Interpreter) execTextOp(op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpSummarize:
		return nil, it.execSummarize(op)
	case opcode.OpChunk:
		return nil, it.execChunk(op)
	case opcode.OpMerge:
		return nil, it.execMerge(op)
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable text op").WithOperation("exec_text_op")
}

func (it *Interpreter) execSummarize(op opcode.Opcode) error {
	if len(op.Pages) == 0 || op.StoreTo == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "summarize requires pages and store_to").WithOperation("op.summarize")
	}
	var parts []string
	for _, id := range op.Pages {
		v, err := it.mem.Load(id)
		if err != nil {
			return err
		}
		parts = append(parts, session.AutoSummarize(v))
	}
	out := strings.Join(parts, "\n")
	if op.TargetTokens != nil {
		limit := *op.TargetTokens * 4
		if r := []rune(out); len(r) > limit {
			out = string(r[:limit]) + "…"
		}
	}
	if err := it.mem.Store(op.StoreTo, out); err != nil {
		return err
	}
	it.sess.IndexPage(mustGetPage(it.mem, op.StoreTo), "")
	return nil
}

func (it *Interpreter) execChunk(op opcode.Opcode) error {
	if op.Source == "" || op.ChunkSize <= 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "chunk requires source and chunk_size").WithOperation("op.chunk")
	}
	raw, err := it.mem.Load(op.Source)
	if err != nil {
		return err
	}
	text, ok := raw.(string)
	if !ok {
		return vmerr.New(vmerr.KindInvalidArgument, "chunk source must be a string page").WithOperation("op.chunk").WithContext("source", op.Source)
	}
	prefix := op.Prefix
	if prefix == "" {
		prefix = op.Source + "_chunk_"
	}
	r := []rune(text)
	var ids []string
	for i, start := 0, 0; start < len(r); i, start = i+1, start+op.ChunkSize {
		end := start + op.ChunkSize
		if end > len(r) {
			end = len(r)
		}
		id := fmt.Sprintf("%s%d", prefix, i)
		if err := it.mem.Store(id, string(r[start:end])); err != nil {
			return err
		}
		it.sess.IndexPage(mustGetPage(it.mem, id), "")
		ids = append(ids, id)
	}
	it.registers["last_chunk_ids"] = ids
	return nil
}

func (it *Interpreter) execMerge(op opcode.Opcode) error {
	if len(op.Pages) == 0 || op.StoreTo == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "merge requires pages and store_to").WithOperation("op.merge")
	}
	sep := op.Separator
	if sep == "" {
		sep = "\n"
	}
	var parts []string
	for _, id := range op.Pages {
		v, err := it.mem.Load(id)
		if err != nil {
			return err
		}
		if s, ok := v.(string); ok {
			parts = append(parts, s)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode page for merge").WithOperation("op.merge").WithContext("page_id", id)
		}
		parts = append(parts, string(b))
	}
	if err := it.mem.Store(op.StoreTo, strings.Join(parts, sep)); err != nil {
		return err
	}
	it.sess.IndexPage(mustGetPage(it.mem, op.StoreTo), "")
	return nil
}
