package interpreter

import (
	"context"

	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execMemoryOp handles LOAD/STORE/ALLOC/FREE/COPY/LOAD_PAGE, the memory
// component's write/read/lifecycle operations (spec.md §4.B, §4.H).
func (it *Interpreter) execMemoryOp(ctx context.Context, op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpLoad:
		if op.PageID == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "page_id is required").WithOperation("op.load")
		}
		_, err := it.mem.Load(op.PageID)
		return nil, err

	case opcode.OpStore:
		if op.PageID == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "page_id is required").WithOperation("op.store")
		}
		if err := it.mem.Store(op.PageID, op.Data); err != nil {
			return nil, err
		}
		it.sess.IndexPage(mustGetPage(it.mem, op.PageID), "")
		return nil, nil

	case opcode.OpAlloc:
		if op.PageID != "" {
			if err := it.mem.Store(op.PageID, nil); err != nil {
				return nil, err
			}
			it.sess.IndexPage(mustGetPage(it.mem, op.PageID), "")
			return nil, nil
		}
		id, err := it.mem.Alloc(op.Label)
		if err != nil {
			return nil, err
		}
		it.registers["last_alloc"] = id
		it.sess.IndexPage(mustGetPage(it.mem, id), "")
		return nil, nil

	case opcode.OpFree:
		if op.PageID == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "page_id is required").WithOperation("op.free")
		}
		if err := it.mem.Free(op.PageID); err != nil {
			return nil, err
		}
		delete(it.sess.PageIndex, op.PageID)
		return nil, nil

	case opcode.OpCopy:
		if op.Src == "" || op.Dst == "" {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "src and dst are required").WithOperation("op.copy")
		}
		if err := it.mem.Copy(op.Src, op.Dst); err != nil {
			return nil, err
		}
		it.sess.IndexPage(mustGetPage(it.mem, op.Dst), "")
		return nil, nil

	case opcode.OpLoadPage:
		return nil, it.loadPage(ctx, op.PageID)
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable memory op").WithOperation("exec_memory_op")
}

// loadPage fetches a page from the session backend into active memory.
// The original design suspends the interpreter while the orchestrator
// services the fetch; here it resolves synchronously against the backend
// already wired into the Interpreter, since Go's direct call model has no
// need for a round-trip suspension when the backend is already in-process.
func (it *Interpreter) loadPage(ctx context.Context, pageID string) error {
	if pageID == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "page_id is required").WithOperation("op.load_page")
	}
	if it.mem.HasPage(pageID) {
		it.sess.SetPageLoaded(pageID, true)
		return nil
	}
	if it.backend == nil {
		return vmerr.New(vmerr.KindPageNotFound, "page not resident and no backend configured").WithOperation("op.load_page").WithContext("page_id", pageID)
	}
	page, err := it.backend.LoadPage(ctx, it.sess.Metadata.ID, pageID)
	if err != nil {
		return err
	}
	if err := it.mem.Store(page.ID, page.Content); err != nil {
		return err
	}
	it.sess.SetPageLoaded(pageID, true)
	return nil
}

// mustGetPage fetches a page just written by this interpreter; the error
// return is ignored since Store/Alloc above guarantee the id now exists.
func mustGetPage(mem interface {
	GetPage(id string) (*memory.Page, error)
}, id string) *memory.Page {
	p, _ := mem.GetPage(id)
	return p
}
