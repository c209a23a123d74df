package interpreter

import (
	"fmt"

	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// execCognitiveOp builds the LlmRequest for one of the five cognitive
// opcodes and returns NeedsLlm, suspending the Run loop until the
// orchestrator answers via ProvideLLMResponse or InjectOpcodes (spec.md §4.H).
func (it *Interpreter) execCognitiveOp(op opcode.Opcode) (*ExecutionResult, error) {
	switch op.Op {
	case opcode.OpInfer:
		it.pendingStoreTo = op.StoreTo
		return NeedsLlm(&LlmRequest{
			RequestType:  ReqInfer,
			Prompt:       op.Prompt,
			ContextPages: it.resolveContext(op.Context),
			StoreTo:      op.StoreTo,
			Params:       op.Params,
		}, it.stepCount), nil

	case opcode.OpPlan:
		prompt := op.Prompt
		if prompt == "" {
			prompt = op.Goal
		}
		it.pendingStoreTo = op.StoreTo
		return NeedsLlm(&LlmRequest{
			RequestType:  ReqPlan,
			Prompt:       prompt,
			ContextPages: it.resolveContext(op.Context),
			StoreTo:      op.StoreTo,
			Params:       op.Params,
		}, it.stepCount), nil

	case opcode.OpReflect:
		prompt := op.Question
		if prompt == "" {
			prompt = op.Prompt
		}
		it.pendingStoreTo = op.StoreTo
		return NeedsLlm(&LlmRequest{
			RequestType:   ReqReflect,
			Prompt:        prompt,
			ContextPages:  it.resolveContext(op.Context),
			StoreTo:       op.StoreTo,
			Params:        op.Params,
			IncludeTrace:  op.IncludeTrace,
			IncludeMemory: op.IncludeMemory,
		}, it.stepCount), nil

	case opcode.OpInject:
		return NeedsLlm(&LlmRequest{
			RequestType:   ReqInject,
			Prompt:        op.Prompt,
			ContextPages:  it.resolveContext(op.Context),
			Params:        op.Params,
			IncludeTrace:  op.IncludeTrace,
			IncludeMemory: op.IncludeMemory,
		}, it.stepCount), nil

	case opcode.OpInferBatch:
		if err := it.preparePendingBatchTargets(op); err != nil {
			return nil, err
		}
		return NeedsLlm(&LlmRequest{
			RequestType:   ReqInferBatch,
			Prompts:       op.Prompts,
			ContextPages:  it.resolveContext(op.Context),
			StorePrefix:   op.StorePrefix,
			StoreCombined: op.StoreCombined,
			Params:        op.Params,
		}, it.stepCount), nil
	}
	return nil, vmerr.New(vmerr.KindInvalidOpcode, "unreachable cognitive op").WithOperation("exec_cognitive_op")
}

// preparePendingBatchTargets records where InferBatch's eventual array
// response lands. store_prefix and store_combined are independent, not
// exclusive: per-prompt results land at "{prefix}{index}" while an optional
// combined {results, count, success} object also lands at store_combined,
// mirroring agent.rs's handle_infer_batch_request/run_program.
func (it *Interpreter) preparePendingBatchTargets(op opcode.Opcode) error {
	if op.StorePrefix == "" && op.StoreCombined == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "infer_batch requires store_prefix or store_combined").WithOperation("op.infer_batch")
	}
	if op.StorePrefix != "" {
		targets := make([]string, len(op.Prompts))
		for i := range op.Prompts {
			targets[i] = fmt.Sprintf("%s%d", op.StorePrefix, i)
		}
		it.pendingStoreTargets = targets
	}
	it.pendingCombined = op.StoreCombined
	return nil
}

// resolveContext passes the requested context page ids through to the
// orchestrator, which resolves their content via AllPages/GetPage when
// building the actual LLM prompt (spec.md §4.I's collect_pages step).
func (it *Interpreter) resolveContext(pageIDs []string) []string {
	if len(pageIDs) == 0 {
		return nil
	}
	return pageIDs
}
