package agent

import (
	"context"

	"github.com/llcraft/llcraft/internal/vm/interpreter"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// RunProgram drives a caller-supplied Program through the interpreter to
// completion, skipping generateProgram — used by the `program` CLI command
// to execute a hand-written or previously-saved program directly.
func (a *Agent) RunProgram(ctx context.Context, program *opcode.Program) (*Result, error) {
	return a.runProgram(ctx, program)
}

// runProgram drives one Program through the interpreter to completion,
// answering every NeedsLlm suspension along the way. Mirrors agent.rs's
// run_program: Inject and InferBatch get dedicated handlers, every other
// cognitive request goes through handle_llm_request.
func (a *Agent) runProgram(ctx context.Context, program *opcode.Program) (*Result, error) {
	it, err := a.newInterpreter(program)
	if err != nil {
		return nil, err
	}

	res, err := it.Run(ctx)
	if err != nil {
		return nil, err
	}

	for {
		switch res.Status {
		case interpreter.StatusComplete:
			a.fullTrace = append(a.fullTrace, it.Trace()...)
			pages := collectPages(it)
			if err := a.saveToSession(ctx, pages); err != nil {
				return nil, err
			}
			return &Result{Value: res.Value, Pages: pages, SessionID: a.sessionID()}, nil

		case interpreter.StatusFailed:
			a.fullTrace = append(a.fullTrace, it.Trace()...)
			return nil, vmerr.New(vmerr.KindUnexpected, res.Error).WithOperation("run_program")

		case interpreter.StatusStepLimitExceeded:
			a.fullTrace = append(a.fullTrace, it.Trace()...)
			return nil, vmerr.New(vmerr.KindUnexpected, "step limit exceeded").WithOperation("run_program")

		case interpreter.StatusNeedsLlm:
			req := res.Request
			switch req.RequestType {
			case interpreter.ReqInject:
				ops, err := a.handleInjectRequest(ctx, req, it)
				if err != nil {
					return nil, err
				}
				a.logger.Info("injecting opcodes", zap.Int("count", len(ops)))
				res, err = it.InjectOpcodes(ctx, ops)
				if err != nil {
					return nil, err
				}

			case interpreter.ReqInferBatch:
				values, err := a.handleInferBatchRequest(ctx, req, it)
				if err != nil {
					return nil, err
				}
				res, err = it.ProvideLLMResponse(ctx, values)
				if err != nil {
					return nil, err
				}

			default:
				response, err := a.handleLLMRequest(ctx, req, it)
				if err != nil {
					return nil, err
				}
				res, err = it.ProvideLLMResponse(ctx, response)
				if err != nil {
					return nil, err
				}
			}

		default:
			return nil, vmerr.New(vmerr.KindUnexpected, "unknown execution status").WithOperation("run_program")
		}
	}
}
