package interpreter

import "github.com/llcraft/llcraft/internal/vm/opcode"

// RequestType discriminates the kind of cognitive suspension.
type RequestType string

const (
	ReqInfer      RequestType = "infer"
	ReqPlan       RequestType = "plan"
	ReqReflect    RequestType = "reflect"
	ReqInject     RequestType = "inject"
	ReqInferBatch RequestType = "infer_batch"
)

// LlmRequest is what the interpreter hands to the orchestrator on Suspend.
type LlmRequest struct {
	RequestType   RequestType
	Prompt        string
	ContextPages  []string
	StoreTo       string
	Params        *opcode.InferParams
	IncludeTrace  bool
	IncludeMemory bool

	// InferBatch-only fields.
	Prompts       []string
	Context       []any
	StorePrefix   string
	StoreCombined string
}
