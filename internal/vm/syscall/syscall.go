// Package syscall implements the interpreter's side-effect boundary
// (component F): a minimal execute(name, args) → JSON contract, with a
// default implementation recognizing read_file/write_file/list_dir/exec/grep.
package syscall

import (
	"context"
	"encoding/json"

	"github.com/llcraft/llcraft/pkg/vmerr"
)

// Handler is the contract the interpreter needs for world-effects: execute a
// named syscall with JSON-shaped args and get back a JSON-shaped result.
type Handler interface {
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Func adapts a single named syscall implementation for registration.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registry dispatches by syscall name to a registered Func, returning
// SyscallUnknown for anything not registered.
type Registry struct {
	handlers map[string]Func
}

// NewRegistry builds an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, fn Func) {
	r.handlers[name] = fn
}

// Execute implements Handler.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	fn, ok := r.handlers[name]
	if !ok {
		return nil, vmerr.New(vmerr.KindSyscallUnknown, "unknown syscall").WithOperation("syscall.execute").WithContext("name", name)
	}
	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

var _ Handler = (*Registry)(nil)

// stringArg extracts a required string argument, yielding InvalidArgument
// when missing or the wrong type.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", vmerr.New(vmerr.KindInvalidArgument, "missing argument").WithOperation("syscall").WithContext("argument", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", vmerr.New(vmerr.KindInvalidArgument, "argument must be a string").WithOperation("syscall").WithContext("argument", key)
	}
	return s, nil
}

// toJSONResult round-trips v through JSON so the caller always gets a
// map[string]any regardless of the concrete result struct used internally.
func toJSONResult(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode syscall result").WithOperation("syscall")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode syscall result").WithOperation("syscall")
	}
	return m, nil
}
