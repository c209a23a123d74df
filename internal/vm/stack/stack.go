// Package stack implements the VM's bounded LIFO value stack (component A).
package stack

import (
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// MaxDepth is the stack's hard capacity. Exceeding it on push yields StackOverflow.
const MaxDepth = 256

// Stack is a bounded LIFO of arbitrary JSON-shaped values.
type Stack struct {
	values []any
}

// New returns an empty Stack.
func New() *Stack {
	return &Stack{values: make([]any, 0, 16)}
}

// Len returns the current depth.
func (s *Stack) Len() int {
	return len(s.values)
}

// Push appends v to the top of the stack.
func (s *Stack) Push(v any) error {
	if len(s.values) >= MaxDepth {
		return vmerr.New(vmerr.KindStackOverflow, "stack at max depth").WithOperation("push")
	}
	s.values = append(s.values, v)
	return nil
}

// Pop removes and returns the top value.
func (s *Stack) Pop() (any, error) {
	if len(s.values) == 0 {
		return nil, vmerr.New(vmerr.KindStackUnderflow, "pop on empty stack").WithOperation("pop")
	}
	n := len(s.values) - 1
	v := s.values[n]
	s.values = s.values[:n]
	return v, nil
}

// Peek returns the top value without removing it.
func (s *Stack) Peek() (any, error) {
	return s.PeekAt(0)
}

// PeekAt returns the value at depth d from the top (d=0 is top).
func (s *Stack) PeekAt(d int) (any, error) {
	idx := len(s.values) - 1 - d
	if idx < 0 || idx >= len(s.values) {
		return nil, vmerr.New(vmerr.KindStackUnderflow, "peek_at out of range").WithOperation("peek_at").WithContext("depth", d)
	}
	return s.values[idx], nil
}

// Dup duplicates the top value.
func (s *Stack) Dup() error {
	v, err := s.Peek()
	if err != nil {
		return err
	}
	return s.Push(v)
}

// DupN duplicates the value at depth n.
func (s *Stack) DupN(n int) error {
	v, err := s.PeekAt(n)
	if err != nil {
		return err
	}
	return s.Push(v)
}

// Swap exchanges the top two values.
func (s *Stack) Swap() error {
	return s.SwapN(1)
}

// SwapN swaps the top value with the value at 1-indexed distance n from the top
// (n=1 is the second-from-top element; equivalent to swapping positions
// len-1 and len-1-n).
func (s *Stack) SwapN(n int) error {
	if n <= 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "swap_n requires n >= 1").WithOperation("swap_n")
	}
	top := len(s.values) - 1
	other := top - n
	if top < 0 || other < 0 {
		return vmerr.New(vmerr.KindStackUnderflow, "swap_n out of range").WithOperation("swap_n").WithContext("n", n)
	}
	s.values[top], s.values[other] = s.values[other], s.values[top]
	return nil
}

// Rot rotates the top n elements right by one: the top element moves to
// position n-1 from the top, and every other element among the top n shifts
// up by one. E.g. for stack [..., a, b, c] (c on top), Rot(3) yields
// [..., c, a, b] (b on top): popping after Rot(3) yields b, a, c in that order.
func (s *Stack) Rot(n int) error {
	if n <= 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "rot requires n >= 1").WithOperation("rot")
	}
	if len(s.values) < n {
		return vmerr.New(vmerr.KindStackUnderflow, "rot: not enough elements").WithOperation("rot").WithContext("n", n)
	}
	start := len(s.values) - n
	segment := s.values[start:]
	last := segment[len(segment)-1]
	copy(segment[1:], segment[:len(segment)-1])
	segment[0] = last
	return nil
}

// DropN removes the top n elements.
func (s *Stack) DropN(n int) error {
	if n < 0 || n > len(s.values) {
		return vmerr.New(vmerr.KindStackUnderflow, "drop_n out of range").WithOperation("drop_n").WithContext("n", n)
	}
	s.values = s.values[:len(s.values)-n]
	return nil
}

// Clear empties the stack.
func (s *Stack) Clear() {
	s.values = s.values[:0]
}

// BottomUp returns a copy of the stack contents, bottom first.
func (s *Stack) BottomUp() []any {
	out := make([]any, len(s.values))
	copy(out, s.values)
	return out
}

// TopDown returns a copy of the stack contents, top first.
func (s *Stack) TopDown() []any {
	out := make([]any, len(s.values))
	for i, v := range s.values {
		out[len(s.values)-1-i] = v
	}
	return out
}

// Snapshot returns a deep-enough copy suitable for Checkpoint/Rollback.
// Values themselves are not deep-copied (they are JSON-shaped and treated
// as immutable once pushed by convention).
func (s *Stack) Snapshot() []any {
	return s.BottomUp()
}

// Restore replaces the stack contents from a snapshot produced by Snapshot.
func (s *Stack) Restore(values []any) {
	s.values = append([]any(nil), values...)
}
