// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package registry implements a small insertion-ordered arena: values are
// assigned a dense integer index the first time they are interned, and the
// same value (compared by content equality) always maps back to the same
// index.
//
// It is used to assign stable indices to entities that are otherwise keyed by
// content -- e.g., the communication groups of a process world, keyed by their
// member list. It is explicitly scoped (create one per owner) and can be Reset
// between test runs; it is intentionally not ambient global state.
//
// Arena is not safe for concurrent use; callers that share one must guard it.
package registry

// Arena interns values of the comparable type T, assigning them indices in
// insertion order.
type Arena[T comparable] struct {
	values []T
	index  map[T]int
}

// New creates an empty Arena.
func New[T comparable]() *Arena[T] {
	return &Arena[T]{index: make(map[T]int)}
}

// Intern returns the index of value, inserting it at the end if it was not
// interned before. Indices are dense, starting at 0, in insertion order.
func (a *Arena[T]) Intern(value T) int {
	if idx, found := a.index[value]; found {
		return idx
	}
	idx := len(a.values)
	a.values = append(a.values, value)
	a.index[value] = idx
	return idx
}

// Lookup returns the index of value and whether it was interned.
func (a *Arena[T]) Lookup(value T) (int, bool) {
	idx, found := a.index[value]
	return idx, found
}

// At returns the value interned at the given index.
// It panics if idx is out of range.
func (a *Arena[T]) At(idx int) T {
	return a.values[idx]
}

// Len returns the number of interned values.
func (a *Arena[T]) Len() int {
	return len(a.values)
}

// Reset discards all interned values. Indices are reassigned from 0 on the
// next Intern.
func (a *Arena[T]) Reset() {
	a.values = a.values[:0]
	clear(a.index)
}
