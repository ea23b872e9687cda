// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collectives defines the contract with the communication substrate
// used for redistribution: per-group collective operations (all-gather,
// all-reduce, reduce-scatter, broadcast, scatter) over the local tensors the
// member processes contribute.
//
// The substrate is a collaborator, not part of this module's algorithmic
// core: any transport (in-process, NCCL-like, RPC) can implement Comms. The
// sub-package local provides the in-process implementation used by tests and
// examples.
//
// # Ordering
//
// Collectives are matched per group by call order: every member of a group
// must issue the same sequence of collective calls (same operation and
// parameters) on that group. Sequences on different groups are independent.
// A mismatched sequence is a transport error surfaced through Handle.Await;
// this layer never retries.
package collectives

import (
	"context"

	"github.com/gomlx/dtensor/pkg/core/tensors"
)

// ReduceOp selects among the basic types of reduction used by AllReduce and
// ReduceScatter.
type ReduceOp int

const (
	ReduceOpUndefined ReduceOp = iota
	ReduceOpSum
	ReduceOpProduct
	ReduceOpMax
	ReduceOpMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceOpSum:
		return "sum"
	case ReduceOpProduct:
		return "product"
	case ReduceOpMax:
		return "max"
	case ReduceOpMin:
		return "min"
	default:
		return "undefined"
	}
}

// Handle is a collective result pending synchronization.
//
// Issuing a collective returns immediately with a Handle; Await blocks until
// every member of the group has issued the matching collective and the result
// is available. A Handle that is never awaited immediately is still safe to
// await later; awaiting more than once returns the same result.
type Handle interface {
	// Await blocks until the collective completes (or ctx is done) and
	// returns this process's share of the result.
	Await(ctx context.Context) (*tensors.Tensor, error)
}

// Group is one process's binding to an ordered set of processes that
// communicate collectively. Position in the member list defines each
// process's rank; results that depend on order (AllGather concatenation,
// ReduceScatter chunk assignment) follow rank order.
//
// A Group is shared read-only state after construction: member processes may
// issue collectives on their own bindings concurrently.
type Group interface {
	// Rank of this process within the group (its index in Members).
	Rank() int

	// Size returns the number of member processes.
	Size() int

	// Members returns the ordered member process identifiers.
	Members() []int

	// AllGather concatenates every member's operand along the given axis, in
	// rank order, and delivers the result to every member. All operands must
	// have the same shape.
	AllGather(ctx context.Context, operand *tensors.Tensor, axis int) (Handle, error)

	// AllReduce combines every member's operand elementwise with op and
	// delivers the result to every member. All operands must have the same
	// shape.
	AllReduce(ctx context.Context, operand *tensors.Tensor, op ReduceOp) (Handle, error)

	// ReduceScatter combines every member's operand elementwise with op, then
	// splits the result along the given axis into Size() equal chunks and
	// delivers chunk i to the member with rank i. The axis dimension must be
	// divisible by Size(); pad the operand beforehand if it is not.
	ReduceScatter(ctx context.Context, operand *tensors.Tensor, op ReduceOp, axis int) (Handle, error)

	// Broadcast delivers the root member's operand to every member.
	// Non-root members may pass a nil operand.
	Broadcast(ctx context.Context, operand *tensors.Tensor, root int) (Handle, error)

	// Scatter delivers operands[i] (provided by the root member) to the
	// member with rank i. Non-root members pass nil operands.
	Scatter(ctx context.Context, operands []*tensors.Tensor, root int) (Handle, error)
}

// Comms is one process's connection to the communication substrate.
//
// Each participating process holds its own Comms; Group bindings created from
// it are scoped to that process.
type Comms interface {
	// Process returns this process's identifier.
	Process() int

	// Group returns this process's binding to the group of the given ordered
	// members. members must include Process(). The same member list always
	// denotes the same group.
	Group(members []int) (Group, error)
}
