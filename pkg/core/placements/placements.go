// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package placements defines Placement, the description of how one mesh
// dimension distributes a logical tensor:
//
//   - Replicate: every process along the mesh dimension holds a full copy.
//   - Shard(dim): logical dimension dim is split into contiguous chunks, one
//     per process along the mesh dimension, in coordinate order.
//   - Partial(op): every process holds a same-shaped partial contribution
//     that must be combined with op across the mesh dimension before the data
//     can be read. Partial is transient, write-only state: it is resolved by
//     redistribution to Replicate (all-reduce) or Shard (reduce-scatter).
//
// Placement is a closed variant: the redistribution transition table in
// pkg/core/distributed switches exhaustively over Kind, which is only
// checkable because no other variants can exist. It is deliberately a small
// comparable value type, not an interface.
//
// The package also provides the chunking primitives shared by layout
// computation and redistribution: ChunkSize/ChunkOffset/ChunkSizes and
// SplitForShard/Unpad with the right-padding convention for collectives that
// require uniform chunk sizes.
package placements

import (
	"fmt"

	"github.com/gomlx/dtensor/pkg/core/collectives"
	"github.com/gomlx/exceptions"
)

// Kind is the variant tag of a Placement.
type Kind int

const (
	// KindReplicate marks a fully replicated mesh dimension.
	KindReplicate Kind = iota

	// KindShard marks a mesh dimension that splits one logical dimension.
	KindShard

	// KindPartial marks a mesh dimension holding unreduced partial values.
	KindPartial
)

// Placement describes how one mesh dimension distributes the logical tensor.
// It is an immutable comparable value: use == (or Placement in map keys)
// directly.
type Placement struct {
	kind Kind

	// dim is the logical tensor dimension split by a KindShard placement.
	dim int

	// reduce is the pending reduction of a KindPartial placement.
	reduce collectives.ReduceOp
}

// Replicate returns the placement replicating data along a mesh dimension.
func Replicate() Placement {
	return Placement{kind: KindReplicate}
}

// Shard returns the placement splitting logical dimension dim along a mesh
// dimension. It panics if dim is negative; the upper bound is checked against
// the global shape when a sharding spec is constructed.
func Shard(dim int) Placement {
	if dim < 0 {
		exceptions.Panicf("placements.Shard: negative tensor dimension %d", dim)
	}
	return Placement{kind: KindShard, dim: dim}
}

// Partial returns the placement marking unreduced per-process contributions,
// pending the given reduction.
func Partial(reduce collectives.ReduceOp) Placement {
	if reduce == collectives.ReduceOpUndefined {
		exceptions.Panicf("placements.Partial: reduction cannot be undefined")
	}
	return Placement{kind: KindPartial, reduce: reduce}
}

// PartialSum returns Partial(sum), the conventional partial placement.
func PartialSum() Placement {
	return Partial(collectives.ReduceOpSum)
}

// Kind returns the variant tag.
func (p Placement) Kind() Kind { return p.kind }

// IsReplicate reports whether this is a Replicate placement.
func (p Placement) IsReplicate() bool { return p.kind == KindReplicate }

// IsShard reports whether this is a Shard placement.
func (p Placement) IsShard() bool { return p.kind == KindShard }

// IsShardOf reports whether this is Shard(dim).
func (p Placement) IsShardOf(dim int) bool { return p.kind == KindShard && p.dim == dim }

// IsPartial reports whether this is a Partial placement.
func (p Placement) IsPartial() bool { return p.kind == KindPartial }

// ShardDim returns the logical dimension split by a Shard placement.
// It panics for other kinds.
func (p Placement) ShardDim() int {
	if p.kind != KindShard {
		exceptions.Panicf("ShardDim called on %s placement", p)
	}
	return p.dim
}

// Reduce returns the pending reduction of a Partial placement.
// It panics for other kinds.
func (p Placement) Reduce() collectives.ReduceOp {
	if p.kind != KindPartial {
		exceptions.Panicf("Reduce called on %s placement", p)
	}
	return p.reduce
}

// String implements fmt.Stringer: "R", "S(dim)" or "P(op)".
func (p Placement) String() string {
	switch p.kind {
	case KindReplicate:
		return "R"
	case KindShard:
		return fmt.Sprintf("S(%d)", p.dim)
	case KindPartial:
		return fmt.Sprintf("P(%s)", p.reduce)
	}
	return fmt.Sprintf("Placement(%d)", p.kind)
}
