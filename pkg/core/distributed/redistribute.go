// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"

	"github.com/gomlx/dtensor/pkg/core/collectives"
	"github.com/gomlx/dtensor/pkg/core/placements"
	"github.com/gomlx/dtensor/pkg/core/sharding"
	"github.com/gomlx/dtensor/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMeshMismatch is returned when redistributing between specs whose meshes
// have different topology or membership.
var ErrMeshMismatch = errors.New("source and target specs are on different meshes")

// Redistribute transforms t's physically held data from its current spec to
// target, which must describe the same global array on the same mesh.
//
// It is SPMD: every member process of the mesh must call Redistribute with
// the same source and target specs, in the same relative order with respect
// to other redistributions, since the per-mesh-dimension collectives
// rendezvous by call order. A process outside a sub-mesh performs no
// communication and gets its empty shard back under the target spec.
//
// Mesh dimensions transition one at a time, outermost first, each completing
// (collective plus local slicing) before the next starts. Transitions that
// only narrow data (Replicate to Shard, or re-chunking an already local
// segment) never communicate; only resolving Partial or recovering data held
// elsewhere (Shard to Replicate) issues a collective. comms may be nil when
// no transition needs communication.
//
// On failure the input Tensor is unchanged and still labeled with its source
// spec; no partially transitioned state escapes.
func Redistribute(ctx context.Context, comms collectives.Comms, t *Tensor, target *sharding.Spec) (*Tensor, error) {
	if t == nil || target == nil {
		return nil, errors.New("distributed.Redistribute: tensor and target spec cannot be nil")
	}
	source := t.spec
	if !source.Mesh().Equal(target.Mesh()) {
		return nil, errors.Wrapf(ErrMeshMismatch, "source %s, target %s", source, target)
	}
	if !source.GlobalShape().Equal(target.GlobalShape()) ||
		!slices.Equal(source.GlobalStrides(), target.GlobalStrides()) {
		return nil, errors.Errorf(
			"distributed.Redistribute: source %s and target %s describe different global arrays", source, target)
	}
	if comms != nil && comms.Process() != t.process {
		return nil, errors.Errorf(
			"distributed.Redistribute: tensor belongs to process %d but the substrate is bound to process %d",
			t.process, comms.Process())
	}
	if source.Equal(target) {
		return &Tensor{local: t.local, spec: target, process: t.process, coord: t.coord}, nil
	}
	if !t.InMesh() {
		// Non-members hold no data and never join the mesh's collectives.
		return &Tensor{local: t.local, spec: target, process: t.process}, nil
	}

	exec := &executor{
		ctx:     ctx,
		comms:   comms,
		base:    source,
		coord:   t.coord,
		process: t.process,
		cur:     source.Placements(),
		data:    t.local,
	}
	for d := range exec.cur {
		if err := exec.transition(d, target.Placement(d)); err != nil {
			return nil, errors.Wrapf(err, "redistributing %s to %s at mesh dimension %d", source, target, d)
		}
	}
	return &Tensor{local: exec.data, spec: target, process: t.process, coord: t.coord}, nil
}

// FullTensor redistributes to fully replicated and returns the logical
// tensor, resolving any pending Partial reduction. Every mesh member must
// call it collectively.
func (t *Tensor) FullTensor(ctx context.Context, comms collectives.Comms) (*tensors.Tensor, error) {
	replicated, err := sharding.Replicated(t.spec.GlobalShape(), t.spec.Mesh())
	if err != nil {
		return nil, err
	}
	full, err := Redistribute(ctx, comms, t, replicated)
	if err != nil {
		return nil, err
	}
	return full.ToLocal(), nil
}

// executor carries the in-flight state of one redistribution on one process.
type executor struct {
	ctx     context.Context
	comms   collectives.Comms
	base    *sharding.Spec
	coord   []int
	process int

	// cur is the placement each mesh dimension currently satisfies; it tracks
	// the data through intermediate states.
	cur []placements.Placement

	data *tensors.Tensor
}

// transition brings mesh dimension d from cur[d] to dst, updating cur and
// data. Later mesh dimensions still hold their cur placements.
func (e *executor) transition(d int, dst placements.Placement) error {
	src := e.cur[d]
	if src == dst {
		return nil
	}
	if klog.V(1).Enabled() {
		klog.Infof("redistribute process %d: mesh dimension %d: %s -> %s (local %s)",
			e.process, d, src, dst, e.data.Shape())
	}
	switch {
	case src.IsPartial() && dst.IsPartial():
		// Same kind but different reduction: no collective can convert one
		// pending reduction into another.
		return errors.Errorf("cannot transition %s to %s", src, dst)
	case dst.IsPartial():
		// The table defines no transition into Partial: it is a transient
		// state produced by operator rules, not by redistribution.
		return errors.Errorf("cannot redistribute %s into transient placement %s", src, dst)

	case src.IsReplicate() && dst.IsShard():
		return e.withInnerUnsharded(d, dst.ShardDim(), func() error {
			return e.shardLocal(d, dst)
		})

	case src.IsShard() && dst.IsReplicate():
		return e.withInnerUnsharded(d, src.ShardDim(), func() error {
			return e.unshard(d)
		})

	case src.IsShard() && dst.IsShard():
		// Different logical dimensions (same-dim is a no-op caught above):
		// all-gather back to Replicate, then slice. A direct all-to-all would
		// halve the traffic; this is the correctness baseline.
		err := e.withInnerUnsharded(d, src.ShardDim(), func() error {
			return e.unshard(d)
		})
		if err != nil {
			return err
		}
		return e.withInnerUnsharded(d, dst.ShardDim(), func() error {
			return e.shardLocal(d, dst)
		})

	case src.IsPartial() && dst.IsReplicate():
		return e.allReduce(d, src.Reduce())

	case src.IsPartial() && dst.IsShard():
		return e.withInnerUnsharded(d, dst.ShardDim(), func() error {
			return e.reduceScatter(d, src.Reduce(), dst)
		})
	}
	return errors.Errorf("cannot transition %s to %s", src, dst)
}

// withInnerUnsharded runs fn with every inner mesh dimension (index > d) that
// currently shards logical dimension k temporarily un-sharded, restoring them
// afterwards.
//
// Chunking composes outermost-first (see sharding.Spec.LocalLayout), so a
// transition at d touching logical dimension k is local-per-group only while
// no inner mesh dimension subdivides k: an inner chunk of d's segment is not
// a contiguous range of the segment d's group reassembles. Un-sharding the
// interacting inner dimensions first (innermost first) makes each remaining
// step exact; re-sharding them afterwards is pure local slicing.
func (e *executor) withInnerUnsharded(d, k int, fn func() error) error {
	var inner []int // mesh dimensions > d currently sharding k, outermost first.
	for dim := d + 1; dim < len(e.cur); dim++ {
		if e.cur[dim].IsShardOf(k) {
			inner = append(inner, dim)
		}
	}
	for i := len(inner) - 1; i >= 0; i-- { // Innermost first.
		if err := e.unshard(inner[i]); err != nil {
			return err
		}
	}
	if err := fn(); err != nil {
		return err
	}
	for _, dim := range inner { // Outermost first.
		if err := e.shardLocal(dim, placements.Shard(k)); err != nil {
			return err
		}
	}
	return nil
}

// parentExtent returns the local extent along logical dimension k implied by
// the current placements with mesh dimension skip treated as Replicate: the
// extent of the segment that skip's group jointly covers.
func (e *executor) parentExtent(k, skip int) int {
	msh := e.base.Mesh()
	extent := e.base.GlobalShape().Dim(k)
	for d, cur := range e.cur {
		if d != skip && cur.IsShardOf(k) {
			extent = placements.ChunkSize(extent, msh.DimensionSize(d), e.coord[d])
		}
	}
	return extent
}

// shardLocal implements Replicate -> Shard(k) at mesh dimension d: keep only
// this process's chunk. No communication.
func (e *executor) shardLocal(d int, dst placements.Placement) error {
	k := dst.ShardDim()
	msh := e.base.Mesh()
	n := msh.DimensionSize(d)
	i := e.coord[d]
	extent := e.data.Shape().Dim(k)
	e.data = e.data.SliceAxis(k, placements.ChunkOffset(extent, n, i), placements.ChunkSize(extent, n, i))
	e.cur[d] = dst
	return nil
}

// unshard implements Shard(k) -> Replicate at mesh dimension d: all-gather
// the chunks of d's group, in coordinate order, and strip padding.
func (e *executor) unshard(d int) error {
	k := e.cur[d].ShardDim()
	msh := e.base.Mesh()
	n := msh.DimensionSize(d)
	group, err := e.group(d)
	if err != nil {
		return err
	}

	// Every member pads to the uniform chunk size before gathering; the pads
	// are stripped from each gathered chunk before reassembly.
	parent := e.parentExtent(k, d)
	maxChunk := placements.ChunkSize(parent, n, 0)
	padded := e.data.PadAxis(k, maxChunk-e.data.Shape().Dim(k))
	handle, err := group.AllGather(e.ctx, padded, k)
	if err != nil {
		return err
	}
	gathered, err := handle.Await(e.ctx)
	if err != nil {
		return err
	}
	parts := make([]*tensors.Tensor, n)
	for j := range parts {
		chunk := gathered.SliceAxis(k, j*maxChunk, maxChunk)
		parts[j] = chunk.UnpadAxis(k, maxChunk-placements.ChunkSize(parent, n, j))
	}
	e.data = tensors.ConcatAxis(k, parts...)
	e.cur[d] = placements.Replicate()
	return nil
}

// allReduce implements Partial -> Replicate at mesh dimension d.
func (e *executor) allReduce(d int, op collectives.ReduceOp) error {
	group, err := e.group(d)
	if err != nil {
		return err
	}
	handle, err := group.AllReduce(e.ctx, e.data, op)
	if err != nil {
		return err
	}
	reduced, err := handle.Await(e.ctx)
	if err != nil {
		return err
	}
	e.data = reduced
	e.cur[d] = placements.Replicate()
	return nil
}

// reduceScatter implements Partial -> Shard(k) at mesh dimension d: combine
// the partial contributions and keep only this process's chunk, in one
// collective.
func (e *executor) reduceScatter(d int, op collectives.ReduceOp, dst placements.Placement) error {
	k := dst.ShardDim()
	msh := e.base.Mesh()
	n := msh.DimensionSize(d)
	i := e.coord[d]
	group, err := e.group(d)
	if err != nil {
		return err
	}

	// The collective assigns uniform chunk i to rank i, so each *logical*
	// chunk is padded to the uniform size individually; a single pad at the
	// end of the axis would shift every chunk past the remainder. Each
	// process then strips its own chunk's padding from the scattered result.
	parent := e.data.Shape().Dim(k)
	maxChunk := placements.ChunkSize(parent, n, 0)
	padded := e.data
	if parent > 0 {
		chunks, _, err := placements.SplitForShard(e.data, k, n, true)
		if err != nil {
			return err
		}
		padded = tensors.ConcatAxis(k, chunks...)
	}
	handle, err := group.ReduceScatter(e.ctx, padded, op, k)
	if err != nil {
		return err
	}
	scattered, err := handle.Await(e.ctx)
	if err != nil {
		return err
	}
	e.data = scattered.UnpadAxis(k, maxChunk-placements.ChunkSize(parent, n, i))
	e.cur[d] = dst
	return nil
}

// group returns this process's binding to mesh dimension d's communication
// group.
func (e *executor) group(d int) (collectives.Group, error) {
	if e.comms == nil {
		return nil, errors.Errorf(
			"transition at mesh dimension %d needs collective communication but no substrate was provided", d)
	}
	return e.comms.Group(e.base.Mesh().DimensionGroup(d, e.coord))
}
