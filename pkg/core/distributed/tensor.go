// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the process-local view of a tensor
// distributed across a mesh, and the redistribution that transforms one
// sharding into another through collective communication.
//
// Each participating process holds one Tensor per logical array: its local
// shard (possibly empty, for sub-mesh non-members) plus the sharding.Spec
// describing the whole. Redistribute is SPMD: every member process calls it
// with the same source and target specs, and the per-mesh-dimension
// collectives rendezvous through the collectives substrate.
package distributed

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dtensor/pkg/core/mesh"
	"github.com/gomlx/dtensor/pkg/core/shapes"
	"github.com/gomlx/dtensor/pkg/core/sharding"
	"github.com/gomlx/dtensor/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is one process's share of a logical tensor distributed across a
// mesh: the local shard plus the spec describing the global layout.
//
// The local buffer is owned exclusively by this process and, like the spec,
// is never mutated after construction: redistribution returns a new Tensor.
type Tensor struct {
	local   *tensors.Tensor
	spec    *sharding.Spec
	process int

	// coord is the process's mesh coordinate, nil when the process is not a
	// member of the spec's (sub-)mesh.
	coord []int
}

// FromLocal wraps the local shard already held by the given process as a
// distributed Tensor under spec.
//
// The local shape must match what the spec assigns to this process
// (sharding.Spec.LocalShapeForProcess); for a non-member of a sub-mesh that
// is the empty slice.
func FromLocal(local *tensors.Tensor, spec *sharding.Spec, process int) (*Tensor, error) {
	if local == nil || spec == nil {
		return nil, errors.New("distributed.FromLocal: local tensor and spec cannot be nil")
	}
	expected := spec.LocalShapeForProcess(process)
	if !local.Shape().Equal(expected) {
		return nil, errors.Errorf(
			"distributed.FromLocal: process %d must hold %s under %s, got %s",
			process, expected, spec, local.Shape())
	}
	coord, err := spec.Mesh().CoordinateOf(process)
	if err != nil {
		if !mesh.IsNotInMesh(err) {
			return nil, err
		}
		coord = nil
	}
	return &Tensor{local: local, spec: spec, process: process, coord: coord}, nil
}

// Distribute cuts the full global tensor into the shard the given process
// holds under spec -- pure local slicing, no communication. Every process can
// call it with the same global data to materialize a distributed tensor.
//
// spec must not contain Partial placements: there is no canonical way to cut
// a materialized value into partial contributions.
func Distribute(global *tensors.Tensor, spec *sharding.Spec, process int) (*Tensor, error) {
	if global == nil || spec == nil {
		return nil, errors.New("distributed.Distribute: global tensor and spec cannot be nil")
	}
	if !global.Shape().Equal(spec.GlobalShape()) {
		return nil, errors.Errorf("distributed.Distribute: global tensor has shape %s, spec wants %s",
			global.Shape(), spec.GlobalShape())
	}
	if spec.HasPartial() {
		return nil, errors.Errorf("distributed.Distribute: cannot distribute to %s with Partial placements", spec)
	}
	coord, err := spec.Mesh().CoordinateOf(process)
	if err != nil {
		if !mesh.IsNotInMesh(err) {
			return nil, err
		}
		// Non-member of a sub-mesh: holds the empty slice.
		return &Tensor{
			local:   tensors.FromShape(spec.LocalShapeForProcess(process)),
			spec:    spec,
			process: process,
		}, nil
	}
	localShape, offset := spec.LocalLayout(coord)
	local := global
	for dim := 0; dim < localShape.Rank(); dim++ {
		if localShape.Dim(dim) != local.Shape().Dim(dim) {
			local = local.SliceAxis(dim, offset[dim], localShape.Dim(dim))
		}
	}
	if local == global {
		local = global.Clone() // The shard is exclusively owned, never aliased.
	}
	return &Tensor{local: local, spec: spec, process: process, coord: coord}, nil
}

// ToLocal returns the local shard. It is owned by the Tensor: clone before
// mutating.
func (t *Tensor) ToLocal() *tensors.Tensor {
	return t.local
}

// Spec describing the global layout.
func (t *Tensor) Spec() *sharding.Spec {
	return t.spec
}

// Process returns the identifier of the process holding this shard.
func (t *Tensor) Process() int {
	return t.process
}

// InMesh reports whether this process is a member of the spec's mesh.
func (t *Tensor) InMesh() bool {
	return t.coord != nil
}

// Shape returns the logical (global) shape of the distributed tensor.
func (t *Tensor) Shape() shapes.Shape {
	return t.spec.GlobalShape()
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("distributed.Tensor{process %d holds %s of %s, %s local}",
		t.process, t.local.Shape(), t.spec, humanize.Bytes(uint64(len(t.local.Bytes()))))
}
