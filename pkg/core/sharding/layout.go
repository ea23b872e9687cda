// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"slices"

	"github.com/gomlx/dtensor/pkg/core/mesh"
	"github.com/gomlx/dtensor/pkg/core/placements"
	"github.com/gomlx/dtensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Local layout: pure functions from (spec, mesh coordinate) to the local
// slice a process holds. Deterministic, no side effects; both the
// redistributor and shape introspection build on them.
//
// When several mesh dimensions shard the same logical dimension, chunking
// composes in mesh-dimension order: mesh dimension 0 splits the global
// extent, mesh dimension 1 splits the resulting chunk, and so on. Offsets
// accumulate the same way, each mesh dimension adding its chunk offset within
// the segment selected so far.

// LocalLayout returns the shape and global offset of the local slice held by
// the process at the given mesh coordinate. The offset has one entry per
// logical dimension; Replicate and Partial mesh dimensions contribute zero
// offset and leave the extent whole.
//
// The local slice is contiguous row-major: its strides are
// LocalLayout(coord).Strides().
func (s *Spec) LocalLayout(coord []int) (local shapes.Shape, offset []int) {
	s.checkCoordinate(coord)
	dims := slices.Clone(s.globalShape.Dimensions)
	offset = make([]int, s.globalShape.Rank())
	for meshDim, p := range s.placements {
		if !p.IsShard() {
			continue
		}
		k := p.ShardDim()
		n := s.mesh.DimensionSize(meshDim)
		i := coord[meshDim]
		offset[k] += placements.ChunkOffset(dims[k], n, i)
		dims[k] = placements.ChunkSize(dims[k], n, i)
	}
	local = shapes.Make(s.globalShape.DType, dims...)
	return
}

// LocalShape returns just the shape part of LocalLayout.
func (s *Spec) LocalShape(coord []int) shapes.Shape {
	local, _ := s.LocalLayout(coord)
	return local
}

func (s *Spec) checkCoordinate(coord []int) {
	if len(coord) != s.mesh.Rank() {
		exceptions.Panicf("mesh %q has rank %d, got coordinate %v", s.mesh.Name(), s.mesh.Rank(), coord)
	}
	for d, c := range coord {
		if c < 0 || c >= s.mesh.DimensionSize(d) {
			exceptions.Panicf("coordinate %v out of range for mesh %q with shape %v",
				coord, s.mesh.Name(), s.mesh.Shape())
		}
	}
}

// LocalLayoutForProcess resolves the process's mesh coordinate and returns
// its local layout.
//
// For a process that is not a mesh member it returns an error wrapping
// mesh.ErrNotInMesh: such a process holds an empty slice (see
// LocalShapeForProcess) and has no meaningful offset.
func (s *Spec) LocalLayoutForProcess(pid int) (local shapes.Shape, offset []int, err error) {
	coord, err := s.mesh.CoordinateOf(pid)
	if err != nil {
		return shapes.Invalid(), nil, err
	}
	local, offset = s.LocalLayout(coord)
	return local, offset, nil
}

// LocalShapeForProcess returns the shape of the local slice the process must
// hold. Unlike LocalLayoutForProcess it is defined for non-members too: they
// hold no data, an empty slice with extent 0 along every logical dimension.
// Keeping the non-member shape independent of the placements lets a
// redistribution relabel a non-member's shard without touching it.
func (s *Spec) LocalShapeForProcess(pid int) shapes.Shape {
	coord, err := s.mesh.CoordinateOf(pid)
	if err == nil {
		return s.LocalShape(coord)
	}
	if !mesh.IsNotInMesh(err) {
		panic(errors.WithStack(err)) // CoordinateOf only fails with ErrNotInMesh.
	}
	dims := make([]int, s.globalShape.Rank())
	return shapes.Make(s.globalShape.DType, dims...)
}
