// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding defines Spec, the full description of how a logical tensor
// is laid out across a process mesh, and the pure layout functions computing
// each process's local slice from it.
//
// A Spec is the tuple (global shape, global strides, mesh, one placement per
// mesh dimension). It is immutable: redistribution produces a new Spec, never
// mutates one, so Specs can be shared, compared and used as cache keys (see
// Spec.Key) without synchronization. Equality never looks at data buffers.
package sharding

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/dtensor/pkg/core/mesh"
	"github.com/gomlx/dtensor/pkg/core/placements"
	"github.com/gomlx/dtensor/pkg/core/shapes"
	"github.com/gomlx/dtensor/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ErrRankMismatch is returned when the number of placements does not match
// the mesh rank: a Spec needs exactly one placement per mesh dimension.
var ErrRankMismatch = errors.New("placement count does not match mesh rank")

// Spec describes how a logical tensor of a given global shape is distributed
// across a mesh: one Placement per mesh dimension.
//
// Construct with New; the zero value is invalid.
type Spec struct {
	mesh          *mesh.Mesh
	globalShape   shapes.Shape
	globalStrides []int

	// placements has one entry per mesh dimension, in mesh-dimension order.
	placements []placements.Placement
}

// New creates a Spec for a tensor with the given global shape distributed
// over m according to ps, one placement per mesh dimension.
//
// globalStrides are in elements; pass nil for the default row-major strides
// of globalShape. The placements slice is copied defensively: mutating it
// afterwards does not affect the Spec.
//
// It returns an error wrapping ErrRankMismatch if len(ps) != m.Rank(), and a
// plain error if the shape is invalid, strides have the wrong rank, or a
// Shard placement names a logical dimension outside the global shape.
func New(globalShape shapes.Shape, globalStrides []int, m *mesh.Mesh, ps []placements.Placement) (*Spec, error) {
	if m == nil {
		return nil, errors.New("sharding.New: mesh cannot be nil")
	}
	if !globalShape.Ok() {
		return nil, errors.New("sharding.New: invalid global shape")
	}
	for dim, size := range globalShape.Dimensions {
		if size <= 0 {
			return nil, errors.Errorf("sharding.New: global shape %s has non-positive dimension %d", globalShape, dim)
		}
	}
	if len(ps) != m.Rank() {
		return nil, errors.Wrapf(ErrRankMismatch, "mesh %q has rank %d, got %d placements",
			m.Name(), m.Rank(), len(ps))
	}
	if globalStrides == nil {
		globalStrides = globalShape.Strides()
	} else if len(globalStrides) != globalShape.Rank() {
		return nil, errors.Errorf("sharding.New: global shape %s has rank %d, got %d strides",
			globalShape, globalShape.Rank(), len(globalStrides))
	}
	for meshDim, p := range ps {
		if p.IsShard() && p.ShardDim() >= globalShape.Rank() {
			return nil, errors.Errorf(
				"sharding.New: mesh dimension %d is %s but the global shape %s only has rank %d",
				meshDim, p, globalShape, globalShape.Rank())
		}
	}
	return &Spec{
		mesh:          m,
		globalShape:   globalShape.Clone(),
		globalStrides: slices.Clone(globalStrides),
		placements:    slices.Clone(ps),
	}, nil
}

// Replicated creates the simplest Spec: the tensor fully replicated on every
// process of m.
func Replicated(globalShape shapes.Shape, m *mesh.Mesh) (*Spec, error) {
	if m == nil {
		return nil, errors.New("sharding.Replicated: mesh cannot be nil")
	}
	ps := xslices.SliceWithValue(m.Rank(), placements.Replicate())
	return New(globalShape, nil, m, ps)
}

// Mesh this spec distributes over.
func (s *Spec) Mesh() *mesh.Mesh {
	return s.mesh
}

// GlobalShape of the logical tensor.
func (s *Spec) GlobalShape() shapes.Shape {
	return s.globalShape.Clone()
}

// GlobalStrides of the logical tensor, in elements.
func (s *Spec) GlobalStrides() []int {
	return slices.Clone(s.globalStrides)
}

// Placements returns a copy of the per-mesh-dimension placements.
func (s *Spec) Placements() []placements.Placement {
	return slices.Clone(s.placements)
}

// Placement of the given mesh dimension.
func (s *Spec) Placement(meshDim int) placements.Placement {
	return s.placements[meshDim]
}

// WithPlacements returns a new Spec identical to s except for the placements.
func (s *Spec) WithPlacements(ps []placements.Placement) (*Spec, error) {
	return New(s.globalShape, s.globalStrides, s.mesh, ps)
}

// IsFullyReplicated reports whether every mesh dimension replicates.
func (s *Spec) IsFullyReplicated() bool {
	for _, p := range s.placements {
		if !p.IsReplicate() {
			return false
		}
	}
	return true
}

// HasPartial reports whether any mesh dimension holds unreduced partial
// values. Data under such a spec cannot be read until redistributed.
func (s *Spec) HasPartial() bool {
	for _, p := range s.placements {
		if p.IsPartial() {
			return true
		}
	}
	return false
}

// Equal reports whether the two specs describe the same distribution: equal
// mesh (by topology and membership), global shape, strides and placements.
// Data buffers play no part in spec equality.
func (s *Spec) Equal(other *Spec) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.mesh.Equal(other.mesh) &&
		s.globalShape.Equal(other.globalShape) &&
		slices.Equal(s.globalStrides, other.globalStrides) &&
		slices.Equal(s.placements, other.placements)
}

// Key returns a canonical string for the spec, usable as a map key: two specs
// are Equal iff their keys are equal.
func (s *Spec) Key() string {
	var sb strings.Builder
	sb.WriteString(s.mesh.Key())
	sb.WriteByte('|')
	sb.WriteString(s.globalShape.String())
	_, _ = fmt.Fprintf(&sb, "|%v|", s.globalStrides)
	for d, p := range s.placements {
		if d > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.String())
	}
	return sb.String()
}

// String implements fmt.Stringer, e.g.:
// "Spec{(Float32)[24 3] on mesh, [S(0)]}".
func (s *Spec) String() string {
	placementsStr := strings.Join(
		xslices.Map(s.placements, func(p placements.Placement) string { return p.String() }), ", ")
	return fmt.Sprintf("Spec{%s on %s, [%s]}", s.globalShape, s.mesh.Name(), placementsStr)
}
