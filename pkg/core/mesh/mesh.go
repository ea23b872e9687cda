// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh defines Mesh, an immutable N-dimensional grid of process
// identifiers.
//
// A Mesh is the topology every sharding decision is defined relative to: a
// sharding spec (pkg/core/sharding) assigns one placement per mesh dimension,
// and collective operations during redistribution run over the communication
// group of one mesh dimension (see Mesh.DimensionGroup).
//
// A Mesh may be a sub-mesh of a larger process world: its member set is then a
// strict subset of the world's processes. Processes outside the mesh hold no
// data for tensors distributed on it and never participate in its collectives;
// membership queries for them return ErrNotInMesh, which callers are expected
// to check (it is not a failure, see IsNotInMesh).
package mesh

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/dtensor/pkg/support/sets"
	"github.com/gomlx/dtensor/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidMesh is returned when constructing a mesh from malformed
	// arguments: duplicated process identifiers, non-positive dimensions, or a
	// process count that doesn't match the product of the mesh shape.
	ErrInvalidMesh = errors.New("invalid mesh")

	// ErrNotInMesh is returned by membership-dependent queries (CoordinateOf,
	// DimensionGroup) for a process that is not a member of the mesh.
	// It is an expected condition for sub-meshes, not a failure: check with
	// IsNotInMesh before computing layouts for a process.
	ErrNotInMesh = errors.New("process is not a member of the mesh")
)

// IsNotInMesh reports whether err is (or wraps) ErrNotInMesh.
func IsNotInMesh(err error) bool {
	return errors.Is(err, ErrNotInMesh)
}

// DefaultMeshName is the name given to meshes created without an explicit name.
const DefaultMeshName = "mesh"

// Mesh is an immutable N-dimensional grid of process identifiers.
//
// It is constructed once per distinct topology and never mutated; it can be
// shared freely across goroutines. Two meshes with equal shape and equal
// member assignment are interchangeable (see Mesh.Equal).
type Mesh struct {
	name string

	// shape is the extent of each mesh dimension.
	shape []int

	// processes lists the member process identifiers in row-major order over
	// shape: the process at coordinate (c0, c1, ...) is
	// processes[c0*shape[1]*... + c1*... + ...].
	processes []int

	// processToFlat maps a process identifier to its row-major position.
	processToFlat map[int]int
}

// New creates a Mesh from the given process identifiers, reshaped row-major
// into the given mesh shape.
//
// It returns an error wrapping ErrInvalidMesh if the shape is empty or has
// non-positive dimensions, if len(processes) != product(shape), or if any
// process identifier appears more than once.
func New(processes []int, shape ...int) (*Mesh, error) {
	if len(shape) == 0 {
		return nil, errors.Wrap(ErrInvalidMesh, "mesh shape cannot be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return nil, errors.Wrapf(ErrInvalidMesh, "mesh dimension %d has extent %d, it must be positive", i, dim)
		}
	}
	numProcesses := xslices.Product(shape)
	if len(processes) != numProcesses {
		return nil, errors.Wrapf(ErrInvalidMesh, "mesh shape %v requires %d processes, got %d",
			shape, numProcesses, len(processes))
	}
	seen := sets.Make[int](numProcesses)
	processToFlat := make(map[int]int, numProcesses)
	for flat, pid := range processes {
		if seen.Has(pid) {
			return nil, errors.Wrapf(ErrInvalidMesh, "process identifier %d is duplicated", pid)
		}
		seen.Insert(pid)
		processToFlat[pid] = flat
	}
	return &Mesh{
		name:          DefaultMeshName,
		shape:         slices.Clone(shape),
		processes:     slices.Clone(processes),
		processToFlat: processToFlat,
	}, nil
}

// SetName of the mesh. Used only for String/logging.
func (m *Mesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *Mesh) Name() string {
	return m.name
}

// Rank returns the number of mesh dimensions.
func (m *Mesh) Rank() int {
	return len(m.shape)
}

// Shape returns a copy of the mesh's per-dimension extents.
func (m *Mesh) Shape() []int {
	return slices.Clone(m.shape)
}

// DimensionSize returns the extent of the given mesh dimension.
func (m *Mesh) DimensionSize(dim int) int {
	if dim < 0 || dim >= len(m.shape) {
		exceptions.Panicf("mesh %q has rank %d, requested dimension %d", m.name, m.Rank(), dim)
	}
	return m.shape[dim]
}

// NumProcesses returns the total number of member processes.
func (m *Mesh) NumProcesses() int {
	return len(m.processes)
}

// Processes returns a copy of the member process identifiers, in row-major
// order over the mesh shape.
func (m *Mesh) Processes() []int {
	return slices.Clone(m.processes)
}

// Contains reports whether the given process identifier is a member.
func (m *Mesh) Contains(pid int) bool {
	_, found := m.processToFlat[pid]
	return found
}

// CoordinateOf returns the N-dimensional mesh coordinate of the given process.
//
// For a process that is not a member -- expected when m is a sub-mesh of a
// larger world -- it returns an error wrapping ErrNotInMesh.
func (m *Mesh) CoordinateOf(pid int) ([]int, error) {
	flat, found := m.processToFlat[pid]
	if !found {
		return nil, errors.Wrapf(ErrNotInMesh, "process %d not in mesh %q (members %v)", pid, m.name, m.processes)
	}
	coord := make([]int, len(m.shape))
	for dim := len(m.shape) - 1; dim >= 0; dim-- {
		coord[dim] = flat % m.shape[dim]
		flat /= m.shape[dim]
	}
	return coord, nil
}

// ProcessAt returns the process identifier at the given mesh coordinate.
// It panics if coord has the wrong rank or is out of range.
func (m *Mesh) ProcessAt(coord ...int) int {
	return m.processes[m.flatIndex(coord)]
}

func (m *Mesh) flatIndex(coord []int) int {
	if len(coord) != len(m.shape) {
		exceptions.Panicf("mesh %q has rank %d, got coordinate %v", m.name, m.Rank(), coord)
	}
	flat := 0
	for dim, c := range coord {
		if c < 0 || c >= m.shape[dim] {
			exceptions.Panicf("coordinate %v out of range for mesh %q with shape %v", coord, m.name, m.shape)
		}
		flat = flat*m.shape[dim] + c
	}
	return flat
}

// DimensionGroup returns the ordered process identifiers sharing all
// coordinates of coord except dimension dim -- the communication group
// collectives run over for that mesh dimension. The returned processes are
// ordered by their coordinate along dim, so position i in the group is the
// process with coordinate dim == i.
//
// coord must be a valid coordinate of this mesh (typically obtained from
// CoordinateOf).
func (m *Mesh) DimensionGroup(dim int, coord []int) []int {
	if dim < 0 || dim >= len(m.shape) {
		exceptions.Panicf("mesh %q has rank %d, requested dimension %d", m.name, m.Rank(), dim)
	}
	group := make([]int, m.shape[dim])
	c := slices.Clone(coord)
	for i := range group {
		c[dim] = i
		group[i] = m.ProcessAt(c...)
	}
	return group
}

// Equal reports whether the two meshes have the same shape and the same
// member assignment -- in which case they are interchangeable.
func (m *Mesh) Equal(other *Mesh) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	return slices.Equal(m.shape, other.shape) && slices.Equal(m.processes, other.processes)
}

// Key returns a canonical string identifying the mesh topology and membership,
// suitable as a cache key: equal topology and member set yields equal keys.
func (m *Mesh) Key() string {
	var sb strings.Builder
	sb.WriteString("mesh")
	for _, dim := range m.shape {
		_, _ = fmt.Fprintf(&sb, "x%d", dim)
	}
	sb.WriteByte(':')
	for i, pid := range m.processes {
		if i > 0 {
			sb.WriteByte(',')
		}
		_, _ = fmt.Fprintf(&sb, "%d", pid)
	}
	return sb.String()
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	return fmt.Sprintf("Mesh(%q, shape=%v, processes=%v)", m.name, m.shape, m.processes)
}

// Scoped default mesh: ordinary scoped configuration at the API boundary.
// The algorithmic core always takes the mesh explicitly; these helpers only
// save callers from threading it through code that builds many specs on the
// same mesh.
var (
	defaultMu    sync.Mutex
	defaultStack []*Mesh
)

// Default returns the innermost mesh established with WithDefault, or nil if
// none is active.
func Default() *Mesh {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if len(defaultStack) == 0 {
		return nil
	}
	return xslices.Last(defaultStack)
}

// WithDefault runs fn with m as the default mesh (as returned by Default).
// Calls nest: the previous default is restored when fn returns.
func WithDefault(m *Mesh, fn func()) {
	defaultMu.Lock()
	defaultStack = append(defaultStack, m)
	defaultMu.Unlock()
	defer func() {
		defaultMu.Lock()
		defaultStack = defaultStack[:len(defaultStack)-1]
		defaultMu.Unlock()
	}()
	fn()
}
