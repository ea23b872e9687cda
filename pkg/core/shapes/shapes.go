// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the combination of a data type (DType) and the
// dimensions of an N-dimensional array.
//
// It is the local, single-process half of the data model used by the sharding
// layer: a sharding spec (see pkg/core/sharding) describes a logical global
// Shape, and each process holds a (possibly empty) local Shape cut from it.
//
// Unlike most tensor libraries, zero-sized dimensions are valid here: a process
// that is not a member of a sub-mesh, or whose shard of an unevenly split axis
// is empty, holds a Shape with one or more dimensions set to 0.
//
// DType is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
// Go float16 support uses github.com/x448/float16, and bfloat16 uses
// github.com/gomlx/gopjrt/dtypes/bfloat16.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the data type and dimensions of an N-dimensional array.
//
// Use Make to create a new Shape. Shape is a value type: it is copied by value
// and the Dimensions slice is cloned on construction.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
//
// Dimensions must be non-negative: zero-sized dimensions are valid and denote
// an empty array (e.g., the shard of a process that received no data).
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): dimensions cannot be negative, got %v", dtype, dimensions)
		}
	}
	return s
}

// Scalar returns a 0-rank Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid Shape: Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Size returns the total number of elements: the product of all dimensions.
// A scalar has size 1; any zero-sized dimension makes the size 0.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape's data.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// Dim returns the dimension of the given axis. axis can be negative, in which
// case it is taken from the end -- Dim(-1) is the last dimension.
func (s Shape) Dim(axis int) int {
	if axis < 0 {
		axis = len(s.Dimensions) + axis
	}
	return s.Dimensions[axis]
}

// Clone makes a deep copy of the Shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares DType and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Strides returns the strides for each axis of the shape, assuming a
// "row-major" layout in memory, the one used everywhere in this module.
//
// Notice the strides are **not in bytes**, but in elements (indices).
// Zero-sized dimensions yield well-defined (if unusable) strides.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// String implements fmt.Stringer. E.g.: "(Float32)[24 3]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)[", s.DType)
	for i, dim := range s.Dimensions {
		if i > 0 {
			sb.WriteByte(' ')
		}
		_, _ = fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteByte(']')
	return sb.String()
}
