// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a minimal local (single-process) tensor: a Shape
// plus its flat data, stored row-major as raw bytes.
//
// It is the unit of data the sharding layer moves around: each process owns
// exactly one local tensor per distributed tensor (see pkg/core/distributed),
// and the redistribution collectives operate on whole local tensors.
//
// The package also provides the axis-wise primitives redistribution is built
// from: Slice, Concat, Pad and Unpad along one axis, and elementwise
// accumulation for the reduction collectives. All these return new tensors;
// a Tensor's contents are never mutated after construction except through the
// explicit MutableFlatData accessor.
package tensors

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dtensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Tensor is a local N-dimensional array: a shape and its row-major flat data.
//
// The zero value is invalid; use FromShape, FromFlatData or FromValue to
// create one.
type Tensor struct {
	shape shapes.Shape

	// data holds the flat values, row-major, len == shape.Memory().
	data []byte
}

// FromShape returns a Tensor with the given shape and zero-initialized data.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape")
	}
	return &Tensor{shape: shape, data: make([]byte, shape.Memory())}
}

// FromFlatData creates a Tensor with the given dimensions, copying the
// flattened values from data. The dtype is inferred from T.
// It panics if len(data) doesn't match the product of dimensions.
func FromFlatData[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatData: shape %s has %d elements, got %d values",
			shape, shape.Size(), len(data))
	}
	t := FromShape(shape)
	copy(t.data, flatToBytes(data))
	return t
}

// FromScalar creates a 0-rank Tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatData([]T{value})
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return t.shape.Size()
}

// IsEmpty reports whether the tensor holds no elements (some dimension is 0).
func (t *Tensor) IsEmpty() bool {
	return t.shape.Size() == 0
}

// Bytes returns the tensor's flat data as raw bytes. The returned slice is
// owned by the tensor and must not be modified.
func (t *Tensor) Bytes() []byte {
	return t.data
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{shape: t.shape.Clone(), data: make([]byte, len(t.data))}
	copy(clone.data, t.data)
	return clone
}

// Equal reports whether both tensors have the same shape and bit-identical
// data.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	return t.shape.Equal(other.shape) && bytes.Equal(t.data, other.data)
}

// ConstFlatData returns a read-only view of the flat data as a slice of T.
// T must match the tensor's dtype. The view aliases the tensor's memory; do
// not modify it.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	return flatData[T](t)
}

// MutableFlatData returns a mutable view of the flat data as a slice of T.
// T must match the tensor's dtype. The caller owns the tensor exclusively
// while mutating.
func MutableFlatData[T dtypes.Supported](t *Tensor) []T {
	return flatData[T](t)
}

// CopyFlatData returns a copy of the flat data as a slice of T.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat := flatData[T](t)
	dst := make([]T, len(flat))
	copy(dst, flat)
	return dst
}

func flatData[T dtypes.Supported](t *Tensor) []T {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != t.shape.DType {
		exceptions.Panicf("tensor has dtype %s, accessed as %s", t.shape.DType, dtype)
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), t.shape.Size())
}

func flatToBytes[T dtypes.Supported](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}

// String implements fmt.Stringer: shape and storage size only, not contents.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s (%s)", t.shape, humanize.Bytes(uint64(len(t.data))))
}
