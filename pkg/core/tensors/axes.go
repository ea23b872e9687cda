// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/dtensor/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// Axis-wise primitives: every redistribution step is some composition of
// slicing, concatenating, padding and unpadding a local tensor along one
// axis. All of them treat the tensor as [outer, dim(axis), inner] blocks of
// the row-major layout and move whole rows with byte copies, so they are
// dtype-agnostic.

// rowGeometry returns the sizes needed to address rows along the given axis:
// the number of outer blocks and the byte width of one "inner row" (all the
// elements with fixed indices up to and including axis).
func (t *Tensor) rowGeometry(axis int) (outer, innerBytes int) {
	dims := t.shape.Dimensions
	if axis < 0 || axis >= len(dims) {
		exceptions.Panicf("axis %d out of range for shape %s", axis, t.shape)
	}
	outer = 1
	for _, dim := range dims[:axis] {
		outer *= dim
	}
	innerBytes = t.shape.DType.Size()
	for _, dim := range dims[axis+1:] {
		innerBytes *= dim
	}
	return
}

// SliceAxis returns a new tensor keeping only [start, start+size) of the
// given axis. size may be 0, yielding an empty tensor.
func (t *Tensor) SliceAxis(axis, start, size int) *Tensor {
	dims := t.shape.Dimensions
	if start < 0 || size < 0 || start+size > dims[axis] {
		exceptions.Panicf("SliceAxis(axis=%d, start=%d, size=%d) out of range for shape %s",
			axis, start, size, t.shape)
	}
	outer, innerBytes := t.rowGeometry(axis)
	newDims := t.shape.Clone().Dimensions
	newDims[axis] = size
	result := FromShape(shapes.Make(t.shape.DType, newDims...))
	srcRow := dims[axis] * innerBytes
	dstRow := size * innerBytes
	for o := 0; o < outer; o++ {
		copy(result.data[o*dstRow:(o+1)*dstRow],
			t.data[o*srcRow+start*innerBytes:o*srcRow+(start+size)*innerBytes])
	}
	return result
}

// ConcatAxis concatenates the given tensors along axis, in order. All parts
// must share dtype and all dimensions except axis. Empty parts are allowed.
func ConcatAxis(axis int, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("ConcatAxis requires at least one tensor")
	}
	first := parts[0]
	totalDim := 0
	for _, part := range parts {
		if part.DType() != first.DType() || part.Shape().Rank() != first.Shape().Rank() {
			exceptions.Panicf("ConcatAxis: incompatible shapes %s and %s", first.shape, part.shape)
		}
		for d, dim := range part.shape.Dimensions {
			if d != axis && dim != first.shape.Dimensions[d] {
				exceptions.Panicf("ConcatAxis: incompatible shapes %s and %s on axis %d", first.shape, part.shape, d)
			}
		}
		totalDim += part.shape.Dimensions[axis]
	}
	newDims := first.shape.Clone().Dimensions
	newDims[axis] = totalDim
	result := FromShape(shapes.Make(first.DType(), newDims...))
	outer, innerBytes := result.rowGeometry(axis)
	dstRow := totalDim * innerBytes
	for o := 0; o < outer; o++ {
		offset := o * dstRow
		for _, part := range parts {
			partRow := part.shape.Dimensions[axis] * innerBytes
			copy(result.data[offset:offset+partRow], part.data[o*partRow:(o+1)*partRow])
			offset += partRow
		}
	}
	return result
}

// PadAxis returns a new tensor with pad zero-filled rows appended at the end
// of the given axis. pad == 0 returns a clone.
//
// Padding is an accounting device for collectives that require uniform chunk
// sizes; it never appears in a logical (global) shape. Strip it with
// UnpadAxis as soon as the collective returns.
func (t *Tensor) PadAxis(axis, pad int) *Tensor {
	if pad < 0 {
		exceptions.Panicf("PadAxis: negative pad %d", pad)
	}
	if pad == 0 {
		return t.Clone()
	}
	dims := t.shape.Dimensions
	outer, innerBytes := t.rowGeometry(axis)
	newDims := t.shape.Clone().Dimensions
	newDims[axis] = dims[axis] + pad
	result := FromShape(shapes.Make(t.shape.DType, newDims...)) // Zero-initialized.
	srcRow := dims[axis] * innerBytes
	dstRow := newDims[axis] * innerBytes
	for o := 0; o < outer; o++ {
		copy(result.data[o*dstRow:o*dstRow+srcRow], t.data[o*srcRow:(o+1)*srcRow])
	}
	return result
}

// UnpadAxis strips pad rows from the end of the given axis, undoing PadAxis.
func (t *Tensor) UnpadAxis(axis, pad int) *Tensor {
	if pad < 0 || pad > t.shape.Dimensions[axis] {
		exceptions.Panicf("UnpadAxis: pad %d out of range for shape %s", pad, t.shape)
	}
	return t.SliceAxis(axis, 0, t.shape.Dimensions[axis]-pad)
}
