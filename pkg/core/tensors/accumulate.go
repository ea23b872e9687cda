// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"cmp"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Elementwise accumulation: dst[i] = combine(dst[i], src[i]).
//
// These are the kernels behind the reduction collectives (all-reduce,
// reduce-scatter): a reduction across a process group is a fold of
// AccumulateSum (or product/max/min) over the group members' tensors.
//
// Float16 and BFloat16 accumulate through float32, the same convention the
// rest of the GoMLX ecosystem uses for these storage-only types.

// AccumulateSum adds src elementwise into dst. Both must have the same shape.
func AccumulateSum(dst, src *Tensor) {
	checkAccumulateShapes("AccumulateSum", dst, src)
	switch dst.DType() {
	case dtypes.Int8:
		accumulate(dst, src, func(a, b int8) int8 { return a + b })
	case dtypes.Int16:
		accumulate(dst, src, func(a, b int16) int16 { return a + b })
	case dtypes.Int32:
		accumulate(dst, src, func(a, b int32) int32 { return a + b })
	case dtypes.Int64:
		accumulate(dst, src, func(a, b int64) int64 { return a + b })
	case dtypes.Uint8:
		accumulate(dst, src, func(a, b uint8) uint8 { return a + b })
	case dtypes.Uint16:
		accumulate(dst, src, func(a, b uint16) uint16 { return a + b })
	case dtypes.Uint32:
		accumulate(dst, src, func(a, b uint32) uint32 { return a + b })
	case dtypes.Uint64:
		accumulate(dst, src, func(a, b uint64) uint64 { return a + b })
	case dtypes.Float32:
		accumulate(dst, src, func(a, b float32) float32 { return a + b })
	case dtypes.Float64:
		accumulate(dst, src, func(a, b float64) float64 { return a + b })
	case dtypes.Float16:
		accumulateFloat16(dst, src, func(a, b float32) float32 { return a + b })
	case dtypes.BFloat16:
		accumulateBFloat16(dst, src, func(a, b float32) float32 { return a + b })
	case dtypes.Complex64:
		accumulate(dst, src, func(a, b complex64) complex64 { return a + b })
	case dtypes.Complex128:
		accumulate(dst, src, func(a, b complex128) complex128 { return a + b })
	default:
		exceptions.Panicf("AccumulateSum: dtype %s not supported", dst.DType())
	}
}

// AccumulateProduct multiplies src elementwise into dst.
func AccumulateProduct(dst, src *Tensor) {
	checkAccumulateShapes("AccumulateProduct", dst, src)
	switch dst.DType() {
	case dtypes.Int8:
		accumulate(dst, src, func(a, b int8) int8 { return a * b })
	case dtypes.Int16:
		accumulate(dst, src, func(a, b int16) int16 { return a * b })
	case dtypes.Int32:
		accumulate(dst, src, func(a, b int32) int32 { return a * b })
	case dtypes.Int64:
		accumulate(dst, src, func(a, b int64) int64 { return a * b })
	case dtypes.Uint8:
		accumulate(dst, src, func(a, b uint8) uint8 { return a * b })
	case dtypes.Uint16:
		accumulate(dst, src, func(a, b uint16) uint16 { return a * b })
	case dtypes.Uint32:
		accumulate(dst, src, func(a, b uint32) uint32 { return a * b })
	case dtypes.Uint64:
		accumulate(dst, src, func(a, b uint64) uint64 { return a * b })
	case dtypes.Float32:
		accumulate(dst, src, func(a, b float32) float32 { return a * b })
	case dtypes.Float64:
		accumulate(dst, src, func(a, b float64) float64 { return a * b })
	case dtypes.Float16:
		accumulateFloat16(dst, src, func(a, b float32) float32 { return a * b })
	case dtypes.BFloat16:
		accumulateBFloat16(dst, src, func(a, b float32) float32 { return a * b })
	case dtypes.Complex64:
		accumulate(dst, src, func(a, b complex64) complex64 { return a * b })
	case dtypes.Complex128:
		accumulate(dst, src, func(a, b complex128) complex128 { return a * b })
	default:
		exceptions.Panicf("AccumulateProduct: dtype %s not supported", dst.DType())
	}
}

// AccumulateMax keeps the elementwise maximum of dst and src in dst.
func AccumulateMax(dst, src *Tensor) {
	checkAccumulateShapes("AccumulateMax", dst, src)
	switch dst.DType() {
	case dtypes.Int8:
		accumulate(dst, src, maxOf[int8])
	case dtypes.Int16:
		accumulate(dst, src, maxOf[int16])
	case dtypes.Int32:
		accumulate(dst, src, maxOf[int32])
	case dtypes.Int64:
		accumulate(dst, src, maxOf[int64])
	case dtypes.Uint8:
		accumulate(dst, src, maxOf[uint8])
	case dtypes.Uint16:
		accumulate(dst, src, maxOf[uint16])
	case dtypes.Uint32:
		accumulate(dst, src, maxOf[uint32])
	case dtypes.Uint64:
		accumulate(dst, src, maxOf[uint64])
	case dtypes.Float32:
		accumulate(dst, src, maxOf[float32])
	case dtypes.Float64:
		accumulate(dst, src, maxOf[float64])
	case dtypes.Float16:
		accumulateFloat16(dst, src, maxOf[float32])
	case dtypes.BFloat16:
		accumulateBFloat16(dst, src, maxOf[float32])
	default:
		exceptions.Panicf("AccumulateMax: dtype %s not supported", dst.DType())
	}
}

// AccumulateMin keeps the elementwise minimum of dst and src in dst.
func AccumulateMin(dst, src *Tensor) {
	checkAccumulateShapes("AccumulateMin", dst, src)
	switch dst.DType() {
	case dtypes.Int8:
		accumulate(dst, src, minOf[int8])
	case dtypes.Int16:
		accumulate(dst, src, minOf[int16])
	case dtypes.Int32:
		accumulate(dst, src, minOf[int32])
	case dtypes.Int64:
		accumulate(dst, src, minOf[int64])
	case dtypes.Uint8:
		accumulate(dst, src, minOf[uint8])
	case dtypes.Uint16:
		accumulate(dst, src, minOf[uint16])
	case dtypes.Uint32:
		accumulate(dst, src, minOf[uint32])
	case dtypes.Uint64:
		accumulate(dst, src, minOf[uint64])
	case dtypes.Float32:
		accumulate(dst, src, minOf[float32])
	case dtypes.Float64:
		accumulate(dst, src, minOf[float64])
	case dtypes.Float16:
		accumulateFloat16(dst, src, minOf[float32])
	case dtypes.BFloat16:
		accumulateBFloat16(dst, src, minOf[float32])
	default:
		exceptions.Panicf("AccumulateMin: dtype %s not supported", dst.DType())
	}
}

func maxOf[T cmp.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func minOf[T cmp.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func checkAccumulateShapes(name string, dst, src *Tensor) {
	if !dst.shape.Equal(src.shape) {
		exceptions.Panicf("%s: shapes %s and %s differ", name, dst.shape, src.shape)
	}
}

func accumulate[T dtypes.Supported](dst, src *Tensor, combine func(a, b T) T) {
	dstFlat := flatData[T](dst)
	srcFlat := flatData[T](src)
	for i, v := range srcFlat {
		dstFlat[i] = combine(dstFlat[i], v)
	}
}

func accumulateFloat16(dst, src *Tensor, combine func(a, b float32) float32) {
	dstFlat := flatData[float16.Float16](dst)
	srcFlat := flatData[float16.Float16](src)
	for i, v := range srcFlat {
		dstFlat[i] = float16.Fromfloat32(combine(dstFlat[i].Float32(), v.Float32()))
	}
}

func accumulateBFloat16(dst, src *Tensor, combine func(a, b float32) float32) {
	dstFlat := flatData[bfloat16.BFloat16](dst)
	srcFlat := flatData[bfloat16.BFloat16](src)
	for i, v := range srcFlat {
		dstFlat[i] = bfloat16.FromFloat32(combine(dstFlat[i].Float32(), v.Float32()))
	}
}
