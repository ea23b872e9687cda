// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placements

import (
	"github.com/gomlx/dtensor/pkg/core/tensors"
	"github.com/gomlx/dtensor/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrEmptyShard is returned when asked to shard a dimension of size 0: there
// is nothing to be sharded.
var ErrEmptyShard = errors.New("dimension has size 0, there is nothing to be sharded")

// Chunking convention for Shard placements: a dimension of size s split into
// n chunks gives chunk i size floor(s/n)+1 if i < s%n, else floor(s/n).
// Chunks are contiguous and in order, so sizes always sum back to s, and at
// most the first s chunks are non-empty when s < n.

// ChunkSize returns the size of chunk i when splitting a dimension of the
// given size into numChunks. size may be 0 (all chunks empty) -- the
// EmptyShard check belongs to SplitForShard, which cuts actual data.
func ChunkSize(size, numChunks, i int) int {
	checkChunkArgs(size, numChunks, i)
	base := size / numChunks
	if i < size%numChunks {
		return base + 1
	}
	return base
}

// ChunkOffset returns the offset of chunk i: the total size of chunks 0..i-1.
func ChunkOffset(size, numChunks, i int) int {
	checkChunkArgs(size, numChunks, i)
	base := size / numChunks
	rem := size % numChunks
	if i < rem {
		return (base + 1) * i
	}
	return base*i + rem
}

func checkChunkArgs(size, numChunks, i int) {
	if size < 0 || numChunks <= 0 || i < 0 || i >= numChunks {
		exceptions.Panicf("invalid chunking: size=%d, numChunks=%d, chunk=%d", size, numChunks, i)
	}
}

// ChunkSizes returns the sizes of all numChunks chunks of a dimension of the
// given size. It returns ErrEmptyShard if size is 0.
func ChunkSizes(size, numChunks int) ([]int, error) {
	if size == 0 {
		return nil, errors.Wrapf(ErrEmptyShard, "splitting into %d chunks", numChunks)
	}
	sizes := make([]int, numChunks)
	for i := range sizes {
		sizes[i] = ChunkSize(size, numChunks, i)
	}
	return sizes, nil
}

// SplitForShard cuts t into numChunks contiguous chunks along axis, the way
// Shard(axis) distributes it over a mesh dimension of that extent.
//
// With withPad, every chunk is right-padded with zeros up to the largest
// chunk size -- the uniform-size form collectives require -- and the realized
// pad of each chunk is returned in padSizes (in rows along axis). Without
// padding, chunks keep their natural (possibly uneven, possibly zero) sizes
// and padSizes is all zeros.
//
// Padding is accounting only: strip it with Unpad before treating a chunk as
// logical data. It returns ErrEmptyShard if t has size 0 along axis.
func SplitForShard(t *tensors.Tensor, axis, numChunks int, withPad bool) (chunks []*tensors.Tensor, padSizes []int, err error) {
	size := t.Shape().Dim(axis)
	sizes, err := ChunkSizes(size, numChunks)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tensor dimension %d", axis)
	}
	maxSize := xslices.Max(sizes)
	chunks = make([]*tensors.Tensor, numChunks)
	padSizes = make([]int, numChunks)
	offset := 0
	for i, chunkSize := range sizes {
		chunk := t.SliceAxis(axis, offset, chunkSize)
		offset += chunkSize
		if withPad && chunkSize < maxSize {
			padSizes[i] = maxSize - chunkSize
			chunk = chunk.PadAxis(axis, padSizes[i])
		}
		chunks[i] = chunk
	}
	return chunks, padSizes, nil
}

// Unpad strips padSize rows of padding from the end of axis, undoing the
// padding applied by SplitForShard.
func Unpad(chunk *tensors.Tensor, axis, padSize int) *tensors.Tensor {
	return chunk.UnpadAxis(axis, padSize)
}
