// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtAndLast(t *testing.T) {
	slice := []int{10, 20, 30}
	assert.Equal(t, 10, At(slice, 0))
	assert.Equal(t, 30, At(slice, -1))
	assert.Equal(t, 20, At(slice, -2))
	assert.Equal(t, 30, Last(slice))
}

func TestFillAndSliceWithValue(t *testing.T) {
	slice := make([]string, 3)
	FillSlice(slice, "x")
	assert.Equal(t, []string{"x", "x", "x"}, slice)
	assert.Equal(t, []float64{1.5, 1.5}, SliceWithValue(2, 1.5))
}

func TestIota(t *testing.T) {
	assert.Equal(t, []int{5, 6, 7, 8}, Iota(5, 4))
	assert.Equal(t, []float32{0, 1, 2}, Iota(float32(0), 3))
	assert.Empty(t, Iota(0, 0))
}

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(e int) int { return e * e })
	assert.Equal(t, []int{1, 4, 9}, got)
}

func TestMax(t *testing.T) {
	assert.Equal(t, 7, Max([]int{3, 7, 2}))
	assert.Equal(t, 3, Max([]int{3}))
	assert.Equal(t, 0, Max([]int(nil)), "empty slice yields the zero value")
}

func TestProduct(t *testing.T) {
	assert.Equal(t, 24, Product([]int{2, 3, 4}))
	assert.Equal(t, 1, Product([]int(nil)), "empty product is 1")
}
