// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mesh_test

import (
	"testing"

	"github.com/gomlx/dtensor/pkg/core/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			processes []int
			shape     []int
			wantRank  int
			wantNum   int
		}{
			{name: "1D", processes: []int{0, 1, 2, 3, 4, 5, 6, 7}, shape: []int{8}, wantRank: 1, wantNum: 8},
			{name: "2D", processes: []int{0, 1, 2, 3, 4, 5, 6, 7}, shape: []int{2, 4}, wantRank: 2, wantNum: 8},
			{name: "3D", processes: []int{0, 1, 2, 3, 4, 5, 6, 7}, shape: []int{2, 2, 2}, wantRank: 3, wantNum: 8},
			{name: "single process", processes: []int{0}, shape: []int{1}, wantRank: 1, wantNum: 1},
			{name: "sub-mesh of non-contiguous ids", processes: []int{0, 2}, shape: []int{2}, wantRank: 1, wantNum: 2},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m, err := mesh.New(tt.processes, tt.shape...)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, m.Rank())
				assert.Equal(t, tt.wantNum, m.NumProcesses())
				assert.Equal(t, tt.shape, m.Shape())
			})
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := []struct {
			name      string
			processes []int
			shape     []int
		}{
			{name: "empty shape", processes: []int{0}, shape: nil},
			{name: "zero dimension", processes: []int{}, shape: []int{0}},
			{name: "negative dimension", processes: []int{0, 1}, shape: []int{-2}},
			{name: "count mismatch", processes: []int{0, 1, 2}, shape: []int{2, 2}},
			{name: "duplicate process", processes: []int{0, 1, 1, 2}, shape: []int{4}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := mesh.New(tt.processes, tt.shape...)
				require.Error(t, err)
				assert.ErrorIs(t, err, mesh.ErrInvalidMesh)
			})
		}
	})
}

func TestCoordinates(t *testing.T) {
	// Row-major 2x4 mesh: process ids laid out as
	//   0 1 2 3
	//   4 5 6 7
	m, err := mesh.New([]int{0, 1, 2, 3, 4, 5, 6, 7}, 2, 4)
	require.NoError(t, err)

	t.Run("CoordinateOf", func(t *testing.T) {
		coord, err := m.CoordinateOf(0)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0}, coord)

		coord, err = m.CoordinateOf(6)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, coord)

		_, err = m.CoordinateOf(42)
		require.Error(t, err)
		assert.True(t, mesh.IsNotInMesh(err))
	})

	t.Run("ProcessAt", func(t *testing.T) {
		assert.Equal(t, 0, m.ProcessAt(0, 0))
		assert.Equal(t, 6, m.ProcessAt(1, 2))
		assert.Equal(t, 3, m.ProcessAt(0, 3))
		assert.Panics(t, func() { m.ProcessAt(2, 0) })
		assert.Panics(t, func() { m.ProcessAt(0) })
	})

	t.Run("Contains", func(t *testing.T) {
		assert.True(t, m.Contains(0))
		assert.True(t, m.Contains(7))
		assert.False(t, m.Contains(8))
		assert.False(t, m.Contains(-1))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for _, p := range m.Processes() {
			coord, err := m.CoordinateOf(p)
			require.NoError(t, err)
			assert.Equal(t, p, m.ProcessAt(coord...))
		}
	})
}

func TestDimensionGroup(t *testing.T) {
	m, err := mesh.New([]int{0, 1, 2, 3, 4, 5, 6, 7}, 2, 4)
	require.NoError(t, err)

	tests := []struct {
		name  string
		dim   int
		coord []int
		want  []int
	}{
		{name: "dim 0 column 0", dim: 0, coord: []int{0, 0}, want: []int{0, 4}},
		{name: "dim 0 column 2", dim: 0, coord: []int{1, 2}, want: []int{2, 6}},
		{name: "dim 1 row 0", dim: 1, coord: []int{0, 1}, want: []int{0, 1, 2, 3}},
		{name: "dim 1 row 1", dim: 1, coord: []int{1, 3}, want: []int{4, 5, 6, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.DimensionGroup(tt.dim, tt.coord))
		})
	}

	t.Run("GroupOrderFollowsCoordinates", func(t *testing.T) {
		// Process ids need not be sorted; group order follows mesh coordinates.
		shuffled, err := mesh.New([]int{7, 3, 5, 1}, 4)
		require.NoError(t, err)
		coord, err := shuffled.CoordinateOf(5)
		require.NoError(t, err)
		assert.Equal(t, []int{7, 3, 5, 1}, shuffled.DimensionGroup(0, coord))
	})
}

func TestEqualAndKey(t *testing.T) {
	m1, err := mesh.New([]int{0, 1, 2, 3}, 2, 2)
	require.NoError(t, err)
	m2, err := mesh.New([]int{0, 1, 2, 3}, 2, 2)
	require.NoError(t, err)
	m3, err := mesh.New([]int{0, 1, 2, 3}, 4)
	require.NoError(t, err)
	m4, err := mesh.New([]int{3, 2, 1, 0}, 2, 2)
	require.NoError(t, err)

	assert.True(t, m1.Equal(m2))
	assert.Equal(t, m1.Key(), m2.Key())
	assert.False(t, m1.Equal(m3))
	assert.False(t, m1.Equal(m4))
	assert.NotEqual(t, m1.Key(), m3.Key())
	assert.NotEqual(t, m1.Key(), m4.Key())

	// The key identifies topology and membership only; names don't matter.
	m2.SetName("tpu")
	assert.Equal(t, m1.Key(), m2.Key())
	assert.True(t, m1.Equal(m2))
}

func TestDefault(t *testing.T) {
	require.Nil(t, mesh.Default())
	m, err := mesh.New([]int{0, 1}, 2)
	require.NoError(t, err)

	mesh.WithDefault(m, func() {
		assert.Same(t, m, mesh.Default())
		inner, err := mesh.New([]int{0}, 1)
		require.NoError(t, err)
		mesh.WithDefault(inner, func() {
			assert.Same(t, inner, mesh.Default())
		})
		assert.Same(t, m, mesh.Default())
	})
	assert.Nil(t, mesh.Default())
}
