// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/dtensor/pkg/core/collectives"
	"github.com/gomlx/dtensor/pkg/core/collectives/local"
	"github.com/gomlx/dtensor/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runProcesses runs fn concurrently for each process of the world, one
// goroutine per process, and collects the per-process errors.
func runProcesses(t *testing.T, w *local.World, fn func(pid int, comms collectives.Comms) error) {
	t.Helper()
	errs := make([]error, w.NumProcesses())
	var wg sync.WaitGroup
	for pid := 0; pid < w.NumProcesses(); pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			comms := must.M1(w.Process(pid))
			errs[pid] = fn(pid, comms)
		}(pid)
	}
	wg.Wait()
	for pid, err := range errs {
		require.NoError(t, err, "process %d", pid)
	}
}

func TestNewWorld(t *testing.T) {
	w, err := local.NewWorld(4)
	require.NoError(t, err)
	assert.Equal(t, 4, w.NumProcesses())

	_, err = local.NewWorld(0)
	assert.Error(t, err)

	_, err = w.Process(4)
	assert.Error(t, err)

	comms := must.M1(w.Process(2))
	assert.Equal(t, 2, comms.Process())
}

func TestGroup(t *testing.T) {
	w := must.M1(local.NewWorld(4))
	comms := must.M1(w.Process(2))

	g, err := comms.Group([]int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Rank(), "rank is the index in the member list")
	assert.Equal(t, 2, g.Size())
	assert.Equal(t, []int{0, 2}, g.Members())

	_, err = comms.Group([]int{0, 1})
	assert.Error(t, err, "group must include the caller")
	_, err = comms.Group([]int{2, 2})
	assert.Error(t, err, "duplicate member")
	_, err = comms.Group([]int{2, 7})
	assert.Error(t, err, "member outside the world")
	_, err = comms.Group(nil)
	assert.Error(t, err, "empty group")
}

func TestAllGather(t *testing.T) {
	w := must.M1(local.NewWorld(3))
	runProcesses(t, w, func(pid int, comms collectives.Comms) error {
		g, err := comms.Group([]int{0, 1, 2})
		if err != nil {
			return err
		}
		operand := tensors.FromFlatData([]float32{float32(pid), float32(pid)}, 1, 2)
		handle, err := g.AllGather(context.Background(), operand, 0)
		if err != nil {
			return err
		}
		got, err := handle.Await(context.Background())
		if err != nil {
			return err
		}
		assert.Equal(t, []int{3, 2}, got.Shape().Dimensions)
		assert.Equal(t, []float32{0, 0, 1, 1, 2, 2}, tensors.CopyFlatData[float32](got),
			"concatenated in rank order on every process")
		return nil
	})
}

func TestAllReduce(t *testing.T) {
	ops := []struct {
		name string
		op   collectives.ReduceOp
		want []int32
	}{
		{name: "sum", op: collectives.ReduceOpSum, want: []int32{3, 6}},
		{name: "product", op: collectives.ReduceOpProduct, want: []int32{0, 6}},
		{name: "max", op: collectives.ReduceOpMax, want: []int32{2, 3}},
		{name: "min", op: collectives.ReduceOpMin, want: []int32{0, 1}},
	}
	for _, tt := range ops {
		t.Run(tt.name, func(t *testing.T) {
			w := must.M1(local.NewWorld(3))
			runProcesses(t, w, func(pid int, comms collectives.Comms) error {
				g, err := comms.Group([]int{0, 1, 2})
				if err != nil {
					return err
				}
				operand := tensors.FromFlatData([]int32{int32(pid), int32(pid + 1)}, 2)
				handle, err := g.AllReduce(context.Background(), operand, tt.op)
				if err != nil {
					return err
				}
				got, err := handle.Await(context.Background())
				if err != nil {
					return err
				}
				assert.Equal(t, tt.want, tensors.CopyFlatData[int32](got))
				// The operand must not have been clobbered by the fold.
				assert.Equal(t, []int32{int32(pid), int32(pid + 1)}, tensors.CopyFlatData[int32](operand))
				return nil
			})
		})
	}
}

func TestReduceScatter(t *testing.T) {
	w := must.M1(local.NewWorld(2))
	runProcesses(t, w, func(pid int, comms collectives.Comms) error {
		g, err := comms.Group([]int{0, 1})
		if err != nil {
			return err
		}
		operand := tensors.FromFlatData([]float32{1, 2, 3, 4}, 4)
		handle, err := g.ReduceScatter(context.Background(), operand, collectives.ReduceOpSum, 0)
		if err != nil {
			return err
		}
		got, err := handle.Await(context.Background())
		if err != nil {
			return err
		}
		if pid == 0 {
			assert.Equal(t, []float32{2, 4}, tensors.CopyFlatData[float32](got))
		} else {
			assert.Equal(t, []float32{6, 8}, tensors.CopyFlatData[float32](got))
		}
		return nil
	})

	t.Run("IndivisibleAxis", func(t *testing.T) {
		w := must.M1(local.NewWorld(2))
		runProcesses(t, w, func(pid int, comms collectives.Comms) error {
			g, err := comms.Group([]int{0, 1})
			if err != nil {
				return err
			}
			operand := tensors.FromFlatData([]float32{1, 2, 3}, 3)
			handle, err := g.ReduceScatter(context.Background(), operand, collectives.ReduceOpSum, 0)
			if err != nil {
				return err
			}
			_, err = handle.Await(context.Background())
			assert.Error(t, err, "axis 3 does not divide by 2")
			return nil
		})
	})
}

func TestBroadcastAndScatter(t *testing.T) {
	t.Run("Broadcast", func(t *testing.T) {
		w := must.M1(local.NewWorld(3))
		runProcesses(t, w, func(pid int, comms collectives.Comms) error {
			g, err := comms.Group([]int{0, 1, 2})
			if err != nil {
				return err
			}
			var operand *tensors.Tensor
			if g.Rank() == 1 {
				operand = tensors.FromFlatData([]int64{42}, 1)
			}
			handle, err := g.Broadcast(context.Background(), operand, 1)
			if err != nil {
				return err
			}
			got, err := handle.Await(context.Background())
			if err != nil {
				return err
			}
			assert.Equal(t, []int64{42}, tensors.CopyFlatData[int64](got))
			return nil
		})
	})

	t.Run("BroadcastResultDoesNotAliasOperand", func(t *testing.T) {
		// Results are exclusively owned: mutating one after the collective
		// must not reach the root's operand or another member's copy.
		w := must.M1(local.NewWorld(2))
		operand := tensors.FromFlatData([]int32{7}, 1)
		results := make([]*tensors.Tensor, 2)
		runProcesses(t, w, func(pid int, comms collectives.Comms) error {
			g, err := comms.Group([]int{0, 1})
			if err != nil {
				return err
			}
			var contrib *tensors.Tensor
			if pid == 0 {
				contrib = operand
			}
			handle, err := g.Broadcast(context.Background(), contrib, 0)
			if err != nil {
				return err
			}
			results[pid], err = handle.Await(context.Background())
			return err
		})
		tensors.MutableFlatData[int32](results[0])[0] = -1
		assert.Equal(t, []int32{7}, tensors.CopyFlatData[int32](operand))
		assert.Equal(t, []int32{7}, tensors.CopyFlatData[int32](results[1]))
	})

	t.Run("Scatter", func(t *testing.T) {
		w := must.M1(local.NewWorld(2))
		runProcesses(t, w, func(pid int, comms collectives.Comms) error {
			g, err := comms.Group([]int{0, 1})
			if err != nil {
				return err
			}
			var operands []*tensors.Tensor
			if g.Rank() == 0 {
				operands = []*tensors.Tensor{
					tensors.FromFlatData([]int32{10}, 1),
					tensors.FromFlatData([]int32{20}, 1),
				}
			}
			handle, err := g.Scatter(context.Background(), operands, 0)
			if err != nil {
				return err
			}
			got, err := handle.Await(context.Background())
			if err != nil {
				return err
			}
			assert.Equal(t, []int32{10 * int32(pid+1)}, tensors.CopyFlatData[int32](got))
			return nil
		})
	})
}

func TestOrderingAndIndependence(t *testing.T) {
	// Two disjoint groups run their own collective streams; within each group
	// calls match by order alone.
	w := must.M1(local.NewWorld(4))
	runProcesses(t, w, func(pid int, comms collectives.Comms) error {
		members := []int{0, 1}
		if pid >= 2 {
			members = []int{2, 3}
		}
		g, err := comms.Group(members)
		if err != nil {
			return err
		}
		for step := 0; step < 3; step++ {
			operand := tensors.FromFlatData([]int32{int32(pid + step)}, 1)
			handle, err := g.AllReduce(context.Background(), operand, collectives.ReduceOpSum)
			if err != nil {
				return err
			}
			got, err := handle.Await(context.Background())
			if err != nil {
				return err
			}
			base := int32(members[0] + members[1])
			assert.Equal(t, []int32{base + 2*int32(step)}, tensors.CopyFlatData[int32](got))
		}
		return nil
	})
}

func TestAwaitLater(t *testing.T) {
	// A handle may be held and awaited after issuing more collectives, and
	// awaiting twice returns the same result.
	w := must.M1(local.NewWorld(2))
	runProcesses(t, w, func(pid int, comms collectives.Comms) error {
		g, err := comms.Group([]int{0, 1})
		if err != nil {
			return err
		}
		first, err := g.AllReduce(context.Background(), tensors.FromFlatData([]int32{1}, 1), collectives.ReduceOpSum)
		if err != nil {
			return err
		}
		second, err := g.AllReduce(context.Background(), tensors.FromFlatData([]int32{10}, 1), collectives.ReduceOpSum)
		if err != nil {
			return err
		}
		got2, err := second.Await(context.Background())
		if err != nil {
			return err
		}
		got1, err := first.Await(context.Background())
		if err != nil {
			return err
		}
		assert.Equal(t, []int32{2}, tensors.CopyFlatData[int32](got1))
		assert.Equal(t, []int32{20}, tensors.CopyFlatData[int32](got2))

		again, err := first.Await(context.Background())
		if err != nil {
			return err
		}
		assert.True(t, got1.Equal(again))
		return nil
	})
}

func TestMismatchFailsEveryone(t *testing.T) {
	// Processes issue different operations at the same stream position: the
	// collective errors on every member instead of hanging.
	w := must.M1(local.NewWorld(2))
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for pid := 0; pid < 2; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			comms := must.M1(w.Process(pid))
			g := must.M1(comms.Group([]int{0, 1}))
			operand := tensors.FromFlatData([]int32{1}, 1)
			var handle collectives.Handle
			var err error
			if pid == 0 {
				handle, err = g.AllReduce(context.Background(), operand, collectives.ReduceOpSum)
			} else {
				handle, err = g.AllGather(context.Background(), operand, 0)
			}
			if err != nil {
				errs[pid] = err
				return
			}
			_, errs[pid] = handle.Await(context.Background())
		}(pid)
	}
	wg.Wait()
	for pid, err := range errs {
		assert.Error(t, err, "process %d must observe the mismatch", pid)
	}
}

func TestAwaitContextCancel(t *testing.T) {
	// Only one member shows up: Await must respect the context deadline.
	w := must.M1(local.NewWorld(2))
	comms := must.M1(w.Process(0))
	g := must.M1(comms.Group([]int{0, 1}))
	handle, err := g.AllReduce(context.Background(), tensors.FromFlatData([]int32{1}, 1), collectives.ReduceOpSum)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = handle.Await(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
