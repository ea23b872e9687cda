// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"

	"github.com/gomlx/dtensor/pkg/core/collectives"
	"github.com/gomlx/dtensor/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type opKind int

const (
	opAllGather opKind = iota
	opAllReduce
	opReduceScatter
	opBroadcast
	opScatter
)

func (k opKind) String() string {
	switch k {
	case opAllGather:
		return "all-gather"
	case opAllReduce:
		return "all-reduce"
	case opReduceScatter:
		return "reduce-scatter"
	case opBroadcast:
		return "broadcast"
	case opScatter:
		return "scatter"
	}
	return "unknown"
}

// params are the collective parameters that must match across all members at
// the same position of a group's call stream.
type params struct {
	axis   int
	reduce collectives.ReduceOp
	root   int
}

// slot is the rendezvous point for one collective: the contributions of every
// member at the same position of a group's call stream.
type slot struct {
	op     opKind
	params params

	// contribs[rank] holds rank's operands (one tensor, or Size() tensors for
	// the scatter root).
	contribs [][]*tensors.Tensor
	arrived  int

	// done is closed when results and err are final.
	done    chan struct{}
	closed  bool
	results []*tensors.Tensor
	err     error
}

// issue registers this process's contribution at the next position of the
// group's call stream and returns a Handle for the pending result. It never
// blocks: completion happens when the last member arrives.
func (g *group) issue(op opKind, p params, operands []*tensors.Tensor) (collectives.Handle, error) {
	w := g.world
	gs := g.state
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := gs.nextSeq[g.rank]
	gs.nextSeq[g.rank]++

	s, found := gs.slots[seq]
	if !found {
		s = &slot{
			op:       op,
			params:   p,
			contribs: make([][]*tensors.Tensor, len(gs.members)),
			done:     make(chan struct{}),
		}
		gs.slots[seq] = s
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: group[%d]=%v seq=%d rank=%d issues %s", w, gs.gid, gs.members, seq, g.rank, op)
	}

	if !s.closed {
		if s.op != op || s.params != p {
			// A member issued a different collective at the same stream
			// position: fail everyone rather than hang.
			s.fail(errors.Errorf(
				"collective mismatch on group %v at stream position %d: %s%+v vs %s%+v",
				gs.members, seq, s.op, s.params, op, p))
		} else {
			s.contribs[g.rank] = operands
			s.arrived++
			if s.arrived == len(gs.members) {
				delete(gs.slots, seq) // Handles keep their own reference.
				s.complete(g)
			}
		}
	}
	return &handle{slot: s, rank: g.rank}, nil
}

func (s *slot) fail(err error) {
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.done)
}

// complete computes every member's result. Called with the world lock held,
// once all contributions arrived.
func (s *slot) complete(g *group) {
	if s.closed {
		return
	}
	results, err := s.compute(g.Size())
	if err != nil {
		s.fail(err)
		return
	}
	s.results = results
	s.closed = true
	close(s.done)
	if klog.V(2).Enabled() {
		klog.Infof("%s: group[%d]=%v completed %s", g.world, g.state.gid, g.state.members, s.op)
	}
}

func (s *slot) compute(size int) ([]*tensors.Tensor, error) {
	switch s.op {
	case opAllGather:
		operands, err := s.singleOperands(size)
		if err != nil {
			return nil, err
		}
		gathered := tensors.ConcatAxis(s.params.axis, operands...)
		return cloneForAll(gathered, size), nil

	case opAllReduce:
		acc, err := s.reduceOperands(size)
		if err != nil {
			return nil, err
		}
		return cloneForAll(acc, size), nil

	case opReduceScatter:
		acc, err := s.reduceOperands(size)
		if err != nil {
			return nil, err
		}
		axis := s.params.axis
		dim := acc.Shape().Dim(axis)
		if dim%size != 0 {
			return nil, errors.Errorf(
				"reduce-scatter axis %d has dimension %d, not divisible by group size %d", axis, dim, size)
		}
		chunk := dim / size
		results := make([]*tensors.Tensor, size)
		for rank := range results {
			results[rank] = acc.SliceAxis(axis, rank*chunk, chunk)
		}
		return results, nil

	case opBroadcast:
		rootOperands := s.contribs[s.params.root]
		if len(rootOperands) == 0 || rootOperands[0] == nil {
			return nil, errors.Errorf("broadcast root rank %d provided no operand", s.params.root)
		}
		// Unlike the gather/reduce results, the root operand is caller-owned
		// memory: clone before fanning out so no rank's result aliases it.
		return cloneForAll(rootOperands[0].Clone(), size), nil

	case opScatter:
		rootOperands := s.contribs[s.params.root]
		if len(rootOperands) != size {
			return nil, errors.Errorf("scatter root rank %d provided %d operands, want %d",
				s.params.root, len(rootOperands), size)
		}
		results := make([]*tensors.Tensor, size)
		for rank, operand := range rootOperands {
			if operand == nil {
				return nil, errors.Errorf("scatter root provided nil operand for rank %d", rank)
			}
			results[rank] = operand.Clone()
		}
		return results, nil
	}
	return nil, errors.Errorf("unknown collective %d", s.op)
}

// singleOperands collects the one-per-rank operands, checking uniform shapes.
func (s *slot) singleOperands(size int) ([]*tensors.Tensor, error) {
	operands := make([]*tensors.Tensor, size)
	for rank := 0; rank < size; rank++ {
		if len(s.contribs[rank]) != 1 || s.contribs[rank][0] == nil {
			return nil, errors.Errorf("rank %d provided no operand for %s", rank, s.op)
		}
		operands[rank] = s.contribs[rank][0]
		if !operands[rank].Shape().Equal(operands[0].Shape()) {
			return nil, errors.Errorf("%s operands disagree in shape: rank 0 has %s, rank %d has %s",
				s.op, operands[0].Shape(), rank, operands[rank].Shape())
		}
	}
	return operands, nil
}

func (s *slot) reduceOperands(size int) (*tensors.Tensor, error) {
	operands, err := s.singleOperands(size)
	if err != nil {
		return nil, err
	}
	acc := operands[0].Clone()
	for _, operand := range operands[1:] {
		switch s.params.reduce {
		case collectives.ReduceOpSum:
			tensors.AccumulateSum(acc, operand)
		case collectives.ReduceOpProduct:
			tensors.AccumulateProduct(acc, operand)
		case collectives.ReduceOpMax:
			tensors.AccumulateMax(acc, operand)
		case collectives.ReduceOpMin:
			tensors.AccumulateMin(acc, operand)
		default:
			return nil, errors.Errorf("%s: unsupported reduction %s", s.op, s.params.reduce)
		}
	}
	return acc, nil
}

// cloneForAll gives each member its own copy: local shards are exclusively
// owned, results must not alias across processes.
func cloneForAll(t *tensors.Tensor, size int) []*tensors.Tensor {
	results := make([]*tensors.Tensor, size)
	for rank := range results {
		if rank == 0 {
			results[rank] = t
		} else {
			results[rank] = t.Clone()
		}
	}
	return results
}

// handle implements collectives.Handle.
type handle struct {
	slot *slot
	rank int
}

// Await implements collectives.Handle.
func (h *handle) Await(ctx context.Context) (*tensors.Tensor, error) {
	select {
	case <-h.slot.done:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "awaiting collective")
	}
	if h.slot.err != nil {
		return nil, h.slot.err
	}
	return h.slot.results[h.rank], nil
}
