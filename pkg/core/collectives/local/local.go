// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements the collectives contract in-process: a World of N
// processes, each driven by its own goroutine, rendezvousing through shared
// memory.
//
// It is the substrate used by this module's tests and examples, and a
// reference for the matching semantics a real transport must provide:
// collectives on a group are matched by per-group call order, and a
// mismatched call (different operation or parameters at the same position of
// the stream) fails the whole collective rather than hanging.
package local

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/dtensor/pkg/core/collectives"
	"github.com/gomlx/dtensor/pkg/core/tensors"
	"github.com/gomlx/dtensor/pkg/support/registry"
	"github.com/gomlx/dtensor/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// World is an in-process communication substrate for processes 0..N-1.
//
// Create one World per test/run and hand each process goroutine its own
// Comms via World.Process. A World's mutable state is internal and guarded;
// the Comms and Group bindings it returns are safe for the owning process's
// goroutine to use while other processes use theirs.
type World struct {
	id   uuid.UUID
	size int

	mu sync.Mutex

	// groupKeys interns the canonical member-list string of each group,
	// assigning it the dense group index used in slot keys and logs.
	groupKeys *registry.Arena[string]
	groups    map[int]*groupState
}

// NewWorld creates a substrate for processes 0..numProcesses-1.
func NewWorld(numProcesses int) (*World, error) {
	if numProcesses <= 0 {
		return nil, errors.Errorf("local.NewWorld: numProcesses must be positive, got %d", numProcesses)
	}
	return &World{
		id:        uuid.New(),
		size:      numProcesses,
		groupKeys: registry.New[string](),
		groups:    make(map[int]*groupState),
	}, nil
}

// NumProcesses returns the world size.
func (w *World) NumProcesses() int {
	return w.size
}

// Reset discards all group state, including interned group indices and any
// pending collectives. Meant for reuse between test runs; must not be called
// while collectives are in flight.
func (w *World) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groupKeys.Reset()
	w.groups = make(map[int]*groupState)
}

// String implements fmt.Stringer.
func (w *World) String() string {
	return fmt.Sprintf("local.World(%s, %d processes)", w.id.String()[:8], w.size)
}

// Process returns the Comms binding for the given process identifier.
func (w *World) Process(pid int) (collectives.Comms, error) {
	if pid < 0 || pid >= w.size {
		return nil, errors.Errorf("%s has no process %d", w, pid)
	}
	return &comms{world: w, pid: pid}, nil
}

type comms struct {
	world *World
	pid   int
}

// Process implements collectives.Comms.
func (c *comms) Process() int {
	return c.pid
}

// Group implements collectives.Comms.
func (c *comms) Group(members []int) (collectives.Group, error) {
	if len(members) == 0 {
		return nil, errors.New("group members cannot be empty")
	}
	seen := sets.Make[int](len(members))
	rank := -1
	for i, pid := range members {
		if pid < 0 || pid >= c.world.size {
			return nil, errors.Errorf("group member %d is not a process of %s", pid, c.world)
		}
		if seen.Has(pid) {
			return nil, errors.Errorf("group member %d is duplicated", pid)
		}
		seen.Insert(pid)
		if pid == c.pid {
			rank = i
		}
	}
	if rank < 0 {
		return nil, errors.Errorf("process %d is not a member of group %v", c.pid, members)
	}
	gs := c.world.groupFor(members)
	return &group{world: c.world, state: gs, rank: rank}, nil
}

// groupFor returns the shared state of the group with the given ordered
// members, creating it on first use. Member order matters: it defines ranks.
func (w *World) groupFor(members []int) *groupState {
	key := membersKey(members)
	w.mu.Lock()
	defer w.mu.Unlock()
	gid := w.groupKeys.Intern(key)
	gs, found := w.groups[gid]
	if !found {
		gs = &groupState{
			gid:     gid,
			members: slices.Clone(members),
			nextSeq: make([]int, len(members)),
			slots:   make(map[int]*slot),
		}
		w.groups[gid] = gs
	}
	return gs
}

func membersKey(members []int) string {
	var sb strings.Builder
	for i, pid := range members {
		if i > 0 {
			sb.WriteByte(',')
		}
		_, _ = fmt.Fprintf(&sb, "%d", pid)
	}
	return sb.String()
}

// groupState is shared by all member bindings of one group. Guarded by the
// World mutex.
type groupState struct {
	gid     int
	members []int

	// nextSeq is the position in the group's collective call stream each rank
	// will issue next. Matching slots are keyed by this position.
	nextSeq []int

	slots map[int]*slot
}

type group struct {
	world *World
	state *groupState
	rank  int
}

// Rank implements collectives.Group.
func (g *group) Rank() int { return g.rank }

// Size implements collectives.Group.
func (g *group) Size() int { return len(g.state.members) }

// Members implements collectives.Group.
func (g *group) Members() []int { return slices.Clone(g.state.members) }

// AllGather implements collectives.Group.
func (g *group) AllGather(ctx context.Context, operand *tensors.Tensor, axis int) (collectives.Handle, error) {
	if operand == nil {
		return nil, errors.New("AllGather requires an operand")
	}
	return g.issue(opAllGather, params{axis: axis}, []*tensors.Tensor{operand})
}

// AllReduce implements collectives.Group.
func (g *group) AllReduce(ctx context.Context, operand *tensors.Tensor, op collectives.ReduceOp) (collectives.Handle, error) {
	if operand == nil {
		return nil, errors.New("AllReduce requires an operand")
	}
	return g.issue(opAllReduce, params{reduce: op}, []*tensors.Tensor{operand})
}

// ReduceScatter implements collectives.Group.
func (g *group) ReduceScatter(ctx context.Context, operand *tensors.Tensor, op collectives.ReduceOp, axis int) (collectives.Handle, error) {
	if operand == nil {
		return nil, errors.New("ReduceScatter requires an operand")
	}
	return g.issue(opReduceScatter, params{reduce: op, axis: axis}, []*tensors.Tensor{operand})
}

// Broadcast implements collectives.Group.
func (g *group) Broadcast(ctx context.Context, operand *tensors.Tensor, root int) (collectives.Handle, error) {
	if root < 0 || root >= g.Size() {
		return nil, errors.Errorf("Broadcast root rank %d out of range for group of size %d", root, g.Size())
	}
	if g.rank == root && operand == nil {
		return nil, errors.New("Broadcast root must provide an operand")
	}
	return g.issue(opBroadcast, params{root: root}, []*tensors.Tensor{operand})
}

// Scatter implements collectives.Group.
func (g *group) Scatter(ctx context.Context, operands []*tensors.Tensor, root int) (collectives.Handle, error) {
	if root < 0 || root >= g.Size() {
		return nil, errors.Errorf("Scatter root rank %d out of range for group of size %d", root, g.Size())
	}
	if g.rank == root && len(operands) != g.Size() {
		return nil, errors.Errorf("Scatter root must provide %d operands, got %d", g.Size(), len(operands))
	}
	return g.issue(opScatter, params{root: root}, operands)
}
