// Package graph holds the stage registry of an engine and derives its
// scheduling order, plus the serializable pipeline definition format.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

var (
	ErrStageNotFound = errors.New("stage not found")
	ErrEmptyGraph    = errors.New("graph has no stages")
	ErrNilStage      = errors.New("nil stage")
)

// Edge is a connection between two stage ports.
type Edge struct {
	From     core.StageID
	FromPort string
	To       core.StageID
	ToPort   string
}

// Topology owns the stages of one engine in creation order. It implements
// core.Owner, so stages bound to it can only be wired to each other.
type Topology struct {
	name   string
	stages []core.Stage
	index  map[*core.BaseStage]int

	generation atomic.Uint64
	frozen     atomic.Bool

	order    []core.Stage
	orderGen uint64
	ordered  bool
}

// NewTopology creates an empty topology.
func NewTopology(name string) *Topology {
	return &Topology{
		name:  name,
		index: make(map[*core.BaseStage]int),
	}
}

// Name returns the topology name.
func (t *Topology) Name() string {
	return t.name
}

// Add takes a stage into the registry and binds its identity.
func (t *Topology) Add(s core.Stage) (core.StageID, error) {
	if s == nil || s.Base() == nil {
		return 0, ErrNilStage
	}
	if t.Frozen() {
		return 0, fmt.Errorf("%w: cannot add %s", core.ErrTopologyFrozen, s.Base().Name())
	}
	id := core.StageID(len(t.stages) + 1)
	if err := s.Base().Bind(id, t); err != nil {
		return 0, err
	}
	t.index[s.Base()] = len(t.stages)
	t.stages = append(t.stages, s)
	t.generation.Add(1)
	return id, nil
}

// Stages returns every stage in creation order.
func (t *Topology) Stages() []core.Stage {
	out := make([]core.Stage, len(t.stages))
	copy(out, t.stages)
	return out
}

// Len returns the number of stages.
func (t *Topology) Len() int {
	return len(t.stages)
}

// Stage returns the stage with the given ID.
func (t *Topology) Stage(id core.StageID) (core.Stage, bool) {
	i := int(id) - 1
	if i < 0 || i >= len(t.stages) {
		return nil, false
	}
	return t.stages[i], true
}

// Lookup returns the first stage with the given name.
func (t *Topology) Lookup(name string) (core.Stage, bool) {
	for _, s := range t.stages {
		if s.Base().Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Frozen reports whether the topology can still change.
func (t *Topology) Frozen() bool {
	return t.frozen.Load()
}

// Freeze forbids further additions and connections.
func (t *Topology) Freeze() {
	t.frozen.Store(true)
}

// Rewired records a new connection.
func (t *Topology) Rewired() {
	t.generation.Add(1)
}

// Generation returns a counter bumped on every change.
func (t *Topology) Generation() uint64 {
	return t.generation.Load()
}

// Order returns the stages in topological order. Ties are broken by
// creation order, so the same create and connect calls always yield the
// same order. The result is cached until the topology changes.
func (t *Topology) Order() ([]core.Stage, error) {
	gen := t.Generation()
	if t.ordered && t.orderGen == gen {
		return t.order, nil
	}

	inDegree := make([]int, len(t.stages))
	for _, s := range t.stages {
		for _, succ := range core.Successors(s.Base()) {
			j, ok := t.index[succ]
			if !ok {
				return nil, fmt.Errorf("%w: %s is wired to unregistered stage %s",
					ErrStageNotFound, s.Base().Name(), succ.Name())
			}
			inDegree[j]++
		}
	}

	// ready holds creation indices with no pending predecessors, kept sorted.
	var ready []int
	for i, d := range inDegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	result := make([]core.Stage, 0, len(t.stages))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		result = append(result, t.stages[current])

		for _, succ := range core.Successors(t.stages[current].Base()) {
			j := t.index[succ]
			inDegree[j]--
			if inDegree[j] == 0 {
				k := sort.SearchInts(ready, j)
				ready = append(ready, 0)
				copy(ready[k+1:], ready[k:])
				ready[k] = j
			}
		}
	}

	if len(result) != len(t.stages) {
		return nil, core.ErrCycleDetected
	}

	t.order = result
	t.orderGen = gen
	t.ordered = true
	return result, nil
}

// Edges returns every connection, ordered by source stage, port and
// connection order.
func (t *Topology) Edges() []Edge {
	var edges []Edge
	for _, s := range t.stages {
		for _, out := range s.Base().Outputs() {
			for _, in := range out.Downstream() {
				edges = append(edges, Edge{
					From:     s.Base().ID(),
					FromPort: out.Name(),
					To:       in.Stage().ID(),
					ToPort:   in.Name(),
				})
			}
		}
	}
	return edges
}

// Reachable reports whether to is downstream of from.
func (t *Topology) Reachable(from, to core.StageID) bool {
	a, ok := t.Stage(from)
	if !ok {
		return false
	}
	b, ok := t.Stage(to)
	if !ok {
		return false
	}
	return core.Reachable(a.Base(), b.Base())
}

// Diameter returns the number of edges on the longest path.
func (t *Topology) Diameter() (int, error) {
	order, err := t.Order()
	if err != nil {
		return 0, err
	}
	depth := make(map[*core.BaseStage]int, len(order))
	longest := 0
	for _, s := range order {
		d := depth[s.Base()]
		for _, succ := range core.Successors(s.Base()) {
			if depth[succ] < d+1 {
				depth[succ] = d + 1
				if d+1 > longest {
					longest = d + 1
				}
			}
		}
	}
	return longest, nil
}

// Sources returns stages without input ports, in creation order.
func (t *Topology) Sources() []core.Stage {
	var out []core.Stage
	for _, s := range t.stages {
		if len(s.Base().Inputs()) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Sinks returns stages without output ports, in creation order.
func (t *Topology) Sinks() []core.Stage {
	var out []core.Stage
	for _, s := range t.stages {
		if len(s.Base().Outputs()) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Compile-time interface check.
var _ core.Owner = (*Topology)(nil)
