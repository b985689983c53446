package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
)

type node struct {
	*core.BaseStage
}

func newNode(t *testing.T, topo *graph.Topology, name string, inputs, outputs int) *node {
	t.Helper()
	n := &node{BaseStage: core.NewBaseStage(core.KindCustom, name)}
	for i := 0; i < inputs; i++ {
		core.AddInput[int](n.BaseStage, "in"+string(rune('0'+i)))
	}
	for i := 0; i < outputs; i++ {
		core.AddOutput[int](n.BaseStage, "out"+string(rune('0'+i)))
	}
	if _, err := topo.Add(n); err != nil {
		t.Fatalf("Add(%s) error = %v", name, err)
	}
	return n
}

func (n *node) Init(context.Context) error                { return nil }
func (n *node) Tick(context.Context) (core.Status, error) { return core.Idle, nil }
func (n *node) Finalize(context.Context) error            { return nil }

func names(stages []core.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Base().Name()
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTopologyAssignsIDs(t *testing.T) {
	topo := graph.NewTopology("ids")
	a := newNode(t, topo, "a", 0, 1)
	b := newNode(t, topo, "b", 1, 0)

	if a.ID() != 1 || b.ID() != 2 {
		t.Errorf("IDs = %v, %v, want s1, s2", a.ID(), b.ID())
	}
	if got, ok := topo.Stage(2); !ok || got != b {
		t.Error("Stage(2) should return b")
	}
	if _, err := topo.Add(a); !errors.Is(err, core.ErrAlreadyBound) {
		t.Errorf("re-add error = %v, want ErrAlreadyBound", err)
	}
	if _, ok := topo.Lookup("b"); !ok {
		t.Error("Lookup(b) failed")
	}
}

func TestOrderIsTopologicalAndStable(t *testing.T) {
	build := func() []string {
		topo := graph.NewTopology("stable")
		sink := newNode(t, topo, "sink", 2, 0)
		right := newNode(t, topo, "right", 1, 1)
		left := newNode(t, topo, "left", 1, 1)
		src := newNode(t, topo, "src", 0, 1)

		if err := core.From(src).FanOut(left, right).Err(); err != nil {
			t.Fatalf("FanOut() error = %v", err)
		}
		if err := core.MergeInto(sink, left, right); err != nil {
			t.Fatalf("MergeInto() error = %v", err)
		}
		order, err := topo.Order()
		if err != nil {
			t.Fatalf("Order() error = %v", err)
		}
		return names(order)
	}

	first := build()
	want := []string{"src", "right", "left", "sink"}
	if !equal(first, want) {
		t.Fatalf("Order() = %v, want %v", first, want)
	}
	for i := 0; i < 5; i++ {
		if got := build(); !equal(got, first) {
			t.Fatalf("run %d Order() = %v, want %v", i, got, first)
		}
	}
}

func TestOrderCachedUntilRewired(t *testing.T) {
	topo := graph.NewTopology("cache")
	a := newNode(t, topo, "a", 1, 1)
	b := newNode(t, topo, "b", 1, 1)

	order, _ := topo.Order()
	if !equal(names(order), []string{"a", "b"}) {
		t.Fatalf("Order() = %v", names(order))
	}
	gen := topo.Generation()

	if _, err := core.Pipe(b, a); err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	if topo.Generation() == gen {
		t.Error("connect should bump generation")
	}
	order, _ = topo.Order()
	if !equal(names(order), []string{"b", "a"}) {
		t.Errorf("Order() after rewire = %v, want [b a]", names(order))
	}
}

func TestFreezeRejectsChanges(t *testing.T) {
	topo := graph.NewTopology("frozen")
	a := newNode(t, topo, "a", 0, 1)
	b := newNode(t, topo, "b", 1, 0)
	topo.Freeze()

	if _, err := core.Pipe(a, b); !errors.Is(err, core.ErrTopologyFrozen) {
		t.Errorf("Pipe() error = %v, want ErrTopologyFrozen", err)
	}
	late := &node{BaseStage: core.NewBaseStage(core.KindCustom, "late")}
	if _, err := topo.Add(late); !errors.Is(err, core.ErrTopologyFrozen) {
		t.Errorf("Add() error = %v, want ErrTopologyFrozen", err)
	}
}

func TestEdgesDiameterReachable(t *testing.T) {
	topo := graph.NewTopology("shape")
	a := newNode(t, topo, "a", 0, 1)
	b := newNode(t, topo, "b", 1, 1)
	c := newNode(t, topo, "c", 1, 1)
	d := newNode(t, topo, "d", 1, 0)
	if err := core.From(a).To(b).To(c).To(d).Err(); err != nil {
		t.Fatalf("chain error = %v", err)
	}

	edges := topo.Edges()
	if len(edges) != 3 {
		t.Fatalf("Edges() = %d, want 3", len(edges))
	}
	if edges[0].From != a.ID() || edges[0].To != b.ID() || edges[0].FromPort != "out0" {
		t.Errorf("edges[0] = %+v", edges[0])
	}
	diameter, err := topo.Diameter()
	if err != nil || diameter != 3 {
		t.Errorf("Diameter() = %d, %v, want 3", diameter, err)
	}
	if !topo.Reachable(a.ID(), d.ID()) || topo.Reachable(d.ID(), a.ID()) {
		t.Error("Reachable() mismatch")
	}
	if len(topo.Sources()) != 1 || len(topo.Sinks()) != 1 {
		t.Errorf("Sources/Sinks = %d/%d", len(topo.Sources()), len(topo.Sinks()))
	}
}

func TestDefinitionOf(t *testing.T) {
	topo := graph.NewTopology("snap")
	a := newNode(t, topo, "a", 0, 1)
	b := newNode(t, topo, "b", 1, 0)
	if _, err := core.Pipe(a, b); err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}

	def := graph.DefinitionOf(topo)
	if def.ID != "snap" || len(def.Nodes) != 2 || len(def.Edges) != 1 {
		t.Fatalf("DefinitionOf() = %+v", def)
	}
	if def.Edges[0].Source != "a" || def.Edges[0].TargetHandle != "in0" {
		t.Errorf("edge = %+v", def.Edges[0])
	}
	if diags := def.Validate(); graph.HasErrors(diags) {
		t.Errorf("snapshot should validate, got %v", diags)
	}
}
