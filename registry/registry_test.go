package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
	"github.com/petal-labs/pipef/runtime"
)

func TestGlobal_ReturnsSameInstance(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same instance on every call")
	}
}

func TestGlobal_HasBuiltins(t *testing.T) {
	r := Global()
	for _, typ := range []string{"lines", "static", "filter", "upper", "lower", "trim", "prefix", "counter", "merge", "writer", "discard"} {
		if !r.Has(typ) {
			t.Errorf("builtin %q not registered", typ)
		}
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newRegistry()
	r.Register(TypeDef{
		Type:        "test_stage",
		DisplayName: "Test Stage",
		Ports: PortSchema{
			Inputs:  []PortDef{{Name: "in", Type: "string", Required: true}},
			Outputs: []PortDef{{Name: "out", Type: "string"}},
		},
	})

	got, ok := r.Get("test_stage")
	if !ok {
		t.Fatal("Get should find registered type")
	}
	if got.DisplayName != "Test Stage" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Test Stage")
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("Get should return false for unregistered type")
	}
}

func TestRegistry_All_PreservesOrder(t *testing.T) {
	r := newRegistry()
	r.Register(TypeDef{Type: "alpha"})
	r.Register(TypeDef{Type: "beta"})
	r.Register(TypeDef{Type: "alpha", DisplayName: "Updated"})

	all := r.All()
	if len(all) != 2 || r.Len() != 2 {
		t.Fatalf("All() returned %d items, want 2", len(all))
	}
	if all[0].Type != "alpha" || all[0].DisplayName != "Updated" || all[1].Type != "beta" {
		t.Errorf("All() = %+v", all)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(TypeDef{Type: "concurrent"})
		}()
		go func() {
			defer wg.Done()
			r.Has("concurrent")
			r.All()
		}()
	}
	wg.Wait()
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_MergePortsFollowConfig(t *testing.T) {
	r := New()
	in, out, ok := r.Ports("merge", graph.NodeDef{Config: map[string]any{"inputs": 3.0}})
	if !ok {
		t.Fatal("merge type not found")
	}
	if len(in) != 3 || in[2].Name != "in2" || len(out) != 1 {
		t.Errorf("Ports() = %v, %v", in, out)
	}
	in, _, _ = r.Ports("merge", graph.NodeDef{})
	if len(in) != DefaultMergeInputs {
		t.Errorf("default inputs = %d, want %d", len(in), DefaultMergeInputs)
	}
}

func TestConfigInt(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"missing", nil, 7, false},
		{"int", 3, 3, false},
		{"int64", int64(4), 4, false},
		{"float", 5.0, 5, false},
		{"fraction", 5.5, 0, true},
		{"string", "6", 6, false},
		{"bad string", "six", 0, true},
		{"bool", true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := graph.NodeDef{Config: map[string]any{}}
			if tt.value != nil {
				node.Config["n"] = tt.value
			}
			got, err := configInt(node, "n", 7)
			if (err != nil) != tt.wantErr {
				t.Fatalf("configInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("configInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func quietOptions() runtime.Options {
	opts := runtime.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.PollInterval = time.Millisecond
	return opts
}

func TestBuild_RunsDefinition(t *testing.T) {
	var out, errOut bytes.Buffer
	def := &graph.Definition{
		ID: "shout",
		Nodes: []graph.NodeDef{
			{ID: "in", Type: "static", Config: map[string]any{"values": []any{"a", "b", "a", 1}}},
			{ID: "keep", Type: "filter", Key: "a"},
			{ID: "loud", Type: "upper"},
			{ID: "mark", Type: "prefix", Config: map[string]any{"prefix": "> "}},
			{ID: "err", Type: "writer", Key: "stderr"},
		},
		Edges: []graph.EdgeDef{
			{Source: "in", Target: "keep"},
			{Source: "keep", Target: "loud"},
			{Source: "loud", Target: "mark"},
			{Source: "mark", Target: "err"},
		},
	}
	bc := BuildContext{Targets: map[string]io.Writer{"stdout": &out, "stderr": &errOut}}

	e, err := New().Build(def, bc, quietOptions())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := e.Run(context.Background(), runtime.Unbounded, 5*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}
	if got := errOut.String(); got != "> A\n> A\n" {
		t.Errorf("stderr = %q", got)
	}
	if name := e.Stages()[1].Base().Name(); name != "keep" {
		t.Errorf("stage name = %q, want node ID", name)
	}
}

func TestBuild_MergeAndLines(t *testing.T) {
	var out bytes.Buffer
	files := map[string]string{"left.txt": "l1\nl2\n", "right.txt": "r1\n"}
	bc := BuildContext{
		Targets: map[string]io.Writer{"stdout": &out},
		Open: func(path string) (io.Reader, error) {
			body, ok := files[path]
			if !ok {
				return nil, errors.New("not found")
			}
			return strings.NewReader(body), nil
		},
	}
	def := &graph.Definition{
		ID: "join",
		Nodes: []graph.NodeDef{
			{ID: "left", Type: "lines", Config: map[string]any{"path": "left.txt"}},
			{ID: "right", Type: "lines", Config: map[string]any{"path": "right.txt"}},
			{ID: "join", Type: "merge"},
			{ID: "count", Type: "counter"},
			{ID: "out", Type: "writer"},
		},
		Edges: []graph.EdgeDef{
			{Source: "left", Target: "join", TargetHandle: "in1"},
			{Source: "right", Target: "join"},
			{Source: "join", Target: "count"},
			{Source: "count", Target: "out"},
		},
	}

	e, err := New().Build(def, bc, quietOptions(), runtime.WithQueueCapacity(4))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := e.Run(context.Background(), runtime.Unbounded, 5*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	lines := strings.Fields(out.String())
	if len(lines) != 3 {
		t.Fatalf("output = %q, want 3 lines", out.String())
	}
	var produced uint64
	for _, s := range e.Stages() {
		if s.Base().Name() == "count" {
			produced = s.Base().Produced()
		}
	}
	if produced != 3 {
		t.Errorf("counter produced = %d, want 3", produced)
	}
}

func TestBuild_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		def      graph.Definition
		wantCode string
		wantMsg  string
	}{
		{
			name: "unknown type",
			def: graph.Definition{Nodes: []graph.NodeDef{
				{ID: "x", Type: "teleport"},
			}},
			wantCode: "GR-003",
		},
		{
			name: "bad handle",
			def: graph.Definition{
				Nodes: []graph.NodeDef{{ID: "a", Type: "static"}, {ID: "b", Type: "discard"}},
				Edges: []graph.EdgeDef{{Source: "a", Target: "b", TargetHandle: "side"}},
			},
			wantCode: "GR-006",
		},
		{
			name: "key on unkeyed type",
			def: graph.Definition{
				Nodes: []graph.NodeDef{{ID: "a", Type: "static", Key: "k"}, {ID: "b", Type: "discard"}},
				Edges: []graph.EdgeDef{{Source: "a", Target: "b"}},
			},
			wantMsg: "takes no key",
		},
		{
			name: "bad writer key",
			def: graph.Definition{
				Nodes: []graph.NodeDef{{ID: "a", Type: "static"}, {ID: "b", Type: "writer", Key: "printer"}},
				Edges: []graph.EdgeDef{{Source: "a", Target: "b"}},
			},
			wantMsg: "unknown target",
		},
		{
			name: "bad config",
			def: graph.Definition{
				Nodes: []graph.NodeDef{{ID: "a", Type: "static", Config: map[string]any{"values": "abc"}}},
			},
			wantMsg: "config.values",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Build(&tt.def, BuildContext{}, quietOptions())
			if err == nil {
				t.Fatal("Build() error = nil")
			}
			if tt.wantCode != "" {
				var de *DefinitionError
				if !errors.As(err, &de) || de.Diagnostics[0].Code != tt.wantCode {
					t.Errorf("Build() error = %v, want %s", err, tt.wantCode)
				}
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Build() error = %v, want %q", err, tt.wantMsg)
			}
		})
	}
}

func TestBuild_UnconfiguredFilterFailsInit(t *testing.T) {
	def := &graph.Definition{
		Nodes: []graph.NodeDef{
			{ID: "a", Type: "static", Config: map[string]any{"values": []any{"x"}}},
			{ID: "f", Type: "filter"},
			{ID: "b", Type: "discard"},
		},
		Edges: []graph.EdgeDef{{Source: "a", Target: "f"}, {Source: "f", Target: "b"}},
	}
	e, err := New().Build(def, BuildContext{}, quietOptions())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	_, err = e.Run(context.Background(), runtime.Unbounded, time.Second)
	if !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("Run() error = %v, want ErrNotConfigured", err)
	}
}
