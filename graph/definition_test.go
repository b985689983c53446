package graph

import (
	"encoding/json"
	"testing"
)

func TestDefinition_JSONRoundTrip(t *testing.T) {
	d := Definition{
		ID:       "help_filter",
		Version:  "1.0",
		Metadata: map[string]string{"owner": "ops"},
		Nodes: []NodeDef{
			{ID: "in", Type: "lines", Config: map[string]any{"path": "-"}},
			{ID: "help", Type: "filter", Key: "help"},
		},
		Edges: []EdgeDef{
			{Source: "in", SourceHandle: "out", Target: "help", TargetHandle: "in"},
		},
	}

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Definition
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != d.ID || got.Version != d.Version {
		t.Errorf("ID/Version = %q/%q", got.ID, got.Version)
	}
	if len(got.Nodes) != 2 || got.Nodes[1].Key != "help" {
		t.Fatalf("Nodes = %+v", got.Nodes)
	}
	if got.Edges[0].SourceHandle != "out" {
		t.Errorf("SourceHandle = %q", got.Edges[0].SourceHandle)
	}
}

func codes(diags []Diagnostic) map[string]int {
	m := make(map[string]int)
	for _, d := range diags {
		m[d.Code]++
	}
	return m
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want string
		err  bool
	}{
		{
			name: "duplicate id",
			def: Definition{Nodes: []NodeDef{{ID: "a"}, {ID: "a"}}, Edges: []EdgeDef{{Source: "a", Target: "a"}}},
			want: "GR-005",
			err:  true,
		},
		{
			name: "unknown endpoint",
			def:  Definition{Nodes: []NodeDef{{ID: "a"}}, Edges: []EdgeDef{{Source: "a", Target: "zz"}}},
			want: "GR-001",
			err:  true,
		},
		{
			name: "orphan",
			def: Definition{
				Nodes: []NodeDef{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Edges: []EdgeDef{{Source: "a", Target: "b"}},
			},
			want: "GR-002",
		},
		{
			name: "cycle",
			def: Definition{
				Nodes: []NodeDef{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Edges: []EdgeDef{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}, {Source: "c", Target: "a"}},
			},
			want: "GR-004",
			err:  true,
		},
		{
			name: "fan-in without merge",
			def: Definition{
				Nodes: []NodeDef{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Edges: []EdgeDef{
					{Source: "a", Target: "c", TargetHandle: "in"},
					{Source: "b", Target: "c", TargetHandle: "in"},
				},
			},
			want: "GR-009",
			err:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := tt.def.Validate()
			if codes(diags)[tt.want] == 0 {
				t.Fatalf("Validate() = %v, want %s", diags, tt.want)
			}
			if HasErrors(diags) != tt.err {
				t.Errorf("HasErrors() = %v, want %v", HasErrors(diags), tt.err)
			}
		})
	}
}

type stubTypes map[string][2][]PortInfo

func (s stubTypes) Ports(typ string, _ NodeDef) ([]PortInfo, []PortInfo, bool) {
	p, ok := s[typ]
	return p[0], p[1], ok
}

func TestValidateWithTypes(t *testing.T) {
	types := stubTypes{
		"text":  {nil, {{Name: "out", Type: "string"}}},
		"count": {{{Name: "in", Type: "int"}}, {{Name: "out", Type: "int"}}},
		"print": {{{Name: "in", Type: "string"}}, nil},
	}
	d := Definition{
		Nodes: []NodeDef{{ID: "t", Type: "text"}, {ID: "c", Type: "count"}, {ID: "p", Type: "print"}, {ID: "x", Type: "nope"}},
		Edges: []EdgeDef{
			{Source: "t", Target: "c"},
			{Source: "t", SourceHandle: "bogus", Target: "p"},
			{Source: "x", Target: "p"},
		},
	}

	got := codes(d.ValidateWithTypes(types))
	if got["GR-010"] != 1 {
		t.Errorf("GR-010 count = %d, want 1", got["GR-010"])
	}
	if got["GR-006"] != 1 {
		t.Errorf("GR-006 count = %d, want 1", got["GR-006"])
	}
	if got["GR-003"] != 1 {
		t.Errorf("GR-003 count = %d, want 1", got["GR-003"])
	}
}

func TestErrorsAndWarnings(t *testing.T) {
	diags := []Diagnostic{
		{Code: "GR-001", Severity: SeverityError},
		{Code: "GR-002", Severity: SeverityWarning},
	}
	if len(Errors(diags)) != 1 || len(Warnings(diags)) != 1 {
		t.Errorf("Errors/Warnings = %d/%d", len(Errors(diags)), len(Warnings(diags)))
	}
}
