package graph

import (
	"fmt"
	"strings"

	"github.com/petal-labs/pipef/core"
)

// Diagnostic represents a validation error or warning produced by
// definition validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // path to offending field
	Line     int    `json:"line,omitempty"` // source line number (0 if unavailable)
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Definition is the serializable form of a pipeline: stages by type and
// the port connections between them.
type Definition struct {
	ID       string            `json:"id" yaml:"id"`
	Version  string            `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Nodes    []NodeDef         `json:"nodes" yaml:"nodes"`
	Edges    []EdgeDef         `json:"edges" yaml:"edges"`
}

// NodeDef is a serializable stage within a Definition.
type NodeDef struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Key    string         `json:"key,omitempty" yaml:"key,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// EdgeDef is a serializable connection within a Definition. Empty handles
// select the default port.
type EdgeDef struct {
	Source       string `json:"source" yaml:"source"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	Target       string `json:"target" yaml:"target"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// PortInfo describes one port of a stage type.
type PortInfo struct {
	Name string
	Type string
}

// TypeResolver describes stage types for registry-aware validation.
type TypeResolver interface {
	// Ports returns the input and output ports of a stage type.
	Ports(typ string, node NodeDef) (inputs, outputs []PortInfo, ok bool)
}

// Validate checks structural integrity of the Definition:
//   - GR-001: edge source/target reference existing nodes
//   - GR-002: orphan nodes (warning)
//   - GR-004: cycle detection
//   - GR-005: duplicate node IDs
//   - GR-009: an input port fed by more than one edge
//   - GR-011: unreadable definition version
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	if err := ValidateVersion(d.Version); err != nil {
		diags = append(diags, Diagnostic{
			Code:     "GR-011",
			Severity: SeverityError,
			Message:  err.Error(),
			Path:     "version",
		})
	}

	nodeIDs := make(map[string]bool, len(d.Nodes))

	// GR-005: duplicate node IDs
	for i, node := range d.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true
	}

	// GR-001: edge source/target must reference existing nodes
	for i, edge := range d.Edges {
		if !nodeIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
	}

	// GR-002: orphan nodes
	if len(d.Nodes) > 1 {
		linked := make(map[string]bool)
		for _, edge := range d.Edges {
			linked[edge.Source] = true
			linked[edge.Target] = true
		}
		for i, node := range d.Nodes {
			if !linked[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     "GR-002",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q has no inbound or outbound edges", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	// GR-009: many-to-one needs a merge stage
	fed := make(map[string]int)
	for i, edge := range d.Edges {
		port := edge.Target + "." + edge.TargetHandle
		if first, ok := fed[port]; ok && edge.TargetHandle != "" {
			diags = append(diags, Diagnostic{
				Code:     "GR-009",
				Severity: SeverityError,
				Message: fmt.Sprintf("Input %q of node %q is already fed by edges[%d]; insert a merge stage",
					edge.TargetHandle, edge.Target, first),
				Path: fmt.Sprintf("edges[%d].targetHandle", i),
			})
			continue
		}
		fed[port] = i
	}

	if !hasEdgeRefErrors(diags) {
		if cycle := d.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code:     "GR-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Graph contains a cycle: %s", cycle),
			})
		}
	}

	return diags
}

// ValidateWithTypes runs structural validation plus type-aware checks:
//   - GR-003: node type must be known
//   - GR-006: edge handles must name declared ports
//   - GR-010: connected ports must carry the same element type
func (d *Definition) ValidateWithTypes(types TypeResolver) []Diagnostic {
	diags := d.Validate()
	if types == nil {
		return diags
	}

	type ports struct{ in, out []PortInfo }
	known := make(map[string]ports, len(d.Nodes))
	for i, node := range d.Nodes {
		in, out, ok := types.Ports(node.Type, node)
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "GR-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q references unknown type %q", node.ID, node.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
			continue
		}
		known[node.ID] = ports{in: in, out: out}
	}

	for i, edge := range d.Edges {
		src, okSrc := known[edge.Source]
		dst, okDst := known[edge.Target]
		if !okSrc || !okDst {
			continue
		}
		out, ok := findPort(src.out, edge.SourceHandle)
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "GR-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge sourceHandle %q is not an output port on node %q", edge.SourceHandle, edge.Source),
				Path:     fmt.Sprintf("edges[%d].sourceHandle", i),
			})
			continue
		}
		in, ok := findPort(dst.in, edge.TargetHandle)
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "GR-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge targetHandle %q is not an input port on node %q", edge.TargetHandle, edge.Target),
				Path:     fmt.Sprintf("edges[%d].targetHandle", i),
			})
			continue
		}
		if in.Type != out.Type {
			diags = append(diags, Diagnostic{
				Code:     "GR-010",
				Severity: SeverityError,
				Message: fmt.Sprintf("Edge %s.%s (%s) -> %s.%s (%s) connects different element types",
					edge.Source, out.Name, out.Type, edge.Target, in.Name, in.Type),
				Path: fmt.Sprintf("edges[%d]", i),
			})
		}
	}

	return diags
}

// findPort resolves a handle; the empty handle selects the first port.
func findPort(ports []PortInfo, handle string) (PortInfo, bool) {
	if len(ports) == 0 {
		return PortInfo{}, false
	}
	if handle == "" {
		return ports[0], true
	}
	for _, p := range ports {
		if p.Name == handle {
			return p, true
		}
	}
	return PortInfo{}, false
}

// hasEdgeRefErrors returns true if diagnostics contain GR-001 errors.
func hasEdgeRefErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Code == "GR-001" {
			return true
		}
	}
	return false
}

// detectCycle uses Kahn's algorithm to find cycles. Returns a description
// of the cycle if found, or empty string if the graph is acyclic.
func (d *Definition) detectCycle() string {
	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	for _, node := range d.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range d.Edges {
		successors[edge.Source] = append(successors[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	queue := make([]string, 0)
	for _, node := range d.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(d.Nodes) {
		var cycleNodes []string
		for _, node := range d.Nodes {
			if inDegree[node.ID] > 0 {
				cycleNodes = append(cycleNodes, node.ID)
			}
		}
		return "nodes involved: " + strings.Join(cycleNodes, ", ")
	}
	return ""
}

// DefinitionOf snapshots a live topology. Node IDs are stage names when
// they are unique and stage IDs otherwise.
func DefinitionOf(t *Topology) Definition {
	names := make(map[string]int)
	for _, s := range t.stages {
		names[s.Base().Name()]++
	}
	nodeID := func(b *core.BaseStage) string {
		if names[b.Name()] == 1 {
			return b.Name()
		}
		return b.ID().String()
	}

	def := Definition{ID: t.name}
	for _, s := range t.stages {
		b := s.Base()
		nd := NodeDef{ID: nodeID(b), Type: b.Kind().String()}
		if key, ok := b.Key(); ok {
			nd.Key = key
		}
		def.Nodes = append(def.Nodes, nd)
		for _, out := range b.Outputs() {
			for _, in := range out.Downstream() {
				def.Edges = append(def.Edges, EdgeDef{
					Source:       nodeID(b),
					SourceHandle: out.Name(),
					Target:       nodeID(in.Stage()),
					TargetHandle: in.Name(),
				})
			}
		}
	}
	return def
}
