// Package registry maps stage type names to their port schemas and
// constructors. It is used to validate pipeline definitions and to turn
// them into runnable engines.
package registry

import (
	"io"
	"os"
	"sync"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
)

// PortType is the element type name used by every built-in port.
const PortType = "string"

// BuildContext carries process resources to stage constructors.
type BuildContext struct {
	// Stdin is read by line sources without a path (default: os.Stdin).
	Stdin io.Reader

	// Targets are the writer sink destinations (default: stdout, stderr).
	Targets map[string]io.Writer

	// Open opens files for line sources (default: os.Open).
	Open func(path string) (io.Reader, error)
}

func (bc BuildContext) withDefaults() BuildContext {
	if bc.Stdin == nil {
		bc.Stdin = os.Stdin
	}
	if bc.Targets == nil {
		bc.Targets = map[string]io.Writer{"stdout": os.Stdout, "stderr": os.Stderr}
	}
	if bc.Open == nil {
		bc.Open = func(path string) (io.Reader, error) { return os.Open(path) }
	}
	return bc
}

// BuildFunc constructs the stage for one definition node.
type BuildFunc func(bc BuildContext, node graph.NodeDef) (core.Stage, error)

// TypeDef describes a registered stage type.
type TypeDef struct {
	Type        string     `json:"type"`
	Category    string     `json:"category"` // "source", "transform", "control", "sink"
	DisplayName string     `json:"display_name"`
	Description string     `json:"description"`
	Ports       PortSchema `json:"ports"`
	Keyed       bool       `json:"keyed"` // accepts a parameter key

	// PortsFor overrides Ports for types whose ports depend on node config.
	PortsFor func(node graph.NodeDef) PortSchema `json:"-"`

	Build BuildFunc `json:"-"`
}

// PortsOf returns the ports of node under this type.
func (d TypeDef) PortsOf(node graph.NodeDef) PortSchema {
	if d.PortsFor != nil {
		return d.PortsFor(node)
	}
	return d.Ports
}

// PortSchema defines the input and output ports for a stage type.
type PortSchema struct {
	Inputs  []PortDef `json:"inputs"`
	Outputs []PortDef `json:"outputs"`
}

// PortDef describes a single port on a stage type.
type PortDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry holding the built-in types.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Registry holds stage types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDef
	order []string // registration order
}

// New returns a registry with the built-in types registered.
func New() *Registry {
	r := newRegistry()
	registerBuiltins(r)
	return r
}

func newRegistry() *Registry {
	return &Registry{
		types: make(map[string]TypeDef),
	}
}

// Register adds a type definition, replacing any previous one of the same
// name.
func (r *Registry) Register(def TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns a type definition by name.
func (r *Registry) Get(typeName string) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// Has reports whether the type name is registered.
func (r *Registry) Has(typeName string) bool {
	_, ok := r.Get(typeName)
	return ok
}

// All returns all types in registration order.
func (r *Registry) All() []TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]TypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Ports implements graph.TypeResolver.
func (r *Registry) Ports(typ string, node graph.NodeDef) (inputs, outputs []graph.PortInfo, ok bool) {
	def, ok := r.Get(typ)
	if !ok {
		return nil, nil, false
	}
	schema := def.PortsOf(node)
	for _, p := range schema.Inputs {
		inputs = append(inputs, graph.PortInfo{Name: p.Name, Type: p.Type})
	}
	for _, p := range schema.Outputs {
		outputs = append(outputs, graph.PortInfo{Name: p.Name, Type: p.Type})
	}
	return inputs, outputs, true
}

var _ graph.TypeResolver = (*Registry)(nil)
