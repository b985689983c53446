package registry

import (
	"fmt"
	"strings"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
	"github.com/petal-labs/pipef/runtime"
)

// DefinitionError reports a definition that failed validation.
type DefinitionError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, fmt.Sprintf("[%s] %s", d.Code, d.Message))
	}
	return "invalid pipeline definition: " + strings.Join(msgs, "; ")
}

// Build validates def and assembles an engine running it. Stages are named
// after their node IDs and receive stageOpts.
func (r *Registry) Build(def *graph.Definition, bc BuildContext, opts runtime.Options, stageOpts ...runtime.StageOption) (*runtime.Engine, error) {
	diags := def.ValidateWithTypes(r)
	if graph.HasErrors(diags) {
		return nil, &DefinitionError{Diagnostics: graph.Errors(diags)}
	}
	bc = bc.withDefaults()

	e := runtime.NewEngine(def.ID, opts)
	byID := make(map[string]core.Stage, len(def.Nodes))
	for _, node := range def.Nodes {
		s, err := r.buildNode(bc, node)
		if err != nil {
			return nil, err
		}
		nodeOpts := append(append([]runtime.StageOption{}, stageOpts...), runtime.WithName(node.ID))
		if _, err := e.Add(s, nodeOpts...); err != nil {
			return nil, fmt.Errorf("node %q: %w", node.ID, err)
		}
		byID[node.ID] = s
	}

	for i, edge := range def.Edges {
		if err := connect(byID[edge.Source], edge.SourceHandle, byID[edge.Target], edge.TargetHandle); err != nil {
			return nil, fmt.Errorf("edges[%d] %s -> %s: %w", i, edge.Source, edge.Target, err)
		}
	}
	return e, nil
}

func (r *Registry) buildNode(bc BuildContext, node graph.NodeDef) (core.Stage, error) {
	td, _ := r.Get(node.Type)
	if td.Build == nil {
		return nil, fmt.Errorf("node %q: type %q cannot be built", node.ID, node.Type)
	}
	s, err := td.Build(bc, node)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node.ID, err)
	}
	if node.Key == "" {
		return s, nil
	}
	c, ok := s.(core.Configurable)
	if !ok {
		return nil, fmt.Errorf("node %q: type %q takes no key", node.ID, node.Type)
	}
	if _, err := core.Parameterize(c, node.Key); err != nil {
		return nil, fmt.Errorf("node %q: %w", node.ID, err)
	}
	return s, nil
}

// connect joins two stages by port name; empty names select default ports.
func connect(src core.Stage, outName string, dst core.Stage, inName string) error {
	var (
		out core.OutputPort
		in  core.InputPort
		err error
	)
	if outName == "" {
		out, err = src.Base().DefaultOutput()
	} else {
		out, err = src.Base().Output(outName)
	}
	if err != nil {
		return err
	}
	if inName == "" {
		in, err = dst.Base().DefaultInput()
	} else {
		in, err = dst.Base().Input(inName)
	}
	if err != nil {
		return err
	}
	return core.ConnectPorts(out, in)
}
