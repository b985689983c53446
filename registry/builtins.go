package registry

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
	"github.com/petal-labs/pipef/stages"
)

// DefaultMergeInputs is the input count of a merge node without an
// "inputs" config value.
const DefaultMergeInputs = 2

var (
	lineIn  = []PortDef{{Name: "in", Type: PortType, Required: true}}
	lineOut = []PortDef{{Name: "out", Type: PortType}}
)

// registerBuiltins registers the built-in line-oriented stage types.
func registerBuiltins(r *Registry) {
	r.Register(TypeDef{
		Type:        "lines",
		Category:    "source",
		DisplayName: "Lines",
		Description: "Read lines from config.path, or from standard input when unset or \"-\"",
		Ports:       PortSchema{Outputs: lineOut},
		Build: func(bc BuildContext, node graph.NodeDef) (core.Stage, error) {
			path, err := configString(node, "path", "")
			if err != nil {
				return nil, err
			}
			if path == "" || path == "-" {
				// Hide Close so finalizing never closes the process stdin.
				stdin := struct{ io.Reader }{bc.Stdin}
				return stages.NewLineSource(func() (io.Reader, error) { return stdin, nil }), nil
			}
			return stages.NewLineSource(func() (io.Reader, error) { return bc.Open(path) }), nil
		},
	})

	r.Register(TypeDef{
		Type:        "static",
		Category:    "source",
		DisplayName: "Static",
		Description: "Emit the strings in config.values, then end",
		Ports:       PortSchema{Outputs: lineOut},
		Build: func(_ BuildContext, node graph.NodeDef) (core.Stage, error) {
			values, err := configStrings(node, "values")
			if err != nil {
				return nil, err
			}
			return stages.FromSlice(values...), nil
		},
	})

	r.Register(TypeDef{
		Type:        "filter",
		Category:    "control",
		DisplayName: "Filter",
		Description: "Forward lines equal to the key; \"*\" forwards everything",
		Ports:       PortSchema{Inputs: lineIn, Outputs: lineOut},
		Keyed:       true,
		Build: func(BuildContext, graph.NodeDef) (core.Stage, error) {
			return stages.NewStringFilter(), nil
		},
	})

	for _, t := range []struct {
		typ, name, desc string
		fn              func(string) string
	}{
		{"upper", "Upper Case", "Convert lines to upper case", strings.ToUpper},
		{"lower", "Lower Case", "Convert lines to lower case", strings.ToLower},
		{"trim", "Trim", "Strip leading and trailing white space", strings.TrimSpace},
	} {
		fn := t.fn
		r.Register(TypeDef{
			Type:        t.typ,
			Category:    "transform",
			DisplayName: t.name,
			Description: t.desc,
			Ports:       PortSchema{Inputs: lineIn, Outputs: lineOut},
			Build: func(BuildContext, graph.NodeDef) (core.Stage, error) {
				return stages.NewTransformer(fn), nil
			},
		})
	}

	r.Register(TypeDef{
		Type:        "prefix",
		Category:    "transform",
		DisplayName: "Prefix",
		Description: "Prepend config.prefix to every line",
		Ports:       PortSchema{Inputs: lineIn, Outputs: lineOut},
		Build: func(_ BuildContext, node graph.NodeDef) (core.Stage, error) {
			prefix, err := configString(node, "prefix", "")
			if err != nil {
				return nil, err
			}
			return stages.NewTransformer(func(s string) string { return prefix + s }), nil
		},
	})

	r.Register(TypeDef{
		Type:        "counter",
		Category:    "control",
		DisplayName: "Counter",
		Description: "Forward lines unchanged and count them",
		Ports:       PortSchema{Inputs: lineIn, Outputs: lineOut},
		Build: func(BuildContext, graph.NodeDef) (core.Stage, error) {
			return stages.NewCounter[string](), nil
		},
	})

	r.Register(TypeDef{
		Type:        "merge",
		Category:    "control",
		DisplayName: "Merge",
		Description: "Join config.inputs upstreams (default 2) in delivery order",
		Ports:       mergePorts(DefaultMergeInputs),
		PortsFor: func(node graph.NodeDef) PortSchema {
			n, err := configInt(node, "inputs", DefaultMergeInputs)
			if err != nil || n < 2 {
				n = DefaultMergeInputs
			}
			return mergePorts(n)
		},
		Build: func(_ BuildContext, node graph.NodeDef) (core.Stage, error) {
			n, err := configInt(node, "inputs", DefaultMergeInputs)
			if err != nil {
				return nil, err
			}
			if n < 2 {
				return nil, fmt.Errorf("merge needs at least 2 inputs, got %d", n)
			}
			return stages.NewMerge[string](n), nil
		},
	})

	r.Register(TypeDef{
		Type:        "writer",
		Category:    "sink",
		DisplayName: "Writer",
		Description: "Write lines to the target named by the key (default stdout)",
		Ports:       PortSchema{Inputs: lineIn},
		Keyed:       true,
		Build: func(bc BuildContext, _ graph.NodeDef) (core.Stage, error) {
			return stages.NewWriterSink[string](bc.Targets, "stdout"), nil
		},
	})

	r.Register(TypeDef{
		Type:        "discard",
		Category:    "sink",
		DisplayName: "Discard",
		Description: "Consume and drop lines",
		Ports:       PortSchema{Inputs: lineIn},
		Build: func(BuildContext, graph.NodeDef) (core.Stage, error) {
			return stages.NewSink(func(context.Context, string) error { return nil }), nil
		},
	})
}

func mergePorts(n int) PortSchema {
	ins := make([]PortDef, n)
	for i := range ins {
		ins[i] = PortDef{Name: fmt.Sprintf("in%d", i), Type: PortType}
	}
	return PortSchema{Inputs: ins, Outputs: lineOut}
}

// configString reads a string config value.
func configString(node graph.NodeDef, key, def string) (string, error) {
	v, ok := node.Config[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config.%s: want string, got %T", key, v)
	}
	return s, nil
}

// configInt reads an integer config value. Decoders disagree on number
// types, so int, int64, float64 and numeric strings are accepted.
func configInt(node graph.NodeDef, key string, def int) (int, error) {
	v, ok := node.Config[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("config.%s: %v is not an integer", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("config.%s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("config.%s: want integer, got %T", key, v)
	}
}

// configStrings reads a list config value, formatting scalar elements.
func configStrings(node graph.NodeDef, key string) ([]string, error) {
	v, ok := node.Config[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config.%s: want list, got %T", key, v)
	}
}
