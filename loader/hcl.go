package loader

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/petal-labs/pipef/graph"
	"github.com/zclconf/go-cty/cty"
)

// hclFile is the decoding schema of an HCL definition:
//
//	id = "shout"
//
//	stage "in" {
//	  type   = "static"
//	  config = { values = ["a", "b"] }
//	}
//
//	stage "out" {
//	  type = "writer"
//	  key  = "stderr"
//	}
//
//	edge {
//	  source = "in"
//	  target = "out"
//	}
type hclFile struct {
	ID       string            `hcl:"id,optional"`
	Version  string            `hcl:"version,optional"`
	Metadata map[string]string `hcl:"metadata,optional"`
	Stages   []*hclStage       `hcl:"stage,block"`
	Edges    []*hclEdge        `hcl:"edge,block"`
}

type hclStage struct {
	ID     string    `hcl:"id,label"`
	Type   string    `hcl:"type"`
	Key    string    `hcl:"key,optional"`
	Config cty.Value `hcl:"config,optional"`
}

type hclEdge struct {
	Source       string `hcl:"source"`
	SourceHandle string `hcl:"source_handle,optional"`
	Target       string `hcl:"target"`
	TargetHandle string `hcl:"target_handle,optional"`
}

func parseHCL(data []byte, path string) (*graph.Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	def := &graph.Definition{
		ID:       parsed.ID,
		Version:  parsed.Version,
		Metadata: parsed.Metadata,
	}
	for _, s := range parsed.Stages {
		node := graph.NodeDef{ID: s.ID, Type: s.Type, Key: s.Key}
		cfg, err := ctyToGo(s.Config)
		if err != nil {
			return nil, fmt.Errorf("stage %q config: %w", s.ID, err)
		}
		if cfg != nil {
			m, ok := cfg.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("stage %q config: want object, got %s", s.ID, s.Config.Type().FriendlyName())
			}
			node.Config = m
		}
		def.Nodes = append(def.Nodes, node)
	}
	for _, e := range parsed.Edges {
		def.Edges = append(def.Edges, graph.EdgeDef{
			Source:       e.Source,
			SourceHandle: e.SourceHandle,
			Target:       e.Target,
			TargetHandle: e.TargetHandle,
		})
	}
	return def, nil
}

// ctyToGo converts a config value to the shapes produced by the JSON
// decoder, except that integral numbers become int.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return int(i), nil
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		var out []any
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			item, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case t.IsMapType() || t.IsObjectType():
		out := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			item, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
	}
}
