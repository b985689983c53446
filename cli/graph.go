package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
	"github.com/petal-labs/pipef/loader"
	"github.com/petal-labs/pipef/registry"
	"github.com/petal-labs/pipef/runtime"
)

// NewGraphCmd creates the "graph" subcommand.
func NewGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <file>",
		Short: "Print the scheduling order and edges of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraph,
	}

	cmd.Flags().Bool("json", false, "Print JSON instead of text")

	return cmd
}

// graphView is the printed form of a built pipeline.
type graphView struct {
	ID       string     `json:"id"`
	Order    []string   `json:"order"`
	Edges    []edgeView `json:"edges"`
	Diameter int        `json:"diameter"`
}

type edgeView struct {
	From     string `json:"from"`
	FromPort string `json:"from_port"`
	To       string `json:"to"`
	ToPort   string `json:"to_port"`
}

func runGraph(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	def, err := loadDefinitionForRun(cmd, args[0])
	if err != nil {
		return err
	}

	e, err := dryBuild(def)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	view, err := viewOf(e)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(out, "order: %s\n", strings.Join(view.Order, " -> "))
	fmt.Fprintf(out, "diameter: %d\n", view.Diameter)
	for _, edge := range view.Edges {
		fmt.Fprintf(out, "  %s.%s -> %s.%s\n", edge.From, edge.FromPort, edge.To, edge.ToPort)
	}
	return nil
}

// dryBuild assembles an engine for def that is never run. Its targets
// and stdin are inert.
func dryBuild(def *graph.Definition) (*runtime.Engine, error) {
	bc := registry.BuildContext{
		Stdin:   strings.NewReader(""),
		Targets: map[string]io.Writer{"stdout": io.Discard, "stderr": io.Discard},
	}
	opts := runtime.DefaultOptions()
	opts.Logger = newLogger(io.Discard, loader.LogConfig{})
	return registry.Global().Build(def, bc, opts)
}

func viewOf(e *runtime.Engine) (graphView, error) {
	order, err := e.Order()
	if err != nil {
		return graphView{}, err
	}
	topo := e.Topology()
	diameter, err := topo.Diameter()
	if err != nil {
		return graphView{}, err
	}

	view := graphView{ID: e.Name(), Diameter: diameter, Edges: []edgeView{}}
	for _, s := range order {
		view.Order = append(view.Order, s.Base().Name())
	}
	name := func(id core.StageID) string {
		if s, ok := topo.Stage(id); ok {
			return s.Base().Name()
		}
		return id.String()
	}
	for _, edge := range topo.Edges() {
		view.Edges = append(view.Edges, edgeView{
			From:     name(edge.From),
			FromPort: edge.FromPort,
			To:       name(edge.To),
			ToPort:   edge.ToPort,
		})
	}
	return view, nil
}
