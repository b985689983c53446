package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/pipef/graph"
	"github.com/petal-labs/pipef/loader"
	"github.com/petal-labs/pipef/registry"
)

// Diagnostic codes produced by the CLI itself.
const (
	codeParse = "GR-000"
	codeBuild = "GR-012"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a pipeline definition and dry-build it without running",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

// report is the outcome of validating one file.
type report struct {
	File        string             `json:"file"`
	Valid       bool               `json:"valid"`
	Stages      int                `json:"stages"`
	Edges       int                `json:"edges"`
	Diagnostics []graph.Diagnostic `json:"diagnostics"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")

	rep, err := validateFile(args[0])
	if err != nil {
		return err
	}
	if strict && len(graph.Warnings(rep.Diagnostics)) > 0 {
		rep.Valid = false
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		printDiagnosticsText(out, rep.Diagnostics)
	}

	if !rep.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateFile parses path, runs the graph checks and, when those pass,
// builds the engine so stage configuration errors surface too.
func validateFile(path string) (report, error) {
	rep := report{File: path, Diagnostics: []graph.Diagnostic{}}

	data, err := os.ReadFile(path) // #nosec G304 -- path from user CLI arg
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return rep, fmt.Errorf("reading file: %w", err)
	}

	def, err := loader.ParseDefinition(data, path)
	if err != nil {
		rep.Diagnostics = append(rep.Diagnostics, graph.Diagnostic{
			Code:     codeParse,
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("Failed to parse file: %v", err),
		})
		return rep, nil
	}
	rep.Stages, rep.Edges = len(def.Nodes), len(def.Edges)
	rep.Diagnostics = append(rep.Diagnostics, loader.Validate(def, registry.Global())...)

	if !graph.HasErrors(rep.Diagnostics) {
		if _, err := dryBuild(def); err != nil {
			rep.Diagnostics = append(rep.Diagnostics, graph.Diagnostic{
				Code:     codeBuild,
				Severity: graph.SeverityError,
				Message:  err.Error(),
			})
		}
	}
	rep.Valid = !graph.HasErrors(rep.Diagnostics)
	return rep, nil
}

// printDiagnosticsText writes one line per diagnostic and a summary. The
// run command uses it for definitions it refuses to execute.
func printDiagnosticsText(w io.Writer, diags []graph.Diagnostic) {
	for _, d := range diags {
		line := fmt.Sprintf("%s [%s]: %s", strings.ToUpper(d.Severity), d.Code, d.Message)
		if d.Path != "" {
			line += " (at " + d.Path + ")"
		}
		fmt.Fprintln(w, line)
	}

	nerr, nwarn := len(graph.Errors(diags)), len(graph.Warnings(diags))
	switch {
	case nerr == 0 && nwarn == 0:
		fmt.Fprintln(w, "Valid!")
	case nerr == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", nwarn, pluralize("warning", nwarn))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n", nerr, pluralize("error", nerr), nwarn, pluralize("warning", nwarn))
	}
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
