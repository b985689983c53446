package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/pipef/graph"
)

// LoadDefinition reads, decodes and validates the definition at path.
// With a nil resolver only structural checks run.
func LoadDefinition(path string, types graph.TypeResolver) (*graph.Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	def, err := ParseDefinition(data, path)
	if err != nil {
		return nil, err
	}
	if diags := Validate(def, types); graph.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return def, nil
}

// ParseDefinition decodes a definition without validating it. The path
// selects the format and names the source in errors.
func ParseDefinition(data []byte, path string) (*graph.Definition, error) {
	var (
		def *graph.Definition
		err error
	)
	switch DetectFormat(data, path) {
	case FormatHCL:
		def, err = parseHCL(data, path)
	case FormatYAML:
		var jsonData []byte
		if jsonData, err = yamlToJSON(data); err == nil {
			def, err = parseJSON(jsonData)
		}
	default:
		def, err = parseJSON(data)
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func parseJSON(data []byte) (*graph.Definition, error) {
	var def graph.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	return &def, nil
}

// Validate returns the diagnostics of def, type-aware when types is set.
func Validate(def *graph.Definition, types graph.TypeResolver) []graph.Diagnostic {
	if types == nil {
		return def.Validate()
	}
	return def.ValidateWithTypes(types)
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
