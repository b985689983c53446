// Package loader reads pipeline definition files (YAML, JSON or HCL) and
// the host configuration file.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a definition file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// DetectFormat picks the decoder for a definition file:
//  1. .yaml/.yml -> YAML, .json -> JSON, .hcl -> HCL
//  2. otherwise content starting with '{' -> JSON
//  3. otherwise YAML
func DetectFormat(data []byte, filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".hcl":
		return FormatHCL
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// yamlToJSON converts YAML bytes to JSON bytes so a single set of json
// tags drives decoding of both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 decodes mappings to map[string]any, which is JSON-compatible.
	return json.Marshal(raw)
}
