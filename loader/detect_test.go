package loader

import "testing"

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
		want Format
	}{
		{"yaml extension", "p.yaml", "{}", FormatYAML},
		{"yml extension", "P.YML", "", FormatYAML},
		{"json extension", "p.json", "nodes: []", FormatJSON},
		{"hcl extension", "p.hcl", "", FormatHCL},
		{"brace content", "pipeline", "  {\"nodes\": []}", FormatJSON},
		{"other content", "-", "nodes: []", FormatYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat([]byte(tt.data), tt.path); got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestYAMLToJSON(t *testing.T) {
	got, err := yamlToJSON([]byte("a: 1\nb: [x, y]\n"))
	if err != nil {
		t.Fatalf("yamlToJSON() error = %v", err)
	}
	if string(got) != `{"a":1,"b":["x","y"]}` {
		t.Errorf("yamlToJSON() = %s", got)
	}
	if _, err := yamlToJSON([]byte("a: [")); err == nil {
		t.Error("yamlToJSON() error = nil for malformed input")
	}
}
