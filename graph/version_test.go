package graph

import (
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr string
	}{
		{"", ""},
		{"1", ""},
		{"1.2", ""},
		{"1.0.0", ""},
		{" 1.4.2-rc.1+build.7 ", ""},
		{"2.0.0", "unsupported major 2"},
		{"0.9", "unsupported major 0"},
		{"v1", "must be a semantic version"},
		{"1.02", "must be a semantic version"},
		{"1.0.0.0", "must be a semantic version"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%q) error = %v", tt.version, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("ValidateVersion(%q) error = %v, want %q", tt.version, err, tt.wantErr)
		}
	}
}

func TestValidate_Version(t *testing.T) {
	d := &Definition{ID: "v", Version: "3", Nodes: []NodeDef{{ID: "a", Type: "static"}}}
	diags := d.Validate()
	found := false
	for _, diag := range diags {
		if diag.Code == "GR-011" && diag.Path == "version" && diag.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatalf("Validate() = %+v, want GR-011 on version", diags)
	}
}
