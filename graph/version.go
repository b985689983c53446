package graph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SupportedVersionMajor is the definition format major version this
// release reads.
const SupportedVersionMajor = 1

// CurrentVersion is written by tools that emit definitions.
const CurrentVersion = "1.0.0"

// versionPattern accepts SemVer 2.0.0 and the shortened "1" and "1.2" forms.
var versionPattern = regexp.MustCompile(
	`^(0|[1-9][0-9]*)(?:\.(0|[1-9][0-9]*)(?:\.(0|[1-9][0-9]*))?)?` +
		`(?:-((?:0|[1-9][0-9]*|[0-9A-Za-z-]*[A-Za-z-][0-9A-Za-z-]*)` +
		`(?:\.(?:0|[1-9][0-9]*|[0-9A-Za-z-]*[A-Za-z-][0-9A-Za-z-]*))*))?` +
		`(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`,
)

// ValidateVersion checks a definition version. An empty version is
// accepted and means the current format.
func ValidateVersion(version string) error {
	v := strings.TrimSpace(version)
	if v == "" {
		return nil
	}

	match := versionPattern.FindStringSubmatch(v)
	if match == nil {
		return fmt.Errorf("version %q must be a semantic version (MAJOR[.MINOR[.PATCH]])", version)
	}

	major, err := strconv.Atoi(match[1])
	if err != nil {
		return fmt.Errorf("parsing version major: %w", err)
	}
	if major != SupportedVersionMajor {
		return fmt.Errorf("version %q has unsupported major %d (supported: %d.x.x)", version, major, SupportedVersionMajor)
	}
	return nil
}
