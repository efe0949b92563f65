// Package version exposes the release version compiled into the
// binary.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(raw)
}
