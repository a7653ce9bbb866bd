// Package version carries the ragfaq build stamp, populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/ragfaq/internal/version.Version=v0.3.0 \
//	                    -X github.com/54b3r/ragfaq/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/ragfaq/internal/version.BuildDate=2026-01-01" ./cmd/ragfaq
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date.
var BuildDate = "unknown"

// String renders the stamp on one line, e.g. "v0.3.0 (abc1234, 2026-01-01)".
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildDate)
}

// Release is the identifier attached to traces and the build info metric.
func Release() string {
	if Commit == "unknown" {
		return Version
	}
	return Version + "+" + Commit
}
