// Package buildinfo holds the version metadata stamped into the binary.
package buildinfo

// Overridden with -ldflags at release time; the zero values identify a local
// development build.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
