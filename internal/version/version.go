// Package version carries build metadata, set with -ldflags "-X".
package version

var (
	Value     = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
