package common

var (
	// overridden by ldflags on release builds
	Version = "flint v0.1"
)
