package version

import "runtime/debug"

// version is set by ldflags in release builds
var version = ""

// Version returns the version supplied at link time, falling back to the module version recorded by the Go
// toolchain, or "dev" if neither is available.
func Version() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
