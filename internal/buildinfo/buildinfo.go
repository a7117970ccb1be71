// Package buildinfo exposes the release version stamped at build time.
package buildinfo

import "runtime/debug"

// version is overridden at release time via -ldflags.
var version = "" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the stamped version, falling back to the module version
// recorded by the Go toolchain for `go install` builds.
func String() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
