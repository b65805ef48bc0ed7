package main

import (
	"runtime/debug"

	"github.com/marcus/tasksync/cmd"
)

// Version is injected at build time via -ldflags "-X main.Version=...".
var Version = "dev"

// effectiveVersion falls back to the module version from build info, so
// `go install ...@vX.Y.Z` binaries report something useful without ldflags.
func effectiveVersion(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return v
}

func main() {
	cmd.SetVersion(effectiveVersion(Version))
	cmd.Execute()
}
