package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
)

// These variables are populated by the build process
var (
	// Version is the version of the build
	Version = "dev"
	// BuildTime is the time when the build was created
	BuildTime = "unknown"
)

// GetVersionInfo returns a formatted string with version information
func GetVersionInfo() string {
	return fmt.Sprintf("stepwatch v%s (built: %s, %s/%s, %s)",
		GetVersion(),
		BuildTime,
		runtime.GOOS,
		runtime.GOARCH,
		backend(),
	)
}

// GetVersion returns just the version number. Builds installed with go
// install report their module version.
func GetVersion() string {
	if Version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return Version
}

// GetBuildTime returns the build timestamp
func GetBuildTime() string {
	return BuildTime
}

// backend names the optional CPU backend compiled in.
func backend() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "-tags" && containsTag(s.Value, "unicorn") {
				return "unicorn"
			}
		}
	}
	return "no emulator"
}

func containsTag(tags, tag string) bool {
	return slices.Contains(strings.Split(tags, ","), tag)
}
