package version

import (
	"runtime/debug"
	"strings"
)

// These values are injected at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the structured form of the build metadata.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the build metadata. A binary built without ldflags reports the
// module version recorded by the Go toolchain when there is one.
func Get() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" || info.Version == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	return info
}

// String returns compact human-readable version info.
func String() string {
	info := Get()
	parts := []string{}
	if info.Version != "" {
		parts = append(parts, info.Version)
	}
	if info.Commit != "" {
		parts = append(parts, "commit="+info.Commit)
	}
	if info.Date != "" {
		parts = append(parts, "date="+info.Date)
	}
	return strings.Join(parts, " ")
}
