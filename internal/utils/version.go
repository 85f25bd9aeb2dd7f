package utils

import (
	"regexp"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X example.com/backstage/services/ingest/internal/utils.Version=v1.4.0".
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

var semverPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9\-\.]+)?(\+[a-zA-Z0-9\-\.]+)?$`)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Release   bool   `json:"release"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// Build returns the build metadata, falling back to the VCS stamp embedded
// by the Go toolchain when no commit was injected.
func Build() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Release:   semverPattern.MatchString(Version),
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if info.Commit != "" && info.BuildTime != "" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	return info
}
