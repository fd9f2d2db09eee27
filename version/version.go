// Package version reports build metadata. Release builds stamp it via ldflags:
//
//	-X github.com/teranos/segpulse/version.Version=v0.3.0
//	-X github.com/teranos/segpulse/version.CommitHash=$(git rev-parse HEAD)
//
// `go install` builds carry no ldflags; Get falls back to the module version
// and VCS stamp the toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

const unset = "dev"

var (
	CommitHash = unset
	BuildTime  = "unknown"
	Version    = unset
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	Modified   bool   `json:"modified,omitempty"` // built from a dirty tree
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	info := Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = info.withBuildInfo(bi)
	}
	return info
}

// withBuildInfo fills whatever ldflags left unset from the embedded build info
func (i Info) withBuildInfo(bi *debug.BuildInfo) Info {
	if i.Version == unset && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == unset {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
	return i
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("segpulse %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit, suffixed when the tree was dirty
func (i Info) Short() string {
	short := i.CommitHash
	if len(short) >= 7 {
		short = short[:7]
	}
	if i.Modified {
		short += "+dirty"
	}
	return short
}

// UserAgent identifies outbound requests to the segments API and webhooks
func (i Info) UserAgent() string {
	return fmt.Sprintf("segpulse/%s (%s)", i.Version, i.Short())
}
