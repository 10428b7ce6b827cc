// Package version reports what build of warden is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/smazurov/warden/internal/version.Version=...".
// Commit and date fall back to the VCS stamp the go tool embeds.
var (
	Version   = "dev"
	GitCommit = ""
	BuildDate = ""
)

// Info contains version and build metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

type vcsStamp struct {
	revision string
	time     string
	modified bool
}

var vcs = sync.OnceValue(func() (stamp vcsStamp) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return stamp
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			stamp.revision = s.Value
		case "vcs.time":
			stamp.time = s.Value
		case "vcs.modified":
			stamp.modified = s.Value == "true"
		}
	}
	return stamp
})

// Get returns version and build information.
func Get() Info {
	stamp := vcs()
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		Modified:  stamp.modified,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.GitCommit == "" {
		info.GitCommit = short(stamp.revision)
	}
	if info.BuildDate == "" {
		info.BuildDate = stamp.time
	}
	return info
}

// String returns the application version string.
func String() string {
	return Version
}

// Full returns the version with build metadata, as printed by --version.
func Full() string {
	info := Get()
	commit := orUnknown(info.GitCommit)
	if info.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (commit %s, built %s, %s %s)",
		info.Version, commit, orUnknown(info.BuildDate), info.GoVersion, info.Platform)
}

func short(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
