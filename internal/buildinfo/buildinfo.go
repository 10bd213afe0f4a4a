// Package buildinfo reports what binary is running. Release builds stamp
// the variables below with -ldflags; other builds fall back to the VCS
// metadata the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/supportdesk/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	GitBranch = ""
	BuildTime = ""
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	Branch    string `json:"git_branch,omitempty"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

type vcsStamp struct {
	revision, time string
	modified       bool
}

var vcs = sync.OnceValue(func() (v vcsStamp) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
})

// Get returns build metadata.
func Get() Info {
	i := Info{
		Version:   Version,
		Commit:    GitCommit,
		Branch:    GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	v := vcs()
	if i.Commit == "" {
		i.Commit = v.revision
		i.Modified = v.modified
	}
	if i.BuildTime == "" {
		i.BuildTime = v.time
	}
	if len(i.Commit) > 12 {
		i.Commit = i.Commit[:12]
	}
	if i.Commit == "" {
		i.Commit = "unknown"
	}
	if i.BuildTime == "" {
		i.BuildTime = "unknown"
	}
	return i
}

// Runtime returns build metadata plus process uptime.
func Runtime() Info {
	i := Get()
	i.Uptime = time.Since(started).Truncate(time.Second).String()
	return i
}

// String is a one-line summary for logs and the version command.
func (i Info) String() string {
	rev := i.Commit
	if i.Branch != "" {
		rev += "@" + i.Branch
	}
	if i.Modified {
		rev += "+dirty"
	}
	return fmt.Sprintf("Supportdesk %s (%s) built %s with %s", i.Version, rev, i.BuildTime, i.GoVersion)
}

// UserAgent is sent on outbound provider requests.
func UserAgent() string {
	return fmt.Sprintf("supportdesk/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
