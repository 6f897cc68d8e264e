// Package version carries build metadata for the sqlproxy binary.
//
// Values are injected with ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/sqlproxy/version.Version=1.0.0 \
//	    -X github.com/go-i2p/sqlproxy/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "runtime"

// Version is the software version. Development builds report "dev".
var Version = "dev"

// GitCommit is the short commit hash the binary was built from.
var GitCommit = ""

// BuildTime is the UTC build timestamp.
var BuildTime = ""

// Full returns the version with commit and build time appended when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// BuildInfo is the build metadata reported by the admin API.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// Info returns the current build metadata.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}
