// Package version holds build metadata injected with -ldflags:
//
//	-X github.com/bdobrica/Kotori/common/version.Version=v1.2.0
//	-X github.com/bdobrica/Kotori/common/version.GitCommit=$(git rev-parse HEAD)
//	-X github.com/bdobrica/Kotori/common/version.BuildTime=$(date -u +%FT%TZ)
package version

import "runtime"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Short returns the version with the abbreviated commit, as shown in chat
// replies and the status report.
func Short() string {
	if GitCommit == "unknown" || GitCommit == "" {
		return Version
	}
	commit := GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return Version + "+" + commit
}

// Runtime describes the Go toolchain and platform of the binary.
func Runtime() string {
	return runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
}
