// Package versions reports the build identity of the launcher. Version,
// Commit and BuildDate are set through -ldflags by the image build; a binary
// built with plain `go build` falls back to the VCS stamp of the module.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

const unknownStr = "unknown"

var (
	// Version of the launcher.
	Version = "dev"
	// Commit is the git revision the launcher was built from.
	Commit = unknownStr
	// BuildDate is an RFC 3339 timestamp.
	BuildDate = unknownStr
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// VersionInfo is the build identity printed by the version command.
type VersionInfo struct {
	Version   string          `json:"version"`
	Commit    string          `json:"commit"`
	BuildDate string          `json:"build_date"`
	GoVersion string          `json:"go_version"`
	Platform  string          `json:"platform"`
	Variant   variant.Variant `json:"variant"`
}

// GetVersionInfo returns the build identity of the running binary.
func GetVersionInfo() VersionInfo {
	commit, buildDate := Commit, BuildDate
	if commit == unknownStr {
		commit, buildDate = vcsStamp(buildDate)
	}

	ver := Version
	if ver == "dev" {
		ver = "build-" + shortCommit(commit)
	}
	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	return VersionInfo{
		Version:   ver,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Variant:   variant.Current(),
	}
}

func vcsStamp(buildDate string) (string, string) {
	commit := unknownStr
	info, ok := readBuildInfo()
	if !ok {
		return commit, buildDate
	}
	modified := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.time":
			if buildDate == unknownStr {
				buildDate = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified && commit != unknownStr {
		commit += "-dirty"
	}
	return commit, buildDate
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
