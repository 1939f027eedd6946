// Package buildinfo reports the binary's own provenance — distinct from
// the per-instance content-version tracking in the kgsm package's
// VersionTracker. Retained verbatim in shape from the teacher's version
// package: ldflags-injected git metadata plus runtime/debug.ReadBuildInfo.
package buildinfo

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is everything kgsm-instance --version prints and kgsmd's /version
// endpoint returns.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the current binary's version information.
func Get() Info {
	bi, ok := debug.ReadBuildInfo()
	info := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		info.BuildInfo = bi
	}
	return info
}

// Equal reports whether two Infos describe the same build, comparing the
// Go module graph when both carry one, and always the git/build fields.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	return v.BuildTime == other.BuildTime &&
		v.GitBranch == other.GitBranch &&
		v.GitCommit == other.GitCommit &&
		v.GitRepo == other.GitRepo
}
