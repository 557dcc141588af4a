// Package version reports build information injected with -ldflags
package version

import (
	"fmt"
	"runtime"
)

// Overridden at build time, e.g. -ldflags "-X github.com/supporttools/GoDRGuard/pkg/version.Version=1.2.0"
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info describes the running binary
type Info struct {
	Version   string
	GitCommit string
	BuildTime string
	GoVersion string
}

// Get returns the build information of the running binary
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

func (v Info) String() string {
	return fmt.Sprintf("Version: %s\nGitCommit: %s\nBuildTime: %s\nGo: %s",
		v.Version, v.GitCommit, v.BuildTime, v.GoVersion)
}
