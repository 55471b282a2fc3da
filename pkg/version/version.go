package version

import (
	"fmt"
	"runtime"
)

// Version information - using semantic versioning
const (
	Major      = 1
	Minor      = 0
	Patch      = 0
	PreRelease = "" // e.g., "alpha", "beta", "rc1"
)

// Set at build time with -ldflags "-X github.com/supaandu/rebalancer/pkg/version.GitCommit=...".
var (
	GitCommit = ""
	BuildDate = ""
)

// ServiceName is reported in build info and the startup banner.
const ServiceName = "Portfolio Rebalancer"

// Version returns the semantic version string
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
	if PreRelease != "" {
		version += "-" + PreRelease
	}
	return version
}

// BuildInfo contains comprehensive build information
type BuildInfo struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetBuildInfo returns complete build information
func GetBuildInfo() *BuildInfo {
	return &BuildInfo{
		Service:   ServiceName,
		Version:   Version(),
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// GetVersionString returns a formatted version string
func GetVersionString() string {
	if len(GitCommit) >= 7 {
		return fmt.Sprintf("%s (%s)", Version(), GitCommit[:7])
	}
	return Version()
}

// GetBanner returns a one-line banner for application startup
func GetBanner() string {
	info := GetBuildInfo()
	banner := fmt.Sprintf("%s v%s (go: %s, platform: %s)", info.Service, GetVersionString(), info.GoVersion, info.Platform)
	if info.BuildDate != "" {
		banner += fmt.Sprintf(" (built: %s)", info.BuildDate)
	}
	return banner
}
