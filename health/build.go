package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

// getBuildInfo resolves build metadata from the binary's embedded VCS
// stamp, with BUILD_* environment variables taking precedence.
func getBuildInfo() string {
	buildInfo := &BuildInfo{
		Version:   getEnvOrDefault("BUILD_VERSION", "dev"),
		GitCommit: getEnvOrDefault("BUILD_COMMIT", ""),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if buildTimeStr := getEnvOrDefault("BUILD_TIME", ""); buildTimeStr != "" {
		if buildTime, err := time.Parse(time.RFC3339, buildTimeStr); err == nil {
			buildInfo.BuildTime = buildTime
		}
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if buildInfo.GitCommit == "" {
					buildInfo.GitCommit = setting.Value
				}
			case "vcs.time":
				if buildInfo.BuildTime.IsZero() {
					if buildTime, err := time.Parse(time.RFC3339, setting.Value); err == nil {
						buildInfo.BuildTime = buildTime
					}
				}
			}
		}
	}

	if buildInfo.GitCommit == "" {
		buildInfo.GitCommit = "unknown"
	}

	return fmt.Sprintf("%s-%s (%s)", buildInfo.Version, buildInfo.GitCommit[:min(len(buildInfo.GitCommit), 7)], buildInfo.BuildTime.Format("2006-01-02"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
