package util

import (
	"runtime"
	"strings"
)

// Overridden at link time with -ldflags "-X nodeprobe/util.ProgramVersionName=...".
var (
	ProgramVersionName = "nodeprobe/dev"
	ProgramCommit      = "unknown"
	ProgramBuildTime   = "unknown"
)

func normalizedMeta(value, fallback string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	return v
}

func VersionName() string {
	return normalizedMeta(ProgramVersionName, "nodeprobe/dev")
}

func CommitID() string {
	return normalizedMeta(ProgramCommit, "unknown")
}

func BuildTime() string {
	return normalizedMeta(ProgramBuildTime, "unknown")
}

func BuildInfo() string {
	return VersionName() + " commit=" + CommitID() + " build=" + BuildTime() + " " + runtime.GOOS + "/" + runtime.GOARCH
}
