package core

import (
	"fmt"
	"strings"
)

type releaseInfo struct {
	repo           string
	defaultVersion string
}

var releases = map[Engine]releaseInfo{
	SingBox: {repo: "SagerNet/sing-box", defaultVersion: "1.11.15"},
	Mihomo:  {repo: "MetaCubeX/mihomo", defaultVersion: "1.19.12"},
	Xray:    {repo: "XTLS/Xray-core", defaultVersion: "25.6.8"},
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// AssetName returns the release asset that carries the engine for p.
func AssetName(e Engine, p Platform, version string) (string, error) {
	version = normalizeVersion(version)
	var (
		name string
		ok   bool
	)
	switch e {
	case SingBox:
		name, ok = singBoxAsset(p, version)
	case Mihomo:
		name, ok = mihomoAsset(p, version)
	case Xray:
		name, ok = xrayAsset(p)
	default:
		return "", fmt.Errorf("unknown engine %q", e)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s for %s", ErrUnsupportedPlatform, p.Key(), e)
	}
	return name, nil
}

func goArchLabel(p Platform) (string, bool) {
	switch p.Arch {
	case "amd64", "386", "arm64":
		return p.Arch, true
	case "arm":
		v := p.ARM
		if v == "" {
			v = "7"
		}
		return "armv" + v, true
	default:
		return "", false
	}
}

func singBoxAsset(p Platform, version string) (string, bool) {
	arch, ok := goArchLabel(p)
	if !ok {
		return "", false
	}
	switch p.OS {
	case "linux":
		return fmt.Sprintf("sing-box-%s-linux-%s.tar.gz", version, arch), true
	case "darwin":
		if p.Arch != "amd64" && p.Arch != "arm64" {
			return "", false
		}
		return fmt.Sprintf("sing-box-%s-darwin-%s.tar.gz", version, arch), true
	case "windows":
		if p.Arch == "arm" {
			return "", false
		}
		return fmt.Sprintf("sing-box-%s-windows-%s.zip", version, arch), true
	default:
		return "", false
	}
}

func mihomoAsset(p Platform, version string) (string, bool) {
	arch, ok := goArchLabel(p)
	if !ok {
		return "", false
	}
	switch p.OS {
	case "linux", "freebsd":
		return fmt.Sprintf("mihomo-%s-%s-v%s.gz", p.OS, arch, version), true
	case "darwin":
		if p.Arch != "amd64" && p.Arch != "arm64" {
			return "", false
		}
		return fmt.Sprintf("mihomo-darwin-%s-v%s.gz", arch, version), true
	case "windows":
		if p.Arch == "arm" {
			return "", false
		}
		return fmt.Sprintf("mihomo-windows-%s-v%s.zip", arch, version), true
	default:
		return "", false
	}
}

var xrayAssets = map[string]string{
	"linux/amd64":   "Xray-linux-64.zip",
	"linux/386":     "Xray-linux-32.zip",
	"linux/arm64":   "Xray-linux-arm64-v8a.zip",
	"linux/armv7":   "Xray-linux-arm32-v7a.zip",
	"linux/armv6":   "Xray-linux-arm32-v6.zip",
	"linux/armv5":   "Xray-linux-arm32-v5.zip",
	"windows/amd64": "Xray-windows-64.zip",
	"windows/386":   "Xray-windows-32.zip",
	"windows/arm64": "Xray-windows-arm64-v8a.zip",
	"darwin/amd64":  "Xray-macos-64.zip",
	"darwin/arm64":  "Xray-macos-arm64-v8a.zip",
	"freebsd/amd64": "Xray-freebsd-64.zip",
}

func xrayAsset(p Platform) (string, bool) {
	if p.Arch == "arm" && p.ARM == "" {
		p.ARM = "7"
	}
	name, ok := xrayAssets[p.Key()]
	return name, ok
}

func releaseAssetURL(base string, e Engine, version, asset string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultReleaseBase
	}
	return fmt.Sprintf("%s/%s/releases/download/v%s/%s", base, releases[e].repo, normalizeVersion(version), asset)
}
