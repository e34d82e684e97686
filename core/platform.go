package core

import (
	"runtime"
	"strings"
)

type Platform struct {
	OS   string
	Arch string
	// ARM is the 32-bit ARM variant ("5", "6" or "7"); empty on other arches.
	ARM string
}

func DetectPlatform() Platform {
	p := Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if p.Arch == "arm" {
		p.ARM = armVariant()
	}
	return p
}

func (p Platform) Key() string {
	if p.Arch == "arm" && p.ARM != "" {
		return p.OS + "/armv" + p.ARM
	}
	return p.OS + "/" + p.Arch
}

// armVariantFromMachine maps a uname machine string onto a GOARM level.
// A 32-bit userland on an armv8 kernel runs v7 binaries.
func armVariantFromMachine(machine string) string {
	machine = strings.ToLower(strings.TrimSpace(machine))
	switch {
	case strings.HasPrefix(machine, "armv5"):
		return "5"
	case strings.HasPrefix(machine, "armv6"):
		return "6"
	default:
		return "7"
	}
}
