//go:build linux

package core

import "golang.org/x/sys/unix"

func armVariant() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "7"
	}
	return armVariantFromMachine(unix.ByteSliceToString(uts.Machine[:]))
}
