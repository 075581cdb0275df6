//go:build unix

package publisher

import (
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// HostPlatform describes the running OS as "<sysname> <release>", e.g. "Linux 6.8.0-45-generic".
func HostPlatform() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return runtime.GOOS
	}
	sysname := unix.ByteSliceToString(uts.Sysname[:])
	release := unix.ByteSliceToString(uts.Release[:])
	return strings.TrimSpace(sysname + " " + release)
}

// HostArch reports the machine hardware name, e.g. "x86_64" or "arm64".
func HostArch() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return runtime.GOARCH
	}
	if machine := unix.ByteSliceToString(uts.Machine[:]); machine != "" {
		return machine
	}
	return runtime.GOARCH
}
