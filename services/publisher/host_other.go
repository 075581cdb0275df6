//go:build !unix

package publisher

import "runtime"

// HostPlatform describes the running OS.
func HostPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

// HostArch reports the processor architecture.
func HostArch() string {
	return runtime.GOARCH
}
