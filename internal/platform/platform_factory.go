package platform

import (
	"runtime"
)

// NewPlatform creates the Capturer implementation for the current OS.
func NewPlatform() (Capturer, error) {
	switch runtime.GOOS {
	case "windows":
		return newWindowsCapturer()
	case "darwin":
		return newDarwinCapturer()
	case "linux":
		return newLinuxCapturer()
	default:
		return nil, &UnsupportedPlatformError{OS: runtime.GOOS}
	}
}
