//go:build !windows
// +build !windows

package platform

func newWindowsCapturer() (Capturer, error) {
	return nil, &UnsupportedPlatformError{OS: "windows"}
}
