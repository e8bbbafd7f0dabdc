//go:build !linux
// +build !linux

package platform

func newLinuxCapturer() (Capturer, error) {
	return nil, &UnsupportedPlatformError{OS: "linux"}
}
