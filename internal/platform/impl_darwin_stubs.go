//go:build !darwin
// +build !darwin

package platform

func newDarwinCapturer() (Capturer, error) {
	return nil, &UnsupportedPlatformError{OS: "darwin"}
}
