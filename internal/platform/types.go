package platform

import "errors"

// Capturer is the capability set the capture scheduler depends on.
// Production wiring selects an OS-specific implementation at startup;
// tests inject fakes.
type Capturer interface {
	// CaptureScreen returns the primary display as PNG bytes.
	CaptureScreen() ([]byte, error)

	// ActiveWindow returns the foreground application and window
	// title. Implementations return ErrPermission when the OS denies
	// window inspection; callers degrade to the unknown-identity
	// sentinel and must never treat this as fatal.
	ActiveWindow() (*WindowInfo, error)
}

// WindowInfo describes the foreground window at sample time.
type WindowInfo struct {
	Application string
	Title       string
}

// ErrPermission indicates window inspection is unavailable on this
// system (missing accessibility permission, no display session).
var ErrPermission = errors.New("window inspection not permitted")

// UnsupportedPlatformError is returned by NewPlatform on an OS without
// an implementation.
type UnsupportedPlatformError struct {
	OS string
}

func (e *UnsupportedPlatformError) Error() string {
	return "unsupported platform: " + e.OS
}
