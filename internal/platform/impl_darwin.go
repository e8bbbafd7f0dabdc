//go:build darwin
// +build darwin

package platform

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type darwinCapturer struct{}

func newDarwinCapturer() (Capturer, error) {
	if _, err := exec.LookPath("screencapture"); err != nil {
		return nil, fmt.Errorf("screencapture utility not found: %w", err)
	}
	return &darwinCapturer{}, nil
}

func (c *darwinCapturer) CaptureScreen() ([]byte, error) {
	tmp, err := os.CreateTemp("", "capture-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	cmd := exec.Command("screencapture", "-x", "-t", "png", tmp.Name())
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screencapture failed: %w", err)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read captured image: %w", err)
	}
	return data, nil
}

func (c *darwinCapturer) ActiveWindow() (*WindowInfo, error) {
	// Frontmost app name and window title via System Events. Requires
	// the accessibility permission; a refusal surfaces as ErrPermission.
	script := `tell application "System Events"
	set frontApp to first application process whose frontmost is true
	set appName to name of frontApp
	set winTitle to ""
	try
		set winTitle to name of front window of frontApp
	end try
	return appName & "\n" & winTitle
end tell`

	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return nil, ErrPermission
	}

	parts := strings.SplitN(strings.TrimRight(string(out), "\n"), "\n", 2)
	info := &WindowInfo{Application: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		info.Title = strings.TrimSpace(parts[1])
	}
	if info.Application == "" {
		return nil, ErrPermission
	}
	// Some processes report a full path as their name.
	info.Application = filepath.Base(info.Application)
	return info, nil
}
