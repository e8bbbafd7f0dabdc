//go:build linux
// +build linux

package platform

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

type linuxCapturer struct {
	captureTool string
}

func newLinuxCapturer() (Capturer, error) {
	// Prefer scrot, fall back to ImageMagick's import.
	for _, tool := range []string{"scrot", "import"} {
		if _, err := exec.LookPath(tool); err == nil {
			return &linuxCapturer{captureTool: tool}, nil
		}
	}
	return nil, fmt.Errorf("no screenshot utility found (tried scrot, import)")
}

func (c *linuxCapturer) CaptureScreen() ([]byte, error) {
	tmp, err := os.CreateTemp("", "capture-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	var cmd *exec.Cmd
	switch c.captureTool {
	case "scrot":
		cmd = exec.Command("scrot", "--overwrite", tmp.Name())
	default:
		cmd = exec.Command("import", "-window", "root", tmp.Name())
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w", c.captureTool, err)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read captured image: %w", err)
	}
	return data, nil
}

func (c *linuxCapturer) ActiveWindow() (*WindowInfo, error) {
	// X11 only; Wayland sessions without XWayland surface as ErrPermission.
	title, err := exec.Command("xdotool", "getactivewindow", "getwindowname").Output()
	if err != nil {
		return nil, ErrPermission
	}

	info := &WindowInfo{Title: strings.TrimSpace(string(title))}

	pidOut, err := exec.Command("xdotool", "getactivewindow", "getwindowpid").Output()
	if err != nil {
		return nil, ErrPermission
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidOut)))
	if err != nil {
		return nil, ErrPermission
	}

	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return nil, ErrPermission
	}
	info.Application = strings.TrimSpace(string(comm))
	if info.Application == "" {
		return nil, ErrPermission
	}
	return info, nil
}
