package device

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"studytrace/recorder-agent/internal/models"

	"github.com/google/uuid"
)

// Manager resolves a stable device identity for upload metadata.
type Manager struct{}

// NewManager creates a device manager.
func NewManager() *Manager {
	return &Manager{}
}

// Describe assembles the device block for upload metadata. A configured
// ID wins; otherwise the OS machine id is probed, and a random UUID is
// the last resort.
func (m *Manager) Describe(configuredID, configuredName string) models.DeviceInfo {
	hostname, _ := os.Hostname()

	id := configuredID
	if id == "" {
		id = m.machineID()
	}
	if id == "" {
		id = uuid.NewString()
	}

	return models.DeviceInfo{
		DeviceID: id,
		Name:     configuredName,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
}

func (m *Manager) machineID() string {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
				return strings.TrimSpace(string(data))
			}
		}
	case "darwin":
		out, err := exec.Command("system_profiler", "SPHardwareDataType").Output()
		if err == nil {
			for _, line := range strings.Split(string(out), "\n") {
				if strings.Contains(line, "Hardware UUID") {
					if _, id, ok := strings.Cut(line, ":"); ok {
						return strings.TrimSpace(id)
					}
				}
			}
		}
	case "windows":
		out, err := exec.Command("wmic", "csproduct", "get", "uuid").Output()
		if err == nil {
			for _, line := range strings.Split(string(out), "\n") {
				line = strings.TrimSpace(line)
				if line != "" && line != "UUID" {
					return line
				}
			}
		}
	}
	return ""
}
