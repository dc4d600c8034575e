package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceProfile restricts the delivery profiles offered to one family of
// playback devices. UserAgent is a case-insensitive regular expression matched
// against the user-agent part of a client id; Version is compared against the
// client's version to pick the closest entry.
type DeviceProfile struct {
	Name          string   `yaml:"name"`
	UserAgent     string   `yaml:"userAgent"`
	Version       string   `yaml:"version,omitempty"`
	AudioProfiles []string `yaml:"audioProfiles,omitempty"`
	VideoProfiles []string `yaml:"videoProfiles,omitempty"`
	ImageProfiles []string `yaml:"imageProfiles,omitempty"`
}

// DevicesFile is the root of devices.yaml.
type DevicesFile struct {
	Devices []DeviceProfile `yaml:"devices"`
}

// LoadDevices reads the device capability file. An empty path or a missing
// file yields no restrictions.
func LoadDevices(path string) ([]DeviceProfile, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}

	return ParseDevices(data)
}

// ParseDevices decodes and validates device entries.
func ParseDevices(data []byte) ([]DeviceProfile, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices YAML: %w", err)
	}

	for i := range file.Devices {
		dev := &file.Devices[i]
		if strings.TrimSpace(dev.UserAgent) == "" {
			return nil, fmt.Errorf("device %d (%s): userAgent is required", i+1, dev.Name)
		}
		if dev.Name == "" {
			dev.Name = dev.UserAgent
		}
		dev.Version = strings.ToUpper(strings.TrimSpace(dev.Version))
	}

	return file.Devices, nil
}
