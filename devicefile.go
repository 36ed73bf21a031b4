package tuyalan

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/muurk/tuyalan/protocol"
)

// DeviceFileEntry is one device in a YAML devices file. The file format is
// a convenience for applications that manage a fleet of known devices:
//
//	devices:
//	  - id: eb0123456789abcdefgh
//	    name: living-room-plug
//	    address: 192.168.1.40
//	    key: 0123456789abcdef
//	    version: "3.3"
type DeviceFileEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address,omitempty"`
	Key     string `yaml:"key"`
	Version string `yaml:"version,omitempty"`
}

// deviceFile is the top-level YAML document.
type deviceFile struct {
	Devices []DeviceFileEntry `yaml:"devices"`
}

// Config converts a file entry into a DeviceConfig.
func (e *DeviceFileEntry) Config() (DeviceConfig, error) {
	version, err := protocol.ParseVersion(e.Version)
	if err != nil {
		return DeviceConfig{}, NewInvalidConfigError(fmt.Sprintf("device %q: %v", e.ID, err))
	}
	cfg := DeviceConfig{
		ID:       e.ID,
		Address:  e.Address,
		LocalKey: e.Key,
		Version:  version,
		Persist:  true,
	}
	if err := cfg.Validate(); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

// LoadDeviceFile reads a YAML devices file and returns the entries.
func LoadDeviceFile(path string) ([]DeviceFileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}

	var doc deviceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse device file %s: %w", path, err)
	}

	for i := range doc.Devices {
		if doc.Devices[i].ID == "" {
			return nil, NewInvalidConfigError(fmt.Sprintf("device entry %d has no id", i))
		}
	}
	return doc.Devices, nil
}

// SaveDeviceFile writes entries to a YAML devices file, creating parent
// directories as needed. The write goes through a temp file and rename so
// a crash cannot leave a half-written registry.
func SaveDeviceFile(path string, entries []DeviceFileEntry) error {
	data, err := yaml.Marshal(&deviceFile{Devices: entries})
	if err != nil {
		return fmt.Errorf("marshal device file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".devices-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write device file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close device file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace device file: %w", err)
	}
	return nil
}
