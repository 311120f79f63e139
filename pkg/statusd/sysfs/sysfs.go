// Package sysfs reads power supplies and backlights from /sys/class and
// follows them through udev events or polling.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is where device classes live.
const DefaultRoot = "/sys/class"

// ErrNoDevice is returned when a configured device does not exist.
var ErrNoDevice = errors.New("device not found")

// Device is a directory under a sysfs class.
type Device struct {
	Name string
	Path string
}

// ReadDevices lists every device of class below root, sorted by name.
func ReadDevices(root, class string) ([]Device, error) {
	dir := filepath.Join(root, class)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s devices: %w", class, err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		devices = append(devices, Device{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return devices, nil
}

// ReadString returns an attribute with surrounding whitespace removed.
func (d Device) ReadString(attribute string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(d.Path, attribute))
	if err != nil {
		return "", fmt.Errorf("read %s of %s: %w", attribute, d.Name, err)
	}

	return strings.TrimSpace(string(raw)), nil
}

// ReadInt returns an integer attribute.
func (d Device) ReadInt(attribute string) (int64, error) {
	raw, err := d.ReadString(attribute)
	if err != nil {
		return 0, err
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s of %s: %w", attribute, d.Name, err)
	}

	return value, nil
}
