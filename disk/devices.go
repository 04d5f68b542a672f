package disk

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsdisk "github.com/shirou/gopsutil/v4/disk"
)

// Device describes an attached block device.
type Device struct {
	Path          string `json:"path"`
	CapacityBytes int64  `json:"capacity_bytes"`
	Model         string `json:"model,omitempty"`
	Removable     bool   `json:"removable"`
	// InUse is set when the device backs a mounted filesystem. Planning
	// refuses such devices.
	InUse bool `json:"in_use"`
}

// sysfs sector size; /sys/block/*/size counts 512-byte sectors regardless of
// the device's logical sector size.
const sectorSize = 512

// ListDevices enumerates whole block devices from sysfs and marks those that
// back currently mounted filesystems. Virtual devices (loop, ram,
// device-mapper) are skipped.
func ListDevices(ctx context.Context, sysRoot string) ([]Device, error) {
	entries, err := os.ReadDir(filepath.Join(sysRoot, "block"))
	if err != nil {
		return nil, err
	}

	mounted := mountedDeviceNodes(ctx)

	var devices []Device
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "loop") ||
			strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "dm-") ||
			strings.HasPrefix(name, "zram") {
			continue
		}

		base := filepath.Join(sysRoot, "block", name)
		dev := Device{
			Path:          "/dev/" + name,
			CapacityBytes: readSectorCount(filepath.Join(base, "size")) * sectorSize,
			Model:         readTrimmed(filepath.Join(base, "device", "model")),
			Removable:     readTrimmed(filepath.Join(base, "removable")) == "1",
		}

		for node := range mounted {
			if strings.HasPrefix(node, dev.Path) {
				dev.InUse = true
				break
			}
		}

		devices = append(devices, dev)
	}
	return devices, nil
}

// mountedDeviceNodes returns the device nodes backing current mounts.
func mountedDeviceNodes(ctx context.Context) map[string]struct{} {
	nodes := make(map[string]struct{})
	parts, err := gopsdisk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nodes
	}
	for _, p := range parts {
		if strings.HasPrefix(p.Device, "/dev/") {
			nodes[p.Device] = struct{}{}
		}
	}
	return nodes
}

func readSectorCount(path string) int64 {
	n, err := strconv.ParseInt(readTrimmed(path), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
