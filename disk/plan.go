package disk

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/oklog/ulid/v2"
)

// Filesystem names a filesystem a partition can be formatted with.
type Filesystem string

const (
	Ext4 Filesystem = "ext4"
	Xfs  Filesystem = "xfs"
	Vfat Filesystem = "vfat"
	Ntfs Filesystem = "ntfs"
)

func (f Filesystem) mkfsCommand() (string, error) {
	switch f {
	case Ext4:
		return "mkfs.ext4", nil
	case Xfs:
		return "mkfs.xfs", nil
	case Vfat:
		return "mkfs.vfat", nil
	case Ntfs:
		return "mkfs.ntfs", nil
	default:
		return "", fmt.Errorf("unsupported filesystem %q", f)
	}
}

// PartitionSpec describes one requested partition.
type PartitionSpec struct {
	SizeMB     int64
	Filesystem Filesystem
	Label      string
	Boot       bool
}

// PlannedPartition is a spec with its resolved placement on the device.
type PlannedPartition struct {
	PartitionSpec
	Number  int
	StartMB int64
	EndMB   int64
	// Node is the partition's device node, e.g. /dev/sda1 or /dev/nvme0n1p1.
	Node string
}

// PlanError reports why a layout cannot be applied to a device.
type PlanError struct {
	Device string
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("planning %s: %s", e.Device, e.Reason)
}

// ErrPlanConsumed is returned when a plan is applied a second time. A plan is
// single-use: reapplying a layout that may already be half-written is never
// safe.
var ErrPlanConsumed = fmt.Errorf("partition plan already applied")

// Plan is a validated, single-use partition layout for one device.
type Plan struct {
	ID         string
	Device     Device
	Table      string
	Partitions []PlannedPartition

	consumed atomic.Bool
}

// firstUsableMB leaves room for the partition table and alignment, matching
// the conventional 2048-sector start.
const firstUsableMB = 1

// PlanPartitions validates the requested layout against the device and
// resolves partition placement. The table kind is "gpt" or "msdos"; empty
// defaults to gpt. Partitions are laid out contiguously from the first usable
// megabyte; validation rejects layouts that exceed capacity.
func PlanPartitions(dev Device, table string, specs []PartitionSpec) (*Plan, error) {
	if table == "" {
		table = "gpt"
	}
	switch table {
	case "gpt", "msdos":
	default:
		return nil, &PlanError{Device: dev.Path, Reason: fmt.Sprintf("unsupported partition table %q", table)}
	}
	if len(specs) == 0 {
		return nil, &PlanError{Device: dev.Path, Reason: "no partitions requested"}
	}
	if dev.CapacityBytes <= 0 {
		return nil, &PlanError{Device: dev.Path, Reason: "unknown device capacity"}
	}
	if dev.InUse {
		return nil, &PlanError{Device: dev.Path, Reason: "device has mounted filesystems"}
	}

	capacityMB := dev.CapacityBytes / (1 << 20)
	plan := &Plan{
		ID:     "plan_" + ulid.Make().String(),
		Device: dev,
		Table:  table,
	}

	next := int64(firstUsableMB)
	for i, spec := range specs {
		if spec.SizeMB <= 0 {
			return nil, &PlanError{
				Device: dev.Path,
				Reason: fmt.Sprintf("partition %d has non-positive size", i+1),
			}
		}
		if _, err := spec.Filesystem.mkfsCommand(); err != nil {
			return nil, &PlanError{Device: dev.Path, Reason: err.Error()}
		}

		end := next + spec.SizeMB
		if end > capacityMB {
			return nil, &PlanError{
				Device: dev.Path,
				Reason: fmt.Sprintf("layout needs %d MiB, device has %d MiB", end, capacityMB),
			}
		}

		plan.Partitions = append(plan.Partitions, PlannedPartition{
			PartitionSpec: spec,
			Number:        i + 1,
			StartMB:       next,
			EndMB:         end,
			Node:          partitionNode(dev.Path, i+1),
		})
		next = end
	}

	return plan, nil
}

// consume marks the plan as applied. Only the first caller wins.
func (p *Plan) consume() error {
	if !p.consumed.CompareAndSwap(false, true) {
		return ErrPlanConsumed
	}
	return nil
}

// partitionNode derives a partition device node. Devices whose name ends in a
// digit (nvme0n1, mmcblk0) take a "p" separator.
func partitionNode(device string, number int) string {
	if strings.LastIndexFunc(device, unicode.IsDigit) == len(device)-1 {
		return fmt.Sprintf("%sp%d", device, number)
	}
	return fmt.Sprintf("%s%d", device, number)
}
