package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/fsm"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	failOn  string // command name that should fail
	failErr error
	// onCall runs under the lock before each recorded call.
	onCall func(name string, args []string)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(name, args)
	}
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failOn != "" && name == f.failOn {
		if f.failErr == nil {
			return nil, errors.New(name + " failed")
		}
		return nil, f.failErr
	}
	return nil, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func (f *fakeRunner) countCmd(name, sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c[0] != name {
			continue
		}
		if sub != "" && !strings.Contains(strings.Join(c, " "), sub) {
			continue
		}
		n++
	}
	return n
}

func testDevice() Device {
	return Device{Path: "/dev/sdb", CapacityBytes: 8 << 30}
}

func testSpecs() []PartitionSpec {
	return []PartitionSpec{
		{SizeMB: 512, Filesystem: Vfat, Label: "BOOT", Boot: true},
		{SizeMB: 4096, Filesystem: Ext4, Label: "data"},
	}
}

func newTestManager(t *testing.T, run *fakeRunner) *Manager {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(config.Disk{AutoFormat: true, CommandTimeout: time.Minute},
		Dependencies{Logger: log, Runner: run})
}

func TestPlanPartitionsResolvesPlacement(t *testing.T) {
	plan, err := PlanPartitions(testDevice(), "gpt", testSpecs())
	if err != nil {
		t.Fatalf("PlanPartitions: %v", err)
	}
	if plan.Table != "gpt" {
		t.Fatalf("table = %q, want gpt", plan.Table)
	}
	if len(plan.Partitions) != 2 {
		t.Fatalf("partitions = %d, want 2", len(plan.Partitions))
	}

	first, second := plan.Partitions[0], plan.Partitions[1]
	if first.StartMB != 1 || first.EndMB != 513 {
		t.Fatalf("first partition spans %d..%d, want 1..513", first.StartMB, first.EndMB)
	}
	if second.StartMB != first.EndMB {
		t.Fatalf("partitions not contiguous: %d then %d", first.EndMB, second.StartMB)
	}
	if first.Node != "/dev/sdb1" || second.Node != "/dev/sdb2" {
		t.Fatalf("nodes = %s, %s", first.Node, second.Node)
	}
}

func TestPlanPartitionsNodeNaming(t *testing.T) {
	plan, err := PlanPartitions(Device{Path: "/dev/nvme0n1", CapacityBytes: 8 << 30}, "gpt",
		[]PartitionSpec{{SizeMB: 100, Filesystem: Ext4}})
	if err != nil {
		t.Fatalf("PlanPartitions: %v", err)
	}
	if plan.Partitions[0].Node != "/dev/nvme0n1p1" {
		t.Fatalf("node = %q, want /dev/nvme0n1p1", plan.Partitions[0].Node)
	}
}

func TestPlanPartitionsTableKinds(t *testing.T) {
	plan, err := PlanPartitions(testDevice(), "msdos", testSpecs())
	if err != nil {
		t.Fatalf("PlanPartitions msdos: %v", err)
	}
	if plan.Table != "msdos" {
		t.Fatalf("table = %q, want msdos", plan.Table)
	}

	// Empty defaults to gpt.
	plan, err = PlanPartitions(testDevice(), "", testSpecs())
	if err != nil {
		t.Fatalf("PlanPartitions default table: %v", err)
	}
	if plan.Table != "gpt" {
		t.Fatalf("table = %q, want gpt", plan.Table)
	}

	var perr *PlanError
	if _, err := PlanPartitions(testDevice(), "bsd", testSpecs()); !errors.As(err, &perr) {
		t.Fatalf("unsupported table: expected PlanError, got %v", err)
	}
}

func TestPlanPartitionsValidation(t *testing.T) {
	var perr *PlanError

	_, err := PlanPartitions(testDevice(), "gpt", nil)
	if !errors.As(err, &perr) {
		t.Fatalf("empty layout: expected PlanError, got %v", err)
	}

	_, err = PlanPartitions(testDevice(), "gpt", []PartitionSpec{{SizeMB: 0, Filesystem: Ext4}})
	if !errors.As(err, &perr) {
		t.Fatalf("zero size: expected PlanError, got %v", err)
	}

	_, err = PlanPartitions(Device{Path: "/dev/sdb", CapacityBytes: 1 << 30}, "gpt",
		[]PartitionSpec{{SizeMB: 2048, Filesystem: Ext4}})
	if !errors.As(err, &perr) {
		t.Fatalf("oversized layout: expected PlanError, got %v", err)
	}

	busy := testDevice()
	busy.InUse = true
	_, err = PlanPartitions(busy, "gpt", testSpecs())
	if !errors.As(err, &perr) {
		t.Fatalf("in-use device: expected PlanError, got %v", err)
	}
}

func TestApplyPlanHappyPath(t *testing.T) {
	run := &fakeRunner{}
	m := newTestManager(t, run)

	var states []State
	m.Machine().Subscribe(func(from, to State, event fsm.Event) error {
		states = append(states, to)
		return nil
	})

	var milestones []Progress
	m.OnProgress(func(p Progress) { milestones = append(milestones, p) })

	plan, err := PlanPartitions(testDevice(), "gpt", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyPlan(context.Background(), plan); err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}

	want := []State{StatePartitioning, StateFormatting, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	if got := run.countCmd("parted", "mklabel gpt"); got != 1 {
		t.Fatalf("mklabel calls = %d, want 1", got)
	}
	if got := run.countCmd("parted", "mkpart"); got != 2 {
		t.Fatalf("mkpart calls = %d, want 2", got)
	}
	if got := run.countCmd("parted", "boot on"); got != 1 {
		t.Fatalf("boot flag calls = %d, want 1", got)
	}
	if got := run.countCmd("mkfs.vfat", ""); got != 1 {
		t.Fatalf("mkfs.vfat calls = %d, want 1", got)
	}
	if got := run.countCmd("mkfs.ext4", ""); got != 1 {
		t.Fatalf("mkfs.ext4 calls = %d, want 1", got)
	}

	// Two stages, two partitions each: 50% then 100% per stage.
	if len(milestones) != 4 {
		t.Fatalf("milestones = %d, want 4: %+v", len(milestones), milestones)
	}
	if milestones[2].Stage != StateFormatting || milestones[2].Percent() != 50 {
		t.Fatalf("third milestone = %+v, want formatting at 50%%", milestones[2])
	}
	if milestones[3].Percent() != 100 {
		t.Fatalf("final milestone = %+v, want 100%%", milestones[3])
	}
}

func TestApplyPlanSkipsFormattingWhenDisabled(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	run := &fakeRunner{}
	m := New(config.Disk{CommandTimeout: time.Minute},
		Dependencies{Logger: log, Runner: run})

	plan, err := PlanPartitions(testDevice(), "msdos", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyPlan(context.Background(), plan); err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle", m.State())
	}

	if got := run.countCmd("parted", "mklabel msdos"); got != 1 {
		t.Fatalf("mklabel calls = %d, want 1", got)
	}
	if got := run.countCmd("mkfs.vfat", "") + run.countCmd("mkfs.ext4", ""); got != 0 {
		t.Fatalf("mkfs calls = %d, want 0 with auto_format off", got)
	}
}

func TestApplyPlanIsSingleUse(t *testing.T) {
	run := &fakeRunner{}
	m := newTestManager(t, run)

	plan, err := PlanPartitions(testDevice(), "gpt", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyPlan(context.Background(), plan); err != nil {
		t.Fatalf("first ApplyPlan: %v", err)
	}

	partedCalls := run.countCmd("parted", "")
	err = m.ApplyPlan(context.Background(), plan)
	if !errors.Is(err, ErrPlanConsumed) {
		t.Fatalf("expected ErrPlanConsumed, got %v", err)
	}
	if got := run.countCmd("parted", ""); got != partedCalls {
		t.Fatal("consumed plan still reached the device")
	}
}

func TestFormatFailureLocksDeviceUntilAcknowledged(t *testing.T) {
	run := &fakeRunner{failOn: "mkfs.ext4"}
	m := newTestManager(t, run)

	plan, err := PlanPartitions(testDevice(), "gpt", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyPlan(context.Background(), plan); err == nil {
		t.Fatal("expected ApplyPlan to fail")
	}
	if m.State() != StateError {
		t.Fatalf("state = %q, want error", m.State())
	}
	if m.LockedDevice() != "/dev/sdb" {
		t.Fatalf("locked device = %q, want /dev/sdb", m.LockedDevice())
	}
	if m.LastError() == nil {
		t.Fatal("LastError not recorded")
	}

	// Further destructive work on any device is refused while locked.
	plan2, err := PlanPartitions(Device{Path: "/dev/sdc", CapacityBytes: 8 << 30}, "gpt", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyPlan(context.Background(), plan2); err == nil {
		t.Fatal("expected apply to be refused while a device is locked")
	}

	if err := m.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if m.State() != StateIdle || m.LockedDevice() != "" {
		t.Fatalf("state = %q locked = %q after acknowledge", m.State(), m.LockedDevice())
	}

	run.mu.Lock()
	run.failOn = ""
	run.mu.Unlock()
	plan3, err := PlanPartitions(Device{Path: "/dev/sdc", CapacityBytes: 8 << 30}, "gpt", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyPlan(context.Background(), plan3); err != nil {
		t.Fatalf("ApplyPlan after acknowledge: %v", err)
	}
}

func TestAcknowledgeOnlyValidInError(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	if err := m.Acknowledge(); err == nil {
		t.Fatal("Acknowledge in idle should fail")
	}
}

func TestCancellationStopsAtPartitionBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &fakeRunner{}
	run.onCall = func(name string, args []string) {
		// Cancel while the first mkpart is "in flight". The write must
		// finish; the next partition must not start.
		if name == "parted" && len(args) > 2 && args[2] == "mkpart" {
			cancel()
		}
	}
	m := newTestManager(t, run)

	plan, err := PlanPartitions(testDevice(), "gpt", testSpecs())
	if err != nil {
		t.Fatal(err)
	}
	err = m.ApplyPlan(ctx, plan)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if got := run.countCmd("parted", "mkpart"); got != 1 {
		t.Fatalf("mkpart calls = %d, want 1 (no new partition after cancellation)", got)
	}
	if m.State() != StateError {
		t.Fatalf("state = %q, want error (layout incomplete)", m.State())
	}
}

func TestWipe(t *testing.T) {
	run := &fakeRunner{}
	m := newTestManager(t, run)

	var states []State
	m.Machine().Subscribe(func(from, to State, event fsm.Event) error {
		states = append(states, to)
		return nil
	})

	if err := m.Wipe(context.Background(), "/dev/sdb"); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if got := run.countCmd("wipefs", ""); got != 1 {
		t.Fatalf("wipefs calls = %d, want 1", got)
	}
	if len(states) != 2 || states[0] != StateBusy || states[1] != StateIdle {
		t.Fatalf("states = %v, want [busy idle]", states)
	}
}

func TestAllowedDevicesRestriction(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := New(config.Disk{AllowedDevices: []string{"/dev/sdb"}},
		Dependencies{Logger: log, Runner: &fakeRunner{}})

	if err := m.Wipe(context.Background(), "/dev/sda"); err == nil {
		t.Fatal("expected wipe of disallowed device to fail")
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, refusal must not change state", m.State())
	}
	if err := m.Wipe(context.Background(), "/dev/sdb"); err != nil {
		t.Fatalf("Wipe of allowed device: %v", err)
	}
}

func TestListDevicesReadsSysfs(t *testing.T) {
	root := t.TempDir()
	mk := func(dev string, files map[string]string) {
		base := filepath.Join(root, "block", dev)
		for rel, content := range files {
			path := filepath.Join(base, rel)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	mk("sda", map[string]string{
		"size":         "16777216\n", // 8 GiB in 512-byte sectors
		"removable":    "1\n",
		"device/model": "Sandisk Ultra  \n",
	})
	mk("loop0", map[string]string{"size": "0\n"})

	devices, err := ListDevices(context.Background(), root)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices = %+v, want only sda (loop skipped)", devices)
	}

	dev := devices[0]
	if dev.Path != "/dev/sda" {
		t.Fatalf("path = %q", dev.Path)
	}
	if dev.CapacityBytes != 8<<30 {
		t.Fatalf("capacity = %d, want 8 GiB", dev.CapacityBytes)
	}
	if !dev.Removable {
		t.Fatal("removable flag not read")
	}
	if dev.Model != "Sandisk Ultra" {
		t.Fatalf("model = %q", dev.Model)
	}
}
