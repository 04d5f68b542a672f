// Package disk owns destructive block-device operations: partitioning,
// formatting and wiping. Every apply is driven by a validated single-use Plan
// so the same layout can never be written twice, and a failed apply locks the
// device until an operator acknowledges it.
package disk

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/fsm"
	"github.com/usbnode/agent/sysexec"
)

// State is the disk manager's lifecycle state. The manager is Busy for
// destructive work that is neither partitioning nor formatting.
type State string

const (
	StateIdle         State = "idle"
	StatePartitioning State = "partitioning"
	StateFormatting   State = "formatting"
	StateBusy         State = "busy"
	StateError        State = "error"
)

const (
	eventBeginPartition fsm.Event = "begin_partition"
	eventBeginFormat    fsm.Event = "begin_format"
	eventBeginWipe      fsm.Event = "begin_wipe"
	eventComplete       fsm.Event = "complete"
	eventFail           fsm.Event = "fail"
	eventAcknowledge    fsm.Event = "acknowledge"
)

// ErrInterrupted is returned when an apply stops at a safe checkpoint because
// its context ended. Work already written stays; the device is locked because
// the layout is incomplete.
var ErrInterrupted = fmt.Errorf("apply interrupted at checkpoint")

// Progress reports a completed milestone during an apply. Milestones are only
// emitted at partition boundaries; a partition is never half-reported.
type Progress struct {
	PlanID    string
	Stage     State
	Partition string
	Completed int
	Total     int
}

func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

// Dependencies carries the Manager's collaborators.
type Dependencies struct {
	Logger logrus.FieldLogger
	Runner sysexec.Runner
}

// Manager serializes destructive disk operations. At most one apply or wipe
// runs at a time; the state machine rejects overlapping work.
type Manager struct {
	cfg     config.Disk
	log     logrus.FieldLogger
	machine *fsm.Machine[State]
	run     sysexec.Runner
	tracer  trace.Tracer

	mu           sync.Mutex
	lockedDevice string
	lastErr      error
	progress     func(Progress)
}

func New(cfg config.Disk, deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Runner == nil {
		deps.Runner = sysexec.ExecRunner{}
	}
	log := deps.Logger.WithField("manager", "disk")

	machine := fsm.NewBuilder("disk", StateIdle, log).
		Permit(StateIdle, eventBeginPartition, StatePartitioning).
		Permit(StatePartitioning, eventBeginFormat, StateFormatting).
		Permit(StatePartitioning, eventComplete, StateIdle).
		Permit(StateFormatting, eventComplete, StateIdle).
		Permit(StateIdle, eventBeginWipe, StateBusy).
		Permit(StateBusy, eventComplete, StateIdle).
		Permit(StatePartitioning, eventFail, StateError).
		Permit(StateFormatting, eventFail, StateError).
		Permit(StateBusy, eventFail, StateError).
		Permit(StateError, eventAcknowledge, StateIdle).
		Build()

	return &Manager{
		cfg:     cfg,
		log:     log,
		machine: machine,
		run:     deps.Runner,
		tracer:  otel.Tracer("github.com/usbnode/agent/disk"),
	}
}

// Machine exposes the state machine for observers.
func (m *Manager) Machine() *fsm.Machine[State] { return m.machine }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.machine.Current() }

// OnProgress registers the milestone callback. Must be set before ApplyPlan.
func (m *Manager) OnProgress(fn func(Progress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = fn
}

// LockedDevice returns the device locked by a failed operation, or "".
func (m *Manager) LockedDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedDevice
}

// ApplyPlan writes the plan's partition table and, unless auto_format is
// disabled, formats each partition.
// The plan is consumed whether or not the apply succeeds. Context
// cancellation is honored only between partitions; an individual table write
// or format always runs to completion.
func (m *Manager) ApplyPlan(ctx context.Context, plan *Plan) error {
	if err := plan.consume(); err != nil {
		return err
	}
	if err := m.deviceAllowed(plan.Device.Path); err != nil {
		return err
	}
	if _, err := m.machine.Fire(eventBeginPartition); err != nil {
		return fmt.Errorf("disk manager not idle: %w", err)
	}

	ctx, span := m.tracer.Start(ctx, "disk.apply_plan", trace.WithAttributes(
		attribute.String("device", plan.Device.Path),
		attribute.String("plan_id", plan.ID),
		attribute.Int("partitions", len(plan.Partitions)),
	))
	defer span.End()

	log := m.log.WithFields(logrus.Fields{
		"device":  plan.Device.Path,
		"plan_id": plan.ID,
	})
	log.WithField("partitions", len(plan.Partitions)).Info("applying partition plan")

	if err := m.writeTable(ctx, plan, log); err != nil {
		span.RecordError(err)
		m.fail(plan.Device.Path, err)
		return err
	}

	if !m.cfg.AutoFormat {
		if _, err := m.machine.Fire(eventComplete); err != nil {
			return err
		}
		log.Info("partition table written, formatting disabled")
		return nil
	}

	if _, err := m.machine.Fire(eventBeginFormat); err != nil {
		return err
	}

	if err := m.formatAll(ctx, plan, log); err != nil {
		span.RecordError(err)
		m.fail(plan.Device.Path, err)
		return err
	}

	if _, err := m.machine.Fire(eventComplete); err != nil {
		return err
	}
	log.Info("partition plan applied")
	return nil
}

// writeTable creates the partition table and all partition entries. Each
// parted invocation is a checkpoint; cancellation is only observed between
// them.
func (m *Manager) writeTable(ctx context.Context, plan *Plan, log logrus.FieldLogger) error {
	cmdCtx, cancel := m.commandContext(ctx)
	defer cancel()

	if _, err := m.run.Run(cmdCtx, "parted", "-s", plan.Device.Path, "mklabel", plan.Table); err != nil {
		return fmt.Errorf("writing %s label: %w", plan.Table, err)
	}

	for i, part := range plan.Partitions {
		if i > 0 && ctx.Err() != nil {
			return ErrInterrupted
		}
		args := []string{
			"-s", plan.Device.Path, "mkpart", "primary", string(part.Filesystem),
			fmt.Sprintf("%dMiB", part.StartMB), fmt.Sprintf("%dMiB", part.EndMB),
		}
		if _, err := m.run.Run(cmdCtx, "parted", args...); err != nil {
			return fmt.Errorf("creating partition %d: %w", part.Number, err)
		}
		if part.Boot {
			if _, err := m.run.Run(cmdCtx, "parted", "-s", plan.Device.Path,
				"set", fmt.Sprintf("%d", part.Number), "boot", "on"); err != nil {
				return fmt.Errorf("setting boot flag on partition %d: %w", part.Number, err)
			}
		}
		m.milestone(Progress{
			PlanID:    plan.ID,
			Stage:     StatePartitioning,
			Partition: part.Node,
			Completed: i + 1,
			Total:     len(plan.Partitions),
		}, log)
	}

	// Read the table back so a silently truncated write surfaces here
	// rather than during formatting.
	if _, err := m.run.Run(cmdCtx, "parted", "-s", plan.Device.Path, "print"); err != nil {
		return fmt.Errorf("verifying partition table: %w", err)
	}
	return nil
}

func (m *Manager) formatAll(ctx context.Context, plan *Plan, log logrus.FieldLogger) error {
	for i, part := range plan.Partitions {
		if i > 0 && ctx.Err() != nil {
			return ErrInterrupted
		}

		mkfs, err := part.Filesystem.mkfsCommand()
		if err != nil {
			return err
		}
		args := formatArgs(part)

		cmdCtx, cancel := m.commandContext(ctx)
		_, err = m.run.Run(cmdCtx, mkfs, args...)
		cancel()
		if err != nil {
			return fmt.Errorf("formatting %s as %s: %w", part.Node, part.Filesystem, err)
		}

		m.milestone(Progress{
			PlanID:    plan.ID,
			Stage:     StateFormatting,
			Partition: part.Node,
			Completed: i + 1,
			Total:     len(plan.Partitions),
		}, log)
	}
	return nil
}

func formatArgs(part PlannedPartition) []string {
	var args []string
	if part.Label != "" {
		switch part.Filesystem {
		case Vfat:
			args = append(args, "-n", part.Label)
		default:
			args = append(args, "-L", part.Label)
		}
	}
	if part.Filesystem == Ext4 {
		args = append(args, "-F")
	}
	return append(args, part.Node)
}

// Wipe destroys all filesystem signatures on the device.
func (m *Manager) Wipe(ctx context.Context, device string) error {
	if err := m.deviceAllowed(device); err != nil {
		return err
	}
	if _, err := m.machine.Fire(eventBeginWipe); err != nil {
		return fmt.Errorf("disk manager not idle: %w", err)
	}

	ctx, span := m.tracer.Start(ctx, "disk.wipe",
		trace.WithAttributes(attribute.String("device", device)))
	defer span.End()

	cmdCtx, cancel := m.commandContext(ctx)
	defer cancel()
	if _, err := m.run.Run(cmdCtx, "wipefs", "-a", device); err != nil {
		span.RecordError(err)
		err = fmt.Errorf("wiping %s: %w", device, err)
		m.fail(device, err)
		return err
	}

	if _, err := m.machine.Fire(eventComplete); err != nil {
		return err
	}
	m.log.WithField("device", device).Info("device wiped")
	return nil
}

// Acknowledge clears a failed operation, unlocking the device and returning
// the manager to Idle. Only valid in Error.
func (m *Manager) Acknowledge() error {
	if _, err := m.machine.Fire(eventAcknowledge); err != nil {
		return err
	}
	m.mu.Lock()
	device := m.lockedDevice
	m.lockedDevice = ""
	m.lastErr = nil
	m.mu.Unlock()
	m.log.WithField("device", device).Info("failure acknowledged, device unlocked")
	return nil
}

// LastError returns the error that parked the manager in Error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) fail(device string, err error) {
	m.mu.Lock()
	m.lockedDevice = device
	m.lastErr = err
	m.mu.Unlock()
	if _, ferr := m.machine.Fire(eventFail); ferr != nil {
		m.log.WithError(ferr).Debug("fail event outside active operation")
	}
	m.log.WithError(err).WithField("device", device).Error("disk operation failed, device locked")
}

func (m *Manager) deviceAllowed(device string) error {
	m.mu.Lock()
	locked := m.lockedDevice
	m.mu.Unlock()
	if locked != "" {
		return fmt.Errorf("device %s locked by a failed operation, acknowledge first", locked)
	}
	if len(m.cfg.AllowedDevices) == 0 {
		return nil
	}
	if slices.Contains(m.cfg.AllowedDevices, device) {
		return nil
	}
	return fmt.Errorf("device %s not in allowed_devices", device)
}

func (m *Manager) milestone(p Progress, log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"stage":     string(p.Stage),
		"partition": p.Partition,
		"percent":   p.Percent(),
	}).Info("milestone reached")

	m.mu.Lock()
	fn := m.progress
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// commandContext bounds a single external command. The parent's cancellation
// deliberately does not propagate: a write in flight must finish.
func (m *Manager) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if m.cfg.CommandTimeout > 0 {
		return context.WithTimeout(base, m.cfg.CommandTimeout)
	}
	return base, func() {}
}
