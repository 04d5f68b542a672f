// Package service enables and disables host init-system units. The init
// system is detected once and the result drives which command family is used
// for the lifetime of the agent.
package service

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/sysexec"
)

// InitSystem identifies the host's service manager.
type InitSystem string

const (
	InitSystemd InitSystem = "systemd"
	InitOpenRC  InitSystem = "openrc"
	InitUnknown InitSystem = "unknown"
)

// Status is the reported state of a unit.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)

// Manager wraps unit enable/disable/status operations for the detected init
// system.
type Manager struct {
	init InitSystem
	run  sysexec.Runner
	log  logrus.FieldLogger
}

// Dependencies carries the Manager's collaborators. Nil fields get working
// defaults.
type Dependencies struct {
	Runner sysexec.Runner
	Logger logrus.FieldLogger
	// Init overrides detection, used in tests.
	Init InitSystem
}

func New(deps Dependencies) *Manager {
	if deps.Runner == nil {
		deps.Runner = sysexec.ExecRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	init := deps.Init
	if init == "" {
		init = Detect()
	}
	return &Manager{
		init: init,
		run:  deps.Runner,
		log:  deps.Logger.WithField("manager", "service"),
	}
}

// Detect inspects the filesystem for the host init system.
func Detect() InitSystem {
	if _, err := os.Stat("/run/systemd/system"); err == nil {
		return InitSystemd
	}
	if _, err := os.Stat("/run/openrc"); err == nil {
		return InitOpenRC
	}
	return InitUnknown
}

// Init returns the detected init system.
func (m *Manager) Init() InitSystem {
	return m.init
}

// Enable marks the unit to start at boot and starts it now.
func (m *Manager) Enable(ctx context.Context, unit string) error {
	m.log.WithField("unit", unit).Info("enabling service")
	switch m.init {
	case InitSystemd:
		if _, err := m.run.Run(ctx, "systemctl", "enable", "--now", unit); err != nil {
			return fmt.Errorf("enabling %s: %w", unit, err)
		}
	case InitOpenRC:
		if _, err := m.run.Run(ctx, "rc-update", "add", unit, "default"); err != nil {
			return fmt.Errorf("enabling %s: %w", unit, err)
		}
		if _, err := m.run.Run(ctx, "rc-service", unit, "start"); err != nil {
			return fmt.Errorf("starting %s: %w", unit, err)
		}
	default:
		return fmt.Errorf("no supported init system detected")
	}
	return nil
}

// Disable stops the unit and removes it from boot.
func (m *Manager) Disable(ctx context.Context, unit string) error {
	m.log.WithField("unit", unit).Info("disabling service")
	switch m.init {
	case InitSystemd:
		if _, err := m.run.Run(ctx, "systemctl", "disable", "--now", unit); err != nil {
			return fmt.Errorf("disabling %s: %w", unit, err)
		}
	case InitOpenRC:
		if _, err := m.run.Run(ctx, "rc-service", unit, "stop"); err != nil {
			return fmt.Errorf("stopping %s: %w", unit, err)
		}
		if _, err := m.run.Run(ctx, "rc-update", "del", unit, "default"); err != nil {
			return fmt.Errorf("disabling %s: %w", unit, err)
		}
	default:
		return fmt.Errorf("no supported init system detected")
	}
	return nil
}

// UnitStatus queries whether the unit is running. A non-zero exit from the
// status command means inactive, not an error.
func (m *Manager) UnitStatus(ctx context.Context, unit string) (Status, error) {
	switch m.init {
	case InitSystemd:
		out, err := m.run.Run(ctx, "systemctl", "is-active", unit)
		state := strings.TrimSpace(string(out))
		if err != nil {
			if state != "" {
				return StatusInactive, nil
			}
			return StatusUnknown, fmt.Errorf("querying %s: %w", unit, err)
		}
		if state == "active" {
			return StatusActive, nil
		}
		return StatusInactive, nil
	case InitOpenRC:
		if _, err := m.run.Run(ctx, "rc-service", unit, "status"); err != nil {
			return StatusInactive, nil
		}
		return StatusActive, nil
	default:
		return StatusUnknown, fmt.Errorf("no supported init system detected")
	}
}
