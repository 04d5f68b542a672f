// Package remote owns the remote-access services: desktop sharing (VNC), the
// shell daemon, and the browser proxy that bridges the desktop to a web
// client. Each service runs as a supervised child process with its own state
// machine and a bounded restart budget; a service that exhausts its budget
// parks in Error until recovered.
package remote

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/fsm"
)

// ServiceKind names one remote-access service.
type ServiceKind string

const (
	DesktopSharing ServiceKind = "desktop-sharing"
	Shell          ServiceKind = "shell"
	BrowserProxy   ServiceKind = "browser-proxy"
)

// startOrder is also the reverse of stop order.
var startOrder = []ServiceKind{DesktopSharing, Shell, BrowserProxy}

// State is a single service's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const (
	eventStart       fsm.Event = "start"
	eventStarted     fsm.Event = "started"
	eventStartFailed fsm.Event = "start_failed"
	eventRestart     fsm.Event = "restart"
	eventExhausted   fsm.Event = "exhausted"
	eventStop        fsm.Event = "stop"
	eventStopped     fsm.Event = "stopped"
)

// DependencyError reports a service start refused because a prerequisite
// service is not running. Nothing is spawned.
type DependencyError struct {
	Service  ServiceKind
	Requires ServiceKind
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s requires %s to be running", e.Service, e.Requires)
}

// ServiceStatus is a point-in-time snapshot of one service.
type ServiceStatus struct {
	Kind      ServiceKind `json:"kind"`
	State     State       `json:"state"`
	Port      int         `json:"port,omitempty"`
	Restarts  int         `json:"restarts"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	LastError string      `json:"last_error,omitempty"`
}

type service struct {
	kind    ServiceKind
	machine *fsm.Machine[State]
	limiter *rate.Limiter

	mu            sync.Mutex
	cfg           config.RemoteService
	handle        ProcessHandle
	stopRequested bool
	restarts      int
	startedAt     time.Time
	lastErr       error
	superviseDone chan struct{}
}

// Dependencies carries the Manager's collaborators.
type Dependencies struct {
	Logger logrus.FieldLogger
	Runner ProcessRunner
}

// Manager supervises the remote-access services.
type Manager struct {
	log    logrus.FieldLogger
	runner ProcessRunner

	mu       sync.Mutex
	cfg      config.Remote
	services map[ServiceKind]*service
}

func New(cfg config.Remote, deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	log := deps.Logger.WithField("manager", "remote")

	m := &Manager{
		log:      log,
		runner:   deps.Runner,
		cfg:      cfg,
		services: make(map[ServiceKind]*service),
	}
	for _, kind := range startOrder {
		m.services[kind] = &service{
			kind:    kind,
			cfg:     m.serviceConfig(cfg, kind),
			machine: newServiceMachine(kind, log),
			limiter: newBudget(cfg),
		}
	}
	return m
}

func newServiceMachine(kind ServiceKind, log logrus.FieldLogger) *fsm.Machine[State] {
	return fsm.NewBuilder("remote-"+string(kind), StateStopped, log).
		Permit(StateStopped, eventStart, StateStarting).
		Permit(StateError, eventStart, StateStarting).
		Permit(StateStarting, eventStarted, StateRunning).
		Permit(StateStarting, eventStartFailed, StateError).
		Permit(StateRunning, eventRestart, StateStarting).
		Permit(StateRunning, eventExhausted, StateError).
		Permit(StateRunning, eventStop, StateStopping).
		Permit(StateStarting, eventStop, StateStopping).
		Permit(StateError, eventStop, StateStopped).
		Permit(StateStopping, eventStopped, StateStopped).
		Build()
}

// newBudget builds the restart limiter: RestartBudget restarts available
// immediately, refilling at budget-per-window.
func newBudget(cfg config.Remote) *rate.Limiter {
	every := cfg.RestartWindow / time.Duration(cfg.RestartBudget)
	return rate.NewLimiter(rate.Every(every), cfg.RestartBudget)
}

func (m *Manager) serviceConfig(cfg config.Remote, kind ServiceKind) config.RemoteService {
	switch kind {
	case DesktopSharing:
		return cfg.DesktopSharing
	case Shell:
		return cfg.Shell
	default:
		return cfg.BrowserProxy
	}
}

// Machine exposes a service's state machine for observers.
func (m *Manager) Machine(kind ServiceKind) *fsm.Machine[State] {
	return m.services[kind].machine
}

// StateOf returns the named service's current state.
func (m *Manager) StateOf(kind ServiceKind) State {
	return m.services[kind].machine.Current()
}

// Start spawns the named service and begins supervising it. Idempotent while
// the service is starting or running. Dependency checks run before anything
// is spawned: a refused start leaves no process behind.
func (m *Manager) Start(ctx context.Context, kind ServiceKind) error {
	svc, ok := m.services[kind]
	if !ok {
		return fmt.Errorf("unknown service %q", kind)
	}
	if svc.machine.Is(StateStarting, StateRunning) {
		return nil
	}

	if kind == BrowserProxy && !m.services[DesktopSharing].machine.Is(StateRunning) {
		return &DependencyError{Service: BrowserProxy, Requires: DesktopSharing}
	}

	svc.mu.Lock()
	cfg := svc.cfg
	svc.mu.Unlock()
	if !cfg.Enabled {
		return fmt.Errorf("service %s is disabled", kind)
	}

	name, args, err := m.commandFor(kind, cfg)
	if err != nil {
		return err
	}

	if _, err := svc.machine.Fire(eventStart); err != nil {
		return err
	}

	handle, err := m.runner.Start(ctx, name, args...)
	if err != nil {
		svc.mu.Lock()
		svc.lastErr = err
		svc.mu.Unlock()
		if _, ferr := svc.machine.Fire(eventStartFailed); ferr != nil {
			m.log.WithError(ferr).Debug("start_failed out of starting state")
		}
		return fmt.Errorf("starting %s: %w", kind, err)
	}

	done := make(chan struct{})
	svc.mu.Lock()
	svc.handle = handle
	svc.stopRequested = false
	svc.startedAt = time.Now()
	svc.lastErr = nil
	svc.superviseDone = done
	svc.mu.Unlock()

	if _, err := svc.machine.Fire(eventStarted); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"service": string(kind),
		"command": name,
		"port":    cfg.Port,
	}).Info("service started")

	go m.supervise(ctx, svc, name, args, done)
	return nil
}

// supervise restarts the service on unexpected exits until the budget runs
// out, then parks it in Error.
func (m *Manager) supervise(ctx context.Context, svc *service, name string, args []string, done chan struct{}) {
	defer close(done)
	log := m.log.WithField("service", string(svc.kind))

	for {
		svc.mu.Lock()
		handle := svc.handle
		svc.mu.Unlock()

		exitErr := handle.Wait()

		svc.mu.Lock()
		stopRequested := svc.stopRequested
		svc.lastErr = exitErr
		svc.mu.Unlock()

		if stopRequested {
			return
		}

		log.WithError(exitErr).Warn("service exited unexpectedly")

		if !svc.limiter.Allow() {
			if _, err := svc.machine.Fire(eventExhausted); err != nil {
				log.WithError(err).Debug("exhausted out of running state")
			}
			log.Error("restart budget exhausted, service parked in error")
			return
		}

		if _, err := svc.machine.Fire(eventRestart); err != nil {
			return
		}
		newHandle, err := m.runner.Start(ctx, name, args...)
		if err != nil {
			svc.mu.Lock()
			svc.lastErr = err
			svc.mu.Unlock()
			if _, ferr := svc.machine.Fire(eventStartFailed); ferr != nil {
				log.WithError(ferr).Debug("start_failed out of starting state")
			}
			log.WithError(err).Error("restart failed")
			return
		}

		svc.mu.Lock()
		svc.handle = newHandle
		svc.restarts++
		svc.startedAt = time.Now()
		restarts := svc.restarts
		svc.mu.Unlock()

		if _, err := svc.machine.Fire(eventStarted); err != nil {
			return
		}
		log.WithField("restarts", restarts).Info("service restarted")
	}
}

// Stop drains the named service: SIGTERM, wait up to the drain timeout, then
// kill. Idempotent: stopping a stopped service is a no-op.
func (m *Manager) Stop(ctx context.Context, kind ServiceKind) error {
	svc, ok := m.services[kind]
	if !ok {
		return fmt.Errorf("unknown service %q", kind)
	}
	if svc.machine.Is(StateStopped) {
		return nil
	}
	if svc.machine.Is(StateError) {
		// Nothing is running; clear the state so the monitor does not
		// restart a service the operator stopped.
		svc.mu.Lock()
		svc.handle = nil
		svc.lastErr = nil
		svc.mu.Unlock()
		if _, err := svc.machine.Fire(eventStop); err != nil {
			return err
		}
		m.log.WithField("service", string(kind)).Info("service stopped")
		return nil
	}

	svc.mu.Lock()
	svc.stopRequested = true
	handle := svc.handle
	done := svc.superviseDone
	svc.mu.Unlock()

	if _, err := svc.machine.Fire(eventStop); err != nil {
		return err
	}

	if handle != nil {
		if err := handle.Signal(syscall.SIGTERM); err != nil {
			m.log.WithError(err).WithField("service", string(kind)).Debug("SIGTERM failed")
		}

		m.mu.Lock()
		drain := m.cfg.DrainTimeout
		m.mu.Unlock()

		select {
		case <-done:
		case <-time.After(drain):
			m.log.WithField("service", string(kind)).Warn("drain timeout, killing")
			if err := handle.Kill(); err != nil {
				m.log.WithError(err).Debug("kill failed")
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		}
	}

	if _, err := svc.machine.Fire(eventStopped); err != nil {
		return err
	}
	m.log.WithField("service", string(kind)).Info("service stopped")
	return nil
}

// StartEnabled starts every enabled service in order. The shell's host key is
// provisioned first. Partial failure is tolerated: as long as one service
// started the call succeeds, matching the principle that some remote access
// beats none.
func (m *Manager) StartEnabled(ctx context.Context) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if cfg.Shell.Enabled {
		if _, err := EnsureHostKey(cfg.HostKeyDir); err != nil {
			return fmt.Errorf("provisioning host key: %w", err)
		}
		authPath := filepath.Join(cfg.HostKeyDir, "authorized_keys")
		if err := EnsureAuthorizedKeys(authPath, cfg.AuthorizedKeys); err != nil {
			return fmt.Errorf("installing authorized keys: %w", err)
		}
	}

	var started int
	var errs []error
	for _, kind := range startOrder {
		svc := m.services[kind]
		svc.mu.Lock()
		enabled := svc.cfg.Enabled
		svc.mu.Unlock()
		if !enabled {
			continue
		}
		if err := m.Start(ctx, kind); err != nil {
			m.log.WithError(err).WithField("service", string(kind)).Error("service failed to start")
			errs = append(errs, err)
			continue
		}
		started++
	}

	if started == 0 && len(errs) > 0 {
		return fmt.Errorf("no remote services could be started: %v", errs[0])
	}
	return nil
}

// StopAll stops every service in reverse start order. Idempotent.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(startOrder) - 1; i >= 0; i-- {
		if err := m.Stop(ctx, startOrder[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Recover restarts a service parked in Error with a fresh restart budget.
// Used as the monitor's recovery action.
func (m *Manager) Recover(ctx context.Context, kind ServiceKind) error {
	svc, ok := m.services[kind]
	if !ok {
		return fmt.Errorf("unknown service %q", kind)
	}
	if !svc.machine.Is(StateError) {
		return nil
	}

	m.mu.Lock()
	svc.limiter = newBudget(m.cfg)
	m.mu.Unlock()
	return m.Start(ctx, kind)
}

// Reconfigure applies a new configuration, restarting services that were
// running so they pick up new ports or commands.
func (m *Manager) Reconfigure(ctx context.Context, cfg config.Remote) error {
	running := make(map[ServiceKind]bool)
	for _, kind := range startOrder {
		running[kind] = m.services[kind].machine.Is(StateStarting, StateRunning)
	}

	if err := m.StopAll(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	for _, kind := range startOrder {
		svc := m.services[kind]
		svc.mu.Lock()
		svc.cfg = m.serviceConfig(cfg, kind)
		svc.mu.Unlock()
	}

	for _, kind := range startOrder {
		svc := m.services[kind]
		svc.mu.Lock()
		enabled := svc.cfg.Enabled
		svc.mu.Unlock()
		if running[kind] && enabled {
			if err := m.Start(ctx, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status returns a snapshot of every service.
func (m *Manager) Status() []ServiceStatus {
	var out []ServiceStatus
	for _, kind := range startOrder {
		svc := m.services[kind]
		svc.mu.Lock()
		st := ServiceStatus{
			Kind:      kind,
			State:     svc.machine.Current(),
			Port:      svc.cfg.Port,
			Restarts:  svc.restarts,
			StartedAt: svc.startedAt,
		}
		if svc.lastErr != nil {
			st.LastError = svc.lastErr.Error()
		}
		svc.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// HealthCheck fails when any enabled service is parked in Error.
func (m *Manager) HealthCheck(ctx context.Context) error {
	for _, kind := range startOrder {
		svc := m.services[kind]
		svc.mu.Lock()
		enabled := svc.cfg.Enabled
		svc.mu.Unlock()
		if enabled && svc.machine.Is(StateError) {
			return fmt.Errorf("service %s is in error", kind)
		}
	}
	return nil
}

// commandFor builds the launch invocation for a service. Explicit Args in the
// config override the defaults entirely.
func (m *Manager) commandFor(kind ServiceKind, cfg config.RemoteService) (string, []string, error) {
	if len(cfg.Args) > 0 {
		return cfg.Command, cfg.Args, nil
	}
	port := strconv.Itoa(cfg.Port)
	switch kind {
	case DesktopSharing:
		return cfg.Command, []string{"-display", ":0", "-rfbport", port, "-forever", "-shared"}, nil
	case Shell:
		m.mu.Lock()
		keyPath := filepath.Join(m.cfg.HostKeyDir, hostKeyName)
		m.mu.Unlock()
		return cfg.Command, []string{"-D", "-p", port, "-h", keyPath}, nil
	case BrowserProxy:
		m.mu.Lock()
		vncPort := m.cfg.DesktopSharing.Port
		m.mu.Unlock()
		return cfg.Command, []string{
			fmt.Sprintf("0.0.0.0:%d", cfg.Port),
			fmt.Sprintf("localhost:%d", vncPort),
		}, nil
	default:
		return "", nil, fmt.Errorf("unknown service %q", kind)
	}
}
