// Package agent wires the subsystem managers together and drives their
// lifecycle: ordered startup, health monitoring with recovery, config reload
// and ordered shutdown.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/disk"
	"github.com/usbnode/agent/fsm"
	"github.com/usbnode/agent/iso"
	"github.com/usbnode/agent/journal"
	"github.com/usbnode/agent/monitor"
	"github.com/usbnode/agent/network"
	"github.com/usbnode/agent/remote"
)

// NetworkManager is the network surface the orchestrator drives.
type NetworkManager interface {
	BringUp(ctx context.Context) error
	WatchLink(ctx context.Context)
	TearDown(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Recover(ctx context.Context) error
	Reload(ctx context.Context, cfg config.Network) error
	Status() network.Status
}

// RemoteManager is the remote-access surface the orchestrator drives.
type RemoteManager interface {
	StartEnabled(ctx context.Context) error
	StopAll(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Recover(ctx context.Context, kind remote.ServiceKind) error
	Reconfigure(ctx context.Context, cfg config.Remote) error
	Status() []remote.ServiceStatus
}

// IsoManager is the image surface the orchestrator drives.
type IsoManager interface {
	Reconcile(ctx context.Context) error
	Scan(ctx context.Context) ([]iso.Image, error)
	UnmountAll(ctx context.Context) error
	ReleaseRecorded(ctx context.Context, imageID string) error
	HealthCheck(ctx context.Context) error
	Mounts() []iso.MountRecord
	Close() error
}

// MonitorRunner schedules health checks.
type MonitorRunner interface {
	Register(c monitor.Check) error
	OnAlert(fn func(monitor.Alert))
	Start(ctx context.Context)
	Stop()
	Healthy() bool
	Results() map[string]monitor.HealthRecord
}

// Dependencies lets tests substitute managers. Nil fields are filled with
// production implementations by New.
type Dependencies struct {
	Logger  logrus.FieldLogger
	Network NetworkManager
	Remote  RemoteManager
	Iso     IsoManager
	Disk    *disk.Manager
	Monitor MonitorRunner
	Journal *journal.Journal

	// LookPath overrides binary resolution in precondition checks.
	LookPath func(name string) (string, error)
	// Euid overrides the effective uid in precondition checks.
	Euid func() int
}

// Agent owns the subsystem managers and the local HTTP surface.
type Agent struct {
	cfg        *config.Config
	configPath string
	log        logrus.FieldLogger

	registry *prometheus.Registry
	metrics  *monitor.Metrics

	network NetworkManager
	remote  RemoteManager
	iso     IsoManager
	disk    *disk.Manager
	monitor MonitorRunner
	journal *journal.Journal

	lookPath func(name string) (string, error)
	euid     func() int

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the agent. configPath is remembered for SIGHUP reloads; it may
// point at a nonexistent file.
func New(cfg *config.Config, configPath string, deps Dependencies) (*Agent, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.Euid == nil {
		deps.Euid = os.Geteuid
	}
	log := deps.Logger.WithField("component", "agent")

	a := &Agent{
		cfg:        cfg,
		configPath: configPath,
		log:        log,
		registry:   prometheus.NewRegistry(),
		network:    deps.Network,
		remote:     deps.Remote,
		iso:        deps.Iso,
		disk:       deps.Disk,
		monitor:    deps.Monitor,
		journal:    deps.Journal,
		lookPath:   deps.LookPath,
		euid:       deps.Euid,
	}
	a.metrics = monitor.NewMetrics(a.registry)

	if a.journal == nil {
		path := cfg.Journal.Path
		if path == "" {
			path = filepath.Join(cfg.Agent.DataDir, "journal.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		j, err := journal.Open(journal.Config{Path: path, RetainEvents: cfg.Journal.RetainEvents})
		if err != nil {
			return nil, err
		}
		a.journal = j
	}

	if a.network == nil {
		nm := network.New(cfg.Network, network.Dependencies{Logger: deps.Logger})
		observeMachine(a, nm.Machine())
		a.network = nm
	}
	if a.remote == nil {
		rm := remote.New(cfg.Remote, remote.Dependencies{Logger: deps.Logger})
		for _, kind := range []remote.ServiceKind{remote.DesktopSharing, remote.Shell, remote.BrowserProxy} {
			observeMachine(a, rm.Machine(kind))
		}
		a.remote = rm
	}
	if a.iso == nil {
		store, err := iso.OpenStateStore(filepath.Join(cfg.Agent.DataDir, "iso-mounts.db"))
		if err != nil {
			return nil, err
		}
		im, err := iso.New(cfg.Iso, iso.Dependencies{Logger: deps.Logger, Store: store})
		if err != nil {
			store.Close()
			return nil, err
		}
		observeMachine(a, im.Machine())
		a.iso = im
	}
	if a.disk == nil {
		dm := disk.New(cfg.Disk, disk.Dependencies{Logger: deps.Logger})
		observeMachine(a, dm.Machine())
		a.disk = dm
	}
	if a.monitor == nil {
		a.monitor = monitor.New(cfg.Monitor, monitor.Dependencies{
			Logger:  deps.Logger,
			Metrics: a.metrics,
		})
	}
	return a, nil
}

// observeMachine feeds a state machine's transitions into metrics and the
// journal.
func observeMachine[S ~string](a *Agent, m *fsm.Machine[S]) {
	name := m.Name()
	m.Subscribe(func(from, to S, event fsm.Event) error {
		a.metrics.ObserveTransition(name, string(from), string(to))
		ctx, cancel := journalContext()
		defer cancel()
		return a.journal.Append(ctx, name, journal.KindTransition,
			fmt.Sprintf("%s -> %s (%s)", from, to, event))
	})
}

// journalContext bounds journal writes made from observers and callbacks.
func journalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// Disk returns the disk manager. Disk operations are operator-initiated and
// never started by the orchestrator itself.
func (a *Agent) Disk() *disk.Manager {
	return a.disk
}

// requiredTools must resolve on PATH before startup proceeds.
var requiredTools = []string{"dhclient", "ip"}

// Preconditions verifies the agent can operate: effective root when required
// and the external tools the network path shells out to.
func (a *Agent) Preconditions() error {
	if a.cfg.Agent.RequireRoot && a.euid() != 0 {
		return fmt.Errorf("agent must run as root (uid %d)", a.euid())
	}
	for _, tool := range requiredTools {
		if _, err := a.lookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found on PATH", tool)
		}
	}
	return nil
}

// Run starts every subsystem in order and blocks until ctx is canceled, then
// shuts down in reverse order. SIGHUP reloads the configuration.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Preconditions(); err != nil {
		return err
	}
	a.appendJournal("agent", journal.KindAction, "starting")

	// Network first. A failed bring-up is not fatal; the monitor's
	// recovery action keeps retrying once checks are running.
	networkUp := true
	if err := a.network.BringUp(ctx); err != nil {
		networkUp = false
		a.log.WithError(err).Error("network bring-up failed")
	}
	go a.network.WatchLink(ctx)

	// Remote access is gated on the network being up.
	if networkUp {
		if err := a.remote.StartEnabled(ctx); err != nil {
			a.log.WithError(err).Error("remote services failed to start")
		}
	} else {
		a.log.Warn("network down, deferring remote services to recovery")
	}

	// Image handling is independent of the network.
	if err := a.iso.Reconcile(ctx); err != nil {
		a.log.WithError(err).Warn("mount reconciliation failed")
	}
	if _, err := a.iso.Scan(ctx); err != nil {
		a.log.WithError(err).Warn("image scan failed")
	}

	if err := a.registerChecks(); err != nil {
		return err
	}
	a.monitor.OnAlert(func(alert monitor.Alert) {
		a.appendJournal(alert.Check, journal.KindAlert,
			fmt.Sprintf("[%s] %s", alert.Severity, alert.Message))
	})
	a.monitor.Start(ctx)

	srvErr := make(chan error, 1)
	srv := a.startHTTP(srvErr)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	a.log.WithField("listen", a.cfg.Agent.ListenAddr).Info("agent running")

	for {
		select {
		case <-ctx.Done():
			return a.Shutdown(context.Background(), srv)
		case err := <-srvErr:
			a.log.WithError(err).Error("http server failed")
			return a.Shutdown(context.Background(), nil)
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				a.log.WithError(err).Error("config reload failed")
			}
		}
	}
}

// registerChecks installs the monitor checks and their recovery actions.
func (a *Agent) registerChecks() error {
	if err := a.monitor.Register(monitor.Check{
		Name:    "network",
		Check:   a.network.HealthCheck,
		Recover: a.networkRecovery,
	}); err != nil {
		return err
	}
	if err := a.monitor.Register(monitor.Check{
		Name:    "remote",
		Check:   a.remote.HealthCheck,
		Recover: a.remoteRecovery,
	}); err != nil {
		return err
	}
	return a.monitor.Register(monitor.Check{
		Name:    "iso",
		Check:   a.iso.HealthCheck,
		Recover: a.isoRecovery,
	})
}

// networkRecovery re-runs bring-up and, once the network is back, starts any
// remote services that were deferred at boot.
func (a *Agent) networkRecovery(ctx context.Context) error {
	if err := a.network.Recover(ctx); err != nil {
		return err
	}
	if err := a.remote.StartEnabled(ctx); err != nil {
		a.log.WithError(err).Warn("remote services still failing after network recovery")
	}
	return nil
}

// remoteRecovery restarts every service that has parked in Error.
func (a *Agent) remoteRecovery(ctx context.Context) error {
	var firstErr error
	for _, st := range a.remote.Status() {
		if st.State != remote.StateError {
			continue
		}
		if err := a.remote.Recover(ctx, st.Kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isoRecovery drops mounts whose targets have gone away and refreshes the
// catalog.
func (a *Agent) isoRecovery(ctx context.Context) error {
	for _, rec := range a.iso.Mounts() {
		if _, err := os.Stat(rec.Target); err == nil {
			continue
		}
		if err := a.iso.ReleaseRecorded(ctx, rec.ImageID); err != nil {
			a.log.WithError(err).WithField("image_id", rec.ImageID).Warn("releasing broken mount failed")
		}
	}
	_, err := a.iso.Scan(ctx)
	return err
}

// Reload re-reads the config file and applies the parts that can change at
// runtime: the network and remote sections.
func (a *Agent) Reload(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.log.Info("configuration reloaded")
	a.appendJournal("agent", journal.KindAction, "config reloaded")
	a.cfg.Network = cfg.Network
	a.cfg.Remote = cfg.Remote
	if err := a.network.Reload(ctx, cfg.Network); err != nil {
		return err
	}
	return a.remote.Reconfigure(ctx, cfg.Remote)
}

// Shutdown stops every subsystem in reverse start order. Idempotent; repeated
// calls return the first result. Disk is absent from the sequence because it
// is never auto-started.
func (a *Agent) Shutdown(ctx context.Context, srv httpCloser) error {
	a.shutdownOnce.Do(func() {
		a.log.Info("shutting down")
		a.monitor.Stop()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.WithError(err).Warn("http shutdown failed")
			}
		}
		if err := a.remote.StopAll(ctx); err != nil {
			a.log.WithError(err).Warn("remote shutdown failed")
			a.shutdownErr = err
		}
		if err := a.iso.UnmountAll(ctx); err != nil {
			a.log.WithError(err).Warn("unmount failed")
			if a.shutdownErr == nil {
				a.shutdownErr = err
			}
		}
		if err := a.iso.Close(); err != nil {
			a.log.WithError(err).Warn("closing image state failed")
		}
		if err := a.network.TearDown(ctx); err != nil {
			a.log.WithError(err).Warn("network teardown failed")
			if a.shutdownErr == nil {
				a.shutdownErr = err
			}
		}
		a.appendJournal("agent", journal.KindAction, "stopped")
		if err := a.journal.Close(); err != nil {
			a.log.WithError(err).Warn("closing journal failed")
		}
	})
	return a.shutdownErr
}

func (a *Agent) appendJournal(subsystem, kind, message string) {
	ctx, cancel := journalContext()
	defer cancel()
	if err := a.journal.Append(ctx, subsystem, kind, message); err != nil {
		a.log.WithError(err).Warn("journal append failed")
	}
}
