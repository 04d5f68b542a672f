// Package monitor runs periodic health checks over the other managers and
// triggers their recovery actions when a check fails often enough. Each check
// gets its own goroutine; results are published as immutable snapshots so
// readers (the health endpoint) never contend with writers.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/config"
)

// CheckFunc probes one subsystem. It must honor ctx; a check that overruns
// its timeout is counted as a failure.
type CheckFunc func(ctx context.Context) error

// RecoverFunc attempts to repair the subsystem behind a failing check.
type RecoverFunc func(ctx context.Context) error

// Check is one registered health probe.
type Check struct {
	Name string
	// Interval overrides the manager-wide check interval when positive.
	Interval time.Duration
	Check    CheckFunc
	// Recover, when set, runs after FailureThreshold consecutive
	// failures. It fires exactly once per threshold crossing.
	Recover RecoverFunc
}

// HealthRecord is the published result of a check's most recent runs.
type HealthRecord struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastChecked         time.Time     `json:"last_checked"`
	LastLatency         time.Duration `json:"last_latency"`
	Recoveries          int           `json:"recoveries"`
}

// Alert is an operator-visible event emitted on failures and recoveries.
type Alert struct {
	ID       string    `json:"id"`
	Check    string    `json:"check"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

const maxAlerts = 256

// Dependencies carries the Manager's collaborators.
type Dependencies struct {
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// Manager schedules health checks and owns their result records.
type Manager struct {
	cfg     config.Monitor
	log     logrus.FieldLogger
	metrics *Metrics

	// mu serializes writers; readers go through the atomic snapshot.
	mu       sync.Mutex
	snapshot atomic.Pointer[immutable.Map[string, HealthRecord]]
	checks   []Check
	alerts   []Alert
	onAlert  func(Alert)
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg config.Monitor, deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	m := &Manager{
		cfg:     cfg,
		log:     deps.Logger.WithField("manager", "monitor"),
		metrics: deps.Metrics,
	}
	m.snapshot.Store(immutable.NewMap[string, HealthRecord](nil))
	return m
}

// Register adds a check. All registration happens before Start.
func (m *Manager) Register(c Check) error {
	if c.Name == "" || c.Check == nil {
		return fmt.Errorf("check needs a name and a probe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("cannot register %q after start", c.Name)
	}
	for _, existing := range m.checks {
		if existing.Name == c.Name {
			return fmt.Errorf("check %q already registered", c.Name)
		}
	}
	m.checks = append(m.checks, c)
	return nil
}

// OnAlert registers a callback invoked for every alert, used to feed the
// event journal. Must be set before Start.
func (m *Manager) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// Start launches one goroutine per registered check.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || !m.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()

	for _, c := range checks {
		interval := c.Interval
		if interval <= 0 {
			interval = m.cfg.CheckInterval
		}
		m.wg.Add(1)
		go m.loop(ctx, c, interval)
	}
	m.log.WithField("checks", len(checks)).Info("monitoring started")
}

// Stop halts all check loops and waits for them to exit. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, c Check, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx, c)
		}
	}
}

// RunOnce executes every registered check a single time. Used at startup for
// an immediate baseline and by tests.
func (m *Manager) RunOnce(ctx context.Context) {
	m.mu.Lock()
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()
	for _, c := range checks {
		m.runCheck(ctx, c)
	}
}

// runCheck executes the probe under the check timeout and folds the result
// into the published snapshot. An overrun counts as a failure even if the
// probe eventually returns.
func (m *Manager) runCheck(ctx context.Context, c Check) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Check(cctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-cctx.Done():
		err = fmt.Errorf("check %q timed out after %s", c.Name, m.cfg.CheckTimeout)
	}
	latency := time.Since(start)

	if m.metrics != nil {
		m.metrics.observeCheck(c.Name, latency, err != nil)
	}
	m.record(ctx, c, err, latency)
}

func (m *Manager) record(ctx context.Context, c Check, err error, latency time.Duration) {
	m.mu.Lock()

	snap := m.snapshot.Load()
	rec, _ := snap.Get(c.Name)
	rec.Name = c.Name
	rec.LastChecked = time.Now()
	rec.LastLatency = latency

	fireRecovery := false
	if err == nil {
		if !rec.Healthy && rec.ConsecutiveFailures > 0 {
			m.alert(Alert{
				ID:       uuid.NewString(),
				Check:    c.Name,
				Severity: "info",
				Message:  "check recovered",
				At:       time.Now(),
			})
		}
		rec.Healthy = true
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
	} else {
		rec.Healthy = false
		rec.ConsecutiveFailures++
		rec.LastError = err.Error()

		severity := "warning"
		if rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
			severity = "critical"
		}
		m.alert(Alert{
			ID:       uuid.NewString(),
			Check:    c.Name,
			Severity: severity,
			Message:  err.Error(),
			At:       time.Now(),
		})

		// Fire recovery exactly once per threshold crossing: the
		// counter resets so it only re-fires after another full run
		// of consecutive failures.
		if rec.ConsecutiveFailures == m.cfg.FailureThreshold && c.Recover != nil {
			fireRecovery = true
			rec.ConsecutiveFailures = 0
			rec.Recoveries++
		}
	}

	m.snapshot.Store(snap.Set(c.Name, rec))
	m.mu.Unlock()

	if fireRecovery {
		m.log.WithField("check", c.Name).Warn("failure threshold reached, running recovery")
		if m.metrics != nil {
			m.metrics.observeRecovery(c.Name)
		}
		if rerr := c.Recover(ctx); rerr != nil {
			m.log.WithError(rerr).WithField("check", c.Name).Error("recovery failed")
		}
	}
}

// alert appends under the writer lock.
func (m *Manager) alert(a Alert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	if m.onAlert != nil {
		go m.onAlert(a)
	}
}

// Results returns the latest record for every check.
func (m *Manager) Results() map[string]HealthRecord {
	snap := m.snapshot.Load()
	out := make(map[string]HealthRecord, snap.Len())
	itr := snap.Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		out[k] = v
	}
	return out
}

// Healthy reports whether every check's latest run passed.
func (m *Manager) Healthy() bool {
	snap := m.snapshot.Load()
	itr := snap.Iterator()
	for !itr.Done() {
		_, rec, _ := itr.Next()
		if !rec.Healthy {
			return false
		}
	}
	return true
}

// Alerts returns the retained alert history, oldest first.
func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
