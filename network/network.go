// Package network owns connectivity: interface selection, DHCP lease
// acquisition and renewal, hostname publication, and the optional egress
// tunnel. The Manager is the single writer of the network state machine.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/fsm"
	"github.com/usbnode/agent/sysexec"
)

// State is the network manager's lifecycle state.
type State string

const (
	StateDown        State = "down"
	StateConfiguring State = "configuring"
	StateUp          State = "up"
	StateError       State = "error"
	StateRecovering  State = "recovering"
)

const (
	eventConfigure fsm.Event = "configure"
	eventBound     fsm.Event = "bound"
	eventFailed    fsm.Event = "failed"
	eventDegrade   fsm.Event = "degrade"
	eventTearDown  fsm.Event = "teardown"
)

// Dependencies carries the Manager's collaborators. Zero fields are filled
// with production implementations by New.
type Dependencies struct {
	Logger logrus.FieldLogger
	Runner sysexec.Runner
	Links  LinkProber
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	State       State     `json:"state"`
	Interface   string    `json:"interface,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Gateway     string    `json:"gateway,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	TunnelUp    bool      `json:"tunnel_up"`
	LeaseExpiry time.Time `json:"lease_expiry,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager drives the network through Down -> Configuring -> Up and handles
// lease renewal and link-loss recovery.
type Manager struct {
	cfg       config.Network
	log       logrus.FieldLogger
	machine   *fsm.Machine[State]
	run       sysexec.Runner
	links     LinkProber
	publisher *HostnamePublisher

	mu         sync.Mutex
	dhcp       *DHCPClient
	lease      *Lease
	hostname   string
	tunnel     *Tunnel
	renewTimer *time.Timer
	lastErr    error
}

func New(cfg config.Network, deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Runner == nil {
		deps.Runner = sysexec.ExecRunner{}
	}
	if deps.Links == nil {
		deps.Links = NetlinkProber{}
	}
	log := deps.Logger.WithField("manager", "network")

	machine := fsm.NewBuilder("network", StateDown, log).
		Permit(StateDown, eventConfigure, StateConfiguring).
		Permit(StateError, eventConfigure, StateConfiguring).
		Permit(StateRecovering, eventConfigure, StateConfiguring).
		Permit(StateConfiguring, eventBound, StateUp).
		Permit(StateConfiguring, eventFailed, StateError).
		Permit(StateUp, eventDegrade, StateRecovering).
		Permit(StateUp, eventTearDown, StateDown).
		Permit(StateConfiguring, eventTearDown, StateDown).
		Permit(StateError, eventTearDown, StateDown).
		Permit(StateRecovering, eventTearDown, StateDown).
		Build()

	m := &Manager{
		cfg:       cfg,
		log:       log,
		machine:   machine,
		run:       deps.Runner,
		links:     deps.Links,
		publisher: NewHostnamePublisher(deps.Runner, log, cfg.PublishMDNS),
	}
	if cfg.Tunnel.Enabled {
		m.tunnel = NewTunnel(cfg.Tunnel, deps.Runner, log)
	}
	return m
}

// Machine exposes the state machine for observers (journal, metrics).
func (m *Manager) Machine() *fsm.Machine[State] { return m.machine }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.machine.Current() }

// Status returns a snapshot of the network configuration.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:    m.machine.Current(),
		Hostname: m.hostname,
	}
	if m.tunnel != nil {
		st.TunnelUp = m.tunnel.Up()
	}
	if m.lease != nil {
		st.Interface = m.lease.Interface
		st.IP = m.lease.IP.String()
		if m.lease.Gateway.IsValid() {
			st.Gateway = m.lease.Gateway.String()
		}
		st.LeaseExpiry = m.lease.Expiry()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// BringUp takes the network from Down to Up: select an interface (waiting for
// carrier when none is present yet), acquire a lease with bounded exponential
// backoff, publish the hostname, and start the tunnel. Already Up is a no-op.
func (m *Manager) BringUp(ctx context.Context) error {
	if m.machine.Is(StateUp) {
		return nil
	}
	if _, err := m.machine.Fire(eventConfigure); err != nil {
		return err
	}
	return m.configure(ctx)
}

// Recover reattempts configuration from Recovering or Error. Used by the
// monitor's recovery action and by the link watcher.
func (m *Manager) Recover(ctx context.Context) error {
	if m.machine.Is(StateUp) {
		return nil
	}
	if _, err := m.machine.Fire(eventConfigure); err != nil {
		return err
	}
	return m.configure(ctx)
}

// configure is the shared Configuring -> Up / Error path. It works from a
// copy of the configuration: Reload may swap m.cfg while this runs.
func (m *Manager) configure(ctx context.Context) error {
	cfg := m.snapshot()

	iface, err := m.waitForInterface(ctx, cfg)
	if err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.dhcp == nil || m.dhcp.iface != iface {
		m.dhcp = NewDHCPClient(iface, m.run, m.log)
	}
	dhcp := m.dhcp
	m.mu.Unlock()

	lease, err := m.acquireWithBackoff(ctx, dhcp, cfg)
	if err != nil {
		m.fail(fmt.Errorf("acquiring lease on %s: %w", iface, err))
		return err
	}

	m.mu.Lock()
	m.lease = lease
	m.lastErr = nil
	if m.hostname == "" {
		m.hostname = GenerateHostname(cfg.HostnamePrefix)
	}
	hostname := m.hostname
	tunnel := m.tunnel
	m.mu.Unlock()

	if err := m.publisher.Apply(ctx, hostname); err != nil {
		m.log.WithError(err).Warn("hostname publication failed")
	}

	if tunnel != nil {
		if err := tunnel.Start(ctx); err != nil {
			switch cfg.Tunnel.FailurePolicy {
			case config.TunnelFailFatal:
				err = fmt.Errorf("tunnel required but failed: %w", err)
				m.fail(err)
				return err
			case config.TunnelFailSilent:
				m.log.WithError(err).Debug("tunnel start failed")
			default:
				m.log.WithError(err).Warn("tunnel start failed, continuing without it")
			}
		}
	}

	if _, err := m.machine.Fire(eventBound); err != nil {
		return err
	}
	m.scheduleRenew(lease)
	return nil
}

// snapshot copies the live configuration under the lock. Reload swaps m.cfg
// concurrently with bring-up and recovery, so those paths read the copy.
func (m *Manager) snapshot() config.Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	if _, ferr := m.machine.Fire(eventFailed); ferr != nil {
		m.log.WithError(ferr).Debug("failure outside configuring state")
	}
}

// waitForInterface polls until a usable interface exists. A pinned interface
// must gain carrier; otherwise the first non-loopback link with carrier wins.
func (m *Manager) waitForInterface(ctx context.Context, cfg config.Network) (string, error) {
	probe := func() (string, error) {
		if cfg.Interface != "" {
			up, err := m.links.IsUp(cfg.Interface)
			if err != nil {
				return "", err
			}
			if up {
				return cfg.Interface, nil
			}
			return "", nil
		}
		return m.links.FirstUp()
	}

	iface, err := probe()
	if err != nil {
		return "", err
	}
	if iface != "" {
		return iface, nil
	}

	m.log.Info("waiting for link")
	ticker := time.NewTicker(cfg.LinkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			iface, err := probe()
			if err != nil {
				return "", err
			}
			if iface != "" {
				m.log.WithField("interface", iface).Info("link detected")
				return iface, nil
			}
		}
	}
}

// acquireWithBackoff retries lease acquisition with exponential delays capped
// at BackoffCap. The attempt budget is DHCPRetries in total.
func (m *Manager) acquireWithBackoff(ctx context.Context, dhcp *DHCPClient, cfg config.Network) (*Lease, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.Multiplier = 2
	bo.MaxInterval = cfg.BackoffCap
	bo.MaxElapsedTime = 0
	if cfg.NoJitter {
		bo.RandomizationFactor = 0
	}

	var lease *Lease
	attempt := 0
	op := func() error {
		attempt++
		l, err := dhcp.Acquire(ctx)
		if err != nil {
			m.log.WithError(err).WithField("attempt", attempt).Warn("dhcp attempt failed")
			return err
		}
		lease = l
		return nil
	}

	retries := uint64(cfg.DHCPRetries - 1)
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return nil, err
	}
	return lease, nil
}

// scheduleRenew arms a timer at RenewFraction of the lease TTL. Renewal runs
// off the timer goroutine; a failed renewal degrades to Recovering and kicks
// off recovery.
func (m *Manager) scheduleRenew(lease *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.renewTimer != nil {
		m.renewTimer.Stop()
	}
	delay := lease.RenewAfter(m.cfg.RenewFraction)
	m.renewTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := m.Renew(ctx); err != nil {
			m.log.WithError(err).Error("lease renewal failed")
		}
	})
	m.log.WithField("renew_in", delay.String()).Debug("renewal scheduled")
}

// Renew reacquires the lease before expiry. On failure the manager degrades
// to Recovering and immediately attempts recovery.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	dhcp := m.dhcp
	m.mu.Unlock()
	if dhcp == nil {
		return fmt.Errorf("no active lease to renew")
	}

	lease, err := m.acquireWithBackoff(ctx, dhcp, m.snapshot())
	if err == nil {
		m.mu.Lock()
		m.lease = lease
		m.mu.Unlock()
		m.scheduleRenew(lease)
		m.log.Info("lease renewed")
		return nil
	}

	if _, ferr := m.machine.Fire(eventDegrade); ferr != nil {
		return err
	}
	m.log.WithError(err).Warn("renewal failed, entering recovery")
	if rerr := m.Recover(ctx); rerr != nil {
		return rerr
	}
	return nil
}

// WatchLink polls the active interface and degrades to Recovering when
// carrier is lost, then reattempts configuration. Blocks until ctx ends.
func (m *Manager) WatchLink(ctx context.Context) {
	ticker := time.NewTicker(m.snapshot().LinkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.linkLost() {
				if err := m.Recover(ctx); err != nil {
					m.log.WithError(err).Error("link recovery failed")
				}
			}
		}
	}
}

// linkLost checks carrier while Up and fires the degrade transition when it
// is gone. Returns true when recovery should run.
func (m *Manager) linkLost() bool {
	if !m.machine.Is(StateUp) {
		return false
	}
	m.mu.Lock()
	lease := m.lease
	m.mu.Unlock()
	if lease == nil {
		return false
	}

	up, err := m.links.IsUp(lease.Interface)
	if err != nil {
		m.log.WithError(err).Warn("link probe failed")
		return false
	}
	if up {
		return false
	}

	m.log.WithField("interface", lease.Interface).Warn("carrier lost")
	if _, err := m.machine.Fire(eventDegrade); err != nil {
		return false
	}
	return true
}

// HealthCheck reports healthy only when Up with carrier still present.
func (m *Manager) HealthCheck(ctx context.Context) error {
	state := m.machine.Current()
	if state != StateUp {
		return fmt.Errorf("network is %s", state)
	}
	m.mu.Lock()
	lease := m.lease
	m.mu.Unlock()
	if lease == nil {
		return fmt.Errorf("network up without lease")
	}
	up, err := m.links.IsUp(lease.Interface)
	if err != nil {
		return fmt.Errorf("probing %s: %w", lease.Interface, err)
	}
	if !up {
		return fmt.Errorf("interface %s lost carrier", lease.Interface)
	}
	return nil
}

// TearDown releases the lease, stops the tunnel, and returns to Down.
// Idempotent: calling it in Down is a no-op.
func (m *Manager) TearDown(ctx context.Context) error {
	if m.machine.Is(StateDown) {
		return nil
	}

	m.mu.Lock()
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
	dhcp := m.dhcp
	m.lease = nil
	tunnel := m.tunnel
	m.mu.Unlock()

	if tunnel != nil {
		tunnel.Stop(ctx)
	}
	if dhcp != nil {
		dhcp.Release(ctx)
	}

	if _, err := m.machine.Fire(eventTearDown); err != nil {
		return err
	}
	m.log.Info("network down")
	return nil
}

// Reload applies a new network configuration. Retry and polling knobs take
// effect immediately; an interface repin or tunnel change while Up degrades
// to Recovering and reconfigures.
func (m *Manager) Reload(ctx context.Context, cfg config.Network) error {
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg

	tunnelChanged := old.Tunnel != cfg.Tunnel
	oldTunnel := m.tunnel
	if tunnelChanged {
		m.tunnel = nil
		if cfg.Tunnel.Enabled {
			m.tunnel = NewTunnel(cfg.Tunnel, m.run, m.log)
		}
	}
	newTunnel := m.tunnel
	repinned := old.Interface != cfg.Interface
	m.mu.Unlock()

	if tunnelChanged && oldTunnel != nil {
		oldTunnel.Stop(ctx)
	}

	if !m.machine.Is(StateUp) {
		return nil
	}
	if repinned {
		if _, err := m.machine.Fire(eventDegrade); err != nil {
			return err
		}
		return m.Recover(ctx)
	}
	if tunnelChanged && newTunnel != nil {
		if err := newTunnel.Start(ctx); err != nil && cfg.Tunnel.FailurePolicy != config.TunnelFailSilent {
			m.log.WithError(err).Warn("tunnel start failed after reload")
		}
	}
	return nil
}
