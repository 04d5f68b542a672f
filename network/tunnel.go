package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/sysexec"
)

// Tunnel establishes the optional egress tunnel once a lease is held. All
// three providers are driven through their own CLIs; the agent only tracks
// whether the tunnel was brought up so it can be torn down symmetrically.
type Tunnel struct {
	cfg  config.Tunnel
	run  sysexec.Runner
	log  logrus.FieldLogger
	sock string

	mu sync.Mutex
	up bool
}

func NewTunnel(cfg config.Tunnel, run sysexec.Runner, log logrus.FieldLogger) *Tunnel {
	return &Tunnel{
		cfg:  cfg,
		run:  run,
		log:  log.WithField("provider", cfg.Provider),
		sock: filepath.Join(os.TempDir(), "nodeagent-tunnel.sock"),
	}
}

// Start brings the tunnel up. Idempotent: a second call while up is a no-op.
func (t *Tunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.up {
		return nil
	}

	var err error
	switch t.cfg.Provider {
	case "tailscale":
		_, err = t.run.Run(ctx, "tailscale", "up", "--authkey", t.cfg.AuthKey)
	case "wireguard":
		_, err = t.run.Run(ctx, "wg-quick", "up", t.cfg.ConfigPath)
	case "ssh":
		// Control socket so Stop can tear the background session down
		// without tracking the pid.
		_, err = t.run.Run(ctx, "ssh",
			"-f", "-N",
			"-M", "-S", t.sock,
			"-o", "ExitOnForwardFailure=yes",
			"-R", fmt.Sprintf("%d:localhost:22", t.cfg.RemotePort),
			t.cfg.Endpoint)
	default:
		return fmt.Errorf("unknown tunnel provider %q", t.cfg.Provider)
	}
	if err != nil {
		return fmt.Errorf("starting %s tunnel: %w", t.cfg.Provider, err)
	}

	t.up = true
	t.log.Info("tunnel up")
	return nil
}

// Stop tears the tunnel down. Idempotent: a no-op when not up. Errors are
// logged and swallowed; teardown must not block network shutdown.
func (t *Tunnel) Stop(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.up {
		return
	}

	var err error
	switch t.cfg.Provider {
	case "tailscale":
		_, err = t.run.Run(ctx, "tailscale", "down")
	case "wireguard":
		_, err = t.run.Run(ctx, "wg-quick", "down", t.cfg.ConfigPath)
	case "ssh":
		_, err = t.run.Run(ctx, "ssh", "-S", t.sock, "-O", "exit", t.cfg.Endpoint)
	}
	if err != nil {
		t.log.WithError(err).Warn("tunnel teardown failed")
	}

	t.up = false
	t.log.Info("tunnel down")
}

// Up reports whether Start has succeeded without a matching Stop.
func (t *Tunnel) Up() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.up
}
