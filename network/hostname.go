package network

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/sysexec"
)

// GenerateHostname returns prefix plus a random four-digit suffix, e.g.
// "usb-node-4821". Collisions between nodes are tolerable; mDNS resolution is
// per-name and the suffix only needs to be distinct on one LAN segment.
func GenerateHostname(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, 1000+rand.IntN(9000))
}

// HostnamePublisher applies a generated hostname to the system and optionally
// announces it over mDNS via avahi.
type HostnamePublisher struct {
	run  sysexec.Runner
	log  logrus.FieldLogger
	mdns bool
}

func NewHostnamePublisher(run sysexec.Runner, log logrus.FieldLogger, mdns bool) *HostnamePublisher {
	return &HostnamePublisher{run: run, log: log, mdns: mdns}
}

// Apply sets the system hostname. mDNS announcement failures are logged and
// do not fail the call; the hostname itself is still set.
func (p *HostnamePublisher) Apply(ctx context.Context, name string) error {
	if _, err := p.run.Run(ctx, "hostnamectl", "set-hostname", name); err != nil {
		return fmt.Errorf("setting hostname %s: %w", name, err)
	}
	p.log.WithField("hostname", name).Info("hostname set")

	if !p.mdns {
		return nil
	}
	if err := p.announce(ctx, name); err != nil {
		p.log.WithError(err).Warn("mdns announcement failed")
	}
	return nil
}

func (p *HostnamePublisher) announce(ctx context.Context, name string) error {
	if _, err := p.run.Run(ctx, "systemctl", "is-active", "avahi-daemon"); err != nil {
		p.log.Info("avahi-daemon not active, starting it")
		if _, err := p.run.Run(ctx, "systemctl", "start", "avahi-daemon"); err != nil {
			return fmt.Errorf("starting avahi-daemon: %w", err)
		}
	}
	p.log.WithField("fqdn", name+".local").Info("mdns name announced")
	return nil
}
