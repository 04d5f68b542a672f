package network

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/sysexec"
)

// defaultLeaseTTL is assumed when the DHCP server does not expose the lease
// time through the client output.
const defaultLeaseTTL = time.Hour

// Lease is a snapshot of the address configuration obtained from DHCP.
type Lease struct {
	Interface  string
	IP         netip.Addr
	Gateway    netip.Addr // zero value when no default route exists
	DNS        []netip.Addr
	TTL        time.Duration
	AcquiredAt time.Time
}

// Expiry returns the instant the lease lapses.
func (l *Lease) Expiry() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// RenewAfter returns how long to wait before renewing, as a fraction of the
// TTL. The result is always strictly before expiry.
func (l *Lease) RenewAfter(fraction float64) time.Duration {
	return time.Duration(float64(l.TTL) * fraction)
}

// Expired reports whether the lease TTL has lapsed.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.Expiry())
}

// DHCPClient drives the system dhclient for a single interface. Each Acquire
// is one attempt; retry policy belongs to the Manager.
type DHCPClient struct {
	iface      string
	run        sysexec.Runner
	log        logrus.FieldLogger
	resolvConf string
}

func NewDHCPClient(iface string, run sysexec.Runner, log logrus.FieldLogger) *DHCPClient {
	return &DHCPClient{
		iface:      iface,
		run:        run,
		log:        log.WithField("interface", iface),
		resolvConf: "/etc/resolv.conf",
	}
}

// Acquire runs dhclient once and reads the resulting configuration back from
// the interface and routing table.
func (c *DHCPClient) Acquire(ctx context.Context) (*Lease, error) {
	if _, err := c.run.Run(ctx, "dhclient", "-v", c.iface); err != nil {
		return nil, fmt.Errorf("dhclient on %s: %w", c.iface, err)
	}

	out, err := c.run.Run(ctx, "ip", "addr", "show", c.iface)
	if err != nil {
		return nil, fmt.Errorf("reading address of %s: %w", c.iface, err)
	}
	ip, err := parseInterfaceAddr(string(out))
	if err != nil {
		return nil, err
	}

	lease := &Lease{
		Interface:  c.iface,
		IP:         ip,
		TTL:        defaultLeaseTTL,
		AcquiredAt: time.Now(),
	}

	if out, err := c.run.Run(ctx, "ip", "route", "show", "default"); err == nil {
		lease.Gateway = parseDefaultGateway(string(out))
	}
	if data, err := os.ReadFile(c.resolvConf); err == nil {
		lease.DNS = parseResolvConf(string(data))
	}

	c.log.WithFields(logrus.Fields{
		"ip":      lease.IP.String(),
		"gateway": lease.Gateway.String(),
		"dns":     len(lease.DNS),
	}).Info("dhcp lease acquired")

	return lease, nil
}

// Release asks dhclient to give the lease back. Failures are logged, not
// returned; the lease is gone either way once the process exits.
func (c *DHCPClient) Release(ctx context.Context) {
	if _, err := c.run.Run(ctx, "dhclient", "-r", c.iface); err != nil {
		c.log.WithError(err).Warn("dhcp release failed")
		return
	}
	c.log.Info("dhcp lease released")
}

// parseInterfaceAddr extracts the first non-loopback IPv4 address from
// `ip addr show` output.
func parseInterfaceAddr(out string) (netip.Addr, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") || strings.Contains(line, "127.0.0.1") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(strings.SplitN(fields[1], "/", 2)[0])
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parsing address %q: %w", fields[1], err)
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("no address configured")
}

// parseDefaultGateway extracts the next-hop from `ip route show default`
// output. Returns the zero Addr when there is no default route.
func parseDefaultGateway(out string) netip.Addr {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "default via") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if gw, err := netip.ParseAddr(fields[2]); err == nil {
			return gw
		}
	}
	return netip.Addr{}
}

func parseResolvConf(data string) []netip.Addr {
	var servers []netip.Addr
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		if addr, err := netip.ParseAddr(fields[1]); err == nil {
			servers = append(servers, addr)
		}
	}
	return servers
}
