// Package config defines the agent's on-disk configuration, its defaults, and
// validation. Configuration is a single YAML document; absent fields fall back
// to DefaultConfig values so a minimal file stays minimal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Agent   Agent   `yaml:"agent"`
	Network Network `yaml:"network"`
	Disk    Disk    `yaml:"disk"`
	Iso     Iso     `yaml:"iso"`
	Remote  Remote  `yaml:"remote"`
	Monitor Monitor `yaml:"monitor"`
	Journal Journal `yaml:"journal"`
}

// Agent holds daemon-wide settings.
type Agent struct {
	// DataDir is the root for all persistent agent state (mount records,
	// event journal, generated keys).
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the bind address of the local HTTP surface
	// (health and metrics).
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	// RequireRoot aborts startup when the agent is not running as root.
	// Disabled only in tests.
	RequireRoot bool `yaml:"require_root"`
}

// TunnelFailurePolicy controls how a tunnel start failure affects network
// bring-up.
type TunnelFailurePolicy string

const (
	// TunnelFailWarn logs the failure and continues; the network still
	// reaches Up.
	TunnelFailWarn TunnelFailurePolicy = "warn"
	// TunnelFailSilent continues without logging above debug.
	TunnelFailSilent TunnelFailurePolicy = "silent"
	// TunnelFailFatal treats the tunnel failure as a network bring-up
	// failure.
	TunnelFailFatal TunnelFailurePolicy = "fatal"
)

// Network configures interface selection, DHCP, hostname publication and the
// optional egress tunnel.
type Network struct {
	// Interface pins DHCP to a specific interface; empty means pick the
	// first non-loopback interface whose link is up.
	Interface string `yaml:"interface"`

	// DHCP retry schedule. Delays grow exponentially from BackoffInitial
	// up to BackoffCap, with jitter unless disabled.
	DHCPRetries    int           `yaml:"dhcp_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	NoJitter       bool          `yaml:"no_jitter"`

	// RenewFraction is the fraction of the lease TTL after which renewal
	// is attempted.
	RenewFraction float64 `yaml:"renew_fraction"`

	// LinkPollInterval is how often the link state of the active interface
	// is re-checked while waiting for carrier or while Up.
	LinkPollInterval time.Duration `yaml:"link_poll_interval"`

	HostnamePrefix string `yaml:"hostname_prefix"`
	PublishMDNS    bool   `yaml:"publish_mdns"`

	Tunnel Tunnel `yaml:"tunnel"`
}

// Tunnel configures the optional egress tunnel established after a lease is
// held.
type Tunnel struct {
	Enabled bool `yaml:"enabled"`
	// Provider is one of "tailscale", "wireguard" or "ssh".
	Provider string `yaml:"provider"`
	// AuthKey is the tailscale pre-auth key.
	AuthKey string `yaml:"auth_key"`
	// ConfigPath is the wireguard config passed to wg-quick.
	ConfigPath string `yaml:"config_path"`
	// Endpoint is the remote host for ssh reverse tunnels.
	Endpoint      string              `yaml:"endpoint"`
	RemotePort    int                 `yaml:"remote_port"`
	FailurePolicy TunnelFailurePolicy `yaml:"failure_policy"`
}

// Disk configures destructive block-device operations.
type Disk struct {
	// AllowedDevices restricts ApplyPlan targets; empty allows any
	// device that enumeration reports.
	AllowedDevices []string `yaml:"allowed_devices"`
	// Table is the partition table kind written by ApplyPlan: "gpt" or
	// "msdos".
	Table string `yaml:"table"`
	// DefaultFilesystem is used when an operation does not name one.
	DefaultFilesystem string `yaml:"default_filesystem"`
	// AutoPartition permits installer launches to partition their target
	// device without a separate apply step.
	AutoPartition bool `yaml:"auto_partition"`
	// AutoFormat makes ApplyPlan format each partition after writing the
	// table. When false, applies stop after partitioning.
	AutoFormat bool `yaml:"auto_format"`
	// CommandTimeout bounds each partitioning or formatting command.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// SysRoot is the sysfs mount used for capacity lookups.
	SysRoot string `yaml:"sys_root"`
}

// Iso configures image discovery and mounting.
type Iso struct {
	// ScanPaths are the directories searched for images.
	ScanPaths []string `yaml:"scan_paths"`
	// Patterns are filename globs an image must match, e.g. "*.iso".
	Patterns []string `yaml:"patterns"`
	// MountRoot is the directory under which per-image mount points are
	// created.
	MountRoot string `yaml:"mount_root"`
	// MountRetries bounds retries of a failing mount attempt.
	MountRetries int `yaml:"mount_retries"`
}

// RemoteService configures one supervised remote-access service.
type RemoteService struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Command string `yaml:"command"`
	// Args overrides the default argument list when non-empty.
	Args []string `yaml:"args"`
}

// Remote configures the remote-access services and their restart budget.
type Remote struct {
	DesktopSharing RemoteService `yaml:"desktop_sharing"`
	Shell          RemoteService `yaml:"shell"`
	BrowserProxy   RemoteService `yaml:"browser_proxy"`

	// RestartBudget is the number of automatic restarts allowed per
	// service within RestartWindow before the service parks in Error.
	RestartBudget int           `yaml:"restart_budget"`
	RestartWindow time.Duration `yaml:"restart_window"`
	// DrainTimeout is how long a stopping service may run after SIGTERM
	// before it is killed.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// HostKeyDir holds generated ssh host keys for the shell service.
	HostKeyDir string `yaml:"host_key_dir"`
	// AuthorizedKeys are installed for the shell service at startup.
	AuthorizedKeys []string `yaml:"authorized_keys"`
}

// Monitor configures periodic health checking and recovery.
type Monitor struct {
	Enabled bool `yaml:"enabled"`
	// CheckInterval is the default period between runs of each check.
	CheckInterval time.Duration `yaml:"check_interval"`
	// CheckTimeout bounds a single check execution; an overrun counts as
	// a failure.
	CheckTimeout time.Duration `yaml:"check_timeout"`
	// FailureThreshold is the count of consecutive failures that triggers
	// the check's recovery action.
	FailureThreshold int `yaml:"failure_threshold"`
}

// Journal configures the persistent event log.
type Journal struct {
	// Path overrides the default journal location under the data dir.
	Path string `yaml:"path"`
	// RetainEvents caps the number of events kept; older rows are pruned.
	RetainEvents int `yaml:"retain_events"`
}

// DefaultConfig returns the configuration used when no file is present. Every
// Load result starts from these values.
func DefaultConfig() *Config {
	return &Config{
		Agent: Agent{
			DataDir:     "/var/lib/nodeagent",
			ListenAddr:  "127.0.0.1:9620",
			LogLevel:    "info",
			LogFormat:   "json",
			RequireRoot: true,
		},
		Network: Network{
			DHCPRetries:      5,
			BackoffInitial:   2 * time.Second,
			BackoffCap:       30 * time.Second,
			RenewFraction:    0.5,
			LinkPollInterval: 3 * time.Second,
			HostnamePrefix:   "usb-node",
			PublishMDNS:      true,
			Tunnel: Tunnel{
				Provider:      "tailscale",
				RemotePort:    2222,
				FailurePolicy: TunnelFailWarn,
			},
		},
		Disk: Disk{
			Table:             "gpt",
			DefaultFilesystem: "ext4",
			AutoFormat:        true,
			CommandTimeout:    5 * time.Minute,
			SysRoot:           "/sys",
		},
		Iso: Iso{
			ScanPaths:    []string{"/media", "/srv/iso"},
			Patterns:     []string{"*.iso"},
			MountRoot:    "/run/nodeagent/iso",
			MountRetries: 3,
		},
		Remote: Remote{
			DesktopSharing: RemoteService{Port: 5900, Command: "x11vnc"},
			Shell:          RemoteService{Port: 22, Command: "sshd"},
			BrowserProxy:   RemoteService{Port: 6080, Command: "websockify"},
			RestartBudget:  3,
			RestartWindow:  time.Minute,
			DrainTimeout:   10 * time.Second,
			HostKeyDir:     "/var/lib/nodeagent/keys",
		},
		Monitor: Monitor{
			Enabled:          true,
			CheckInterval:    15 * time.Second,
			CheckTimeout:     5 * time.Second,
			FailureThreshold: 3,
		},
		Journal: Journal{
			RetainEvents: 10000,
		},
	}
}

// ValidationError reports the first invalid field found by Validate.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks cross-field consistency. It is called by Load and again on
// reload before the new configuration is applied.
func (c *Config) Validate() error {
	if c.Agent.DataDir == "" {
		return invalid("agent.data_dir", "must not be empty")
	}
	switch c.Agent.LogFormat {
	case "json", "text":
	default:
		return invalid("agent.log_format", "must be json or text")
	}

	if c.Network.DHCPRetries < 1 {
		return invalid("network.dhcp_retries", "must be at least 1")
	}
	if c.Network.BackoffInitial <= 0 {
		return invalid("network.backoff_initial", "must be positive")
	}
	if c.Network.BackoffCap < c.Network.BackoffInitial {
		return invalid("network.backoff_cap", "must be >= backoff_initial")
	}
	if c.Network.RenewFraction <= 0 || c.Network.RenewFraction >= 1 {
		return invalid("network.renew_fraction", "must be in (0, 1)")
	}
	if c.Network.Tunnel.Enabled {
		switch c.Network.Tunnel.Provider {
		case "tailscale", "wireguard", "ssh":
		default:
			return invalid("network.tunnel.provider", "must be tailscale, wireguard or ssh")
		}
		switch c.Network.Tunnel.FailurePolicy {
		case TunnelFailWarn, TunnelFailSilent, TunnelFailFatal:
		default:
			return invalid("network.tunnel.failure_policy", "must be warn, silent or fatal")
		}
	}

	switch c.Disk.Table {
	case "gpt", "msdos":
	default:
		return invalid("disk.table", "must be gpt or msdos")
	}
	switch c.Disk.DefaultFilesystem {
	case "ext4", "xfs", "vfat", "ntfs":
	default:
		return invalid("disk.default_filesystem", "must be ext4, xfs, vfat or ntfs")
	}

	if c.Iso.MountRoot == "" {
		return invalid("iso.mount_root", "must not be empty")
	}
	if c.Iso.MountRetries < 1 {
		return invalid("iso.mount_retries", "must be at least 1")
	}

	if c.Remote.RestartBudget < 1 {
		return invalid("remote.restart_budget", "must be at least 1")
	}
	if c.Remote.RestartWindow <= 0 {
		return invalid("remote.restart_window", "must be positive")
	}
	for name, svc := range map[string]RemoteService{
		"remote.desktop_sharing": c.Remote.DesktopSharing,
		"remote.shell":           c.Remote.Shell,
		"remote.browser_proxy":   c.Remote.BrowserProxy,
	} {
		if svc.Enabled && (svc.Port < 1 || svc.Port > 65535) {
			return invalid(name+".port", "must be a valid port")
		}
		if svc.Enabled && svc.Command == "" {
			return invalid(name+".command", "must not be empty")
		}
	}

	if c.Monitor.CheckInterval <= 0 {
		return invalid("monitor.check_interval", "must be positive")
	}
	if c.Monitor.CheckTimeout <= 0 || c.Monitor.CheckTimeout >= c.Monitor.CheckInterval {
		return invalid("monitor.check_timeout", "must be positive and below check_interval")
	}
	if c.Monitor.FailureThreshold < 1 {
		return invalid("monitor.failure_threshold", "must be at least 1")
	}

	if c.Journal.RetainEvents < 1 {
		return invalid("journal.retain_events", "must be at least 1")
	}

	return nil
}

// Load reads the YAML file at path over DefaultConfig and validates the
// result. A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
