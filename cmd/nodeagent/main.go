// Package main implements the node agent daemon and its operator CLI.
//
// The daemon brings up networking, supervises remote-access services, tracks
// installer images and watches subsystem health. The remaining subcommands
// are one-shot operator tools that run against the local machine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usbnode/agent/agent"
	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/disk"
	"github.com/usbnode/agent/iso"
	"github.com/usbnode/agent/service"
)

var (
	log = logrus.New()

	configPath string
)

func main() {
	root := &cobra.Command{
		Use:          "nodeagent",
		Short:        "Headless node agent: network bring-up, remote access, installer images",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/nodeagent/config.yaml", "configuration file")

	root.AddCommand(
		runCmd(),
		statusCmd(),
		diskCmd(),
		isoCmd(),
		serviceCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies logger settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lvl, err := logrus.ParseLevel(cfg.Agent.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	if cfg.Agent.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := agent.New(cfg, configPath, agent.Dependencies{Logger: log})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running agent's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := "http://" + cfg.Agent.ListenAddr + "/status"
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("agent not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func diskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "Inspect and prepare block devices",
	}
	cmd.AddCommand(diskListCmd(), diskApplyCmd(), diskWipeCmd())
	return cmd
}

func diskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List block devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			devices, err := disk.ListDevices(cmd.Context(), cfg.Disk.SysRoot)
			if err != nil {
				return err
			}
			for _, d := range devices {
				marker := " "
				if d.InUse {
					marker = "*"
				}
				fmt.Printf("%s %-12s %10d MB  removable=%-5v %s\n",
					marker, d.Path, d.CapacityBytes/(1024*1024), d.Removable, d.Model)
			}
			return nil
		},
	}
}

func diskApplyCmd() *cobra.Command {
	var (
		device string
		fsType string
		label  string
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Partition and format a device with a single full-size partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			m := disk.New(cfg.Disk, disk.Dependencies{Logger: log})
			m.OnProgress(func(p disk.Progress) {
				log.WithFields(logrus.Fields{
					"plan":      p.PlanID,
					"stage":     p.Stage,
					"partition": p.Partition,
					"percent":   p.Percent(),
				}).Info("disk progress")
			})

			devices, err := disk.ListDevices(ctx, cfg.Disk.SysRoot)
			if err != nil {
				return err
			}
			var target *disk.Device
			for i := range devices {
				if devices[i].Path == device {
					target = &devices[i]
					break
				}
			}
			if target == nil {
				return fmt.Errorf("device %s not found", device)
			}

			if fsType == "" {
				fsType = cfg.Disk.DefaultFilesystem
			}
			sizeMB := target.CapacityBytes/(1<<20) - 1
			plan, err := disk.PlanPartitions(*target, cfg.Disk.Table, []disk.PartitionSpec{
				{SizeMB: sizeMB, Filesystem: disk.Filesystem(fsType), Label: label, Boot: true},
			})
			if err != nil {
				return err
			}
			log.WithField("plan", plan.ID).Info("applying partition plan")
			return m.ApplyPlan(ctx, plan)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "target device node, e.g. /dev/sdb (required)")
	cmd.Flags().StringVar(&fsType, "fs", "", "filesystem type (ext4, xfs, vfat, ntfs); defaults to disk.default_filesystem")
	cmd.Flags().StringVar(&label, "label", "data", "filesystem label")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func diskWipeCmd() *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Wipe filesystem signatures from a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m := disk.New(cfg.Disk, disk.Dependencies{Logger: log})
			return m.Wipe(cmd.Context(), device)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "target device node (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func isoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iso",
		Short: "Discover and mount installer images",
	}
	cmd.AddCommand(isoListCmd(), isoMountCmd(), isoUnmountCmd(), isoInstallCmd())
	return cmd
}

// newIsoManager builds a standalone image manager sharing the daemon's mount
// records.
func newIsoManager(cfg *config.Config) (*iso.Manager, error) {
	store, err := iso.OpenStateStore(cfg.Agent.DataDir + "/iso-mounts.db")
	if err != nil {
		return nil, err
	}
	m, err := iso.New(cfg.Iso, iso.Dependencies{Logger: log, Store: store})
	if err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}

func isoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Scan for installer images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newIsoManager(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			images, err := m.Scan(cmd.Context())
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(images, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func isoMountCmd() *cobra.Command {
	var imageID string
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount an image read-only on a loop device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newIsoManager(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			if _, err := m.Scan(cmd.Context()); err != nil {
				return err
			}
			rec, err := m.Mount(cmd.Context(), imageID)
			if err != nil {
				return err
			}
			fmt.Printf("%s mounted at %s (%s)\n", rec.ImageID, rec.Target, rec.LoopDevice)
			return nil
		},
	}
	cmd.Flags().StringVar(&imageID, "image", "", "image ID from 'iso list' (required)")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func isoInstallCmd() *cobra.Command {
	var (
		imageID string
		target  string
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Launch the installer carried by an image, optionally preparing a target disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if target != "" {
				if !cfg.Disk.AutoPartition {
					return fmt.Errorf("disk.auto_partition is disabled; prepare %s with 'disk apply' first", target)
				}
				if err := prepareInstallTarget(ctx, cfg, target); err != nil {
					return err
				}
			}

			m, err := newIsoManager(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			if _, err := m.Scan(ctx); err != nil {
				return err
			}
			if _, err := m.Mount(ctx, imageID); err != nil {
				return err
			}
			family, err := m.LaunchInstaller(ctx, imageID)
			if err != nil {
				return err
			}
			fmt.Printf("installer for %s finished\n", family)
			return nil
		},
	}
	cmd.Flags().StringVar(&imageID, "image", "", "image ID from 'iso list' (required)")
	cmd.Flags().StringVar(&target, "target", "", "device to partition before installing (needs disk.auto_partition)")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

// prepareInstallTarget writes a single full-size partition to the device
// using the configured table kind and default filesystem.
func prepareInstallTarget(ctx context.Context, cfg *config.Config, device string) error {
	devices, err := disk.ListDevices(ctx, cfg.Disk.SysRoot)
	if err != nil {
		return err
	}
	var dev *disk.Device
	for i := range devices {
		if devices[i].Path == device {
			dev = &devices[i]
			break
		}
	}
	if dev == nil {
		return fmt.Errorf("device %s not found", device)
	}

	plan, err := disk.PlanPartitions(*dev, cfg.Disk.Table, []disk.PartitionSpec{{
		SizeMB:     dev.CapacityBytes/(1<<20) - 1,
		Filesystem: disk.Filesystem(cfg.Disk.DefaultFilesystem),
		Label:      "install",
		Boot:       true,
	}})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"plan": plan.ID, "device": device}).Info("preparing install target")
	return disk.New(cfg.Disk, disk.Dependencies{Logger: log}).ApplyPlan(ctx, plan)
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage host init-system units",
	}
	var enable = &cobra.Command{
		Use:   "enable <unit>",
		Short: "Enable and start a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			return service.New(service.Dependencies{Logger: log}).Enable(cmd.Context(), args[0])
		},
	}
	var disable = &cobra.Command{
		Use:   "disable <unit>",
		Short: "Stop and disable a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			return service.New(service.Dependencies{Logger: log}).Disable(cmd.Context(), args[0])
		},
	}
	var status = &cobra.Command{
		Use:   "status <unit>",
		Short: "Report whether a unit is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			st, err := service.New(service.Dependencies{Logger: log}).UnitStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(st)
			return nil
		},
	}
	cmd.AddCommand(enable, disable, status)
	return cmd
}

func isoUnmountCmd() *cobra.Command {
	var imageID string
	cmd := &cobra.Command{
		Use:   "unmount",
		Short: "Unmount a mounted image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newIsoManager(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			return m.ReleaseRecorded(cmd.Context(), imageID)
		},
	}
	cmd.Flags().StringVar(&imageID, "image", "", "image ID (required)")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}
