package iso

import (
	"fmt"
	"os"
	"path/filepath"
)

// OSFamily classifies the installer an image carries.
type OSFamily string

const (
	FamilyDebian  OSFamily = "debian"
	FamilyUbuntu  OSFamily = "ubuntu"
	FamilyWindows OSFamily = "windows"
	FamilyBSD     OSFamily = "bsd"
	FamilyUnknown OSFamily = "unknown"
)

// DetectFamily classifies a mounted image by its well-known marker files.
// Ubuntu is checked before Debian: Ubuntu images carry both casper and
// Debian-style layout remnants.
func DetectFamily(mountDir string) OSFamily {
	exists := func(rel string) bool {
		_, err := os.Stat(filepath.Join(mountDir, rel))
		return err == nil
	}
	switch {
	case exists("casper"):
		return FamilyUbuntu
	case exists("install.amd"):
		return FamilyDebian
	case exists("setup.exe"):
		return FamilyWindows
	case exists("bsdinstall"):
		return FamilyBSD
	default:
		return FamilyUnknown
	}
}

// installerCommand returns the launcher invocation for a detected family.
func installerCommand(family OSFamily, mountDir string) (string, []string, error) {
	switch family {
	case FamilyDebian:
		return "debian-installer", []string{"--auto", "--priority=critical"}, nil
	case FamilyUbuntu:
		return "ubiquity", []string{"--automatic"}, nil
	case FamilyWindows:
		return filepath.Join(mountDir, "setup.exe"), nil, nil
	case FamilyBSD:
		return filepath.Join(mountDir, "bsdinstall"), []string{"-s"}, nil
	default:
		return "", nil, fmt.Errorf("no installer for family %q", family)
	}
}

// Version reads the image's version string where the family exposes one.
func Version(family OSFamily, mountDir string) string {
	switch family {
	case FamilyDebian, FamilyUbuntu:
		data, err := os.ReadFile(filepath.Join(mountDir, ".disk", "info"))
		if err != nil {
			return ""
		}
		return string(data)
	case FamilyWindows:
		return "Windows Installation Media"
	default:
		return ""
	}
}
