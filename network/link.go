package network

import (
	"net"

	"github.com/vishvananda/netlink"
)

// LinkProber answers link-layer questions about local interfaces. The netlink
// implementation is swapped for a fake in tests.
type LinkProber interface {
	// FirstUp returns the name of the first non-loopback interface with
	// carrier, or "" when none currently has one.
	FirstUp() (string, error)
	// IsUp reports whether the named interface has carrier.
	IsUp(name string) (bool, error)
}

// NetlinkProber reads link state from the kernel via netlink.
type NetlinkProber struct{}

func (NetlinkProber) FirstUp() (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", err
	}
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if linkHasCarrier(attrs) {
			return attrs.Name, nil
		}
	}
	return "", nil
}

func (NetlinkProber) IsUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false, err
	}
	return linkHasCarrier(link.Attrs()), nil
}

// Some drivers never report OperUp and stay at OperUnknown; treat an
// administratively up link in that state as usable.
func linkHasCarrier(attrs *netlink.LinkAttrs) bool {
	if attrs.OperState == netlink.OperUp {
		return true
	}
	return attrs.OperState == netlink.OperUnknown && attrs.Flags&net.FlagUp != 0
}
