//go:build linux

package netman

import (
	"fmt"
	"os"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// LinuxPlane configures the host network through netlink and iptables. It
// requires CAP_NET_ADMIN.
type LinuxPlane struct{}

// HostPlane returns the data plane for this host.
func HostPlane() DataPlane { return LinuxPlane{} }

func (LinuxPlane) EnsureBridge(name, gatewayCIDR string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		la := netlink.NewLinkAttrs()
		la.Name = name
		bridge := &netlink.Bridge{LinkAttrs: la}
		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("create bridge %q: %w", name, err)
		}
		link = bridge
	}

	addr, err := netlink.ParseAddr(gatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse bridge address %q: %w", gatewayCIDR, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list bridge addresses for %q: %w", name, err)
	}
	hasAddr := false
	for _, existing := range addrs {
		if existing.IP.Equal(addr.IP) {
			hasAddr = true
			break
		}
	}
	if !hasAddr {
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("assign address %q to bridge %q: %w", gatewayCIDR, name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring bridge %q up: %w", name, err)
	}
	return nil
}

func (LinuxPlane) CreateTAP(name, bridge string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create TAP device %q: %w", name, err)
	}

	bridgeLink, err := netlink.LinkByName(bridge)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("find bridge %q for TAP %q: %w", bridge, name, err)
	}
	if err := netlink.LinkSetMaster(tap, bridgeLink); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("attach TAP %q to bridge %q: %w", name, bridge, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("bring TAP %q up: %w", name, err)
	}
	return nil
}

func (LinuxPlane) DestroyTAP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete TAP device %q: %w", name, err)
	}
	return nil
}

func (LinuxPlane) EnableNAT(bridge, subnetCIDR string) error {
	if err := enableIPForwarding(); err != nil {
		return err
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("initialise iptables: %w", err)
	}
	if err := ipt.AppendUnique("nat", "POSTROUTING", "-s", subnetCIDR, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("add MASQUERADE rule for %q: %w", subnetCIDR, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-i", bridge, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add inbound FORWARD rule for %q: %w", bridge, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-o", bridge, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add outbound FORWARD rule for %q: %w", bridge, err)
	}
	return nil
}

func (LinuxPlane) ForwardPort(hostPort int, guestIP string, guestPort int) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("initialise iptables: %w", err)
	}
	err = ipt.AppendUnique("nat", "PREROUTING",
		"-p", "tcp",
		"--dport", strconv.Itoa(hostPort),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", guestIP, guestPort))
	if err != nil {
		return fmt.Errorf("add port forward %d->%s:%d: %w", hostPort, guestIP, guestPort, err)
	}
	return nil
}

func (LinuxPlane) RemoveForward(hostPort int, guestIP string, guestPort int) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("initialise iptables: %w", err)
	}
	// Deleting an already-removed rule is not an error worth surfacing.
	_ = ipt.Delete("nat", "PREROUTING",
		"-p", "tcp",
		"--dport", strconv.Itoa(hostPort),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", guestIP, guestPort))
	return nil
}

func enableIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", ipForwardPath, err)
	}
	if len(data) > 0 && data[0] == '1' {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable IPv4 forwarding: %w", err)
	}
	return nil
}
