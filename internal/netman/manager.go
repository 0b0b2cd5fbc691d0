// Package netman allocates sandbox networking: guest IPs from a bridge
// subnet, host port forwards, and the TAP plumbing behind them.
package netman

import (
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

const (
	DefaultBridgeName  = "portalbox0"
	DefaultGatewayCIDR = "172.18.100.1/24"

	tapPrefix = "pbx"
)

// ErrPortInUse is returned when a requested host port is already claimed by
// another sandbox or by an earlier mapping in the same request.
var ErrPortInUse = fmt.Errorf("host port already in use")

// ErrSubnetExhausted is returned when no guest IPs remain in the pool.
var ErrSubnetExhausted = fmt.Errorf("no guest addresses left in subnet")

type Options struct {
	// BridgeName names the host bridge guests attach to.
	BridgeName string
	// GatewayCIDR is the bridge address and guest subnet, e.g.
	// "172.18.100.1/24". Guest IPs are allocated from the host range.
	GatewayCIDR string
	// Plane performs the host configuration. Defaults to NoopPlane; the
	// daemon wires LinuxPlane on linux.
	Plane  DataPlane
	Logger *log.Logger
}

// Manager owns the guest IP pool and the host port registry. It is safe for
// concurrent use.
type Manager struct {
	bridgeName  string
	gatewayCIDR string
	gatewayIP   net.IP
	subnet      *net.IPNet
	plane       DataPlane
	logger      *log.Logger

	mu           sync.Mutex
	bridgeReady  bool
	natReady     bool
	allocatedIPs map[string]string // guest IP -> owner
	hostPorts    map[int]string    // host port -> owner
	nextIPOffset uint32
}

func New(opts Options) (*Manager, error) {
	bridgeName := opts.BridgeName
	if bridgeName == "" {
		bridgeName = DefaultBridgeName
	}
	gatewayCIDR := opts.GatewayCIDR
	if gatewayCIDR == "" {
		gatewayCIDR = DefaultGatewayCIDR
	}
	gatewayIP, subnet, err := net.ParseCIDR(gatewayCIDR)
	if err != nil {
		return nil, fmt.Errorf("parse gateway CIDR %q: %w", gatewayCIDR, err)
	}
	if gatewayIP.To4() == nil {
		return nil, fmt.Errorf("gateway %q must be an IPv4 address", gatewayCIDR)
	}

	plane := opts.Plane
	if plane == nil {
		plane = NoopPlane{}
	}

	return &Manager{
		bridgeName:   bridgeName,
		gatewayCIDR:  gatewayCIDR,
		gatewayIP:    gatewayIP.To4(),
		subnet:       subnet,
		plane:        plane,
		logger:       opts.Logger,
		allocatedIPs: make(map[string]string),
		hostPorts:    make(map[int]string),
	}, nil
}

// Handle is one sandbox's allocated network. Release is idempotent.
type Handle struct {
	Owner     string
	Scope     Scope
	IP        net.IP
	Gateway   net.IP
	MAC       string
	TAPDevice string
	Ports     []PortMapping

	manager  *Manager
	released atomic.Bool
}

// Allocate claims a guest IP, the requested host ports, and the TAP device
// for one sandbox. Scope "none" allocates nothing and forbids port mappings.
// On any failure everything claimed so far is released before returning.
func (m *Manager) Allocate(owner string, scope Scope, ports []PortMapping) (*Handle, error) {
	if owner == "" {
		return nil, fmt.Errorf("network allocation requires an owner")
	}

	if scope == ScopeNone {
		if len(ports) > 0 {
			return nil, fmt.Errorf("scope none cannot expose ports")
		}
		return &Handle{Owner: owner, Scope: scope, manager: m}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Claim host ports first so a collision fails before any kernel state
	// exists.
	claimed := make([]int, 0, len(ports))
	releasePorts := func() {
		for _, port := range claimed {
			delete(m.hostPorts, port)
		}
	}
	for _, mapping := range ports {
		if holder, taken := m.hostPorts[mapping.HostPort]; taken {
			releasePorts()
			return nil, fmt.Errorf("host port %d held by %q: %w", mapping.HostPort, holder, ErrPortInUse)
		}
		m.hostPorts[mapping.HostPort] = owner
		claimed = append(claimed, mapping.HostPort)
	}

	ip, err := m.claimIPLocked(owner)
	if err != nil {
		releasePorts()
		return nil, err
	}

	handle := &Handle{
		Owner:     owner,
		Scope:     scope,
		IP:        ip,
		Gateway:   m.gatewayIP,
		MAC:       macForOwner(owner),
		TAPDevice: tapNameForOwner(owner),
		Ports:     append([]PortMapping(nil), ports...),
		manager:   m,
	}

	if err := m.plumbLocked(handle); err != nil {
		releasePorts()
		delete(m.allocatedIPs, ip.String())
		return nil, err
	}

	if m.logger != nil {
		m.logger.Debug("allocated network",
			"owner", owner, "scope", scope, "ip", ip, "tap", handle.TAPDevice, "ports", len(ports))
	}
	return handle, nil
}

func (m *Manager) plumbLocked(handle *Handle) error {
	if !m.bridgeReady {
		if err := m.plane.EnsureBridge(m.bridgeName, m.gatewayCIDR); err != nil {
			return err
		}
		m.bridgeReady = true
	}
	if handle.Scope.natEnabled() && !m.natReady {
		if err := m.plane.EnableNAT(m.bridgeName, m.subnet.String()); err != nil {
			return err
		}
		m.natReady = true
	}
	if err := m.plane.CreateTAP(handle.TAPDevice, m.bridgeName); err != nil {
		return err
	}
	for i, mapping := range handle.Ports {
		if err := m.plane.ForwardPort(mapping.HostPort, handle.IP.String(), mapping.GuestPort); err != nil {
			for _, done := range handle.Ports[:i] {
				_ = m.plane.RemoveForward(done.HostPort, handle.IP.String(), done.GuestPort)
			}
			_ = m.plane.DestroyTAP(handle.TAPDevice)
			return err
		}
	}
	return nil
}

func (m *Manager) claimIPLocked(owner string) (net.IP, error) {
	ones, bits := m.subnet.Mask.Size()
	hostCount := uint32(1) << (bits - ones)
	base := ipToUint32(m.subnet.IP.To4())
	gateway := ipToUint32(m.gatewayIP)

	// Walk the host range round-robin starting after the last allocation;
	// skip the network, broadcast, and gateway addresses.
	for i := uint32(0); i < hostCount; i++ {
		offset := (m.nextIPOffset + i) % hostCount
		candidate := base + offset
		if offset == 0 || offset == hostCount-1 || candidate == gateway {
			continue
		}
		ip := uint32ToIP(candidate)
		if _, taken := m.allocatedIPs[ip.String()]; taken {
			continue
		}
		m.allocatedIPs[ip.String()] = owner
		m.nextIPOffset = offset + 1
		return ip, nil
	}
	return nil, ErrSubnetExhausted
}

// Release tears down the handle's forwards and TAP device and returns its IP
// and host ports to the pool. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if h.Scope == ScopeNone {
		return nil
	}

	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, mapping := range h.Ports {
		if err := m.plane.RemoveForward(mapping.HostPort, h.IP.String(), mapping.GuestPort); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.hostPorts, mapping.HostPort)
	}
	if err := m.plane.DestroyTAP(h.TAPDevice); err != nil && firstErr == nil {
		firstErr = err
	}
	delete(m.allocatedIPs, h.IP.String())

	if m.logger != nil {
		m.logger.Debug("released network", "owner", h.Owner, "ip", h.IP, "tap", h.TAPDevice)
	}
	return firstErr
}

// tapNameForOwner derives a TAP device name within the 15 byte linux
// interface name limit.
func tapNameForOwner(owner string) string {
	hash := sha256.Sum256([]byte(owner))
	return fmt.Sprintf("%s%x", tapPrefix, hash[:5])
}

// macForOwner derives a stable locally-administered MAC address.
func macForOwner(owner string) string {
	hash := sha256.Sum256([]byte(owner))
	return fmt.Sprintf("AA:FC:00:%02X:%02X:%02X", hash[0], hash[1], hash[2])
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
