package netman

import (
	"fmt"
	"strconv"
	"strings"
)

// PortMapping is one TCP forward from a host port to a guest port.
type PortMapping struct {
	HostPort  int
	GuestPort int
}

func (m PortMapping) String() string {
	return fmt.Sprintf("%d:%d", m.HostPort, m.GuestPort)
}

// ParsePortMapping accepts "host:guest" or a bare "port" meaning the same
// port on both sides.
func ParsePortMapping(raw string) (PortMapping, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PortMapping{}, fmt.Errorf("port mapping cannot be empty")
	}

	hostPart, guestPart, split := strings.Cut(trimmed, ":")
	if !split {
		guestPart = hostPart
	}
	hostPort, err := parsePort(hostPart)
	if err != nil {
		return PortMapping{}, fmt.Errorf("parse host port in %q: %w", raw, err)
	}
	guestPort, err := parsePort(guestPart)
	if err != nil {
		return PortMapping{}, fmt.Errorf("parse guest port in %q: %w", raw, err)
	}
	return PortMapping{HostPort: hostPort, GuestPort: guestPort}, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}
