// Package endpoint resolves where the portalbox server listens and where
// clients reach it: a TCP host:port or a unix socket.
package endpoint

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint is a resolved server address.
type Endpoint struct {
	Scheme  string // "tcp" or "unix"
	Address string // dial/listen address: host:port or socket path
	BaseURL string // URL clients use, "http://unix" for sockets
}

// DefaultTCPAddr is where the server listens when nothing is configured.
const DefaultTCPAddr = "127.0.0.1:5050"

// EnvHost overrides the endpoint for both server and clients.
const EnvHost = "PORTALBOX_HOST"

func defaultEndpoint() Endpoint {
	return Endpoint{
		Scheme:  "tcp",
		Address: DefaultTCPAddr,
		BaseURL: "http://" + DefaultTCPAddr,
	}
}

// DefaultSocketPath is the per-user unix socket used when the server runs
// with --socket and no explicit path.
func DefaultSocketPath() string {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "portalbox")
	}
	return filepath.Join(runtimeDir, "portalbox", "portalbox.sock")
}

// Default returns the endpoint used when nothing is configured.
func Default() Endpoint { return defaultEndpoint() }

// Resolve turns a raw endpoint value into an Endpoint. An empty value falls
// back to $PORTALBOX_HOST, then to the default TCP address. Accepted forms:
// unix:///path, http://host:port, https://host:port, an absolute socket
// path, or a bare host:port.
func Resolve(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(EnvHost))
	}
	if value == "" {
		return defaultEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"):
		return Endpoint{Scheme: "tcp", Address: strings.TrimPrefix(value, "http://"), BaseURL: value}, nil
	case strings.HasPrefix(value, "https://"):
		return Endpoint{Scheme: "tcp", Address: strings.TrimPrefix(value, "https://"), BaseURL: value}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		if _, _, err := net.SplitHostPort(value); err == nil {
			return Endpoint{Scheme: "tcp", Address: value, BaseURL: "http://" + value}, nil
		}
		expected := "unix://, http://, https://, host:port, or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}
