package netman

import "fmt"

// Scope controls how far a sandbox can reach and be reached.
type Scope string

const (
	// ScopeNone disables guest networking entirely.
	ScopeNone Scope = "none"
	// ScopeLocal attaches the guest to the host bridge without NAT, so it
	// can talk to the host and sibling sandboxes only.
	ScopeLocal Scope = "local"
	// ScopePublic adds NAT so the guest can reach upstream networks.
	ScopePublic Scope = "public"
	// ScopeAny behaves like ScopePublic at allocation time.
	ScopeAny Scope = "any"
)

// ParseScope validates a scope string.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case ScopeNone, ScopeLocal, ScopePublic, ScopeAny:
		return Scope(raw), nil
	case "":
		return ScopeNone, nil
	default:
		return "", fmt.Errorf("unknown network scope %q (expected none, local, public, or any)", raw)
	}
}

// natEnabled reports whether the scope routes guest traffic upstream.
func (s Scope) natEnabled() bool {
	return s == ScopePublic || s == ScopeAny
}
