//go:build !linux

package netman

// HostPlane returns the data plane for this host. Off linux there is no
// bridge or iptables support, so allocations are tracked without plumbing.
func HostPlane() DataPlane { return NoopPlane{} }
