package netman

// DataPlane is the host plumbing behind an allocation: the bridge, TAP
// devices, NAT, and per-port DNAT rules. Allocation bookkeeping lives in the
// Manager so it can be exercised without privileges; only the plane touches
// the kernel.
type DataPlane interface {
	EnsureBridge(name, gatewayCIDR string) error
	CreateTAP(name, bridge string) error
	DestroyTAP(name string) error
	EnableNAT(bridge, subnetCIDR string) error
	ForwardPort(hostPort int, guestIP string, guestPort int) error
	RemoveForward(hostPort int, guestIP string, guestPort int) error
}

// NoopPlane performs no host configuration. It backs scope "none" and
// environments without root.
type NoopPlane struct{}

func (NoopPlane) EnsureBridge(string, string) error    { return nil }
func (NoopPlane) CreateTAP(string, string) error       { return nil }
func (NoopPlane) DestroyTAP(string) error              { return nil }
func (NoopPlane) EnableNAT(string, string) error       { return nil }
func (NoopPlane) ForwardPort(int, string, int) error   { return nil }
func (NoopPlane) RemoveForward(int, string, int) error { return nil }
