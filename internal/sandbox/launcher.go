package sandbox

import (
	"context"
	"io"

	"github.com/portalbox/portalbox/internal/netman"
)

// LaunchSpec is everything a launcher needs to boot one microVM.
type LaunchSpec struct {
	ID        string
	Name      string
	Namespace string

	// RootFSDir is the composed root filesystem directory to boot from.
	RootFSDir string

	// ImagePath, when set, is where the sandbox's disk image lives across
	// runs. An image already present there boots as-is with its guest
	// writes intact; otherwise one is materialized there from RootFSDir.
	// Empty means a throwaway image in the launcher's run directory.
	ImagePath string

	MemoryMiB int64
	VCPUs     int64

	// Network is nil when the sandbox runs with scope none.
	Network *netman.Handle

	// GuestPort is the vsock port the portal listens on inside the guest.
	GuestPort uint32

	Env []string
}

// VM is one booted microVM under the launcher's control.
type VM interface {
	// Dial opens a fresh stream to the guest portal.
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	// Wait yields the VM process exit. The channel fires once.
	Wait() <-chan error
	// Kill force-stops the VM. Idempotent.
	Kill() error
}

// Launcher boots microVMs. The production implementation shells out to
// firecracker; tests inject in-process fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (VM, error)
}
