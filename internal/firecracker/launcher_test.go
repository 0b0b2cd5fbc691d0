package firecracker

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portalbox/portalbox/internal/netman"
	"github.com/portalbox/portalbox/internal/sandbox"
)

func TestBuildConfigWithoutNetwork(t *testing.T) {
	t.Parallel()

	spec := sandbox.LaunchSpec{
		ID:        "sbx-1",
		Name:      "worker",
		MemoryMiB: 512,
		VCPUs:     1,
		GuestPort: 10700,
	}
	cfg := buildConfig(spec, "/boot/vmlinux", "/run/sbx-1/rootfs.ext4", "/run/sbx-1/vsock.sock")

	if cfg.MachineConfig.MemSizeMiB != 512 || cfg.MachineConfig.VCPUCount != 1 {
		t.Errorf("machine config: got %+v", cfg.MachineConfig)
	}
	if len(cfg.Drives) != 1 || !cfg.Drives[0].IsRootDevice || cfg.Drives[0].IsReadOnly {
		t.Errorf("drives: got %+v", cfg.Drives)
	}
	if cfg.Vsock == nil || cfg.Vsock.UDSPath != "/run/sbx-1/vsock.sock" {
		t.Errorf("vsock: got %+v", cfg.Vsock)
	}
	if len(cfg.NetworkInterfaces) != 0 {
		t.Errorf("network interfaces without network: got %+v", cfg.NetworkInterfaces)
	}
	if strings.Contains(cfg.BootSource.BootArgs, "ip=") {
		t.Errorf("boot args without network: got %q", cfg.BootSource.BootArgs)
	}
}

func TestBuildConfigWithNetwork(t *testing.T) {
	t.Parallel()

	spec := sandbox.LaunchSpec{
		ID:        "sbx-2",
		Name:      "web",
		MemoryMiB: 1024,
		VCPUs:     2,
		Network: &netman.Handle{
			IP:        net.ParseIP("172.18.100.2"),
			Gateway:   net.ParseIP("172.18.100.1"),
			MAC:       "AA:FC:00:01:02:03",
			TAPDevice: "pbx0102030405",
		},
	}
	cfg := buildConfig(spec, "/boot/vmlinux", "/run/sbx-2/rootfs.ext4", "/run/sbx-2/vsock.sock")

	if len(cfg.NetworkInterfaces) != 1 {
		t.Fatalf("network interfaces: got %+v", cfg.NetworkInterfaces)
	}
	iface := cfg.NetworkInterfaces[0]
	if iface.HostDevName != "pbx0102030405" || iface.GuestMAC != "AA:FC:00:01:02:03" {
		t.Errorf("interface: got %+v", iface)
	}
	if want := "ip=172.18.100.2::172.18.100.1:255.255.255.0::eth0:off"; !strings.Contains(cfg.BootSource.BootArgs, want) {
		t.Errorf("boot args: got %q want substring %q", cfg.BootSource.BootArgs, want)
	}
}

func TestComputeRootFSImageSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		content int64
		want    int64
	}{
		// Small content snaps to the minimum image size.
		{content: 0, want: minimumRootFSSizeBytes},
		{content: 100 << 20, want: minimumRootFSSizeBytes},
		// Large content gets 50% headroom plus the fixed margin, aligned up.
		{content: 1 << 30, want: alignUp((1<<30)+(1<<29)+rootFSHeadroomBytes, rootFSAlignBytes)},
	}
	for _, tc := range cases {
		got := computeRootFSImageSize(tc.content)
		if got != tc.want {
			t.Errorf("computeRootFSImageSize(%d): got %d want %d", tc.content, got, tc.want)
		}
		if got%rootFSAlignBytes != 0 {
			t.Errorf("computeRootFSImageSize(%d): %d not aligned", tc.content, got)
		}
	}
}

func alignUp(n, align int64) int64 {
	remainder := n % align
	if remainder == 0 {
		return n
	}
	return n + (align - remainder)
}

func TestEnsureImageMaterializesPersistentImageOnce(t *testing.T) {
	t.Parallel()

	var materialized atomic.Int32
	l, err := New(Options{
		KernelImagePath: "/boot/vmlinux",
		RunDir:          t.TempDir(),
		MaterializeRootFS: func(_ context.Context, srcDir, outputPath string) (int64, error) {
			materialized.Add(1)
			if err := os.WriteFile(outputPath, []byte("image"), 0o644); err != nil {
				return 0, err
			}
			return 5, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stateDir := t.TempDir()
	spec := sandbox.LaunchSpec{
		ID:        "sbx-3",
		Name:      "db",
		RootFSDir: t.TempDir(),
		ImagePath: filepath.Join(stateDir, "rootfs.ext4"),
	}
	ctx := context.Background()

	imagePath, err := l.ensureImage(ctx, spec, t.TempDir())
	if err != nil {
		t.Fatalf("ensureImage: %v", err)
	}
	if imagePath != spec.ImagePath {
		t.Errorf("image path: got %q want %q", imagePath, spec.ImagePath)
	}

	// The existing image boots as-is on the next launch; the guest's writes
	// live in it and must not be clobbered by a fresh materialization.
	imagePath, err = l.ensureImage(ctx, spec, t.TempDir())
	if err != nil {
		t.Fatalf("second ensureImage: %v", err)
	}
	if imagePath != spec.ImagePath {
		t.Errorf("image path on reuse: got %q want %q", imagePath, spec.ImagePath)
	}
	if got := materialized.Load(); got != 1 {
		t.Errorf("materialize calls: got %d want 1", got)
	}
}

func TestEnsureImageScratchUsesRunDir(t *testing.T) {
	t.Parallel()

	l, err := New(Options{
		KernelImagePath: "/boot/vmlinux",
		RunDir:          t.TempDir(),
		MaterializeRootFS: func(_ context.Context, srcDir, outputPath string) (int64, error) {
			return 0, os.WriteFile(outputPath, []byte("image"), 0o644)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runDir := t.TempDir()
	imagePath, err := l.ensureImage(context.Background(), sandbox.LaunchSpec{ID: "sbx-4", RootFSDir: t.TempDir()}, runDir)
	if err != nil {
		t.Fatalf("ensureImage: %v", err)
	}
	if want := filepath.Join(runDir, "rootfs.ext4"); imagePath != want {
		t.Errorf("image path: got %q want %q", imagePath, want)
	}
}

func TestWatchExitRemovesRunDir(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	stdout, err := os.Create(filepath.Join(runDir, "stdout.log"))
	if err != nil {
		t.Fatalf("create stdout log: %v", err)
	}
	stderr, err := os.Create(filepath.Join(runDir, "stderr.log"))
	if err != nil {
		t.Fatalf("create stderr log: %v", err)
	}

	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Skipf("sh unavailable: %v", err)
	}

	select {
	case err := <-watchExit(cmd, stdout, stderr, runDir):
		if err != nil {
			t.Errorf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never reaped")
	}
	if _, err := os.Stat(runDir); !os.IsNotExist(err) {
		t.Errorf("run directory after exit: stat err %v, want not-exist", err)
	}
}

func TestNewRequiresKernel(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("New without kernel image: expected error")
	}
	if _, err := New(Options{KernelImagePath: "/boot/vmlinux", RunDir: t.TempDir()}); err != nil {
		t.Fatalf("New: %v", err)
	}
}
