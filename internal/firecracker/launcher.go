// Package firecracker boots sandbox microVMs by shelling out to the
// firecracker binary with a generated machine config.
package firecracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"

	"github.com/portalbox/portalbox/internal/paths"
	"github.com/portalbox/portalbox/internal/sandbox"
)

const (
	defaultBinary = "firecracker"

	// DefaultMkfsBinary is used when no mkfs binary is configured.
	DefaultMkfsBinary = "mkfs.ext4"
	baseBootArgs      = "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/portalbox-init"

	// All VMs share one CID; each has its own vsock UDS on the host side.
	guestCID uint32 = 3
)

type Options struct {
	// BinaryPath locates the firecracker binary. Defaults to $PATH lookup.
	BinaryPath string
	// KernelImagePath is the uncompressed kernel the VMs boot. Required.
	KernelImagePath string
	MkfsBinary      string
	// RunDir holds per-VM state: rootfs image, config, sockets, logs.
	// Defaults to the user run directory.
	RunDir string
	Logger *log.Logger

	// MaterializeRootFS builds the bootable disk image from a rootfs
	// directory. Injectable for tests.
	MaterializeRootFS func(ctx context.Context, srcDir, outputPath string) (int64, error)
}

type Launcher struct {
	binaryPath      string
	kernelImagePath string
	runDir          string
	logger          *log.Logger
	materialize     func(ctx context.Context, srcDir, outputPath string) (int64, error)
}

func New(opts Options) (*Launcher, error) {
	if strings.TrimSpace(opts.KernelImagePath) == "" {
		return nil, fmt.Errorf("firecracker launcher requires a kernel image path")
	}

	runDir := strings.TrimSpace(opts.RunDir)
	if runDir == "" {
		var err error
		runDir, err = paths.RunBaseDir()
		if err != nil {
			return nil, fmt.Errorf("resolve run directory: %w", err)
		}
	}

	binary := strings.TrimSpace(opts.BinaryPath)
	if binary == "" {
		binary = defaultBinary
	}
	mkfsBinary := strings.TrimSpace(opts.MkfsBinary)
	if mkfsBinary == "" {
		mkfsBinary = DefaultMkfsBinary
	}

	launcher := &Launcher{
		binaryPath:      binary,
		kernelImagePath: opts.KernelImagePath,
		runDir:          runDir,
		logger:          opts.Logger,
	}
	if opts.MaterializeRootFS != nil {
		launcher.materialize = opts.MaterializeRootFS
	} else {
		launcher.materialize = func(ctx context.Context, srcDir, outputPath string) (int64, error) {
			return materializeExt4(ctx, mkfsBinary, srcDir, outputPath)
		}
	}
	return launcher, nil
}

func (l *Launcher) Launch(ctx context.Context, spec sandbox.LaunchSpec) (sandbox.VM, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("firecracker launcher is linux-only, current OS is %s", runtime.GOOS)
	}

	binaryPath, err := exec.LookPath(l.binaryPath)
	if err != nil {
		return nil, fmt.Errorf("firecracker binary not found (%q): %w", l.binaryPath, err)
	}
	kernelPath, err := filepath.Abs(l.kernelImagePath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(kernelPath); err != nil {
		return nil, fmt.Errorf("kernel image %s: %w", kernelPath, err)
	}

	runDir := filepath.Join(l.runDir, spec.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory %q: %w", runDir, err)
	}

	imagePath, err := l.ensureImage(ctx, spec, runDir)
	if err != nil {
		_ = os.RemoveAll(runDir)
		return nil, fmt.Errorf("materialise rootfs for %s: %w", spec.Name, err)
	}

	vsockPath := filepath.Join(runDir, "vsock.sock")
	cfg := buildConfig(spec, kernelPath, imagePath, vsockPath)

	cfgPath := filepath.Join(runDir, "firecracker-config.json")
	if err := writeJSON(cfgPath, cfg); err != nil {
		_ = os.RemoveAll(runDir)
		return nil, err
	}

	stdoutFile, err := os.Create(filepath.Join(runDir, "firecracker.stdout.log"))
	if err != nil {
		_ = os.RemoveAll(runDir)
		return nil, err
	}
	stderrFile, err := os.Create(filepath.Join(runDir, "firecracker.stderr.log"))
	if err != nil {
		_ = stdoutFile.Close()
		_ = os.RemoveAll(runDir)
		return nil, err
	}

	apiSocket := filepath.Join(runDir, "firecracker.sock")
	cmd := exec.Command(binaryPath, "--api-sock", apiSocket, "--config-file", cfgPath)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		_ = os.RemoveAll(runDir)
		return nil, fmt.Errorf("start firecracker for %s: %w", spec.Name, err)
	}

	waitCh := watchExit(cmd, stdoutFile, stderrFile, runDir)

	if l.logger != nil {
		l.logger.Info("launched microVM",
			"sandbox", spec.Name, "namespace", spec.Namespace, "pid", cmd.Process.Pid, "run_dir", runDir)
	}

	return &vm{
		cmd:       cmd,
		waitCh:    waitCh,
		vsockPath: vsockPath,
		guestPort: spec.GuestPort,
		runDir:    runDir,
	}, nil
}

// watchExit reaps the firecracker process and clears its run directory once
// the process is gone. The run directory holds only per-boot state; a
// persisted disk image lives outside it and survives.
func watchExit(cmd *exec.Cmd, stdout, stderr *os.File, runDir string) chan error {
	waitCh := make(chan error, 1)
	go func() {
		waitErr := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		_ = os.RemoveAll(runDir)
		waitCh <- waitErr
	}()
	return waitCh
}

// ensureImage returns the disk image the VM boots. A persisted image that
// already exists boots as-is, keeping the guest's previous writes; anything
// else is materialized fresh from the composed rootfs directory.
func (l *Launcher) ensureImage(ctx context.Context, spec sandbox.LaunchSpec, runDir string) (string, error) {
	imagePath := spec.ImagePath
	if imagePath != "" {
		if _, err := os.Stat(imagePath); err == nil {
			if l.logger != nil {
				l.logger.Info("booting persisted rootfs image", "sandbox", spec.Name, "image", imagePath)
			}
			return imagePath, nil
		}
	} else {
		imagePath = filepath.Join(runDir, "rootfs.ext4")
	}
	if _, err := l.materialize(ctx, spec.RootFSDir, imagePath); err != nil {
		return "", err
	}
	return imagePath, nil
}

type vm struct {
	cmd       *exec.Cmd
	waitCh    chan error
	vsockPath string
	guestPort uint32
	runDir    string

	killOnce sync.Once
}

func (v *vm) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return fcvsock.DialContext(ctx, v.vsockPath, v.guestPort)
}

func (v *vm) Wait() <-chan error {
	return v.waitCh
}

func (v *vm) Kill() error {
	v.killOnce.Do(func() {
		if v.cmd.Process != nil {
			_ = v.cmd.Process.Kill()
		}
	})
	return nil
}

func buildConfig(spec sandbox.LaunchSpec, kernelPath, imagePath, vsockPath string) machineJSON {
	cfg := machineJSON{
		BootSource: bootSource{
			KernelImagePath: kernelPath,
			BootArgs:        bootArgs(spec),
		},
		Drives: []drive{
			{
				DriveID:      "rootfs",
				PathOnHost:   imagePath,
				IsRootDevice: true,
				IsReadOnly:   false,
			},
		},
		MachineConfig: machineConfig{
			VCPUCount:  spec.VCPUs,
			MemSizeMiB: spec.MemoryMiB,
			SMT:        false,
		},
		Vsock: &vsockConfig{
			VsockID:  "portalbox-vsock",
			GuestCID: guestCID,
			UDSPath:  vsockPath,
		},
	}
	if spec.Network != nil {
		cfg.NetworkInterfaces = []networkInterface{
			{
				IfaceID:     "eth0",
				GuestMAC:    spec.Network.MAC,
				HostDevName: spec.Network.TAPDevice,
			},
		}
	}
	return cfg
}

// bootArgs appends static guest addressing to the base kernel command line
// when the sandbox has a network.
func bootArgs(spec sandbox.LaunchSpec) string {
	args := baseBootArgs
	if spec.Network != nil && spec.Network.IP != nil {
		args += fmt.Sprintf(" ip=%s::%s:255.255.255.0::eth0:off",
			spec.Network.IP, spec.Network.Gateway)
	}
	return args
}

type machineJSON struct {
	BootSource        bootSource         `json:"boot-source"`
	Drives            []drive            `json:"drives"`
	MachineConfig     machineConfig      `json:"machine-config"`
	Vsock             *vsockConfig       `json:"vsock,omitempty"`
	NetworkInterfaces []networkInterface `json:"network-interfaces,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
