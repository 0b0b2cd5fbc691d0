// Package sandbox drives the lifecycle of one microVM sandbox: resolve the
// image, allocate networking, boot the VM, and proxy execution through the
// guest portal.
package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/portalbox/portalbox/internal/imageresolver"
	"github.com/portalbox/portalbox/internal/layerstore"
	"github.com/portalbox/portalbox/internal/netman"
	"github.com/portalbox/portalbox/internal/portal"
)

const (
	DefaultMemoryMiB = 512
	DefaultVCPUs     = 1
	DefaultShell     = "/bin/sh"
	DefaultNamespace = "default"

	defaultReadyTimeout  = 60 * time.Second
	defaultReadyInterval = 200 * time.Millisecond
	defaultStopTimeout   = 5 * time.Second
	killWaitTimeout      = 2 * time.Second
)

// Spec describes one sandbox. Zero values take documented defaults.
type Spec struct {
	Name      string
	Namespace string
	Image     string
	MemoryMiB int64
	VCPUs     int64
	Scope     netman.Scope
	Ports     []netman.PortMapping
	Env       []string
	Shell     string

	// Volumes are host paths copied into the root filesystem before the
	// sandbox first boots.
	Volumes []VolumeMount

	// Workdir is the working directory for commands and REPL sessions in
	// the guest. Defaults to the image's configured working directory.
	Workdir string

	// StateDir, when set, holds the sandbox's writable state between runs:
	// the merged rootfs tree under merged/ and the bootable disk image as
	// rootfs.ext4. The image carries the guest's writes, so a sandbox
	// restarted from the same StateDir resumes with them. Empty means
	// scratch state discarded on stop.
	StateDir string
	Persist  bool
}

func (s Spec) withDefaults() Spec {
	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
	if s.MemoryMiB <= 0 {
		s.MemoryMiB = DefaultMemoryMiB
	}
	if s.VCPUs <= 0 {
		s.VCPUs = DefaultVCPUs
	}
	if s.Scope == "" {
		s.Scope = netman.ScopeNone
	}
	if strings.TrimSpace(s.Shell) == "" {
		s.Shell = DefaultShell
	}
	return s
}

// ResolveFunc turns an image reference into a composed root filesystem.
type ResolveFunc func(ctx context.Context, ref string, opts layerstore.ComposeOptions) (*imageresolver.Resolved, error)

type Options struct {
	Spec     Spec
	Resolve  ResolveFunc
	Network  *netman.Manager
	Launcher Launcher

	// GuestPort overrides the portal vsock port.
	GuestPort uint32

	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	StopTimeout   time.Duration

	Logger *log.Logger
}

// Manager owns one sandbox instance. All methods are safe for concurrent
// use; racing starts and stops serialize through the state token.
type Manager struct {
	spec     Spec
	id       string
	resolve  ResolveFunc
	network  *netman.Manager
	launcher Launcher

	guestPort     uint32
	readyTimeout  time.Duration
	readyInterval time.Duration
	stopTimeout   time.Duration
	logger        *log.Logger

	state atomic.Uint32

	mu          sync.Mutex
	startCancel context.CancelFunc
	startDone   chan struct{}

	vm        VM
	client    *portal.Client
	rootfs    *layerstore.RootFS
	netHandle *netman.Handle
	imgConfig imageresolver.ImageConfig
}

func New(opts Options) (*Manager, error) {
	spec := opts.Spec.withDefaults()
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("sandbox spec requires a name")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, fmt.Errorf("sandbox %q requires an image", spec.Name)
	}
	if opts.Resolve == nil {
		return nil, fmt.Errorf("sandbox %q requires an image resolver", spec.Name)
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("sandbox %q requires a network manager", spec.Name)
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("sandbox %q requires a launcher", spec.Name)
	}

	m := &Manager{
		spec:          spec,
		id:            newSandboxID(),
		resolve:       opts.Resolve,
		network:       opts.Network,
		launcher:      opts.Launcher,
		guestPort:     opts.GuestPort,
		readyTimeout:  opts.ReadyTimeout,
		readyInterval: opts.ReadyInterval,
		stopTimeout:   opts.StopTimeout,
		logger:        opts.Logger,
	}
	if m.guestPort == 0 {
		m.guestPort = portal.DefaultPort
	}
	if m.readyTimeout <= 0 {
		m.readyTimeout = defaultReadyTimeout
	}
	if m.readyInterval <= 0 {
		m.readyInterval = defaultReadyInterval
	}
	if m.stopTimeout <= 0 {
		m.stopTimeout = defaultStopTimeout
	}
	return m, nil
}

func (m *Manager) ID() string   { return m.id }
func (m *Manager) Name() string { return m.spec.Name }
func (m *Manager) Spec() Spec   { return m.spec }

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) owner() string {
	return m.spec.Name + "." + m.spec.Namespace
}

// Start boots the sandbox: resolve image, allocate network, launch the VM,
// and wait for the portal to answer. Exactly one racing caller wins; the
// rest observe ErrAlreadyStarted. On failure everything acquired is released
// again; a readiness timeout lands in Failed, any earlier failure back in
// Off.
func (m *Manager) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(uint32(StateOff), uint32(StateStarting)) &&
		!m.state.CompareAndSwap(uint32(StateFailed), uint32(StateStarting)) {
		return fmt.Errorf("start %s: %w (state %s)", m.spec.Name, ErrAlreadyStarted, m.State())
	}

	// Publish a cancel hook so Stop can abort this boot; startDone lets the
	// stopper wait for the cleanup below to finish.
	ctx, cancelStart := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.startCancel = cancelStart
	m.startDone = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.startCancel, m.startDone = nil, nil
		m.mu.Unlock()
		cancelStart()
		close(done)
	}()

	if m.logger != nil {
		m.logger.Info("starting sandbox",
			"sandbox", m.spec.Name, "namespace", m.spec.Namespace,
			"image", m.spec.Image, "memory_mib", m.spec.MemoryMiB, "vcpus", m.spec.VCPUs)
	}

	var mergedDir, imagePath string
	if m.spec.StateDir != "" {
		mergedDir = filepath.Join(m.spec.StateDir, "merged")
		imagePath = filepath.Join(m.spec.StateDir, "rootfs.ext4")
	}

	resolved, err := m.resolve(ctx, m.spec.Image, layerstore.ComposeOptions{
		WritableDir: mergedDir,
		Persist:     m.spec.Persist,
	})
	if err != nil {
		m.state.Store(uint32(StateOff))
		return fmt.Errorf("resolve image for %s: %w", m.spec.Name, err)
	}

	if err := seedVolumes(resolved.RootFS.Dir, m.spec.Volumes); err != nil {
		_ = resolved.RootFS.Release(context.WithoutCancel(ctx))
		m.state.Store(uint32(StateOff))
		return fmt.Errorf("seed volumes for %s: %w", m.spec.Name, err)
	}

	handle, err := m.network.Allocate(m.owner(), m.spec.Scope, m.spec.Ports)
	if err != nil {
		_ = resolved.RootFS.Release(context.WithoutCancel(ctx))
		m.state.Store(uint32(StateOff))
		return fmt.Errorf("allocate network for %s: %w", m.spec.Name, err)
	}

	launchHandle := handle
	if m.spec.Scope == netman.ScopeNone {
		launchHandle = nil
	}
	vm, err := m.launcher.Launch(ctx, LaunchSpec{
		ID:        m.id,
		Name:      m.spec.Name,
		Namespace: m.spec.Namespace,
		RootFSDir: resolved.RootFS.Dir,
		ImagePath: imagePath,
		MemoryMiB: m.spec.MemoryMiB,
		VCPUs:     m.spec.VCPUs,
		Network:   launchHandle,
		GuestPort: m.guestPort,
		Env:       append(append([]string(nil), resolved.Config.Env...), m.spec.Env...),
	})
	if err != nil {
		_ = handle.Release()
		_ = resolved.RootFS.Release(context.WithoutCancel(ctx))
		m.state.Store(uint32(StateOff))
		return fmt.Errorf("launch %s: %w", m.spec.Name, err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	client, err := portal.WaitReady(readyCtx, vm.Dial, m.readyInterval)
	cancel()
	if err != nil {
		_ = vm.Kill()
		waitVM(vm)
		_ = handle.Release()
		// Release with an uncancelled context: the boot may have been
		// aborted, but the refcount bookkeeping must still land.
		_ = resolved.RootFS.Release(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			// The caller gave up; this is a cancelled boot, not a broken one.
			m.state.Store(uint32(StateOff))
			return fmt.Errorf("start %s cancelled: %w", m.spec.Name, err)
		}
		m.state.Store(uint32(StateFailed))
		return fmt.Errorf("sandbox %s failed to become ready: %w", m.spec.Name, err)
	}

	m.mu.Lock()
	m.vm = vm
	m.client = client
	m.rootfs = resolved.RootFS
	m.netHandle = handle
	m.imgConfig = resolved.Config
	m.mu.Unlock()

	m.state.Store(uint32(StateRunning))
	if m.logger != nil {
		m.logger.Info("sandbox running", "sandbox", m.spec.Name, "namespace", m.spec.Namespace, "id", m.id)
	}
	return nil
}

// Stop shuts the sandbox down: graceful portal shutdown with a bounded
// wait, then force kill, then release of network and root filesystem. The
// sandbox always ends in Off, whatever partial failures occur on the way.
// Stopping a sandbox mid-start cancels the boot; the starter's own failure
// path releases everything it acquired.
func (m *Manager) Stop(ctx context.Context) error {
	for !m.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopping)) {
		if m.State() != StateStarting {
			return fmt.Errorf("stop %s: %w (state %s)", m.spec.Name, ErrNotStarted, m.State())
		}
		m.mu.Lock()
		cancelStart, startDone := m.startCancel, m.startDone
		m.mu.Unlock()
		if cancelStart == nil {
			// The starter won its CAS but has not published the cancel
			// hook yet; re-check.
			continue
		}
		cancelStart()
		<-startDone
		if m.State() != StateRunning {
			// The boot aborted and the starter cleaned up after itself.
			return nil
		}
		// The boot finished before the cancel landed; stop normally.
	}
	defer m.state.Store(uint32(StateOff))

	m.mu.Lock()
	vm, client, rootfs, handle := m.vm, m.client, m.rootfs, m.netHandle
	m.vm, m.client, m.rootfs, m.netHandle = nil, nil, nil, nil
	m.mu.Unlock()

	var firstErr error
	if client != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout)
		if err := client.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("graceful shutdown of %s: %w", m.spec.Name, err)
		}
		cancel()
		_ = client.Close()
	}
	if vm != nil {
		_ = vm.Kill()
		waitVM(vm)
	}
	if handle != nil {
		if err := handle.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release network for %s: %w", m.spec.Name, err)
		}
	}
	if rootfs != nil {
		if err := rootfs.Release(context.WithoutCancel(ctx)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release rootfs for %s: %w", m.spec.Name, err)
		}
	}

	if m.logger != nil {
		m.logger.Info("sandbox stopped", "sandbox", m.spec.Name, "namespace", m.spec.Namespace)
	}
	return firstErr
}

// waitVM bounds the wait for the VM process to exit after a kill.
func waitVM(vm VM) {
	select {
	case <-vm.Wait():
	case <-time.After(killWaitTimeout):
	}
}

func (m *Manager) portalClient() (*portal.Client, error) {
	if m.State() != StateRunning {
		return nil, fmt.Errorf("%w (state %s)", ErrNotStarted, m.State())
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, ErrNotStarted
	}
	return client, nil
}

// workdir is the guest working directory for execution, the spec's when set
// and the image's otherwise.
func (m *Manager) workdir() string {
	if m.spec.Workdir != "" {
		return m.spec.Workdir
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imgConfig.Workdir
}

// RunCode evaluates code in the sandbox's persistent REPL session for the
// language. Calls from one caller execute in submission order; ordering
// across concurrent callers is the callers' concern.
func (m *Manager) RunCode(ctx context.Context, language portal.Language, code string) (portal.ExecResult, error) {
	client, err := m.portalClient()
	if err != nil {
		return portal.ExecResult{}, err
	}
	result, err := client.RunRepl(ctx, portal.ReplRunParams{Language: language, Code: code, Workdir: m.workdir()})
	if err != nil {
		return portal.ExecResult{}, fmt.Errorf("%w: %s", ErrExecutionFailed, err)
	}
	return result, nil
}

// RunCommand executes one process inside the guest.
func (m *Manager) RunCommand(ctx context.Context, command string, args ...string) (portal.ExecResult, error) {
	client, err := m.portalClient()
	if err != nil {
		return portal.ExecResult{}, err
	}
	result, err := client.RunCommand(ctx, portal.CommandRunParams{Command: command, Args: args, Workdir: m.workdir()})
	if err != nil {
		return portal.ExecResult{}, fmt.Errorf("%w: %s", ErrExecutionFailed, err)
	}
	return result, nil
}

// RunScript runs a named command line through the sandbox's configured
// shell.
func (m *Manager) RunScript(ctx context.Context, script string) (portal.ExecResult, error) {
	return m.RunCommand(ctx, m.spec.Shell, "-c", script)
}

// Metrics fetches one consistent snapshot of guest resource usage.
func (m *Manager) Metrics(ctx context.Context) (portal.Metrics, error) {
	client, err := m.portalClient()
	if err != nil {
		return portal.Metrics{}, err
	}
	metrics, err := client.Metrics(ctx)
	if err != nil {
		return portal.Metrics{}, fmt.Errorf("%w: %s", ErrExecutionFailed, err)
	}
	return metrics, nil
}
