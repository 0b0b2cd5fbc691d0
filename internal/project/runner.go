package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/portalbox/portalbox/internal/portal"
	"github.com/portalbox/portalbox/internal/sandbox"
)

// ManagerFactory builds a sandbox manager for a project sandbox spec.
type ManagerFactory func(spec sandbox.Spec) (*sandbox.Manager, error)

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Registry *sandbox.Registry
	Factory  ManagerFactory
	Logger   *log.Logger
}

// Runner brings a project's sandboxes up and down in dependency order.
type Runner struct {
	registry *sandbox.Registry
	factory  ManagerFactory
	logger   *log.Logger
}

// NewRunner validates options and returns a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Registry == nil {
		return nil, errors.New("project runner requires a sandbox registry")
	}
	if opts.Factory == nil {
		return nil, errors.New("project runner requires a manager factory")
	}
	return &Runner{
		registry: opts.Registry,
		factory:  opts.Factory,
		logger:   opts.Logger,
	}, nil
}

// Namespace returns the namespace project sandboxes live under.
func (m *Manifest) Namespace() string {
	if m.Name != "" {
		return m.Name
	}
	return sandbox.DefaultNamespace
}

// SandboxStatus is one row of a project status report.
type SandboxStatus struct {
	Name    string
	State   sandbox.State
	Metrics *portal.Metrics
}

func (r *Runner) manager(manifest *Manifest, projectDir, name string) (*sandbox.Manager, error) {
	namespace := manifest.Namespace()
	return r.registry.GetOrCreate(namespace, name, func() (*sandbox.Manager, error) {
		spec, err := manifest.SandboxSpec(name, namespace, projectDir)
		if err != nil {
			return nil, err
		}
		return r.factory(spec)
	})
}

// Up starts every sandbox in the manifest. Sandboxes within a dependency
// level start in parallel; a level only starts once the previous level is
// fully running. On failure every sandbox started by this call is stopped
// again before Up returns.
func (r *Runner) Up(ctx context.Context, manifest *Manifest, projectDir string) error {
	levels, err := manifest.StartOrder()
	if err != nil {
		return err
	}

	var startedMu sync.Mutex
	var started []*sandbox.Manager

	for _, level := range levels {
		group, groupCtx := errgroup.WithContext(ctx)
		for _, name := range level {
			name := name
			group.Go(func() error {
				manager, err := r.manager(manifest, projectDir, name)
				if err != nil {
					return err
				}
				r.logf("starting project sandbox", "sandbox", name, "namespace", manifest.Namespace())
				if err := manager.Start(groupCtx); err != nil {
					if errors.Is(err, sandbox.ErrAlreadyStarted) {
						return nil
					}
					return fmt.Errorf("start sandbox %q: %w", name, err)
				}
				startedMu.Lock()
				started = append(started, manager)
				startedMu.Unlock()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			r.rollback(ctx, started)
			return err
		}
	}
	return nil
}

// rollback stops sandboxes started by a failed Up, most recent first.
func (r *Runner) rollback(ctx context.Context, started []*sandbox.Manager) {
	for i := len(started) - 1; i >= 0; i-- {
		manager := started[i]
		if err := manager.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, sandbox.ErrNotStarted) {
			r.warnf("rollback stop failed", "sandbox", manager.Name(), "err", err)
		}
	}
}

// Down stops the manifest's sandboxes in reverse dependency order. Sandboxes
// that are not running are skipped; the first stop error is returned after
// every sandbox has been attempted.
func (r *Runner) Down(ctx context.Context, manifest *Manifest) error {
	levels, err := manifest.StartOrder()
	if err != nil {
		return err
	}

	var firstErr error
	for i := len(levels) - 1; i >= 0; i-- {
		for _, name := range levels[i] {
			manager, err := r.registry.Get(manifest.Namespace(), name)
			if err != nil {
				continue
			}
			r.logf("stopping project sandbox", "sandbox", name, "namespace", manifest.Namespace())
			if err := manager.Stop(ctx); err != nil && !errors.Is(err, sandbox.ErrNotStarted) {
				if firstErr == nil {
					firstErr = fmt.Errorf("stop sandbox %q: %w", name, err)
				}
				r.warnf("stop failed", "sandbox", name, "err", err)
			}
		}
	}
	return firstErr
}

func (r *Runner) logf(msg string, kv ...any) {
	if r.logger != nil {
		r.logger.Info(msg, kv...)
	}
}

func (r *Runner) warnf(msg string, kv ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, kv...)
	}
}

// Status reports the state of every sandbox in the manifest, with guest
// metrics for the running ones.
func (r *Runner) Status(ctx context.Context, manifest *Manifest) []SandboxStatus {
	names := make([]string, 0, len(manifest.Sandboxes))
	for name := range manifest.Sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]SandboxStatus, 0, len(names))
	for _, name := range names {
		status := SandboxStatus{Name: name, State: sandbox.StateOff}
		if manager, err := r.registry.Get(manifest.Namespace(), name); err == nil {
			status.State = manager.State()
			if status.State == sandbox.StateRunning {
				if metrics, err := manager.Metrics(ctx); err == nil {
					status.Metrics = &metrics
				}
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// RunScript executes a named script from the manifest through the sandbox's
// shell. The sandbox must already be running.
func (r *Runner) RunScript(ctx context.Context, manifest *Manifest, sandboxName, scriptName string) (portal.ExecResult, error) {
	cfg, ok := manifest.Sandboxes[sandboxName]
	if !ok {
		return portal.ExecResult{}, fmt.Errorf("unknown sandbox %q in project", sandboxName)
	}
	script, ok := cfg.Scripts[scriptName]
	if !ok {
		return portal.ExecResult{}, fmt.Errorf("sandbox %q has no script %q", sandboxName, scriptName)
	}
	manager, err := r.registry.Get(manifest.Namespace(), sandboxName)
	if err != nil {
		return portal.ExecResult{}, err
	}
	return manager.RunScript(ctx, script)
}
