// Package client is the Go SDK for portalbox. It talks to a running
// portalbox server and drives one sandbox per Sandbox value.
//
//	sb, err := client.NewPythonSandbox(client.Options{Name: "demo"})
//	if err != nil { ... }
//	if err := sb.Start(ctx); err != nil { ... }
//	defer sb.Stop(ctx)
//	exec, err := sb.RunCode(ctx, "print(1+1)")
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/portalbox/portalbox/internal/apiclient"
	"github.com/portalbox/portalbox/internal/apiserver"
	"github.com/portalbox/portalbox/internal/endpoint"
	"github.com/portalbox/portalbox/internal/portal"
)

// Sandbox lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("sandbox already started")
	ErrNotStarted     = errors.New("sandbox not started")
)

// Options configure a sandbox handle.
type Options struct {
	// Name identifies the sandbox on the server. Required.
	Name string
	// Namespace scopes the name; the server default applies when empty.
	Namespace string
	// Image overrides the language's default image.
	Image string
	// MemoryMiB and CPUs take server defaults (512 MiB, 1 vCPU) when zero.
	MemoryMiB int64
	CPUs      int64
	// Envs are KEY=value pairs injected into the guest.
	Envs []string
	// Workdir is the guest working directory for code and commands.
	// Defaults to the image's configured working directory.
	Workdir string
	// ServerURL locates the portalbox server; $PORTALBOX_HOST or the
	// default local address apply when empty.
	ServerURL string
	// Token authenticates against a server not running in dev mode.
	Token string
}

// Sandbox is a handle to one sandbox on a portalbox server.
type Sandbox struct {
	opts     Options
	language portal.Language
	api      *apiclient.Client
	started  atomic.Bool
}

// NewPythonSandbox returns a handle to a Python sandbox.
func NewPythonSandbox(opts Options) (*Sandbox, error) {
	return newSandbox(portal.LanguagePython, opts)
}

// NewNodeSandbox returns a handle to a Node.js sandbox.
func NewNodeSandbox(opts Options) (*Sandbox, error) {
	return newSandbox(portal.LanguageNode, opts)
}

func newSandbox(language portal.Language, opts Options) (*Sandbox, error) {
	if opts.Name == "" {
		return nil, errors.New("sandbox name is required")
	}
	ep, err := endpoint.Resolve(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if opts.Image == "" {
		opts.Image = language.DefaultImage()
	}
	var clientOpts []apiclient.Option
	if opts.Token != "" {
		clientOpts = append(clientOpts, apiclient.WithToken(opts.Token))
	}
	return &Sandbox{
		opts:     opts,
		language: language,
		api:      apiclient.New(ep, clientOpts...),
	}, nil
}

// Start brings the sandbox up. Starting an already started handle returns
// ErrAlreadyStarted.
func (s *Sandbox) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	err := s.api.Call(ctx, apiserver.MethodSandboxStart, apiserver.StartParams{
		Sandbox:   s.opts.Name,
		Namespace: s.opts.Namespace,
		Image:     s.opts.Image,
		Memory:    s.opts.MemoryMiB,
		CPUs:      s.opts.CPUs,
		Envs:      s.opts.Envs,
		Workdir:   s.opts.Workdir,
	}, nil)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("start sandbox %q: %w", s.opts.Name, err)
	}
	return nil
}

// Stop tears the sandbox down.
func (s *Sandbox) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}
	err := s.api.Call(ctx, apiserver.MethodSandboxStop, apiserver.SandboxParams{
		Sandbox:   s.opts.Name,
		Namespace: s.opts.Namespace,
	}, nil)
	if err != nil {
		return fmt.Errorf("stop sandbox %q: %w", s.opts.Name, err)
	}
	return nil
}

func (s *Sandbox) params() apiserver.SandboxParams {
	return apiserver.SandboxParams{Sandbox: s.opts.Name, Namespace: s.opts.Namespace}
}

// RunCode evaluates code in the sandbox's language REPL. Interpreter state
// persists across calls for the life of the sandbox.
func (s *Sandbox) RunCode(ctx context.Context, code string) (Execution, error) {
	if !s.started.Load() {
		return Execution{}, ErrNotStarted
	}
	var result portal.ExecResult
	err := s.api.Call(ctx, apiserver.MethodReplRun, apiserver.ReplRunParams{
		SandboxParams: s.params(),
		Language:      string(s.language),
		Code:          code,
	}, &result)
	if err != nil {
		return Execution{}, fmt.Errorf("run code in sandbox %q: %w", s.opts.Name, err)
	}
	return Execution{result: result}, nil
}

// RunCommand executes a binary with arguments inside the sandbox.
func (s *Sandbox) RunCommand(ctx context.Context, command string, args ...string) (Execution, error) {
	if !s.started.Load() {
		return Execution{}, ErrNotStarted
	}
	var result portal.ExecResult
	err := s.api.Call(ctx, apiserver.MethodCommandExecute, apiserver.CommandExecuteParams{
		SandboxParams: s.params(),
		Command:       command,
		Args:          args,
	}, &result)
	if err != nil {
		return Execution{}, fmt.Errorf("run command in sandbox %q: %w", s.opts.Name, err)
	}
	return Execution{result: result}, nil
}

// Metrics fetches one consistent snapshot of the sandbox's resource usage.
func (s *Sandbox) Metrics(ctx context.Context) (Metrics, error) {
	if !s.started.Load() {
		return Metrics{}, ErrNotStarted
	}
	var metrics portal.Metrics
	if err := s.api.Call(ctx, apiserver.MethodMetricsGet, s.params(), &metrics); err != nil {
		return Metrics{}, fmt.Errorf("fetch metrics for sandbox %q: %w", s.opts.Name, err)
	}
	return Metrics{snapshot: metrics}, nil
}

// Execution is the outcome of one RunCode or RunCommand call.
type Execution struct {
	result portal.ExecResult
}

// Output returns the raw text the execution produced.
func (e Execution) Output() string { return e.result.Output }

// ExitCode returns the process exit code; REPL evaluations report 0 on
// success.
func (e Execution) ExitCode() int { return e.result.ExitCode }

// Value attempts to parse a structured value out of the output, degrading
// to the raw text when the output is not structured.
func (e Execution) Value() (any, bool) { return e.result.Value() }

// Metrics is one snapshot of sandbox resource usage. All accessors project
// from the same underlying measurement.
type Metrics struct {
	snapshot portal.Metrics
}

func (m Metrics) IsRunning() bool   { return m.snapshot.Running }
func (m Metrics) CPU() float64      { return m.snapshot.CPUPercent }
func (m Metrics) MemoryMiB() uint64 { return m.snapshot.MemoryMiB }
func (m Metrics) DiskBytes() uint64 { return m.snapshot.DiskBytes }
