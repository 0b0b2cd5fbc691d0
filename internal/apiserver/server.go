// Package apiserver exposes the orchestration API: a single JSON-RPC
// endpoint over HTTP through which clients start, stop, and talk to
// sandboxes and projects.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/portalbox/portalbox/internal/jsonrpc"
	"github.com/portalbox/portalbox/internal/netman"
	"github.com/portalbox/portalbox/internal/paths"
	"github.com/portalbox/portalbox/internal/portal"
	"github.com/portalbox/portalbox/internal/project"
	"github.com/portalbox/portalbox/internal/sandbox"
)

// RPCPath is the JSON-RPC endpoint.
const RPCPath = "/api/v1/rpc"

// API method names. Commands execute under `command.execute` here; the
// guest-facing portal names the same operation `command.run`.
const (
	MethodSandboxStart   = "sandbox.start"
	MethodSandboxStop    = "sandbox.stop"
	MethodReplRun        = "sandbox.repl.run"
	MethodCommandExecute = "sandbox.command.execute"
	MethodMetricsGet     = "sandbox.metrics.get"
	MethodProjectUp      = "project.up"
	MethodProjectDown    = "project.down"
	MethodProjectStatus  = "project.status"
	MethodProjectScript  = "project.script.run"
)

// StartParams configure an ad-hoc sandbox started through the API.
type StartParams struct {
	Sandbox   string   `json:"sandbox"`
	Namespace string   `json:"namespace,omitempty"`
	Image     string   `json:"image"`
	Memory    int64    `json:"memory,omitempty"`
	CPUs      int64    `json:"cpus,omitempty"`
	Ports     []string `json:"ports,omitempty"`
	Envs      []string `json:"envs,omitempty"`
	// Volumes are host:guest paths copied into the rootfs before boot.
	Volumes []string `json:"volumes,omitempty"`
	// Workdir is the guest working directory for commands and REPLs.
	Workdir string `json:"workdir,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Shell   string `json:"shell,omitempty"`
	// Persist keeps the writable state in the user's state directory so it
	// survives restarts, guest writes included.
	Persist bool `json:"persist,omitempty"`
}

type SandboxParams struct {
	Sandbox   string `json:"sandbox"`
	Namespace string `json:"namespace,omitempty"`
}

type ReplRunParams struct {
	SandboxParams
	Language string `json:"language"`
	Code     string `json:"code"`
}

type CommandExecuteParams struct {
	SandboxParams
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type ProjectParams struct {
	Dir string `json:"dir"`
}

type ProjectScriptParams struct {
	Dir     string `json:"dir"`
	Sandbox string `json:"sandbox"`
	Script  string `json:"script"`
}

type StatusResult struct {
	Sandboxes []SandboxStatusResult `json:"sandboxes"`
}

type SandboxStatusResult struct {
	Name    string          `json:"name"`
	State   string          `json:"state"`
	Metrics *portal.Metrics `json:"metrics,omitempty"`
}

type okResult struct {
	OK bool `json:"ok"`
}

// Options configure a Server.
type Options struct {
	Registry *sandbox.Registry
	Factory  project.ManagerFactory
	Runner   *project.Runner
	Auth     *Authenticator
	// Namespace is applied to requests that carry none. Empty selects the
	// sandbox package default.
	Namespace string
	Logger    *log.Logger
}

// Server dispatches API methods onto the sandbox registry and project runner.
type Server struct {
	registry  *sandbox.Registry
	factory   project.ManagerFactory
	runner    *project.Runner
	auth      *Authenticator
	namespace string
	logger    *log.Logger
}

// New validates options and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("api server requires a sandbox registry")
	}
	if opts.Factory == nil {
		return nil, errors.New("api server requires a manager factory")
	}
	if opts.Runner == nil {
		return nil, errors.New("api server requires a project runner")
	}
	if opts.Auth == nil {
		return nil, errors.New("api server requires an authenticator")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = sandbox.DefaultNamespace
	}
	return &Server{
		registry:  opts.Registry,
		factory:   opts.Factory,
		runner:    opts.Runner,
		auth:      opts.Auth,
		namespace: namespace,
		logger:    opts.Logger,
	}, nil
}

// resolveNamespace fills the server default into requests that name none.
func (s *Server) resolveNamespace(requested string) string {
	if requested == "" {
		return s.namespace
	}
	return requested
}

// Handler returns the HTTP handler serving the API and the health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST "+RPCPath, s.handleRPC)
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Verify(r); err != nil {
		writeResponse(w, http.StatusUnauthorized, jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParse, "invalid JSON in request body"))
		return
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		writeResponse(w, http.StatusBadRequest, jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr, ID: req.ID})
		return
	}

	result, err := s.dispatch(r.Context(), req)
	if err != nil {
		status, code := classify(err)
		message := err.Error()
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			message = rpcErr.Message
		}
		if s.logger != nil {
			s.logger.Warn("api call failed", "method", req.Method, "err", err)
		}
		writeResponse(w, status, jsonrpc.NewError(req.ID, code, message))
		return
	}

	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		writeResponse(w, http.StatusInternalServerError, jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error()))
		return
	}
	writeResponse(w, http.StatusOK, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// errNotFound tags lookups of unknown sandboxes or projects.
type errNotFound struct{ err error }

func (e errNotFound) Error() string { return e.err.Error() }
func (e errNotFound) Unwrap() error { return e.err }

// errBadParams tags validation failures of request params.
type errBadParams struct{ err error }

func (e errBadParams) Error() string { return e.err.Error() }
func (e errBadParams) Unwrap() error { return e.err }

// classify maps a dispatch error to an HTTP status and JSON-RPC error code.
func classify(err error) (int, int) {
	var notFound errNotFound
	var badParams errBadParams
	var cyclic *project.CyclicDependencyError
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.CodeMethodNotFound:
		return http.StatusBadRequest, jsonrpc.CodeMethodNotFound
	case errors.Is(err, sandbox.ErrAlreadyStarted), errors.Is(err, sandbox.ErrNotStarted):
		return http.StatusConflict, jsonrpc.CodeSandboxState
	case errors.Is(err, netman.ErrPortInUse):
		return http.StatusConflict, jsonrpc.CodeResource
	case errors.As(err, &notFound):
		return http.StatusNotFound, jsonrpc.CodeNotFound
	case errors.As(err, &badParams), errors.As(err, &cyclic):
		return http.StatusBadRequest, jsonrpc.CodeInvalidParams
	default:
		return http.StatusInternalServerError, jsonrpc.CodeInternal
	}
}

func (s *Server) dispatch(ctx context.Context, req jsonrpc.Request) (any, error) {
	switch req.Method {
	case MethodSandboxStart:
		return s.sandboxStart(ctx, req)
	case MethodSandboxStop:
		return s.sandboxStop(ctx, req)
	case MethodReplRun:
		return s.replRun(ctx, req)
	case MethodCommandExecute:
		return s.commandExecute(ctx, req)
	case MethodMetricsGet:
		return s.metricsGet(ctx, req)
	case MethodProjectUp:
		return s.projectUp(ctx, req)
	case MethodProjectDown:
		return s.projectDown(ctx, req)
	case MethodProjectStatus:
		return s.projectStatus(ctx, req)
	case MethodProjectScript:
		return s.projectScript(ctx, req)
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) sandboxStart(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params StartParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	if params.Sandbox == "" {
		return nil, errBadParams{errors.New("sandbox name is required")}
	}
	if params.Image == "" {
		return nil, errBadParams{errors.New("image is required")}
	}
	scope, err := netman.ParseScope(params.Scope)
	if err != nil {
		return nil, errBadParams{err}
	}
	ports := make([]netman.PortMapping, 0, len(params.Ports))
	for _, raw := range params.Ports {
		mapping, err := netman.ParsePortMapping(raw)
		if err != nil {
			return nil, errBadParams{err}
		}
		ports = append(ports, mapping)
	}
	volumes := make([]sandbox.VolumeMount, 0, len(params.Volumes))
	for _, raw := range params.Volumes {
		mount, err := sandbox.ParseVolumeMount(raw)
		if err != nil {
			return nil, errBadParams{err}
		}
		volumes = append(volumes, mount)
	}

	namespace := s.resolveNamespace(params.Namespace)
	var stateDir string
	if params.Persist {
		stateDir, err = paths.InstalledSandboxDir(filepath.Join(namespace, params.Sandbox))
		if err != nil {
			return nil, err
		}
	}

	manager, err := s.registry.GetOrCreate(namespace, params.Sandbox, func() (*sandbox.Manager, error) {
		return s.factory(sandbox.Spec{
			Name:      params.Sandbox,
			Namespace: namespace,
			Image:     params.Image,
			MemoryMiB: params.Memory,
			VCPUs:     params.CPUs,
			Scope:     scope,
			Ports:     ports,
			Env:       params.Envs,
			Volumes:   volumes,
			Workdir:   params.Workdir,
			Shell:     params.Shell,
			StateDir:  stateDir,
			Persist:   params.Persist,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (s *Server) lookup(params SandboxParams) (*sandbox.Manager, error) {
	if params.Sandbox == "" {
		return nil, errBadParams{errors.New("sandbox name is required")}
	}
	manager, err := s.registry.Get(s.resolveNamespace(params.Namespace), params.Sandbox)
	if err != nil {
		return nil, errNotFound{err}
	}
	return manager, nil
}

func (s *Server) sandboxStop(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params SandboxParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	manager, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	if err := manager.Stop(ctx); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (s *Server) replRun(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params ReplRunParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	language, err := portal.ParseLanguage(params.Language)
	if err != nil {
		return nil, errBadParams{err}
	}
	manager, err := s.lookup(params.SandboxParams)
	if err != nil {
		return nil, err
	}
	return manager.RunCode(ctx, language, params.Code)
}

func (s *Server) commandExecute(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params CommandExecuteParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	if params.Command == "" {
		return nil, errBadParams{errors.New("command is required")}
	}
	manager, err := s.lookup(params.SandboxParams)
	if err != nil {
		return nil, err
	}
	return manager.RunCommand(ctx, params.Command, params.Args...)
}

func (s *Server) metricsGet(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params SandboxParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	manager, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	return manager.Metrics(ctx)
}

func (s *Server) loadManifest(dir string) (*project.Manifest, error) {
	if dir == "" {
		return nil, errBadParams{errors.New("project dir is required")}
	}
	manifest, err := project.Load(dir)
	if err != nil {
		return nil, errBadParams{err}
	}
	return manifest, nil
}

func (s *Server) projectUp(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params ProjectParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	manifest, err := s.loadManifest(params.Dir)
	if err != nil {
		return nil, err
	}
	if err := s.runner.Up(ctx, manifest, params.Dir); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (s *Server) projectDown(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params ProjectParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	manifest, err := s.loadManifest(params.Dir)
	if err != nil {
		return nil, err
	}
	if err := s.runner.Down(ctx, manifest); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (s *Server) projectScript(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params ProjectScriptParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	if params.Sandbox == "" {
		return nil, errBadParams{errors.New("sandbox name is required")}
	}
	if params.Script == "" {
		return nil, errBadParams{errors.New("script name is required")}
	}
	manifest, err := s.loadManifest(params.Dir)
	if err != nil {
		return nil, err
	}
	cfg, ok := manifest.Sandboxes[params.Sandbox]
	if !ok {
		return nil, errNotFound{fmt.Errorf("unknown sandbox %q in project", params.Sandbox)}
	}
	if _, ok := cfg.Scripts[params.Script]; !ok {
		return nil, errNotFound{fmt.Errorf("sandbox %q has no script %q", params.Sandbox, params.Script)}
	}
	return s.runner.RunScript(ctx, manifest, params.Sandbox, params.Script)
}

func (s *Server) projectStatus(ctx context.Context, req jsonrpc.Request) (any, error) {
	var params ProjectParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, errBadParams{err}
	}
	manifest, err := s.loadManifest(params.Dir)
	if err != nil {
		return nil, err
	}

	statuses := s.runner.Status(ctx, manifest)
	result := StatusResult{Sandboxes: make([]SandboxStatusResult, 0, len(statuses))}
	for _, status := range statuses {
		result.Sandboxes = append(result.Sandboxes, SandboxStatusResult{
			Name:    status.Name,
			State:   status.State.String(),
			Metrics: status.Metrics,
		})
	}
	return result, nil
}
