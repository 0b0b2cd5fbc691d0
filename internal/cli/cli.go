// Package cli implements the portalbox command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/portalbox/portalbox/internal/apiclient"
	"github.com/portalbox/portalbox/internal/apiserver"
	"github.com/portalbox/portalbox/internal/endpoint"
	"github.com/portalbox/portalbox/internal/runtimeconfig"
)

type runtimeContext struct {
	Stdout  io.Writer
	Config  runtimeconfig.Config
	Version string
}

type CLI struct {
	Serve  ServeCommand  `cmd:"" help:"Run the portalbox server"`
	Run    RunCommand    `cmd:"" help:"Start a sandbox"`
	Stop   StopCommand   `cmd:"" help:"Stop a sandbox"`
	Exec   ExecCommand   `cmd:"" help:"Execute a command in a running sandbox"`
	Eval   EvalCommand   `cmd:"" help:"Evaluate code in a sandbox REPL"`
	Up     UpCommand     `cmd:"" help:"Start every sandbox in a project"`
	Down   DownCommand   `cmd:"" help:"Stop every sandbox in a project"`
	Status StatusCommand `cmd:"" help:"Show sandbox states for a project"`
	Script ScriptCommand `cmd:"" help:"Run a named script in a project sandbox"`
	Image  ImageCommand  `cmd:"" help:"Manage the local layer cache"`
	Keygen KeygenCommand `cmd:"" help:"Mint an API token"`
}

// hostFlags are shared by every command that talks to a server.
type hostFlags struct {
	Host  string `help:"Server endpoint (host:port, unix://path, http(s)://host:port)"`
	Token string `help:"API bearer token" env:"PORTALBOX_TOKEN"`
}

func (h hostFlags) client() (*apiclient.Client, error) {
	ep, err := endpoint.Resolve(h.Host)
	if err != nil {
		return nil, err
	}
	var opts []apiclient.Option
	if h.Token != "" {
		opts = append(opts, apiclient.WithToken(h.Token))
	}
	return apiclient.New(ep, opts...), nil
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (host:port, unix://path, or absolute socket path)"`
	Dev      bool   `help:"Disable API authentication"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type RunCommand struct {
	hostFlags
	Name      string   `arg:"" help:"Sandbox name"`
	Image     string   `required:"" help:"OCI image reference to boot"`
	Namespace string   `help:"Sandbox namespace"`
	Memory    int64    `help:"Guest memory in MiB (default 512)"`
	CPUs      int64    `help:"Guest vCPUs (default 1)" name:"cpus"`
	Port      []string `help:"Port mapping host:guest (repeatable)" name:"port"`
	Env       []string `help:"Environment variable KEY=value (repeatable)" name:"env"`
	Volume    []string `help:"Volume mount host:guest copied into the rootfs (repeatable)" name:"volume"`
	Workdir   string   `help:"Working directory for commands and REPLs in the guest"`
	Scope     string   `help:"Network scope (none|local|public|any)"`
	Persist   bool     `help:"Keep the writable state across restarts"`
}

type StopCommand struct {
	hostFlags
	Name      string `arg:"" help:"Sandbox name"`
	Namespace string `help:"Sandbox namespace"`
}

type ExecCommand struct {
	hostFlags
	Name      string   `help:"Sandbox name" required:""`
	Namespace string   `help:"Sandbox namespace"`
	Command   []string `arg:"" passthrough:"partial" required:"" help:"Command to execute"`
}

type EvalCommand struct {
	hostFlags
	Name      string `help:"Sandbox name" required:""`
	Namespace string `help:"Sandbox namespace"`
	Language  string `help:"REPL language (python|nodejs)" default:"python"`
	Code      string `arg:"" help:"Code to evaluate"`
}

type UpCommand struct {
	hostFlags
	Dir string `short:"d" help:"Project directory (defaults to cwd)"`
}

type DownCommand struct {
	hostFlags
	Dir string `short:"d" help:"Project directory (defaults to cwd)"`
}

type StatusCommand struct {
	hostFlags
	Dir string `short:"d" help:"Project directory (defaults to cwd)"`
}

type ScriptCommand struct {
	hostFlags
	Dir     string `short:"d" help:"Project directory (defaults to cwd)"`
	Sandbox string `arg:"" help:"Sandbox name"`
	Name    string `arg:"" help:"Script name from the manifest"`
}

type ImageCommand struct {
	Pull ImagePullCommand `cmd:"" help:"Fetch an image's layers into the local cache"`
	Ls   ImageLsCommand   `cmd:"" help:"List cached layers"`
	Rm   ImageRmCommand   `cmd:"" help:"Remove a cached layer by digest"`
	GC   ImageGCCommand   `cmd:"" name:"gc" help:"Collect unreferenced layers"`
}

type ImagePullCommand struct {
	Ref string `arg:"" help:"OCI image reference"`
}

type ImageLsCommand struct{}

type ImageRmCommand struct {
	Digest string `arg:"" help:"Layer digest (algorithm:hex)"`
}

type ImageGCCommand struct {
	RetentionDays int `help:"Only collect layers unused for this many days"`
}

type KeygenCommand struct {
	Subject string        `help:"Token subject" default:"portalbox"`
	TTL     time.Duration `help:"Token lifetime" default:"720h"`
	Secret  string        `help:"Signing secret (defaults to server.auth_secret from config)"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, _, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:  os.Stdout,
		Config:  cfg,
		Version: version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("portalbox"),
		kong.Description("Self-hosted microVM sandbox orchestrator"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

func (r *RunCommand) Run(ctx *runtimeContext) error {
	client, err := r.client()
	if err != nil {
		return err
	}
	err = client.Call(context.Background(), apiserver.MethodSandboxStart, apiserver.StartParams{
		Sandbox:   r.Name,
		Namespace: r.Namespace,
		Image:     r.Image,
		Memory:    r.Memory,
		CPUs:      r.CPUs,
		Ports:     r.Port,
		Envs:      r.Env,
		Volumes:   r.Volume,
		Workdir:   r.Workdir,
		Scope:     r.Scope,
		Persist:   r.Persist,
	}, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "sandbox %s started\n", r.Name)
	return err
}

func (s *StopCommand) Run(ctx *runtimeContext) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	err = client.Call(context.Background(), apiserver.MethodSandboxStop, apiserver.SandboxParams{
		Sandbox:   s.Name,
		Namespace: s.Namespace,
	}, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "sandbox %s stopped\n", s.Name)
	return err
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	client, err := e.client()
	if err != nil {
		return err
	}
	var result execResult
	err = client.Call(context.Background(), apiserver.MethodCommandExecute, apiserver.CommandExecuteParams{
		SandboxParams: apiserver.SandboxParams{Sandbox: e.Name, Namespace: e.Namespace},
		Command:       e.Command[0],
		Args:          e.Command[1:],
	}, &result)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(ctx.Stdout, result.Output); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return exitCodeError{code: result.ExitCode}
	}
	return nil
}

func (e *EvalCommand) Run(ctx *runtimeContext) error {
	client, err := e.client()
	if err != nil {
		return err
	}
	var result execResult
	err = client.Call(context.Background(), apiserver.MethodReplRun, apiserver.ReplRunParams{
		SandboxParams: apiserver.SandboxParams{Sandbox: e.Name, Namespace: e.Namespace},
		Language:      e.Language,
		Code:          e.Code,
	}, &result)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(ctx.Stdout, result.Output); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return exitCodeError{code: result.ExitCode}
	}
	return nil
}

type execResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func projectDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return os.Getwd()
}

func (u *UpCommand) Run(ctx *runtimeContext) error {
	dir, err := projectDir(u.Dir)
	if err != nil {
		return err
	}
	client, err := u.client()
	if err != nil {
		return err
	}
	if err := client.Call(context.Background(), apiserver.MethodProjectUp, apiserver.ProjectParams{Dir: dir}, nil); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "project up: %s\n", dir)
	return err
}

func (d *DownCommand) Run(ctx *runtimeContext) error {
	dir, err := projectDir(d.Dir)
	if err != nil {
		return err
	}
	client, err := d.client()
	if err != nil {
		return err
	}
	if err := client.Call(context.Background(), apiserver.MethodProjectDown, apiserver.ProjectParams{Dir: dir}, nil); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "project down: %s\n", dir)
	return err
}

func (s *ScriptCommand) Run(ctx *runtimeContext) error {
	dir, err := projectDir(s.Dir)
	if err != nil {
		return err
	}
	client, err := s.client()
	if err != nil {
		return err
	}
	var result execResult
	err = client.Call(context.Background(), apiserver.MethodProjectScript, apiserver.ProjectScriptParams{
		Dir:     dir,
		Sandbox: s.Sandbox,
		Script:  s.Name,
	}, &result)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(ctx.Stdout, result.Output); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return exitCodeError{code: result.ExitCode}
	}
	return nil
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	dir, err := projectDir(s.Dir)
	if err != nil {
		return err
	}
	client, err := s.client()
	if err != nil {
		return err
	}
	var status apiserver.StatusResult
	if err := client.Call(context.Background(), apiserver.MethodProjectStatus, apiserver.ProjectParams{Dir: dir}, &status); err != nil {
		return err
	}
	for _, sb := range status.Sandboxes {
		line := fmt.Sprintf("%-20s %s", sb.Name, sb.State)
		if sb.Metrics != nil {
			line += fmt.Sprintf("  cpu=%.1f%% mem=%dMiB disk=%dB", sb.Metrics.CPUPercent, sb.Metrics.MemoryMiB, sb.Metrics.DiskBytes)
		}
		if _, err := fmt.Fprintln(ctx.Stdout, line); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeygenCommand) Run(ctx *runtimeContext) error {
	secret := k.Secret
	if secret == "" {
		secret = ctx.Config.Server.AuthSecret
	}
	if secret == "" {
		return errors.New("no signing secret: pass --secret or set server.auth_secret in the config file")
	}
	token, err := apiserver.GenerateToken([]byte(secret), k.Subject, k.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, token)
	return err
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	listen := s.Listen
	if listen == "" {
		listen = ctx.Config.Server.Listen
	}
	ep, err := endpoint.Resolve(listen)
	if err != nil {
		return err
	}

	if !s.Dev && ctx.Config.Server.AuthSecret == "" {
		return errors.New("server.auth_secret is not configured; set it or pass --dev to disable auth")
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handler, err := buildServerHandler(runCtx, ctx.Config, s.Dev, logger)
	if err != nil {
		return err
	}
	return apiserver.Serve(runCtx, ep, handler, logger)
}
