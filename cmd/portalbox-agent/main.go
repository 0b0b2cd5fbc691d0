//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mdlayher/vsock"

	"github.com/portalbox/portalbox/internal/portal"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     log.InfoLevel,
		Formatter: log.TextFormatter,
	}).With("component", "agent")

	port := portal.DefaultPort
	if raw := os.Getenv("PORTALBOX_VSOCK_PORT"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			logger.Error("invalid PORTALBOX_VSOCK_PORT", "value", raw, "error", err)
			os.Exit(2)
		}
		port = uint32(parsed)
	}

	ln, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("listen vsock", "port", port, "error", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("portal listening", "port", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := &agent{
		logger:   logger,
		sessions: map[portal.Language]*replSession{},
		shutdown: func() {
			// Let the in-flight response reach the host before the
			// listener goes away.
			time.AfterFunc(100*time.Millisecond, cancel)
		},
	}

	server := portal.NewServer(logger)
	server.Handle(portal.MethodStart, agent.handleStart)
	server.Handle(portal.MethodStop, agent.handleStop)
	server.Handle(portal.MethodReplRun, agent.handleReplRun)
	server.Handle(portal.MethodCommandRun, agent.handleCommandRun)
	server.Handle(portal.MethodMetricsGet, agent.handleMetricsGet)

	if err := server.Serve(ctx, ln); err != nil {
		logger.Error("portal serve failed", "error", err)
		os.Exit(1)
	}
	agent.closeSessions()
}

type agent struct {
	logger   *log.Logger
	shutdown func()

	mu       sync.Mutex
	sessions map[portal.Language]*replSession

	metricsMu  sync.Mutex
	lastSample cpuSample
}

func (a *agent) handleStart(context.Context, json.RawMessage) (any, error) {
	return map[string]bool{"ok": true}, nil
}

func (a *agent) handleStop(context.Context, json.RawMessage) (any, error) {
	a.logger.Info("shutdown requested")
	a.shutdown()
	return map[string]bool{"ok": true}, nil
}

func (a *agent) handleReplRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var params portal.ReplRunParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	language, err := portal.ParseLanguage(string(params.Language))
	if err != nil {
		return nil, err
	}

	session, err := a.session(language, params.Workdir)
	if err != nil {
		return nil, err
	}
	output, exitCode, err := session.Eval(ctx, params.Code)
	if err != nil {
		return nil, err
	}
	return portal.ExecResult{Output: output, ExitCode: exitCode}, nil
}

// session returns the live REPL for the language, spawning it on first use.
// Interpreter state persists for the life of the agent; the working
// directory binds at spawn time.
func (a *agent) session(language portal.Language, workdir string) (*replSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if session, ok := a.sessions[language]; ok {
		return session, nil
	}
	session, err := startREPL(language, workdir)
	if err != nil {
		return nil, err
	}
	a.sessions[language] = session
	a.logger.Info("started repl session", "language", language)
	return session, nil
}

func (a *agent) closeSessions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for language, session := range a.sessions {
		session.Close()
		delete(a.sessions, language)
	}
}

func (a *agent) handleCommandRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var params portal.CommandRunParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	cmd.Env = buildCommandEnv()
	cmd.Dir = params.Workdir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := portal.ExecResult{Output: output.String()}
	if err == nil {
		return result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, err
}

func (a *agent) handleMetricsGet(context.Context, json.RawMessage) (any, error) {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()

	metrics, sample, err := readMetrics(a.lastSample)
	if err != nil {
		return nil, err
	}
	a.lastSample = sample
	return metrics, nil
}

// buildCommandEnv starts from the agent's environment and guarantees
// baseline HOME/PATH values for lookups.
func buildCommandEnv() []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		key, value, _ := strings.Cut(entry, "=")
		base[key] = value
	}
	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/root"
	}
	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}

	out := make([]string, 0, len(base))
	for key, value := range base {
		out = append(out, key+"="+value)
	}
	return out
}
