package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/portalbox/portalbox/internal/jsonrpc"
)

// fakeServer answers API calls with canned results and records every
// method invocation.
type fakeServer struct {
	mu      sync.Mutex
	calls   []jsonrpc.Request
	results map[string]any
	errs    map[string]*jsonrpc.Error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		results: map[string]any{},
		errs:    map[string]*jsonrpc.Error{},
	}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/rpc", func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, req)
		rpcErr := f.errs[req.Method]
		result, ok := f.results[req.Method]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if rpcErr != nil {
			_ = json.NewEncoder(w).Encode(jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr, ID: req.ID})
			return
		}
		if !ok {
			result = map[string]bool{"ok": true}
		}
		resp, err := jsonrpc.NewResult(req.ID, result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func (f *fakeServer) lastCall(t *testing.T) jsonrpc.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no API calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeServer) callParams(t *testing.T) map[string]any {
	t.Helper()
	var params map[string]any
	if err := json.Unmarshal(f.lastCall(t).Params, &params); err != nil {
		t.Fatalf("decode call params: %v", err)
	}
	return params
}

func newTestSandbox(t *testing.T, fake *fakeServer, build func(Options) (*Sandbox, error)) *Sandbox {
	t.Helper()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	sb, err := build(Options{Name: "demo", ServerURL: ts.URL})
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	return sb
}

func TestStartSendsLanguageDefaultImage(t *testing.T) {
	t.Parallel()

	fake := newFakeServer()
	sb := newTestSandbox(t, fake, NewPythonSandbox)

	if err := sb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	call := fake.lastCall(t)
	if call.Method != "sandbox.start" {
		t.Errorf("method: got %q want sandbox.start", call.Method)
	}
	params := fake.callParams(t)
	if params["image"] != "portalbox/python" {
		t.Errorf("image: got %v want portalbox/python", params["image"])
	}
	if params["sandbox"] != "demo" {
		t.Errorf("sandbox: got %v want demo", params["sandbox"])
	}
}

func TestNodeSandboxDefaultImage(t *testing.T) {
	t.Parallel()

	fake := newFakeServer()
	sb := newTestSandbox(t, fake, NewNodeSandbox)

	if err := sb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if params := fake.callParams(t); params["image"] != "portalbox/node" {
		t.Errorf("image: got %v want portalbox/node", params["image"])
	}
}

func TestStartStopGuards(t *testing.T) {
	t.Parallel()

	fake := newFakeServer()
	sb := newTestSandbox(t, fake, NewPythonSandbox)
	ctx := context.Background()

	if _, err := sb.RunCode(ctx, "1"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("RunCode before start: got %v want ErrNotStarted", err)
	}
	if err := sb.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before start: got %v want ErrNotStarted", err)
	}

	if err := sb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sb.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: got %v want ErrAlreadyStarted", err)
	}

	if err := sb.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sb.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("second Stop: got %v want ErrNotStarted", err)
	}
}

func TestStartFailureResetsGuard(t *testing.T) {
	t.Parallel()

	fake := newFakeServer()
	fake.errs["sandbox.start"] = &jsonrpc.Error{Code: jsonrpc.CodeInternal, Message: "boom"}
	sb := newTestSandbox(t, fake, NewPythonSandbox)
	ctx := context.Background()

	if err := sb.Start(ctx); err == nil {
		t.Fatal("Start: expected server error")
	}

	// The failed start leaves the handle restartable.
	fake.mu.Lock()
	delete(fake.errs, "sandbox.start")
	fake.mu.Unlock()
	if err := sb.Start(ctx); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
}

func TestRunCodeAndCommand(t *testing.T) {
	t.Parallel()

	fake := newFakeServer()
	fake.results["sandbox.repl.run"] = map[string]any{"output": "2\n", "exit_code": 0}
	fake.results["sandbox.command.execute"] = map[string]any{"output": "hi\n", "exit_code": 0}
	sb := newTestSandbox(t, fake, NewPythonSandbox)
	ctx := context.Background()

	if err := sb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	exec, err := sb.RunCode(ctx, "1+1")
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if exec.Output() != "2\n" {
		t.Errorf("run output: got %q want %q", exec.Output(), "2\n")
	}
	if params := fake.callParams(t); params["language"] != "python" {
		t.Errorf("language: got %v want python", params["language"])
	}

	exec, err = sb.RunCommand(ctx, "echo", "hi")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if exec.Output() != "hi\n" || exec.ExitCode() != 0 {
		t.Errorf("command result: got %q exit %d", exec.Output(), exec.ExitCode())
	}
}

func TestMetricsAccessors(t *testing.T) {
	t.Parallel()

	fake := newFakeServer()
	fake.results["sandbox.metrics.get"] = map[string]any{
		"running":     true,
		"cpu_percent": 12.5,
		"memory_mib":  256,
		"disk_bytes":  4096,
	}
	sb := newTestSandbox(t, fake, NewPythonSandbox)
	ctx := context.Background()

	if err := sb.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	metrics, err := sb.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if !metrics.IsRunning() {
		t.Error("IsRunning: got false")
	}
	if metrics.CPU() != 12.5 {
		t.Errorf("CPU: got %v want 12.5", metrics.CPU())
	}
	if metrics.MemoryMiB() != 256 {
		t.Errorf("MemoryMiB: got %d want 256", metrics.MemoryMiB())
	}
	if metrics.DiskBytes() != 4096 {
		t.Errorf("DiskBytes: got %d want 4096", metrics.DiskBytes())
	}
}

func TestOptionsValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPythonSandbox(Options{}); err == nil {
		t.Error("missing name: expected error")
	}
	if _, err := NewPythonSandbox(Options{Name: "x", ServerURL: "ftp://bad"}); err == nil {
		t.Error("bad server url: expected error")
	}
}
