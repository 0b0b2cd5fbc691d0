//go:build linux

package main

import (
	"context"
	"strings"
	"testing"

	"github.com/portalbox/portalbox/internal/portal"
)

func TestBuildCommandEnvDefaultsHomeAndPath(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("PATH", " ")

	env := buildCommandEnv()
	if !containsEnv(env, "HOME=/root") {
		t.Fatalf("expected HOME=/root default, got %v", env)
	}
	found := false
	for _, entry := range env {
		if strings.HasPrefix(entry, "PATH=") && strings.Contains(entry, "/usr/bin") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a default PATH, got %v", env)
	}
}

func TestBuildCommandEnvKeepsExistingValues(t *testing.T) {
	t.Setenv("HOME", "/home/builder")
	t.Setenv("PATH", "/opt/bin")

	env := buildCommandEnv()
	if !containsEnv(env, "HOME=/home/builder") {
		t.Fatalf("expected HOME preserved, got %v", env)
	}
	if !containsEnv(env, "PATH=/opt/bin") {
		t.Fatalf("expected PATH preserved, got %v", env)
	}
}

func containsEnv(env []string, want string) bool {
	for _, entry := range env {
		if entry == want {
			return true
		}
	}
	return false
}

func TestParseCPUSample(t *testing.T) {
	t.Parallel()

	data := "cpu  100 0 50 800 25 0 0 0 0 0\ncpu0 100 0 50 800 25 0 0 0 0 0\n"
	sample, err := parseCPUSample(data)
	if err != nil {
		t.Fatalf("parseCPUSample: %v", err)
	}
	if sample.total != 975 {
		t.Errorf("total = %d, want 975", sample.total)
	}
	if sample.idle != 825 {
		t.Errorf("idle = %d, want 825", sample.idle)
	}
}

func TestParseCPUSampleMissingAggregate(t *testing.T) {
	t.Parallel()

	if _, err := parseCPUSample("cpu0 1 2 3 4 5\n"); err == nil {
		t.Fatal("expected an error for /proc/stat without the aggregate line")
	}
}

func TestParseMemoryUsedMiB(t *testing.T) {
	t.Parallel()

	data := "MemTotal:       1048576 kB\nMemFree:         100000 kB\nMemAvailable:    524288 kB\n"
	used, err := parseMemoryUsedMiB(data)
	if err != nil {
		t.Fatalf("parseMemoryUsedMiB: %v", err)
	}
	if used != 512 {
		t.Errorf("used = %d MiB, want 512", used)
	}
}

func TestReplSessionPython(t *testing.T) {
	t.Parallel()

	session, err := startREPL(portal.LanguagePython, "")
	if err != nil {
		t.Skipf("python3 unavailable: %v", err)
	}
	t.Cleanup(session.Close)

	ctx := context.Background()
	output, exitCode, err := session.Eval(ctx, "x = 40\nprint(x + 2)")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if exitCode != 0 || strings.TrimSpace(output) != "42" {
		t.Fatalf("Eval = (%q, %d), want (42, 0)", output, exitCode)
	}

	// State persists across evaluations.
	output, exitCode, err = session.Eval(ctx, "print(x)")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if exitCode != 0 || strings.TrimSpace(output) != "40" {
		t.Fatalf("Eval = (%q, %d), want (40, 0)", output, exitCode)
	}

	// Exceptions surface as a traceback and nonzero exit code.
	output, exitCode, err = session.Eval(ctx, "boom")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if exitCode != 1 || !strings.Contains(output, "NameError") {
		t.Fatalf("Eval = (%q, %d), want a NameError with exit code 1", output, exitCode)
	}
}
