package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// RunBaseDir resolves the default base directory for per-sandbox runtime
// artifacts (VM config, sockets, logs).
// Preference order:
// 1. $XDG_STATE_HOME/portalbox/runs
// 2. ~/.local/state/portalbox/runs
// 3. $XDG_RUNTIME_DIR/portalbox/runs
func RunBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "portalbox", "runs"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "portalbox", "runs"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "portalbox", "runs"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "portalbox", "runs"), nil
	}
	return "", errors.New("unable to resolve run directory from XDG state/runtime or home")
}
