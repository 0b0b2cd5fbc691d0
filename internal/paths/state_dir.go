package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for portalbox state.
// Preference order:
// 1. $XDG_STATE_HOME/portalbox
// 2. ~/.local/state/portalbox
// 3. $XDG_RUNTIME_DIR/portalbox
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "portalbox"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "portalbox"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "portalbox"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "portalbox"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// LayerMetadataDBPath is the sqlite database tracking cached layers and
// their reference counts.
func LayerMetadataDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "layers", "metadata.db"), nil
}

// InstalledSandboxDir returns the user-scoped state directory for a
// system-registered sandbox alias. The merged rootfs tree and disk image of
// installed sandboxes persist here across restarts.
func InstalledSandboxDir(alias string) (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "installed", alias), nil
}
