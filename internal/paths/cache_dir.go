package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// CacheBaseDir resolves the default base directory for portalbox cache.
// Preference order:
// 1. $XDG_CACHE_HOME/portalbox
// 2. ~/.cache/portalbox
// 3. $XDG_RUNTIME_DIR/portalbox
func CacheBaseDir() (string, error) {
	if cacheHome := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); cacheHome != "" {
		return filepath.Join(cacheHome, "portalbox"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "portalbox"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".cache", "portalbox"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "portalbox"), nil
	}
	return "", errors.New("unable to resolve cache directory from XDG cache/runtime or home")
}

// LayerCacheDir holds extracted OCI layers keyed by content digest.
func LayerCacheDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "layers"), nil
}

// KernelAssetsDir holds downloaded guest kernel images.
func KernelAssetsDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kernels"), nil
}

// RootFSScratchDir holds writable top layers for temporary sandboxes.
func RootFSScratchDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "rootfs"), nil
}
