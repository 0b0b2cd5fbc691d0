package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ProjectStateDirName is the project-local directory that holds persisted
// writable rootfs layers and other per-project state.
const ProjectStateDirName = ".portalbox"

// ProjectStateDir returns the state directory inside a project.
func ProjectStateDir(projectDir string) string {
	return filepath.Join(projectDir, ProjectStateDirName)
}

// ProjectSandboxStateDir returns the directory holding a project sandbox's
// persisted writable state, keyed by sandbox name: the merged rootfs tree
// and the disk image carrying the guest's writes.
func ProjectSandboxStateDir(projectDir, sandboxName string) string {
	return filepath.Join(ProjectStateDir(projectDir), "rootfs", sandboxName)
}

// ConfigPath resolves the host configuration file.
// Uses $XDG_CONFIG_HOME/portalbox/config.yaml or ~/.config/portalbox/config.yaml.
func ConfigPath() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "portalbox", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "portalbox", "config.yaml"), nil
}
