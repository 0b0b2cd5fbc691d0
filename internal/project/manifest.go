// Package project loads portalbox.yaml manifests and orchestrates the
// sandboxes they declare.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/portalbox/portalbox/internal/netman"
	"github.com/portalbox/portalbox/internal/paths"
	"github.com/portalbox/portalbox/internal/sandbox"
)

// ManifestFileName is the manifest looked up in a project directory.
const ManifestFileName = "portalbox.yaml"

// Manifest is one project definition.
type Manifest struct {
	Name      string                   `yaml:"name,omitempty"`
	Version   string                   `yaml:"version,omitempty"`
	Sandboxes map[string]SandboxConfig `yaml:"sandboxes"`
}

// SandboxConfig declares one sandbox inside a project.
type SandboxConfig struct {
	Image     string            `yaml:"image"`
	Memory    int64             `yaml:"memory,omitempty"`
	CPUs      int64             `yaml:"cpus,omitempty"`
	Ports     []string          `yaml:"ports,omitempty"`
	Envs      []string          `yaml:"envs,omitempty"`
	Volumes   []string          `yaml:"volumes,omitempty"`
	Workdir   string            `yaml:"workdir,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Shell     string            `yaml:"shell,omitempty"`
	Scripts   map[string]string `yaml:"scripts,omitempty"`
	Scope     string            `yaml:"scope,omitempty"`
}

var interpolatePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Interpolate substitutes ${VAR} references using the lookup function.
// Unset variables substitute the empty string, matching compose-style
// manifests.
func Interpolate(raw []byte, lookup func(string) (string, bool)) []byte {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return interpolatePattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := interpolatePattern.FindSubmatch(match)[1]
		value, _ := lookup(string(name))
		return []byte(value)
	})
}

// Parse decodes and validates a manifest, interpolating ${VAR} references
// before unmarshalling so substitution applies to every field uniformly.
func Parse(raw []byte, lookup func(string) (string, bool)) (*Manifest, error) {
	interpolated := Interpolate(raw, lookup)

	var manifest Manifest
	if err := yaml.Unmarshal(interpolated, &manifest); err != nil {
		return nil, fmt.Errorf("parse project manifest: %w", err)
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Load reads the manifest from a project directory.
func Load(projectDir string) (*Manifest, error) {
	path := filepath.Join(projectDir, ManifestFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project manifest %q: %w", path, err)
	}
	return Parse(raw, nil)
}

func (m *Manifest) validate() error {
	if len(m.Sandboxes) == 0 {
		return fmt.Errorf("project manifest declares no sandboxes")
	}
	for name, cfg := range m.Sandboxes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sandbox name cannot be empty")
		}
		if strings.TrimSpace(cfg.Image) == "" {
			return fmt.Errorf("sandbox %q requires an image", name)
		}
		if _, err := netman.ParseScope(cfg.Scope); err != nil {
			return fmt.Errorf("sandbox %q: %w", name, err)
		}
		for _, port := range cfg.Ports {
			if _, err := netman.ParsePortMapping(port); err != nil {
				return fmt.Errorf("sandbox %q: %w", name, err)
			}
		}
		for _, volume := range cfg.Volumes {
			if _, err := sandbox.ParseVolumeMount(volume); err != nil {
				return fmt.Errorf("sandbox %q: %w", name, err)
			}
		}
		for _, dep := range cfg.DependsOn {
			if _, ok := m.Sandboxes[dep]; !ok {
				return fmt.Errorf("sandbox %q depends on unknown sandbox %q", name, dep)
			}
		}
	}
	return nil
}

// SandboxSpec converts a declared sandbox to a runtime spec. The project
// name scopes the namespace; the writable state persists in the project
// state directory. Relative volume host paths resolve against the project
// directory.
func (m *Manifest) SandboxSpec(name, namespace, projectDir string) (sandbox.Spec, error) {
	cfg, ok := m.Sandboxes[name]
	if !ok {
		return sandbox.Spec{}, fmt.Errorf("unknown sandbox %q in project", name)
	}

	scope, err := netman.ParseScope(cfg.Scope)
	if err != nil {
		return sandbox.Spec{}, err
	}
	ports := make([]netman.PortMapping, 0, len(cfg.Ports))
	for _, raw := range cfg.Ports {
		mapping, err := netman.ParsePortMapping(raw)
		if err != nil {
			return sandbox.Spec{}, err
		}
		ports = append(ports, mapping)
	}
	volumes := make([]sandbox.VolumeMount, 0, len(cfg.Volumes))
	for _, raw := range cfg.Volumes {
		mount, err := sandbox.ParseVolumeMount(raw)
		if err != nil {
			return sandbox.Spec{}, err
		}
		if !filepath.IsAbs(mount.HostPath) {
			mount.HostPath = filepath.Join(projectDir, mount.HostPath)
		}
		volumes = append(volumes, mount)
	}

	return sandbox.Spec{
		Name:      name,
		Namespace: namespace,
		Image:     cfg.Image,
		MemoryMiB: cfg.Memory,
		VCPUs:     cfg.CPUs,
		Scope:     scope,
		Ports:     ports,
		Env:       append([]string(nil), cfg.Envs...),
		Volumes:   volumes,
		Workdir:   cfg.Workdir,
		Shell:     cfg.Shell,
		StateDir:  paths.ProjectSandboxStateDir(projectDir, name),
		Persist:   true,
	}, nil
}
