// Package bootassets downloads and caches the guest kernel images sandboxes
// boot with. A kernel is addressed by host architecture; downloads are
// verified against a pinned checksum before they land in the cache.
package bootassets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/portalbox/portalbox/internal/paths"
)

var ErrNoManagedKernel = errors.New("no managed kernel for host")

// KernelSpec pins one downloadable kernel build.
type KernelSpec struct {
	ID       string
	Filename string
	URL      string
	SHA256   string
}

type EnsureResult struct {
	Path     string
	CacheHit bool
	Spec     KernelSpec
}

// ResolveResult reports which kernel a sandbox will boot. Notice carries a
// human-readable explanation when the managed fallback kicked in.
type ResolveResult struct {
	Path     string
	Managed  bool
	CacheHit bool
	Notice   string
	Spec     KernelSpec
}

type Options struct {
	HTTPClient *http.Client
	AssetsDir  func() (string, error)
	// Specs maps GOARCH to a kernel build. Nil selects the pinned defaults.
	Specs map[string]KernelSpec
}

// Manager serializes downloads so concurrent callers do not race on the same
// cache entry.
type Manager struct {
	client    *http.Client
	assetsDir func() (string, error)
	specs     map[string]KernelSpec
	mu        sync.Mutex
}

func New(opts Options) *Manager {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	assetsDir := opts.AssetsDir
	if assetsDir == nil {
		assetsDir = paths.KernelAssetsDir
	}
	specs := opts.Specs
	if specs == nil {
		specs = defaultKernelSpecs()
	}

	copied := make(map[string]KernelSpec, len(specs))
	for arch, spec := range specs {
		copied[arch] = spec
	}

	return &Manager{
		client:    client,
		assetsDir: assetsDir,
		specs:     copied,
	}
}

// Firecracker CI kernel builds. These are the same images the firecracker
// project boots in its own test suite.
func defaultKernelSpecs() map[string]KernelSpec {
	return map[string]KernelSpec{
		"amd64": {
			ID:       "fc-ci-v1.14-amd64-vmlinux-6.1.155",
			Filename: "vmlinux-6.1.155",
			URL:      "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/x86_64/vmlinux-6.1.155",
			SHA256:   "e41c7048bd2475e7e788153823fcb9166a7e0b78c4c443bd6446d015fa735f53",
		},
		"arm64": {
			ID:       "fc-ci-v1.14-arm64-vmlinux-6.1.155",
			Filename: "vmlinux-6.1.155",
			URL:      "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/aarch64/vmlinux-6.1.155",
			SHA256:   "61baeae1ac6197be4fc5c71fa78df266acdc33c54570290d2f611c2b42c105be",
		},
	}
}

func (m *Manager) Lookup(goarch string) (KernelSpec, bool) {
	spec, ok := m.specs[strings.TrimSpace(goarch)]
	return spec, ok
}

// KernelPath returns where the managed kernel for the architecture lives in
// the cache, whether or not it has been downloaded yet.
func (m *Manager) KernelPath(goarch string) (string, error) {
	spec, ok := m.Lookup(goarch)
	if !ok {
		return "", fmt.Errorf("%w: arch %s", ErrNoManagedKernel, goarch)
	}
	base, err := m.assetsDir()
	if err != nil {
		return "", fmt.Errorf("resolve kernel assets directory: %w", err)
	}
	return filepath.Join(base, spec.ID, spec.Filename), nil
}

// Ensure makes the managed kernel for the architecture present and verified
// in the cache, downloading it if needed.
func (m *Manager) Ensure(ctx context.Context, goarch string) (EnsureResult, error) {
	spec, ok := m.Lookup(goarch)
	if !ok {
		return EnsureResult{}, fmt.Errorf("%w: arch %s", ErrNoManagedKernel, goarch)
	}
	dest, err := m.KernelPath(goarch)
	if err != nil {
		return EnsureResult{}, err
	}

	valid, err := fileMatchesSHA256(dest, spec.SHA256)
	if err != nil {
		return EnsureResult{}, err
	}
	if valid {
		return EnsureResult{Path: dest, CacheHit: true, Spec: spec}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have finished the download while we waited.
	valid, err = fileMatchesSHA256(dest, spec.SHA256)
	if err != nil {
		return EnsureResult{}, err
	}
	if valid {
		return EnsureResult{Path: dest, CacheHit: true, Spec: spec}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return EnsureResult{}, fmt.Errorf("create kernel asset directory %q: %w", filepath.Dir(dest), err)
	}

	tmp := dest + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := m.downloadAndVerify(ctx, spec, tmp); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, fmt.Errorf("store kernel asset %q: %w", dest, err)
	}

	return EnsureResult{Path: dest, CacheHit: false, Spec: spec}, nil
}

// Resolve decides which kernel to boot. A configured path that exists wins;
// an empty or missing one falls back to the managed kernel for the host.
func (m *Manager) Resolve(ctx context.Context, goarch, configuredPath string) (ResolveResult, error) {
	trimmed := strings.TrimSpace(configuredPath)
	if trimmed != "" {
		if abs, err := filepath.Abs(trimmed); err == nil {
			trimmed = abs
		}
		if st, err := os.Stat(trimmed); err == nil && !st.IsDir() {
			return ResolveResult{Path: trimmed}, nil
		}

		ensured, err := m.Ensure(ctx, goarch)
		if err != nil {
			return ResolveResult{}, fmt.Errorf("configured kernel_image %q is not accessible and managed kernel resolution failed: %w", trimmed, err)
		}
		return ResolveResult{
			Path:     ensured.Path,
			Managed:  true,
			CacheHit: ensured.CacheHit,
			Spec:     ensured.Spec,
			Notice:   fmt.Sprintf("configured kernel_image %q is not accessible; using managed kernel %s (%s)", trimmed, ensured.Spec.ID, cacheState(ensured.CacheHit)),
		}, nil
	}

	ensured, err := m.Ensure(ctx, goarch)
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{
		Path:     ensured.Path,
		Managed:  true,
		CacheHit: ensured.CacheHit,
		Spec:     ensured.Spec,
		Notice:   fmt.Sprintf("using managed kernel %s (%s)", ensured.Spec.ID, cacheState(ensured.CacheHit)),
	}, nil
}

// ResolveForHost resolves against the running host's architecture with a
// default-configured manager.
func ResolveForHost(ctx context.Context, configuredPath string) (ResolveResult, error) {
	return New(Options{}).Resolve(ctx, runtime.GOARCH, configuredPath)
}

func (m *Manager) downloadAndVerify(ctx context.Context, spec KernelSpec, tmpPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("create kernel download request: %w", err)
	}
	req.Header.Set("User-Agent", "portalbox")

	res, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download kernel from %s: %w", spec.URL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("download kernel from %s: unexpected status %d: %s", spec.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}

	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary kernel file %q: %w", tmpPath, err)
	}
	defer out.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), res.Body); err != nil {
		return fmt.Errorf("write kernel file %q: %w", tmpPath, err)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(got, spec.SHA256) {
		return fmt.Errorf("kernel checksum mismatch for %s: got %s want %s", spec.URL, got, spec.SHA256)
	}
	return nil
}

func fileMatchesSHA256(path, wantSHA256 string) (bool, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat kernel file %q: %w", path, err)
	}
	if st.IsDir() {
		return false, fmt.Errorf("kernel path %q is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open kernel file %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, fmt.Errorf("hash kernel file %q: %w", path, err)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	return strings.EqualFold(got, wantSHA256), nil
}

func cacheState(hit bool) string {
	if hit {
		return "cache hit"
	}
	return "cache miss"
}
