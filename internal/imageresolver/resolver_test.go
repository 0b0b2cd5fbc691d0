package imageresolver

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/portalbox/portalbox/internal/layerstore"
	"github.com/portalbox/portalbox/internal/ociref"
)

func newTestStore(t *testing.T) *layerstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := layerstore.New(layerstore.Options{
		Dir:            filepath.Join(dir, "layers"),
		MetadataDBPath: filepath.Join(dir, "metadata.db"),
	})
	if err != nil {
		t.Fatalf("layerstore.New: %v", err)
	}
	return store
}

func gzipTarLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("gzip layer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return gzBuf.Bytes()
}

type fakeLayer struct {
	declared digest.Digest
	blob     []byte

	mu        sync.Mutex
	opens     int
	failFirst int
}

func newFakeLayer(t *testing.T, files map[string]string) *fakeLayer {
	t.Helper()
	blob := gzipTarLayer(t, files)
	return &fakeLayer{declared: digest.FromBytes(blob), blob: blob}
}

func (l *fakeLayer) Digest() (digest.Digest, error) { return l.declared, nil }

func (l *fakeLayer) Compressed() (io.ReadCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens++
	if l.failFirst > 0 {
		l.failFirst--
		return nil, errors.New("connection reset by peer")
	}
	return io.NopCloser(bytes.NewReader(l.blob)), nil
}

func (l *fakeLayer) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

type fakeImage struct {
	digest digest.Digest
	config ImageConfig
	layers []Layer
}

func (i *fakeImage) Digest() (digest.Digest, error) { return i.digest, nil }
func (i *fakeImage) Config() (ImageConfig, error)   { return i.config, nil }
func (i *fakeImage) Layers() ([]Layer, error)       { return i.layers, nil }

func newTestResolver(t *testing.T, store *layerstore.Store, img Image) *Resolver {
	t.Helper()
	resolver, err := New(Options{
		Store: store,
		FetchImage: func(_ context.Context, _ ociref.Reference) (Image, error) {
			return img, nil
		},
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return resolver
}

func TestResolveComposesLayers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	base := newFakeLayer(t, map[string]string{"etc/os-release": "ID=alpine\n"})
	top := newFakeLayer(t, map[string]string{"app/main.py": "print('hi')\n"})
	img := &fakeImage{
		digest: digest.FromString("image"),
		config: ImageConfig{Cmd: []string{"python3"}, Workdir: "/app"},
		layers: []Layer{base, top},
	}

	resolver := newTestResolver(t, store, img)
	resolved, err := resolver.Resolve(context.Background(), "python", layerstore.ComposeOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer resolved.RootFS.Release(context.Background())

	if resolved.Ref.Repository != "library/python" {
		t.Errorf("ref repository: got %q want %q", resolved.Ref.Repository, "library/python")
	}
	if resolved.Config.Workdir != "/app" {
		t.Errorf("config workdir: got %q want %q", resolved.Config.Workdir, "/app")
	}
	for path, want := range map[string]string{
		"etc/os-release": "ID=alpine\n",
		"app/main.py":    "print('hi')\n",
	} {
		got, err := os.ReadFile(filepath.Join(resolved.RootFS.Dir, path))
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(got) != want {
			t.Errorf("%s: got %q want %q", path, got, want)
		}
	}
}

func TestResolveUsesCachedLayers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	layer := newFakeLayer(t, map[string]string{"data": "x"})
	img := &fakeImage{digest: digest.FromString("image"), layers: []Layer{layer}}
	resolver := newTestResolver(t, store, img)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "alpine", layerstore.ComposeOptions{})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	defer first.RootFS.Release(ctx)

	second, err := resolver.Resolve(ctx, "alpine", layerstore.ComposeOptions{})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	defer second.RootFS.Release(ctx)

	if got := layer.openCount(); got != 1 {
		t.Errorf("layer fetches: got %d want 1", got)
	}
}

func TestResolveConcurrentSingleFetch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	layer := newFakeLayer(t, map[string]string{"data": "x"})
	img := &fakeImage{digest: digest.FromString("image"), layers: []Layer{layer}}
	resolver := newTestResolver(t, store, img)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	results := make([]*Resolved, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.Resolve(ctx, "alpine", layerstore.ComposeOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
		defer results[i].RootFS.Release(ctx)
	}
	if got := layer.openCount(); got != 1 {
		t.Errorf("layer fetches: got %d want 1", got)
	}
}

func TestResolveRejectsDigestMismatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	layer := newFakeLayer(t, map[string]string{"data": "x"})
	layer.declared = digest.FromString("not the real digest")
	img := &fakeImage{digest: digest.FromString("image"), layers: []Layer{layer}}
	resolver := newTestResolver(t, store, img)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "alpine", layerstore.ComposeOptions{})
	var mismatch *DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Resolve error: got %v want DigestMismatchError", err)
	}
	if mismatch.Declared != layer.declared {
		t.Errorf("declared digest: got %q want %q", mismatch.Declared, layer.declared)
	}

	// Corrupt content is never retried and never lands in the store.
	if got := layer.openCount(); got != 1 {
		t.Errorf("layer fetches: got %d want 1", got)
	}
	if has, err := store.Has(ctx, layer.declared); err != nil || has {
		t.Errorf("store.Has after mismatch: got (%v, %v) want (false, nil)", has, err)
	}
}

func TestResolveRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	layer := newFakeLayer(t, map[string]string{"data": "x"})
	layer.failFirst = 2
	img := &fakeImage{digest: digest.FromString("image"), layers: []Layer{layer}}
	resolver := newTestResolver(t, store, img)
	ctx := context.Background()

	resolved, err := resolver.Resolve(ctx, "alpine", layerstore.ComposeOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer resolved.RootFS.Release(ctx)

	if got := layer.openCount(); got != 3 {
		t.Errorf("layer fetches: got %d want 3", got)
	}
}

func TestResolveExhaustsRetries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	layer := newFakeLayer(t, map[string]string{"data": "x"})
	layer.failFirst = 100
	img := &fakeImage{digest: digest.FromString("image"), layers: []Layer{layer}}
	resolver := newTestResolver(t, store, img)

	_, err := resolver.Resolve(context.Background(), "alpine", layerstore.ComposeOptions{})
	if err == nil {
		t.Fatal("Resolve: expected error after exhausted retries")
	}
	if got := layer.openCount(); got != defaultFetchAttempts {
		t.Errorf("layer fetches: got %d want %d", got, defaultFetchAttempts)
	}
}

func TestVerifyingReaderPassesMatchingContent(t *testing.T) {
	t.Parallel()

	blob := []byte("layer bytes")
	r := newVerifyingReader(bytes.NewReader(blob), digest.FromBytes(blob))
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("content: got %q want %q", got, blob)
	}
}

func TestVerifyingReaderRejectsCorruptContent(t *testing.T) {
	t.Parallel()

	r := newVerifyingReader(bytes.NewReader([]byte("corrupt")), digest.FromString("expected"))
	_, err := io.ReadAll(r)
	var mismatch *DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("ReadAll error: got %v want DigestMismatchError", err)
	}
}
