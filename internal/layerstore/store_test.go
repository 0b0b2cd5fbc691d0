package layerstore

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(Options{
		Dir:            filepath.Join(dir, "layers"),
		MetadataDBPath: filepath.Join(dir, "metadata.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

type tarEntry struct {
	name    string
	content string
}

func buildTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		if err := tw.WriteHeader(&tar.Header{
			Name:     entry.name,
			Mode:     0o644,
			Size:     int64(len(entry.content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(entry.content)); err != nil {
			t.Fatalf("write tar content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

func putLayer(t *testing.T, store *Store, entries ...tarEntry) digest.Digest {
	t.Helper()
	raw := buildTar(t, entries...)
	dgst := digest.FromBytes(raw)
	if err := store.Put(context.Background(), dgst, bytes.NewReader(raw)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return dgst
}

func TestPutAndStat(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	dgst := putLayer(t, store, tarEntry{name: "etc/hostname", content: "sandbox\n"})

	info, err := store.Stat(context.Background(), dgst)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Digest != dgst {
		t.Errorf("digest: got %q want %q", info.Digest, dgst)
	}
	if info.SizeBytes == 0 {
		t.Error("size: got 0 want > 0")
	}
	if info.RefCount != 0 {
		t.Errorf("refcount: got %d want 0", info.RefCount)
	}
}

func TestPutIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	raw := buildTar(t, tarEntry{name: "bin/tool", content: "#!/bin/sh\n"})
	dgst := digest.FromBytes(raw)
	ctx := context.Background()

	if err := store.Put(ctx, dgst, bytes.NewReader(raw)); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	// A second Put of the same digest must not consume or trust the new
	// stream; garbage bytes here prove the stored content is untouched.
	if err := store.Put(ctx, dgst, bytes.NewReader([]byte("garbage"))); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	rootfs, err := store.Compose(ctx, []digest.Digest{dgst}, ComposeOptions{})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	defer rootfs.Release(ctx)

	got, err := os.ReadFile(filepath.Join(rootfs.Dir, "bin", "tool"))
	if err != nil {
		t.Fatalf("read composed file: %v", err)
	}
	if string(got) != "#!/bin/sh\n" {
		t.Errorf("composed content: got %q want %q", got, "#!/bin/sh\n")
	}
}

func TestComposeOrderingAndWhiteout(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	lower := putLayer(t, store,
		tarEntry{name: "etc/config", content: "lower\n"},
		tarEntry{name: "etc/removed", content: "doomed\n"},
	)
	upper := putLayer(t, store,
		tarEntry{name: "etc/config", content: "upper\n"},
		tarEntry{name: "etc/.wh.removed", content: ""},
	)

	rootfs, err := store.Compose(ctx, []digest.Digest{lower, upper}, ComposeOptions{})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	defer rootfs.Release(ctx)

	got, err := os.ReadFile(filepath.Join(rootfs.Dir, "etc", "config"))
	if err != nil {
		t.Fatalf("read merged file: %v", err)
	}
	if string(got) != "upper\n" {
		t.Errorf("merged content: got %q want %q", got, "upper\n")
	}
	if _, err := os.Stat(filepath.Join(rootfs.Dir, "etc", "removed")); !os.IsNotExist(err) {
		t.Errorf("whiteout target still present: stat err = %v", err)
	}
}

func TestComposeMissingLayer(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	missing := digest.FromString("never stored")

	_, err := store.Compose(context.Background(), []digest.Digest{missing}, ComposeOptions{})
	var layerErr *LayerMissingError
	if !errors.As(err, &layerErr) {
		t.Fatalf("Compose error: got %v want LayerMissingError", err)
	}
	if layerErr.Digest != missing {
		t.Errorf("missing digest: got %q want %q", layerErr.Digest, missing)
	}
}

func TestRefCountsAndGC(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	dgst := putLayer(t, store, tarEntry{name: "data", content: "x"})

	rootfs, err := store.Compose(ctx, []digest.Digest{dgst}, ComposeOptions{})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	info, err := store.Stat(ctx, dgst)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.RefCount != 1 {
		t.Errorf("refcount after compose: got %d want 1", info.RefCount)
	}

	// A referenced layer is never collected.
	removed, err := store.GC(ctx, 0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("GC removed %d referenced layers", len(removed))
	}

	if err := rootfs.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := rootfs.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	info, err = store.Stat(ctx, dgst)
	if err != nil {
		t.Fatalf("Stat after release: %v", err)
	}
	if info.RefCount != 0 {
		t.Errorf("refcount after release: got %d want 0", info.RefCount)
	}

	// Fresh last-use keeps the layer inside a retention window.
	removed, err = store.GC(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GC with retention: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("GC removed %d layers inside retention", len(removed))
	}

	removed, err = store.GC(ctx, -time.Second)
	if err != nil {
		t.Fatalf("final GC: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("final GC: removed %d layers, want 1", len(removed))
	}
	if removed[0].Digest != dgst {
		t.Errorf("collected digest: got %q want %q", removed[0].Digest, dgst)
	}

	if has, err := store.Has(ctx, dgst); err != nil || has {
		t.Errorf("Has after GC: got (%v, %v) want (false, nil)", has, err)
	}
}

func TestComposeReleaseRemovesScratchDir(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	dgst := putLayer(t, store, tarEntry{name: "data", content: "x"})

	rootfs, err := store.Compose(ctx, []digest.Digest{dgst}, ComposeOptions{})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := rootfs.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(rootfs.Dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir still present after release: stat err = %v", err)
	}
}

func TestComposePersistentWritableDir(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	dgst := putLayer(t, store, tarEntry{name: "data", content: "x"})

	writable := filepath.Join(t.TempDir(), "rootfs")
	rootfs, err := store.Compose(ctx, []digest.Digest{dgst}, ComposeOptions{
		WritableDir: writable,
		Persist:     true,
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if rootfs.Dir != writable {
		t.Errorf("rootfs dir: got %q want %q", rootfs.Dir, writable)
	}
	if err := rootfs.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(writable, "data")); err != nil {
		t.Errorf("persistent rootfs content missing after release: %v", err)
	}
}

func TestListOrdersByUse(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	first := putLayer(t, store, tarEntry{name: "a", content: "1"})
	second := putLayer(t, store, tarEntry{name: "b", content: "2"})

	items, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("List: got %d layers, want 2", len(items))
	}
	seen := map[digest.Digest]bool{}
	for _, item := range items {
		seen[item.Digest] = true
	}
	if !seen[first] || !seen[second] {
		t.Errorf("List missing layers: %+v", items)
	}
}

func TestRemoveRefusesLiveLayer(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	layer := putLayer(t, store, tarEntry{name: "bin/app", content: "x"})

	rootfs, err := store.Compose(ctx, []digest.Digest{layer}, ComposeOptions{})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if err := store.Remove(ctx, layer); !errors.Is(err, ErrLayerInUse) {
		t.Fatalf("Remove while composed: got %v want ErrLayerInUse", err)
	}

	if err := rootfs.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := store.Remove(ctx, layer); err != nil {
		t.Fatalf("Remove after release: %v", err)
	}

	var missing *LayerMissingError
	if _, err := store.Stat(ctx, layer); !errors.As(err, &missing) {
		t.Fatalf("Stat after remove: got %v want LayerMissingError", err)
	}
}
