package layerstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/portalbox/portalbox/internal/paths"
)

// OCI layer tar whiteout markers.
const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

type ComposeOptions struct {
	// WritableDir, when set, is used as the merged rootfs directory instead
	// of a fresh scratch directory. Project sandboxes pass their persistent
	// rootfs directory here.
	WritableDir string
	// Persist keeps the merged directory on Release.
	Persist bool
}

// RootFS is a merged, writable root filesystem built from stored layers.
// Release must be called exactly once when the rootfs is no longer needed;
// extra calls are no-ops.
type RootFS struct {
	Dir    string
	Layers []digest.Digest

	store    *Store
	persist  bool
	released atomic.Bool
}

// Release drops the layer references held by the rootfs and removes the
// merged directory unless it was composed with Persist.
func (r *RootFS) Release(ctx context.Context) error {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return nil
	}

	r.store.mu.Lock()
	err := r.store.adjustRefCounts(ctx, r.Layers, -1)
	r.store.mu.Unlock()
	if err != nil {
		return err
	}

	if !r.persist {
		if err := os.RemoveAll(r.Dir); err != nil {
			return fmt.Errorf("remove composed rootfs %q: %w", r.Dir, err)
		}
	}
	return nil
}

// Compose merges the given layers, lowest first, into a writable directory.
// Later layers overwrite earlier ones; OCI whiteout entries delete the
// shadowed paths. Every layer gains a reference held until RootFS.Release.
func (s *Store) Compose(ctx context.Context, layers []digest.Digest, opts ComposeOptions) (*RootFS, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("compose requires at least one layer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	layerDirs := make([]string, 0, len(layers))
	for _, dgst := range layers {
		if _, err := s.lookupLayer(ctx, dgst); err != nil {
			return nil, err
		}
		layerDirs = append(layerDirs, s.layerDir(dgst))
	}

	targetDir := strings.TrimSpace(opts.WritableDir)
	if targetDir == "" {
		scratchBase, err := paths.RootFSScratchDir()
		if err != nil {
			return nil, fmt.Errorf("resolve rootfs scratch directory: %w", err)
		}
		if err := os.MkdirAll(scratchBase, 0o755); err != nil {
			return nil, fmt.Errorf("create rootfs scratch directory %q: %w", scratchBase, err)
		}
		targetDir, err = os.MkdirTemp(scratchBase, "rootfs-*")
		if err != nil {
			return nil, fmt.Errorf("create composed rootfs directory: %w", err)
		}
	} else if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create writable rootfs directory %q: %w", targetDir, err)
	}

	for i, layerDir := range layerDirs {
		if err := applyLayer(targetDir, layerDir); err != nil {
			if opts.WritableDir == "" {
				_ = os.RemoveAll(targetDir)
			}
			return nil, fmt.Errorf("apply layer %s: %w", layers[i], err)
		}
	}

	if err := s.adjustRefCounts(ctx, layers, +1); err != nil {
		if opts.WritableDir == "" {
			_ = os.RemoveAll(targetDir)
		}
		return nil, err
	}

	return &RootFS{
		Dir:     targetDir,
		Layers:  append([]digest.Digest(nil), layers...),
		store:   s,
		persist: opts.Persist,
	}, nil
}

// applyLayer copies one extracted layer over the merged tree, honoring
// whiteout markers from the layer contents.
func applyLayer(targetDir, layerDir string) error {
	return filepath.WalkDir(layerDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(layerDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		base := filepath.Base(rel)
		if base == whiteoutOpaque {
			// Opaque whiteout: the parent directory's lower contents vanish.
			parent := filepath.Join(targetDir, filepath.Dir(rel))
			if err := os.RemoveAll(parent); err != nil {
				return fmt.Errorf("apply opaque whiteout under %q: %w", parent, err)
			}
			return os.MkdirAll(parent, 0o755)
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			shadowed := filepath.Join(targetDir, filepath.Dir(rel), strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(shadowed); err != nil {
				return fmt.Errorf("apply whiteout for %q: %w", shadowed, err)
			}
			return nil
		}

		target := filepath.Join(targetDir, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read layer symlink %q: %w", path, err)
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open layer file %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create merged file %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy layer file to %q: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close merged file %q: %w", dst, err)
	}
	return nil
}
