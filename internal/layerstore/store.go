// Package layerstore keeps extracted OCI layers in a content-addressed
// directory tree with a sqlite metadata database tracking sizes and
// reference counts.
package layerstore

import (
	"archive/tar"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/portalbox/portalbox/internal/paths"
)

// LayerInfo is the metadata row kept for one stored layer.
type LayerInfo struct {
	Digest     digest.Digest
	SizeBytes  int64
	CreatedAt  time.Time
	LastUsedAt time.Time
	RefCount   int64
}

type Options struct {
	// Dir is the root of the extracted layer tree. Defaults to the user
	// layer cache directory.
	Dir string
	// MetadataDBPath locates the sqlite metadata database. Defaults next to
	// the layer tree.
	MetadataDBPath string
	Now            func() time.Time
	Logger         *log.Logger
}

// Store is safe for concurrent use.
type Store struct {
	dir            string
	metadataDBPath string
	now            func() time.Time
	logger         *log.Logger

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		var err error
		dir, err = paths.LayerCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve layer cache directory: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create layer cache directory %q: %w", dir, err)
	}

	metadataDBPath := strings.TrimSpace(opts.MetadataDBPath)
	if metadataDBPath == "" {
		var err error
		metadataDBPath, err = paths.LayerMetadataDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve layer metadata database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(metadataDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create layer metadata directory for %q: %w", metadataDBPath, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store := &Store{
		dir:            dir,
		metadataDBPath: metadataDBPath,
		now:            now,
		logger:         opts.Logger,
	}
	if err := store.initDB(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// Put extracts the (already decompressed) layer tar stream into the store
// under its digest. A layer already present is left untouched and the stream
// is not consumed, so a corrupt re-upload can never clobber verified content.
func (s *Store) Put(ctx context.Context, dgst digest.Digest, tarStream io.Reader) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("validate layer digest %q: %w", dgst, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	layerDir := s.layerDir(dgst)
	if _, err := os.Stat(layerDir); err == nil {
		return s.touchLayer(ctx, dgst)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat layer directory %q: %w", layerDir, err)
	}

	tmpDir, err := os.MkdirTemp(s.dir, "extract-*")
	if err != nil {
		return fmt.Errorf("create temporary layer extraction directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractTar(tmpDir, tarStream); err != nil {
		return err
	}
	sizeBytes, err := dirSize(tmpDir)
	if err != nil {
		return fmt.Errorf("calculate extracted layer size: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(layerDir), 0o755); err != nil {
		return fmt.Errorf("create layer parent directory for %s: %w", dgst, err)
	}
	// The rename is the commit point: a layer directory only ever appears
	// fully extracted.
	if err := os.Rename(tmpDir, layerDir); err != nil {
		if os.IsExist(err) {
			return s.touchLayer(ctx, dgst)
		}
		return fmt.Errorf("move extracted layer into store for %s: %w", dgst, err)
	}

	now := s.now().UTC()
	if err := s.upsertLayer(ctx, LayerInfo{
		Digest:     dgst,
		SizeBytes:  sizeBytes,
		CreatedAt:  now,
		LastUsedAt: now,
	}); err != nil {
		_ = os.RemoveAll(layerDir)
		return err
	}
	if s.logger != nil {
		s.logger.Debug("stored layer", "digest", dgst, "size_bytes", sizeBytes)
	}
	return nil
}

// Stat reports the metadata for a stored layer. A missing layer yields a
// *LayerMissingError.
func (s *Store) Stat(ctx context.Context, dgst digest.Digest) (LayerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLayer(ctx, dgst)
}

// Has reports whether the layer is present with its directory intact.
func (s *Store) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLayer(ctx, dgst); err != nil {
		var missing *LayerMissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns all stored layers, most recently used first.
func (s *Store) List(ctx context.Context) ([]LayerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT digest, size_bytes, created_at_unix, last_used_at_unix, refcount
		FROM layers
		ORDER BY last_used_at_unix DESC, created_at_unix DESC, digest ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query stored layers: %w", err)
	}
	defer rows.Close()

	items := make([]LayerInfo, 0)
	for rows.Next() {
		info, scanErr := scanLayer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stored layers: %w", err)
	}
	return items, nil
}

// GC removes layers with no live references whose last use is older than the
// retention window, returning what it deleted.
func (s *Store) GC(ctx context.Context, retention time.Duration) ([]LayerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cutoff := s.now().UTC().Add(-retention).Unix()
	rows, err := db.QueryContext(ctx, `
		SELECT digest, size_bytes, created_at_unix, last_used_at_unix, refcount
		FROM layers
		WHERE refcount <= 0 AND last_used_at_unix < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query collectable layers: %w", err)
	}
	candidates := make([]LayerInfo, 0)
	for rows.Next() {
		info, scanErr := scanLayer(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		candidates = append(candidates, info)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate collectable layers: %w", err)
	}
	rows.Close()

	removed := make([]LayerInfo, 0, len(candidates))
	for _, info := range candidates {
		if _, err := db.ExecContext(ctx, `DELETE FROM layers WHERE digest = ? AND refcount <= 0`, info.Digest.String()); err != nil {
			return removed, fmt.Errorf("delete layer metadata for %s: %w", info.Digest, err)
		}
		if err := os.RemoveAll(s.layerDir(info.Digest)); err != nil {
			return removed, fmt.Errorf("remove layer directory for %s: %w", info.Digest, err)
		}
		removed = append(removed, info)
		if s.logger != nil {
			s.logger.Debug("collected layer", "digest", info.Digest, "size_bytes", info.SizeBytes)
		}
	}
	return removed, nil
}

// Remove deletes one layer regardless of age. Layers still referenced by a
// composed rootfs are refused with ErrLayerInUse.
func (s *Store) Remove(ctx context.Context, dgst digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.lookupLayer(ctx, dgst)
	if err != nil {
		return err
	}
	if info.RefCount > 0 {
		return fmt.Errorf("%w: %s has %d live references", ErrLayerInUse, dgst, info.RefCount)
	}

	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM layers WHERE digest = ? AND refcount <= 0`, dgst.String()); err != nil {
		return fmt.Errorf("delete layer metadata for %s: %w", dgst, err)
	}
	if err := os.RemoveAll(s.layerDir(dgst)); err != nil {
		return fmt.Errorf("remove layer directory for %s: %w", dgst, err)
	}
	return nil
}

func (s *Store) layerDir(dgst digest.Digest) string {
	return filepath.Join(s.dir, dgst.Algorithm().String(), dgst.Encoded())
}

func (s *Store) openDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.metadataDBPath)
	if err != nil {
		return nil, fmt.Errorf("open layer metadata database %q: %w", s.metadataDBPath, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS layers (
			digest TEXT PRIMARY KEY,
			size_bytes INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL,
			last_used_at_unix INTEGER NOT NULL,
			refcount INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("initialise layer metadata schema: %w", err)
	}
	return nil
}

func (s *Store) lookupLayer(ctx context.Context, dgst digest.Digest) (LayerInfo, error) {
	db, err := s.openDB()
	if err != nil {
		return LayerInfo{}, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT digest, size_bytes, created_at_unix, last_used_at_unix, refcount
		FROM layers
		WHERE digest = ?
	`, dgst.String())
	info, err := scanLayer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return LayerInfo{}, &LayerMissingError{Digest: dgst}
		}
		return LayerInfo{}, err
	}
	if _, err := os.Stat(s.layerDir(dgst)); err != nil {
		if os.IsNotExist(err) {
			return LayerInfo{}, &LayerMissingError{Digest: dgst}
		}
		return LayerInfo{}, fmt.Errorf("stat layer directory for %s: %w", dgst, err)
	}
	return info, nil
}

func (s *Store) upsertLayer(ctx context.Context, info LayerInfo) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO layers (digest, size_bytes, created_at_unix, last_used_at_unix, refcount)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(digest) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			last_used_at_unix = excluded.last_used_at_unix
	`, info.Digest.String(), info.SizeBytes, info.CreatedAt.Unix(), info.LastUsedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert layer metadata for %s: %w", info.Digest, err)
	}
	return nil
}

func (s *Store) touchLayer(ctx context.Context, dgst digest.Digest) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		UPDATE layers SET last_used_at_unix = ? WHERE digest = ?
	`, s.now().UTC().Unix(), dgst.String())
	if err != nil {
		return fmt.Errorf("touch layer metadata for %s: %w", dgst, err)
	}
	return nil
}

func (s *Store) adjustRefCounts(ctx context.Context, digests []digest.Digest, delta int64) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	now := s.now().UTC().Unix()
	for _, dgst := range digests {
		if _, err := db.ExecContext(ctx, `
			UPDATE layers
			SET refcount = MAX(refcount + ?, 0), last_used_at_unix = ?
			WHERE digest = ?
		`, delta, now, dgst.String()); err != nil {
			return fmt.Errorf("adjust refcount for %s: %w", dgst, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLayer(s scanner) (LayerInfo, error) {
	var (
		info           LayerInfo
		rawDigest      string
		createdAtUnix  int64
		lastUsedAtUnix int64
	)
	if err := s.Scan(&rawDigest, &info.SizeBytes, &createdAtUnix, &lastUsedAtUnix, &info.RefCount); err != nil {
		return LayerInfo{}, err
	}
	dgst, err := digest.Parse(rawDigest)
	if err != nil {
		return LayerInfo{}, fmt.Errorf("parse stored layer digest %q: %w", rawDigest, err)
	}
	info.Digest = dgst
	info.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	info.LastUsedAt = time.Unix(lastUsedAtUnix, 0).UTC()
	return info, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func extractTar(root string, stream io.Reader) error {
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read layer tar stream: %w", err)
		}

		targetPath, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("create directory %q from tar stream: %w", targetPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for %q: %w", targetPath, err)
			}
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create file %q from tar stream: %w", targetPath, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return fmt.Errorf("write file %q from tar stream: %w", targetPath, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file %q from tar stream: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for symlink %q: %w", targetPath, err)
			}
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create symlink %q -> %q from tar stream: %w", targetPath, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for hard link %q: %w", targetPath, err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("create hard link %q -> %q from tar stream: %w", targetPath, linkTarget, err)
			}
		default:
			// Ignore unsupported tar entry kinds (for example device nodes); /dev is mounted at boot.
		}
	}
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." {
		return root, nil
	}
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("refusing tar entry with unsafe path %q", name)
	}
	joined := filepath.Join(root, clean)
	rootPrefix := root + string(filepath.Separator)
	if joined != root && !strings.HasPrefix(joined, rootPrefix) {
		return "", fmt.Errorf("refusing tar entry outside root %q", name)
	}
	return joined, nil
}
