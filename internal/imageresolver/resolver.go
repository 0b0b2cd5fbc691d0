// Package imageresolver turns image references into composed root
// filesystems, fetching and verifying missing layers from the registry.
package imageresolver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/portalbox/portalbox/internal/layerstore"
	"github.com/portalbox/portalbox/internal/ociref"
)

const (
	defaultFetchAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
)

// ImageConfig is the subset of the OCI image config the sandbox runtime
// needs.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	Workdir    string
	User       string
	Shell      []string
}

// Image is a narrow view of a registry image: its digest, ordered layers,
// and runtime config.
type Image interface {
	Digest() (digest.Digest, error)
	Layers() ([]Layer, error)
	Config() (ImageConfig, error)
}

// Layer exposes one image layer's declared compressed digest and its
// compressed content stream.
type Layer interface {
	Digest() (digest.Digest, error)
	Compressed() (io.ReadCloser, error)
}

// Resolved is a ready-to-boot root filesystem plus the image metadata it was
// built from. The caller owns RootFS and must release it.
type Resolved struct {
	RootFS *layerstore.RootFS
	Config ImageConfig
	Digest digest.Digest
	Ref    ociref.Reference
}

type Options struct {
	Store *layerstore.Store

	// FetchImage resolves a reference to an image manifest. Defaults to a
	// registry fetch through go-containerregistry.
	FetchImage func(context.Context, ociref.Reference) (Image, error)

	// FetchAttempts bounds registry fetch retries for one layer. Digest
	// mismatches are fatal on the first occurrence regardless.
	FetchAttempts  int
	RetryBaseDelay time.Duration

	Logger *log.Logger
}

type Resolver struct {
	store          *layerstore.Store
	fetchImage     func(context.Context, ociref.Reference) (Image, error)
	fetchAttempts  int
	retryBaseDelay time.Duration
	logger         *log.Logger

	inflight singleflight.Group
}

func New(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("image resolver requires a layer store")
	}

	resolver := &Resolver{
		store:          opts.Store,
		fetchAttempts:  opts.FetchAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		logger:         opts.Logger,
	}
	if opts.FetchImage != nil {
		resolver.fetchImage = opts.FetchImage
	} else {
		resolver.fetchImage = fetchFromRegistry
	}
	if resolver.fetchAttempts <= 0 {
		resolver.fetchAttempts = defaultFetchAttempts
	}
	if resolver.retryBaseDelay <= 0 {
		resolver.retryBaseDelay = defaultRetryBaseDelay
	}
	return resolver, nil
}

// Resolve fetches whatever layers of the image are not already stored, then
// composes them into a writable root filesystem.
func (r *Resolver) Resolve(ctx context.Context, ref string, compose layerstore.ComposeOptions) (*Resolved, error) {
	parsedRef, err := ociref.Parse(ref)
	if err != nil {
		return nil, err
	}

	img, err := r.fetchImage(ctx, parsedRef)
	if err != nil {
		return nil, fmt.Errorf("resolve image %q: %w", parsedRef, err)
	}
	imageDigest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("read image digest for %q: %w", parsedRef, err)
	}
	config, err := img.Config()
	if err != nil {
		return nil, fmt.Errorf("read image config for %q: %w", parsedRef, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("list image layers for %q: %w", parsedRef, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("image %q has no layers", parsedRef)
	}

	digests := make([]digest.Digest, 0, len(layers))
	for _, layer := range layers {
		layerDigest, err := layer.Digest()
		if err != nil {
			return nil, fmt.Errorf("read layer digest for %q: %w", parsedRef, err)
		}
		digests = append(digests, layerDigest)

		if err := r.ensureLayer(ctx, layerDigest, layer); err != nil {
			return nil, err
		}
	}

	rootfs, err := r.store.Compose(ctx, digests, compose)
	if err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.Info("resolved image", "ref", parsedRef.String(), "digest", imageDigest, "layers", len(digests))
	}
	return &Resolved{
		RootFS: rootfs,
		Config: config,
		Digest: imageDigest,
		Ref:    parsedRef,
	}, nil
}

// ensureLayer stores the layer if absent. Concurrent callers for the same
// digest share one fetch.
func (r *Resolver) ensureLayer(ctx context.Context, layerDigest digest.Digest, layer Layer) error {
	has, err := r.store.Has(ctx, layerDigest)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	_, err, _ = r.inflight.Do(layerDigest.String(), func() (any, error) {
		// Recheck under the singleflight: a racing caller may have stored
		// the layer while we waited.
		has, err := r.store.Has(ctx, layerDigest)
		if err != nil || has {
			return nil, err
		}
		return nil, r.fetchAndStore(ctx, layerDigest, layer)
	})
	return err
}

func (r *Resolver) fetchAndStore(ctx context.Context, layerDigest digest.Digest, layer Layer) error {
	var lastErr error
	for attempt := 1; attempt <= r.fetchAttempts; attempt++ {
		lastErr = r.fetchOnce(ctx, layerDigest, layer)
		if lastErr == nil {
			return nil
		}

		var mismatch *DigestMismatchError
		if errors.As(lastErr, &mismatch) {
			// Corrupt content from the registry will not improve on retry.
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == r.fetchAttempts {
			break
		}

		delay := r.retryBaseDelay << (attempt - 1)
		if r.logger != nil {
			r.logger.Warn("layer fetch failed, retrying", "digest", layerDigest, "attempt", attempt, "delay", delay, "err", lastErr)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("fetch layer %s after %d attempts: %w", layerDigest, r.fetchAttempts, lastErr)
}

func (r *Resolver) fetchOnce(ctx context.Context, layerDigest digest.Digest, layer Layer) error {
	compressed, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("open layer stream for %s: %w", layerDigest, err)
	}
	defer compressed.Close()

	// Spool the blob while hashing it so the store only ever sees content
	// that verified end to end. A mismatch surfaces here, before extraction.
	spool, err := os.CreateTemp("", "portalbox-layer-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create layer spool file for %s: %w", layerDigest, err)
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)
	defer spool.Close()

	if _, err := io.Copy(spool, newVerifyingReader(compressed, layerDigest)); err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind layer spool for %s: %w", layerDigest, err)
	}

	gz, err := gzip.NewReader(spool)
	if err != nil {
		return fmt.Errorf("open layer gzip stream for %s: %w", layerDigest, err)
	}
	defer gz.Close()

	return r.store.Put(ctx, layerDigest, gz)
}
