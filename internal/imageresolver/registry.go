package imageresolver

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"

	"github.com/portalbox/portalbox/internal/ociref"
)

func fetchFromRegistry(ctx context.Context, ref ociref.Reference) (Image, error) {
	parsed, err := name.ParseReference(ref.String())
	if err != nil {
		return nil, fmt.Errorf("parse registry reference %q: %w", ref, err)
	}
	img, err := remote.Image(parsed, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("pull OCI image %q: %w", ref, err)
	}
	return remoteImage{img: img}, nil
}

type remoteImage struct {
	img v1.Image
}

func (r remoteImage) Digest() (digest.Digest, error) {
	h, err := r.img.Digest()
	if err != nil {
		return "", err
	}
	return digest.Parse(h.String())
}

func (r remoteImage) Config() (ImageConfig, error) {
	cfg, err := r.img.ConfigFile()
	if err != nil {
		return ImageConfig{}, err
	}
	return ImageConfig{
		Entrypoint: append([]string(nil), cfg.Config.Entrypoint...),
		Cmd:        append([]string(nil), cfg.Config.Cmd...),
		Env:        append([]string(nil), cfg.Config.Env...),
		Workdir:    cfg.Config.WorkingDir,
		User:       cfg.Config.User,
		Shell:      append([]string(nil), cfg.Config.Shell...),
	}, nil
}

func (r remoteImage) Layers() ([]Layer, error) {
	layers, err := r.img.Layers()
	if err != nil {
		return nil, err
	}
	out := make([]Layer, 0, len(layers))
	for _, layer := range layers {
		out = append(out, remoteLayer{layer: layer})
	}
	return out, nil
}

type remoteLayer struct {
	layer v1.Layer
}

func (r remoteLayer) Digest() (digest.Digest, error) {
	h, err := r.layer.Digest()
	if err != nil {
		return "", err
	}
	return digest.Parse(h.String())
}

func (r remoteLayer) Compressed() (io.ReadCloser, error) {
	return r.layer.Compressed()
}
