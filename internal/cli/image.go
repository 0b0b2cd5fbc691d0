package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/portalbox/portalbox/internal/imageresolver"
	"github.com/portalbox/portalbox/internal/layerstore"
)

func openStore(ctx *runtimeContext) (*layerstore.Store, error) {
	return layerstore.New(layerstore.Options{Dir: ctx.Config.Layers.Dir})
}

func (p *ImagePullCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	resolver, err := imageresolver.New(imageresolver.Options{Store: store})
	if err != nil {
		return err
	}

	// Resolve to warm the layer cache; the scratch rootfs is released
	// immediately so only the layers stay behind.
	resolved, err := resolver.Resolve(context.Background(), p.Ref, layerstore.ComposeOptions{})
	if err != nil {
		return err
	}
	if err := resolved.RootFS.Release(context.Background()); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "pulled %s (%s, %d layers)\n", p.Ref, resolved.Digest, len(resolved.RootFS.Layers))
	return err
}

func (l *ImageLsCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	layers, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(layers) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no cached layers")
		return err
	}
	for _, layer := range layers {
		_, err := fmt.Fprintf(ctx.Stdout, "%s  %10d bytes  refs=%d  last used %s\n",
			layer.Digest, layer.SizeBytes, layer.RefCount, layer.LastUsedAt.Format(time.RFC3339))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ImageRmCommand) Run(ctx *runtimeContext) error {
	dgst, err := digest.Parse(r.Digest)
	if err != nil {
		return fmt.Errorf("parse layer digest %q: %w", r.Digest, err)
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Remove(context.Background(), dgst); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "removed %s\n", dgst)
	return err
}

func (g *ImageGCCommand) Run(ctx *runtimeContext) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	retentionDays := g.RetentionDays
	if retentionDays == 0 {
		retentionDays = ctx.Config.Layers.GCRetentionDays
	}
	removed, err := store.GC(context.Background(), time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		return err
	}
	var freed int64
	for _, layer := range removed {
		freed += layer.SizeBytes
	}
	_, err = fmt.Fprintf(ctx.Stdout, "collected %d layers, freed %d bytes\n", len(removed), freed)
	return err
}
