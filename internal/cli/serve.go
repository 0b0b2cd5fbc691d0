package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/portalbox/portalbox/internal/apiserver"
	"github.com/portalbox/portalbox/internal/bootassets"
	"github.com/portalbox/portalbox/internal/firecracker"
	"github.com/portalbox/portalbox/internal/hosttools"
	"github.com/portalbox/portalbox/internal/imageresolver"
	"github.com/portalbox/portalbox/internal/layerstore"
	"github.com/portalbox/portalbox/internal/netman"
	"github.com/portalbox/portalbox/internal/project"
	"github.com/portalbox/portalbox/internal/runtimeconfig"
	"github.com/portalbox/portalbox/internal/sandbox"
)

// buildServerHandler wires the full host stack: layer store, image
// resolver, network manager, firecracker launcher, sandbox registry, and
// project runner behind the API handler.
func buildServerHandler(ctx context.Context, cfg runtimeconfig.Config, devMode bool, logger *log.Logger) (http.Handler, error) {
	store, err := layerstore.New(layerstore.Options{
		Dir:    cfg.Layers.Dir,
		Logger: logger.With("subsystem", "layerstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise layer store: %w", err)
	}

	resolver, err := imageresolver.New(imageresolver.Options{
		Store:  store,
		Logger: logger.With("subsystem", "resolver"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise image resolver: %w", err)
	}

	network, err := netman.New(netman.Options{
		BridgeName:  cfg.Network.Bridge,
		GatewayCIDR: cfg.Network.GatewayCIDR,
		Plane:       netman.HostPlane(),
		Logger:      logger.With("subsystem", "netman"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise network manager: %w", err)
	}

	kernel, err := bootassets.ResolveForHost(ctx, cfg.Firecracker.KernelImage)
	if err != nil {
		return nil, fmt.Errorf("resolve guest kernel: %w", err)
	}
	if kernel.Notice != "" {
		logger.Info(kernel.Notice)
	}

	mkfs := cfg.Firecracker.MkfsBinary
	if mkfs == "" {
		mkfs = firecracker.DefaultMkfsBinary
	}
	mkfsPath, err := hosttools.ResolveMkfsBinary(mkfs)
	if err != nil {
		return nil, fmt.Errorf("resolve mkfs binary: %w", err)
	}

	launcher, err := firecracker.New(firecracker.Options{
		BinaryPath:      cfg.Firecracker.BinaryPath,
		KernelImagePath: kernel.Path,
		MkfsBinary:      mkfsPath,
		Logger:          logger.With("subsystem", "firecracker"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialise firecracker launcher: %w", err)
	}

	registry := sandbox.NewRegistry()
	factory := func(spec sandbox.Spec) (*sandbox.Manager, error) {
		return sandbox.New(sandbox.Options{
			Spec:     spec,
			Resolve:  resolver.Resolve,
			Network:  network,
			Launcher: launcher,
			Logger:   logger.With("subsystem", "sandbox"),
		})
	}

	runner, err := project.NewRunner(project.RunnerOptions{
		Registry: registry,
		Factory:  factory,
		Logger:   logger.With("subsystem", "project"),
	})
	if err != nil {
		return nil, err
	}

	server, err := apiserver.New(apiserver.Options{
		Registry: registry,
		Factory:  factory,
		Runner:   runner,
		Auth: &apiserver.Authenticator{
			Secret:  []byte(cfg.Server.AuthSecret),
			DevMode: devMode,
		},
		Namespace: cfg.Server.Namespace,
		Logger:    logger.With("subsystem", "api"),
	})
	if err != nil {
		return nil, err
	}
	return server.Handler(), nil
}
