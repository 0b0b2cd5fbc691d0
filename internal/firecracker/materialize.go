package firecracker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	minimumRootFSSizeBytes = 512 << 20
	rootFSHeadroomBytes    = 128 << 20
	rootFSAlignBytes       = 4 << 20
)

// materializeExt4 packs a rootfs directory into an ext4 image sized with
// headroom for guest writes.
func materializeExt4(ctx context.Context, mkfsBinary, srcDir, outputPath string) (int64, error) {
	if _, err := os.Stat(srcDir); err != nil {
		return 0, fmt.Errorf("stat rootfs directory %q: %w", srcDir, err)
	}

	for _, requiredDir := range []string{"dev", "proc", "run", "sys", "tmp"} {
		if err := os.MkdirAll(filepath.Join(srcDir, requiredDir), 0o755); err != nil {
			return 0, fmt.Errorf("prepare rootfs directory %q: %w", requiredDir, err)
		}
	}

	contentBytes, err := dirSize(srcDir)
	if err != nil {
		return 0, fmt.Errorf("calculate rootfs size: %w", err)
	}
	targetSize := computeRootFSImageSize(contentBytes)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output directory for %q: %w", outputPath, err)
	}
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create rootfs image file %q: %w", outputPath, err)
	}
	if err := f.Truncate(targetSize); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("truncate rootfs image %q to %d bytes: %w", outputPath, targetSize, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close rootfs image file %q: %w", outputPath, err)
	}

	cmd := exec.CommandContext(ctx, mkfsBinary, "-F", "-d", srcDir, outputPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("run %s for %q: %w: %s", mkfsBinary, outputPath, err, strings.TrimSpace(string(output)))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, fmt.Errorf("stat rootfs image %q: %w", outputPath, err)
	}
	return info.Size(), nil
}

func computeRootFSImageSize(contentBytes int64) int64 {
	target := contentBytes + (contentBytes / 2) + rootFSHeadroomBytes
	if target < minimumRootFSSizeBytes {
		target = minimumRootFSSizeBytes
	}
	remainder := target % rootFSAlignBytes
	if remainder == 0 {
		return target
	}
	return target + (rootFSAlignBytes - remainder)
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
