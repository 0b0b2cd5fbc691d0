package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// VolumeMount copies a host path into the guest root filesystem before the
// sandbox boots. Guest writes under the mount stay in the sandbox; they are
// never synced back to the host path.
type VolumeMount struct {
	HostPath  string
	GuestPath string
}

// ParseVolumeMount parses a "host:guest" volume declaration. The guest path
// must be absolute; the host path is kept as written so callers can resolve
// relative paths against their own base directory.
func ParseVolumeMount(raw string) (VolumeMount, error) {
	host, guest, ok := strings.Cut(raw, ":")
	if !ok {
		return VolumeMount{}, fmt.Errorf("invalid volume %q, expected host:guest", raw)
	}
	host = strings.TrimSpace(host)
	guest = strings.TrimSpace(guest)
	if host == "" || guest == "" {
		return VolumeMount{}, fmt.Errorf("invalid volume %q, expected host:guest", raw)
	}
	if !strings.HasPrefix(guest, "/") {
		return VolumeMount{}, fmt.Errorf("volume guest path %q must be absolute", guest)
	}
	return VolumeMount{HostPath: host, GuestPath: guest}, nil
}

// seedVolumes copies every mount's host path into the rootfs directory under
// its guest path. Files copy as-is; directories copy recursively.
func seedVolumes(rootfsDir string, volumes []VolumeMount) error {
	for _, volume := range volumes {
		target := filepath.Join(rootfsDir, filepath.FromSlash(strings.TrimPrefix(volume.GuestPath, "/")))
		info, err := os.Stat(volume.HostPath)
		if err != nil {
			return fmt.Errorf("volume source %q: %w", volume.HostPath, err)
		}
		if info.IsDir() {
			if err := copyTree(volume.HostPath, target); err != nil {
				return fmt.Errorf("copy volume %q to %q: %w", volume.HostPath, volume.GuestPath, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyRegularFile(volume.HostPath, target, info.Mode().Perm()); err != nil {
			return fmt.Errorf("copy volume %q to %q: %w", volume.HostPath, volume.GuestPath, err)
		}
	}
	return nil
}

func copyTree(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)
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
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyRegularFile(path, target, info.Mode().Perm())
		}
	})
}

func copyRegularFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
