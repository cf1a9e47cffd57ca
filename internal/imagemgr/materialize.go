package imagemgr

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/buildkite/cleanbuild/internal/hosttools"
)

const (
	minimumRootFSSizeBytes = 512 << 20
	rootFSHeadroomBytes    = 128 << 20
	rootFSAlignBytes       = 4 << 20
)

func materializeExt4(ctx context.Context, mkfsBinary string, minBytes int64, tarStream io.Reader, outputPath string) (int64, error) {
	mkfsPath, err := hosttools.Resolve(mkfsBinary)
	if err != nil {
		return 0, err
	}

	workDir, err := os.MkdirTemp("", "cleanbuild-rootfs-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary rootfs directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	rootFSDir := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootFSDir, 0o755); err != nil {
		return 0, fmt.Errorf("create temporary rootfs extraction directory: %w", err)
	}
	if err := extractTar(rootFSDir, tarStream); err != nil {
		return 0, err
	}
	for _, requiredDir := range []string{"dev", "proc", "run", "sys", "tmp", "ws"} {
		if err := os.MkdirAll(filepath.Join(rootFSDir, requiredDir), 0o755); err != nil {
			return 0, fmt.Errorf("prepare rootfs directory %q: %w", requiredDir, err)
		}
	}

	contentBytes, err := dirSize(rootFSDir)
	if err != nil {
		return 0, fmt.Errorf("calculate extracted rootfs size: %w", err)
	}
	targetSize := computeRootFSImageSize(contentBytes, minBytes)

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create rootfs output file %q: %w", outputPath, err)
	}
	if err := f.Truncate(targetSize); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("truncate rootfs output %q to %d bytes: %w", outputPath, targetSize, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close rootfs output file %q: %w", outputPath, err)
	}

	cmd := exec.CommandContext(ctx, mkfsPath, "-F", "-q", "-E", "root_owner=0:0", "-d", rootFSDir, outputPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("run %s for %q: %w: %s", mkfsBinary, outputPath, err, strings.TrimSpace(string(output)))
	}
	return targetSize, nil
}

func computeRootFSImageSize(contentBytes, minBytes int64) int64 {
	target := contentBytes + (contentBytes / 2) + rootFSHeadroomBytes
	target = max(target, minimumRootFSSizeBytes, minBytes)
	if remainder := target % rootFSAlignBytes; remainder != 0 {
		target += rootFSAlignBytes - remainder
	}
	return target
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// extractTar unpacks an image filesystem. Unlike archive.Unpack it keeps
// absolute symlinks, which resolve inside the guest, but it never writes
// through a symlink on the host.
func extractTar(root string, stream io.Reader) error {
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rootfs tar stream: %w", err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if err := rejectSymlinkParents(root, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q from tar stream: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeRegular(tr, target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory for symlink %q: %w", target, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %q -> %q from tar stream: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory for hard link %q: %w", target, err)
			}
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("create hard link %q -> %q from tar stream: %w", target, linkTarget, err)
			}
		default:
			// Device nodes are provided by devtmpfs at boot.
		}
	}
}

func writeRegular(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %q: %w", target, err)
	}
	_ = os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o600)
	if err != nil {
		return fmt.Errorf("create file %q from tar stream: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file %q from tar stream: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %q from tar stream: %w", target, err)
	}
	return os.Chmod(target, mode)
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." {
		return root, nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("refusing tar entry with unsafe path %q", name)
	}
	return filepath.Join(root, clean), nil
}

// rejectSymlinkParents fails when any directory between root and target is
// a symlink.
func rejectSymlinkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing tar entry %q below symlink %q", target, cur)
		}
	}
	return nil
}
