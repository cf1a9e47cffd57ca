package firecracker

import (
	"fmt"
	"os"
)

// copyFile clones src to dst, preferring a reflink and otherwise copying only
// the allocated extents so a mostly empty rootfs stays sparse.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_RDWR|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if !tryCloneFile(out, in) {
		if err := copySparse(out, in, info.Size()); err != nil {
			return fmt.Errorf("copy data: %w", err)
		}
	}
	if err := out.Truncate(info.Size()); err != nil {
		return err
	}
	// OpenFile does not change the mode of an existing file.
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	return out.Sync()
}
