//go:build linux

package firecracker

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func tryCloneFile(dst, src *os.File) bool {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
}

// copySparse walks the data extents of src with SEEK_DATA and SEEK_HOLE.
// Filesystems without extent support report the whole file as data.
func copySparse(dst, src *os.File, size int64) error {
	var off int64
	for off < size {
		start, err := unix.Seek(int(src.Fd()), off, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				return nil
			}
			return err
		}
		end, err := unix.Seek(int(src.Fd()), start, unix.SEEK_HOLE)
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.NewOffsetWriter(dst, start), io.NewSectionReader(src, start, end-start)); err != nil {
			return err
		}
		off = end
	}
	return nil
}
