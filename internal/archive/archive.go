// Package archive builds and extracts the in-memory tar streams used to move
// files between the host and a build instance.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotADirectory = errors.New("not a directory")
	ErrEncoding      = errors.New("content is not valid utf-8 text")
	ErrUnsafePath    = errors.New("archive entry escapes destination")
)

// PackFile returns a GNU tar stream holding a single regular file named after
// the final element of path.
func PackFile(path, content string) ([]byte, error) {
	name := filepath.Base(filepath.Clean(path))
	if name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("pack file: path %q has no file name", path)
	}
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("pack file %q: %w", name, ErrEncoding)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  time.Now().Truncate(time.Second),
		Format:   tar.FormatGNU,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := io.WriteString(tw, content); err != nil {
		return nil, fmt.Errorf("write tar payload for %q: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar stream: %w", err)
	}
	return buf.Bytes(), nil
}

// PackDir snapshots root recursively. With excludeRoot the entries are named
// relative to root; otherwise root's base name is kept as the top-level entry.
func PackDir(root string, excludeRoot bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteDir(&buf, root, excludeRoot); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteDir is PackDir writing to w instead of an in-memory buffer.
func WriteDir(w io.Writer, root string, excludeRoot bool) error {
	root = filepath.Clean(root)
	info, err := os.Lstat(root)
	if err != nil {
		return fmt.Errorf("stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("pack %q: %w", root, ErrNotADirectory)
	}

	prefix := ""
	if !excludeRoot {
		prefix = filepath.Base(root)
	}

	tw := tar.NewWriter(w)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))
		if name == "." {
			// Root itself is not an entry when excluded.
			return nil
		}
		return addEntry(tw, path, name, d)
	})
	if err != nil {
		return fmt.Errorf("pack %q: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar stream for %q: %w", root, err)
	}
	return nil
}

// WritePath writes p to w. Directories are packed with their base name kept;
// any other file becomes a single entry named after its base name.
func WritePath(w io.Writer, p string) error {
	p = filepath.Clean(p)
	info, err := os.Lstat(p)
	if err != nil {
		return fmt.Errorf("stat %q: %w", p, err)
	}
	if info.IsDir() {
		return WriteDir(w, p, false)
	}
	tw := tar.NewWriter(w)
	if err := addEntry(tw, p, filepath.Base(p), fs.FileInfoToDirEntry(info)); err != nil {
		return fmt.Errorf("pack %q: %w", p, err)
	}
	return tw.Close()
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatGNU
	// Owner names are resolved by the instance, not the host.
	hdr.Uname = ""
	hdr.Gname = ""

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %q into archive: %w", path, err)
	}
	return nil
}

type dirTime struct {
	path  string
	mtime time.Time
}

// Unpack extracts every entry of the tar stream under dest. Entries that would
// resolve outside dest are rejected with ErrUnsafePath. Paths are resolved
// against the links already on disk at the time each entry is written, so a
// chain of links created by earlier entries cannot carry a write out of dest.
func Unpack(r io.Reader, dest string) error {
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", dest, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create destination %q: %w", root, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", root, err)
	}

	var (
		dirs  []dirTime
		links []string
	)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if target == root {
			continue
		}
		if err := checkResolved(realRoot, filepath.Dir(target), hdr.Name); err != nil {
			return err
		}

		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := checkResolved(realRoot, target, hdr.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
			if err := os.Chmod(target, mode|0o700); err != nil {
				return fmt.Errorf("chmod directory %q: %w", target, err)
			}
			dirs = append(dirs, dirTime{path: target, mtime: hdr.ModTime})
		case tar.TypeReg:
			if err := writeFile(tr, target, mode); err != nil {
				return err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("set mtime on %q: %w", target, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: absolute symlink %q -> %q", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := checkResolved(realRoot, filepath.Dir(target)+string(filepath.Separator)+filepath.FromSlash(hdr.Linkname), hdr.Name); err != nil {
				return err
			}
			if err := replaceable(target); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory for symlink %q: %w", target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %q -> %q: %w", target, hdr.Linkname, err)
			}
			links = append(links, target)
		case tar.TypeLink:
			if _, err := safeJoin(root, hdr.Linkname); err != nil {
				return err
			}
			linkTarget, err := resolvePath(filepath.Join(root, filepath.FromSlash(hdr.Linkname)))
			if err != nil {
				return fmt.Errorf("%w: hard link %q -> %q: %w", ErrUnsafePath, hdr.Name, hdr.Linkname, err)
			}
			if !within(realRoot, linkTarget) {
				return fmt.Errorf("%w: hard link %q -> %q", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := replaceable(target); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory for hard link %q: %w", target, err)
			}
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("create hard link %q -> %q: %w", target, hdr.Linkname, err)
			}
		default:
			// Devices and fifos are never part of a workspace.
		}
	}

	// Later entries can change what an earlier symlink points at.
	for _, link := range links {
		if err := checkResolved(realRoot, link, link); err != nil {
			_ = os.Remove(link)
			return err
		}
	}

	// Directory mtimes are restored last since writing children bumps them.
	for i := len(dirs) - 1; i >= 0; i-- {
		if info, err := os.Lstat(dirs[i].path); err != nil || !info.IsDir() {
			continue
		}
		if err := os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return fmt.Errorf("set mtime on %q: %w", dirs[i].path, err)
		}
	}
	return nil
}

// writeFile always creates a fresh inode so that content never lands in a
// file shared through a hard link.
func writeFile(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %q: %w", target, err)
	}
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("replace %q: %w", target, err)
		}
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create file %q: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file %q: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %q: %w", target, err)
	}
	// OpenFile honours umask; the archived mode wins.
	return os.Chmod(target, mode)
}

// replaceable removes an existing file or link at target. Directories are
// never swapped for links since that would re-point links resolved earlier.
func replaceable(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect %q: %w", target, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %q would replace a directory with a link", ErrUnsafePath, target)
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("replace %q: %w", target, err)
	}
	return nil
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return root, nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	joined := filepath.Join(root, clean)
	if !within(root, joined) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return joined, nil
}

// checkResolved fails unless path, with every link on disk followed, stays
// inside realRoot.
func checkResolved(realRoot, path, entry string) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsafePath, entry, err)
	}
	if !within(realRoot, resolved) {
		return fmt.Errorf("%w: %q is reached through a link", ErrUnsafePath, entry)
	}
	return nil
}

const maxLinkHops = 40

// resolvePath walks the absolute path p one element at a time the way the
// kernel does, following symlinks that exist on disk. Elements past the first
// missing one are kept as written.
func resolvePath(p string) (string, error) {
	hops := 0
	return walkPath(string(filepath.Separator), p, &hops)
}

func walkPath(cur, rel string, hops *int) (string, error) {
	if filepath.IsAbs(rel) {
		vol := filepath.VolumeName(rel)
		cur, rel = vol+string(filepath.Separator), rel[len(vol):]
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		if errors.Is(err, os.ErrNotExist) {
			return filepath.Join(append([]string{cur}, parts[i:]...)...), nil
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}
		*hops++
		if *hops > maxLinkHops {
			return "", fmt.Errorf("too many levels of symbolic links at %q", next)
		}
		link, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if cur, err = walkPath(cur, link, hops); err != nil {
			return "", err
		}
	}
	return cur, nil
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
