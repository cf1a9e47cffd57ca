// Package hosttools locates the host binaries the VM backends shell out to.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// systemPrefixes are searched after PATH. Non-root shells usually lack the
// sbin directories where e2fsprogs installs.
var systemPrefixes = []string{"/usr/local", "/usr", "/"}

var installHints = map[string]string{
	"mkfs.ext4":   "install e2fsprogs",
	"debugfs":     "install e2fsprogs",
	"qemu-img":    "install qemu-utils",
	"firecracker": "download a release from github.com/firecracker-microvm/firecracker",
	"virsh":       "install libvirt-clients",
}

// Resolve finds binary in PATH, then in the system sbin and bin directories.
func Resolve(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, systemPrefixes))
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", fmt.Errorf("binary name is required")
	}
	if filepath.IsAbs(trimmed) {
		info, err := stat(trimmed)
		if err != nil {
			return "", fmt.Errorf("%s: %w", trimmed, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", trimmed)
		}
		return trimmed, nil
	}

	if path, err := lookPath(trimmed); err == nil {
		return path, nil
	}

	for _, candidate := range candidates {
		info, err := stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}

	msg := fmt.Sprintf("%s not found in PATH or system sbin directories", trimmed)
	if hint := installHints[trimmed]; hint != "" {
		msg += "; " + hint
	}
	return "", errors.New(msg)
}

func candidateBinaryPaths(binary string, prefixes []string) []string {
	trimmedBinary := strings.TrimSpace(binary)
	if trimmedBinary == "" || filepath.IsAbs(trimmedBinary) {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes)*2)
	for _, prefix := range prefixes {
		for _, dir := range []string{"sbin", "bin"} {
			path := filepath.Join(prefix, dir, trimmedBinary)
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	return out
}
