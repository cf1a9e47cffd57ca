// Package paths resolves where cleanbuild keeps caches, durable data and
// per-instance run state on the host, following the XDG base directory
// layout.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "cleanbuild"

// xdgBase returns $<env>/cleanbuild, then ~/<homeRel>/cleanbuild, then
// $XDG_RUNTIME_DIR/cleanbuild when no home directory is known.
func xdgBase(env, homeRel string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(env)); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	home, homeErr := os.UserHomeDir()
	if homeErr == nil && home != "" {
		return filepath.Join(home, homeRel, appName), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if homeErr != nil {
		return "", homeErr
	}
	return "", fmt.Errorf("unable to resolve %s directory: neither %s, a home directory nor XDG_RUNTIME_DIR is available", appName, env)
}

func under(env, homeRel string, elem ...string) (string, error) {
	base, err := xdgBase(env, homeRel)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{base}, elem...)...), nil
}

// ImageCacheDir holds materialised rootfs images for the firecracker backend.
func ImageCacheDir() (string, error) {
	return under("XDG_CACHE_HOME", ".cache", "images")
}

// ImageMetadataDBPath is the sqlite index of ImageCacheDir.
func ImageMetadataDBPath() (string, error) {
	return under("XDG_STATE_HOME", filepath.Join(".local", "state"), "images", "metadata.db")
}

// AssetsDir holds downloaded kernels and cloud images.
func AssetsDir() (string, error) {
	return under("XDG_DATA_HOME", filepath.Join(".local", "share"), "assets")
}

// RunBaseDir holds one directory per live VM instance (config, sockets,
// rootfs copies and overlays).
func RunBaseDir() (string, error) {
	return under("XDG_STATE_HOME", filepath.Join(".local", "state"), "runs")
}

// InstanceRunDir returns the run directory owned by the named instance.
func InstanceRunDir(instanceName string) (string, error) {
	name := strings.TrimSpace(instanceName)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid instance name %q", instanceName)
	}
	base, err := RunBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, name), nil
}
