package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultProvider string   `yaml:"default_provider"`
	ROSDistro       string   `yaml:"ros_distro"`
	Backends        Backends `yaml:"backends"`
}

type Backends struct {
	Docker      DockerConfig      `yaml:"docker"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
	Libvirt     LibvirtConfig     `yaml:"libvirt"`
}

type DockerConfig struct {
	Image               string `yaml:"image"`
	StartTimeoutSeconds int64  `yaml:"start_timeout_seconds"`
}

type FirecrackerConfig struct {
	BinaryPath    string `yaml:"binary_path"`
	KernelImage   string `yaml:"kernel_image"`
	Image         string `yaml:"image"` // OCI reference for the guest rootfs
	VCPUs         int64  `yaml:"vcpus"`
	MemoryMiB     int64  `yaml:"memory_mib"`
	GuestCID      uint32 `yaml:"guest_cid"`
	GuestPort     uint32 `yaml:"guest_port"`
	LaunchSeconds int64  `yaml:"launch_seconds"` // VM boot/guest-agent readiness timeout
	Bootstrap     *bool  `yaml:"bootstrap"`
	DiskSizeMiB   int64  `yaml:"disk_size_mib"`
	GuestAgent    string `yaml:"guest_agent_path"` // linux build of cleanbuild-guest-agent

	// Guest networking needs a tap device prepared by the host administrator.
	TapDevice string `yaml:"tap_device"`
	GuestIP   string `yaml:"guest_ip"` // CIDR, e.g. 172.16.0.2/24
	GatewayIP string `yaml:"gateway_ip"`
	DNS       string `yaml:"dns"`
}

type LibvirtConfig struct {
	ConnectionURI string `yaml:"connection_uri"`
	Image         string `yaml:"image"` // qcow2 base image; downloaded cloud image when empty
	Network       string `yaml:"network"`
	VCPUs         int64  `yaml:"vcpus"`
	MemoryMiB     int64  `yaml:"memory_mib"`
	LaunchSeconds int64  `yaml:"launch_seconds"` // boot/qemu-guest-agent readiness timeout
	DiskSizeGiB   int64  `yaml:"disk_size_gib"`
	Bootstrap     *bool  `yaml:"bootstrap"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "cleanbuild", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "cleanbuild", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.DefaultProvider = strings.TrimSpace(cfg.DefaultProvider)
	cfg.ROSDistro = strings.ToLower(strings.TrimSpace(cfg.ROSDistro))
	if cfg.Backends.Docker.StartTimeoutSeconds < 0 {
		return Config{}, path, fmt.Errorf("parse %s: backends.docker.start_timeout_seconds must not be negative", path)
	}
	if cfg.Backends.Firecracker.DiskSizeMiB < 0 {
		return Config{}, path, fmt.Errorf("parse %s: backends.firecracker.disk_size_mib must not be negative", path)
	}
	if cfg.Backends.Libvirt.DiskSizeGiB < 0 {
		return Config{}, path, fmt.Errorf("parse %s: backends.libvirt.disk_size_gib must not be negative", path)
	}
	if cfg.Backends.Firecracker.LaunchSeconds < 0 || cfg.Backends.Libvirt.LaunchSeconds < 0 {
		return Config{}, path, fmt.Errorf("parse %s: launch_seconds must not be negative", path)
	}
	return cfg, path, nil
}

// BootstrapEnabled reports whether guests are provisioned after boot. It
// defaults to true.
func (c FirecrackerConfig) BootstrapEnabled() bool {
	return c.Bootstrap == nil || *c.Bootstrap
}

func (c LibvirtConfig) BootstrapEnabled() bool {
	return c.Bootstrap == nil || *c.Bootstrap
}
