package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/cleanbuild/internal/runtimeconfig"
	"gopkg.in/yaml.v3"
)

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a runtime config populated with defaults"`
}

type ConfigInitCommand struct {
	Path  string `help:"Config file to write (defaults to the runtime config path)"`
	Force bool   `help:"Overwrite an existing file"`
}

func defaultConfig() runtimeconfig.Config {
	bootstrap := true
	return runtimeconfig.Config{
		DefaultProvider: defaultProvider,
		ROSDistro:       "humble",
		Backends: runtimeconfig.Backends{
			Docker: runtimeconfig.DockerConfig{StartTimeoutSeconds: 5},
			Firecracker: runtimeconfig.FirecrackerConfig{
				BinaryPath:    "firecracker",
				VCPUs:         2,
				MemoryMiB:     4096,
				GuestCID:      3,
				LaunchSeconds: 60,
				Bootstrap:     &bootstrap,
				DiskSizeMiB:   16384,
			},
			Libvirt: runtimeconfig.LibvirtConfig{
				ConnectionURI: "qemu:///system",
				Network:       "default",
				VCPUs:         2,
				MemoryMiB:     4096,
				LaunchSeconds: 600,
				DiskSizeGiB:   20,
				Bootstrap:     &bootstrap,
			},
		},
	}
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := c.Path
	if path == "" {
		var err error
		if path, err = runtimeconfig.Path(); err != nil {
			return err
		}
	}
	path = resolveCWD(ctx.CWD, path)

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	raw, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("render runtime config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "wrote runtime config to %s\n", path)
	return err
}
