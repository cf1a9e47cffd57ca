package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/backend/docker"
	"github.com/buildkite/cleanbuild/internal/backend/firecracker"
	"github.com/buildkite/cleanbuild/internal/backend/libvirt"
	"github.com/buildkite/cleanbuild/internal/runtimeconfig"
	"github.com/charmbracelet/log"
)

const defaultProvider = docker.Name

type runtimeContext struct {
	CWD        string
	Stdout     io.Writer
	Stderr     *os.File
	LogLevel   string
	Config     runtimeconfig.Config
	ConfigPath string
	Registry   backend.Registry
}

type CLI struct {
	kong.Plugins

	LogLevel string           `help:"Log level (debug|info|warn|error)" default:"info" env:"CLEANBUILD_LOG_LEVEL"`
	Version  kong.VersionFlag `help:"Print the version and exit"`

	Build  BuildCommand  `cmd:"" help:"Build a colcon workspace in a fresh instance"`
	Doctor DoctorCommand `cmd:"" help:"Check that the host can run a provider"`
	Images ImagesCommand `cmd:"" help:"Manage cached firecracker base images"`
	Status StatusCommand `cmd:"" help:"List instance run directories left on this host"`
	Config ConfigCommand `cmd:"" help:"Runtime config commands"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newRegistry = registryFromConfig
	// notifyContext is replaced in tests that must not install signal handlers.
	notifyContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	}
)

// registryFromConfig builds the provider registry. Config values seed each
// factory and factory flags override them at construction.
func registryFromConfig(cfg runtimeconfig.Config) backend.Registry {
	fc := cfg.Backends.Firecracker
	lv := cfg.Backends.Libvirt
	return backend.NewRegistry(
		docker.NewFactory(docker.Options{
			Image:        cfg.Backends.Docker.Image,
			StartTimeout: time.Duration(cfg.Backends.Docker.StartTimeoutSeconds) * time.Second,
		}),
		firecracker.NewFactory(firecracker.Options{
			BinaryPath:     fc.BinaryPath,
			KernelImage:    fc.KernelImage,
			Image:          fc.Image,
			VCPUs:          fc.VCPUs,
			MemoryMiB:      fc.MemoryMiB,
			GuestCID:       fc.GuestCID,
			GuestPort:      fc.GuestPort,
			LaunchSeconds:  fc.LaunchSeconds,
			Bootstrap:      fc.BootstrapEnabled(),
			GuestAgentPath: fc.GuestAgent,
			DiskSizeMiB:    fc.DiskSizeMiB,
			TapDevice:      fc.TapDevice,
			GuestIP:        fc.GuestIP,
			GatewayIP:      fc.GatewayIP,
			DNS:            fc.DNS,
		}),
		libvirt.NewFactory(libvirt.Options{
			ConnectionURI: lv.ConnectionURI,
			Image:         lv.Image,
			Network:       lv.Network,
			VCPUs:         lv.VCPUs,
			MemoryMiB:     lv.MemoryMiB,
			DiskSizeGiB:   lv.DiskSizeGiB,
			LaunchSeconds: lv.LaunchSeconds,
			Bootstrap:     lv.BootstrapEnabled(),
		}),
	)
}

// Run parses args and runs the selected command.
func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		CWD:        cwd,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Registry:   newRegistry(cfg),
	}

	cli := CLI{Plugins: providerFlags(runtimeCtx.Registry)}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	runtimeCtx.LogLevel = cli.LogLevel
	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("cleanbuild"),
		kong.Description("Build ROS workspaces in throwaway containers and VMs"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

// providerFlags collects each factory's flag struct so kong exposes them as
// top-level flags.
func providerFlags(registry backend.Registry) kong.Plugins {
	var plugins kong.Plugins
	for _, name := range registry.Names() {
		if flags := registry[name].Flags(); flags != nil {
			plugins = append(plugins, flags)
		}
	}
	return plugins
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func resolveProviderName(requested, configuredDefault string) string {
	if requested != "" {
		return requested
	}
	if configuredDefault != "" {
		return configuredDefault
	}
	return defaultProvider
}

func resolveCWD(base, chdir string) string {
	if chdir == "" {
		return base
	}
	if filepath.IsAbs(chdir) {
		return filepath.Clean(chdir)
	}
	return filepath.Join(base, chdir)
}

func newLogger(w io.Writer, rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

func (ctx *runtimeContext) logger(component string) (*log.Logger, error) {
	var w io.Writer = io.Discard
	if ctx.Stderr != nil {
		w = ctx.Stderr
	}
	logger, err := newLogger(w, ctx.LogLevel, component)
	if err != nil {
		return nil, err
	}
	applyLoggerStyles(logger, shouldUseANSI(ctx.Stderr))
	return logger, nil
}
