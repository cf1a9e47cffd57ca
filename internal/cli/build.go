package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/build"
	"github.com/buildkite/cleanbuild/internal/recipe"
)

type BuildCommand struct {
	Chdir        string   `short:"c" help:"Change to this directory before running commands"`
	Paths        []string `arg:"" optional:"" help:"Package directories to upload (default: ./src, or the current directory)"`
	Provider     string   `short:"p" help:"Provider to build in (docker|firecracker|libvirt; defaults to runtime config or docker)"`
	ROSDistro    string   `name:"ros-distro" env:"ROS_DISTRO" help:"ROS distribution to build against"`
	BuildArgs    string   `name:"build-args" help:"Arguments for colcon build; pass as --build-args='--symlink-install'"`
	Debug        bool     `help:"Open a shell in the instance when the build fails"`
	ShellAfter   bool     `name:"shell-after" help:"Open a shell in the instance after the build"`
	InstallDir   string   `name:"install-dir" help:"Host directory receiving /ws/install" default:"install_in_container"`
	BuildDir     string   `name:"build-dir" help:"Host directory receiving /ws/build" default:"build_in_container"`
	InstanceName string   `name:"instance-name" help:"Identifier the instance name is derived from (default: workspace directory name)"`
}

func (c *BuildCommand) Run(ctx *runtimeContext) error {
	logger, err := ctx.logger("build")
	if err != nil {
		return err
	}
	cwd := resolveCWD(ctx.CWD, c.Chdir)

	providerName := resolveProviderName(c.Provider, ctx.Config.DefaultProvider)
	if _, err := ctx.Registry.Lookup(providerName); err != nil {
		return err
	}
	distro, release, err := resolveDistro(c.ROSDistro, ctx.Config.ROSDistro)
	if err != nil {
		return err
	}
	packages, err := resolvePackagePaths(cwd, c.Paths)
	if err != nil {
		return err
	}
	id := c.InstanceName
	if id == "" {
		id = filepath.Base(cwd)
	}
	instanceName := backend.InstanceNameFor(id)

	if isTerminal(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "cleanbuild build",
			Fields: []startupField{
				{Key: "workspace", Value: cwd},
				{Key: "provider", Value: providerName},
				{Key: "ros distro", Value: distro + " (ubuntu " + release + ")"},
				{Key: "instance", Value: instanceName},
			},
		}, shouldUseANSI(ctx.Stderr))
	}

	runCtx, cancel := notifyContext(context.Background())
	defer cancel()

	logger.Info("creating instance", "provider", providerName, "instance", instanceName)
	provider, err := ctx.Registry.Create(runCtx, providerName, backend.Request{
		InstanceName:  instanceName,
		ROSDistro:     distro,
		UbuntuRelease: release,
		Logger:        logger.With("provider", providerName),
	})
	if err != nil {
		return fmt.Errorf("create %s instance: %w", providerName, err)
	}
	defer func() {
		if err := provider.Close(context.WithoutCancel(runCtx)); err != nil {
			logger.Warn("failed to remove instance", "instance", instanceName, "err", err)
		}
	}()
	if err := provider.WaitForInstall(runCtx); err != nil {
		return err
	}

	runner := &build.Runner{Provider: provider, Logger: logger}
	code, err := runner.Run(runCtx, build.Options{
		ROSDistro:  distro,
		Packages:   packages,
		BuildArgs:  c.BuildArgs,
		LogLevel:   logger.GetLevel(),
		Debug:      c.Debug,
		ShellAfter: c.ShellAfter,
		InstallDir: resolveCWD(cwd, c.InstallDir),
		BuildDir:   resolveCWD(cwd, c.BuildDir),
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCodeError{code: code}
	}
	logger.Info("build succeeded", "install_dir", c.InstallDir, "build_dir", c.BuildDir)
	return nil
}

func resolveDistro(requested, configured string) (string, string, error) {
	distro := strings.ToLower(strings.TrimSpace(requested))
	if distro == "" {
		distro = configured
	}
	if distro == "" {
		return "", "", errors.New("no ROS distribution selected: pass --ros-distro, set ROS_DISTRO, or set ros_distro in the runtime config")
	}
	release, err := recipe.UbuntuRelease(distro)
	if err != nil {
		return "", "", err
	}
	return distro, release, nil
}

// resolvePackagePaths checks every package directory before an instance is
// provisioned.
func resolvePackagePaths(cwd string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		src := filepath.Join(cwd, "src")
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			return []string{src}, nil
		}
		return []string{cwd}, nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs := resolveCWD(cwd, p)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("package path: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("package path %q is not a directory", p)
		}
		out = append(out, abs)
	}
	return out, nil
}
