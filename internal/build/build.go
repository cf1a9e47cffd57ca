// Package build drives a colcon workspace build inside a provisioned
// instance: dependency install with rosdep, colcon build, and download of the
// install and build trees back to the host.
package build

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/charmbracelet/log"
)

const (
	InstanceInstallDir = backend.WorkspaceDir + "/install"
	InstanceBuildDir   = backend.WorkspaceDir + "/build"

	DefaultInstallDir = "install_in_container"
	DefaultBuildDir   = "build_in_container"
)

// dependencyTypes are the rosdep dependency kinds a build needs.
var dependencyTypes = []string{"build", "buildtool", "build_export", "buildtool_export", "test"}

type Options struct {
	ROSDistro string
	// Packages are host directories uploaded to the instance source tree.
	Packages []string
	// BuildArgs is appended verbatim to the colcon build command line.
	BuildArgs string
	// LogLevel is forwarded to colcon.
	LogLevel log.Level

	// Debug opens a shell when the build fails.
	Debug bool
	// ShellAfter opens a shell once the build finishes.
	ShellAfter bool

	InstallDir string
	BuildDir   string
}

type Runner struct {
	Provider backend.Provider
	Logger   *log.Logger
}

// Run builds the workspace and returns the exit code of the failing step, 1
// when an expected result is missing, or 0.
func (r *Runner) Run(ctx context.Context, opts Options) (int, error) {
	if r.Provider == nil {
		return 0, backend.ErrNotConfigured
	}
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	opts = opts.withDefaults()

	packages, err := resolvePackages(opts.Packages)
	if err != nil {
		return 0, err
	}

	code, err := r.step(ctx, logger, "updating rosdep", opts, "rosdep update")
	if err != nil || code != 0 {
		return code, err
	}

	logger.Info("uploading packages", "count", len(packages))
	for _, pkg := range packages {
		dest, err := r.Provider.Upload(ctx, pkg)
		if err != nil {
			return 0, err
		}
		logger.Debug("uploaded package", "path", pkg, "instance_path", dest)
	}

	code, err = r.build(ctx, logger, opts)
	if err != nil {
		return 0, err
	}

	switch {
	case code != 0 && opts.Debug:
		logger.Error("build failed", "exit_code", code)
		logger.Warn("debug was selected, entering the instance")
		err = r.Provider.Shell(ctx)
	case opts.ShellAfter:
		logger.Info("shell after was selected, entering the instance")
		err = r.Provider.Shell(ctx)
	}
	return code, err
}

func (r *Runner) build(ctx context.Context, logger *log.Logger, opts Options) (int, error) {
	code, err := r.step(ctx, logger, "installing dependencies", opts, InstallDependencies(opts.ROSDistro)...)
	if err != nil || code != 0 {
		return code, err
	}
	code, err = r.step(ctx, logger, "building workspace", opts, ColconBuild(opts.LogLevel, opts.BuildArgs))
	if err != nil || code != 0 {
		return code, err
	}

	for _, result := range []struct{ remote, local string }{
		{InstanceInstallDir, opts.InstallDir},
		{InstanceBuildDir, opts.BuildDir},
	} {
		if err := r.Provider.Download(ctx, result.remote, result.local); err != nil {
			if errors.Is(err, backend.ErrResultNotFound) {
				logger.Error("build result missing", "path", result.remote)
				return 1, nil
			}
			return 0, err
		}
		logger.Info("downloaded build result", "path", result.remote, "dest", result.local)
	}
	return 0, nil
}

func (r *Runner) step(ctx context.Context, logger *log.Logger, msg string, opts Options, commands ...string) (int, error) {
	logger.Info(msg, "ros_distro", opts.ROSDistro)
	code, err := r.Provider.ExecuteCommands(ctx, append([]string{SourceROS(opts.ROSDistro)}, commands...))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", msg, err)
	}
	if code != 0 {
		logger.Error(msg+" failed", "exit_code", code)
	}
	return code, nil
}

func (o Options) withDefaults() Options {
	if o.InstallDir == "" {
		o.InstallDir = DefaultInstallDir
	}
	if o.BuildDir == "" {
		o.BuildDir = DefaultBuildDir
	}
	return o
}

// resolvePackages makes the package paths absolute and rejects two packages
// that would land on the same instance path.
func resolvePackages(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no packages to build")
	}
	seen := make(map[string]string, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve package path %q: %w", p, err)
		}
		base := filepath.Base(abs)
		if prev, ok := seen[base]; ok {
			if prev == abs {
				continue
			}
			return nil, fmt.Errorf("packages %q and %q would both upload to %s/%s", prev, abs, backend.SourceDir, base)
		}
		seen[base] = abs
		out = append(out, abs)
	}
	return out, nil
}

// SourceROS loads the distribution environment. Non-interactive bash skips
// the profile, so every build script sources it.
func SourceROS(distro string) string {
	return fmt.Sprintf("source /opt/ros/%s/setup.bash", distro)
}

// InstallDependencies installs the build dependencies of every uploaded
// package. Base images ship without apt lists.
func InstallDependencies(distro string) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "rosdep install --from-paths %s --ignore-src -y -r --rosdistro %s", backend.SourceDir, distro)
	for _, kind := range dependencyTypes {
		b.WriteString(" -t ")
		b.WriteString(kind)
	}
	return []string{"apt-get update", b.String()}
}

// ColconBuild renders the colcon build command. colcon takes python logging
// levels.
func ColconBuild(level log.Level, args string) string {
	cmd := fmt.Sprintf("colcon --log-level=%d build", colconLogLevel(level))
	if args = strings.TrimSpace(args); args != "" {
		cmd += " " + args
	}
	return cmd
}

func colconLogLevel(level log.Level) int {
	switch {
	case level <= log.DebugLevel:
		return 10
	case level <= log.InfoLevel:
		return 20
	case level <= log.WarnLevel:
		return 30
	case level <= log.ErrorLevel:
		return 40
	default:
		return 50
	}
}
