// Package docker provides build instances as containers on a local Docker
// engine.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/buildkite/cleanbuild/internal/statuswait"
	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	Name = "docker"

	defaultStartTimeout = 5 * time.Second
	instanceLabel       = "dev.cleanbuild.instance"
)

// api is the subset of the engine client the backend uses.
type api interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerStatPath(ctx context.Context, containerID, path string) (container.PathStat, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	Close() error
}

// Flags are the docker-specific construction arguments.
type Flags struct {
	Image      string `name:"docker-image" help:"Use this local image instead of building the default one." placeholder:"REF"`
	ForceBuild bool   `name:"docker-force-build" help:"Delete and rebuild the default image even if it exists."`
}

type Options struct {
	// Image is the configured explicit image; Flags.Image takes precedence.
	Image        string
	StartTimeout time.Duration
}

type Factory struct {
	opts  Options
	flags Flags

	newAPI   func() (api, error)
	hostArch func() (recipe.Arch, error)
	waiter   statuswait.Waiter
	goos     string
}

func NewFactory(opts Options) *Factory {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	return &Factory{
		opts: opts,
		newAPI: func() (api, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
		hostArch: recipe.HostArch,
		goos:     runtime.GOOS,
	}
}

func (f *Factory) Name() string { return Name }

func (f *Factory) Flags() any { return &f.flags }

func (f *Factory) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityImageBuild:  true,
		backend.CapabilityCustomImage: true,
		backend.CapabilityExecTTY:     true,
	}
}

// New evicts any stale instance with the requested name, resolves the base
// image, starts a fresh container and waits for it to run.
func (f *Factory) New(ctx context.Context, req backend.Request) (backend.Provider, error) {
	logger := req.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("backend", Name)

	if f.goos != "linux" && f.goos != "darwin" {
		return nil, fmt.Errorf("%w: docker backend needs linux or darwin, current OS is %s", backend.ErrHostUnsupported, f.goos)
	}
	if req.InstanceName == "" {
		return nil, fmt.Errorf("%w: missing instance name", backend.ErrNotConfigured)
	}

	cli, err := f.newAPI()
	if err != nil {
		return nil, fmt.Errorf("%w: create docker client: %w", backend.ErrClientInit, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: ping docker engine: %w", backend.ErrClientInit, err)
	}

	sandbox, err := f.provision(ctx, cli, req, logger)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return sandbox, nil
}

func (f *Factory) provision(ctx context.Context, cli api, req backend.Request, logger *log.Logger) (*backend.Sandbox, error) {
	name := req.InstanceName
	if err := evict(ctx, cli, name, logger); err != nil {
		return nil, err
	}

	imageRef, err := f.resolveImage(ctx, cli, req, logger)
	if err != nil {
		return nil, err
	}
	platform, err := f.platformFor(imageRef, req)
	if err != nil {
		return nil, err
	}

	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:     imageRef,
		Cmd:       []string{"/bin/bash"},
		OpenStdin: true,
		Tty:       true,
		Labels:    map[string]string{instanceLabel: name},
	}, &container.HostConfig{}, nil, platform, name)
	if err != nil {
		return nil, fmt.Errorf("%w: create container %q from %q: %w", backend.ErrClient, name, imageRef, err)
	}
	for _, warning := range created.Warnings {
		logger.Warn("docker engine warning", "warning", warning)
	}
	logger.Info("container created", "instance", name, "id", shortID(created.ID), "image", imageRef)

	drv := &driver{api: cli, id: created.ID, name: name}
	fail := func(err error) (*backend.Sandbox, error) {
		if rmErr := drv.Remove(context.WithoutCancel(ctx)); rmErr != nil {
			logger.Warn("failed to remove container after setup error", "instance", name, "err", rmErr)
		}
		return nil, err
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("%w: start container %q: %w", backend.ErrClient, name, err))
	}
	if err := f.waiter.Wait(ctx, &containerStatus{api: cli, id: created.ID, name: name}, []string{"running"}, f.opts.StartTimeout); err != nil {
		return fail(fmt.Errorf("%w: wait for container %q: %w", backend.ErrClient, name, err))
	}

	sandbox := backend.NewSandbox(Name, name, created.ID, drv, logger)
	if err := sandbox.Bootstrap(ctx); err != nil {
		return fail(err)
	}
	return sandbox, nil
}

// platformFor pins the default image to the host architecture it was built
// for. Explicit images are left to the engine.
func (f *Factory) platformFor(imageRef string, req backend.Request) (*ocispec.Platform, error) {
	if imageRef != ImageName(req.UbuntuRelease, req.ROSDistro) {
		return nil, nil
	}
	arch, err := f.hostArch()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrHostUnsupported, err)
	}
	platform := &ocispec.Platform{OS: "linux", Architecture: arch.GoArch()}
	if platform.Architecture == "arm" {
		platform.Variant = "v7"
	}
	return platform, nil
}

// evict force-removes a container left behind by a previous run.
func evict(ctx context.Context, cli api, name string, logger *log.Logger) error {
	err := cli.ContainerRemove(ctx, name, container.RemoveOptions{RemoveVolumes: true, Force: true})
	switch {
	case err == nil:
		logger.Info("removed stale container", "instance", name)
	case errdefs.IsNotFound(err):
	default:
		return fmt.Errorf("%w: remove stale container %q: %w", backend.ErrClient, name, err)
	}

	inspect, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: inspect container %q: %w", backend.ErrClient, name, err)
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running {
		return fmt.Errorf("%w: container %q is still running after removal", backend.ErrClient, name)
	}
	return nil
}

type containerStatus struct {
	api  api
	id   string
	name string
}

func (c *containerStatus) Name() string { return c.name }

func (c *containerStatus) Refresh(ctx context.Context) (string, error) {
	inspect, err := c.api.ContainerInspect(ctx, c.id)
	if err != nil {
		return "", err
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return "", errors.New("container inspect response has no state")
	}
	return inspect.State.Status, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
