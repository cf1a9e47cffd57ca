package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/execrelay"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"golang.org/x/term"
)

// driver implements backend.Driver for one container.
type driver struct {
	api  api
	id   string
	name string
}

var _ backend.Driver = (*driver)(nil)

// runShell is replaced in tests.
var runShell = func(ctx context.Context, name string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin is not a terminal")
	}
	binary, err := exec.LookPath("docker")
	if err != nil {
		return fmt.Errorf("docker CLI not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, binary, "exec", "-ti", name, "/bin/bash")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (d *driver) CreateExec(ctx context.Context, containerID string, cfg execrelay.ExecConfig) (string, error) {
	resp, err := d.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cfg.Cmd,
		WorkingDir:   cfg.WorkingDir,
		Tty:          cfg.TTY,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *driver) StartExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	resp, err := d.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, err
	}
	return &hijackedStream{resp: resp}, nil
}

func (d *driver) InspectExec(ctx context.Context, execID string) (execrelay.ExecState, error) {
	resp, err := d.api.ContainerExecInspect(ctx, execID)
	if err != nil {
		return execrelay.ExecState{}, err
	}
	return execrelay.ExecState{Running: resp.Running, ExitCode: resp.ExitCode}, nil
}

func (d *driver) PutArchive(ctx context.Context, dir string, payload io.Reader) error {
	return d.api.CopyToContainer(ctx, d.id, dir, payload, container.CopyToContainerOptions{})
}

func (d *driver) GetArchive(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, _, err := d.api.CopyFromContainer(ctx, d.id, p)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrResultNotFound, p)
		}
		return nil, err
	}
	return rc, nil
}

func (d *driver) Stat(ctx context.Context, p string) (bool, error) {
	if _, err := d.api.ContainerStatPath(ctx, d.id, p); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *driver) Shell(ctx context.Context) error {
	return runShell(ctx, d.name)
}

func (d *driver) Remove(ctx context.Context) error {
	defer d.api.Close()
	err := d.api.ContainerRemove(ctx, d.id, container.RemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// hijackedStream adapts the engine's hijacked connection to io.ReadCloser.
// With a TTY the stream is raw, so no stdcopy demultiplexing is needed.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}
