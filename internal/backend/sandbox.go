package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/execrelay"
	"github.com/charmbracelet/log"
)

// Driver is the backend-specific half of a Sandbox. Archive payloads are
// uncompressed tar streams in both directions.
type Driver interface {
	execrelay.Triad
	// PutArchive extracts payload into dir inside the instance. dir must exist.
	PutArchive(ctx context.Context, dir string, payload io.Reader) error
	// GetArchive returns a tar stream whose top-level entry is path.Base(p).
	GetArchive(ctx context.Context, p string) (io.ReadCloser, error)
	Stat(ctx context.Context, p string) (bool, error)
	// Shell attaches the caller's terminal to an interactive shell.
	Shell(ctx context.Context) error
	// Remove forcibly deletes the instance and its storage.
	Remove(ctx context.Context) error
}

// Sandbox implements Provider over a Driver.
type Sandbox struct {
	backend string
	name    string
	handle  string
	driver  Driver
	logger  *log.Logger
	output  *log.Logger
}

// NewSandbox wraps a started instance. handle is the identifier the driver's
// exec calls expect, usually the container ID or the instance name.
func NewSandbox(backendName, instanceName, handle string, driver Driver, logger *log.Logger) *Sandbox {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Sandbox{
		backend: backendName,
		name:    instanceName,
		handle:  handle,
		driver:  driver,
		logger:  logger,
		output:  logger.With("instance", instanceName),
	}
}

func (s *Sandbox) Name() string { return s.backend }

func (s *Sandbox) InstanceName() string { return s.name }

func (s *Sandbox) check() error {
	if s == nil || s.driver == nil || s.handle == "" {
		return ErrNotConfigured
	}
	return nil
}

func (s *Sandbox) ExecuteCommand(ctx context.Context, command []string) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.logger.Debug("executing command", "instance", s.name, "command", strings.Join(command, " "))
	code, err := execrelay.Run(ctx, s.driver, s.handle, command, WorkspaceDir, s.output)
	if err != nil {
		if errors.Is(err, execrelay.ErrInvalidArgument) || errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrClient, err)
	}
	return code, nil
}

// ExecuteCommands writes commands as one script and runs it with bash -ex so
// the first failing line stops the script.
func (s *Sandbox) ExecuteCommands(ctx context.Context, commands []string) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	script := "#!/bin/bash\n" + strings.Join(commands, "\n") + "\n"
	scriptPath, err := s.WriteInlineScript(ctx, script)
	if err != nil {
		return 0, err
	}
	return s.ExecuteCommand(ctx, []string{"bash", "-ex", scriptPath})
}

// Upload copies the local directory to SourceDir/<base> inside the instance.
func (s *Sandbox) Upload(ctx context.Context, localPath string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	payload, err := archive.PackDir(localPath, false)
	if err != nil {
		return "", fmt.Errorf("pack %q for upload: %w", localPath, err)
	}
	if err := s.mkdir(ctx, SourceDir); err != nil {
		return "", err
	}
	if err := s.driver.PutArchive(ctx, SourceDir, bytes.NewReader(payload)); err != nil {
		return "", fmt.Errorf("%w: upload %q: %w", ErrClient, localPath, err)
	}
	dest := path.Join(SourceDir, filepath.Base(filepath.Clean(localPath)))
	s.logger.Debug("uploaded directory", "instance", s.name, "local", localPath, "remote", dest, "bytes", len(payload))
	return dest, nil
}

// Download replaces hostPath with the contents of instancePath.
func (s *Sandbox) Download(ctx context.Context, instancePath, hostPath string) error {
	if err := s.check(); err != nil {
		return err
	}
	exists, err := s.driver.Stat(ctx, instancePath)
	if err != nil {
		return fmt.Errorf("%w: stat %q: %w", ErrClient, instancePath, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrResultNotFound, instancePath)
	}

	stream, err := s.driver.GetArchive(ctx, instancePath)
	if err != nil {
		if errors.Is(err, ErrResultNotFound) {
			return err
		}
		return fmt.Errorf("%w: download %q: %w", ErrClient, instancePath, err)
	}
	defer stream.Close()

	hostPath, err = filepath.Abs(hostPath)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", hostPath, err)
	}
	parent := filepath.Dir(hostPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, ".cleanbuild-download-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := archive.Unpack(stream, staging); err != nil {
		return fmt.Errorf("extract %q: %w", instancePath, err)
	}
	extracted := filepath.Join(staging, path.Base(instancePath))
	if _, err := os.Lstat(extracted); err != nil {
		return fmt.Errorf("%w: archive for %s has no entry %q", ErrClient, instancePath, path.Base(instancePath))
	}
	if err := os.RemoveAll(hostPath); err != nil {
		return fmt.Errorf("replace %q: %w", hostPath, err)
	}
	if err := os.Rename(extracted, hostPath); err != nil {
		return fmt.Errorf("move %q into place: %w", hostPath, err)
	}
	s.logger.Debug("downloaded result", "instance", s.name, "remote", instancePath, "local", hostPath)
	return nil
}

func (s *Sandbox) WriteInlineScript(ctx context.Context, content string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	payload, err := archive.PackFile(ScriptPath, content)
	if err != nil {
		return "", err
	}
	if err := s.driver.PutArchive(ctx, path.Dir(ScriptPath), bytes.NewReader(payload)); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrClient, ScriptPath, err)
	}
	return ScriptPath, nil
}

// Shell is best effort: failures are logged and not returned.
func (s *Sandbox) Shell(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.driver.Shell(ctx); err != nil {
		s.logger.Warn("interactive shell failed", "instance", s.name, "err", err)
	}
	return nil
}

// WaitForInstall is a no-op: readiness is established during construction.
func (s *Sandbox) WaitForInstall(context.Context) error {
	return s.check()
}

func (s *Sandbox) Close(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.driver.Remove(ctx); err != nil {
		return fmt.Errorf("%w: remove instance %q: %w", ErrClient, s.name, err)
	}
	s.logger.Debug("removed instance", "instance", s.name)
	return nil
}

// Bootstrap creates the workspace directory. It runs once before the Sandbox
// is handed to callers.
func (s *Sandbox) Bootstrap(ctx context.Context) error {
	return s.mkdir(ctx, WorkspaceDir)
}

func (s *Sandbox) mkdir(ctx context.Context, dir string) error {
	code, err := s.execAt(ctx, []string{"mkdir", "-p", dir}, "/")
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: mkdir -p %s exited with code %d", ErrClient, dir, code)
	}
	return nil
}

// execAt runs outside WorkspaceDir, which may not exist yet.
func (s *Sandbox) execAt(ctx context.Context, command []string, dir string) (int, error) {
	code, err := execrelay.Run(ctx, s.driver, s.handle, command, dir, s.output)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClient, err)
	}
	return code, nil
}
