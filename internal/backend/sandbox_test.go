package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/execrelay"
)

// fakeDriver maps instance paths onto a host directory.
type fakeDriver struct {
	root     string
	codes    map[string]int
	execs    []execrelay.ExecConfig
	shellErr error
	shells   int
	removed  int
}

func newFakeDriver(codes map[string]int) *fakeDriver {
	return &fakeDriver{codes: codes}
}

func (d *fakeDriver) hostPath(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(p))
}

func (d *fakeDriver) CreateExec(_ context.Context, _ string, cfg execrelay.ExecConfig) (string, error) {
	d.execs = append(d.execs, cfg)
	return fmt.Sprintf("exec-%d", len(d.execs)-1), nil
}

func (d *fakeDriver) StartExec(_ context.Context, execID string) (io.ReadCloser, error) {
	cfg := d.lookup(execID)
	if d.root != "" && len(cfg.Cmd) == 3 && cfg.Cmd[0] == "mkdir" {
		if err := os.MkdirAll(d.hostPath(cfg.Cmd[2]), 0o755); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader("ran " + strings.Join(cfg.Cmd, " ") + "\n")), nil
}

func (d *fakeDriver) InspectExec(_ context.Context, execID string) (execrelay.ExecState, error) {
	cfg := d.lookup(execID)
	return execrelay.ExecState{ExitCode: d.codes[strings.Join(cfg.Cmd, " ")]}, nil
}

func (d *fakeDriver) lookup(execID string) execrelay.ExecConfig {
	var idx int
	fmt.Sscanf(execID, "exec-%d", &idx)
	return d.execs[idx]
}

func (d *fakeDriver) PutArchive(_ context.Context, dir string, payload io.Reader) error {
	target := d.hostPath(dir)
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("put archive: %w", err)
	}
	return archive.Unpack(payload, target)
}

func (d *fakeDriver) GetArchive(_ context.Context, p string) (io.ReadCloser, error) {
	payload, err := archive.PackDir(d.hostPath(p), false)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (d *fakeDriver) Stat(_ context.Context, p string) (bool, error) {
	_, err := os.Lstat(d.hostPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *fakeDriver) Shell(context.Context) error {
	d.shells++
	return d.shellErr
}

func (d *fakeDriver) Remove(context.Context) error {
	d.removed++
	return nil
}

func newTestSandbox(t *testing.T, codes map[string]int) (*Sandbox, *fakeDriver) {
	t.Helper()
	driver := newFakeDriver(codes)
	driver.root = t.TempDir()
	if err := os.MkdirAll(driver.hostPath("/tmp"), 0o755); err != nil {
		t.Fatalf("create fake /tmp: %v", err)
	}
	sandbox := NewSandbox("fake", "cleanbuild-test", "container-id", driver, nil)
	if err := sandbox.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap returned error: %v", err)
	}
	return sandbox, driver
}

func TestSandboxBootstrapCreatesWorkspace(t *testing.T) {
	t.Parallel()

	_, driver := newTestSandbox(t, nil)
	info, err := os.Stat(driver.hostPath(WorkspaceDir))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected %s to exist, err=%v", WorkspaceDir, err)
	}
	if got, want := driver.execs[0].WorkingDir, "/"; got != want {
		t.Fatalf("unexpected bootstrap working dir: got %q want %q", got, want)
	}
}

func TestSandboxBootstrapFailsOnNonZeroExit(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver(map[string]int{"mkdir -p /ws": 1})
	sandbox := NewSandbox("fake", "cleanbuild-test", "container-id", driver, nil)
	if err := sandbox.Bootstrap(context.Background()); !errors.Is(err, ErrClient) {
		t.Fatalf("expected ErrClient, got %v", err)
	}
}

func TestSandboxExecuteCommandUsesWorkspace(t *testing.T) {
	t.Parallel()

	sandbox, driver := newTestSandbox(t, map[string]int{"false": 1})
	code, err := sandbox.ExecuteCommand(context.Background(), []string{"false"})
	if err != nil {
		t.Fatalf("ExecuteCommand returned error: %v", err)
	}
	if code != 1 {
		t.Fatalf("unexpected exit code: got %d want 1", code)
	}
	last := driver.execs[len(driver.execs)-1]
	if got, want := last.WorkingDir, WorkspaceDir; got != want {
		t.Fatalf("unexpected working dir: got %q want %q", got, want)
	}
}

func TestSandboxExecuteCommandsRunsScript(t *testing.T) {
	t.Parallel()

	sandbox, driver := newTestSandbox(t, map[string]int{"bash -ex /tmp/script": 3})
	code, err := sandbox.ExecuteCommands(context.Background(), []string{"rosdep update", "colcon build"})
	if err != nil {
		t.Fatalf("ExecuteCommands returned error: %v", err)
	}
	if code != 3 {
		t.Fatalf("unexpected exit code: got %d want 3", code)
	}
	script, err := os.ReadFile(driver.hostPath(ScriptPath))
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if got, want := string(script), "#!/bin/bash\nrosdep update\ncolcon build\n"; got != want {
		t.Fatalf("unexpected script: got %q want %q", got, want)
	}
}

func TestSandboxUploadAndDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	sandbox, driver := newTestSandbox(t, nil)

	pkg := filepath.Join(t.TempDir(), "talker")
	if err := os.MkdirAll(filepath.Join(pkg, "src"), 0o755); err != nil {
		t.Fatalf("create package: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "src", "talker.cpp"), []byte("// talker"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	remote, err := sandbox.Upload(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if got, want := remote, "/ws/src/talker"; got != want {
		t.Fatalf("unexpected remote path: got %q want %q", got, want)
	}
	if _, err := os.Stat(driver.hostPath("/ws/src/talker/src/talker.cpp")); err != nil {
		t.Fatalf("expected uploaded file in instance: %v", err)
	}

	hostDest := filepath.Join(t.TempDir(), "out", "talker_copy")
	if err := os.MkdirAll(hostDest, 0o755); err != nil {
		t.Fatalf("seed destination: %v", err)
	}
	if err := os.WriteFile(filepath.Join(hostDest, "stale.txt"), []byte("old"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	if err := sandbox.Download(context.Background(), remote, hostDest); err != nil {
		t.Fatalf("Download returned error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(hostDest, "src", "talker.cpp"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != "// talker" {
		t.Fatalf("unexpected downloaded content: %q", got)
	}
	if _, err := os.Stat(filepath.Join(hostDest, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected destination to be replaced, stat err=%v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(hostDest))
	if err != nil {
		t.Fatalf("read parent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected staging directory to be cleaned up, found %d entries", len(entries))
	}
}

func TestSandboxDownloadMissingPath(t *testing.T) {
	t.Parallel()

	sandbox, _ := newTestSandbox(t, nil)
	err := sandbox.Download(context.Background(), "/ws/install", filepath.Join(t.TempDir(), "install"))
	if !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestSandboxUploadRejectsFile(t *testing.T) {
	t.Parallel()

	sandbox, _ := newTestSandbox(t, nil)
	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := sandbox.Upload(context.Background(), file); !errors.Is(err, archive.ErrNotADirectory) {
		t.Fatalf("expected ErrNotADirectory, got %v", err)
	}
}

func TestSandboxShellFailureIsNotPropagated(t *testing.T) {
	t.Parallel()

	sandbox, driver := newTestSandbox(t, nil)
	driver.shellErr = errors.New("no tty")
	if err := sandbox.Shell(context.Background()); err != nil {
		t.Fatalf("expected shell failure to be swallowed, got %v", err)
	}
	if driver.shells != 1 {
		t.Fatalf("expected one shell attempt, got %d", driver.shells)
	}
}

func TestSandboxUnconfiguredOperationsFail(t *testing.T) {
	t.Parallel()

	sandbox := NewSandbox("fake", "cleanbuild-test", "", nil, nil)
	if _, err := sandbox.ExecuteCommand(context.Background(), []string{"true"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := sandbox.WriteInlineScript(context.Background(), "true"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := sandbox.Close(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSandboxCloseRemovesInstance(t *testing.T) {
	t.Parallel()

	sandbox, driver := newTestSandbox(t, nil)
	if err := sandbox.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if driver.removed != 1 {
		t.Fatalf("expected one removal, got %d", driver.removed)
	}
}
