package libvirt

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
	"sync"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/execrelay"
)

// guestEnv replaces the agent's minimal environment for every command.
var guestEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
	"LANG=C.UTF-8",
	"DEBIAN_FRONTEND=noninteractive",
}

// runInDir is the shell wrapper every guest command runs under: $1 is the
// working directory, the rest is the command. stderr joins stdout.
const runInDir = `cd "$1" || exit 127
shift
exec "$@" 2>&1`

const transferDevicePath = "/dev/sr0"

// extractTransfer mounts the transfer cdrom and unpacks its payload into $1.
// Media changes take a moment to reach the guest kernel.
const extractTransfer = `set -eu
m=$(mktemp -d)
trap 'umount "$m" 2>/dev/null || true; rmdir "$m"' EXIT
i=0
until mount -o ro ` + transferDevicePath + ` "$m" 2>/dev/null; do
  i=$((i + 1))
  if [ "$i" -ge 20 ]; then
    echo "transfer media did not appear in the guest" >&2
    exit 1
  fi
  sleep 0.5
done
tar -xf "$m/` + transferFileName + `" -C "$1"`

// driver implements backend.Driver over the qemu guest agent.
type driver struct {
	name   string
	runDir string
	agent  *agent
	newID  func() string
	// media inserts an ISO into the transfer cdrom, or ejects it when empty.
	media func(isoPath string) error
	shell func(ctx context.Context) error
	stop  func(ctx context.Context) error

	mu    sync.Mutex
	execs map[string]*execSession
}

var _ backend.Driver = (*driver)(nil)

type execSession struct {
	cfg      execrelay.ExecConfig
	started  bool
	done     bool
	exitCode int
}

// run executes cmd in dir and waits for it. The guest agent buffers output
// until the process exits.
func (d *driver) run(ctx context.Context, dir string, cmd []string) (int, []byte, error) {
	args := append([]string{"-c", runInDir, "sh", dir}, cmd...)
	pid, err := d.agent.exec(ctx, execArgs{Path: "/bin/sh", Arg: args, Env: guestEnv, CaptureOutput: true})
	if err != nil {
		return 0, nil, err
	}
	status, err := d.agent.wait(ctx, pid)
	if err != nil {
		return 0, nil, err
	}
	out, err := status.Output()
	if err != nil {
		return 0, nil, err
	}
	return status.Code(), out, nil
}

func (d *driver) CreateExec(_ context.Context, _ string, cfg execrelay.ExecConfig) (string, error) {
	id := backend.NewExecID()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs[id] = &execSession{cfg: cfg}
	return id, nil
}

func (d *driver) lookup(execID string) (*execSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exec, ok := d.execs[execID]
	if !ok {
		return nil, fmt.Errorf("unknown exec %q", execID)
	}
	return exec, nil
}

// StartExec runs the command to completion and returns its captured output.
// The guest agent has no TTY mode, so cfg.TTY is ignored.
func (d *driver) StartExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	exec, err := d.lookup(execID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if exec.started {
		d.mu.Unlock()
		return nil, fmt.Errorf("exec %q already started", execID)
	}
	exec.started = true
	d.mu.Unlock()

	code, out, err := d.run(ctx, exec.cfg.WorkingDir, exec.cfg.Cmd)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	exec.done = true
	exec.exitCode = code
	d.mu.Unlock()
	return io.NopCloser(bytes.NewReader(out)), nil
}

func (d *driver) InspectExec(_ context.Context, execID string) (execrelay.ExecState, error) {
	exec, err := d.lookup(execID)
	if err != nil {
		return execrelay.ExecState{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return execrelay.ExecState{Running: !exec.done, ExitCode: exec.exitCode}, nil
}

// PutArchive hands the payload to the guest on a cdrom image and unpacks it
// there.
func (d *driver) PutArchive(ctx context.Context, dir string, payload io.Reader) (err error) {
	isoPath := filepath.Join(d.runDir, "transfer-"+d.newID()+".iso")
	if err := writeTransferISO(isoPath, payload); err != nil {
		return err
	}
	defer os.Remove(isoPath)

	if err := d.media(isoPath); err != nil {
		return fmt.Errorf("insert transfer media: %w", err)
	}
	defer func() {
		if ejectErr := d.media(""); ejectErr != nil && err == nil {
			err = fmt.Errorf("eject transfer media: %w", ejectErr)
		}
	}()

	code, out, err := d.run(ctx, "/", []string{"sh", "-c", extractTransfer, "sh", dir})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("extract archive into %s exited with code %d: %s", dir, code, strings.TrimSpace(string(out)))
	}
	return nil
}

// GetArchive tars p inside the guest, then reads the tar back through the
// agent into a spool file under the run directory.
func (d *driver) GetArchive(ctx context.Context, p string) (io.ReadCloser, error) {
	guestTar := "/tmp/cleanbuild-" + d.newID() + ".tar"
	code, out, err := d.run(ctx, "/", []string{"tar", "-cf", guestTar, "-C", path.Dir(p), path.Base(p)})
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _, _ = d.run(context.WithoutCancel(ctx), "/", []string{"rm", "-f", guestTar})
	}()
	if code != 0 {
		if exists, statErr := d.Stat(ctx, p); statErr == nil && !exists {
			return nil, fmt.Errorf("%w: %s", backend.ErrResultNotFound, p)
		}
		return nil, fmt.Errorf("archive %s exited with code %d: %s", p, code, strings.TrimSpace(string(out)))
	}

	spool, err := os.CreateTemp(d.runDir, "download-*.tar")
	if err != nil {
		return nil, fmt.Errorf("create download spool: %w", err)
	}
	if err := d.agent.readFile(ctx, guestTar, spool); err != nil {
		return nil, errors.Join(fmt.Errorf("read %s from guest: %w", guestTar, err), closeSpool(spool))
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Join(err, closeSpool(spool))
	}
	return &spoolFile{File: spool}, nil
}

type spoolFile struct {
	*os.File
}

func (s *spoolFile) Close() error {
	return closeSpool(s.File)
}

func closeSpool(f *os.File) error {
	return errors.Join(f.Close(), os.Remove(f.Name()))
}

func (d *driver) Stat(ctx context.Context, p string) (bool, error) {
	code, out, err := d.run(ctx, "/", []string{"test", "-e", p})
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("test -e %s exited with code %d: %s", p, code, strings.TrimSpace(string(out)))
	}
}

// Shell attaches to the guest's serial console, where root is logged in.
func (d *driver) Shell(ctx context.Context) error {
	return d.shell(ctx)
}

func (d *driver) Remove(ctx context.Context) error {
	return d.stop(ctx)
}
