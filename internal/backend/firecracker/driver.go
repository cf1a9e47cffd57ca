package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/execrelay"
	"github.com/buildkite/cleanbuild/internal/vsockexec"
)

const entropySeedBytes = 64

// driver implements backend.Driver against the guest agent. Every operation
// uses its own vsock connection.
type driver struct {
	name    string
	udsPath string
	port    uint32
	env     []string
	dial    dialFunc
	entropy func([]byte) (int, error)
	stop    func(ctx context.Context) error

	mu     sync.Mutex
	execs  map[string]*execSession
	seeded bool
}

var _ backend.Driver = (*driver)(nil)

type execSession struct {
	cfg      execrelay.ExecConfig
	started  bool
	done     bool
	exitCode int
	err      error
}

type session struct {
	conn net.Conn
	enc  *vsockexec.Encoder
	dec  *vsockexec.Decoder
	stop func() bool
}

func (s *session) Close() error {
	s.stop()
	return s.conn.Close()
}

// open dials the guest and sends req. The connection is closed when ctx is
// done so a hung guest cannot block the caller.
func (d *driver) open(ctx context.Context, req vsockexec.Request) (*session, error) {
	conn, err := d.dial(ctx, d.udsPath, d.port)
	if err != nil {
		return nil, fmt.Errorf("dial guest agent: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	s := &session{
		conn: conn,
		enc:  vsockexec.NewEncoder(conn),
		dec:  vsockexec.NewDecoder(conn),
		stop: context.AfterFunc(ctx, func() { _ = conn.Close() }),
	}

	req.EntropySeed = d.takeSeed()
	if err := s.enc.Request(req); err != nil {
		if req.EntropySeed != nil {
			d.mu.Lock()
			d.seeded = false
			d.mu.Unlock()
		}
		_ = s.Close()
		return nil, fmt.Errorf("send %s request: %w", req.Op, err)
	}
	return s, nil
}

// takeSeed returns fresh host entropy for the first request that reaches the
// guest, whose RNG starts nearly empty after boot.
func (d *driver) takeSeed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seeded {
		return nil
	}
	seed := make([]byte, entropySeedBytes)
	if _, err := d.entropy(seed); err != nil {
		return nil
	}
	d.seeded = true
	return seed
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

	s, err := d.open(ctx, vsockexec.Request{
		Op:      vsockexec.OpExec,
		Command: exec.cfg.Cmd,
		Dir:     exec.cfg.WorkingDir,
		Env:     d.env,
		TTY:     exec.cfg.TTY,
	})
	if err != nil {
		return nil, err
	}
	return &execStream{session: s, frames: s.dec.Stream(vsockexec.FrameOutput), exec: exec, mu: &d.mu}, nil
}

func (d *driver) InspectExec(_ context.Context, execID string) (execrelay.ExecState, error) {
	exec, err := d.lookup(execID)
	if err != nil {
		return execrelay.ExecState{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// A finished exec is reported once.
	if exec.done || exec.err != nil {
		delete(d.execs, execID)
	}
	if exec.err != nil {
		return execrelay.ExecState{}, exec.err
	}
	return execrelay.ExecState{Running: !exec.done, ExitCode: exec.exitCode}, nil
}

// execStream relays output frames and records the exit frame that ends them.
type execStream struct {
	*session
	frames *vsockexec.FrameReader
	exec   *execSession
	mu     *sync.Mutex
}

func (s *execStream) Read(p []byte) (int, error) {
	n, err := s.frames.Read(p)
	if err != nil {
		s.finish(err)
	}
	return n, err
}

func (s *execStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec.done || s.exec.err != nil {
		return
	}
	frame, ok := s.frames.Terminal()
	switch {
	case ok && frame.Type == vsockexec.FrameExit:
		s.exec.done = true
		s.exec.exitCode = frame.ExitCode
	case errors.Is(err, io.EOF):
		s.exec.err = fmt.Errorf("exec stream ended with %q frame", frame.Type)
	default:
		s.exec.err = err
	}
}

func (s *execStream) Close() error {
	s.finish(errors.New("exec stream closed before the command exited"))
	return s.session.Close()
}

func (d *driver) PutArchive(ctx context.Context, dir string, payload io.Reader) error {
	s, err := d.open(ctx, vsockexec.Request{Op: vsockexec.OpPutArchive, Path: dir})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.enc.WriteArchive(payload); err != nil {
		return err
	}
	frame, err := s.dec.Frame()
	if err != nil {
		return fmt.Errorf("read put_archive result: %w", err)
	}
	switch frame.Type {
	case vsockexec.FrameExit:
		if frame.ExitCode != 0 {
			return fmt.Errorf("put_archive into %s exited with code %d", dir, frame.ExitCode)
		}
		return nil
	case vsockexec.FrameError:
		return &vsockexec.RemoteError{Message: frame.Error, NotFound: frame.NotFound}
	default:
		return fmt.Errorf("unexpected %q frame after put_archive", frame.Type)
	}
}

func (d *driver) GetArchive(ctx context.Context, p string) (io.ReadCloser, error) {
	s, err := d.open(ctx, vsockexec.Request{Op: vsockexec.OpGetArchive, Path: p})
	if err != nil {
		return nil, err
	}
	ar, err := s.dec.ArchiveReader()
	if err != nil {
		_ = s.Close()
		return nil, mapNotFound(err, p)
	}
	return &archiveStream{session: s, archive: ar, path: p}, nil
}

type archiveStream struct {
	*session
	archive *vsockexec.ArchiveReader
	path    string
}

func (a *archiveStream) Read(p []byte) (int, error) {
	n, err := a.archive.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = mapNotFound(err, a.path)
	}
	return n, err
}

func (a *archiveStream) Close() error {
	a.archive.Close()
	return a.session.Close()
}

func mapNotFound(err error, p string) error {
	if errors.Is(err, vsockexec.ErrNotFound) {
		return fmt.Errorf("%w: %s", backend.ErrResultNotFound, p)
	}
	return err
}

func (d *driver) Stat(ctx context.Context, p string) (bool, error) {
	s, err := d.open(ctx, vsockexec.Request{Op: vsockexec.OpStat, Path: p})
	if err != nil {
		return false, err
	}
	defer s.Close()

	frame, err := s.dec.Frame()
	if err != nil {
		return false, fmt.Errorf("read stat result: %w", err)
	}
	switch frame.Type {
	case vsockexec.FrameStat:
		return frame.Exists, nil
	case vsockexec.FrameError:
		return false, &vsockexec.RemoteError{Message: frame.Error, NotFound: frame.NotFound}
	default:
		return false, fmt.Errorf("unexpected %q frame after stat", frame.Type)
	}
}

// Shell is unavailable: the guest agent protocol carries no stdin.
func (d *driver) Shell(context.Context) error {
	return fmt.Errorf("interactive shells are not supported by the %s backend; inspect %s with a build step instead", Name, d.name)
}

func (d *driver) Remove(ctx context.Context) error {
	return d.stop(ctx)
}
