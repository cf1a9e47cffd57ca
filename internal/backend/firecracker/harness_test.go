package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/bootassets"
	"github.com/buildkite/cleanbuild/internal/imagemgr"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/buildkite/cleanbuild/internal/statuswait"
	"github.com/buildkite/cleanbuild/internal/vsockexec"
)

// fakeGuest answers guest agent requests against a host directory standing
// in for the guest filesystem.
type fakeGuest struct {
	root string

	mu        sync.Mutex
	requests  []vsockexec.Request
	exitCodes map[string]int
	failDials int
}

func newFakeGuest(t *testing.T) *fakeGuest {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		t.Fatalf("create guest tmp: %v", err)
	}
	return &fakeGuest{root: root, exitCodes: map[string]int{}}
}

func (g *fakeGuest) path(p string) string {
	return filepath.Join(g.root, filepath.FromSlash(p))
}

func (g *fakeGuest) dial(context.Context, string, uint32) (net.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failDials > 0 {
		g.failDials--
		return nil, errors.New("connection refused")
	}
	host, guest := net.Pipe()
	go g.serve(guest)
	return host, nil
}

func (g *fakeGuest) serve(conn net.Conn) {
	defer conn.Close()
	dec := vsockexec.NewDecoder(conn)
	enc := vsockexec.NewEncoder(conn)
	req, err := dec.Request()
	if err != nil {
		return
	}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	code := 0
	if len(req.Command) > 0 {
		code = g.exitCodes[req.Command[0]]
	}
	g.mu.Unlock()

	switch req.Op {
	case vsockexec.OpStat:
		_, err := os.Lstat(g.path(req.Path))
		_ = enc.Frame(vsockexec.Frame{Type: vsockexec.FrameStat, Exists: err == nil})
	case vsockexec.OpExec:
		if req.Command[0] == "mkdir" {
			_ = os.MkdirAll(g.path(req.Command[len(req.Command)-1]), 0o755)
		}
		fmt.Fprintf(enc.Writer(vsockexec.FrameOutput), "ran %s\n", strings.Join(req.Command, " "))
		_ = enc.Frame(vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: code})
	case vsockexec.OpPutArchive:
		ar, err := dec.ArchiveReader()
		if err != nil {
			return
		}
		defer ar.Close()
		if err := archive.Unpack(ar, g.path(req.Path)); err != nil {
			_ = enc.Frame(vsockexec.Frame{Type: vsockexec.FrameError, Error: err.Error()})
			return
		}
		if err := ar.Finish(); err != nil {
			return
		}
		_ = enc.Frame(vsockexec.Frame{Type: vsockexec.FrameExit})
	case vsockexec.OpGetArchive:
		p := g.path(req.Path)
		if _, err := os.Lstat(p); err != nil {
			_ = enc.Frame(vsockexec.Frame{Type: vsockexec.FrameError, Error: err.Error(), NotFound: true})
			return
		}
		pr, pw := io.Pipe()
		go func() { pw.CloseWithError(archive.WritePath(pw, p)) }()
		_ = enc.WriteArchive(pr)
	}
}

func (g *fakeGuest) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, req := range g.requests {
		if req.Op == vsockexec.OpExec {
			out = append(out, strings.Join(req.Command, " "))
		}
	}
	return out
}

func (g *fakeGuest) allRequests() []vsockexec.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]vsockexec.Request(nil), g.requests...)
}

type fakeVMM struct {
	mu       sync.Mutex
	nextPID  int
	running  map[int]bool
	started  [][]string
	killed   []int
	startErr error
	crash    bool // started VMs exit immediately
}

func newFakeVMM() *fakeVMM {
	return &fakeVMM{nextPID: 4000, running: map[int]bool{}}
}

func (v *fakeVMM) Start(binary string, args []string, logPath string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.startErr != nil {
		return 0, v.startErr
	}
	if err := os.WriteFile(logPath, []byte("booting\n"), 0o644); err != nil {
		return 0, err
	}
	v.nextPID++
	v.started = append(v.started, append([]string{binary}, args...))
	v.running[v.nextPID] = !v.crash
	return v.nextPID, nil
}

func (v *fakeVMM) Running(pid int, _ string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running[pid]
}

func (v *fakeVMM) Kill(pid int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running[pid] = false
	v.killed = append(v.killed, pid)
	return nil
}

type fakeImages struct {
	record imagemgr.Record
	err    error
	refs   []string
	forced []bool
}

func (f *fakeImages) Ensure(_ context.Context, ref string, force bool) (imagemgr.EnsureResult, error) {
	f.refs = append(f.refs, ref)
	f.forced = append(f.forced, force)
	if f.err != nil {
		return imagemgr.EnsureResult{}, f.err
	}
	rec := f.record
	rec.Ref = ref
	return imagemgr.EnsureResult{Record: rec}, nil
}

type fakeKernels struct {
	path string
	err  error
}

func (f fakeKernels) ResolveKernelPath(context.Context, string, string) (bootassets.ResolveResult, error) {
	return bootassets.ResolveResult{Path: f.path}, f.err
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

type harness struct {
	factory *Factory
	guest   *fakeGuest
	vmm     *fakeVMM
	images  *fakeImages
	runBase string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	base := t.TempDir()
	imagePath := filepath.Join(base, "image.ext4")
	if err := os.WriteFile(imagePath, []byte("ext4 image"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	h := &harness{
		guest:   newFakeGuest(t),
		vmm:     newFakeVMM(),
		images:  &fakeImages{record: imagemgr.Record{Digest: "sha256:" + strings.Repeat("a", 64), RootFSPath: imagePath, Env: []string{"PATH=/usr/bin:/bin"}}},
		runBase: filepath.Join(base, "runs"),
	}

	f := NewFactory(opts)
	f.goos = "linux"
	f.checkKVM = func() error { return nil }
	f.hostArch = func() (recipe.Arch, error) { return recipe.Arch{Debian: "amd64", Machine: "x86_64"}, nil }
	f.resolveTool = func(binary string) (string, error) { return "/usr/bin/" + binary, nil }
	f.runDir = func(name string) (string, error) { return filepath.Join(h.runBase, name), nil }
	f.images = func(recipe.Arch) (imageEnsurer, error) { return h.images, nil }
	f.kernels = fakeKernels{path: filepath.Join(base, "vmlinux")}
	f.guestAgent = func(string, string) (string, error) { return filepath.Join(base, "agent"), nil }
	f.prepare = func(_ context.Context, baseImage, dst, _ string) error { return copyFile(baseImage, dst) }
	f.vmm = h.vmm
	f.dial = h.guest.dial
	f.entropy = func(b []byte) (int, error) {
		for i := range b {
			b[i] = 7
		}
		return len(b), nil
	}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.waiter = statuswait.Waiter{Interval: time.Second, Now: clock.Now, Sleep: clock.Sleep}
	h.factory = f
	return h
}

func (h *harness) runDir(name string) string {
	return filepath.Join(h.runBase, name)
}

func testRequest() backend.Request {
	return backend.Request{InstanceName: "cleanbuild-ws", ROSDistro: "humble", UbuntuRelease: "jammy"}
}
