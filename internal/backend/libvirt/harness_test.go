package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/bootassets"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/buildkite/cleanbuild/internal/statuswait"
	"github.com/kdomanski/iso9660"
)

// fakeDomain is a guest whose agent runs commands against a host directory
// standing in for the guest filesystem.
type fakeDomain struct {
	root string

	mu           sync.Mutex
	state        string
	persistent   bool
	destroyed    int
	undefined    int
	freed        int
	cdrom        string
	pingFailures int
	crashOnPing  bool
	exitCodes    map[string]int
	signals      map[string]int
	truncate     bool
	readChunk    int
	execs        []execArgs
	nextPID      int
	results      map[int]execStatus
	polled       map[int]bool
	files        map[int]*os.File
	nextHandle   int
}

func newFakeDomain(t *testing.T) *fakeDomain {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		t.Fatalf("create guest tmp: %v", err)
	}
	return &fakeDomain{
		root:      root,
		state:     "running",
		exitCodes: map[string]int{},
		signals:   map[string]int{},
		readChunk: 4096,
		results:   map[int]execStatus{},
		polled:    map[int]bool{},
		files:     map[int]*os.File{},
		nextPID:   100,
	}
}

func (g *fakeDomain) path(p string) string {
	return filepath.Join(g.root, filepath.FromSlash(p))
}

func (g *fakeDomain) State() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == "gone" {
		return "shutoff", nil
	}
	return g.state, nil
}

func (g *fakeDomain) Persistent() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.persistent, nil
}

func (g *fakeDomain) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed++
	if g.persistent {
		g.state = "shutoff"
	} else {
		g.state = "gone"
	}
	return nil
}

func (g *fakeDomain) Undefine() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.undefined++
	g.state = "gone"
	return nil
}

func (g *fakeDomain) Free() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.freed++
	return nil
}

func (g *fakeDomain) UpdateDevice(def string) error {
	var disk struct {
		Device string `xml:"device,attr"`
		Source struct {
			File string `xml:"file,attr"`
		} `xml:"source"`
	}
	if err := xml.Unmarshal([]byte(def), &disk); err != nil {
		return err
	}
	if disk.Device != "cdrom" {
		return fmt.Errorf("unexpected device %q", disk.Device)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cdrom = disk.Source.File
	return nil
}

func (g *fakeDomain) AgentCommand(cmd string, _ time.Duration) (string, error) {
	var req struct {
		Execute   string          `json:"execute"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(cmd), &req); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch req.Execute {
	case "guest-ping":
		if g.crashOnPing {
			g.state = "crashed"
		}
		if g.pingFailures > 0 {
			g.pingFailures--
			return "", errors.New("guest agent is not connected")
		}
		return `{"return":{}}`, nil
	case "guest-exec":
		var args execArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		g.execs = append(g.execs, args)
		g.nextPID++
		g.results[g.nextPID] = g.execute(args)
		return fmt.Sprintf(`{"return":{"pid":%d}}`, g.nextPID), nil
	case "guest-exec-status":
		var args struct{ PID int }
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		status, ok := g.results[args.PID]
		if !ok {
			return "", fmt.Errorf("pid %d does not exist", args.PID)
		}
		if !g.polled[args.PID] {
			g.polled[args.PID] = true
			return `{"return":{"exited":false}}`, nil
		}
		return marshalReturn(status)
	case "guest-file-open":
		var args struct{ Path, Mode string }
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		f, err := os.Open(g.path(args.Path))
		if err != nil {
			return "", err
		}
		g.nextHandle++
		g.files[g.nextHandle] = f
		return fmt.Sprintf(`{"return":%d}`, g.nextHandle), nil
	case "guest-file-read":
		var args struct{ Handle, Count int }
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		f := g.files[args.Handle]
		buf := make([]byte, min(args.Count, g.readChunk))
		n, err := io.ReadFull(f, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return "", err
		}
		return marshalReturn(fileRead{Count: n, BufB64: base64.StdEncoding.EncodeToString(buf[:n]), EOF: eof})
	case "guest-file-close":
		var args struct{ Handle int }
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return "", err
		}
		f := g.files[args.Handle]
		delete(g.files, args.Handle)
		return `{"return":{}}`, f.Close()
	default:
		return "", fmt.Errorf("unsupported agent command %q", req.Execute)
	}
}

func marshalReturn(v any) (string, error) {
	b, err := json.Marshal(map[string]any{"return": v})
	return string(b), err
}

// execute emulates the guest side of the commands the driver sends. Every
// command arrives wrapped as /bin/sh -c runInDir sh <dir> <cmd...>.
func (g *fakeDomain) execute(args execArgs) execStatus {
	cmd := args.Arg[4:]
	code, out := 0, ""
	switch cmd[0] {
	case "mkdir":
		if err := os.MkdirAll(g.path(cmd[len(cmd)-1]), 0o755); err != nil {
			code, out = 1, err.Error()
		}
	case "test":
		if _, err := os.Lstat(g.path(cmd[2])); err != nil {
			code = 1
		}
	case "rm":
		_ = os.Remove(g.path(cmd[len(cmd)-1]))
	case "tar":
		// tar -cf <out> -C <dir> <base>
		src := path.Join(cmd[4], cmd[5])
		if _, err := os.Lstat(g.path(src)); err != nil {
			code, out = 2, "tar: "+cmd[5]+": Cannot stat: No such file or directory"
			break
		}
		if err := g.tarInto(g.path(cmd[2]), g.path(src)); err != nil {
			code, out = 2, err.Error()
		}
	case "sh":
		if err := g.extractTransfer(cmd[4]); err != nil {
			code, out = 1, err.Error()
		}
	default:
		code = g.exitCodes[cmd[0]]
		out = "ran " + strings.Join(cmd, " ") + "\n"
	}
	status := execStatus{Exited: true, OutData: base64.StdEncoding.EncodeToString([]byte(out)), OutTruncated: g.truncate}
	if sig, ok := g.signals[cmd[0]]; ok {
		status.Signal = &sig
	} else {
		status.ExitCode = &code
	}
	return status
}

func (g *fakeDomain) tarInto(dst, src string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	return archive.WritePath(f, src)
}

func (g *fakeDomain) extractTransfer(dir string) error {
	if g.cdrom == "" {
		return errors.New("transfer media did not appear in the guest")
	}
	f, err := os.Open(g.cdrom)
	if err != nil {
		return err
	}
	defer f.Close()
	image, err := iso9660.OpenImage(f)
	if err != nil {
		return err
	}
	root, err := image.RootDir()
	if err != nil {
		return err
	}
	children, err := root.GetChildren()
	if err != nil {
		return err
	}
	for _, child := range children {
		if strings.EqualFold(strings.TrimSuffix(child.Name(), "."), transferFileName) {
			return archive.Unpack(child.Reader(), g.path(dir))
		}
	}
	return errors.New("payload missing from transfer media")
}

// commands returns the unwrapped guest commands in order.
func (g *fakeDomain) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, args := range g.execs {
		out = append(out, strings.Join(args.Arg[4:], " "))
	}
	return out
}

type fakeConn struct {
	mu         sync.Mutex
	domains    map[string]*fakeDomain
	next       *fakeDomain
	created    []string
	gateway    netip.Addr
	gatewayErr error
	createErr  error
	closed     int
}

func (c *fakeConn) LookupDomain(name string) (domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errDomainNotFound, name)
	}
	d.mu.Lock()
	gone := d.state == "gone"
	d.mu.Unlock()
	if gone {
		return nil, fmt.Errorf("%w: %s", errDomainNotFound, name)
	}
	return d, nil
}

func (c *fakeConn) CreateDomain(def string) (domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	var parsed struct {
		Name string `xml:"name"`
	}
	if err := xml.Unmarshal([]byte(def), &parsed); err != nil {
		return nil, err
	}
	c.created = append(c.created, def)
	c.domains[parsed.Name] = c.next
	return c.next, nil
}

func (c *fakeConn) NetworkGateway(string) (netip.Addr, error) {
	return c.gateway, c.gatewayErr
}

func (c *fakeConn) Version() (string, error) { return "10.0.0", nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

type fakeImages struct {
	path     string
	err      error
	releases []string
	forced   []bool
}

func (f *fakeImages) EnsureCloudImage(_ context.Context, release, goarch string, force bool) (bootassets.EnsureResult, error) {
	f.releases = append(f.releases, release+"/"+goarch)
	f.forced = append(f.forced, force)
	if f.err != nil {
		return bootassets.EnsureResult{}, f.err
	}
	return bootassets.EnsureResult{Path: f.path}, nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

type harness struct {
	factory    *Factory
	guest      *fakeDomain
	conn       *fakeConn
	images     *fakeImages
	runBase    string
	toolCalls  [][]string
	seeds      map[string][]byte
	seedStops  int
	uris       []string
	connectErr error
	consoles   []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	base := t.TempDir()
	cloudImage := filepath.Join(base, "ubuntu-22.04-server-cloudimg-amd64.img")
	if err := os.WriteFile(cloudImage, []byte("qcow2"), 0o644); err != nil {
		t.Fatalf("write cloud image: %v", err)
	}
	h := &harness{
		guest:   newFakeDomain(t),
		images:  &fakeImages{path: cloudImage},
		runBase: filepath.Join(base, "runs"),
	}
	h.conn = &fakeConn{
		domains: map[string]*fakeDomain{},
		next:    h.guest,
		gateway: netip.MustParseAddr("192.168.122.1"),
	}

	f := NewFactory(opts)
	f.goos = "linux"
	f.hostArch = func() (recipe.Arch, error) { return recipe.Arch{Debian: "amd64", Machine: "x86_64"}, nil }
	f.connect = func(uri string) (connection, error) {
		h.uris = append(h.uris, uri)
		if h.connectErr != nil {
			return nil, h.connectErr
		}
		return h.conn, nil
	}
	f.resolveTool = func(binary string) (string, error) { return "/usr/bin/" + binary, nil }
	f.runDir = func(name string) (string, error) { return filepath.Join(h.runBase, name), nil }
	f.images = h.images
	f.runTool = func(_ context.Context, binary string, args ...string) ([]byte, error) {
		h.toolCalls = append(h.toolCalls, append([]string{binary}, args...))
		switch args[0] {
		case "info":
			return []byte(`{"format":"qcow2","virtual-size":2361393152}`), nil
		case "create":
			return nil, os.WriteFile(args[len(args)-2], []byte("overlay"), 0o644)
		}
		return nil, fmt.Errorf("unexpected qemu-img call %v", args)
	}
	f.serveSeed = func(addr netip.Addr, files map[string][]byte) (string, func(), error) {
		h.seeds = files
		return "http://" + addr.String() + ":8123/", func() { h.seedStops++ }, nil
	}
	ids := 0
	f.newID = func() string {
		ids++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", ids)
	}
	f.console = func(_ context.Context, virsh, uri, name string) error {
		h.consoles = append(h.consoles, strings.Join([]string{virsh, uri, name}, " "))
		return nil
	}
	f.agentSleep = func(context.Context, time.Duration) error { return nil }
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
