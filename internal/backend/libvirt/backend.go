// Package libvirt provides build instances as KVM guests managed by libvirt.
// Guests boot from a copy-on-write overlay of an Ubuntu cloud image and are
// driven through the qemu guest agent.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/bootassets"
	"github.com/buildkite/cleanbuild/internal/hosttools"
	"github.com/buildkite/cleanbuild/internal/paths"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/buildkite/cleanbuild/internal/statuswait"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/term"
)

const (
	Name = "libvirt"

	defaultURI           = "qemu:///system"
	defaultNetwork       = "default"
	defaultVCPUs         = 2
	defaultMemoryMiB     = 4096
	defaultDiskSizeGiB   = 20
	defaultLaunchSeconds = 600

	stopTimeout   = 30 * time.Second
	pingTimeout   = 5 * time.Second
	overlayName   = "disk.qcow2"
	domainXMLName = "domain.xml"
)

// Flags are the libvirt-specific construction arguments.
type Flags struct {
	Image         string `name:"libvirt-image" help:"Base disk image for the guest (default: Ubuntu cloud image for the distro's release)." placeholder:"PATH"`
	ForceDownload bool   `name:"libvirt-force-download" help:"Download the Ubuntu cloud image again even when it is cached."`
	URI           string `name:"libvirt-uri" help:"libvirt connection URI." placeholder:"URI"`
}

type Options struct {
	ConnectionURI string
	Image         string
	Network       string
	VCPUs         int64
	MemoryMiB     int64
	DiskSizeGiB   int64
	LaunchSeconds int64
	Bootstrap     bool
}

type cloudImages interface {
	EnsureCloudImage(ctx context.Context, release, goarch string, force bool) (bootassets.EnsureResult, error)
}

type seedServer func(addr netip.Addr, files map[string][]byte) (url string, stop func(), err error)

type Factory struct {
	opts  Options
	flags Flags

	goos        string
	hostArch    func() (recipe.Arch, error)
	connect     func(uri string) (connection, error)
	resolveTool func(binary string) (string, error)
	runDir      func(instanceName string) (string, error)
	images      cloudImages
	runTool     toolRunner
	serveSeed   seedServer
	newID       func() string
	console     func(ctx context.Context, virsh, uri, name string) error
	agentSleep  func(ctx context.Context, d time.Duration) error
	waiter      statuswait.Waiter
}

func NewFactory(opts Options) *Factory {
	if opts.ConnectionURI == "" {
		opts.ConnectionURI = defaultURI
	}
	if opts.Network == "" {
		opts.Network = defaultNetwork
	}
	if opts.VCPUs <= 0 {
		opts.VCPUs = defaultVCPUs
	}
	if opts.MemoryMiB <= 0 {
		opts.MemoryMiB = defaultMemoryMiB
	}
	if opts.DiskSizeGiB <= 0 {
		opts.DiskSizeGiB = defaultDiskSizeGiB
	}
	if opts.LaunchSeconds <= 0 {
		opts.LaunchSeconds = defaultLaunchSeconds
	}
	return &Factory{
		opts:        opts,
		goos:        runtime.GOOS,
		hostArch:    recipe.HostArch,
		connect:     connect,
		resolveTool: hosttools.Resolve,
		runDir:      paths.InstanceRunDir,
		images:      bootassets.New(bootassets.Options{}),
		runTool:     runTool,
		serveSeed:   serveSeed,
		newID:       uuid.NewString,
		console:     attachConsole,
		agentSleep:  sleepContext,
	}
}

func (f *Factory) Name() string { return Name }

func (f *Factory) Flags() any { return &f.flags }

func (f *Factory) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityVMIsolation:    true,
		backend.CapabilityImageCache:     true,
		backend.CapabilityCustomImage:    true,
		backend.CapabilityGuestBootstrap: true,
	}
}

func (f *Factory) uri() string {
	if uri := strings.TrimSpace(f.flags.URI); uri != "" {
		return uri
	}
	return f.opts.ConnectionURI
}

// New removes any domain left behind under the instance name, boots a fresh
// guest from an overlay of the base image and waits for its guest agent.
func (f *Factory) New(ctx context.Context, req backend.Request) (backend.Provider, error) {
	logger := req.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("backend", Name)

	if f.goos != "linux" {
		return nil, fmt.Errorf("%w: libvirt backend is linux-only, current OS is %s", backend.ErrHostUnsupported, f.goos)
	}
	if req.InstanceName == "" {
		return nil, fmt.Errorf("%w: missing instance name", backend.ErrNotConfigured)
	}
	arch, err := f.hostArch()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrHostUnsupported, err)
	}
	mach, err := machineFor(arch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrHostUnsupported, err)
	}
	qemuImg, err := f.resolveTool("qemu-img")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrClientInit, err)
	}
	conn, err := f.connect(f.uri())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrClientInit, err)
	}
	closeConn := func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close libvirt connection", "err", err)
		}
	}

	runDir, err := f.runDir(req.InstanceName)
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("%w: resolve run directory: %w", backend.ErrClientInit, err)
	}
	if err := f.evict(ctx, conn, req.InstanceName, runDir, logger); err != nil {
		closeConn()
		return nil, err
	}
	base, err := f.baseImage(ctx, arch, req, logger)
	if err != nil {
		closeConn()
		return nil, err
	}
	gateway, err := conn.NetworkGateway(f.opts.Network)
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("%w: %w", backend.ErrNotConfigured, err)
	}

	drv := &driver{
		name:   req.InstanceName,
		runDir: runDir,
		newID:  f.newID,
		execs:  make(map[string]*execSession),
	}
	var dom domain
	drv.stop = func(ctx context.Context) error {
		defer closeConn()
		return f.stop(ctx, conn, dom, req.InstanceName, runDir)
	}
	fail := func(err error) (backend.Provider, error) {
		if stopErr := drv.Remove(context.WithoutCancel(ctx)); stopErr != nil {
			logger.Warn("failed to remove guest after setup error", "instance", req.InstanceName, "err", stopErr)
		}
		return nil, err
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fail(fmt.Errorf("%w: create run directory: %w", backend.ErrClient, err))
	}
	overlay := filepath.Join(runDir, overlayName)
	if err := createOverlay(ctx, f.runTool, qemuImg, base, overlay, f.opts.DiskSizeGiB); err != nil {
		return fail(fmt.Errorf("%w: %w", backend.ErrClient, err))
	}

	instanceID := f.newID()
	seed, err := seedFiles(req.InstanceName, instanceID, mach.console)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", backend.ErrClient, err))
	}
	seedURL, stopSeed, err := f.serveSeed(gateway, seed)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", backend.ErrClient, err))
	}
	defer stopSeed()

	def, err := renderDomain(domainSpec{
		Name:        req.InstanceName,
		UUID:        instanceID,
		MemoryMiB:   f.opts.MemoryMiB,
		VCPUs:       f.opts.VCPUs,
		SeedSerial:  seedSerial(seedURL),
		Overlay:     overlay,
		Network:     f.opts.Network,
		Machine:     mach.arch,
		MachineType: mach.machineType,
		EFI:         mach.efi,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", backend.ErrClient, err))
	}
	if err := os.WriteFile(filepath.Join(runDir, domainXMLName), []byte(def), 0o644); err != nil {
		return fail(fmt.Errorf("%w: write domain definition: %w", backend.ErrClient, err))
	}
	dom, err = conn.CreateDomain(def)
	if err != nil {
		return fail(fmt.Errorf("%w: create domain %q: %w", backend.ErrClient, req.InstanceName, err))
	}
	logger.Info("guest started", "instance", req.InstanceName, "uuid", instanceID, "vcpus", f.opts.VCPUs, "memory_mib", f.opts.MemoryMiB, "seed", seedURL)

	drv.agent = &agent{dom: dom, timeout: agentTimeout, interval: execPollInterval, sleep: f.agentSleep}
	drv.media = func(isoPath string) error {
		device, err := transferDevice(isoPath)
		if err != nil {
			return err
		}
		return dom.UpdateDevice(device)
	}
	virsh, virshErr := f.resolveTool("virsh")
	uri := f.uri()
	drv.shell = func(ctx context.Context) error {
		if virshErr != nil {
			return virshErr
		}
		return f.console(ctx, virsh, uri, req.InstanceName)
	}

	ready := &guestStatus{name: req.InstanceName, dom: dom, agent: drv.agent}
	if err := f.waiter.Wait(ctx, ready, []string{"running"}, time.Duration(f.opts.LaunchSeconds)*time.Second); err != nil {
		return fail(fmt.Errorf("%w: wait for guest agent: %w", backend.ErrClient, err))
	}
	stopSeed()

	sandbox := backend.NewSandbox(Name, req.InstanceName, req.InstanceName, drv, logger)
	if err := sandbox.Bootstrap(ctx); err != nil {
		return fail(err)
	}
	if f.opts.Bootstrap {
		if err := backend.BootstrapGuest(ctx, sandbox, arch, req); err != nil {
			return fail(err)
		}
	}
	return sandbox, nil
}

// baseImage returns the disk the overlay is backed by: the flag, then the
// configured image, then the cached Ubuntu cloud image for the release.
func (f *Factory) baseImage(ctx context.Context, arch recipe.Arch, req backend.Request, logger *log.Logger) (string, error) {
	image := strings.TrimSpace(f.flags.Image)
	if image == "" {
		image = strings.TrimSpace(f.opts.Image)
	}
	if image != "" {
		abs, err := filepath.Abs(image)
		if err != nil {
			return "", fmt.Errorf("%w: resolve image %q: %w", backend.ErrNotConfigured, image, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("%w: base image: %w", backend.ErrNotConfigured, err)
		}
		return abs, nil
	}
	if req.UbuntuRelease == "" {
		return "", fmt.Errorf("%w: no image configured and no ubuntu release requested", backend.ErrNotConfigured)
	}
	result, err := f.images.EnsureCloudImage(ctx, req.UbuntuRelease, arch.GoArch(), f.flags.ForceDownload)
	if err != nil {
		return "", fmt.Errorf("%w: ubuntu %s cloud image: %w", backend.ErrImageBuild, req.UbuntuRelease, err)
	}
	logger.Info("guest base image ready", "path", result.Path, "cache_hit", result.CacheHit)
	return result.Path, nil
}

// evict removes a domain left behind by a previous run and clears its run
// directory. A missing domain is not an error.
func (f *Factory) evict(ctx context.Context, conn connection, name, runDir string, logger *log.Logger) error {
	dom, err := conn.LookupDomain(name)
	switch {
	case errors.Is(err, errDomainNotFound):
		dom = nil
	case err != nil:
		return fmt.Errorf("%w: lookup domain %q: %w", backend.ErrClient, name, err)
	}
	if dom == nil {
		if _, err := os.Stat(runDir); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := f.stop(ctx, conn, dom, name, runDir); err != nil {
		return fmt.Errorf("%w: remove stale guest %q: %w", backend.ErrClient, name, err)
	}
	logger.Info("removed stale guest", "instance", name)
	return nil
}

// stop destroys dom, undefines it when it was defined persistently by
// someone else, and deletes the run directory.
func (f *Factory) stop(ctx context.Context, conn connection, dom domain, name, runDir string) error {
	if dom != nil {
		defer dom.Free()
		if err := dom.Destroy(); err != nil {
			return fmt.Errorf("destroy domain: %w", err)
		}
		if persistent, err := dom.Persistent(); err == nil && persistent {
			if err := dom.Undefine(); err != nil {
				return fmt.Errorf("undefine domain: %w", err)
			}
		}
		status := &domainStatus{name: name, conn: conn}
		if err := f.waiter.Wait(ctx, status, []string{"shutoff", "gone"}, stopTimeout); err != nil {
			return err
		}
	}
	return os.RemoveAll(runDir)
}

// guestStatus is "running" once the guest agent answers and "booting" before
// that. A domain that stops while booting aborts the wait.
type guestStatus struct {
	name  string
	dom   domain
	agent *agent
}

func (g *guestStatus) Name() string { return g.name }

func (g *guestStatus) Refresh(ctx context.Context) (string, error) {
	state, err := g.dom.State()
	if err != nil {
		return "", fmt.Errorf("domain state: %w", err)
	}
	if state != "running" {
		return "", fmt.Errorf("domain is %s before the guest agent became ready", state)
	}
	probe := *g.agent
	probe.timeout = pingTimeout
	if err := probe.ping(ctx); err != nil {
		return "booting", nil
	}
	return "running", nil
}

// domainStatus is the libvirt state of a named domain, or "gone" once it no
// longer exists.
type domainStatus struct {
	name string
	conn connection
}

func (d *domainStatus) Name() string { return d.name }

func (d *domainStatus) Refresh(context.Context) (string, error) {
	dom, err := d.conn.LookupDomain(d.name)
	if errors.Is(err, errDomainNotFound) {
		return "gone", nil
	}
	if err != nil {
		return "", err
	}
	defer dom.Free()
	return dom.State()
}

func attachConsole(ctx context.Context, virsh, uri, name string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin is not a terminal")
	}
	cmd := exec.CommandContext(ctx, virsh, "--connect", uri, "console", "--force", name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
