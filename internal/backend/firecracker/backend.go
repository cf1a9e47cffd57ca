// Package firecracker provides build instances as Firecracker microVMs booted
// from a cached OCI image rootfs. Commands and files travel over vsock to the
// cleanbuild guest agent.
package firecracker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/bootassets"
	"github.com/buildkite/cleanbuild/internal/hosttools"
	"github.com/buildkite/cleanbuild/internal/imagemgr"
	"github.com/buildkite/cleanbuild/internal/paths"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/buildkite/cleanbuild/internal/statuswait"
	"github.com/buildkite/cleanbuild/internal/vsockexec"
	"github.com/charmbracelet/log"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
)

const (
	Name = "firecracker"

	defaultBinary        = "firecracker"
	defaultVCPUs         = 2
	defaultMemoryMiB     = 4096
	defaultGuestCID      = 3
	defaultLaunchSeconds = 60
	defaultDiskSizeMiB   = 16384

	stopTimeout = 10 * time.Second

	pidFileName    = "firecracker.pid"
	configFileName = "firecracker-config.json"
	apiSocketName  = "firecracker.sock"
	vsockName      = "vsock.sock"
	logFileName    = "firecracker.log"
	rootFSName     = "rootfs.ext4"
)

// Flags are the firecracker-specific construction arguments.
type Flags struct {
	Image     string `name:"firecracker-image" help:"OCI image for the guest rootfs (default ubuntu:<release>)." placeholder:"REF"`
	ForcePull bool   `name:"firecracker-force-pull" help:"Discard the cached rootfs and pull the image again."`
	Bootstrap bool   `name:"firecracker-bootstrap" help:"Install ROS and build tools in the guest even when disabled in config."`
}

type Options struct {
	BinaryPath     string
	KernelImage    string
	Image          string
	VCPUs          int64
	MemoryMiB      int64
	GuestCID       uint32
	GuestPort      uint32
	LaunchSeconds  int64
	Bootstrap      bool
	GuestAgentPath string
	DiskSizeMiB    int64

	TapDevice string
	GuestIP   string
	GatewayIP string
	DNS       string
}

type imageEnsurer interface {
	Ensure(ctx context.Context, ref string, force bool) (imagemgr.EnsureResult, error)
}

type kernelResolver interface {
	ResolveKernelPath(ctx context.Context, goarch, configuredPath string) (bootassets.ResolveResult, error)
}

// vmm starts and stops firecracker processes. Processes outlive the context
// that started them; they are stopped explicitly.
type vmm interface {
	Start(binary string, args []string, logPath string) (int, error)
	// Running reports whether pid is a live firecracker owned by runDir.
	Running(pid int, runDir string) bool
	Kill(pid int) error
}

type dialFunc func(ctx context.Context, udsPath string, port uint32) (net.Conn, error)

type Factory struct {
	opts  Options
	flags Flags

	goos        string
	hostArch    func() (recipe.Arch, error)
	checkKVM    func() error
	resolveTool func(binary string) (string, error)
	runDir      func(instanceName string) (string, error)
	images      func(arch recipe.Arch) (imageEnsurer, error)
	kernels     kernelResolver
	guestAgent  func(configured, goarch string) (string, error)
	prepare     func(ctx context.Context, baseImage, dst, agentPath string) error
	vmm         vmm
	dial        dialFunc
	entropy     func([]byte) (int, error)
	waiter      statuswait.Waiter
}

func NewFactory(opts Options) *Factory {
	if opts.BinaryPath == "" {
		opts.BinaryPath = defaultBinary
	}
	if opts.VCPUs <= 0 {
		opts.VCPUs = defaultVCPUs
	}
	if opts.MemoryMiB <= 0 {
		opts.MemoryMiB = defaultMemoryMiB
	}
	if opts.GuestCID == 0 {
		opts.GuestCID = defaultGuestCID
	}
	if opts.GuestPort == 0 {
		opts.GuestPort = vsockexec.DefaultPort
	}
	if opts.LaunchSeconds <= 0 {
		opts.LaunchSeconds = defaultLaunchSeconds
	}
	if opts.DiskSizeMiB <= 0 {
		opts.DiskSizeMiB = defaultDiskSizeMiB
	}
	minBytes := opts.DiskSizeMiB << 20
	return &Factory{
		opts:        opts,
		goos:        runtime.GOOS,
		hostArch:    recipe.HostArch,
		checkKVM:    checkKVM,
		resolveTool: hosttools.Resolve,
		runDir:      paths.InstanceRunDir,
		images: func(arch recipe.Arch) (imageEnsurer, error) {
			return imagemgr.New(imagemgr.Options{Arch: arch.GoArch(), MinRootFSBytes: minBytes})
		},
		kernels:    bootassets.New(bootassets.Options{}),
		guestAgent: discoverGuestAgent,
		prepare:    prepareRootFS,
		vmm:        processVMM{},
		dial: func(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
			return fcvsock.DialContext(ctx, udsPath, port)
		},
		entropy: rand.Read,
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

func checkKVM() error {
	kvm, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return kvm.Close()
}

// New stops any microVM left behind under the instance name, prepares a
// per-instance rootfs, boots the VM and waits for the guest agent. When
// bootstrap is enabled the ROS toolchain is installed before returning.
func (f *Factory) New(ctx context.Context, req backend.Request) (backend.Provider, error) {
	logger := req.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("backend", Name)

	if f.goos != "linux" {
		return nil, fmt.Errorf("%w: firecracker backend is linux-only, current OS is %s", backend.ErrHostUnsupported, f.goos)
	}
	if err := f.checkKVM(); err != nil {
		return nil, fmt.Errorf("%w: /dev/kvm is not usable: %w", backend.ErrHostUnsupported, err)
	}
	if req.InstanceName == "" {
		return nil, fmt.Errorf("%w: missing instance name", backend.ErrNotConfigured)
	}
	binary, err := f.resolveTool(f.opts.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrClientInit, err)
	}
	network, err := parseGuestNetwork(f.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrNotConfigured, err)
	}

	runDir, err := f.runDir(req.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve run directory: %w", backend.ErrClientInit, err)
	}
	vsockPath := filepath.Join(runDir, vsockName)
	if err := ensureUnixSocketPathFits(vsockPath); err != nil {
		return nil, fmt.Errorf("%w: vsock socket path %q: %w", backend.ErrNotConfigured, vsockPath, err)
	}
	if err := f.evict(ctx, req.InstanceName, runDir, logger); err != nil {
		return nil, err
	}

	arch, err := f.hostArch()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrHostUnsupported, err)
	}
	image, err := f.ensureImage(ctx, arch, req, logger)
	if err != nil {
		return nil, err
	}
	kernel, err := f.kernels.ResolveKernelPath(ctx, arch.GoArch(), f.opts.KernelImage)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve guest kernel: %w", backend.ErrNotConfigured, err)
	}
	if kernel.Notice != "" {
		logger.Info(kernel.Notice)
	}
	agent, err := f.guestAgent(f.opts.GuestAgentPath, arch.GoArch())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrNotConfigured, err)
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create run directory: %w", backend.ErrClient, err)
	}
	drv := &driver{
		name:    req.InstanceName,
		udsPath: vsockPath,
		port:    f.opts.GuestPort,
		env:     image.Env,
		dial:    f.dial,
		entropy: f.entropy,
		execs:   make(map[string]*execSession),
	}
	drv.stop = func(ctx context.Context) error {
		return f.stop(ctx, req.InstanceName, runDir)
	}
	fail := func(err error) (backend.Provider, error) {
		if stopErr := drv.Remove(context.WithoutCancel(ctx)); stopErr != nil {
			logger.Warn("failed to remove microVM after setup error", "instance", req.InstanceName, "err", stopErr)
		}
		return nil, err
	}

	rootfs := filepath.Join(runDir, rootFSName)
	if err := f.prepare(ctx, image.RootFSPath, rootfs, agent); err != nil {
		return fail(fmt.Errorf("%w: prepare rootfs: %w", backend.ErrClient, err))
	}
	configPath := filepath.Join(runDir, configFileName)
	if err := writeJSON(configPath, f.vmConfig(kernel.Path, rootfs, vsockPath, network)); err != nil {
		return fail(fmt.Errorf("%w: write firecracker config: %w", backend.ErrClient, err))
	}

	args := []string{"--api-sock", filepath.Join(runDir, apiSocketName), "--config-file", configPath}
	pid, err := f.vmm.Start(binary, args, filepath.Join(runDir, logFileName))
	if err != nil {
		return fail(fmt.Errorf("%w: start firecracker: %w", backend.ErrClient, err))
	}
	if err := os.WriteFile(filepath.Join(runDir, pidFileName), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		_ = f.vmm.Kill(pid)
		return fail(fmt.Errorf("%w: record firecracker pid: %w", backend.ErrClient, err))
	}
	logger.Info("microVM started", "instance", req.InstanceName, "pid", pid, "vcpus", f.opts.VCPUs, "memory_mib", f.opts.MemoryMiB)

	ready := &guestStatus{driver: drv, vmm: f.vmm, pid: pid, runDir: runDir}
	if err := f.waiter.Wait(ctx, ready, []string{"running"}, time.Duration(f.opts.LaunchSeconds)*time.Second); err != nil {
		return fail(fmt.Errorf("%w: wait for guest agent (log: %s): %w", backend.ErrClient, filepath.Join(runDir, logFileName), err))
	}

	sandbox := backend.NewSandbox(Name, req.InstanceName, req.InstanceName, drv, logger)
	if err := sandbox.Bootstrap(ctx); err != nil {
		return fail(err)
	}
	if f.opts.Bootstrap || f.flags.Bootstrap {
		if network == nil {
			logger.Warn("bootstrapping without a guest network; package installation will fail unless the image already has ROS", "instance", req.InstanceName)
		}
		if err := backend.BootstrapGuest(ctx, sandbox, arch, req); err != nil {
			return fail(err)
		}
	}
	return sandbox, nil
}

func (f *Factory) ensureImage(ctx context.Context, arch recipe.Arch, req backend.Request, logger *log.Logger) (imagemgr.Record, error) {
	ref := strings.TrimSpace(f.flags.Image)
	if ref == "" {
		ref = strings.TrimSpace(f.opts.Image)
	}
	if ref == "" {
		if req.UbuntuRelease == "" {
			return imagemgr.Record{}, fmt.Errorf("%w: no image configured and no ubuntu release requested", backend.ErrNotConfigured)
		}
		ref = "ubuntu:" + req.UbuntuRelease
	}
	images, err := f.images(arch)
	if err != nil {
		return imagemgr.Record{}, fmt.Errorf("%w: open image cache: %w", backend.ErrImageBuild, err)
	}
	result, err := images.Ensure(ctx, ref, f.flags.ForcePull)
	if err != nil {
		return imagemgr.Record{}, fmt.Errorf("%w: %s: %w", backend.ErrImageBuild, ref, err)
	}
	logger.Info("guest rootfs ready", "ref", ref, "digest", result.Record.Digest, "cache_hit", result.CacheHit)
	return result.Record, nil
}

// evict stops a microVM left behind by a previous run and clears its run
// directory.
func (f *Factory) evict(ctx context.Context, name, runDir string, logger *log.Logger) error {
	if _, err := os.Stat(runDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := f.stop(ctx, name, runDir); err != nil {
		return fmt.Errorf("%w: remove stale microVM %q: %w", backend.ErrClient, name, err)
	}
	logger.Info("removed stale microVM state", "instance", name)
	return nil
}

// stop kills the VM recorded in runDir, waits for it to exit and deletes the
// run directory.
func (f *Factory) stop(ctx context.Context, name, runDir string) error {
	if pid, err := readPIDFile(filepath.Join(runDir, pidFileName)); err == nil && f.vmm.Running(pid, runDir) {
		if err := f.vmm.Kill(pid); err != nil {
			return fmt.Errorf("kill firecracker pid %d: %w", pid, err)
		}
		status := &processStatus{name: name, vmm: f.vmm, pid: pid, runDir: runDir}
		if err := f.waiter.Wait(ctx, status, []string{"exited"}, stopTimeout); err != nil {
			return err
		}
	}
	return os.RemoveAll(runDir)
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

func ensureUnixSocketPathFits(path string) error {
	const maxUnixSocketPath = 107
	if len(path) <= maxUnixSocketPath {
		return nil
	}
	return fmt.Errorf("max length is %d bytes, got %d", maxUnixSocketPath, len(path))
}

// guestStatus is "running" once the guest agent answers a stat request and
// "booting" before that.
type guestStatus struct {
	driver *driver
	vmm    vmm
	pid    int
	runDir string
}

const probeTimeout = 2 * time.Second

func (g *guestStatus) Name() string { return g.driver.name }

func (g *guestStatus) Refresh(ctx context.Context) (string, error) {
	if !g.vmm.Running(g.pid, g.runDir) {
		return "", errors.New("firecracker exited before the guest agent became ready")
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := g.driver.Stat(probeCtx, "/"); err != nil {
		return "booting", nil
	}
	return "running", nil
}

type processStatus struct {
	name   string
	vmm    vmm
	pid    int
	runDir string
}

func (p *processStatus) Name() string { return p.name }

func (p *processStatus) Refresh(context.Context) (string, error) {
	if p.vmm.Running(p.pid, p.runDir) {
		return "running", nil
	}
	return "exited", nil
}
