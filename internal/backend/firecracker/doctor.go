package firecracker

import (
	"context"
	"path/filepath"

	"github.com/buildkite/cleanbuild/internal/backend"
)

func (f *Factory) Doctor(ctx context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: Name}

	if f.goos == "linux" {
		report.Add("os", "pass", "linux host detected")
	} else {
		report.Addf("os", "fail", "linux required, current OS is %s", f.goos)
	}

	if err := f.checkKVM(); err != nil {
		report.Addf("kvm", "fail", "/dev/kvm is not usable: %v", err)
	} else {
		report.Add("kvm", "pass", "/dev/kvm is accessible")
	}

	if path, err := f.resolveTool(f.opts.BinaryPath); err != nil {
		report.Addf("binary", "fail", "%v", err)
	} else {
		report.Addf("binary", "pass", "found firecracker binary %s", path)
	}
	for _, tool := range []string{"mkfs.ext4", "debugfs"} {
		if path, err := f.resolveTool(tool); err != nil {
			report.Addf(tool, "fail", "%v", err)
		} else {
			report.Addf(tool, "pass", "found %s", path)
		}
	}

	arch, err := f.hostArch()
	if err != nil {
		report.Addf("arch", "fail", "%v", err)
		return report, nil
	}

	if f.opts.KernelImage != "" {
		kernel, err := f.kernels.ResolveKernelPath(ctx, arch.GoArch(), f.opts.KernelImage)
		switch {
		case err != nil:
			report.Addf("kernel_image", "fail", "%v", err)
		case kernel.Managed:
			report.Addf("kernel_image", "warn", "%s", kernel.Notice)
		default:
			report.Addf("kernel_image", "pass", "kernel image configured: %s", kernel.Path)
		}
	} else {
		report.Add("kernel_image", "pass", "managed kernel is downloaded on first use")
	}

	if path, err := f.guestAgent(f.opts.GuestAgentPath, arch.GoArch()); err != nil {
		report.Addf("guest_agent", "fail", "%v", err)
	} else {
		report.Addf("guest_agent", "pass", "guest agent binary %s", path)
	}

	network, err := parseGuestNetwork(f.opts)
	switch {
	case err != nil:
		report.Addf("network", "fail", "%v", err)
	case network == nil:
		report.Add("network", "warn", "no tap_device configured; the guest has no network and bootstrap cannot install packages")
	default:
		report.Addf("network", "pass", "guest %s on tap device %s", network.guest, network.tap)
	}

	if f.opts.GuestPort == 0 {
		report.Add("vsock_port", "fail", "guest vsock port is zero")
	} else {
		report.Addf("vsock_port", "pass", "guest vsock port %d", f.opts.GuestPort)
	}

	if dir, err := f.runDir(backend.InstanceNameFor("default")); err != nil {
		report.Addf("run_dir", "fail", "cannot resolve run directory: %v", err)
	} else if err := ensureUnixSocketPathFits(filepath.Join(dir, vsockName)); err != nil {
		report.Addf("run_dir", "warn", "vsock socket path may be too long: %v", err)
	} else {
		report.Add("run_dir", "pass", "run directory resolved")
	}
	return report, nil
}
