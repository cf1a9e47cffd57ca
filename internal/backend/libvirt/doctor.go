package libvirt

import (
	"context"
	"os"

	"github.com/buildkite/cleanbuild/internal/backend"
)

func (f *Factory) Doctor(ctx context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: Name}

	if f.goos == "linux" {
		report.Add("os", "pass", "linux host detected")
	} else {
		report.Addf("os", "fail", "linux required, current OS is %s", f.goos)
	}

	if arch, err := f.hostArch(); err != nil {
		report.Addf("arch", "fail", "%v", err)
	} else if mach, err := machineFor(arch); err != nil {
		report.Addf("arch", "fail", "%v", err)
	} else {
		report.Addf("arch", "pass", "guests boot as %s/%s", mach.arch, mach.machineType)
	}

	for _, tool := range []string{"qemu-img", "virsh"} {
		status := "fail"
		if tool == "virsh" {
			// only the interactive shell needs it
			status = "warn"
		}
		if path, err := f.resolveTool(tool); err != nil {
			report.Addf(tool, status, "%v", err)
		} else {
			report.Addf(tool, "pass", "found %s", path)
		}
	}

	if image := f.opts.Image; image != "" {
		if _, err := os.Stat(image); err != nil {
			report.Addf("image", "fail", "configured base image: %v", err)
		} else {
			report.Addf("image", "pass", "base image %s", image)
		}
	} else {
		report.Add("image", "pass", "ubuntu cloud image is downloaded on first use")
	}

	conn, err := f.connect(f.uri())
	if err != nil {
		report.Addf("connection", "fail", "%v", err)
		return report, nil
	}
	defer conn.Close()
	if version, err := conn.Version(); err != nil {
		report.Addf("connection", "warn", "connected to %s but could not read the libvirt version: %v", f.uri(), err)
	} else {
		report.Addf("connection", "pass", "connected to %s (libvirt %s)", f.uri(), version)
	}

	if gateway, err := conn.NetworkGateway(f.opts.Network); err != nil {
		report.Addf("network", "fail", "%v", err)
	} else {
		report.Addf("network", "pass", "network %s reaches the host at %s; guests fetch cloud-init data from it", f.opts.Network, gateway)
	}
	return report, nil
}
