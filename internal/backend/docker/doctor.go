package docker

import (
	"context"
	"os/exec"

	"github.com/buildkite/cleanbuild/internal/backend"
)

func (f *Factory) Doctor(ctx context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: Name}

	if f.goos == "linux" || f.goos == "darwin" {
		report.Addf("os", "pass", "%s host detected", f.goos)
	} else {
		report.Addf("os", "fail", "linux or darwin required, current OS is %s", f.goos)
	}

	cli, err := f.newAPI()
	if err != nil {
		report.Addf("engine", "fail", "cannot create docker client: %v", err)
		return report, nil
	}
	defer cli.Close()

	if ping, err := cli.Ping(ctx); err != nil {
		report.Addf("engine", "fail", "docker engine unreachable: %v", err)
	} else {
		report.Addf("engine", "pass", "docker engine reachable (API %s, %s)", ping.APIVersion, ping.OSType)
	}

	if _, err := exec.LookPath("docker"); err != nil {
		report.Add("cli", "warn", "docker CLI not found in PATH (needed for --debug and --shell-after)")
	} else {
		report.Add("cli", "pass", "docker CLI found")
	}

	if f.opts.Image != "" {
		exists, err := imageExists(ctx, cli, f.opts.Image)
		switch {
		case err != nil:
			report.Addf("image", "fail", "cannot inspect configured image: %v", err)
		case !exists:
			report.Addf("image", "fail", "configured image %q does not exist locally", f.opts.Image)
		default:
			report.Addf("image", "pass", "configured image %q present", f.opts.Image)
		}
	} else {
		report.Add("image", "pass", "default image is built on first use")
	}
	return report, nil
}
