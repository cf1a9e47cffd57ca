package backend

import (
	"context"
	"fmt"

	"github.com/buildkite/cleanbuild/internal/recipe"
)

// BootstrapGuest installs ROS and colcon into a plain Ubuntu VM guest.
func BootstrapGuest(ctx context.Context, p Provider, arch recipe.Arch, req Request) error {
	script, err := recipe.BootstrapScript(recipe.Params{
		Arch:          arch,
		UbuntuRelease: req.UbuntuRelease,
		ROSDistro:     req.ROSDistro,
	})
	if err != nil {
		return fmt.Errorf("%w: render bootstrap script: %w", ErrNotConfigured, err)
	}
	scriptPath, err := p.WriteInlineScript(ctx, script)
	if err != nil {
		return err
	}
	code, err := p.ExecuteCommand(ctx, []string{"bash", "-ex", scriptPath})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: guest bootstrap exited with code %d", ErrClient, code)
	}
	return nil
}
