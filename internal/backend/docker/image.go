package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/buildkite/cleanbuild/internal/recipe"
	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ImageName is the tag of the default image for a release and distribution.
func ImageName(ubuntuRelease, rosDistro string) string {
	return "cleanbuild:" + ubuntuRelease + "-" + rosDistro
}

func (f *Factory) resolveImage(ctx context.Context, cli api, req backend.Request, logger *log.Logger) (string, error) {
	explicit := f.flags.Image
	if explicit == "" {
		explicit = f.opts.Image
	}
	if explicit != "" {
		if f.flags.ForceBuild {
			logger.Warn("ignoring --docker-force-build because an explicit image was given", "image", explicit)
		}
		exists, err := imageExists(ctx, cli, explicit)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("%w: image %q does not exist locally", backend.ErrClient, explicit)
		}
		return explicit, nil
	}

	if req.UbuntuRelease == "" || req.ROSDistro == "" {
		return "", fmt.Errorf("%w: ubuntu release and ROS distribution are required to name the default image", backend.ErrNotConfigured)
	}
	name := ImageName(req.UbuntuRelease, req.ROSDistro)
	exists, err := imageExists(ctx, cli, name)
	if err != nil {
		return "", err
	}
	if exists && f.flags.ForceBuild {
		logger.Info("removing image for forced rebuild", "image", name)
		if _, err := cli.ImageRemove(ctx, name, image.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: remove image %q: %w", backend.ErrClient, name, err)
		}
		exists = false
	}
	if exists {
		logger.Debug("reusing image", "image", name)
		return name, nil
	}

	if err := f.buildImage(ctx, cli, name, req, logger); err != nil {
		return "", err
	}
	exists, err = imageExists(ctx, cli, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: image %q missing after build", backend.ErrClient, name)
	}
	return name, nil
}

func imageExists(ctx context.Context, cli api, ref string) (bool, error) {
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: inspect image %q: %w", backend.ErrClient, ref, err)
	}
	return true, nil
}

func (f *Factory) buildImage(ctx context.Context, cli api, name string, req backend.Request, logger *log.Logger) error {
	arch, err := f.hostArch()
	if err != nil {
		return fmt.Errorf("%w: %w", backend.ErrHostUnsupported, err)
	}
	dockerfile, err := recipe.Dockerfile(recipe.Params{
		Arch:          arch,
		BaseImage:     "ubuntu:" + req.UbuntuRelease,
		UbuntuRelease: req.UbuntuRelease,
		ROSDistro:     req.ROSDistro,
	})
	if err != nil {
		return fmt.Errorf("%w: render Dockerfile: %w", backend.ErrNotConfigured, err)
	}
	buildContext, err := archive.PackFile("Dockerfile", string(dockerfile))
	if err != nil {
		return fmt.Errorf("pack build context: %w", err)
	}

	logger.Info("building image", "image", name, "arch", arch.Debian)
	resp, err := cli.ImageBuild(ctx, bytes.NewReader(buildContext), types.ImageBuildOptions{
		Tags:        []string{name},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return fmt.Errorf("%w: start image build for %q: %w", backend.ErrClient, name, err)
	}
	defer resp.Body.Close()

	if err := relayBuildOutput(resp.Body, logger); err != nil {
		return fmt.Errorf("image %q: %w", name, err)
	}
	logger.Info("image built", "image", name)
	return nil
}

// relayBuildOutput forwards the engine's JSON build progress to the logger
// and reports the first build error.
func relayBuildOutput(r io.Reader, logger *log.Logger) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: decode build output: %w", backend.ErrClient, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %s", backend.ErrImageBuild, msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return fmt.Errorf("%w: %s", backend.ErrImageBuild, msg.ErrorMessage)
		}
		for _, line := range strings.Split(strings.TrimRight(msg.Stream, "\n"), "\n") {
			if strings.TrimSpace(line) != "" {
				logger.Debug(line)
			}
		}
		if msg.Status != "" {
			logger.Debug(msg.Status, "id", msg.ID)
		}
	}
}
