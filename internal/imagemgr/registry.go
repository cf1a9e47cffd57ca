package imagemgr

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// linuxPlatformForArch selects the manifest matching a ROS build target.
// The ubuntu images publish armhf as arm/v7.
func linuxPlatformForArch(goArch string) v1.Platform {
	p := v1.Platform{OS: "linux", Architecture: goArch}
	switch goArch {
	case "arm64":
		p.Variant = "v8"
	case "arm":
		p.Variant = "v7"
	}
	return p
}

// resolveDigestFromRegistry returns the digest of the platform manifest
// that ref points at, descending through an image index when needed.
func resolveDigestFromRegistry(ctx context.Context, ref, arch string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	desc, err := remote.Get(parsed, remote.WithContext(ctx), remote.WithPlatform(linuxPlatformForArch(arch)))
	if err != nil {
		return "", fmt.Errorf("fetch manifest for %q: %w", ref, err)
	}
	img, err := desc.Image()
	if err != nil {
		return "", fmt.Errorf("select %s image from %q: %w", arch, ref, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("digest image %q: %w", ref, err)
	}
	return digest.String(), nil
}

func pullImageFromRegistry(ctx context.Context, ref string) (io.ReadCloser, []string, error) {
	digestRef, err := name.NewDigest(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("parse digest reference %q: %w", ref, err)
	}

	img, err := remote.Image(digestRef, remote.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("pull OCI image %q: %w", ref, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, nil, fmt.Errorf("read OCI config for %q: %w", ref, err)
	}

	return mutate.Extract(img), append([]string(nil), cfg.Config.Env...), nil
}
