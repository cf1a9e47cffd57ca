// Package bootassets downloads and verifies the boot artifacts the VM
// backends need: guest kernels for firecracker and Ubuntu cloud images for
// libvirt.
package bootassets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/cleanbuild/internal/paths"
)

var (
	ErrNoManagedKernelAsset = errors.New("no managed kernel asset")
	ErrNoCloudImage         = errors.New("no ubuntu cloud image")
)

// Asset is a downloadable file. When SHA256 is empty the checksum is read
// from the SumsURL listing instead.
type Asset struct {
	ID       string
	Filename string
	URL      string
	SHA256   string
	SumsURL  string
}

type EnsureResult struct {
	Path     string
	CacheHit bool
	Asset    Asset
}

type ResolveResult struct {
	Path     string
	Managed  bool
	CacheHit bool
	Notice   string
	Asset    Asset
}

type Options struct {
	HTTPClient *http.Client
	AssetsDir  func() (string, error)
	// Kernels maps GOARCH to the firecracker guest kernel for that arch.
	Kernels map[string]Asset
	// CloudImageBaseURL defaults to https://cloud-images.ubuntu.com/releases.
	CloudImageBaseURL string
}

type Manager struct {
	client       *http.Client
	assetsDir    func() (string, error)
	kernels      map[string]Asset
	cloudBaseURL string
	mu           sync.Mutex
}

func New(opts Options) *Manager {
	m := &Manager{
		client:       opts.HTTPClient,
		assetsDir:    opts.AssetsDir,
		kernels:      opts.Kernels,
		cloudBaseURL: strings.TrimRight(opts.CloudImageBaseURL, "/"),
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 30 * time.Minute}
	}
	if m.assetsDir == nil {
		m.assetsDir = paths.AssetsDir
	}
	if m.kernels == nil {
		m.kernels = defaultKernels()
	}
	if m.cloudBaseURL == "" {
		m.cloudBaseURL = "https://cloud-images.ubuntu.com/releases"
	}
	return m
}

func defaultKernels() map[string]Asset {
	return map[string]Asset{
		"amd64": {
			ID:       "fc-ci-v1.14-x86_64-vmlinux-6.1.155",
			Filename: "vmlinux-6.1.155",
			URL:      "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/x86_64/vmlinux-6.1.155",
			SHA256:   "e41c7048bd2475e7e788153823fcb9166a7e0b78c4c443bd6446d015fa735f53",
		},
		"arm64": {
			ID:       "fc-ci-v1.14-aarch64-vmlinux-6.1.155",
			Filename: "vmlinux-6.1.155",
			URL:      "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/aarch64/vmlinux-6.1.155",
			SHA256:   "61baeae1ac6197be4fc5c71fa78df266acdc33c54570290d2f611c2b42c105be",
		},
	}
}

var ubuntuVersions = map[string]string{
	"focal": "20.04",
	"jammy": "22.04",
	"noble": "24.04",
}

// CloudImage describes the Ubuntu server cloud image for release and arch.
func (m *Manager) CloudImage(release, goarch string) (Asset, error) {
	version, ok := ubuntuVersions[release]
	if !ok || (goarch != "amd64" && goarch != "arm64") {
		return Asset{}, fmt.Errorf("%w for %s/%s", ErrNoCloudImage, release, goarch)
	}
	filename := fmt.Sprintf("ubuntu-%s-server-cloudimg-%s.img", version, goarch)
	dir := m.cloudBaseURL + "/" + release + "/release"
	return Asset{
		ID:       "ubuntu-" + release + "-" + goarch,
		Filename: filename,
		URL:      dir + "/" + filename,
		SumsURL:  dir + "/SHA256SUMS",
	}, nil
}

func (m *Manager) EnsureCloudImage(ctx context.Context, release, goarch string, force bool) (EnsureResult, error) {
	asset, err := m.CloudImage(release, goarch)
	if err != nil {
		return EnsureResult{}, err
	}
	return m.ensure(ctx, "images", asset, force)
}

func (m *Manager) EnsureKernel(ctx context.Context, goarch string) (EnsureResult, error) {
	asset, ok := m.kernels[goarch]
	if !ok {
		return EnsureResult{}, fmt.Errorf("%w for linux/%s", ErrNoManagedKernelAsset, goarch)
	}
	return m.ensure(ctx, "kernels", asset, false)
}

// ResolveKernelPath prefers configuredPath when it names a readable file and
// falls back to the managed kernel otherwise.
func (m *Manager) ResolveKernelPath(ctx context.Context, goarch, configuredPath string) (ResolveResult, error) {
	trimmed := strings.TrimSpace(configuredPath)
	if trimmed != "" {
		if abs, err := filepath.Abs(trimmed); err == nil {
			trimmed = abs
		}
		if st, err := os.Stat(trimmed); err == nil && !st.IsDir() {
			return ResolveResult{Path: trimmed}, nil
		}
	}

	ensured, err := m.EnsureKernel(ctx, goarch)
	if err != nil {
		if trimmed != "" {
			return ResolveResult{}, fmt.Errorf("configured kernel_image %q is not accessible and managed kernel resolution failed: %w", trimmed, err)
		}
		return ResolveResult{}, err
	}
	notice := fmt.Sprintf("using managed kernel asset %s (%s)", ensured.Asset.ID, cacheState(ensured.CacheHit))
	if trimmed != "" {
		notice = fmt.Sprintf("configured kernel_image %q is not accessible; %s", trimmed, notice)
	}
	return ResolveResult{
		Path:     ensured.Path,
		Managed:  true,
		CacheHit: ensured.CacheHit,
		Asset:    ensured.Asset,
		Notice:   notice,
	}, nil
}

func (m *Manager) path(kind string, asset Asset) (string, error) {
	base, err := m.assetsDir()
	if err != nil {
		return "", fmt.Errorf("resolve assets directory: %w", err)
	}
	return filepath.Join(base, kind, asset.ID, asset.Filename), nil
}

func (m *Manager) ensure(ctx context.Context, kind string, asset Asset, force bool) (EnsureResult, error) {
	dest, err := m.path(kind, asset)
	if err != nil {
		return EnsureResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if asset.SHA256 == "" {
		if asset.SHA256, err = m.lookupChecksum(ctx, asset); err != nil {
			return EnsureResult{}, err
		}
	}

	if !force {
		valid, err := fileMatchesSHA256(dest, asset.SHA256)
		if err != nil {
			return EnsureResult{}, err
		}
		if valid {
			return EnsureResult{Path: dest, CacheHit: true, Asset: asset}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return EnsureResult{}, fmt.Errorf("create asset directory %q: %w", filepath.Dir(dest), err)
	}
	tmp := dest + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := m.downloadAndVerify(ctx, asset, tmp); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, fmt.Errorf("store asset %q: %w", dest, err)
	}
	return EnsureResult{Path: dest, Asset: asset}, nil
}

func (m *Manager) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "cleanbuild")

	res, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		res.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %d: %s", url, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return res.Body, nil
}

// lookupChecksum finds asset.Filename in a sha256sum(1) style listing.
func (m *Manager) lookupChecksum(ctx context.Context, asset Asset) (string, error) {
	if asset.SumsURL == "" {
		return "", fmt.Errorf("asset %s has neither a checksum nor a checksum listing", asset.ID)
	}
	body, err := m.get(ctx, asset.SumsURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && strings.TrimPrefix(fields[1], "*") == asset.Filename {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", asset.SumsURL, err)
	}
	return "", fmt.Errorf("%s is not listed in %s", asset.Filename, asset.SumsURL)
}

func (m *Manager) downloadAndVerify(ctx context.Context, asset Asset, tmpPath string) error {
	body, err := m.get(ctx, asset.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary asset %q: %w", tmpPath, err)
	}
	defer out.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), body); err != nil {
		return fmt.Errorf("write asset %q: %w", tmpPath, err)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(got, asset.SHA256) {
		return fmt.Errorf("asset checksum mismatch for %s: got %s want %s", asset.URL, got, asset.SHA256)
	}
	return out.Close()
}

func fileMatchesSHA256(path, wantSHA256 string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open asset %q: %w", path, err)
	}
	defer f.Close()

	if st, err := f.Stat(); err != nil || st.IsDir() {
		return false, fmt.Errorf("asset path %q is not a regular file", path)
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, fmt.Errorf("hash asset %q: %w", path, err)
	}
	return strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), wantSHA256), nil
}

func cacheState(hit bool) string {
	if hit {
		return "cache hit"
	}
	return "cache miss"
}
