package bootassets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestManager(t *testing.T, srv *httptest.Server, kernels map[string]Asset) *Manager {
	t.Helper()
	assets := filepath.Join(t.TempDir(), "assets")
	return New(Options{
		HTTPClient:        srv.Client(),
		AssetsDir:         func() (string, error) { return assets, nil },
		Kernels:           kernels,
		CloudImageBaseURL: srv.URL + "/releases",
	})
}

func TestResolveKernelPathUsesConfiguredPathWhenPresent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("remote-kernel"))
	}))
	t.Cleanup(srv.Close)

	configured := filepath.Join(t.TempDir(), "configured-kernel")
	if err := os.WriteFile(configured, []byte("local"), 0o644); err != nil {
		t.Fatalf("write configured kernel: %v", err)
	}

	mgr := newTestManager(t, srv, map[string]Asset{
		"arm64": {ID: "test-kernel", Filename: "vmlinux-test", URL: srv.URL + "/kernel", SHA256: sha256Hex([]byte("remote-kernel"))},
	})

	got, err := mgr.ResolveKernelPath(context.Background(), "arm64", configured)
	if err != nil {
		t.Fatalf("ResolveKernelPath returned error: %v", err)
	}
	if got.Path != configured {
		t.Fatalf("unexpected path: got %q want %q", got.Path, configured)
	}
	if got.Managed {
		t.Fatal("expected configured path to not be managed")
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no network access, got %d hits", hits.Load())
	}
}

func TestResolveKernelPathDownloadsAndCachesManagedKernel(t *testing.T) {
	t.Parallel()

	const payload = "remote-kernel"
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	mgr := newTestManager(t, srv, map[string]Asset{
		"amd64": {ID: "test-kernel", Filename: "vmlinux-test", URL: srv.URL + "/kernel", SHA256: sha256Hex([]byte(payload))},
	})

	first, err := mgr.ResolveKernelPath(context.Background(), "amd64", "")
	if err != nil {
		t.Fatalf("ResolveKernelPath first call returned error: %v", err)
	}
	if !first.Managed || first.CacheHit {
		t.Fatalf("expected managed cache miss, got %+v", first)
	}
	if !strings.Contains(first.Notice, "managed kernel") {
		t.Fatalf("expected managed notice, got %q", first.Notice)
	}

	second, err := mgr.ResolveKernelPath(context.Background(), "amd64", "")
	if err != nil {
		t.Fatalf("ResolveKernelPath second call returned error: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("expected second call to be cache hit")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one download, got %d", got)
	}
}

func TestResolveKernelPathFallsBackFromMissingConfiguredPath(t *testing.T) {
	t.Parallel()

	const payload = "remote-kernel"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	mgr := newTestManager(t, srv, map[string]Asset{
		"amd64": {ID: "test-kernel", Filename: "vmlinux-test", URL: srv.URL + "/kernel", SHA256: sha256Hex([]byte(payload))},
	})

	res, err := mgr.ResolveKernelPath(context.Background(), "amd64", "/nonexistent/missing-kernel")
	if err != nil {
		t.Fatalf("ResolveKernelPath returned error: %v", err)
	}
	if !res.Managed {
		t.Fatal("expected managed fallback")
	}
	if !strings.Contains(res.Notice, "configured kernel_image") {
		t.Fatalf("expected fallback notice, got %q", res.Notice)
	}
}

func TestResolveKernelPathReturnsErrorWhenUnsupported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	mgr := newTestManager(t, srv, map[string]Asset{})

	_, err := mgr.ResolveKernelPath(context.Background(), "riscv64", "")
	if !errors.Is(err, ErrNoManagedKernelAsset) {
		t.Fatalf("expected ErrNoManagedKernelAsset, got %v", err)
	}
}

func TestEnsureKernelRejectsChecksumMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	t.Cleanup(srv.Close)

	mgr := newTestManager(t, srv, map[string]Asset{
		"amd64": {ID: "test-kernel", Filename: "vmlinux-test", URL: srv.URL + "/kernel", SHA256: sha256Hex([]byte("expected"))},
	})
	_, err := mgr.EnsureKernel(context.Background(), "amd64")
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	path, _ := mgr.path("kernels", mgr.kernels["amd64"])
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("expected no stored kernel, stat err=%v", statErr)
	}
}

func TestEnsureCloudImageVerifiesAgainstSums(t *testing.T) {
	t.Parallel()

	const image = "qcow2-bytes"
	var imageHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases/noble/release/SHA256SUMS":
			_, _ = w.Write([]byte(sha256Hex([]byte("other")) + " *ubuntu-24.04-server-cloudimg-arm64.img\n" +
				sha256Hex([]byte(image)) + " *ubuntu-24.04-server-cloudimg-amd64.img\n"))
		case "/releases/noble/release/ubuntu-24.04-server-cloudimg-amd64.img":
			imageHits.Add(1)
			_, _ = w.Write([]byte(image))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	mgr := newTestManager(t, srv, nil)
	first, err := mgr.EnsureCloudImage(context.Background(), "noble", "amd64", false)
	if err != nil {
		t.Fatalf("EnsureCloudImage returned error: %v", err)
	}
	got, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatalf("read cloud image: %v", err)
	}
	if string(got) != image {
		t.Fatalf("unexpected image content: %q", got)
	}

	second, err := mgr.EnsureCloudImage(context.Background(), "noble", "amd64", false)
	if err != nil {
		t.Fatalf("EnsureCloudImage returned error: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("expected cached cloud image")
	}
	if _, err := mgr.EnsureCloudImage(context.Background(), "noble", "amd64", true); err != nil {
		t.Fatalf("forced EnsureCloudImage returned error: %v", err)
	}
	if got := imageHits.Load(); got != 2 {
		t.Fatalf("expected two image downloads, got %d", got)
	}
}

func TestCloudImageRejectsUnknownRelease(t *testing.T) {
	t.Parallel()

	mgr := New(Options{AssetsDir: func() (string, error) { return t.TempDir(), nil }})
	if _, err := mgr.CloudImage("bionic", "amd64"); !errors.Is(err, ErrNoCloudImage) {
		t.Fatalf("expected ErrNoCloudImage, got %v", err)
	}
	asset, err := mgr.CloudImage("jammy", "arm64")
	if err != nil {
		t.Fatalf("CloudImage returned error: %v", err)
	}
	if got, want := asset.URL, "https://cloud-images.ubuntu.com/releases/jammy/release/ubuntu-22.04-server-cloudimg-arm64.img"; got != want {
		t.Fatalf("unexpected URL: got %q want %q", got, want)
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
