package libvirt

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
)

func TestCreateOverlayKeepsLargerBaseSize(t *testing.T) {
	t.Parallel()

	var calls [][]string
	run := func(_ context.Context, binary string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{binary}, args...))
		if args[0] == "info" {
			return []byte(`{"format":"raw","virtual-size":53687091200}`), nil
		}
		return nil, nil
	}
	overlay := filepath.Join(t.TempDir(), overlayName)
	if err := createOverlay(context.Background(), run, "qemu-img", "/images/base.raw", overlay, 20); err != nil {
		t.Fatalf("createOverlay returned error: %v", err)
	}
	want := []string{"qemu-img", "create", "-f", "qcow2", "-F", "raw", "-b", "/images/base.raw", overlay, "53687091200"}
	if got := calls[1]; !slices.Equal(got, want) {
		t.Fatalf("unexpected create call: got %v want %v", got, want)
	}
}

func TestCreateOverlayRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	run := func(context.Context, string, ...string) ([]byte, error) { return []byte(`{}`), nil }
	err := createOverlay(context.Background(), run, "qemu-img", "/images/base", filepath.Join(t.TempDir(), overlayName), 20)
	if err == nil || !strings.Contains(err.Error(), "format") {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestWriteTransferISO(t *testing.T) {
	t.Parallel()

	isoPath := filepath.Join(t.TempDir(), "transfer.iso")
	if err := writeTransferISO(isoPath, strings.NewReader("tar bytes")); err != nil {
		t.Fatalf("writeTransferISO returned error: %v", err)
	}

	f, err := os.Open(isoPath)
	if err != nil {
		t.Fatalf("open iso: %v", err)
	}
	defer f.Close()
	image, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("open iso image: %v", err)
	}
	root, err := image.RootDir()
	if err != nil {
		t.Fatalf("get iso root: %v", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("list iso root: %v", err)
	}
	if len(children) != 1 || !strings.EqualFold(children[0].Name(), transferFileName) {
		t.Fatalf("expected a single %s entry, got %d entries", transferFileName, len(children))
	}
	data, err := io.ReadAll(children[0].Reader())
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if got, want := string(data), "tar bytes"; got != want {
		t.Fatalf("unexpected payload: got %q want %q", got, want)
	}
}
