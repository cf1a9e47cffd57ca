package libvirt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	transferFileName = "payload.tar"
	transferLabel    = "CLEANBUILD"
)

type toolRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func runTool(ctx context.Context, binary string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (output: %s)", binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// createOverlay makes a copy-on-write qcow2 disk of sizeGiB backed by base,
// so the cached base image is never written to.
func createOverlay(ctx context.Context, run toolRunner, qemuImg, base, overlay string, sizeGiB int64) error {
	out, err := run(ctx, qemuImg, "info", "--output=json", base)
	if err != nil {
		return fmt.Errorf("inspect base image: %w", err)
	}
	var info struct {
		Format      string `json:"format"`
		VirtualSize int64  `json:"virtual-size"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return fmt.Errorf("decode qemu-img info for %s: %w", base, err)
	}
	if info.Format == "" {
		return fmt.Errorf("qemu-img could not determine the format of %s", base)
	}
	if err := os.Remove(overlay); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale overlay: %w", err)
	}
	size := sizeGiB << 30
	if info.VirtualSize > size {
		size = info.VirtualSize
	}
	if _, err := run(ctx, qemuImg, "create", "-f", "qcow2", "-F", info.Format, "-b", base, overlay, strconv.FormatInt(size, 10)); err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}
	return nil
}

// writeTransferISO stores a tar payload on a single-file ISO image. The name
// is already valid ISO9660 so the guest sees it unchanged.
func writeTransferISO(isoPath string, payload io.Reader) error {
	w, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer w.Cleanup()

	if err := w.AddFile(payload, transferFileName); err != nil {
		return fmt.Errorf("stage transfer payload: %w", err)
	}
	out, err := os.OpenFile(isoPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create transfer image: %w", err)
	}
	if err := w.WriteTo(out, transferLabel); err != nil {
		out.Close()
		_ = os.Remove(isoPath)
		return fmt.Errorf("write transfer image: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(isoPath)
		return fmt.Errorf("finalize transfer image: %w", err)
	}
	return nil
}
