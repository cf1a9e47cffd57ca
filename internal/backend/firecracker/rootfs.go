package firecracker

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/buildkite/cleanbuild/internal/hosttools"
)

const (
	guestAgentPath = "/usr/local/bin/cleanbuild-guest-agent"
	guestInitPath  = "/sbin/cleanbuild-init"
)

const guestInitScript = `#!/bin/sh
set -eu

mount -t proc proc /proc 2>/dev/null || true
mount -t sysfs sysfs /sys 2>/dev/null || true
mount -t devtmpfs devtmpfs /dev 2>/dev/null || true
mkdir -p /dev/pts /run /tmp
mount -t devpts devpts /dev/pts 2>/dev/null || true
mount -t tmpfs tmpfs /run 2>/dev/null || true
chmod 1777 /tmp

export HOME=/root
export PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin
export TERM=xterm-256color

cmdline="$(cat /proc/cmdline 2>/dev/null || true)"
arg_value() {
  key="$1"
  for token in $cmdline; do
    case "$token" in
      "$key"=*) echo "${token#*=}"; return 0 ;;
    esac
  done
  return 1
}

hostname cleanbuild 2>/dev/null || true
if command -v ip >/dev/null 2>&1; then
  ip link set lo up 2>/dev/null || true
fi

DNS="$(arg_value cleanbuild_dns || true)"
if [ -n "$DNS" ]; then
  rm -f /etc/resolv.conf
  echo "nameserver $DNS" >/etc/resolv.conf
fi

GUEST_PORT="$(arg_value cleanbuild_guest_port || true)"
if [ -z "$GUEST_PORT" ]; then
  GUEST_PORT="10700"
fi
export CLEANBUILD_VSOCK_PORT="$GUEST_PORT"

while true; do
  /usr/local/bin/cleanbuild-guest-agent || true
  sleep 1
done
`

// prepareRootFS gives the instance a private writable copy of the cached
// image with the guest agent and init installed.
func prepareRootFS(_ context.Context, baseImage, dst, agentPath string) error {
	if err := copyFile(baseImage, dst); err != nil {
		return fmt.Errorf("copy %s: %w", baseImage, err)
	}
	initPath := filepath.Join(filepath.Dir(dst), "cleanbuild-init.sh")
	if err := os.WriteFile(initPath, []byte(guestInitScript), 0o755); err != nil {
		return fmt.Errorf("write guest init script: %w", err)
	}
	defer os.Remove(initPath)

	if err := injectFileIntoExt4(dst, agentPath, guestAgentPath, 0o755); err != nil {
		return fmt.Errorf("inject guest agent: %w", err)
	}
	if err := injectFileIntoExt4(dst, initPath, guestInitPath, 0o755); err != nil {
		return fmt.Errorf("inject guest init: %w", err)
	}
	return nil
}

func injectFileIntoExt4(imagePath, srcPath, dstPath string, mode os.FileMode) error {
	cleanDst := filepath.Clean(dstPath)
	if !strings.HasPrefix(cleanDst, "/") {
		return fmt.Errorf("destination path %q must be absolute", dstPath)
	}
	if err := ensureExt4Dir(imagePath, filepath.Dir(cleanDst)); err != nil {
		return err
	}
	if ext4PathExists(imagePath, cleanDst) {
		_ = runDebugFS(imagePath, true, "rm "+cleanDst)
	}
	if err := runDebugFS(imagePath, true, fmt.Sprintf("write %s %s", srcPath, cleanDst)); err != nil {
		return err
	}
	modeValue := fmt.Sprintf("%#o", uint32(0o100000)|uint32(mode.Perm()))
	return runDebugFS(imagePath, true, fmt.Sprintf("set_inode_field %s mode %s", cleanDst, modeValue))
}

func ensureExt4Dir(imagePath, dir string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(filepath.Clean("/"+dir), "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		if ext4PathExists(imagePath, cur) {
			continue
		}
		if err := runDebugFS(imagePath, true, "mkdir "+cur); err != nil {
			return err
		}
	}
	return nil
}

func ext4PathExists(imagePath, p string) bool {
	return runDebugFS(imagePath, false, "stat "+p) == nil
}

// runDebugFS is replaced in tests.
var runDebugFS = func(imagePath string, writable bool, command string) error {
	debugfs, err := hosttools.Resolve("debugfs")
	if err != nil {
		return err
	}
	args := make([]string, 0, 4)
	if writable {
		args = append(args, "-w")
	}
	args = append(args, "-R", command, imagePath)
	output, err := exec.Command(debugfs, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("debugfs command %q failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func discoverGuestAgent(configured, goarch string) (string, error) {
	return discoverGuestAgentWith(configured, goarch, exec.LookPath, os.Executable)
}

// discoverGuestAgentWith prefers the configured path, then an arch-suffixed
// build, then a plain build, each looked up in PATH and next to the running
// executable. Candidates that are not linux ELF binaries for goarch are
// skipped.
func discoverGuestAgentWith(configured, goarch string, lookPath func(string) (string, error), executable func() (string, error)) (string, error) {
	machine, ok := expectedGuestAgentELFMachine(goarch)
	if !ok {
		return "", fmt.Errorf("unsupported guest architecture %q", goarch)
	}
	if configured = strings.TrimSpace(configured); configured != "" {
		ok, err := isGuestAgentBinary(configured, machine)
		if err != nil {
			return "", fmt.Errorf("configured guest agent %q: %w", configured, err)
		}
		if !ok {
			return "", fmt.Errorf("configured guest agent %q is not a linux/%s binary", configured, goarch)
		}
		return configured, nil
	}

	archName := "cleanbuild-guest-agent-linux-" + goarch
	names := []string{archName, "cleanbuild-guest-agent"}
	candidates := append([]string(nil), names...)
	if self, err := executable(); err == nil {
		for _, name := range names {
			candidates = append(candidates, filepath.Join(filepath.Dir(self), name))
		}
	}
	for _, candidate := range candidates {
		resolved := candidate
		if !filepath.IsAbs(candidate) {
			p, err := lookPath(candidate)
			if err != nil {
				continue
			}
			resolved = p
		}
		if ok, _ := isGuestAgentBinary(resolved, machine); ok {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("linux guest agent binary not found for %s; build it with `GOOS=linux GOARCH=%s go build -o %s ./cmd/cleanbuild-guest-agent` or set guest_agent_path", goarch, goarch, archName)
}

func isGuestAgentBinary(path string, machine elf.Machine) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, errors.New("is a directory")
	}
	f, err := elf.Open(path)
	if err != nil {
		return false, nil
	}
	defer f.Close()
	return f.FileHeader.Machine == machine, nil
}

func expectedGuestAgentELFMachine(goarch string) (elf.Machine, bool) {
	switch goarch {
	case "arm64":
		return elf.EM_AARCH64, true
	case "amd64":
		return elf.EM_X86_64, true
	default:
		return 0, false
	}
}
