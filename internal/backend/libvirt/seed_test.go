package libvirt

import (
	"io"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestSeedFilesInstallGuestAgent(t *testing.T) {
	t.Parallel()

	files, err := seedFiles("cleanbuild-ws", "00000000-0000-4000-8000-000000000001", "ttyS0")
	if err != nil {
		t.Fatalf("seedFiles returned error: %v", err)
	}
	user := string(files["user-data"])
	if !strings.HasPrefix(user, "#cloud-config\n") {
		t.Fatalf("user-data must start with #cloud-config, got:\n%s", user)
	}

	var cfg cloudConfig
	if err := yaml.Unmarshal(files["user-data"], &cfg); err != nil {
		t.Fatalf("parse user-data: %v", err)
	}
	if !slices.Contains(cfg.Packages, "qemu-guest-agent") {
		t.Fatalf("expected qemu-guest-agent package, got %v", cfg.Packages)
	}
	if got, want := cfg.WriteFiles[0].Path, "/etc/systemd/system/serial-getty@ttyS0.service.d/autologin.conf"; got != want {
		t.Fatalf("unexpected autologin drop-in: got %q want %q", got, want)
	}
	if !slices.ContainsFunc(cfg.RunCmd, func(cmd []string) bool { return slices.Equal(cmd, []string{"systemctl", "start", "qemu-guest-agent"}) }) {
		t.Fatalf("expected guest agent start in runcmd, got %v", cfg.RunCmd)
	}

	var meta metaData
	if err := yaml.Unmarshal(files["meta-data"], &meta); err != nil {
		t.Fatalf("parse meta-data: %v", err)
	}
	if meta.InstanceID != "00000000-0000-4000-8000-000000000001" || meta.LocalHostname != "cleanbuild-ws" {
		t.Fatalf("unexpected meta-data: %+v", meta)
	}
	if _, ok := files["vendor-data"]; !ok {
		t.Fatal("expected empty vendor-data document")
	}
}

func TestServeSeed(t *testing.T) {
	t.Parallel()

	url, stop, err := serveSeed(netip.MustParseAddr("127.0.0.1"), map[string][]byte{"meta-data": []byte("instance-id: x\n")})
	if err != nil {
		t.Fatalf("serveSeed returned error: %v", err)
	}
	defer stop()
	if !strings.HasPrefix(url, "http://127.0.0.1:") || !strings.HasSuffix(url, "/") {
		t.Fatalf("unexpected seed url %q", url)
	}

	resp, err := http.Get(url + "meta-data")
	if err != nil {
		t.Fatalf("fetch meta-data: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if got, want := string(body), "instance-id: x\n"; got != want {
		t.Fatalf("unexpected meta-data: got %q want %q", got, want)
	}

	resp, err = http.Get(url + "user-data")
	if err != nil {
		t.Fatalf("fetch user-data: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status for unknown document: %d", resp.StatusCode)
	}
}
