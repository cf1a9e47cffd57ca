package firecracker

import (
	"strings"
	"testing"
)

func TestParseGuestNetwork(t *testing.T) {
	t.Parallel()

	n, err := parseGuestNetwork(Options{TapDevice: "fc-tap0", GuestIP: "172.16.0.2/24", GatewayIP: "172.16.0.1", DNS: "1.1.1.1"})
	if err != nil {
		t.Fatalf("parseGuestNetwork returned error: %v", err)
	}
	if got, want := n.kernelIPArg(), "ip=172.16.0.2::172.16.0.1:255.255.255.0::eth0:off"; got != want {
		t.Fatalf("unexpected ip arg: got %q want %q", got, want)
	}
	if got, want := n.guestMAC(), "06:00:AC:10:00:02"; got != want {
		t.Fatalf("unexpected guest mac: got %q want %q", got, want)
	}
}

func TestParseGuestNetworkDisabledWithoutTap(t *testing.T) {
	t.Parallel()

	n, err := parseGuestNetwork(Options{})
	if err != nil || n != nil {
		t.Fatalf("expected no network, got %+v err=%v", n, err)
	}
}

func TestParseGuestNetworkRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	for name, opts := range map[string]Options{
		"ip without tap":     {GuestIP: "172.16.0.2/24"},
		"tap without ip":     {TapDevice: "tap0"},
		"ipv6 guest":         {TapDevice: "tap0", GuestIP: "fd00::2/64"},
		"gateway off subnet": {TapDevice: "tap0", GuestIP: "172.16.0.2/24", GatewayIP: "10.0.0.1"},
		"bad dns":            {TapDevice: "tap0", GuestIP: "172.16.0.2/24", DNS: "dns.example"},
	} {
		if _, err := parseGuestNetwork(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestVMConfigAddsNetworkInterfaceAndBootArgs(t *testing.T) {
	t.Parallel()

	f := NewFactory(Options{TapDevice: "fc-tap0", GuestIP: "172.16.0.2/30", DNS: "9.9.9.9", GuestPort: 2000})
	n, err := parseGuestNetwork(f.opts)
	if err != nil {
		t.Fatalf("parseGuestNetwork returned error: %v", err)
	}
	cfg := f.vmConfig("/k/vmlinux", "/run/rootfs.ext4", "/run/vsock.sock", n)

	if len(cfg.NetworkInterfaces) != 1 || cfg.NetworkInterfaces[0].HostDevName != "fc-tap0" {
		t.Fatalf("unexpected network interfaces: %+v", cfg.NetworkInterfaces)
	}
	for _, want := range []string{
		"cleanbuild_guest_port=2000",
		"ip=172.16.0.2:::255.255.255.252::eth0:off",
		"cleanbuild_dns=9.9.9.9",
	} {
		if !strings.Contains(cfg.BootSource.BootArgs, want) {
			t.Fatalf("expected %q in boot args %q", want, cfg.BootSource.BootArgs)
		}
	}
	if got, want := cfg.Vsock.GuestCID, uint32(defaultGuestCID); got != want {
		t.Fatalf("unexpected guest cid: got %d want %d", got, want)
	}
	if got, want := cfg.MachineConfig.VCPUCount, int64(defaultVCPUs); got != want {
		t.Fatalf("unexpected vcpus: got %d want %d", got, want)
	}
}
