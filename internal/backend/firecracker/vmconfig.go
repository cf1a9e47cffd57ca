package firecracker

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
)

type firecrackerConfig struct {
	BootSource        bootSource         `json:"boot-source"`
	Drives            []drive            `json:"drives"`
	MachineConfig     machineConfig      `json:"machine-config"`
	NetworkInterfaces []networkInterface `json:"network-interfaces,omitempty"`
	Vsock             *vsockConfig       `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// guestNetwork is a static IPv4 configuration on a tap device the host
// administrator has already created and routed.
type guestNetwork struct {
	tap     string
	guest   netip.Prefix
	gateway netip.Addr
	dns     string
}

func parseGuestNetwork(opts Options) (*guestNetwork, error) {
	tap := strings.TrimSpace(opts.TapDevice)
	if tap == "" {
		if strings.TrimSpace(opts.GuestIP) != "" {
			return nil, fmt.Errorf("guest_ip %q needs tap_device", opts.GuestIP)
		}
		return nil, nil
	}
	guest, err := netip.ParsePrefix(strings.TrimSpace(opts.GuestIP))
	if err != nil || !guest.Addr().Is4() {
		return nil, fmt.Errorf("tap_device %q needs guest_ip as an IPv4 CIDR, got %q", tap, opts.GuestIP)
	}
	n := &guestNetwork{tap: tap, guest: guest, dns: strings.TrimSpace(opts.DNS)}
	if raw := strings.TrimSpace(opts.GatewayIP); raw != "" {
		gateway, err := netip.ParseAddr(raw)
		if err != nil || !gateway.Is4() {
			return nil, fmt.Errorf("invalid gateway_ip %q", raw)
		}
		if !guest.Contains(gateway) {
			return nil, fmt.Errorf("gateway_ip %s is outside guest network %s", gateway, guest.Masked())
		}
		n.gateway = gateway
	}
	if n.dns != "" {
		if _, err := netip.ParseAddr(n.dns); err != nil {
			return nil, fmt.Errorf("invalid dns %q", n.dns)
		}
	}
	return n, nil
}

// guestMAC derives a locally administered MAC from the guest address so the
// same configuration always yields the same interface.
func (n *guestNetwork) guestMAC() string {
	ip := n.guest.Addr().As4()
	return fmt.Sprintf("06:00:%02X:%02X:%02X:%02X", ip[0], ip[1], ip[2], ip[3])
}

// kernelIPArg renders the kernel ip= parameter:
// client::gateway:netmask::device:autoconf.
func (n *guestNetwork) kernelIPArg() string {
	mask := net.IP(net.CIDRMask(n.guest.Bits(), 32)).String()
	gateway := ""
	if n.gateway.IsValid() {
		gateway = n.gateway.String()
	}
	return fmt.Sprintf("ip=%s::%s:%s::eth0:off", n.guest.Addr(), gateway, mask)
}

func (f *Factory) bootArgs(network *guestNetwork) string {
	args := []string{
		"console=ttyS0",
		"reboot=k",
		"panic=1",
		"pci=off",
		"init=" + guestInitPath,
		fmt.Sprintf("cleanbuild_guest_port=%d", f.opts.GuestPort),
	}
	if network != nil {
		args = append(args, network.kernelIPArg())
		if network.dns != "" {
			args = append(args, "cleanbuild_dns="+network.dns)
		}
	}
	return strings.Join(args, " ")
}

func (f *Factory) vmConfig(kernelPath, rootfsPath, vsockPath string, network *guestNetwork) firecrackerConfig {
	cfg := firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: kernelPath,
			BootArgs:        f.bootArgs(network),
		},
		Drives: []drive{{
			DriveID:      "rootfs",
			PathOnHost:   rootfsPath,
			IsRootDevice: true,
		}},
		MachineConfig: machineConfig{
			VCPUCount:  f.opts.VCPUs,
			MemSizeMiB: f.opts.MemoryMiB,
		},
		Vsock: &vsockConfig{
			VsockID:  "cleanbuild-vsock",
			GuestCID: f.opts.GuestCID,
			UDSPath:  vsockPath,
		},
	}
	if network != nil {
		cfg.NetworkInterfaces = []networkInterface{{
			IfaceID:     "eth0",
			GuestMAC:    network.guestMAC(),
			HostDevName: network.tap,
		}}
	}
	return cfg
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
