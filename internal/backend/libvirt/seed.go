package libvirt

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"
)

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

type writeFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions,omitempty"`
}

type cloudConfig struct {
	Hostname      string      `yaml:"hostname"`
	PackageUpdate bool        `yaml:"package_update"`
	Packages      []string    `yaml:"packages"`
	WriteFiles    []writeFile `yaml:"write_files"`
	RunCmd        [][]string  `yaml:"runcmd"`
}

const autologinUnit = `[Service]
ExecStart=
ExecStart=-/sbin/agetty --autologin root --keep-baud 115200,38400,9600 %I $TERM
`

// seedFiles renders the NoCloud documents for a build guest. The guest
// installs the qemu guest agent and logs root into the serial console so
// the console can serve as the interactive shell.
func seedFiles(hostname, instanceID, console string) (map[string][]byte, error) {
	meta, err := yaml.Marshal(metaData{InstanceID: instanceID, LocalHostname: hostname})
	if err != nil {
		return nil, fmt.Errorf("render meta-data: %w", err)
	}
	getty := "serial-getty@" + console + ".service"
	user, err := yaml.Marshal(cloudConfig{
		Hostname:      hostname,
		PackageUpdate: true,
		Packages:      []string{"qemu-guest-agent"},
		WriteFiles: []writeFile{{
			Path:        "/etc/systemd/system/" + getty + ".d/autologin.conf",
			Content:     autologinUnit,
			Permissions: "0644",
		}},
		RunCmd: [][]string{
			{"systemctl", "daemon-reload"},
			{"systemctl", "start", "qemu-guest-agent"},
			{"systemctl", "restart", getty},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("render user-data: %w", err)
	}
	return map[string][]byte{
		"meta-data":   meta,
		"user-data":   append([]byte("#cloud-config\n"), user...),
		"vendor-data": {},
	}, nil
}

// serveSeed serves files over HTTP on addr until stop is called.
func serveSeed(addr netip.Addr, files map[string][]byte) (string, func(), error) {
	ln, err := net.Listen("tcp", netip.AddrPortFrom(addr, 0).String())
	if err != nil {
		return "", nil, fmt.Errorf("listen for cloud-init seed on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	for name, body := range files {
		mux.HandleFunc("GET /"+name, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write(body)
		})
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return "http://" + ln.Addr().String() + "/", func() { _ = srv.Close() }, nil
}
