// Package recipe renders the provisioning recipes for build instances: the
// Dockerfile used by the container backend and the bootstrap script run
// inside VM guests.
package recipe

import (
	"bytes"
	"embed"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

type distro struct {
	ubuntu string
	ros2   bool
}

var distros = map[string]distro{
	"noetic":   {ubuntu: "focal"},
	"foxy":     {ubuntu: "focal", ros2: true},
	"galactic": {ubuntu: "focal", ros2: true},
	"humble":   {ubuntu: "jammy", ros2: true},
	"iron":     {ubuntu: "jammy", ros2: true},
	"jazzy":    {ubuntu: "noble", ros2: true},
	"kilted":   {ubuntu: "noble", ros2: true},
	"rolling":  {ubuntu: "noble", ros2: true},
}

// Distros returns the supported ROS distributions in sorted order.
func Distros() []string {
	out := make([]string, 0, len(distros))
	for name := range distros {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UbuntuRelease returns the Ubuntu codename a ROS distribution targets.
func UbuntuRelease(rosDistro string) (string, error) {
	d, ok := distros[strings.ToLower(strings.TrimSpace(rosDistro))]
	if !ok {
		return "", fmt.Errorf("unsupported ROS distribution %q (supported: %s)", rosDistro, strings.Join(Distros(), ", "))
	}
	return d.ubuntu, nil
}

// Arch names one CPU architecture in the vocabularies the recipes need.
type Arch struct {
	// Debian is the dpkg architecture, e.g. amd64.
	Debian string
	// Machine is the kernel/qemu name, e.g. x86_64.
	Machine string
}

// GoArch returns the GOARCH spelling of the architecture.
func (a Arch) GoArch() string {
	switch a.Debian {
	case "armhf":
		return "arm"
	case "ppc64el":
		return "ppc64le"
	default:
		return a.Debian
	}
}

// NormalizeArch maps a Go, dpkg or uname architecture string to an Arch.
func NormalizeArch(value string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "x86-64", "amd64":
		return Arch{Debian: "amd64", Machine: "x86_64"}, nil
	case "aarch64", "arm64":
		return Arch{Debian: "arm64", Machine: "aarch64"}, nil
	case "armv7l", "armv7", "armhf", "arm":
		return Arch{Debian: "armhf", Machine: "armv7l"}, nil
	case "ppc64le", "ppc64el":
		return Arch{Debian: "ppc64el", Machine: "ppc64le"}, nil
	case "s390x":
		return Arch{Debian: "s390x", Machine: "s390x"}, nil
	default:
		return Arch{}, fmt.Errorf("unsupported architecture %q", value)
	}
}

// HostArch is NormalizeArch for the running binary.
func HostArch() (Arch, error) {
	return NormalizeArch(runtime.GOARCH)
}

type Params struct {
	Arch          Arch
	BaseImage     string
	UbuntuRelease string
	ROSDistro     string
}

type renderData struct {
	Params
	Run           string
	Shell         bool
	Repository    string
	ColconPackage string
}

func (p Params) validate() (distro, error) {
	d, ok := distros[p.ROSDistro]
	if !ok {
		return distro{}, fmt.Errorf("unsupported ROS distribution %q", p.ROSDistro)
	}
	if p.UbuntuRelease == "" {
		return distro{}, fmt.Errorf("ubuntu release is required")
	}
	if p.Arch.Debian == "" {
		return distro{}, fmt.Errorf("architecture is required")
	}
	return d, nil
}

func (p Params) data(d distro, run string, shell bool) renderData {
	repo := "ros"
	if d.ros2 {
		repo = "ros2"
	}
	return renderData{
		Params:        p,
		Run:           run,
		Shell:         shell,
		Repository:    repo,
		ColconPackage: "python3-colcon-common-extensions",
	}
}

// Dockerfile renders the container image recipe.
func Dockerfile(p Params) ([]byte, error) {
	d, err := p.validate()
	if err != nil {
		return nil, err
	}
	if p.BaseImage == "" {
		p.BaseImage = "ubuntu:" + p.UbuntuRelease
	}
	return render("Dockerfile.tmpl", p.data(d, "RUN ", false))
}

// BootstrapScript renders the shell script that provisions a VM guest.
func BootstrapScript(p Params) (string, error) {
	d, err := p.validate()
	if err != nil {
		return "", err
	}
	out, err := render("bootstrap.sh.tmpl", p.data(d, "", true))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func render(name string, data renderData) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
