package libvirt

import (
	"bytes"
	"embed"
	"encoding/xml"
	"fmt"
	"strings"
	"text/template"

	"github.com/buildkite/cleanbuild/internal/recipe"
)

//go:embed templates/domain.xml.tmpl
var templateFS embed.FS

var domainTemplates = template.Must(template.New("").Funcs(template.FuncMap{
	"xml": escapeXML,
}).ParseFS(templateFS, "templates/domain.xml.tmpl"))

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// machine describes how a guest architecture is booted.
type machine struct {
	arch        string
	machineType string
	efi         bool
	console     string
}

func machineFor(arch recipe.Arch) (machine, error) {
	switch arch.Machine {
	case "x86_64":
		return machine{arch: "x86_64", machineType: "q35", console: "ttyS0"}, nil
	case "aarch64":
		return machine{arch: "aarch64", machineType: "virt", efi: true, console: "ttyAMA0"}, nil
	default:
		return machine{}, fmt.Errorf("no libvirt machine definition for %s", arch.Machine)
	}
}

type domainSpec struct {
	Name       string
	UUID       string
	MemoryMiB  int64
	VCPUs      int64
	SeedSerial string
	Overlay    string
	Network    string

	Machine     string
	MachineType string
	EFI         bool
}

func renderDomain(spec domainSpec) (string, error) {
	var buf bytes.Buffer
	if err := domainTemplates.ExecuteTemplate(&buf, "domain", spec); err != nil {
		return "", fmt.Errorf("render domain definition: %w", err)
	}
	return buf.String(), nil
}

// transferDevice renders the cdrom used for uploads. An empty isoPath ejects
// the media.
func transferDevice(isoPath string) (string, error) {
	var buf bytes.Buffer
	if err := domainTemplates.ExecuteTemplate(&buf, "transfer-cdrom", isoPath); err != nil {
		return "", fmt.Errorf("render transfer device: %w", err)
	}
	return buf.String(), nil
}

// seedSerial points cloud-init's NoCloud datasource at the seed server
// through the SMBIOS system serial number.
func seedSerial(url string) string {
	return "ds=nocloud-net;s=" + url
}
