package backend

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	// WorkspaceDir is the fixed working directory of every instance.
	WorkspaceDir = "/ws"
	// SourceDir receives uploaded packages.
	SourceDir = WorkspaceDir + "/src"
	// ScriptPath is where inline scripts are written.
	ScriptPath = "/tmp/script"
)

const (
	CapabilityHostDoctor     = "host.doctor"
	CapabilityImageBuild     = "image.build"
	CapabilityImageCache     = "image.cache"
	CapabilityExecTTY        = "exec.tty"
	CapabilityVMIsolation    = "instance.vm_isolation"
	CapabilityCustomImage    = "image.custom"
	CapabilityGuestBootstrap = "instance.bootstrap"
)

var knownCapabilityKeys = []string{
	CapabilityHostDoctor,
	CapabilityImageBuild,
	CapabilityImageCache,
	CapabilityExecTTY,
	CapabilityVMIsolation,
	CapabilityCustomImage,
	CapabilityGuestBootstrap,
}

// Provider is the uniform contract over one live build instance.
type Provider interface {
	Name() string
	InstanceName() string
	ExecuteCommand(ctx context.Context, command []string) (int, error)
	ExecuteCommands(ctx context.Context, commands []string) (int, error)
	Upload(ctx context.Context, localPath string) (string, error)
	Download(ctx context.Context, instancePath, hostPath string) error
	WriteInlineScript(ctx context.Context, content string) (string, error)
	Shell(ctx context.Context) error
	WaitForInstall(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory constructs a ready Provider for one backend. Flags returns a
// kong-tagged struct pointer holding backend-specific construction arguments,
// or nil when the backend has none.
type Factory interface {
	Name() string
	Flags() any
	New(ctx context.Context, req Request) (Provider, error)
}

type Request struct {
	InstanceName  string
	ROSDistro     string
	UbuntuRelease string
	Logger        *log.Logger
}

// InstanceNameFor derives the deterministic instance name for a caller
// supplied identifier.
func InstanceNameFor(id string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if name == "" {
		name = "default"
	}
	if len(name) > 48 {
		name = strings.TrimRight(name[:48], "-")
	}
	return "cleanbuild-" + name
}

// Doctorer is implemented by factories that can check host prerequisites
// without provisioning anything.
type Doctorer interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

// CapabilityReporter allows factories to publish backend-specific capability
// flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// CapabilitiesForFactory returns a merged capability map for the factory.
// host.doctor is inferred from Doctorer; everything else comes from
// CapabilityReporter.
func CapabilitiesForFactory(factory Factory) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}

	if factory == nil {
		return caps
	}
	if _, ok := factory.(Doctorer); ok {
		caps[CapabilityHostDoctor] = true
	}
	if reporter, ok := factory.(CapabilityReporter); ok {
		for key, value := range reporter.Capabilities() {
			caps[key] = value
		}
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CloneCapabilities returns a detached copy of the capability map.
func CloneCapabilities(caps map[string]bool) map[string]bool {
	out := make(map[string]bool, len(caps))
	maps.Copy(out, caps)
	return out
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// Add appends a check to the report.
func (r *DoctorReport) Add(name, status, message string) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: message})
}

// Addf is Add with a formatted message.
func (r *DoctorReport) Addf(name, status, format string, args ...any) {
	r.Add(name, status, fmt.Sprintf(format, args...))
}

// Failed reports whether any check has status fail.
func (r *DoctorReport) Failed() bool {
	for _, check := range r.Checks {
		if check.Status == "fail" {
			return true
		}
	}
	return false
}
