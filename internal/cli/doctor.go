package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/buildkite/cleanbuild/internal/backend"
)

type DoctorCommand struct {
	Provider string `short:"p" help:"Provider to diagnose (defaults to runtime config or docker)"`
	JSON     bool   `help:"Print doctor report as JSON"`
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	providerName := resolveProviderName(d.Provider, ctx.Config.DefaultProvider)
	factory, err := ctx.Registry.Lookup(providerName)
	if err != nil {
		return err
	}

	checks := []backend.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
		{Name: "provider", Status: "pass", Message: fmt.Sprintf("selected provider %s", providerName)},
	}
	if ctx.Config.ROSDistro != "" {
		if _, _, err := resolveDistro("", ctx.Config.ROSDistro); err != nil {
			checks = append(checks, backend.DoctorCheck{Name: "ros_distro", Status: "fail", Message: err.Error()})
		} else {
			checks = append(checks, backend.DoctorCheck{Name: "ros_distro", Status: "pass", Message: "default distribution " + ctx.Config.ROSDistro})
		}
	}

	if checker, ok := factory.(backend.Doctorer); ok {
		report, err := checker.Doctor(context.Background())
		if err != nil {
			return err
		}
		checks = append(checks, report.Checks...)
	} else {
		checks = append(checks, backend.DoctorCheck{
			Name:    "provider_doctor",
			Status:  "warn",
			Message: "selected provider does not expose doctor diagnostics",
		})
	}
	caps := backend.CapabilitiesForFactory(factory)

	if d.JSON {
		payload := map[string]any{
			"provider":     providerName,
			"checks":       checks,
			"capabilities": caps,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else if err := writeDoctorText(ctx, providerName, checks, caps); err != nil {
		return err
	}

	report := backend.DoctorReport{Backend: providerName, Checks: checks}
	if report.Failed() {
		return exitCodeError{code: 1}
	}
	return nil
}

func writeDoctorText(ctx *runtimeContext, providerName string, checks []backend.DoctorCheck, caps map[string]bool) error {
	if _, err := io.WriteString(ctx.Stdout, renderDoctorReport(providerName, checks, shouldUseANSI(ctx.Stderr))); err != nil {
		return err
	}
	var enabled []string
	for _, key := range backend.SortedCapabilityKeys(caps) {
		if caps[key] {
			enabled = append(enabled, key)
		}
	}
	if len(enabled) == 0 {
		return nil
	}
	_, err := fmt.Fprintf(ctx.Stdout, "capabilities: %s\n", strings.Join(enabled, ", "))
	return err
}
