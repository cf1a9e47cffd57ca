package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/cleanbuild/internal/backend"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "cleanbuild"
	}

	var out strings.Builder
	icon := "🏗"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}
	fmt.Fprintf(&out, "\n%s %s\n", icon, title)

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		line := key + ": " + value
		if color {
			line = ansiWrap("38;5;252", line)
		}
		fmt.Fprintf(&out, "   %s\n", line)
	}
	out.WriteByte('\n')
	return out.String()
}

var doctorStatusStyle = map[string]struct{ icon, code string }{
	"pass": {"✓", "1;32"},
	"warn": {"!", "1;33"},
	"fail": {"✗", "1;31"},
}

func renderDoctorReport(providerName string, checks []backend.DoctorCheck, color bool) string {
	name := strings.TrimSpace(providerName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		style, ok := doctorStatusStyle[status]
		if !ok {
			style.icon, style.code = "?", "1;37"
		}
		statusBlock := fmt.Sprintf("%s [%s]", style.icon, status)
		if color {
			statusBlock = ansiWrap(style.code, statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		fmt.Fprintf(&out, "%s %s: %s\n", statusBlock, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// shouldUseANSI honours NO_COLOR and CLICOLOR=0 first, then CLICOLOR_FORCE,
// and otherwise colours only terminals.
func shouldUseANSI(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" {
		n, err := strconv.Atoi(force)
		return err != nil || n != 0
	}
	return isTerminal(f)
}

var levelColors = map[log.Level]string{
	log.DebugLevel: "45",
	log.InfoLevel:  "48",
	log.WarnLevel:  "214",
	log.ErrorLevel: "203",
	log.FatalLevel: "197",
}

func applyLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, c := range levelColors {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(c))
	}
	logger.SetStyles(styles)
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
