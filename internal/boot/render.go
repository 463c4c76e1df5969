package boot

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent = lipgloss.Color("#10B981")
	colorError  = lipgloss.Color("#EF4444")
	colorWarn   = lipgloss.Color("#F59E0B")
	colorCyan   = lipgloss.Color("#06B6D4")
	colorMuted  = lipgloss.Color("#6B7280")

	infoStyle  = lipgloss.NewStyle().Foreground(colorAccent)
	okStyle    = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9FAFB")).Bold(true)
	stepStyle  = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarn)
	codeStyle  = lipgloss.NewStyle().
			Foreground(colorAccent).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// StyledReporter prints the boot log with [OK]/[ERR] prefixes.
type StyledReporter struct {
	w io.Writer
}

func NewStyledReporter(w io.Writer) *StyledReporter {
	return &StyledReporter{w: w}
}

func (r *StyledReporter) Info(msg string) {
	fmt.Fprintln(r.w, infoStyle.Render(msg))
}

func (r *StyledReporter) OK(msg string) {
	fmt.Fprintln(r.w, okStyle.Render("[OK] ")+infoStyle.Render(msg))
}

func (r *StyledReporter) Fail(msg string) {
	fmt.Fprintln(r.w, failStyle.Render("[ERR] ")+failStyle.Render(msg))
}

// Banner renders the client title line.
func Banner() string {
	return titleStyle.Render("SANTINEL") + " " + dimStyle.Render("INITIALIZING KERNEL...")
}

// InstallCommand is the one-liner that builds and starts the backend on the
// target host.
func InstallCommand(listenAddr string) string {
	return strings.Join([]string{
		"git clone https://github.com/santinel/santinel.git",
		"cd santinel",
		"go build -o santinel-server ./cmd/server",
		"./santinel-server --listen " + listenAddr,
	}, " && ")
}

// RenderInstaller renders the bootstrap instructions shown in
// INSTALLER_MODE. current is the address that failed.
func RenderInstaller(current string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SANTINEL INSTALLER") + "\n")
	b.WriteString(dimStyle.Render("checking dependencies... ") + failStyle.Render("[MISSING CORE]") + "\n")
	b.WriteString(dimStyle.Render("target environment... ") + stepStyle.Render("[PTY SHELL HOST]") + "\n")
	b.WriteString(dimStyle.Render("protocol... ") + "REAL-TIME WEBSOCKET\n\n")

	b.WriteString(stepStyle.Render("1") + " PREPARATION\n")
	b.WriteString(dimStyle.Render("  Install git and a Go toolchain on the host that will run the shell.") + "\n\n")

	b.WriteString(stepStyle.Render("2") + " BUILD & START\n")
	b.WriteString(codeStyle.Render(InstallCommand(":3001")) + "\n")
	b.WriteString(warnStyle.Render("  The first build downloads dependencies and can take a minute.") + "\n\n")

	b.WriteString(stepStyle.Render("3") + " LINK\n")
	b.WriteString(dimStyle.Render("  Enter the host address (keep localhost on the same machine).") + "\n")
	b.WriteString(dimStyle.Render("  Current: ") + current + "\n")
	return b.String()
}
