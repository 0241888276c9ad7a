// Package console renders operator-facing output and asks the operator
// questions. Structured logs go through slog; this package is for people.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/artpar/shipctl/internal/core/domain"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
)

var styles = struct {
	Title      lipgloss.Style
	Muted      lipgloss.Style
	Success    lipgloss.Style
	Warning    lipgloss.Style
	Error      lipgloss.Style
	Command    lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Command: lipgloss.NewStyle().Bold(true),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorError).
		Padding(0, 1),
}

// Console writes styled operator output.
type Console struct {
	out io.Writer
	err io.Writer
}

// New creates a console writing to out and err.
func New(out, err io.Writer) *Console {
	return &Console{out: out, err: err}
}

// Stdio returns a console on the process's standard streams.
func Stdio() *Console {
	return New(os.Stdout, os.Stderr)
}

// Discard returns a console that prints nothing.
func Discard() *Console {
	return New(io.Discard, io.Discard)
}

// Title prints a section heading.
func (c *Console) Title(text string) {
	fmt.Fprintln(c.out, styles.Title.Render(text))
}

// Info prints an informational line.
func (c *Console) Info(format string, args ...any) {
	fmt.Fprintf(c.out, "%s %s\n", styles.Muted.Render("│"), fmt.Sprintf(format, args...))
}

// Success prints a success line.
func (c *Console) Success(format string, args ...any) {
	fmt.Fprintf(c.out, "%s %s\n", styles.Success.Render("✓"), fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintf(c.err, "%s %s\n", styles.Warning.Render("⚠"), fmt.Sprintf(format, args...))
}

// WarningBox prints a boxed instruction with optional commands.
func (c *Console) WarningBox(title string, lines ...string) {
	fmt.Fprintln(c.err, styles.WarningBox.Render(box(styles.Warning, title, lines)))
}

// Failure prints err with its remediation commands. Health timeouts render
// as warnings since they do not fail the run.
func (c *Console) Failure(err error) {
	if err == nil {
		return
	}
	var de *domain.DeployError
	title := err.Error()
	var commands []string
	if errors.As(err, &de) {
		commands = de.Remediation
	}

	if !domain.IsFatal(err) {
		c.WarningBox(title, commandLines(commands)...)
		return
	}
	fmt.Fprintln(c.err, styles.ErrorBox.Render(box(styles.Error, title, commandLines(commands))))
}

// Table prints rows under headers.
func (c *Console) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.Muted).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(c.out, t.Render())
}

func commandLines(commands []string) []string {
	if len(commands) == 0 {
		return nil
	}
	lines := []string{"", "Run to investigate or recover:"}
	for _, cmd := range commands {
		lines = append(lines, "  "+styles.Command.Render(cmd))
	}
	return lines
}

func box(titleStyle lipgloss.Style, title string, lines []string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Bold(true).Render(title))
	for _, l := range lines {
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return b.String()
}
