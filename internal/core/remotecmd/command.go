// Package remotecmd defines remote commands as typed values. A command is
// planned in the functional core and executed by whatever Runner the shell
// provides (an SSH session in production, a fake host in tests).
package remotecmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alessio/shellescape"
)

// =============================================================================
// Policy
// =============================================================================

// Policy decides what a failing command does to the batch it belongs to.
type Policy int

const (
	// Fatal aborts the remaining commands of the batch.
	Fatal Policy = iota
	// WarnOnly logs the failure and continues.
	WarnOnly
)

func (p Policy) String() string {
	if p == WarnOnly {
		return "warn-only"
	}
	return "fatal"
}

// =============================================================================
// Command
// =============================================================================

// Command is one remote invocation.
type Command struct {
	Name   string    // short label used in logs and errors
	Argv   []string  // program and arguments, quoted by Line
	Sudo   bool      // run through non-interactive sudo
	Stdin  io.Reader // optional input stream
	Policy Policy
}

// New creates a fatal command.
func New(name string, argv ...string) Command {
	return Command{Name: name, Argv: argv}
}

// WarnOnly returns a copy of c that does not abort its batch.
func (c Command) WarnOnly() Command {
	c.Policy = WarnOnly
	return c
}

// WithSudo returns a copy of c run through sudo when enabled.
func (c Command) WithSudo(enabled bool) Command {
	c.Sudo = c.Sudo || enabled
	return c
}

// WithStdin returns a copy of c reading r as standard input.
func (c Command) WithStdin(r io.Reader) Command {
	c.Stdin = r
	return c
}

// Line returns the shell line executed on the remote host.
func (c Command) Line() string {
	line := shellescape.QuoteCommand(c.Argv)
	if c.Sudo {
		return "sudo -n " + line
	}
	return line
}

// Program returns the first argv element, "" if empty.
func (c Command) Program() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

// =============================================================================
// Result
// =============================================================================

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// StdoutString returns trimmed stdout.
func (r Result) StdoutString() string {
	return strings.TrimSpace(string(r.Stdout))
}

// StderrTail returns the last n non-empty lines of stderr.
func (r Result) StderrTail(n int) string {
	return tail(string(r.Stderr), n)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}

// ExitError is returned by a Runner when a command exits non-zero.
type ExitError struct {
	Name     string
	Line     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Name, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Name, e.ExitCode)
}

// NewExitError builds the error for a finished command.
func NewExitError(c Command, r Result) *ExitError {
	return &ExitError{
		Name:     c.Name,
		Line:     c.Line(),
		ExitCode: r.ExitCode,
		Stderr:   r.StderrTail(5),
	}
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes commands on the target host. A non-zero exit returns the
// populated Result together with an *ExitError.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}
