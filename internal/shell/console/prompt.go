package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// ErrNoAnswer is returned by a scripted prompter that ran out of answers.
var ErrNoAnswer = errors.New("no scripted answer left")

// Question is a yes/no question for the operator.
type Question struct {
	Title       string
	Description string
	Default     bool // answer used when nobody can be asked
}

// Prompter asks the operator yes/no questions.
type Prompter interface {
	Confirm(ctx context.Context, q Question) (bool, error)
	// Interactive reports whether a person answers the questions.
	Interactive() bool
}

// NewPrompter picks the prompter for the current process: auto-approve with
// --yes, defaults with --non-interactive or when stdin is not a terminal,
// and a terminal form otherwise.
func NewPrompter(yes, nonInteractive bool) Prompter {
	switch {
	case yes:
		return AutoApprove{}
	case nonInteractive || !StdinIsTerminal():
		return NonInteractive{}
	default:
		return &Terminal{}
	}
}

// StdinIsTerminal reports whether stdin is attached to a terminal.
func StdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// =============================================================================
// Implementations
// =============================================================================

// Terminal asks with a huh confirm form.
type Terminal struct {
	mu sync.Mutex
}

// Confirm shows the form and waits for an answer. Ctrl-C cancels.
func (t *Terminal) Confirm(ctx context.Context, q Question) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	answer := q.Default
	confirm := huh.NewConfirm().
		Title(q.Title).
		Affirmative("Yes").
		Negative("No").
		Value(&answer)
	if q.Description != "" {
		confirm = confirm.Description(q.Description)
	}

	if err := huh.NewForm(huh.NewGroup(confirm)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, fmt.Errorf("prompt aborted: %w", context.Canceled)
		}
		return false, err
	}
	return answer, nil
}

// Interactive always reports true.
func (t *Terminal) Interactive() bool { return true }

// AutoApprove answers yes to everything.
type AutoApprove struct{}

func (AutoApprove) Confirm(ctx context.Context, _ Question) (bool, error) {
	return true, ctx.Err()
}

func (AutoApprove) Interactive() bool { return false }

// NonInteractive answers every question with its default.
type NonInteractive struct{}

func (NonInteractive) Confirm(ctx context.Context, q Question) (bool, error) {
	return q.Default, ctx.Err()
}

func (NonInteractive) Interactive() bool { return false }

// Scripted answers from a fixed list and records the questions asked.
type Scripted struct {
	mu      sync.Mutex
	answers []bool
	asked   []Question
}

// NewScripted creates a scripted prompter.
func NewScripted(answers ...bool) *Scripted {
	return &Scripted{answers: answers}
}

func (s *Scripted) Confirm(ctx context.Context, q Question) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.asked = append(s.asked, q)
	if len(s.answers) == 0 {
		return false, ErrNoAnswer
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

// Interactive reports true so callers take their interactive path.
func (s *Scripted) Interactive() bool { return true }

// Asked returns the questions asked so far.
func (s *Scripted) Asked() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Question(nil), s.asked...)
}
