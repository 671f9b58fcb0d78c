package tui

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/justapithecus/promptopt/runtime"
)

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "cancel"),
	),
}

// IsTUISupported returns true if the command supports TUI mode.
func IsTUISupported(command string) bool {
	for _, c := range SupportedCommands() {
		if c == command {
			return true
		}
	}
	return false
}

// SupportedCommands returns the commands that accept --tui.
func SupportedCommands() []string {
	return []string{"optimize"}
}

// RunFunc executes one run, reporting progress to observer.
type RunFunc func(ctx context.Context, observer runtime.ProgressObserver) (*runtime.RunResult, error)

// Option configures the progress program.
type Option func(*[]tea.ProgramOption)

// WithIO redirects the program's input and output.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(opts *[]tea.ProgramOption) {
		*opts = append(*opts, tea.WithInput(in), tea.WithOutput(out))
	}
}

// RunProgress runs fn while showing live progress. Quitting the TUI
// cancels the run; RunProgress always waits for fn to return.
func RunProgress(ctx context.Context, prompt string, fn RunFunc, opts ...Option) (*runtime.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var progOpts []tea.ProgramOption
	for _, opt := range opts {
		opt(&progOpts)
	}
	progOpts = append(progOpts, tea.WithContext(ctx))

	p := tea.NewProgram(NewProgressModel(prompt, cancel), progOpts...)

	type outcome struct {
		res *runtime.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(runCtx, func(u runtime.ProgressUpdate) {
			p.Send(ProgressMsg(u))
		})
		p.Send(DoneMsg{Result: res, Err: err})
		done <- outcome{res, err}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-done
		return nil, fmt.Errorf("tui: %w", err)
	}

	// The program may exit before the run does (context cancel), so
	// the result always comes from the run goroutine.
	cancel()
	out := <-done
	return out.res, out.err
}
