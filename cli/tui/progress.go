package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/types"
)

// ProgressMsg carries one ingestion update into the model.
type ProgressMsg runtime.ProgressUpdate

// DoneMsg is sent once the run has returned.
type DoneMsg struct {
	Result *runtime.RunResult
	Err    error
}

// stageLine is one row of the stage list.
type stageLine struct {
	label  string
	status string
}

// ProgressModel is a Bubble Tea model for a live optimization run.
type ProgressModel struct {
	prompt  string
	cancel  context.CancelFunc
	spinner spinner.Model
	bar     progress.Model

	stages   []stageLine
	percent  int
	events   int64
	started  time.Time
	width    int
	stopping bool
	done     *DoneMsg
}

// NewProgressModel creates a progress model. cancel is invoked when the
// user quits before the run has finished.
func NewProgressModel(prompt string, cancel context.CancelFunc) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = CurrentStyle

	return ProgressModel{
		prompt:  prompt,
		cancel:  cancel,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		started: time.Now(),
		width:   80,
	}
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-8, 10)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			if m.done != nil {
				return m, tea.Quit
			}
			if !m.stopping && m.cancel != nil {
				m.cancel()
			}
			m.stopping = true
		}
		return m, nil

	case ProgressMsg:
		m.observe(runtime.ProgressUpdate(msg))
		return m, nil

	case DoneMsg:
		m.done = &msg
		if msg.Result != nil && msg.Result.Outcome.Status == types.OutcomeSuccess {
			m.percent = 100
		}
		m.settle()
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// observe folds one update into the stage list. Each label gets one row;
// reaching a new label completes the rows before it.
func (m *ProgressModel) observe(u runtime.ProgressUpdate) {
	m.events = u.Seq
	m.percent = u.Progress.Percent

	status := string(types.StatusInProgress)
	if u.Event != nil {
		switch u.Event.Status {
		case types.StatusComplete, types.StatusError:
			status = string(u.Event.Status)
		}
		if u.Event.Stage == types.StageError {
			status = string(types.StatusError)
		}
	}

	for i := range m.stages {
		if m.stages[i].label == u.Progress.Label {
			m.stages[i].status = status
			return
		}
	}
	m.settle()
	m.stages = append(m.stages, stageLine{label: u.Progress.Label, status: status})
}

// settle marks every open row complete.
func (m *ProgressModel) settle() {
	for i := range m.stages {
		if m.stages[i].status == string(types.StatusInProgress) {
			m.stages[i].status = string(types.StatusComplete)
		}
	}
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("promptopt"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Prompt:"), ValueStyle.Render(clip(m.prompt, m.width-16)))
	fmt.Fprintf(&b, "%s %s\n\n", LabelStyle.Render("Events:"), ValueStyle.Render(fmt.Sprintf("%d", m.events)))

	b.WriteString(m.bar.ViewAs(float64(m.percent) / 100))
	fmt.Fprintf(&b, " %3d%%\n\n", m.percent)

	for _, s := range m.stages {
		fmt.Fprintf(&b, "%s %s\n", m.mark(s.status), StateStyle(s.status).Render(s.label))
	}

	switch {
	case m.done != nil:
		b.WriteString("\n")
		b.WriteString(m.summary())
	case m.stopping:
		b.WriteString("\n")
		b.WriteString(WarningStyle.Render("canceling..."))
		b.WriteString("\n")
	default:
		b.WriteString(HelpStyle.Render(fmt.Sprintf("%s elapsed  ·  press q or Ctrl+C to cancel",
			time.Since(m.started).Round(time.Second))))
		b.WriteString("\n")
	}

	return b.String()
}

func (m ProgressModel) mark(status string) string {
	switch status {
	case string(types.StatusComplete):
		return SuccessStyle.Render("✓")
	case string(types.StatusError):
		return ErrorStyle.Render("✗")
	default:
		return m.spinner.View()
	}
}

func (m ProgressModel) summary() string {
	if m.done.Result == nil {
		if m.done.Err != nil {
			return ErrorStyle.Render("error: "+m.done.Err.Error()) + "\n"
		}
		return ""
	}
	o := m.done.Result.Outcome
	out := fmt.Sprintf("%s %s\n", StateStyle(string(o.Status)).Render(string(o.Status)), o.Message)
	if final := m.done.Result.FinalPrompt(); final != "" {
		out += BoxStyle.Width(max(m.width-4, 20)).Render(final) + "\n"
	}
	return out
}

// clip shortens s to one line of at most n runes.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n < 4 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
