// Package tui provides the Bubble Tea progress view for the promptopt CLI.
//
// TUI rules:
//   - TUI is opt-in only (--tui flag)
//   - TUI is only offered for streaming runs in a terminal
//   - TUI uses the same progress updates as the structured logs
//   - the final result is rendered by cli/render after the TUI exits
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/promptopt/types"
)

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	// TitleStyle for headers and titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	// ValueStyle for field values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)

	// CurrentStyle highlights the stage being worked on.
	CurrentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(highlightColor)

	// BoxStyle for the final prompt.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	// HelpStyle for help text.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// StateStyle returns a style for a stage status or run outcome.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case string(types.StatusComplete), string(types.OutcomeSuccess):
		return SuccessStyle
	case string(types.StatusInProgress), string(types.StatusPending):
		return WarningStyle
	case string(types.StatusError),
		string(types.OutcomeServiceError),
		string(types.OutcomePartialFailure),
		string(types.OutcomeTransportFailure),
		string(types.OutcomePolicyFailure):
		return ErrorStyle
	case string(types.OutcomeCanceled):
		return MutedStyle
	default:
		return ValueStyle
	}
}
