package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	incomingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	outgoingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	recalledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")).
			Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("88")).
			Padding(0, 1)

	blockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))
)
