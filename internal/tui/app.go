// Package tui renders the chat screen on top of the sync engine. It consumes
// engine snapshots and never mutates engine state directly; every user action
// goes through the engine's method surface.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parleylabs/parley-go/internal/chat"
	"github.com/parleylabs/parley-go/internal/engine"
)

// engineUpdateMsg carries a fresh engine snapshot into the bubbletea loop.
type engineUpdateMsg engine.Snapshot

// Model is the chat screen.
type Model struct {
	engine   *engine.Engine
	snap     engine.Snapshot
	viewerID string
	input    textinput.Model
	width    int
	height   int
	offset   int // timeline scroll offset from the bottom
	quitting bool
}

// NewModel builds the chat screen bound to a running engine.
func NewModel(e *engine.Engine, viewerID string) Model {
	ti := textinput.New()
	ti.Placeholder = "type a message..."
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		engine:   e,
		snap:     e.State(),
		viewerID: viewerID,
		input:    ti,
		width:    100,
		height:   30,
	}
}

// waitForUpdate blocks on the engine's update channel and re-snapshots.
func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		<-m.engine.Updates()
		return engineUpdateMsg(m.engine.State())
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case engineUpdateMsg:
		m.snap = engine.Snapshot(msg)
		return m, m.waitForUpdate()

	case tea.KeyMsg:
		if m.snap.CancelPrompt != nil {
			return m.updatePrompt(msg)
		}
		return m.updateComposer(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// updatePrompt handles keys while the incoming cancellation prompt is open.
func (m Model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.engine.RespondCancel(true)
	case "n", "N", "esc":
		m.engine.RespondCancel(false)
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) updateComposer(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "enter":
		text := m.input.Value()
		if m.snap.Session.CanSend(text, false) {
			m.engine.SendText(strings.TrimSpace(text))
			m.input.Reset()
			m.offset = 0
		}
		return m, nil

	case "ctrl+x":
		m.engine.RequestCancel()
		return m, nil

	case "ctrl+r":
		m.engine.Refresh()
		return m, nil

	case "pgup":
		m.offset++
		return m, nil

	case "pgdown":
		if m.offset > 0 {
			m.offset--
		}
		return m, nil
	}

	// Composer input only matters when the session accepts sends.
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.viewTitle())
	b.WriteString("\n")
	b.WriteString(m.viewTimeline())
	b.WriteString("\n")
	b.WriteString(m.viewStatusLine())
	b.WriteString("\n")
	b.WriteString(m.viewComposer())
	return b.String()
}

func (m Model) viewTitle() string {
	partner := "partner"
	if p, ok := m.snap.Session.Partner(m.viewerID); ok && p.Name != "" {
		partner = p.Name
	}
	title := titleStyle.Render("parley: " + partner)
	presence := metaStyle.Render("offline")
	if m.snap.PartnerOnline {
		presence = outgoingStyle.Render("online")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, title, " ", presence)
}

func (m Model) timelineHeight() int {
	h := m.height - 5
	if h < 3 {
		h = 3
	}
	return h
}

func (m Model) viewTimeline() string {
	lines := make([]string, 0, len(m.snap.Messages))
	for _, msg := range m.snap.Messages {
		lines = append(lines, m.renderMessage(msg))
	}

	h := m.timelineHeight()
	end := len(lines) - m.offset
	if end > len(lines) {
		end = len(lines)
	}
	if end < 0 {
		end = 0
	}
	start := end - h
	if start < 0 {
		start = 0
	}
	visible := lines[start:end]

	for len(visible) < h {
		visible = append([]string{""}, visible...)
	}
	return strings.Join(visible, "\n")
}

func (m Model) renderMessage(msg chat.Message) string {
	ts := metaStyle.Render(time.UnixMilli(msg.CreatedAt).Format("15:04"))

	if msg.Recalled {
		return fmt.Sprintf("%s %s", ts, recalledStyle.Render("(message recalled)"))
	}

	body := msg.Content
	for _, a := range msg.Attachments {
		body += fmt.Sprintf(" [%s: %s]", a.Kind, a.URI)
	}
	body = strings.TrimSpace(body)

	if msg.Role == chat.RoleIncoming {
		return fmt.Sprintf("%s %s", ts, incomingStyle.Render(body))
	}

	marker := statusMarker(msg.Status)
	if msg.Status == chat.StatusFailed {
		return fmt.Sprintf("%s %s %s", ts, outgoingStyle.Render(body), failedStyle.Render("failed (ctrl+r to refresh, resend from history)"))
	}
	return fmt.Sprintf("%s %s %s", ts, outgoingStyle.Render(body), metaStyle.Render(marker))
}

func statusMarker(s chat.Status) string {
	switch s {
	case chat.StatusSending:
		return "…"
	case chat.StatusSent:
		return "✓"
	case chat.StatusDelivered:
		return "✓✓"
	case chat.StatusRead:
		return "✓✓ read"
	default:
		return ""
	}
}

func (m Model) viewStatusLine() string {
	if m.snap.CancelPrompt != nil {
		q := fmt.Sprintf("%s asks to cancel this session. Confirm? [y/n]", m.snap.CancelPrompt.RequesterName)
		return promptStyle.Render(q)
	}

	parts := []string{string(m.snap.Session.Status)}
	if m.snap.PendingCancel {
		parts = append(parts, "cancellation pending")
	}
	if m.snap.EndingSoonMinutes > 0 {
		parts = append(parts, fmt.Sprintf("ending in %dm", m.snap.EndingSoonMinutes))
	}
	if m.snap.HistoryIncomplete {
		parts = append(parts, "some history may be missing")
	}
	line := statusBarStyle.Render(strings.Join(parts, " · "))

	if m.snap.Notice != "" {
		line += " " + noticeStyle.Render(m.snap.Notice)
	}
	if m.snap.LoadError != "" {
		line += " " + failedStyle.Render(m.snap.LoadError)
	}
	return line
}

func (m Model) viewComposer() string {
	if reason := m.snap.Session.BlockReason(); reason != "" {
		return blockedStyle.Render(reason)
	}
	help := helpStyle.Render("enter send · ctrl+x request cancel · ctrl+r refresh · ctrl+c quit")
	return m.input.View() + "\n" + help
}
