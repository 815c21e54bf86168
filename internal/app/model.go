// Package app is the interactive console: a session sidebar, a live
// transcript pane, and a prompt box, all fed by the derived store.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	runewidth "github.com/mattn/go-runewidth"

	"overseer/internal/state"
	"overseer/internal/types"
)

const (
	tickInterval      = 100 * time.Millisecond
	maxChangesPerTick = 64
	sidebarWidth      = 32
	minContentHeight  = 6
)

// Controller is the slice of the engine the console drives.
type Controller interface {
	SubmitPrompt(ctx context.Context, sessionID, text string) error
	AbortSession(ctx context.Context, sessionID string) error
	RefreshMessages(ctx context.Context, sessionID string) error
	SetOpenSession(sessionID string)
	ReportVisibility(visible bool, focusedSessionID string)
}

type tickMsg time.Time

type errMsg struct{ err error }

type refreshDoneMsg struct{ sessionID string }

var (
	sidebarStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderRight(true).BorderForeground(lipgloss.Color("238"))
	selectedItemStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("236"))
	statusLineStyle    = lipgloss.NewStyle().Faint(true)
	bannerStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11"))
	errorStatusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusGlyphBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Render("●")
	statusGlyphIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("○")
	statusGlyphRetry   = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Render("↻")
	statusGlyphCompact = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Render("◌")
)

type Model struct {
	store   *state.Store
	ctrl    Controller
	changes <-chan state.Change
	unsub   func()

	viewport viewport.Model
	input    textarea.Model
	loader   spinner.Model

	sessions  []types.Session
	selected  int
	connected bool
	follow    bool

	inputFocused bool
	status       string
	statusIsErr  bool
	width        int
	height       int

	transcriptDirty bool
}

func NewModel(store *state.Store, ctrl Controller) *Model {
	vp := viewport.New(40, minContentHeight)
	vp.SetContent("No session selected.")

	input := textarea.New()
	input.Placeholder = "Type a prompt, Enter to send"
	input.SetHeight(3)
	input.CharLimit = 0
	input.ShowLineNumbers = false

	loader := spinner.New()
	loader.Spinner = spinner.MiniDot

	changes, unsub := store.Subscribe()
	return &Model{
		store:     store,
		ctrl:      ctrl,
		changes:   changes,
		unsub:     unsub,
		viewport:  vp,
		input:     input,
		loader:    loader,
		connected: store.Connected(),
		follow:    true,
	}
}

func (m *Model) Init() tea.Cmd {
	m.reloadSessions()
	m.transcriptDirty = true
	m.ctrl.ReportVisibility(true, m.openSessionID())
	return tea.Batch(tickCmd(), m.loader.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.transcriptDirty = true
		return m, nil
	case tea.FocusMsg:
		m.ctrl.ReportVisibility(true, m.openSessionID())
		return m, nil
	case tea.BlurMsg:
		m.ctrl.ReportVisibility(false, "")
		return m, nil
	case tickMsg:
		cmd := m.drainChanges()
		if m.transcriptDirty {
			m.refreshTranscript()
		}
		return m, tea.Batch(tickCmd(), cmd)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.loader, cmd = m.loader.Update(msg)
		return m, cmd
	case errMsg:
		m.setStatusError(msg.err.Error())
		return m, nil
	case refreshDoneMsg:
		if msg.sessionID == m.openSessionID() {
			m.transcriptDirty = true
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	if m.inputFocused {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.unsub()
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	}

	if m.inputFocused {
		switch msg.String() {
		case "esc":
			m.toggleFocus()
			return m, nil
		case "enter":
			return m, m.submitPrompt()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.unsub()
		return m, tea.Quit
	case "up", "k":
		m.selectSession(m.selected - 1)
		return m, nil
	case "down", "j":
		m.selectSession(m.selected + 1)
		return m, nil
	case "g":
		m.viewport.GotoTop()
		m.follow = false
		return m, nil
	case "G":
		m.viewport.GotoBottom()
		m.follow = true
		return m, nil
	case "r":
		return m, m.refreshMessages(m.openSessionID())
	case "x":
		return m, m.abortTurn()
	case "y":
		m.copyLastReply()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	if m.viewport.AtBottom() {
		m.follow = true
	} else if m.viewport.ScrollPercent() < 1 {
		m.follow = false
	}
	return m, cmd
}

func (m *Model) toggleFocus() {
	m.inputFocused = !m.inputFocused
	if m.inputFocused {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *Model) submitPrompt() tea.Cmd {
	sessionID := m.openSessionID()
	if sessionID == "" {
		m.setStatusError("no session selected")
		return nil
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.setStatusInfo("sending…")
	return func() tea.Msg {
		if err := m.ctrl.SubmitPrompt(context.Background(), sessionID, text); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) abortTurn() tea.Cmd {
	sessionID := m.openSessionID()
	if sessionID == "" {
		return nil
	}
	m.setStatusInfo("aborting turn")
	return func() tea.Msg {
		if err := m.ctrl.AbortSession(context.Background(), sessionID); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) refreshMessages(sessionID string) tea.Cmd {
	if sessionID == "" {
		return nil
	}
	return func() tea.Msg {
		if err := m.ctrl.RefreshMessages(context.Background(), sessionID); err != nil {
			return errMsg{err}
		}
		return refreshDoneMsg{sessionID: sessionID}
	}
}

func (m *Model) copyLastReply() {
	sessionID := m.openSessionID()
	if sessionID == "" {
		return
	}
	messages := m.store.Messages(sessionID)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Message.Role != types.MessageRoleAssistant {
			continue
		}
		texts := make([]string, 0, len(messages[i].Parts))
		for _, part := range messages[i].Parts {
			if part.Type == types.PartTypeText && part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
		if len(texts) == 0 {
			continue
		}
		if err := copyTextToClipboard(strings.Join(texts, "\n")); err != nil {
			m.setStatusError("copy failed: " + err.Error())
			return
		}
		m.setStatusInfo("reply copied")
		return
	}
	m.setStatusInfo("nothing to copy")
}

// drainChanges applies a bounded batch of store notifications per tick
// so a chatty feed cannot starve input handling.
func (m *Model) drainChanges() tea.Cmd {
	var cmds []tea.Cmd
	for i := 0; i < maxChangesPerTick; i++ {
		select {
		case change, ok := <-m.changes:
			if !ok {
				return tea.Batch(cmds...)
			}
			cmds = append(cmds, m.applyChange(change))
		default:
			return tea.Batch(cmds...)
		}
	}
	return tea.Batch(cmds...)
}

func (m *Model) applyChange(change state.Change) tea.Cmd {
	open := m.openSessionID()
	switch change.Kind {
	case state.ChangeConnection:
		m.connected = m.store.Connected()
	case state.ChangeSessions, state.ChangeStatus:
		m.reloadSessions()
		if change.SessionID == open || change.SessionID == "" {
			m.transcriptDirty = true
		}
	case state.ChangeMessages:
		if change.SessionID != open {
			return nil
		}
		m.transcriptDirty = true
		if m.store.ConsumeMessagesStale(open) {
			return m.refreshMessages(open)
		}
	case state.ChangeTodos:
		if change.SessionID == open {
			m.transcriptDirty = true
		}
	}
	return nil
}

// reloadSessions re-reads the session list, keeping the selection on
// the same session id when it survived the update.
func (m *Model) reloadSessions() {
	previous := m.openSessionID()
	m.sessions = m.store.Sessions()
	if previous != "" {
		for i, session := range m.sessions {
			if session.ID == previous {
				m.selected = i
				return
			}
		}
	}
	if m.selected >= len(m.sessions) {
		m.selected = len(m.sessions) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	if m.openSessionID() != previous {
		m.onSelectionChanged()
	}
}

func (m *Model) selectSession(index int) {
	if len(m.sessions) == 0 {
		return
	}
	if index < 0 {
		index = 0
	}
	if index >= len(m.sessions) {
		index = len(m.sessions) - 1
	}
	if index == m.selected {
		return
	}
	m.selected = index
	m.onSelectionChanged()
}

func (m *Model) onSelectionChanged() {
	m.follow = true
	m.transcriptDirty = true
	m.ctrl.SetOpenSession(m.openSessionID())
}

func (m *Model) openSessionID() string {
	if m.selected < 0 || m.selected >= len(m.sessions) {
		return ""
	}
	return m.sessions[m.selected].ID
}

func (m *Model) layout() {
	contentWidth := m.width - sidebarWidth - 1
	if contentWidth < 20 {
		contentWidth = 20
	}
	inputHeight := m.input.Height() + 1
	contentHeight := m.height - inputHeight - 2
	if contentHeight < minContentHeight {
		contentHeight = minContentHeight
	}
	m.viewport.Width = contentWidth
	m.viewport.Height = contentHeight
	m.input.SetWidth(m.width - 2)
}

func (m *Model) refreshTranscript() {
	m.transcriptDirty = false
	sessionID := m.openSessionID()
	if sessionID == "" {
		m.viewport.SetContent("No session selected.")
		return
	}
	body := renderTranscript(m.store.Messages(sessionID), m.viewport.Width)
	if todos := renderTodos(m.store.Todos(sessionID)); todos != "" {
		body += "\n\n" + todos
	}
	m.viewport.SetContent(body)
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "loading…"
	}
	var b strings.Builder
	if !m.connected {
		b.WriteString(bannerStyle.Width(m.width).Render(" Connection lost, reconnecting… "))
		b.WriteString("\n")
	}
	content := lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), m.viewport.View())
	b.WriteString(content)
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatusLine())
	return b.String()
}

func (m *Model) renderSidebar() string {
	height := m.viewport.Height
	lines := make([]string, 0, height)
	for i, session := range m.sessions {
		if len(lines) >= height {
			break
		}
		line := fmt.Sprintf("%s %s", statusGlyph(session.Status), sessionLabel(session))
		line = runewidth.Truncate(line, sidebarWidth-2, "…")
		if i == m.selected {
			line = selectedItemStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, statusLineStyle.Render("no sessions"))
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return sidebarStyle.Width(sidebarWidth).Render(strings.Join(lines, "\n"))
}

func sessionLabel(session types.Session) string {
	title := strings.TrimSpace(session.Title)
	if title == "" {
		title = session.ID
	}
	return title
}

func statusGlyph(status types.SessionStatus) string {
	switch status {
	case types.SessionStatusBusy:
		return statusGlyphBusy
	case types.SessionStatusRetry:
		return statusGlyphRetry
	case types.SessionStatusCompacting:
		return statusGlyphCompact
	default:
		return statusGlyphIdle
	}
}

func (m *Model) renderStatusLine() string {
	left := "tab: input · j/k: sessions · r: refresh · x: abort · y: copy · q: quit"
	if m.status != "" {
		if m.statusIsErr {
			left = errorStatusStyle.Render(m.status)
		} else {
			left = m.status
		}
	}
	right := ""
	if session, ok := m.store.Session(m.openSessionID()); ok && session.Status == types.SessionStatusBusy {
		right = m.loader.View() + " working"
	}
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return statusLineStyle.Render(" "+left) + strings.Repeat(" ", gap) + right
}

func (m *Model) setStatusInfo(text string) {
	m.status = text
	m.statusIsErr = false
}

func (m *Model) setStatusError(text string) {
	m.status = text
	m.statusIsErr = true
}
