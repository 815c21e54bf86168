package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"overseer/internal/state"
	"overseer/internal/types"
)

var (
	userHeaderStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	pendingStyle         = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle            = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	toolErrorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	reasoningStyle       = lipgloss.NewStyle().Faint(true)
	todoDoneStyle        = lipgloss.NewStyle().Faint(true).Strikethrough(true)
	todoActiveStyle      = lipgloss.NewStyle().Bold(true)
)

// renderTranscript turns a session's messages into the viewport body.
func renderTranscript(messages []state.MessageWithParts, width int) string {
	if len(messages) == 0 {
		return "No messages yet."
	}
	blocks := make([]string, 0, len(messages))
	for _, msg := range messages {
		blocks = append(blocks, renderMessage(msg, width))
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(msg state.MessageWithParts, width int) string {
	var b strings.Builder
	b.WriteString(messageHeader(msg.Message))
	for _, part := range msg.Parts {
		body := renderPart(msg.Message, part, width)
		if body == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(body)
	}
	if msg.Message.InFlight() && len(msg.Parts) == 0 {
		b.WriteString("\n")
		b.WriteString(pendingStyle.Render("…"))
	}
	return b.String()
}

func messageHeader(msg types.Message) string {
	stamp := ""
	if msg.Time.Created > 0 {
		stamp = " " + time.UnixMilli(msg.Time.Created).Local().Format("15:04:05")
	}
	switch msg.Role {
	case types.MessageRoleUser:
		label := "You"
		if msg.Pending {
			label = "You (sending…)"
		}
		return userHeaderStyle.Render("▌ "+label) + toolStyle.Render(stamp)
	default:
		label := "Assistant"
		if msg.InFlight() {
			label = "Assistant (working…)"
		}
		return assistantHeaderStyle.Render("▌ "+label) + toolStyle.Render(stamp)
	}
}

func renderPart(msg types.Message, part types.MessagePart, width int) string {
	switch part.Type {
	case types.PartTypeText:
		if part.Text == "" {
			return ""
		}
		if msg.Role == types.MessageRoleUser {
			return strings.TrimRight(part.Text, "\n")
		}
		return renderMarkdown(part.Text, width)
	case types.PartTypeReasoning:
		if part.Text == "" {
			return ""
		}
		return reasoningStyle.Render(strings.TrimRight(part.Text, "\n"))
	case types.PartTypeTool:
		return renderToolPart(part)
	case types.PartTypeFile:
		return toolStyle.Render("📎 " + part.Text)
	default:
		// step-start and step-finish carry no visible content.
		return ""
	}
}

func renderToolPart(part types.MessagePart) string {
	name := part.Tool
	if name == "" {
		name = "tool"
	}
	state := part.State
	if state == nil {
		return toolStyle.Render(fmt.Sprintf("⚙ %s", name))
	}
	title := strings.TrimSpace(state.Title)
	if title == "" {
		title = name
	}
	switch state.Status {
	case types.ToolStatusPending:
		return toolStyle.Render(fmt.Sprintf("⚙ %s · queued", title))
	case types.ToolStatusRunning:
		return toolStyle.Render(fmt.Sprintf("⚙ %s · running", title))
	case types.ToolStatusError:
		line := fmt.Sprintf("✗ %s", title)
		if state.Error != "" {
			line += ": " + firstLine(state.Error)
		}
		return toolErrorStyle.Render(line)
	default:
		line := fmt.Sprintf("✓ %s", title)
		if out := firstLine(state.Output); out != "" {
			line += " · " + out
		}
		if d := toolDuration(state); d != "" {
			line += " · " + d
		}
		return toolStyle.Render(line)
	}
}

func toolDuration(state *types.ToolState) string {
	if state.Time == nil || state.Time.End == nil || state.Time.Start <= 0 {
		return ""
	}
	d := time.Duration(*state.Time.End-state.Time.Start) * time.Millisecond
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx] + "…"
	}
	const maxChars = 120
	if len(text) > maxChars {
		text = text[:maxChars] + "…"
	}
	return text
}

// renderTodos is the plan panel shown beneath the transcript.
func renderTodos(todos []types.TodoItem) string {
	if len(todos) == 0 {
		return ""
	}
	lines := make([]string, 0, len(todos)+1)
	lines = append(lines, toolStyle.Render("Plan"))
	for _, todo := range todos {
		switch todo.Status {
		case types.TodoStatusCompleted:
			lines = append(lines, todoDoneStyle.Render("  ✓ "+todo.Content))
		case types.TodoStatusInProgress:
			lines = append(lines, todoActiveStyle.Render("  ▸ "+todo.Content))
		case types.TodoStatusCancelled:
			lines = append(lines, todoDoneStyle.Render("  ⊘ "+todo.Content))
		default:
			lines = append(lines, "  · "+todo.Content)
		}
	}
	return strings.Join(lines, "\n")
}
