package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"legion/internal/orchestrator"
	"legion/internal/types"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	commanderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	minionStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))
	toolStyle      = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#5FAFD7"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
	headerStyle    = lipgloss.NewStyle().Bold(true).Underline(true)

	reportStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FFAF00")).
			Padding(0, 1)
)

func senderStyle(m *types.Message) lipgloss.Style {
	switch {
	case m.IsError:
		return errorStyle
	case m.SenderKind == types.SenderCommander:
		return commanderStyle
	case m.SenderKind == types.SenderMinion:
		return minionStyle
	case m.SenderKind == types.SenderTool:
		return toolStyle
	default:
		return systemStyle
	}
}

// formatMessage renders one log entry on a single logical line.
func formatMessage(m *types.Message) string {
	ts := dimStyle.Render(m.Timestamp.Format("15:04:05"))
	name := senderStyle(m).Render(m.SenderName)

	switch m.Kind {
	case types.MessageRegulatorReport:
		return fmt.Sprintf("%s %s\n%s", ts, name, reportStyle.Render(formatReport(m)))
	case types.MessageToolCall, types.MessageToolOutput:
		return fmt.Sprintf("%s %s", ts, toolStyle.Render(m.Content))
	}

	body := m.Content
	if m.IsError {
		body = errorStyle.Render(body)
	}
	edited := ""
	if m.Edited {
		edited = dimStyle.Render(" (edited)")
	}
	return fmt.Sprintf("%s %s: %s%s", ts, name, body, edited)
}

func formatReport(m *types.Message) string {
	r := m.Report
	if r == nil {
		return m.Content
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sentiment: %s  On topic: %d%%  Progress: %d%%", r.Sentiment, r.OnTopicScore, r.ProgressScore)
	if r.Stalled {
		b.WriteString("  " + errorStyle.Render("STALLED"))
	}
	if r.InferredGoal != "" {
		b.WriteString("\nGoal: " + r.InferredGoal)
	}
	b.WriteString("\n" + r.Summary)
	if len(r.NextSteps) > 0 {
		b.WriteString("\nNext steps:")
		for _, s := range r.NextSteps {
			b.WriteString("\n  - " + s)
		}
	}
	return b.String()
}

func formatOpinions(o types.OpinionMap) string {
	if len(o) == 0 {
		return dimStyle.Render("(none)")
	}
	names := make([]string, 0, len(o))
	for n := range o {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%d", n, o[n])
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// EVENT PRINTER
// =============================================================================

// eventPrinter renders orchestrator events as they arrive. One streaming
// reply is shown live at a time; replies that stream concurrently are shown
// whole when they are appended.
type eventPrinter struct {
	mu          sync.Mutex
	out         io.Writer
	channelID   string
	live        string
	liveMinion  string
	showThought bool
}

func newEventPrinter(out io.Writer, channelID string, showThought bool) *eventPrinter {
	return &eventPrinter{out: out, channelID: channelID, showThought: showThought}
}

func (p *eventPrinter) handle(ev orchestrator.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Mirrored errors land in the system log; show only the focused channel.
	if ev.ChannelID != "" && ev.ChannelID != p.channelID {
		return
	}

	switch ev.Kind {
	case orchestrator.EventProcessingStarted:
		if p.showThought {
			fmt.Fprintln(p.out, dimStyle.Render("  "+ev.Minion+" is thinking..."))
		}
	case orchestrator.EventProcessingStopped:
		if p.live != "" && p.liveMinion == ev.Minion {
			// The stream ended without an appended message.
			p.live, p.liveMinion = "", ""
			fmt.Fprintln(p.out)
		}
		if p.showThought {
			fmt.Fprintln(p.out, dimStyle.Render("  "+ev.Minion+" is done"))
		}
	case orchestrator.EventMessageChunk:
		switch p.live {
		case "":
			p.live, p.liveMinion = ev.MessageID, ev.Minion
			fmt.Fprintf(p.out, "%s: %s", minionStyle.Render(ev.Minion), ev.Chunk)
		case ev.MessageID:
			fmt.Fprint(p.out, ev.Chunk)
		}
	case orchestrator.EventMessageAppended, orchestrator.EventSystemError, orchestrator.EventRegulatorReport:
		if ev.Message == nil {
			return
		}
		if ev.Message.ID == p.live {
			p.live, p.liveMinion = "", ""
			fmt.Fprintln(p.out)
			return
		}
		fmt.Fprintln(p.out, formatMessage(ev.Message))
	}
}
