// Package tui provides terminal UI components for the frame relay home
// agent using Bubble Tea. It currently includes a live frame status
// dashboard, shown when the home agent is started with --dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/frameworks/frame-relay/pkg/frame"
	"github.com/frameworks/frame-relay/pkg/supervisor"
)

// ------------------------------------------------------------------
// Styles
// ------------------------------------------------------------------

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			PaddingLeft(1).
			PaddingRight(1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF88"))

	stoppedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999"))

	startingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	stoppingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB347"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	cellStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			PaddingRight(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#555555")).
			Padding(0, 1)

	summaryRunning = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FF88"))

	summaryStopped = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#999999"))
)

// ------------------------------------------------------------------
// Messages
// ------------------------------------------------------------------

type tickMsg time.Time
type framesMsg []*frame.Frame
type frameErrMsg error

// ------------------------------------------------------------------
// Model
// ------------------------------------------------------------------

// FrameDashboard is the Bubble Tea model for the home agent's frame
// status TUI.
type FrameDashboard struct {
	sup      *supervisor.Supervisor
	frames   []*frame.Frame
	err      error
	width    int
	height   int
	quitting bool
}

// NewFrameDashboard creates a new frame dashboard TUI model.
func NewFrameDashboard(sup *supervisor.Supervisor) FrameDashboard {
	return FrameDashboard{
		sup:    sup,
		width:  80,
		height: 24,
	}
}

func (m FrameDashboard) Init() tea.Cmd {
	return tea.Batch(m.fetchFrames, tickCmd())
}

func (m FrameDashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchFrames
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchFrames, tickCmd())

	case framesMsg:
		m.frames = []*frame.Frame(msg)
		m.err = nil
		return m, nil

	case frameErrMsg:
		m.err = msg
		return m, nil
	}

	return m, nil
}

func (m FrameDashboard) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Frame Relay — Home Agent Dashboard"))
	b.WriteString("\n")

	running, stopped, other := 0, 0, 0
	for _, f := range m.frames {
		switch f.Status {
		case frame.StatusRunning, frame.StatusStarting:
			running++
		case frame.StatusStopped, frame.StatusCreated, frame.StatusStopping:
			stopped++
		default:
			other++
		}
	}
	summaryLine := fmt.Sprintf(
		"%s  %s  %s",
		summaryRunning.Render(fmt.Sprintf("● %d running", running)),
		summaryStopped.Render(fmt.Sprintf("○ %d stopped", stopped)),
		errorStyle.Render(fmt.Sprintf("✗ %d error", other)),
	)
	b.WriteString(boxStyle.Render(fmt.Sprintf("Total: %d frames  │  %s", len(m.frames), summaryLine)))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("  " + m.err.Error()))
		b.WriteString("\n")
	} else if len(m.frames) == 0 {
		b.WriteString(footerStyle.Render("  No frames yet."))
		b.WriteString("\n")
	} else {
		header := fmt.Sprintf("%-20s %-12s %-8s %-20s %s",
			headerStyle.Render("NAME"),
			headerStyle.Render("STATUS"),
			headerStyle.Render("PORT"),
			headerStyle.Render("WORKSPACE"),
			headerStyle.Render("LAST ACTIVE"),
		)
		b.WriteString(header)
		b.WriteString("\n")
		b.WriteString(strings.Repeat("─", clampInt(m.width, 85)))
		b.WriteString("\n")

		for _, f := range m.frames {
			row := fmt.Sprintf("%-20s %-12s %-8d %-20s %s",
				cellStyle.Render(f.Name),
				renderStatus(f.Status),
				f.BasePort,
				cellStyle.Render(truncate(f.WorkspacePath, 18)),
				cellStyle.Render(renderLastActive(f.LastActiveAt)),
			)
			b.WriteString(row)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("  [r] refresh  [q] quit  │  Updated: %s",
		time.Now().Format("15:04:05"))))

	return b.String()
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

func renderStatus(status frame.Status) string {
	switch status {
	case frame.StatusRunning:
		return runningStyle.Render("● running")
	case frame.StatusStarting:
		return startingStyle.Render("◐ starting")
	case frame.StatusStopping:
		return stoppingStyle.Render("◐ stopping")
	case frame.StatusStopped:
		return stoppedStyle.Render("○ stopped")
	case frame.StatusCreated:
		return stoppedStyle.Render("○ created")
	case frame.StatusError:
		return errorStyle.Render("✗ error")
	default:
		return cellStyle.Render("? " + string(status))
	}
}

func renderLastActive(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	if d < time.Second {
		return "just now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func tickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m FrameDashboard) fetchFrames() tea.Msg {
	frames, err := m.sup.ListFrames(context.Background(), nil)
	if err != nil {
		return frameErrMsg(err)
	}
	return framesMsg(frames)
}

func clampInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RunFrameDashboard starts the Bubble Tea frame status dashboard.
func RunFrameDashboard(sup *supervisor.Supervisor) error {
	model := NewFrameDashboard(sup)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
