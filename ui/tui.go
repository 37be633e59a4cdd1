package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// UIState represents the aggregated state for the TUI
type UIState struct {
	TotalRecords      int64
	Transferred       int64
	ValidatedChecksum int64
	ValidatedLength   int64
	ValidationFailed  int64
	Deleted           int64
	Pending           int64
	Deferred          int64
	TransferredBytes  int64

	RecordsPerSec float64
	BytesPerSec   float64

	ActiveRecords []*ActiveRecord
	Recent        []*RecentOutcome

	ActiveWorkers int
	MaxWorkers    int
	ListerRunning bool
	Marker        string
	IsRunning     bool
	Done          bool
}

// ActiveRecord is a record currently held by a worker
type ActiveRecord struct {
	Worker  string
	Name    string
	Elapsed time.Duration
}

// RecentOutcome is a finished record shown in the log pane
type RecentOutcome struct {
	Name    string
	Outcome string
	Detail  string
	Failed  bool
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	engineState *UIState
	onScale     func(delta int)
	spinner     spinner.Model
	progress    progress.Model
	viewport    viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	State *UIState
}

// WorkerCountMsg is sent when modifying the worker count
type WorkerCountMsg int

// NewTUIModel creates the dashboard. onScale is called with +1 or -1 when
// the user asks for more or fewer workers; it may be nil.
func NewTUIModel(initialState *UIState, onScale func(delta int)) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		engineState:  initialState,
		onScale:      onScale,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.engineState.IsRunning = false
			return m, tea.Quit
		case "+", "=":
			// Increase workers
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			// Decrease workers
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case WorkerCountMsg:
		if m.onScale != nil {
			m.onScale(int(msg))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case TUIUpdateMsg:
		m.engineState = msg.State
		if m.engineState.Done {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	st := m.engineState
	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s blobshift %s", m.spinner.View(), m.titleStyle.Render("Blob Migration"))
	sb.WriteString(header + "\n")

	// Global Progress
	var percent float64
	if st.TotalRecords > 0 {
		percent = float64(st.Transferred) / float64(st.TotalRecords)
	}

	listing := "done"
	if st.ListerRunning {
		listing = "running"
	}
	opsInfo := fmt.Sprintf("ETA: %s | Workers: %d/%d | %d / %d records | %s | %s | lister %s",
		formatETA(percent, st.RecordsPerSec, st.TotalRecords, st.Transferred),
		st.ActiveWorkers, st.MaxWorkers,
		st.Transferred, st.TotalRecords,
		formatBytes(st.TransferredBytes),
		formatSpeed(st.BytesPerSec),
		listing)

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n")

	breakdown := fmt.Sprintf("checksum %d | length %d | failed %d | deleted %d | pending %d | deferred %d",
		st.ValidatedChecksum, st.ValidatedLength, st.ValidationFailed, st.Deleted, st.Pending, st.Deferred)
	sb.WriteString(m.infoStyle.Render(breakdown) + "\n\n")

	// Active Records
	var content strings.Builder
	content.WriteString("Active Records:\n")
	if len(st.ActiveRecords) == 0 {
		content.WriteString(m.infoStyle.Render("No active records...") + "\n")
	} else {
		for _, a := range st.ActiveRecords {
			content.WriteString(fmt.Sprintf("%-8s | %-8s | %s\n",
				m.streamStyle.Render(shortID(a.Worker)), a.Elapsed.Round(time.Millisecond), truncateName(a.Name)))
		}
	}

	content.WriteString("\nRecent:\n")
	for i := len(st.Recent) - 1; i >= 0; i-- {
		r := st.Recent[i]
		outcome := m.successStyle.Render(r.Outcome)
		if r.Failed {
			outcome = m.errorStyle.Render(r.Outcome)
		}
		line := fmt.Sprintf("%s %s", outcome, truncateName(r.Name))
		if r.Detail != "" {
			line += m.infoStyle.Render(" (" + r.Detail + ")")
		}
		content.WriteString(line + "\n")
	}

	m.viewport.SetContent(content.String())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: quit • +/-: adjust workers")
	if st.Done {
		help = m.successStyle.Render("Migration Complete!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateName(name string) string {
	if len(name) > 60 {
		return "..." + name[len(name)-57:]
	}
	return name
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.2f TB", float64(n)/(1<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(progress float64, recordsPerSec float64, total, completed int64) string {
	if progress == 0 || recordsPerSec <= 0 || total == 0 {
		return "Calculating..."
	}

	remaining := total - completed
	if remaining <= 0 {
		return "0s"
	}

	d := time.Duration(float64(remaining) / recordsPerSec * float64(time.Second))
	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
