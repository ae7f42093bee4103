// Package cli implements teleprobe's local-mode terminal UI: a live log
// viewport while one ELF boots and runs on a directly-attached probe, and
// a plain probe-enumeration listing. Grounded on guiperry-HASHER's
// internal/cli/ui (viewport-based scrolling log panel, tea.Tick-driven
// refresh) and on original_source/teleprobe/src/probe/mod.rs's list().
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
	"teleprobe/internal/runner"
)

const tickInterval = 150 * time.Millisecond

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Bold(true).
			Padding(0, 1)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
	footerHelp = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

type tickMsg time.Time

type runDoneMsg struct{ err error }

// localRunModel is the bubbletea model driving a single local run: it
// polls a logcapture.Recorder on a tick and renders every new line into a
// scrolling viewport, the same pattern ui.Model uses for hasher-host's
// log channel except polled instead of pushed.
type localRunModel struct {
	view    viewport.Model
	rec     *logcapture.Recorder
	content string
	seen    int
	done    bool
	err     error
	width   int
	height  int
	elfPath string
	target  string
}

func newLocalRunModel(elfPath, target string, rec *logcapture.Recorder) localRunModel {
	v := viewport.New(80, 20)
	v.Style = logViewStyle
	return localRunModel{view: v, rec: rec, elfPath: elfPath, target: target}
}

func (m localRunModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m localRunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width - 2
		m.view.Height = msg.Height - 6
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.done {
				return m, tea.Quit
			}
		}
		return m, nil

	case tickMsg:
		entries := m.rec.Entries()
		if len(entries) > m.seen {
			var b strings.Builder
			b.WriteString(m.content)
			for _, e := range entries[m.seen:] {
				fmt.Fprintf(&b, "%s - %s\n", e.Level, e.Message)
			}
			m.content = b.String()
			m.view.SetContent(m.content)
			m.view.GotoBottom()
			m.seen = len(entries)
		}
		if m.done {
			return m, nil
		}
		return m, tick()

	case runDoneMsg:
		m.done = true
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m localRunModel) View() string {
	header := headerStyle.Render(fmt.Sprintf("teleprobe local run: %s -> %s", m.elfPath, m.target))

	status := "running..."
	if m.done {
		if m.err != nil {
			status = errorStyle.Render(fmt.Sprintf("FAILED: %v", m.err))
		} else {
			status = okStyle.Render("OK")
		}
	}

	help := footerHelp.Render("q/ctrl+c to quit")
	if !m.done {
		help = footerHelp.Render("running, q/ctrl+c quit once the run finishes")
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, m.view.View(), status, help)
}

// RunLocal boots elfBytes on sess via the runner, flashing unless
// doFlash is false, and drives a full-screen TUI showing the captured
// log output live until the run terminates. It returns the run's error
// (nil on a clean pass) after the user dismisses the final screen.
func RunLocal(ctx context.Context, sess probe.Session, elfPath, target string, elfBytes []byte, opts runner.Options) error {
	captureCtx, rec := logcapture.WithCapture(ctx)
	model := newLocalRunModel(elfPath, target, rec)

	p := tea.NewProgram(model)

	resultCh := make(chan error, 1)
	go func() {
		r, err := runner.New(captureCtx, sess, elfBytes, opts)
		if err != nil {
			resultCh <- err
			return
		}
		resultCh <- r.Run(captureCtx)
	}()

	go func() {
		err := <-resultCh
		p.Send(runDoneMsg{err: err})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return finalModel.(localRunModel).err
}
