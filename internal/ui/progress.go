// Package ui renders codegen progress in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"kiln/internal/codegen"
)

type progressModel struct {
	title      string
	events     <-chan codegen.Event
	spinner    spinner.Model
	prog       progress.Model
	items      []funcItem
	index      map[string]int
	phaseLabel string
	width      int
	failed     error
	done       bool
}

type funcItem struct {
	name   string
	status codegen.Status
}

type eventMsg codegen.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model listing funcs and their
// emission status. It quits when events is closed.
func NewProgressModel(title string, funcs []string, events <-chan codegen.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	items := make([]funcItem, 0, len(funcs))
	index := make(map[string]int, len(funcs))
	for i, name := range funcs {
		items = append(items, funcItem{name: name, status: codegen.StatusQueued})
		index[name] = i
	}
	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		items:   items,
		index:   index,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(codegen.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	if m.phaseLabel != "" {
		header = fmt.Sprintf("%s (%s)", header, m.phaseLabel)
	}
	switch {
	case m.failed != nil:
		header = fmt.Sprintf("failed: %s", header)
	case m.done:
		header = fmt.Sprintf("done: %s", header)
	default:
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	nameWidth := max(m.width-16, 20)
	for _, item := range m.items {
		status := styleStatus(item.status).Render(fmt.Sprintf("%12s", item.status))
		fmt.Fprintf(&b, "  %s %s\n", status, truncate(item.name, nameWidth))
	}
	if m.failed != nil {
		fmt.Fprintf(&b, "\n  %s\n", styleStatus(codegen.StatusError).Render(m.failed.Error()))
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev codegen.Event) tea.Cmd {
	if ev.Func == "" {
		m.phaseLabel = ev.Phase.String()
		if ev.Status == codegen.StatusError {
			m.failed = ev.Err
		}
		return m.prog.SetPercent(m.percent(ev.Phase))
	}
	idx, ok := m.index[ev.Func]
	if !ok {
		return nil
	}
	m.items[idx].status = ev.Status
	return m.prog.SetPercent(m.percent(ev.Phase))
}

// percent weights emission at 80% of the bar; the phases before and after
// share the rest.
func (m *progressModel) percent(p codegen.Phase) float64 {
	switch {
	case p >= codegen.PhaseDone:
		return 1
	case p >= codegen.PhaseGlobalInitEmit:
		return 0.9
	case p < codegen.PhaseSequentialEmit:
		return 0.1 * float64(p) / float64(codegen.PhaseSequentialEmit)
	}
	if len(m.items) == 0 {
		return 0.1
	}
	finished := 0
	for _, item := range m.items {
		switch item.status {
		case codegen.StatusDone, codegen.StatusCached, codegen.StatusError:
			finished++
		}
	}
	return 0.1 + 0.8*float64(finished)/float64(len(m.items))
}

func styleStatus(status codegen.Status) lipgloss.Style {
	switch status {
	case codegen.StatusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case codegen.StatusCached:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	case codegen.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case codegen.StatusWorking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
