package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kass/go-crowd-monitor/pkg/engine"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1).
			MarginTop(1).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

const maxMessages = 5

var sparkBars = []rune("▁▂▃▄▅▆▇█")

// controller is the part of the engine the dashboard drives.
type controller interface {
	RaiseAlert(h engine.Handle) (bool, error)
	SetRadius(h engine.Handle, radius models.Radius) error
}

type (
	snapshotMsg models.Snapshot
	spikeMsg    models.SpikeEvent
	cooldownMsg models.CooldownState
)

type alertResultMsg struct {
	accepted bool
	err      error
}

type radiusResultMsg struct {
	radius models.Radius
	err    error
}

type dashboard struct {
	ctrl        controller
	handle      engine.Handle
	approximate func() bool
	spinner     spinner.Model

	radius   models.Radius
	snapshot *models.Snapshot
	cooldown models.CooldownState

	messages []string
	width    int
	height   int
}

func newDashboard(ctrl controller, h engine.Handle, radius models.Radius, approximate func() bool) dashboard {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	return dashboard{
		ctrl:        ctrl,
		handle:      h,
		approximate: approximate,
		spinner:     s,
		radius:      radius,
		width:       80,
		height:      24,
	}
}

func (m dashboard) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			return m, m.raiseAlert()
		case "1":
			return m, m.setRadius(models.Radius25)
		case "2":
			return m, m.setRadius(models.Radius50)
		case "3":
			return m, m.setRadius(models.Radius100)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case snapshotMsg:
		snap := models.Snapshot(msg)
		m.snapshot = &snap
		m.cooldown = snap.Cooldown
		return m, nil

	case spikeMsg:
		m.addMessage(errorStyle.Render(fmt.Sprintf("%s spike: +%d people within %dm",
			msg.Timestamp.Format(time.TimeOnly), msg.Delta, msg.Radius)))
		return m, nil

	case cooldownMsg:
		m.cooldown = models.CooldownState(msg)
		return m, nil

	case alertResultMsg:
		switch {
		case msg.err != nil:
			m.addMessage(errorStyle.Render("alert failed: " + msg.err.Error()))
		case msg.accepted:
			m.addMessage(successStyle.Render("alert raised"))
		default:
			m.addMessage(infoStyle.Render(fmt.Sprintf("alert suppressed, %ds left", m.cooldown.RemainingSeconds)))
		}
		return m, nil

	case radiusResultMsg:
		if msg.err != nil {
			m.addMessage(errorStyle.Render("radius change failed: " + msg.err.Error()))
			return m, nil
		}
		m.radius = msg.radius
		m.addMessage(dimStyle.Render(fmt.Sprintf("radius set to %dm", msg.radius)))
		return m, nil
	}

	return m, nil
}

// Engine calls run as commands so Update never waits on the session loop.
func (m dashboard) raiseAlert() tea.Cmd {
	ctrl, h := m.ctrl, m.handle
	return func() tea.Msg {
		accepted, err := ctrl.RaiseAlert(h)
		return alertResultMsg{accepted: accepted, err: err}
	}
}

func (m dashboard) setRadius(r models.Radius) tea.Cmd {
	ctrl, h := m.ctrl, m.handle
	return func() tea.Msg {
		return radiusResultMsg{radius: r, err: ctrl.SetRadius(h, r)}
	}
}

func (m *dashboard) addMessage(s string) {
	m.messages = append(m.messages, s)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[1:]
	}
}

func (m dashboard) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Crowd Monitor"))
	b.WriteString("\n")

	if m.snapshot == nil {
		b.WriteString(m.spinner.View() + fmt.Sprintf(" Waiting for the first sample within %dm...\n", m.radius))
	} else {
		b.WriteString(renderSnapshot(*m.snapshot))
	}

	b.WriteString(renderCooldown(m.cooldown))

	if m.approximate != nil && m.approximate() {
		b.WriteString("\n")
		b.WriteString(infoStyle.Render("Precise location unavailable, using an approximate network position."))
	}

	if len(m.messages) > 0 {
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render("Recent activity:"))
		b.WriteString("\n")
		for _, msg := range m.messages {
			b.WriteString("• " + msg + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("a: raise alert • 1/2/3: radius 25/50/100m • q: quit"))

	return b.String()
}

func renderSnapshot(s models.Snapshot) string {
	var b strings.Builder
	if s.Label != "" {
		b.WriteString(subtitleStyle.Render(s.Label))
		b.WriteString("\n")
	}

	content := fmt.Sprintf(
		"Density: %s\n"+
			"People within %dm: %s\n"+
			"Trend: %s\n"+
			"History: %s",
		densityStyle(s.Density).Render(string(s.Density)),
		s.Radius,
		statStyle.Render(fmt.Sprintf("%d", s.Count)),
		statStyle.Render(trendArrow(s.Trend)+" "+string(s.Trend)),
		sparkline(s.History),
	)
	if s.LastSpikeAt != nil {
		content += "\nLast spike: " + errorStyle.Render(s.LastSpikeAt.Format(time.TimeOnly))
	}
	if s.SafeZone != nil {
		content += "\n\n" + successStyle.Render(fmt.Sprintf("Safe zone %dm away at %s",
			s.SafeZone.DistanceMeters, s.SafeZone.Location))
	}
	b.WriteString(boxStyle.Render(content))
	return b.String()
}

func renderCooldown(c models.CooldownState) string {
	if c.Ready() {
		return successStyle.Render("Alert ready")
	}
	return infoStyle.Render(fmt.Sprintf("Alert cooling down: %ds", c.RemainingSeconds))
}

func densityStyle(t models.DensityTier) lipgloss.Style {
	switch t {
	case models.Heavy:
		return errorStyle.Bold(true)
	case models.Medium:
		return infoStyle.Bold(true)
	default:
		return successStyle.Bold(true)
	}
}

func trendArrow(t models.TrendDirection) string {
	switch t {
	case models.Up:
		return "↑"
	case models.Down:
		return "↓"
	default:
		return "→"
	}
}

// sparkline scales counts between the window minimum and maximum.
func sparkline(history []models.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	lo, hi := history[0].Count, history[0].Count
	for _, e := range history {
		lo = min(lo, e.Count)
		hi = max(hi, e.Count)
	}

	out := make([]rune, len(history))
	for i, e := range history {
		idx := 0
		if hi > lo {
			idx = (e.Count - lo) * (len(sparkBars) - 1) / (hi - lo)
		}
		out[i] = sparkBars[idx]
	}
	return string(out)
}
