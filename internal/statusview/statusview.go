// Package statusview renders a live terminal status view of one sidecar
// run: EventBus/Splitter/PluginHost metrics, refreshed on a tick. It writes
// to stderr rather than stdout, since stdout is reserved for the wrapped
// child's passthrough output. It is an optional in-process pane that no
// sidecar command starts, and not the embedded HTTP dashboard the wrapper's
// scope excludes.
package statusview

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/npratt/sidecar/internal/eventbus"
	"github.com/npratt/sidecar/internal/pluginhost"
	"github.com/npratt/sidecar/internal/splitter"
)

// MetricsSource supplies the live counters the view polls on each tick.
type MetricsSource interface {
	Bus() *eventbus.Bus
	Splitter() *splitter.Splitter
	Host() *pluginhost.Host
}

const tickInterval = 500 * time.Millisecond

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	openStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	src       MetricsSource
	sessionID string

	busMetrics   eventbus.Metrics
	splitMetrics splitter.Metrics
	plugins      []string
}

func newModel(src MetricsSource, sessionID string) model {
	return model{src: src, sessionID: sessionID}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.busMetrics = m.src.Bus().Metrics()
		m.splitMetrics = m.src.Splitter().Metrics()
		m.plugins = m.src.Host().Enabled()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("sidecar status") + "\n")
	b.WriteString(labelStyle.Render("session ") + valueStyle.Render(m.sessionID) + "\n\n")

	b.WriteString(labelStyle.Render("bytes passed    ") + valueStyle.Render(fmt.Sprintf("%d", m.splitMetrics.BytesPassed)) + "\n")
	b.WriteString(labelStyle.Render("bytes analyzed  ") + valueStyle.Render(fmt.Sprintf("%d", m.splitMetrics.BytesAnalyzed)) + "\n")
	b.WriteString(labelStyle.Render("records emitted ") + valueStyle.Render(fmt.Sprintf("%d", m.splitMetrics.RecordsEmitted)) + "\n")
	b.WriteString(labelStyle.Render("backpressure    ") + valueStyle.Render(fmt.Sprintf("%d", m.splitMetrics.BackpressureDrops)) + "\n\n")

	b.WriteString(labelStyle.Render("events published ") + valueStyle.Render(fmt.Sprintf("%d", m.busMetrics.TotalPublished)) + "\n")
	b.WriteString(labelStyle.Render("handler errors   ") + valueStyle.Render(fmt.Sprintf("%d", m.busMetrics.ErrorCount)) + "\n\n")

	b.WriteString(labelStyle.Render("plugins enabled: "))
	if len(m.plugins) == 0 {
		b.WriteString(openStyle.Render("none"))
	} else {
		b.WriteString(valueStyle.Render(strings.Join(m.plugins, ", ")))
	}
	b.WriteString("\n")

	return b.String()
}

// View is the live status pane for one run.
type View struct {
	program *tea.Program
}

// New creates a View polling src for metrics, labeled with sessionID.
func New(src MetricsSource, sessionID string) *View {
	m := newModel(src, sessionID)
	return &View{program: tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))}
}

// Run blocks until Quit is called; the view reads no keyboard input.
func (v *View) Run() error {
	_, err := v.program.Run()
	return err
}

// Quit requests the view stop, e.g. when the wrapped run itself exits.
func (v *View) Quit() {
	v.program.Quit()
}
