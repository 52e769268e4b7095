package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/guiyumin/fastget/fastdownloader"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	doneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// downloadState is shared between the EventSink callbacks (which only ever
// mutate it) and the Bubble Tea model (which only ever reads it on a tick).
// Every field access goes through mu; this is the same separation the core
// package itself enforces between the loop goroutine and its callers, just
// one layer up.
type downloadState struct {
	mu sync.RWMutex

	resolvedURL   string
	bytesReceived int64
	contentLength int64
	connections   map[fastdownloader.ConnectionID]int64
	startTime     time.Time
	endTime       time.Time
	done          bool
	err           error
	finalPath     string
}

func newDownloadState() *downloadState {
	return &downloadState{
		connections: make(map[fastdownloader.ConnectionID]int64),
		startTime:   time.Now(),
	}
}

func (s *downloadState) eventSink() fastdownloader.EventSink {
	return fastdownloader.EventSink{
		OnResolved: func(resolvedURL string) {
			s.mu.Lock()
			s.resolvedURL = resolvedURL
			s.mu.Unlock()
		},
		OnProgress: func(id fastdownloader.ConnectionID, received, _ int64) {
			s.mu.Lock()
			s.connections[id] = received
			s.mu.Unlock()
		},
		OnAggregateProgress: func(bytesReceivedTotal, contentLength int64) {
			s.mu.Lock()
			s.bytesReceived = bytesReceivedTotal
			s.contentLength = contentLength
			s.mu.Unlock()
		},
		OnError: func(_ fastdownloader.ConnectionID, err error) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		},
		OnAggregateFinished: func() {
			s.mu.Lock()
			s.endTime = time.Now()
			s.done = true
			s.mu.Unlock()
		},
	}
}

func (s *downloadState) setFinalPath(path string) {
	s.mu.Lock()
	s.finalPath = path
	s.mu.Unlock()
}

func (s *downloadState) snapshot() (received, total int64, speed float64, done bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	elapsed := time.Since(s.startTime).Seconds()
	if !s.endTime.IsZero() {
		elapsed = s.endTime.Sub(s.startTime).Seconds()
	}
	if elapsed > 0 {
		speed = float64(s.bytesReceived) / elapsed
	}
	return s.bytesReceived, s.contentLength, speed, s.done, s.err
}

func (s *downloadState) connectionSnapshot() []fastdownloader.ConnectionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]fastdownloader.ConnectionID, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type downloadModel struct {
	progress progress.Model
	spinner  spinner.Model
	url      string
	state    *downloadState
}

func newDownloadModel(url string, state *downloadState) downloadModel {
	p := progress.New(progress.WithDefaultGradient(), progress.WithWidth(50))
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return downloadModel{progress: p, spinner: sp, url: url, state: state}
}

func (m downloadModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m downloadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case tickMsg:
		received, total, _, done, err := m.state.snapshot()
		if err != nil || done {
			return m, tea.Quit
		}
		var cmds []tea.Cmd
		cmds = append(cmds, tickCmd())
		if total > 0 {
			cmds = append(cmds, m.progress.SetPercent(float64(received)/float64(total)))
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m downloadModel) View() string {
	received, total, speed, done, err := m.state.snapshot()

	if err != nil {
		return fmt.Sprintf("\n  %s download failed: %v\n\n", errStyle.Render("x"), err)
	}

	if done {
		elapsed := time.Since(m.state.startTime)
		m.state.mu.RLock()
		if !m.state.endTime.IsZero() {
			elapsed = m.state.endTime.Sub(m.state.startTime)
		}
		finalPath := m.state.finalPath
		m.state.mu.RUnlock()
		return fmt.Sprintf("\n  %s download complete\n  saved: %s (%s)\n  elapsed: %s  |  avg speed: %s/s\n\n",
			doneStyle.Render("done"),
			finalPath,
			formatBytes(received),
			formatDuration(elapsed),
			formatBytes(int64(float64(received)/elapsed.Seconds())),
		)
	}

	var s string
	s += "\n"
	s += fmt.Sprintf("  %s downloading %s\n\n", m.spinner.View(), infoStyle.Render(m.url))
	s += fmt.Sprintf("  %s\n\n", m.progress.View())

	if total > 0 {
		percent := float64(received) / float64(total) * 100
		s += fmt.Sprintf("  %.1f%%  |  %s/%s  |  %s/s  |  eta %s\n",
			percent, formatBytes(received), formatBytes(total), formatBytes(int64(speed)), calculateETA(total-received, speed))
	} else {
		s += fmt.Sprintf("  %s  |  %s/s\n", formatBytes(received), formatBytes(int64(speed)))
	}

	for _, id := range m.connectionSnapshot() {
		s += dimStyle.Render(fmt.Sprintf("    connection %d: %s\n", id, formatBytes(m.connectionBytes(id))))
	}

	s += "\n" + helpStyle.Render("  press q to cancel") + "\n"
	return s
}

func (m downloadModel) connectionBytes(id fastdownloader.ConnectionID) int64 {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	return m.state.connections[id]
}

func calculateETA(remaining int64, speed float64) string {
	if speed <= 0 {
		return "??:??"
	}
	return formatDuration(time.Duration(float64(remaining)/speed) * time.Second)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	return fmt.Sprintf("%02d:%02d", m, sec)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// runTUI drives the progress display for one download. sink has already
// been wired to state (and, if the caller wants bytes on disk, layered with
// a diskWriter); runTUI calls start with it on a goroutine of its own, since
// p.Run() blocks the caller until Quit.
func runTUI(url string, state *downloadState, sink fastdownloader.EventSink, start func(fastdownloader.EventSink) error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- start(sink) }()

	model := newDownloadModel(url, state)
	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	default:
	}

	_, _, _, _, err := state.snapshot()
	return err
}
