package cli

import (
	"fmt"
	"os"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/dishcapture/internal/models"
	"golang.org/x/term"
)

const pollInterval = 250 * time.Millisecond

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// jobSource is the part of the pipeline the progress display reads.
type jobSource interface {
	Reconstruction(sessionID string) (models.ReconstructionJob, bool)
	CancelReconstruction(sessionID string) error
}

// tickMsg triggers polling the job
type tickMsg time.Time

// jobUpdateMsg carries the latest job snapshot
type jobUpdateMsg struct {
	job models.ReconstructionJob
	ok  bool
}

// cancelMsg reports the outcome of a cancel request
type cancelMsg struct {
	err error
}

// progressModel is the bubbletea model for a reconstruction job.
type progressModel struct {
	source     jobSource
	sessionID  string
	job        models.ReconstructionJob
	progress   progress.Model
	theme      Theme
	done       bool
	cancelling bool
	err        error
}

func newProgressModel(source jobSource, sessionID string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	job, _ := source.Reconstruction(sessionID)

	return progressModel{
		source:    source,
		sessionID: sessionID,
		job:       job,
		progress:  prog,
		theme:     defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.cancelling {
				return m, nil
			}
			m.cancelling = true
			return m, m.cancel()
		}

	case cancelMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("cancel reconstruction: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if !msg.ok {
			m.err = fmt.Errorf("reconstruction for session %s disappeared", m.sessionID)
			m.done = true
			return m, tea.Quit
		}
		m.job = msg.job
		if m.job.Outcome != models.OutcomeNone {
			m.done = true
			if m.job.Outcome == models.OutcomeErrored {
				m.err = fmt.Errorf("%s", m.job.Error)
			}
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	stage := m.job.Stage
	if stage == "" {
		stage = "Processing"
	}
	if m.cancelling {
		stage = "Cancelling"
	}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", stage))
	bar := m.progress.ViewAs(m.job.Progress)
	pct := fmt.Sprintf("%3.0f%%", m.job.Progress*100)

	eta := ""
	if m.job.ETA != nil {
		eta = fmt.Sprintf(" ~%s left", m.job.ETA.Round(time.Second))
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to cancel the reconstruction")
	return fmt.Sprintf("%s %s %s%s\n%s\n", status, bar, pct, eta, hint)
}

func (m progressModel) finalView() string {
	switch {
	case m.err != nil:
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Reconstruction failed: %s\n", m.err))
	case m.job.Outcome == models.OutcomeCancelled:
		return m.theme.hintStyle().Render("\nReconstruction cancelled. Start a new capture to try again.\n")
	default:
		return m.theme.completedStyle().Render("✓ Model ready") + "\n"
	}
}

// fetchJob reads the job snapshot.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		job, ok := m.source.Reconstruction(m.sessionID)
		return jobUpdateMsg{job: job, ok: ok}
	}
}

func (m progressModel) cancel() tea.Cmd {
	return func() tea.Msg {
		return cancelMsg{err: m.source.CancelReconstruction(m.sessionID)}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// isTerminal reports whether stdout is attached to a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RunReconstructionProgress shows the interactive progress UI until the job
// of sessionID has an outcome. Ctrl+C cancels the reconstruction.
func RunReconstructionProgress(source jobSource, sessionID string) (models.ReconstructionJob, error) {
	p := tea.NewProgram(newProgressModel(source, sessionID))

	finalModel, err := p.Run()
	if err != nil {
		return models.ReconstructionJob{}, fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(progressModel)
	if !ok {
		return models.ReconstructionJob{}, fmt.Errorf("progress UI returned unexpected model")
	}
	return m.job, m.err
}
