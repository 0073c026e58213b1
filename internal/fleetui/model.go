// Package fleetui is a reference terminal dashboard subscribing to the
// Lifecycle Engine's snapshot stream and rendering the repository/worktree
// tree with live progress lines, built in the teacher's tea.Model idiom.
// It reaches the core only through engine.Engine's public surface.
package fleetui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nrazumov/grove-fleet/internal/engine"
	"github.com/nrazumov/grove-fleet/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7eb8da"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7eb8da")).Bold(true)

	statusReadyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ec699"))
	statusCreatingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d4a054"))
	statusDeletingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d4a054"))
	statusErrorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d48a8a"))
	dirtyStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#d4a054"))
	progressStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e")).Italic(true)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
)

// row is a flattened (repository, optional worktree) entry for cursor
// navigation and rendering; worktree is nil for a repository header row.
type row struct {
	repo     model.Repository
	worktree *model.Worktree
}

// Model is the Bubble Tea model driving the fleet dashboard.
type Model struct {
	sub    <-chan model.Snapshot
	cancel func()

	snapshot model.Snapshot
	rows     []row
	cursor   int
	width    int
	height   int
	err      error
}

// snapshotMsg wraps a pushed model.Snapshot as a tea.Msg.
type snapshotMsg model.Snapshot

// subClosedMsg signals the subscription channel was closed.
type subClosedMsg struct{}

// NewModel subscribes to eng's snapshot stream and returns a ready Model.
func NewModel(eng *engine.Engine) (Model, error) {
	sub, cancel, err := eng.Subscribe()
	if err != nil {
		return Model{}, err
	}
	return Model{sub: sub, cancel: cancel}, nil
}

// Init satisfies tea.Model.
func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.sub)
}

func waitForSnapshot(sub <-chan model.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return subClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// Update satisfies tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case snapshotMsg:
		m.snapshot = model.Snapshot(msg)
		m.rows = flatten(m.snapshot)
		if m.cursor >= len(m.rows) {
			m.cursor = len(m.rows) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, waitForSnapshot(m.sub)

	case subClosedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

// flatten produces one row per repository (a header row) followed by one
// row per worktree, ordered the same way the snapshot presents them.
func flatten(snap model.Snapshot) []row {
	rows := make([]row, 0, len(snap.Repositories))
	for _, repo := range snap.Repositories {
		rows = append(rows, row{repo: repo.Repository})
		for i := range repo.Worktrees {
			wt := repo.Worktrees[i]
			rows = append(rows, row{repo: repo.Repository, worktree: &wt})
		}
	}
	return rows
}

// View satisfies tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf(" grove-fleet (%d repositories) ", len(m.snapshot.Repositories))))
	b.WriteString("\n\n")

	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("  No repositories yet. Clone one to get started."))
		b.WriteString("\n")
	}

	for i, r := range m.rows {
		line := renderRow(r, m.snapshot.Progress)
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  ↑↓/j/k: navigate  q: quit"))
	return b.String()
}

func renderRow(r row, progress map[string]string) string {
	if r.worktree == nil {
		line := fmt.Sprintf("%s/%s  (default: %s)", r.repo.Username, r.repo.Name, r.repo.DefaultBranch)
		if p, ok := progress[r.repo.ID]; ok {
			line += "  " + progressStyle.Render(p)
		}
		return line
	}

	wt := r.worktree
	status := renderStatus(wt.Status)
	dirty := ""
	if wt.Dirty {
		dirty = dirtyStyle.Render(" *dirty")
	}
	divergence := ""
	if wt.Ahead > 0 || wt.Behind > 0 {
		divergence = fmt.Sprintf(" ↑%d ↓%d", wt.Ahead, wt.Behind)
	}

	line := fmt.Sprintf("    %-24s %s%s%s", wt.Branch, status, dirty, divergence)
	if p, ok := progress[wt.Path]; ok {
		line += "  " + progressStyle.Render(p)
	}
	return line
}

func renderStatus(status model.WorktreeStatus) string {
	switch status {
	case model.StatusReady:
		return statusReadyStyle.Render("ready")
	case model.StatusCreating:
		return statusCreatingStyle.Render("creating")
	case model.StatusDeleting:
		return statusDeletingStyle.Render("deleting")
	case model.StatusError:
		return statusErrorStyle.Render("error")
	default:
		return string(status)
	}
}

// SortRepositoriesByName orders repos by name in place (the broadcaster
// itself orders by created_at). The order of repositories with equal names
// is not defined.
func SortRepositoriesByName(repos []model.RepositoryWithWorktrees) {
	sort.Slice(repos, func(i, j int) bool {
		return repos[i].Name < repos[j].Name
	})
}

// Run starts the dashboard program and blocks until the user quits.
func Run(eng *engine.Engine) error {
	m, err := NewModel(eng)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
