/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/scheduler"
)

var watchRefresh string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live TUI dashboard of tasks",
	Long: `Launch a full-screen terminal UI showing a live, auto-refreshing
list of tasks with status, mode, and cost.

Examples:
  forgeman watch
  forgeman watch --refresh 5s`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchRefresh, "refresh", "r", "2s", "Refresh interval (e.g. 2s, 5s)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	dur, err := time.ParseDuration(watchRefresh)
	if err != nil {
		return fmt.Errorf("invalid refresh interval: %w", err)
	}
	filter := textinput.New()
	filter.Placeholder = "filter by goal substring, enter to apply, esc to clear"
	filter.CharLimit = 80
	filter.Width = 50
	m := watchModel{sched: eng.Scheduler, refreshInt: dur, filter: filter}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

var (
	styleBorder    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	styleHeader    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	styleSelected  = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	stylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	styleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
)

func statusStyle(status core.TaskStatus) lipgloss.Style {
	switch status {
	case core.StatusRunning, core.StatusSuspended:
		return styleRunning
	case core.StatusSucceeded:
		return styleSucceeded
	case core.StatusFailed:
		return styleFailed
	case core.StatusCancelled:
		return styleCancelled
	default:
		return stylePending
	}
}

type tasksMsg struct {
	tasks []core.Task
	err   error
}

type tickMsg struct{}

type watchModel struct {
	sched      *scheduler.Scheduler
	refreshInt time.Duration
	tasks      []core.Task
	cursor     int
	err        error
	filter     textinput.Model
	filtering  bool
}

func (m watchModel) visible() []core.Task {
	q := strings.TrimSpace(m.filter.Value())
	if q == "" {
		return m.tasks
	}
	out := make([]core.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if strings.Contains(strings.ToLower(t.Goal), strings.ToLower(q)) {
			out = append(out, t)
		}
	}
	return out
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.tick())
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.sched.ListTasks(context.Background(), scheduler.TaskFilter{})
		return tasksMsg{tasks: tasks, err: err}
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.refreshInt, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filtering {
			switch msg.String() {
			case "enter", "esc":
				m.filtering = false
				m.filter.Blur()
				if msg.String() == "esc" {
					m.filter.SetValue("")
				}
				return m, nil
			}
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			return m, cmd
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "/":
			m.filtering = true
			return m, m.filter.Focus()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.visible())-1 {
				m.cursor++
			}
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), m.tick())
	case tasksMsg:
		m.tasks, m.err = msg.tasks, msg.err
		n := len(m.visible())
		if m.cursor >= n {
			m.cursor = n - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render("forgeman · live tasks") + "\n")
	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View() + "\n")
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(styleFailed.Render(fmt.Sprintf("error: %v", m.err)) + "\n")
		return styleBorder.Render(b.String())
	}
	tasks := m.visible()
	if len(tasks) == 0 {
		b.WriteString(stylePending.Render("no tasks match") + "\n")
		return styleBorder.Render(b.String())
	}
	b.WriteString(fmt.Sprintf("%-10s %-14s %-12s %8s  %s\n", "ID", "MODE", "STATUS", "COST", "GOAL"))
	for i, t := range tasks {
		line := fmt.Sprintf("%-10s %-14s %-12s $%7.3f  %s",
			shortID(t.ID), t.Mode, t.Status, t.Spent.CostUSD, truncate(t.Goal, 40))
		line = statusStyle(t.Status).Render(line)
		if i == m.cursor {
			line = styleSelected.Render(line)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + stylePending.Render("↑/↓ select · / filter · esc clear · q quit"))
	return styleBorder.Render(b.String())
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
