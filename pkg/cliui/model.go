package cliui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	itemStyle         = lipgloss.NewStyle().PaddingLeft(4)
	selectedItemStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("170"))
	detailStyle       = lipgloss.NewStyle().Faint(true)
	quitTextStyle     = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// item is one selectable row: a name and an optional detail.
type item struct {
	name   string
	detail string
}

func (i item) FilterValue() string { return i.name }

type itemDelegate struct{}

func (d itemDelegate) Height() int                             { return 1 }
func (d itemDelegate) Spacing() int                            { return 0 }
func (d itemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(item)
	if !ok {
		return
	}
	line := fmt.Sprintf("%d. %s", index+1, i.name)
	if i.detail != "" {
		line += "  " + detailStyle.Render(i.detail)
	}
	if index == m.Index() {
		fmt.Fprint(w, selectedItemStyle.Render("> "+line))
		return
	}
	fmt.Fprint(w, itemStyle.Render(line))
}

type model struct {
	list     list.Model
	index    int
	choice   string
	quitting bool
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetWidth(msg.Width)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEscape:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			i, ok := m.list.SelectedItem().(item)
			if ok {
				m.index = m.list.Index()
				m.choice = i.name
			}
			return m, tea.Quit
		}

		// 'q' quits like ctrl+c and ESC.
		if msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	if m.choice != "" {
		return quitTextStyle.Render(fmt.Sprintf("Selected %s", m.choice))
	}
	if m.quitting {
		return quitTextStyle.Render("Selection cancelled.")
	}
	return "\n" + strings.TrimRight(m.list.View(), " ")
}
