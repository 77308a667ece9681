// Package cliui holds the interactive terminal pieces of the CLI.
package cliui

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vmware/remote-patcher/pkg/config"
)

const (
	defaultWidth = 40
	listHeight   = 14
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
)

// ErrCancelled is returned when the user leaves the menu without choosing.
var ErrCancelled = errors.New("user cancelled")

// Option is one entry of a menu.
type Option struct {
	Name   string
	Detail string
}

// Picker runs menus on the given terminal streams. Nil streams mean the
// process's stdin and stdout.
type Picker struct {
	In  io.Reader
	Out io.Writer
}

func newModel(title string, options []Option) *model {
	items := make([]list.Item, 0, len(options))
	for _, o := range options {
		items = append(items, item{name: o.Name, detail: o.Detail})
	}

	l := list.New(items, itemDelegate{}, defaultWidth, listHeight)
	l.Title = title
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return &model{list: l, index: -1}
}

// Select displays title and options and returns the zero-based index of
// the chosen option. It returns ErrCancelled when the user quits.
func (p Picker) Select(title string, options []Option) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options provided")
	}

	m := newModel(title, options)
	var opts []tea.ProgramOption
	if p.In != nil {
		opts = append(opts, tea.WithInput(p.In))
	}
	if p.Out != nil {
		opts = append(opts, tea.WithOutput(p.Out))
	}
	if _, err := tea.NewProgram(m, opts...).Run(); err != nil {
		return -1, fmt.Errorf("error selecting from CLI menu: %w", err)
	}
	if m.quitting || m.index < 0 {
		return -1, ErrCancelled
	}
	return m.index, nil
}

// SelectTarget lets the user choose one of targets. A single target is
// returned without asking.
func (p Picker) SelectTarget(targets []*config.Target) (*config.Target, error) {
	switch len(targets) {
	case 0:
		return nil, errors.New("no targets configured")
	case 1:
		return targets[0], nil
	}
	options := make([]Option, 0, len(targets))
	for _, t := range targets {
		options = append(options, Option{Name: t.Name, Detail: fmt.Sprintf("%s@%s", t.User, t.Address())})
	}
	i, err := p.Select("Please choose the target to patch:", options)
	if err != nil {
		return nil, err
	}
	return targets[i], nil
}
