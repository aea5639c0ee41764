package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dgnsrekt/tryxpath/internal/popup"
	"github.com/dgnsrekt/tryxpath/internal/types"
)

type field int

const (
	fieldMainWay field = iota
	fieldMainExpr
	fieldContextToggle
	fieldContextWay
	fieldContextExpr
	fieldResolverToggle
	fieldResolverExpr
	fieldFrameToggle
	fieldFrameExpr
	fieldResults
	fieldCount
)

// viewMsg carries a controller update into the bubbletea loop.
type viewMsg popup.View

type statusMsg string

type disconnectedMsg struct{ err error }

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle   = lipgloss.NewStyle().Width(12)
	focusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	messageStyle = lipgloss.NewStyle().Bold(true)
)

type model struct {
	ctrl       *popup.Controller
	optionsURL string
	timeout    time.Duration

	focus    field
	main     textinput.Model
	context  textinput.Model
	resolver textinput.Model
	frame    textinput.Model
	results  table.Model

	view   popup.View
	status string
}

func newModel(ctrl *popup.Controller, optionsURL string) model {
	newInput := func(placeholder string) textinput.Model {
		in := textinput.New()
		in.Placeholder = placeholder
		in.Prompt = "> "
		in.CharLimit = 0
		return in
	}
	m := model{
		ctrl:       ctrl,
		optionsURL: optionsURL,
		timeout:    3 * time.Second,
		focus:      fieldMainExpr,
		main:       newInput("//body"),
		context:    newInput("context expression"),
		resolver:   newInput(`{"prefix":"namespace-uri"}`),
		frame:      newInput("[0, 1]"),
		results: table.New(
			table.WithColumns([]table.Column{
				{Title: "#", Width: 4},
				{Title: "Type", Width: 10},
				{Title: "Name", Width: 16},
				{Title: "Value", Width: 40},
			}),
			table.WithHeight(popup.ResultItemLimit+1),
		),
		view: ctrl.View(),
	}
	m.main.Focus()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.run(func(ctx context.Context) error {
		return m.ctrl.Open(ctx)
	}, ""))
}

// run performs a controller call off the update loop and reports the outcome.
func (m model) run(fn func(ctx context.Context) error, okStatus string) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			return statusMsg("error: " + err.Error())
		}
		return statusMsg(okStatus)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case viewMsg:
		m.view = popup.View(msg)
		m.applyForm(m.view.Form)
		m.results.SetRows(resultRows(m.view.Results))
		return m, nil
	case statusMsg:
		if msg != "" {
			m.status = string(msg)
		}
		return m, nil
	case disconnectedMsg:
		m.status = "disconnected from coordinator"
		if msg.err != nil {
			m.status += ": " + msg.err.Error()
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m.updateFocused(msg)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.syncForm()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.ctrl.Close(ctx)
		return m, tea.Quit
	case "tab", "down":
		if msg.String() == "down" && m.focus == fieldResults {
			break
		}
		return m.moveFocus(1), nil
	case "shift+tab", "up":
		if msg.String() == "up" && m.focus == fieldResults {
			break
		}
		return m.moveFocus(-1), nil
	case "ctrl+a":
		return m, m.run(m.ctrl.ShowAllResults, "requested all results")
	case "ctrl+s":
		return m, m.run(m.ctrl.SetStyle, "style set")
	case "ctrl+r":
		return m, m.run(m.ctrl.ResetStyle, "style reset")
	case "ctrl+o":
		m.status = "options: " + m.optionsURL
		return m, nil
	}

	switch m.focus {
	case fieldMainWay, fieldContextWay:
		switch msg.String() {
		case "left", "h":
			m.shiftWay(-1)
		case "right", "l":
			m.shiftWay(1)
		case "enter":
			return m, m.execute()
		}
		return m, nil
	case fieldContextToggle, fieldResolverToggle, fieldFrameToggle:
		switch msg.String() {
		case " ", "enter":
			m.toggle()
		}
		return m, nil
	case fieldResults:
		switch msg.String() {
		case "enter":
			index := m.results.Cursor()
			return m, m.run(func(ctx context.Context) error {
				return m.ctrl.FocusItem(ctx, index)
			}, "focused item "+strconv.Itoa(index))
		case "c":
			return m, m.run(m.ctrl.FocusContextItem, "focused context item")
		}
		var cmd tea.Cmd
		m.results, cmd = m.results.Update(msg)
		return m, cmd
	}

	if msg.Type == tea.KeyEnter {
		m.syncForm()
		return m, m.execute()
	}
	return m.updateFocused(msg)
}

func (m model) execute() tea.Cmd {
	m.syncForm()
	return m.run(m.ctrl.Execute, "executed")
}

func (m model) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.focus {
	case fieldMainExpr:
		m.main, cmd = m.main.Update(msg)
	case fieldContextExpr:
		m.context, cmd = m.context.Update(msg)
	case fieldResolverExpr:
		m.resolver, cmd = m.resolver.Update(msg)
	case fieldFrameExpr:
		m.frame, cmd = m.frame.Update(msg)
	default:
		return m, nil
	}
	m.syncForm()
	return m, cmd
}

func (m *model) input(f field) *textinput.Model {
	switch f {
	case fieldMainExpr:
		return &m.main
	case fieldContextExpr:
		return &m.context
	case fieldResolverExpr:
		return &m.resolver
	case fieldFrameExpr:
		return &m.frame
	}
	return nil
}

// visible reports whether f is shown given the current toggles.
func (m model) visible(f field) bool {
	switch f {
	case fieldContextWay, fieldContextExpr:
		return m.view.ContextVisible
	case fieldResolverExpr:
		return m.view.ResolverVisible
	case fieldFrameExpr:
		return m.view.FrameVisible
	}
	return true
}

func (m model) moveFocus(step int) model {
	if in := m.input(m.focus); in != nil {
		in.Blur()
	}
	m.results.Blur()
	next := m.focus
	for i := 0; i < int(fieldCount); i++ {
		next = field((int(next) + step + int(fieldCount)) % int(fieldCount))
		if m.visible(next) {
			break
		}
	}
	m.focus = next
	if in := m.input(next); in != nil {
		in.Focus()
	}
	if next == fieldResults {
		m.results.Focus()
	}
	return m
}

func (m *model) shiftWay(step int) {
	m.ctrl.Edit(func(s *types.PopupState) {
		if m.focus == fieldMainWay {
			s.MainWayIndex = (s.MainWayIndex + step + len(popup.MainWays)) % len(popup.MainWays)
		} else {
			s.ContextWayIndex = (s.ContextWayIndex + step + len(popup.ContextWays)) % len(popup.ContextWays)
		}
	})
	m.view = m.ctrl.View()
}

func (m *model) toggle() {
	m.ctrl.Edit(func(s *types.PopupState) {
		switch m.focus {
		case fieldContextToggle:
			s.ContextCheckboxChecked = !s.ContextCheckboxChecked
		case fieldResolverToggle:
			s.ResolverCheckboxChecked = !s.ResolverCheckboxChecked
		case fieldFrameToggle:
			s.FrameCheckboxChecked = !s.FrameCheckboxChecked
		}
	})
	m.view = m.ctrl.View()
}

// syncForm copies the text inputs into the controller's form.
func (m *model) syncForm() {
	m.ctrl.Edit(func(s *types.PopupState) {
		s.MainExpressionValue = m.main.Value()
		s.ContextExpressionValue = m.context.Value()
		s.ResolverExpressionValue = m.resolver.Value()
		s.FrameExpressionValue = m.frame.Value()
	})
	m.view = m.ctrl.View()
}

// applyForm copies a restored form into the text inputs.
func (m *model) applyForm(s types.PopupState) {
	m.main.SetValue(s.MainExpressionValue)
	m.context.SetValue(s.ContextExpressionValue)
	m.resolver.SetValue(s.ResolverExpressionValue)
	m.frame.SetValue(s.FrameExpressionValue)
}

func resultRows(r *popup.Results) []table.Row {
	if r == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(r.Items))
	for i, item := range r.Items {
		rows = append(rows, table.Row{strconv.Itoa(i), item.Type, item.Name, oneLine(item.Value)})
	}
	return rows
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func checkbox(on bool) string {
	if on {
		return "[x]"
	}
	return "[ ]"
}

func (m model) label(f field, text string) string {
	if m.focus == f {
		return focusStyle.Inherit(labelStyle).Render("▸ " + text)
	}
	return labelStyle.Render("  " + text)
}

func (m model) View() string {
	var b strings.Builder
	form := m.view.Form

	b.WriteString(titleStyle.Render("Try xpath") + "\n\n")
	fmt.Fprintf(&b, "%s ‹ %s ›\n", m.label(fieldMainWay, "Way"), popup.MainWays[wayIndex(form.MainWayIndex, len(popup.MainWays))].Label)
	fmt.Fprintf(&b, "%s %s\n", m.label(fieldMainExpr, "Expression"), m.main.View())

	fmt.Fprintf(&b, "%s %s\n", m.label(fieldContextToggle, "Context"), checkbox(form.ContextCheckboxChecked))
	if m.view.ContextVisible {
		fmt.Fprintf(&b, "%s ‹ %s ›\n", m.label(fieldContextWay, "  Way"), popup.ContextWays[wayIndex(form.ContextWayIndex, len(popup.ContextWays))].Label)
		fmt.Fprintf(&b, "%s %s\n", m.label(fieldContextExpr, "  Expr"), m.context.View())
	}
	fmt.Fprintf(&b, "%s %s\n", m.label(fieldResolverToggle, "Resolver"), checkbox(form.ResolverCheckboxChecked))
	if m.view.ResolverVisible {
		fmt.Fprintf(&b, "%s %s\n", m.label(fieldResolverExpr, "  JSON"), m.resolver.View())
	}
	fmt.Fprintf(&b, "%s %s\n", m.label(fieldFrameToggle, "Frame"), checkbox(form.FrameCheckboxChecked))
	if m.view.FrameVisible {
		fmt.Fprintf(&b, "%s %s\n", m.label(fieldFrameExpr, "  Path"), m.frame.View())
	}

	b.WriteString("\n")
	if r := m.view.Results; r != nil {
		fmt.Fprintf(&b, "%s  %s\n", messageStyle.Render(r.Message), dimStyle.Render(fmt.Sprintf("count %d · tab %s", r.Count, types.ShortTabID(r.TabID))))
		if r.Context != nil {
			fmt.Fprintf(&b, "context: %s %s %s\n", r.Context.Type, r.Context.Name, oneLine(r.Context.Value))
		}
	} else {
		b.WriteString(dimStyle.Render("no results yet") + "\n")
	}
	b.WriteString(m.label(fieldResults, "Results") + "\n")
	b.WriteString(m.results.View() + "\n\n")

	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}
	b.WriteString(dimStyle.Render("enter execute · tab move · space toggle · ←/→ way · ctrl+a all results · ctrl+s/ctrl+r style · ctrl+o options · c focus context · esc close"))
	return b.String()
}

func wayIndex(i, n int) int {
	if i < 0 || i >= n {
		return 0
	}
	return i
}
