// Package tui implements the interactive connect screen: it drives one OAuth
// authorization from start to finish in the terminal, covering the device
// flow, its manual fallback, and pasted authorization-code callbacks.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chatlink-dev/chatlinkd/internal/oauth"
)

// pasteTarget says what the text input is currently collecting.
type pasteTarget int

const (
	pasteNone pasteTarget = iota
	pasteDeviceJSON
	pasteTokenJSON
	pasteCallbackURL
)

type flowStartedMsg struct {
	flow *oauth.PendingFlow
	err  error
}

type flowEventMsg oauth.FlowEvent

type submitResultMsg struct {
	flow *oauth.PendingFlow
	err  error
	done bool
}

// ConnectModel is the bubbletea model for one authorization attempt.
type ConnectModel struct {
	manager *oauth.Manager
	server  string
	replace bool

	flow      *oauth.PendingFlow
	events    <-chan oauth.FlowEvent
	cancelSub func()

	spinner spinner.Model
	input   textinput.Model
	pasting pasteTarget

	status  string
	lastErr string
	done    bool
	failed  bool
}

// NewConnect builds the connect screen for one provider.
func NewConnect(manager *oauth.Manager, server string, replace bool) ConnectModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	ti := textinput.New()
	ti.CharLimit = 4096
	ti.Width = 72

	events, cancel := manager.Subscribe()
	return ConnectModel{
		manager:   manager,
		server:    server,
		replace:   replace,
		spinner:   sp,
		input:     ti,
		events:    events,
		cancelSub: cancel,
		status:    "starting authorization",
	}
}

// Init starts the flow and the event listener.
func (m ConnectModel) Init() tea.Cmd {
	return tea.Batch(m.startFlowCmd(), m.listenCmd(), m.spinner.Tick)
}

func (m ConnectModel) startFlowCmd() tea.Cmd {
	return func() tea.Msg {
		flow, err := m.manager.StartFlow(context.Background(), m.server, m.replace)
		return flowStartedMsg{flow: flow, err: err}
	}
}

func (m ConnectModel) listenCmd() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return flowEventMsg(ev)
	}
}

// Update implements tea.Model.
func (m ConnectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case flowStartedMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			m.failed = true
			return m, nil
		}
		m.flow = msg.flow
		m.status = "waiting for authorization"
		if msg.flow.Config.Flow == oauth.FlowManualDevice && msg.flow.DeviceCode == "" {
			m.pasting = pasteDeviceJSON
			m.input.Placeholder = "paste the JSON response here"
			m.input.Focus()
		}
		return m, nil

	case flowEventMsg:
		if m.flow != nil && msg.Server == m.flow.Config.Key() {
			m.status = msg.Message
			switch msg.FlowState {
			case oauth.StateAuthorized:
				m.done = true
				return m, tea.Quit
			case oauth.StateExpired, oauth.StateFailed:
				m.failed = true
				m.lastErr = msg.Message
				return m, tea.Quit
			case oauth.StatePendingUserAction:
				if refreshed, ok := m.manager.FlowByID(m.flow.ID); ok {
					m.flow = refreshed
					if refreshed.ManualPollFallback && refreshed.DeviceCode != "" && m.pasting == pasteNone {
						m.pasting = pasteTokenJSON
						m.input.Placeholder = "paste the token response here"
						m.input.Focus()
					}
				}
			}
		}
		return m, m.listenCmd()

	case submitResultMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.lastErr = ""
		if msg.done {
			m.pasting = pasteNone
			return m, nil
		}
		m.flow = msg.flow
		m.pasting = pasteTokenJSON
		m.input.SetValue("")
		m.input.Placeholder = "paste the token response here"
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.pasting != pasteNone {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ConnectModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		if m.flow != nil && !m.done {
			_ = m.manager.CancelFlow(m.flow.ID)
		}
		m.cancelSub()
		return m, tea.Quit

	case "enter":
		if m.pasting == pasteNone {
			return m, nil
		}
		value := strings.TrimSpace(m.input.Value())
		if value == "" {
			return m, nil
		}
		target := m.pasting
		flowID := m.flow.ID
		return m, func() tea.Msg {
			switch target {
			case pasteDeviceJSON:
				flow, err := m.manager.SubmitManualDeviceAuthorization(flowID, value)
				return submitResultMsg{flow: flow, err: err}
			case pasteTokenJSON:
				_, err := m.manager.SubmitManualTokenResponse(flowID, value)
				return submitResultMsg{err: err, done: err == nil}
			case pasteCallbackURL:
				code, state, err := oauth.ParseCallbackURL(value)
				if err == nil {
					_, err = m.manager.ResumeAuthorizationCode(context.Background(), code, state)
				}
				return submitResultMsg{err: err, done: err == nil}
			}
			return nil
		}

	case "c":
		if m.pasting == pasteNone && m.flow != nil {
			m.copyCurrentCommand()
		}

	case "p":
		// Authorization-code flows accept a pasted callback URL when the
		// local listener could not receive the redirect.
		if m.pasting == pasteNone && m.flow != nil && m.flow.Config.Flow == oauth.FlowAuthorizationCode {
			m.pasting = pasteCallbackURL
			m.input.Placeholder = "paste the callback URL here"
			m.input.SetValue("")
			m.input.Focus()
		}
	}

	if m.pasting != pasteNone {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ConnectModel) copyCurrentCommand() {
	var cmd string
	switch {
	case m.flow.Config.Flow == oauth.FlowManualDevice && m.flow.DeviceCode == "":
		cmd = oauth.ManualDeviceCommand(&m.flow.Config)
	case m.flow.ManualPollFallback && m.flow.DeviceCode != "":
		cmd = oauth.ManualTokenCommand(m.flow)
	case m.flow.AuthorizationURL != "":
		cmd = m.flow.AuthorizationURL
	}
	if cmd == "" {
		return
	}
	if err := oauth.CopyCommand(cmd); err != nil {
		m.lastErr = "clipboard unavailable; copy the text above by hand"
	} else {
		m.status = "copied to clipboard"
	}
}

// View implements tea.Model.
func (m ConnectModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Connect %s", m.server)))
	b.WriteString("\n\n")

	switch {
	case m.done:
		b.WriteString(successStyle.Render("Connected."))
		b.WriteString("\n")
		return b.String()
	case m.failed:
		b.WriteString(errorStyle.Render(nonEmpty(m.lastErr, "Authorization failed.")))
		b.WriteString("\n")
		return b.String()
	}

	if m.flow != nil {
		switch {
		case m.flow.UserCode != "":
			b.WriteString("Enter this code at ")
			b.WriteString(m.flow.VerificationURI)
			b.WriteString("\n\n")
			b.WriteString(codeStyle.Render(m.flow.UserCode))
			b.WriteString("\n\n")
		case m.flow.Config.Flow == oauth.FlowManualDevice:
			b.WriteString("Run this command, then paste its JSON output:\n\n")
			b.WriteString(commandStyle.Render(oauth.ManualDeviceCommand(&m.flow.Config)))
			b.WriteString("\n\n")
		case m.flow.AuthorizationURL != "":
			b.WriteString("Authorize in the browser:\n\n")
			b.WriteString(commandStyle.Render(m.flow.AuthorizationURL))
			b.WriteString("\n\n")
		}
		if m.flow.ManualPollFallback && m.flow.DeviceCode != "" {
			b.WriteString("Then run this command and paste its JSON output:\n\n")
			b.WriteString(commandStyle.Render(oauth.ManualTokenCommand(m.flow)))
			b.WriteString("\n\n")
		}
	}

	if m.pasting != pasteNone {
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
	} else {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.status)
		b.WriteString("\n\n")
	}

	if m.lastErr != "" {
		b.WriteString(errorStyle.Render(m.lastErr))
		b.WriteString("\n\n")
	}

	b.WriteString(hintStyle.Render("c copy · p paste callback URL · esc cancel"))
	b.WriteString("\n")
	return b.String()
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// RunConnect runs the connect screen to completion and reports whether the
// authorization succeeded.
func RunConnect(manager *oauth.Manager, server string, replace bool) (bool, error) {
	model := NewConnect(manager, server, replace)
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return false, err
	}
	if connected, ok := final.(ConnectModel); ok {
		connected.cancelSub()
		return connected.done, nil
	}
	return false, nil
}
