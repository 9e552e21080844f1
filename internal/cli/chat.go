package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/chatsync/internal/client"
	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var chatJoin joinFlags

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a conversation interactively",
	Long: `Join a conversation in an interactive terminal UI.

Type a message and press Enter to send. Commands:
  /agent       ask for a live agent (customers)
  /claim       take the ticket (agents)
  /close       close the ticket
  /rate N      rate a closed ticket from 1 to 5 (customers)
  /read        mark the other side's messages as read
  /retry       resend unconfirmed messages
  /reconnect   force a resubscription

Examples:
  chatsync chat --user u-123
  chatsync chat --agent a-7 --name Dana --ticket 0b1c...`,
	RunE: runChat,
}

func init() {
	chatJoin.register(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	opts, err := chatJoin.options()
	if err != nil {
		return err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("chat needs an interactive terminal; use 'chatsync watch' instead")
	}

	conv, err := apiClient.Join(context.Background(), opts)
	if err != nil {
		return err
	}
	defer conv.Close()

	p := tea.NewProgram(newChatModel(conv, chatJoin.viewer()))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	if m, ok := finalModel.(chatModel); ok && m.err != nil {
		return m.err
	}
	return nil
}

// frameMsg carries a frame read from the conversation.
type frameMsg server.ServerFrame

// endedMsg reports that the server ended the conversation.
type endedMsg struct{ err error }

// requestFailedMsg reports a request that could not be written.
type requestFailedMsg struct{ err error }

// chatModel is the bubbletea model for an interactive conversation.
type chatModel struct {
	conv     *client.Conversation
	viewer   string
	input    textinput.Model
	spinner  spinner.Model
	theme    Theme
	t        transcript
	notice   string
	quitting bool
	err      error
}

func newChatModel(conv *client.Conversation, viewer string) chatModel {
	in := textinput.New()
	in.Placeholder = "Type a message, /agent, /close..."
	in.CharLimit = 4000
	in.Focus()

	return chatModel{
		conv:    conv,
		viewer:  viewer,
		input:   in,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:   defaultTheme,
	}
}

// Init starts the spinner and reading frames.
func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitFrame(m.conv),
	)
}

// waitFrame blocks on the next frame in a command, never in Update.
func waitFrame(conv *client.Conversation) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-conv.Frames()
		if !ok {
			return endedMsg{err: conv.Err()}
		}
		return frameMsg(f)
	}
}

// request runs a conversation write as a command.
func request(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return requestFailedMsg{err: err}
		}
		return nil
	}
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			m.notice = ""
			return m, tea.Batch(m.submit(line), request(m.conv.ClearCompose))
		}

		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		after := m.input.Value()
		if after == before || strings.HasPrefix(after, "/") {
			return m, cmd
		}
		if after == "" {
			return m, tea.Batch(cmd, request(m.conv.ClearCompose))
		}
		return m, tea.Batch(cmd, request(m.conv.Typing))

	case frameMsg:
		m.t.apply(server.ServerFrame(msg))
		return m, waitFrame(m.conv)

	case endedMsg:
		m.err = msg.err
		m.quitting = true
		return m, tea.Quit

	case requestFailedMsg:
		m.notice = msg.err.Error()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit turns an input line into a request.
func (m *chatModel) submit(line string) tea.Cmd {
	if !strings.HasPrefix(line, "/") {
		return request(func() error {
			_, err := m.conv.Send(line, nil)
			return err
		})
	}

	fields := strings.Fields(line)
	ignoreID := func(fn func() (string, error)) tea.Cmd {
		return request(func() error {
			_, err := fn()
			return err
		})
	}
	switch fields[0] {
	case "/agent":
		return ignoreID(m.conv.RequestAgent)
	case "/claim":
		return ignoreID(m.conv.Claim)
	case "/close":
		return ignoreID(m.conv.CloseTicket)
	case "/read":
		return ignoreID(m.conv.MarkRead)
	case "/reconnect":
		return request(func() error {
			_, err := m.conv.Reconnect()
			return err
		})
	case "/retry":
		stalled := append([]string(nil), m.t.stalled...)
		if len(stalled) == 0 {
			m.notice = "nothing to retry"
			return nil
		}
		return request(func() error {
			for _, cid := range stalled {
				if _, err := m.conv.Retry(cid); err != nil {
					return err
				}
			}
			return nil
		})
	case "/rate":
		if len(fields) != 2 {
			m.notice = "usage: /rate N"
			return nil
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			m.notice = "rating must be a number"
			return nil
		}
		return request(func() error {
			_, err := m.conv.Rate(n)
			return err
		})
	default:
		m.notice = "unknown command " + fields[0]
		return nil
	}
}

// View renders the conversation and the input line.
func (m chatModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m chatModel) renderContent() string {
	if m.quitting {
		if m.err != nil {
			return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Conversation ended: %s\n", m.err))
		}
		return m.theme.hintStyle().Render("\nLeft the conversation.\n")
	}

	var b strings.Builder
	b.WriteString(m.t.render(m.theme, m.viewer))
	if m.t.conn != "" && m.t.conn != string(connection.StateConnected) {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.theme.statusStyle().Render("syncing..."))
		b.WriteString("\n")
	}
	if m.t.ticket != nil && m.t.ticket.ChatMode == "connecting" {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.theme.statusStyle().Render("connecting you to an agent"))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(m.theme.errorStyle().Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.theme.hintStyle().Render("Enter to send, Esc to leave"))
	b.WriteString("\n")
	return b.String()
}
