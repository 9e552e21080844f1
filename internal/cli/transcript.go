package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/server"
)

// transcript mirrors a session's visible conversation from gateway frames.
type transcript struct {
	ticket   *models.WireTicket
	messages []models.WireMessage
	conn     string
	stalled  []string
	lastErr  *server.ErrorFrame
}

// apply folds one frame into the transcript and reports whether anything
// visible changed.
func (t *transcript) apply(f server.ServerFrame) bool {
	switch f.Type {
	case server.FrameSnapshot:
		t.ticket = f.Ticket
		t.messages = slices.Clone(f.Messages)
		t.stalled = slices.Clone(f.Stalled)
		if f.Connection != nil {
			t.conn = f.Connection.State
		}
		t.lastErr = nil
	case server.FrameMessage:
		if f.Message == nil || t.indexOf(f.Message.ID, "") >= 0 {
			return false
		}
		t.insert(f.Index, *f.Message)
	case server.FrameReplace:
		if f.Message == nil {
			return false
		}
		if i := t.indexOf("", f.CorrelationID); i >= 0 {
			t.messages[i] = *f.Message
		} else if t.indexOf(f.Message.ID, "") < 0 {
			t.insert(f.Index, *f.Message)
		}
		t.stalled = slices.DeleteFunc(t.stalled, func(c string) bool { return c == f.CorrelationID })
	case server.FrameRemove:
		i := t.indexOf("", f.CorrelationID)
		if i < 0 {
			return false
		}
		t.messages = slices.Delete(t.messages, i, i+1)
	case server.FrameReadMark:
		if f.Message == nil {
			return false
		}
		i := t.indexOf(f.Message.ID, "")
		if i < 0 {
			return false
		}
		t.messages[i].IsRead = true
	case server.FrameTicket:
		t.ticket = f.Ticket
	case server.FrameConnection:
		if f.Connection == nil {
			return false
		}
		t.conn = f.Connection.State
	case server.FrameError:
		t.lastErr = f.Error
	default:
		return false
	}
	return true
}

// indexOf finds a message by server id, or a pending one by correlation id.
func (t *transcript) indexOf(id, correlationID string) int {
	return slices.IndexFunc(t.messages, func(m models.WireMessage) bool {
		if id != "" {
			return m.ID == id
		}
		return m.Pending && m.CorrelationID == correlationID
	})
}

func (t *transcript) insert(index *int, m models.WireMessage) {
	if index == nil || *index < 0 || *index > len(t.messages) {
		t.messages = append(t.messages, m)
		return
	}
	t.messages = slices.Insert(t.messages, *index, m)
}

// typing returns who on the other side of viewer is typing, if anyone.
func (t *transcript) typing(viewer string) string {
	if t.ticket == nil {
		return ""
	}
	switch {
	case viewer != "staff" && t.ticket.AgentTyping:
		return "agent"
	case viewer != "user" && t.ticket.UserTyping:
		return "customer"
	}
	return ""
}

func (t *transcript) header(theme Theme) string {
	if t.ticket == nil {
		return theme.hintStyle().Render("waiting for snapshot...")
	}
	tk := t.ticket
	parts := []string{
		theme.statusStyle().Render(fmt.Sprintf("[%s/%s]", tk.Status, tk.ChatMode)),
		"ticket " + tk.ID,
	}
	if tk.AssignedAgentID != nil {
		parts = append(parts, "agent "+*tk.AssignedAgentID)
	}
	if tk.Rating != nil {
		parts = append(parts, fmt.Sprintf("rated %d/%d", *tk.Rating, models.MaxRating))
	}
	return strings.Join(parts, "  ")
}

func (t *transcript) connectionLine(theme Theme) string {
	switch t.conn {
	case "", string(connection.StateConnected):
		return ""
	default:
		return theme.errorStyle().Render("● " + t.conn)
	}
}

func formatMessage(theme Theme, m models.WireMessage) string {
	var b strings.Builder
	b.WriteString(theme.hintStyle().Render(m.CreatedAt.Local().Format("15:04")))
	b.WriteString(" ")
	b.WriteString(theme.senderStyle(m.SenderType).Render(senderLabel(m.SenderType) + ":"))
	b.WriteString(" ")
	b.WriteString(m.Message)
	if m.FileURL != nil {
		name := *m.FileURL
		if m.FileName != nil && *m.FileName != "" {
			name = *m.FileName
		}
		b.WriteString(" ")
		b.WriteString(theme.statusStyle().Render("[" + name + "]"))
	}
	if m.Pending {
		b.WriteString(" ")
		b.WriteString(theme.hintStyle().Render("(sending)"))
	}
	return b.String()
}

func senderLabel(sender string) string {
	switch sender {
	case "user":
		return "customer"
	case "staff":
		return "agent"
	default:
		return sender
	}
}

// render draws the full transcript for the viewer's sender type.
func (t *transcript) render(theme Theme, viewer string) string {
	var b strings.Builder
	b.WriteString(t.header(theme))
	b.WriteString("\n\n")
	for _, m := range t.messages {
		b.WriteString(formatMessage(theme, m))
		b.WriteString("\n")
	}
	if len(t.stalled) > 0 {
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("%d message(s) not confirmed, /retry to resend", len(t.stalled))))
		b.WriteString("\n")
	}
	if who := t.typing(viewer); who != "" {
		b.WriteString(theme.hintStyle().Render(who + " is typing..."))
		b.WriteString("\n")
	}
	if line := t.connectionLine(theme); line != "" {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if t.lastErr != nil {
		b.WriteString(theme.errorStyle().Render("✗ " + t.lastErr.Message))
		b.WriteString("\n")
	}
	return b.String()
}
