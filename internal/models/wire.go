package models

import (
	"fmt"
	"time"
)

// WireMessage is the JSON shape of a message exchanged with the persistence
// store and the websocket clients.
type WireMessage struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TicketID      string    `json:"ticket_id"`
	SenderType    string    `json:"sender_type"`
	Message       string    `json:"message"`
	FileURL       *string   `json:"file_url,omitempty"`
	FileName      *string   `json:"file_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	IsRead        bool      `json:"is_read"`
	Pending       bool      `json:"pending,omitempty"`
}

// WireTicket is the JSON shape of a ticket.
type WireTicket struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	Status          string    `json:"status"`
	ChatMode        string    `json:"chat_mode"`
	AssignedAgentID *string   `json:"assigned_agent_id,omitempty"`
	AgentOnline     bool      `json:"agent_online"`
	UserOnline      bool      `json:"user_online"`
	UserTyping      bool      `json:"user_typing"`
	AgentTyping     bool      `json:"agent_typing"`
	Rating          *int      `json:"rating,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ToWire converts a message into its wire shape.
func (m Message) ToWire() WireMessage {
	w := WireMessage{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		TicketID:      m.TicketID,
		SenderType:    string(m.Sender),
		Message:       m.Body,
		CreatedAt:     m.CreatedAt,
		IsRead:        m.IsRead,
		Pending:       m.Pending(),
	}
	if m.Attachment != nil {
		url, name := m.Attachment.URL, m.Attachment.Name
		w.FileURL = &url
		if name != "" {
			w.FileName = &name
		}
	}
	return w
}

// MessageFromWire converts a wire message delivered by the store into a
// confirmed Message.
func MessageFromWire(w WireMessage) (Message, error) {
	if w.ID == "" {
		return Message{}, fmt.Errorf("%w: message without id", ErrValidation)
	}
	sender, err := ParseSenderType(w.SenderType)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:            w.ID,
		CorrelationID: w.CorrelationID,
		TicketID:      w.TicketID,
		Sender:        sender,
		Body:          w.Message,
		CreatedAt:     w.CreatedAt,
		IsRead:        w.IsRead,
		State:         StateConfirmed,
	}
	if w.FileURL != nil && *w.FileURL != "" {
		m.Attachment = &Attachment{URL: *w.FileURL}
		if w.FileName != nil {
			m.Attachment.Name = *w.FileName
		}
	}
	return m, nil
}

// ToWire converts a ticket into its wire shape.
func (t Ticket) ToWire() WireTicket {
	w := WireTicket{
		ID:          t.ID,
		UserID:      t.UserID,
		Status:      string(t.Status),
		ChatMode:    string(t.ChatMode),
		AgentOnline: t.Presence.AgentOnline,
		UserOnline:  t.Presence.UserOnline,
		UserTyping:  t.Presence.UserTyping,
		AgentTyping: t.Presence.AgentTyping,
		Rating:      t.Rating,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.AssignedAgentID != "" {
		agent := t.AssignedAgentID
		w.AssignedAgentID = &agent
	}
	return w
}

// TicketFromWire converts a wire ticket into a Ticket.
func TicketFromWire(w WireTicket) (Ticket, error) {
	status := TicketStatus(w.Status)
	if !status.Valid() {
		return Ticket{}, fmt.Errorf("%w: unknown ticket status %q", ErrValidation, w.Status)
	}
	mode, err := ParseChatMode(w.ChatMode)
	if err != nil {
		return Ticket{}, err
	}
	t := Ticket{
		ID:       w.ID,
		UserID:   w.UserID,
		Status:   status,
		ChatMode: mode,
		Presence: Presence{
			UserOnline:  w.UserOnline,
			AgentOnline: w.AgentOnline,
			UserTyping:  w.UserTyping,
			AgentTyping: w.AgentTyping,
		},
		Rating:    w.Rating,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	if w.AssignedAgentID != nil {
		t.AssignedAgentID = *w.AssignedAgentID
	}
	return t, nil
}
