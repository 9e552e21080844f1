package server

import (
	"errors"
	"time"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/service"
)

// Client to server frame types.
const (
	FrameSend      = "send"
	FrameRetry     = "retry"
	FrameTyping    = "typing"
	FrameClear     = "clear"
	FrameEscalate  = "escalate"
	FrameClaim     = "claim"
	FrameClose     = "close"
	FrameRate      = "rate"
	FrameRead      = "read"
	FrameReconnect = "reconnect"
	FrameReauth    = "reauth"
)

// Server to client frame types.
const (
	FrameSnapshot   = "snapshot"
	FrameMessage    = "message"
	FrameReplace    = "replace"
	FrameRemove     = "remove"
	FrameReadMark   = "read"
	FrameTicket     = "ticket"
	FrameConnection = "connection"
	FrameAck        = "ack"
	FrameError      = "error"
)

// Error codes carried by error frames.
const (
	CodeSendFailed   = "send_failed"
	CodeAuthExpired  = "auth_expired"
	CodeValidation   = "validation"
	CodeTicketClosed = "ticket_closed"
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "unavailable"
	CodeBadFrame     = "bad_frame"
)

// ClientFrame is a request from the widget or agent console. ID is echoed
// on the ack or error frame answering it.
type ClientFrame struct {
	ID            string             `json:"id,omitempty"`
	Type          string             `json:"type"`
	Message       string             `json:"message,omitempty"`
	Attachment    *models.Attachment `json:"attachment,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Rating        int                `json:"rating,omitempty"`
}

// ServerFrame is a push from the gateway.
type ServerFrame struct {
	ID            string               `json:"id,omitempty"`
	Type          string               `json:"type"`
	Index         *int                 `json:"index,omitempty"`
	Message       *models.WireMessage  `json:"message,omitempty"`
	Messages      []models.WireMessage `json:"messages,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Ticket        *models.WireTicket   `json:"ticket,omitempty"`
	Connection    *ConnectionFrame     `json:"connection,omitempty"`
	Stalled       []string             `json:"stalled,omitempty"`
	Count         *int                 `json:"count,omitempty"`
	Error         *ErrorFrame          `json:"error,omitempty"`
}

// ConnectionFrame reports the health of the change feed behind a session.
type ConnectionFrame struct {
	State         string     `json:"state"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

// ErrorFrame describes a failed request. Draft returns the compose-box
// content of a failed send.
type ErrorFrame struct {
	Code          string             `json:"code"`
	Message       string             `json:"message"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Draft         string             `json:"draft,omitempty"`
	Attachment    *models.Attachment `json:"attachment,omitempty"`
	Retryable     bool               `json:"retryable,omitempty"`
}

func wireMessages(msgs []models.Message) []models.WireMessage {
	out := make([]models.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToWire())
	}
	return out
}

func messageFrame(typ string, m models.Message) ServerFrame {
	w := m.ToWire()
	return ServerFrame{Type: typ, Message: &w}
}

func ticketFrame(t models.Ticket) ServerFrame {
	w := t.ToWire()
	return ServerFrame{Type: FrameTicket, Ticket: &w}
}

func connectionFrame(state connection.State, last time.Time) ServerFrame {
	cf := &ConnectionFrame{State: string(state)}
	if !last.IsZero() {
		cf.LastConnected = &last
	}
	return ServerFrame{Type: FrameConnection, Connection: cf}
}

func snapshotFrame(snap service.Snapshot) ServerFrame {
	t := snap.Ticket.ToWire()
	f := ServerFrame{
		Type:     FrameSnapshot,
		Ticket:   &t,
		Messages: wireMessages(snap.Messages),
	}
	f.Connection = connectionFrame(snap.Connection, snap.LastConnected).Connection
	for _, m := range snap.Stalled {
		f.Stalled = append(f.Stalled, m.CorrelationID)
	}
	return f
}

// errorFrame maps err onto a client-visible error. Transient errors are
// reported generically; the session recovers from them itself.
func errorFrame(id string, err error) ServerFrame {
	ef := &ErrorFrame{Code: errorCode(err), Message: err.Error()}
	var sendErr *models.SendError
	if errors.As(err, &sendErr) {
		ef.CorrelationID = sendErr.CorrelationID
		ef.Draft = sendErr.Draft
		ef.Attachment = sendErr.Attachment
		ef.Retryable = sendErr.Retryable()
	}
	if ef.Code == CodeUnavailable && !models.UserFacing(err) {
		ef.Message = "temporarily unavailable, try again"
	}
	return ServerFrame{ID: id, Type: FrameError, Error: ef}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrAuthExpired):
		return CodeAuthExpired
	case errors.Is(err, models.ErrTicketClosed):
		return CodeTicketClosed
	case errors.Is(err, models.ErrValidation):
		return CodeValidation
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrConflict):
		return CodeConflict
	}
	var sendErr *models.SendError
	if errors.As(err, &sendErr) {
		return CodeSendFailed
	}
	return CodeUnavailable
}
