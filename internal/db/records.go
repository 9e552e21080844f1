package db

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const (
	ticketTable  = "support_ticket"
	messageTable = "support_message"
)

// recordIDString safely extracts the string ID from a SurrealDB RecordID.
func recordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// ticketRow is the stored shape of a support_ticket record.
type ticketRow struct {
	ID              surrealmodels.RecordID `json:"id"`
	UserID          string                 `json:"user_id"`
	Status          string                 `json:"status"`
	ChatMode        string                 `json:"chat_mode"`
	AssignedAgentID *string                `json:"assigned_agent_id,omitempty"`
	Presence        models.Presence        `json:"presence"`
	Rating          *int                   `json:"rating,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (r ticketRow) toModel() (models.Ticket, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.Ticket{}, err
	}
	mode, err := models.ParseChatMode(r.ChatMode)
	if err != nil {
		return models.Ticket{}, err
	}
	t := models.Ticket{
		ID:        id,
		UserID:    r.UserID,
		Status:    models.TicketStatus(r.Status),
		ChatMode:  mode,
		Presence:  r.Presence,
		Rating:    r.Rating,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.AssignedAgentID != nil {
		t.AssignedAgentID = *r.AssignedAgentID
	}
	if !t.Status.Valid() {
		return models.Ticket{}, fmt.Errorf("%w: unknown status %q", models.ErrValidation, r.Status)
	}
	return t, nil
}

// messageRow is the stored shape of a support_message record.
type messageRow struct {
	ID            surrealmodels.RecordID `json:"id"`
	TicketID      string                 `json:"ticket_id"`
	CorrelationID string                 `json:"correlation_id"`
	SenderType    string                 `json:"sender_type"`
	Message       string                 `json:"message"`
	FileURL       *string                `json:"file_url,omitempty"`
	FileName      *string                `json:"file_name,omitempty"`
	IsRead        bool                   `json:"is_read"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (r messageRow) toModel() (models.Message, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.Message{}, err
	}
	sender, err := models.ParseSenderType(r.SenderType)
	if err != nil {
		return models.Message{}, err
	}
	m := models.Message{
		ID:            id,
		CorrelationID: r.CorrelationID,
		TicketID:      r.TicketID,
		Sender:        sender,
		Body:          r.Message,
		CreatedAt:     r.CreatedAt.UTC(),
		IsRead:        r.IsRead,
		State:         models.StateConfirmed,
	}
	if r.FileURL != nil {
		m.Attachment = &models.Attachment{URL: *r.FileURL}
		if r.FileName != nil {
			m.Attachment.Name = *r.FileName
		}
	}
	return m, nil
}

func ticketsFromRows(rows []ticketRow) ([]models.Ticket, error) {
	out := make([]models.Ticket, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func messagesFromRows(rows []messageRow) ([]models.Message, error) {
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// firstResult returns the rows of the first statement of a query response.
func firstResult[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[0].Result
}
