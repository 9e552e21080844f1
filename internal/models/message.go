package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SenderType is the role of a message author.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderStaff SenderType = "staff"
	SenderBot   SenderType = "bot"
)

// Valid reports whether s is a known sender.
func (s SenderType) Valid() bool {
	switch s {
	case SenderUser, SenderStaff, SenderBot:
		return true
	default:
		return false
	}
}

// ParseSenderType converts a wire value into a SenderType.
func ParseSenderType(s string) (SenderType, error) {
	st := SenderType(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown sender type %q", ErrValidation, s)
	}
	return st, nil
}

// Actor maps a sender onto the presence actor whose typing it ends.
// Bot messages have no presence actor.
func (s SenderType) Actor() (Actor, bool) {
	switch s {
	case SenderUser:
		return ActorUser, true
	case SenderStaff:
		return ActorAgent, true
	case SenderBot:
		return "", false
	default:
		return "", false
	}
}

// DeliveryState is the local confirmation state of a message.
type DeliveryState string

const (
	// StatePending marks an optimistic message awaiting confirmation.
	StatePending DeliveryState = "pending"
	// StateConfirmed marks a message observed from the persistence store.
	StateConfirmed DeliveryState = "confirmed"
	// StateLocal marks a synthetic message that is never persisted.
	StateLocal DeliveryState = "local"
)

// Attachment references an uploaded file.
type Attachment struct {
	URL  string `json:"file_url"`
	Name string `json:"file_name,omitempty"`
}

// Message is a single chat entry on a ticket.
type Message struct {
	ID            string        `json:"id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	TicketID      string        `json:"ticket_id"`
	Sender        SenderType    `json:"sender_type"`
	Body          string        `json:"message"`
	Attachment    *Attachment   `json:"attachment,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	IsRead        bool          `json:"is_read"`
	State         DeliveryState `json:"state"`
}

// Key is the identity used for ordering ties: the server id when known,
// the correlation id otherwise.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// Pending reports whether the message is an unconfirmed optimistic write.
func (m Message) Pending() bool {
	return m.State == StatePending
}

// Less orders messages by (created_at, id) ascending.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key() < b.Key()
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.Key(), b.Key())
}

// DefaultMaxBodyLength bounds a message body in characters.
const DefaultMaxBodyLength = 4000

// ValidateBody rejects empty and oversized messages before they are sent.
// A message with an attachment may have an empty body.
func ValidateBody(body string, attachment *Attachment, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" && (attachment == nil || attachment.URL == "") {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(body); n > maxLen {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrValidation, n, maxLen)
	}
	return nil
}

// WelcomeMessageID is the local id of the synthetic greeting.
const WelcomeMessageID = "welcome"

// DefaultWelcomeText greets the customer on a fresh ticket.
const DefaultWelcomeText = "Hi! Thanks for reaching out. Tell us what you need and we'll help you right away."

// WelcomeMessage builds the synthetic staff greeting shown at the top of a
// ticket. It is never persisted.
func WelcomeMessage(t Ticket, text string) Message {
	if text == "" {
		text = DefaultWelcomeText
	}
	return Message{
		ID:        WelcomeMessageID,
		TicketID:  t.ID,
		Sender:    SenderStaff,
		Body:      text,
		CreatedAt: t.CreatedAt,
		IsRead:    true,
		State:     StateLocal,
	}
}
