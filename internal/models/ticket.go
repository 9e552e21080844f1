// Package models defines the support ticket and message types shared by the
// sync engine, the persistence adapters and the websocket gateway.
package models

import (
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketClosed TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketClosed:
		return true
	default:
		return false
	}
}

// ChatMode is who is currently answering the customer.
type ChatMode string

const (
	ModeBot        ChatMode = "bot"
	ModeConnecting ChatMode = "connecting"
	ModeAgent      ChatMode = "agent"
)

// Valid reports whether m is a known chat mode.
func (m ChatMode) Valid() bool {
	switch m {
	case ModeBot, ModeConnecting, ModeAgent:
		return true
	default:
		return false
	}
}

// ParseChatMode converts a wire value into a ChatMode.
func ParseChatMode(s string) (ChatMode, error) {
	m := ChatMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown chat mode %q", ErrValidation, s)
	}
	return m, nil
}

// Actor identifies which side of the conversation a presence flag belongs to.
type Actor string

const (
	ActorUser  Actor = "user"
	ActorAgent Actor = "agent"
)

// Presence holds the four independently settable presence flags of a ticket.
type Presence struct {
	UserOnline  bool `json:"user_online"`
	AgentOnline bool `json:"agent_online"`
	UserTyping  bool `json:"user_typing"`
	AgentTyping bool `json:"agent_typing"`
}

// PresencePatch is a partial update of Presence. Nil fields are left untouched,
// so concurrent patches from different actors never clobber each other.
type PresencePatch struct {
	UserOnline  *bool `json:"user_online,omitempty"`
	AgentOnline *bool `json:"agent_online,omitempty"`
	UserTyping  *bool `json:"user_typing,omitempty"`
	AgentTyping *bool `json:"agent_typing,omitempty"`
}

// Empty reports whether the patch sets no field.
func (p PresencePatch) Empty() bool {
	return p.UserOnline == nil && p.AgentOnline == nil && p.UserTyping == nil && p.AgentTyping == nil
}

// Fields returns the patch as a column map, used for field-level merges.
func (p PresencePatch) Fields() map[string]any {
	out := make(map[string]any, 4)
	if p.UserOnline != nil {
		out["user_online"] = *p.UserOnline
	}
	if p.AgentOnline != nil {
		out["agent_online"] = *p.AgentOnline
	}
	if p.UserTyping != nil {
		out["user_typing"] = *p.UserTyping
	}
	if p.AgentTyping != nil {
		out["agent_typing"] = *p.AgentTyping
	}
	return out
}

// Apply merges the patch into p and reports whether anything changed.
func (p *Presence) Apply(patch PresencePatch) bool {
	changed := false
	set := func(dst *bool, v *bool) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	set(&p.UserOnline, patch.UserOnline)
	set(&p.AgentOnline, patch.AgentOnline)
	set(&p.UserTyping, patch.UserTyping)
	set(&p.AgentTyping, patch.AgentTyping)
	return changed
}

// TypingPatch builds a patch that sets the typing flag of one actor.
func TypingPatch(actor Actor, typing bool) PresencePatch {
	switch actor {
	case ActorUser:
		return PresencePatch{UserTyping: &typing}
	case ActorAgent:
		return PresencePatch{AgentTyping: &typing}
	default:
		return PresencePatch{}
	}
}

// OnlinePatch builds a patch that sets the online flag of one actor.
func OnlinePatch(actor Actor, online bool) PresencePatch {
	switch actor {
	case ActorUser:
		return PresencePatch{UserOnline: &online}
	case ActorAgent:
		return PresencePatch{AgentOnline: &online}
	default:
		return PresencePatch{}
	}
}

// Ticket is one customer support conversation.
type Ticket struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Status          TicketStatus `json:"status"`
	ChatMode        ChatMode     `json:"chat_mode"`
	AssignedAgentID string       `json:"assigned_agent_id,omitempty"`
	Presence        Presence     `json:"presence"`
	Rating          *int         `json:"rating,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Closed reports whether the ticket has been closed.
func (t Ticket) Closed() bool {
	return t.Status == TicketClosed
}

// HasAgent reports whether an agent has been assigned.
func (t Ticket) HasAgent() bool {
	return t.AssignedAgentID != ""
}

// MinRating and MaxRating bound a satisfaction rating.
const (
	MinRating = 1
	MaxRating = 5
)

// ValidateRating checks a rating submission against the ticket state.
func ValidateRating(t Ticket, rating int) error {
	if !t.Closed() {
		return fmt.Errorf("%w: ticket %s is still open", ErrValidation, t.ID)
	}
	if t.Rating != nil {
		return fmt.Errorf("%w: ticket %s already rated", ErrConflict, t.ID)
	}
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d", ErrValidation, MinRating, MaxRating)
	}
	return nil
}
