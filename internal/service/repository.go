// Package service wires the sync engine components into per-connection
// sessions and keeps a registry of the open ones.
package service

import (
	"context"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/escalation"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/presence"
	"github.com/raphaelgruber/chatsync/internal/reconcile"
)

// Repository is the persistence a session needs. Both db.Client and
// memstore.Store satisfy it.
type Repository interface {
	connection.Feed
	connection.Fetcher
	connection.Prober
	reconcile.Writer
	presence.Writer
	escalation.Store

	OpenOrCreateTicket(ctx context.Context, userID string) (models.Ticket, error)
	ListTickets(ctx context.Context, status models.TicketStatus) ([]models.Ticket, error)
	CloseTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	RateTicket(ctx context.Context, ticketID string, rating int) (models.Ticket, error)
	MarkRead(ctx context.Context, ticketID string, reader models.SenderType) (int, error)
}

// Role is which side of the conversation a session represents.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

func (r Role) actor() models.Actor {
	if r == RoleAgent {
		return models.ActorAgent
	}
	return models.ActorUser
}

func (r Role) sender() models.SenderType {
	if r == RoleAgent {
		return models.SenderStaff
	}
	return models.SenderUser
}

// Participant identifies who opens a session.
type Participant struct {
	Role Role
	// ID is the customer's user id or the agent's id.
	ID   string
	Name string
	// ClientID distinguishes tabs or devices of the same participant.
	ClientID string
}
