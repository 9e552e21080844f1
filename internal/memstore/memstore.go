// Package memstore is an in-process implementation of the persistence ports
// with a broadcast change feed. It backs tests and the --memory dev mode.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/models"
)

// feedBuffer is the per-subscriber event buffer. A subscriber that falls
// this far behind is disconnected, like a real feed dropping a slow socket.
const feedBuffer = 256

// Store keeps tickets and messages in memory. Safe for concurrent use.
type Store struct {
	clock clock.Clock

	mu         sync.Mutex
	tickets    map[string]*models.Ticket
	messages   map[string][]models.Message
	byCorr     map[string]models.Message
	openByUser map[string]string
	subs       map[string]map[*subscription]struct{}
	closed     bool

	// failSubscribe makes the next n Subscribe calls fail.
	failSubscribe int
}

// New creates an empty store. A nil clock selects the real clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:      clk,
		tickets:    make(map[string]*models.Ticket),
		messages:   make(map[string][]models.Message),
		byCorr:     make(map[string]models.Message),
		openByUser: make(map[string]string),
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

// OpenOrCreateTicket returns the user's open ticket or creates one in bot
// mode. Concurrent calls for one user converge on a single ticket.
func (s *Store) OpenOrCreateTicket(ctx context.Context, userID string) (models.Ticket, error) {
	if userID == "" {
		return models.Ticket{}, fmt.Errorf("open ticket: %w: user id is required", models.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openByUser[userID]; ok {
		return *s.tickets[id], nil
	}
	now := s.clock.Now().UTC()
	t := &models.Ticket{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.TicketOpen,
		ChatMode:  models.ModeBot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tickets[t.ID] = t
	s.openByUser[userID] = t.ID
	s.publishTicketLocked(*t)
	return *t, nil
}

// GetTicket returns a ticket by id.
func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ticketLocked(ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	return *t, nil
}

// ListTickets returns tickets with the given status (all when empty),
// most recently updated first.
func (s *Store) ListTickets(ctx context.Context, status models.TicketStatus) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, t := range s.tickets {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b models.Ticket) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

// ListMessages returns a ticket's messages in canonical order.
func (s *Store) ListMessages(ctx context.Context, ticketID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ticketLocked(ticketID); err != nil {
		return nil, err
	}
	return slices.Clone(s.messages[ticketID]), nil
}

// InsertMessage persists msg and assigns its id. Writing a correlation id
// that was already written returns the existing record.
func (s *Store) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w: %v", models.ErrTransient, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.ticketLocked(msg.TicketID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.CorrelationID != "" {
		if existing, ok := s.byCorr[corrKey(msg.TicketID, msg.CorrelationID)]; ok {
			return existing, nil
		}
	}
	if t.Closed() {
		return models.Message{}, fmt.Errorf("insert message: %w", models.ErrTicketClosed)
	}
	if !msg.Sender.Valid() {
		return models.Message{}, fmt.Errorf("insert message: %w: unknown sender %q", models.ErrValidation, msg.Sender)
	}

	msg.ID = uuid.NewString()
	msg.State = models.StateConfirmed
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now().UTC()
	}

	list := s.messages[msg.TicketID]
	i, _ := slices.BinarySearchFunc(list, msg, models.Compare)
	s.messages[msg.TicketID] = slices.Insert(list, i, msg)
	if msg.CorrelationID != "" {
		s.byCorr[corrKey(msg.TicketID, msg.CorrelationID)] = msg
	}
	t.UpdatedAt = s.clock.Now().UTC()

	s.publishMessageLocked(msg)
	return msg, nil
}

// UpdatePresence merges a presence patch field by field.
func (s *Store) UpdatePresence(ctx context.Context, ticketID string, patch models.PresencePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.openTicketLocked(ticketID, "update presence")
	if err != nil {
		return err
	}
	if t.Presence.Apply(patch) {
		s.touchLocked(t)
	}
	return nil
}

// SetChatMode moves an open ticket from one mode to another. It reports
// false without error when the ticket is no longer in mode from.
func (s *Store) SetChatMode(ctx context.Context, ticketID string, from, to models.ChatMode) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.openTicketLocked(ticketID, "set chat mode")
	if err != nil {
		return models.Ticket{}, false, err
	}
	if t.ChatMode != from {
		return *t, false, nil
	}
	t.ChatMode = to
	s.touchLocked(t)
	return *t, true, nil
}

// AssignAgent assigns agentID and switches the ticket to agent mode, unless
// an agent is already assigned.
func (s *Store) AssignAgent(ctx context.Context, ticketID, agentID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.openTicketLocked(ticketID, "assign agent")
	if err != nil {
		return models.Ticket{}, false, err
	}
	if t.HasAgent() {
		return *t, false, nil
	}
	t.AssignedAgentID = agentID
	t.ChatMode = models.ModeAgent
	s.touchLocked(t)
	return *t, true, nil
}

// CloseTicket closes a ticket. Closing a closed ticket is a no-op.
func (s *Store) CloseTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ticketLocked(ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if t.Closed() {
		return *t, nil
	}
	t.Status = models.TicketClosed
	t.Presence.UserTyping = false
	t.Presence.AgentTyping = false
	if s.openByUser[t.UserID] == t.ID {
		delete(s.openByUser, t.UserID)
	}
	s.touchLocked(t)
	return *t, nil
}

// RateTicket records the satisfaction rating of a closed ticket, once.
func (s *Store) RateTicket(ctx context.Context, ticketID string, rating int) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ticketLocked(ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := models.ValidateRating(*t, rating); err != nil {
		return models.Ticket{}, fmt.Errorf("rate ticket: %w", err)
	}
	t.Rating = &rating
	s.touchLocked(t)
	return *t, nil
}

// MarkRead marks every message not written by reader's side as read and
// returns how many changed.
func (s *Store) MarkRead(ctx context.Context, ticketID string, reader models.SenderType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ticketLocked(ticketID); err != nil {
		return 0, err
	}
	list := s.messages[ticketID]
	n := 0
	for i := range list {
		if list[i].IsRead || !readableBy(list[i].Sender, reader) {
			continue
		}
		list[i].IsRead = true
		n++
		s.publishMessageLocked(list[i])
	}
	return n, nil
}

// readableBy reports whether reader's side receives messages from sender.
func readableBy(sender, reader models.SenderType) bool {
	switch reader {
	case models.SenderUser:
		return sender == models.SenderStaff || sender == models.SenderBot
	case models.SenderStaff:
		return sender == models.SenderUser
	case models.SenderBot:
		return false
	default:
		return false
	}
}

// Ping always succeeds unless the store was shut down.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ping: %w: store closed", models.ErrTransient)
	}
	return nil
}

// Close ends every open subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ticketID := range s.subs {
		s.dropSubsLocked(ticketID, fmt.Errorf("%w: store closed", models.ErrTransient))
	}
}

func (s *Store) ticketLocked(ticketID string) (*models.Ticket, error) {
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
	}
	return t, nil
}

func (s *Store) openTicketLocked(ticketID, op string) (*models.Ticket, error) {
	t, err := s.ticketLocked(ticketID)
	if err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, fmt.Errorf("%s: %w", op, models.ErrTicketClosed)
	}
	return t, nil
}

func (s *Store) touchLocked(t *models.Ticket) {
	t.UpdatedAt = s.clock.Now().UTC()
	s.publishTicketLocked(*t)
}

func corrKey(ticketID, correlationID string) string {
	return ticketID + "/" + correlationID
}
