// Package ticketstore holds the authoritative local projection of one
// ticket: its ordered message list and its flags. It is the sole
// de-duplication boundary for every upstream source (change feed, poll,
// optimistic echo) and never performs network I/O.
package ticketstore

import (
	"fmt"
	"sync"

	"github.com/raphaelgruber/chatsync/internal/models"
)

// ChangeKind describes what a Change notification carries.
type ChangeKind string

const (
	ChangeAppend  ChangeKind = "append"
	ChangeReplace ChangeKind = "replace"
	ChangeRemove  ChangeKind = "remove"
	ChangeTicket  ChangeKind = "ticket"
	// ChangeRead marks a confirmed message as read; nothing else changes.
	ChangeRead ChangeKind = "read"
	// ChangeResync tells a lagging subscriber that notifications were
	// dropped and it should re-read the full snapshot.
	ChangeResync ChangeKind = "resync"
)

// Change is a notification emitted to subscribers after a mutation.
type Change struct {
	Kind ChangeKind
	// Index is the list position of the appended, replaced or removed message.
	Index   int
	Message models.Message
	// CorrelationID is set on replace and remove changes.
	CorrelationID string
	Ticket        models.Ticket
}

const subscriberBuffer = 256

type subscriber struct {
	ch     chan Change
	lagged bool
}

// Store is the local projection of a single ticket. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	ticket   models.Ticket
	messages []models.Message
	// serverIDs holds every id already in the list.
	serverIDs map[string]struct{}
	// correlations maps a correlation id to the server id it reconciled to,
	// or "" while the optimistic entry is still pending.
	correlations map[string]string

	subs   map[int]*subscriber
	nextID int
}

// New creates a store for ticket t with an empty message list.
func New(t models.Ticket) *Store {
	return &Store{
		ticket:       t,
		serverIDs:    make(map[string]struct{}),
		correlations: make(map[string]string),
		subs:         make(map[int]*subscriber),
	}
}

// TicketID returns the id of the projected ticket.
func (s *Store) TicketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket.ID
}

// Append inserts msg unless it is already present, keyed by its server id or,
// when the id is absent, its correlation id. A canonical message whose
// correlation id matches a pending optimistic entry replaces that entry at
// the same list position. Duplicates are dropped silently.
//
// Returns the resulting change and whether the list was modified.
func (s *Store) Append(msg models.Message) (Change, bool) {
	s.mu.Lock()
	change, ok := s.appendLocked(msg)
	if ok {
		s.publishLocked(change)
	}
	s.mu.Unlock()
	return change, ok
}

func (s *Store) appendLocked(msg models.Message) (Change, bool) {
	if msg.ID != "" {
		if _, seen := s.serverIDs[msg.ID]; seen {
			return s.markReadLocked(msg)
		}
	}
	if msg.CorrelationID != "" {
		if reconciledTo, seen := s.correlations[msg.CorrelationID]; seen {
			if reconciledTo != "" || msg.ID == "" {
				// Already reconciled, or a second optimistic echo.
				return Change{}, false
			}
			return s.replaceLocked(msg)
		}
	}

	if msg.State == "" {
		if msg.ID != "" {
			msg.State = models.StateConfirmed
		} else {
			msg.State = models.StatePending
		}
	}

	idx := s.insertionIndex(msg)
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg

	if msg.ID != "" {
		s.serverIDs[msg.ID] = struct{}{}
	}
	if msg.CorrelationID != "" {
		s.correlations[msg.CorrelationID] = msg.ID
	}
	return Change{Kind: ChangeAppend, Index: idx, Message: msg}, true
}

func (s *Store) markReadLocked(msg models.Message) (Change, bool) {
	if !msg.IsRead {
		return Change{}, false
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID != msg.ID {
			continue
		}
		if s.messages[i].IsRead {
			return Change{}, false
		}
		s.messages[i].IsRead = true
		return Change{Kind: ChangeRead, Index: i, Message: s.messages[i]}, true
	}
	return Change{}, false
}

// insertionIndex finds the sorted position for msg scanning back from the
// tail, since nearly every arrival is the newest message.
func (s *Store) insertionIndex(msg models.Message) int {
	i := len(s.messages)
	for i > 0 && models.Less(msg, s.messages[i-1]) {
		i--
	}
	return i
}

// Replace swaps the pending entry for correlationID with its canonical
// record at the same list position. It is a no-op when the correlation is
// unknown, already reconciled, or the canonical id is already present.
func (s *Store) Replace(correlationID string, canonical models.Message) bool {
	if canonical.ID == "" {
		return false
	}
	canonical.CorrelationID = correlationID

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.serverIDs[canonical.ID]; seen {
		return false
	}
	if reconciledTo, ok := s.correlations[correlationID]; !ok || reconciledTo != "" {
		return false
	}
	change, ok := s.replaceLocked(canonical)
	if ok {
		s.publishLocked(change)
	}
	return ok
}

func (s *Store) replaceLocked(canonical models.Message) (Change, bool) {
	idx := s.indexOfCorrelation(canonical.CorrelationID)
	if idx < 0 {
		return Change{}, false
	}
	canonical.State = models.StateConfirmed
	s.messages[idx] = canonical
	s.serverIDs[canonical.ID] = struct{}{}
	s.correlations[canonical.CorrelationID] = canonical.ID
	return Change{
		Kind:          ChangeReplace,
		Index:         idx,
		Message:       canonical,
		CorrelationID: canonical.CorrelationID,
	}, true
}

func (s *Store) indexOfCorrelation(correlationID string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

// Remove drops the pending optimistic entry for correlationID. Confirmed
// messages are append-only and cannot be removed.
func (s *Store) Remove(correlationID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reconciledTo, ok := s.correlations[correlationID]; !ok || reconciledTo != "" {
		return models.Message{}, false
	}
	idx := s.indexOfCorrelation(correlationID)
	if idx < 0 {
		return models.Message{}, false
	}
	removed := s.messages[idx]
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	delete(s.correlations, correlationID)

	s.publishLocked(Change{Kind: ChangeRemove, Index: idx, Message: removed, CorrelationID: correlationID})
	return removed, true
}

// Contains reports whether a message with the given server id is present.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.serverIDs[id]
	return ok
}

// IsPending reports whether correlationID is an unconfirmed optimistic entry.
func (s *Store) IsPending(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reconciledTo, ok := s.correlations[correlationID]
	return ok && reconciledTo == ""
}

// Messages returns a copy of the visible message list.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Pending returns the optimistic entries still awaiting confirmation.
func (s *Store) Pending() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// Ticket returns a copy of the projected ticket.
func (s *Store) Ticket() models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket
}

// UpdateFlags merges patch into the ticket's presence flags field by field.
// Flags of a closed ticket are frozen.
func (s *Store) UpdateFlags(ticketID string, patch models.PresencePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticketID != s.ticket.ID {
		return fmt.Errorf("update flags: %w: ticket %s", models.ErrNotFound, ticketID)
	}
	if s.ticket.Closed() {
		return fmt.Errorf("update flags: %w", models.ErrTicketClosed)
	}
	if s.ticket.Presence.Apply(patch) {
		s.publishLocked(Change{Kind: ChangeTicket, Ticket: s.ticket})
	}
	return nil
}

// SetMode records a chat mode transition.
func (s *Store) SetMode(mode models.ChatMode) error {
	if !mode.Valid() {
		return fmt.Errorf("set mode: %w: unknown chat mode %q", models.ErrValidation, mode)
	}
	return s.mutateTicket("set mode", func(t *models.Ticket) bool {
		if t.ChatMode == mode {
			return false
		}
		t.ChatMode = mode
		return true
	})
}

// SetAgent records the assigned agent.
func (s *Store) SetAgent(agentID string) error {
	return s.mutateTicket("set agent", func(t *models.Ticket) bool {
		if t.AssignedAgentID == agentID {
			return false
		}
		t.AssignedAgentID = agentID
		return true
	})
}

func (s *Store) mutateTicket(op string, fn func(t *models.Ticket) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticket.Closed() {
		return fmt.Errorf("%s: %w", op, models.ErrTicketClosed)
	}
	if fn(&s.ticket) {
		s.publishLocked(Change{Kind: ChangeTicket, Ticket: s.ticket})
	}
	return nil
}

// ApplyTicket merges a ticket row observed from the persistence store.
// Stale rows (older updated_at) are ignored. Closure is monotonic: once the
// local projection is closed, only a rating can still change.
func (s *Store) ApplyTicket(remote models.Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remote.ID != s.ticket.ID {
		return false
	}
	local := s.ticket
	if !remote.UpdatedAt.IsZero() && remote.UpdatedAt.Before(local.UpdatedAt) {
		return false
	}

	next := local
	if local.Closed() {
		if local.Rating == nil && remote.Rating != nil {
			next.Rating = remote.Rating
		}
	} else {
		next.Status = remote.Status
		next.ChatMode = remote.ChatMode
		next.AssignedAgentID = remote.AssignedAgentID
		next.Presence = remote.Presence
		next.Rating = remote.Rating
	}
	if remote.UpdatedAt.After(next.UpdatedAt) {
		next.UpdatedAt = remote.UpdatedAt
	}
	if next == local {
		return false
	}
	s.ticket = next
	s.publishLocked(Change{Kind: ChangeTicket, Ticket: next})
	return true
}

// Subscribe registers for change notifications. The returned func
// unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	sub := &subscriber{ch: make(chan Change, subscriberBuffer)}
	s.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(sub.ch)
		})
	}
}

// publishLocked fans a change out without blocking. A subscriber whose
// buffer is full is marked lagged and receives ChangeResync once it drains.
// Caller must hold mu.
func (s *Store) publishLocked(c Change) {
	for _, sub := range s.subs {
		if sub.lagged {
			select {
			case sub.ch <- Change{Kind: ChangeResync}:
				sub.lagged = false
			default:
				continue
			}
		}
		select {
		case sub.ch <- c:
		default:
			sub.lagged = true
		}
	}
}
