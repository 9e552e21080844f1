package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/models"
)

// ErrFeedDropped ends subscriptions cut by Disconnect.
var ErrFeedDropped = errors.New("change feed dropped")

type subscription struct {
	store    *Store
	ticketID string
	events   chan connection.Event

	once sync.Once
	err  error
}

func (s *subscription) Events() <-chan connection.Event { return s.events }

func (s *subscription) Err() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.endLocked(nil)
	return nil
}

// endLocked removes the subscription and closes its channel. Caller must
// hold the store lock.
func (s *subscription) endLocked(err error) {
	s.once.Do(func() {
		s.err = err
		if set, ok := s.store.subs[s.ticketID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.store.subs, s.ticketID)
			}
		}
		close(s.events)
	})
}

// Subscribe opens a change feed for one ticket's messages and ticket row.
func (s *Store) Subscribe(ctx context.Context, ticketID string) (connection.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("subscribe: %w: store closed", models.ErrTransient)
	}
	if s.failSubscribe > 0 {
		s.failSubscribe--
		return nil, fmt.Errorf("subscribe: %w", models.ErrTransient)
	}
	if _, err := s.ticketLocked(ticketID); err != nil {
		return nil, err
	}

	sub := &subscription{store: s, ticketID: ticketID, events: make(chan connection.Event, feedBuffer)}
	if s.subs[ticketID] == nil {
		s.subs[ticketID] = make(map[*subscription]struct{})
	}
	s.subs[ticketID][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on a ticket.
func (s *Store) Subscribers(ticketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[ticketID])
}

// Disconnect ends every subscription of a ticket with ErrFeedDropped and
// makes the next failures Subscribe calls fail, simulating a feed outage.
func (s *Store) Disconnect(ticketID string, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubscribe = failures
	s.dropSubsLocked(ticketID, ErrFeedDropped)
}

func (s *Store) dropSubsLocked(ticketID string, err error) {
	for sub := range s.subs[ticketID] {
		sub.endLocked(err)
	}
}

func (s *Store) publishMessageLocked(msg models.Message) {
	s.publishLocked(msg.TicketID, connection.Event{Message: &msg})
}

func (s *Store) publishTicketLocked(t models.Ticket) {
	s.publishLocked(t.ID, connection.Event{Ticket: &t})
}

func (s *Store) publishLocked(ticketID string, ev connection.Event) {
	for sub := range s.subs[ticketID] {
		select {
		case sub.events <- ev:
		default:
			sub.endLocked(fmt.Errorf("%w: subscriber too slow", models.ErrTransient))
		}
	}
}
