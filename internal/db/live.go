package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealconn "github.com/surrealdb/surrealdb.go/pkg/connection"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// errLiveEnded reports that the server stopped delivering notifications,
// usually because the WebSocket dropped.
var errLiveEnded = errors.New("live query ended")

const killTimeout = 5 * time.Second

// liveSubscription merges the message and ticket live queries of one
// ticket into a single event stream.
type liveSubscription struct {
	client   *Client
	ticketID string
	queryIDs []string
	events   chan connection.Event
	done     chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Subscribe opens LIVE SELECT queries on a ticket's messages and ticket row.
func (c *Client) Subscribe(ctx context.Context, ticketID string) (connection.Subscription, error) {
	if _, err := c.GetTicket(ctx, ticketID); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := &liveSubscription{
		client:   c,
		ticketID: ticketID,
		events:   make(chan connection.Event, 64),
		done:     make(chan struct{}),
	}
	vars := map[string]any{"ticket_id": ticketID}

	msgs, err := sub.live(ctx, `LIVE SELECT * FROM support_message WHERE ticket_id = $ticket_id`, vars)
	if err != nil {
		return nil, err
	}
	tickets, err := sub.live(ctx, `LIVE SELECT * FROM support_ticket WHERE id = type::record("support_ticket", $ticket_id)`, vars)
	if err != nil {
		sub.kill()
		return nil, err
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.run(msgs, tickets)
	c.slog.Debug("live subscription opened", "ticket", ticketID, "queries", sub.queryIDs)
	return sub, nil
}

func (s *liveSubscription) live(ctx context.Context, sql string, vars map[string]any) (chan surrealconn.Notification, error) {
	results, err := surrealdb.Query[surrealmodels.UUID](ctx, s.client.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("live query: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, fmt.Errorf("live query: %w: no query id returned", models.ErrTransient)
	}
	id := (*results)[0].Result.String()
	ch, err := s.client.db.LiveNotifications(id)
	if err != nil {
		_ = surrealdb.Kill(ctx, s.client.db, id)
		return nil, fmt.Errorf("live notifications: %w", wrapQueryError(err))
	}
	s.queryIDs = append(s.queryIDs, id)
	return ch, nil
}

func (s *liveSubscription) run(msgs, tickets <-chan surrealconn.Notification) {
	defer close(s.events)
	for {
		var (
			ev connection.Event
			ok bool
		)
		select {
		case <-s.done:
			return
		case n, open := <-msgs:
			if !open {
				s.fail(errLiveEnded)
				return
			}
			ev, ok = s.client.messageEvent(n)
		case n, open := <-tickets:
			if !open {
				s.fail(errLiveEnded)
				return
			}
			ev, ok = s.client.ticketEvent(n)
		}
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *liveSubscription) Events() <-chan connection.Event { return s.events }

func (s *liveSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close kills the live queries. The event channel closes shortly after.
func (s *liveSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.kill()
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	return nil
}

func (s *liveSubscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", models.ErrTransient, err)
	}
	s.mu.Unlock()
	s.client.slog.Warn("live subscription ended", "ticket", s.ticketID, "error", err)
	go func() { _ = s.Close() }()
}

func (s *liveSubscription) kill() {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	for _, id := range s.queryIDs {
		if err := surrealdb.Kill(ctx, s.client.db, id); err != nil {
			s.client.slog.Debug("kill live query failed", "id", id, "error", err)
		}
		_ = s.client.db.CloseLiveNotifications(id)
	}
}

// messageEvent decodes a support_message notification. Deletions carry no
// information the projection needs.
func (c *Client) messageEvent(n surrealconn.Notification) (connection.Event, bool) {
	if n.Action == surrealconn.DeleteAction {
		return connection.Event{}, false
	}
	var row messageRow
	if err := c.decodeNotification(n, &row); err != nil {
		c.slog.Warn("decode message notification failed", "error", err)
		return connection.Event{}, false
	}
	msg, err := row.toModel()
	if err != nil {
		c.slog.Warn("invalid message notification", "error", err)
		return connection.Event{}, false
	}
	return connection.Event{Message: &msg}, true
}

func (c *Client) ticketEvent(n surrealconn.Notification) (connection.Event, bool) {
	if n.Action == surrealconn.DeleteAction {
		return connection.Event{}, false
	}
	var row ticketRow
	if err := c.decodeNotification(n, &row); err != nil {
		c.slog.Warn("decode ticket notification failed", "error", err)
		return connection.Event{}, false
	}
	t, err := row.toModel()
	if err != nil {
		c.slog.Warn("invalid ticket notification", "error", err)
		return connection.Event{}, false
	}
	return connection.Event{Ticket: &t}, true
}

// decodeNotification converts the generically decoded notification result
// into dst by round-tripping through the CBOR codec, which keeps SurrealDB
// record id and datetime tags intact.
func (c *Client) decodeNotification(n surrealconn.Notification, dst any) error {
	data, err := c.codec.Marshal(n.Result)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.codec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal notification: %w", err)
	}
	return nil
}
