package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/escalation"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/presence"
	"github.com/raphaelgruber/chatsync/internal/reconcile"
	"github.com/raphaelgruber/chatsync/internal/ticketstore"
)

// statusBuffer is the per-watcher buffer of connection state changes.
const statusBuffer = 8

// dispatchTimeout bounds one escalation step for a queued customer message.
const dispatchTimeout = 90 * time.Second

// Snapshot is the full visible state of a session.
type Snapshot struct {
	Ticket        models.Ticket
	Messages      []models.Message
	Connection    connection.State
	LastConnected time.Time
	Stalled       []models.Message
	Failed        []models.Message
	AuthExpired   bool
}

// Session is one participant's live view of one ticket. It owns the local
// projection, the reconcile engine, the presence tracker and the single
// change-feed subscription, and releases all of them on Close.
type Session struct {
	ID          string
	participant Participant
	ticketID    string

	manager    *Manager
	repo       Repository
	dispatcher *escalation.Dispatcher
	store      *ticketstore.Store
	engine     *reconcile.Engine
	tracker    *presence.Tracker
	monitor    *connection.Monitor
	logger     *slog.Logger

	mu       sync.Mutex
	watchers map[chan connection.Status]struct{}

	// Confirmed customer messages wait here for the escalation worker so
	// a slow bot never holds up the sender.
	queued       []queuedMessage
	queueClosed  bool
	dispatchWake chan struct{}
	dispatchDone chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// TicketID returns the ticket this session is attached to.
func (s *Session) TicketID() string { return s.ticketID }

// Participant returns who opened the session.
func (s *Session) Participant() Participant { return s.participant }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

type queuedMessage struct {
	ctx context.Context
	msg models.Message
}

// Send posts a message. Customer messages that were persisted are queued
// for the escalation dispatcher, which posts bot replies or escalates in
// the background; Send returns as soon as the write is settled.
func (s *Session) Send(ctx context.Context, body string, attachment *models.Attachment) (models.Message, error) {
	s.tracker.Sent()
	msg, err := s.engine.Send(ctx, body, attachment)
	if err != nil {
		return msg, err
	}
	s.afterSend(ctx, msg)
	return msg, nil
}

// Retry re-sends a failed or stalled message under its original
// correlation id.
func (s *Session) Retry(ctx context.Context, correlationID string) (models.Message, error) {
	msg, err := s.engine.Retry(ctx, correlationID)
	if err != nil {
		return msg, err
	}
	s.afterSend(ctx, msg)
	return msg, nil
}

func (s *Session) afterSend(ctx context.Context, msg models.Message) {
	if s.participant.Role != RoleCustomer || msg.Pending() {
		return
	}
	s.mu.Lock()
	if s.queueClosed {
		s.mu.Unlock()
		return
	}
	s.queued = append(s.queued, queuedMessage{ctx: context.WithoutCancel(ctx), msg: msg})
	s.mu.Unlock()
	s.wakeDispatch()
}

func (s *Session) wakeDispatch() {
	select {
	case s.dispatchWake <- struct{}{}:
	default:
	}
}

// runDispatch hands queued messages to the dispatcher in send order until
// the queue is closed and empty.
func (s *Session) runDispatch() {
	defer close(s.dispatchDone)
	for {
		s.mu.Lock()
		batch := s.queued
		s.queued = nil
		closed := s.queueClosed
		s.mu.Unlock()

		for _, q := range batch {
			ctx, cancel := context.WithTimeout(q.ctx, dispatchTimeout)
			if err := s.dispatcher.OnUserMessage(ctx, q.msg); err != nil {
				s.logger.Warn("escalation step failed", "message", q.msg.ID, "error", err)
			}
			cancel()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.dispatchWake
	}
}

// Keystroke records compose-box activity.
func (s *Session) Keystroke() { s.tracker.Keystroke() }

// ClearCompose records that the compose box was emptied.
func (s *Session) ClearCompose() { s.tracker.Cleared() }

// RequestAgent asks for a live agent. Only customers can ask.
func (s *Session) RequestAgent(ctx context.Context) error {
	if s.participant.Role != RoleCustomer {
		return fmt.Errorf("request agent: %w: only customers can request an agent", models.ErrValidation)
	}
	return s.dispatcher.RequestAgent(ctx, s.ticketID)
}

// Claim assigns the ticket to the agent of this session.
func (s *Session) Claim(ctx context.Context) error {
	if s.participant.Role != RoleAgent {
		return fmt.Errorf("claim: %w: only agents can claim a ticket", models.ErrValidation)
	}
	return s.dispatcher.Claim(ctx, s.ticketID, s.participant.ID, s.participant.Name)
}

// CloseTicket closes the ticket for both sides.
func (s *Session) CloseTicket(ctx context.Context) error {
	t, err := s.repo.CloseTicket(ctx, s.ticketID)
	if err != nil {
		return fmt.Errorf("close ticket: %w", err)
	}
	s.store.ApplyTicket(t)
	s.dispatcher.Forget(s.ticketID)
	return nil
}

// SubmitRating records the customer's satisfaction rating of a closed
// ticket. A ticket is rated at most once.
func (s *Session) SubmitRating(ctx context.Context, rating int) error {
	if s.participant.Role != RoleCustomer {
		return fmt.Errorf("rate ticket: %w: only customers can rate", models.ErrValidation)
	}
	if err := models.ValidateRating(s.store.Ticket(), rating); err != nil {
		return fmt.Errorf("rate ticket: %w", err)
	}
	t, err := s.repo.RateTicket(ctx, s.ticketID, rating)
	if err != nil {
		return err
	}
	s.store.ApplyTicket(t)
	return nil
}

// MarkRead marks the other side's messages as read and returns how many
// changed. The projection picks the flags up from the feed or a poll.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	n, err := s.repo.MarkRead(ctx, s.ticketID, s.participant.Role.sender())
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// Reconnect asks the connection monitor for an immediate resubscription.
func (s *Session) Reconnect() { s.monitor.Reconnect() }

// Reauthenticated unblocks sends after credentials were refreshed.
func (s *Session) Reauthenticated() { s.engine.Reauthenticated() }

// Snapshot returns the current visible state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Ticket:        s.store.Ticket(),
		Messages:      s.store.Messages(),
		Connection:    s.monitor.State(),
		LastConnected: s.monitor.LastConnected(),
		Stalled:       s.engine.Stalled(),
		Failed:        s.engine.Failed(),
		AuthExpired:   s.engine.AuthExpired(),
	}
}

// Subscribe streams changes of the visible conversation.
func (s *Session) Subscribe() (<-chan ticketstore.Change, func()) {
	return s.store.Subscribe()
}

// WatchConnection streams connection state changes. A watcher that falls
// behind misses intermediate states; the latest is always in Snapshot.
func (s *Session) WatchConnection() (<-chan connection.Status, func()) {
	ch := make(chan connection.Status, statusBuffer)
	s.mu.Lock()
	if s.watchers == nil {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[ch]; ok {
				delete(s.watchers, ch)
				close(ch)
			}
		})
	}
}

func (s *Session) publishStatus(st connection.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

// Close tears the session down: queued escalation steps finish, the feed
// subscription and poll timer stop, typing is cleared and the participant
// is flushed offline with a fresh bounded context. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.queueClosed = true
		s.mu.Unlock()
		s.wakeDispatch()
		<-s.dispatchDone

		s.manager.forget(s)
		s.monitor.Stop()
		s.tracker.Close()

		s.mu.Lock()
		for ch := range s.watchers {
			close(ch)
		}
		s.watchers = nil
		s.mu.Unlock()

		close(s.done)
		s.logger.Debug("session closed")
	})
}

// handler feeds monitor events into the projection.
type handler struct {
	store  *ticketstore.Store
	engine *reconcile.Engine
}

func (h handler) Deliver(msgs ...models.Message) int { return h.engine.Deliver(msgs...) }

func (h handler) ApplyTicket(t models.Ticket) bool { return h.store.ApplyTicket(t) }
