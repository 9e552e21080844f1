// Package escalation routes a ticket between automated replies, the
// "connecting to an agent" wait state and live-agent mode.
//
// Transitions:
//
//	bot        -> connecting  new customer message, no agent online, and the
//	                          bot suggests a live agent or the customer asks
//	connecting -> agent       the assignment service assigns an agent
//	connecting -> connecting  no agent available; one attempt per trigger
//
// A ticket in agent mode stays there when the agent goes offline. It waits
// for the agent to return or for the customer to open a new ticket.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/raphaelgruber/chatsync/internal/assign"
	"github.com/raphaelgruber/chatsync/internal/bot"
	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
)

// Customer-visible notices, persisted as bot messages.
const (
	NoticeConnecting = "Connecting you to a support agent. This can take a moment."
	NoticeNoAgent    = "All of our agents are busy right now. Stay on this chat and we'll connect you as soon as someone is free."
	NoticeAssigned   = "%s has joined the conversation."
)

// Bot answers customer messages in bot mode.
type Bot interface {
	Infer(ctx context.Context, req bot.Request) (bot.Response, error)
}

// Assigner asks the assignment service for an agent.
type Assigner interface {
	Assign(ctx context.Context, ticketID string) (assign.Result, error)
}

// Store is the persistence the dispatcher reads and conditionally writes.
type Store interface {
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListMessages(ctx context.Context, ticketID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	// SetChatMode changes the mode only if it is still from.
	SetChatMode(ctx context.Context, ticketID string, from, to models.ChatMode) (models.Ticket, bool, error)
	// AssignAgent sets the agent only if none is assigned yet.
	AssignAgent(ctx context.Context, ticketID, agentID string) (models.Ticket, bool, error)
}

// Options configures a Dispatcher.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type ticketState struct {
	mu      sync.Mutex
	handled map[string]struct{}
}

// Dispatcher runs the escalation state machine. Work on one ticket is
// serialized; different tickets proceed in parallel.
type Dispatcher struct {
	store    Store
	bot      Bot
	assigner Assigner
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	tickets map[string]*ticketState
}

// New creates a dispatcher. bot and assigner may be nil: without a bot no
// automated replies are posted, without an assigner every escalation ends
// in the no-agent notice.
func New(store Store, b Bot, a Assigner, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		bot:      b,
		assigner: a,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tickets:  make(map[string]*ticketState),
	}
}

func (d *Dispatcher) lock(ticketID string) *ticketState {
	d.mu.Lock()
	st, ok := d.tickets[ticketID]
	if !ok {
		st = &ticketState{handled: make(map[string]struct{})}
		d.tickets[ticketID] = st
	}
	d.mu.Unlock()
	st.mu.Lock()
	return st
}

// Forget drops per-ticket bookkeeping, typically once the ticket closed.
func (d *Dispatcher) Forget(ticketID string) {
	d.mu.Lock()
	delete(d.tickets, ticketID)
	d.mu.Unlock()
}

// OnUserMessage handles a confirmed customer message. Each message id is
// handled at most once.
func (d *Dispatcher) OnUserMessage(ctx context.Context, msg models.Message) error {
	if msg.Sender != models.SenderUser {
		return nil
	}
	st := d.lock(msg.TicketID)
	defer st.mu.Unlock()

	if msg.ID != "" {
		if _, seen := st.handled[msg.ID]; seen {
			return nil
		}
		st.handled[msg.ID] = struct{}{}
	}

	t, err := d.store.GetTicket(ctx, msg.TicketID)
	if err != nil {
		return fmt.Errorf("escalation: %w", err)
	}
	if t.Closed() {
		return nil
	}

	switch t.ChatMode {
	case models.ModeAgent:
		return nil
	case models.ModeConnecting:
		// A new message is a new trigger for a single attempt.
		return d.tryAssign(ctx, t)
	case models.ModeBot:
		return d.answer(ctx, t, msg)
	default:
		return fmt.Errorf("escalation: %w: unknown chat mode %q", models.ErrValidation, t.ChatMode)
	}
}

// RequestAgent handles an explicit customer request for a human.
func (d *Dispatcher) RequestAgent(ctx context.Context, ticketID string) error {
	st := d.lock(ticketID)
	defer st.mu.Unlock()

	t, err := d.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("request agent: %w", err)
	}
	if t.Closed() {
		return fmt.Errorf("request agent: %w", models.ErrTicketClosed)
	}

	switch t.ChatMode {
	case models.ModeAgent:
		return nil
	case models.ModeConnecting:
		return d.tryAssign(ctx, t)
	case models.ModeBot:
		if t.Presence.AgentOnline {
			return nil
		}
		return d.escalate(ctx, t)
	default:
		return fmt.Errorf("request agent: %w: unknown chat mode %q", models.ErrValidation, t.ChatMode)
	}
}

// Assign runs one assignment attempt. It is a no-op once an agent is
// assigned, so racing triggers never double-assign or double-notify.
func (d *Dispatcher) Assign(ctx context.Context, ticketID string) error {
	st := d.lock(ticketID)
	defer st.mu.Unlock()

	t, err := d.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if t.Closed() {
		return fmt.Errorf("assign: %w", models.ErrTicketClosed)
	}
	return d.tryAssign(ctx, t)
}

// Claim assigns agentID directly, for an agent joining from the console.
// Claiming a ticket held by another agent fails with ErrConflict.
func (d *Dispatcher) Claim(ctx context.Context, ticketID, agentID, agentName string) error {
	st := d.lock(ticketID)
	defer st.mu.Unlock()

	t, err := d.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if t.Closed() {
		return fmt.Errorf("claim: %w", models.ErrTicketClosed)
	}
	if t.HasAgent() {
		if t.AssignedAgentID == agentID {
			return nil
		}
		return fmt.Errorf("claim: %w: ticket %s is assigned to another agent", models.ErrConflict, ticketID)
	}
	return d.commitAgent(ctx, t, agentID, agentName)
}

func (d *Dispatcher) answer(ctx context.Context, t models.Ticket, msg models.Message) error {
	if d.bot == nil {
		return nil
	}
	history, err := d.store.ListMessages(ctx, t.ID)
	if err != nil {
		d.logger.Warn("loading history for bot failed", "ticket", t.ID, "error", err)
	}
	history = withoutMessage(history, msg.ID)

	resp, err := d.bot.Infer(ctx, bot.Request{TicketID: t.ID, Message: msg.Body, History: history})
	if err != nil {
		return fmt.Errorf("bot reply: %w", err)
	}
	if resp.Reply != "" {
		if err := d.post(ctx, t.ID, resp.Reply); err != nil {
			return err
		}
	}
	if resp.SuggestsLiveAgent && !t.Presence.AgentOnline {
		return d.escalate(ctx, t)
	}
	return nil
}

func (d *Dispatcher) escalate(ctx context.Context, t models.Ticket) error {
	updated, moved, err := d.store.SetChatMode(ctx, t.ID, models.ModeBot, models.ModeConnecting)
	if err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	if !moved {
		// Another trigger already escalated; nothing new to do.
		return nil
	}
	d.metrics.Inc(metrics.CounterEscalated)
	d.logger.Info("ticket escalated", "ticket", t.ID)
	if err := d.post(ctx, t.ID, NoticeConnecting); err != nil {
		return err
	}
	return d.tryAssign(ctx, updated)
}

func (d *Dispatcher) tryAssign(ctx context.Context, t models.Ticket) error {
	if t.HasAgent() {
		return nil
	}
	if d.assigner == nil {
		d.metrics.Inc(metrics.CounterAssignmentMissed)
		return d.post(ctx, t.ID, NoticeNoAgent)
	}

	res, err := d.assigner.Assign(ctx, t.ID)
	if err != nil {
		d.metrics.Inc(metrics.CounterAssignmentMissed)
		d.logger.Warn("assignment failed", "ticket", t.ID, "error", err)
		if perr := d.post(ctx, t.ID, NoticeNoAgent); perr != nil {
			return perr
		}
		return fmt.Errorf("assign: %w: %w", models.ErrAssignment, err)
	}
	if !res.Assigned {
		d.metrics.Inc(metrics.CounterAssignmentMissed)
		return d.post(ctx, t.ID, NoticeNoAgent)
	}
	return d.commitAgent(ctx, t, res.AgentID, res.AgentName)
}

func (d *Dispatcher) commitAgent(ctx context.Context, t models.Ticket, agentID, agentName string) error {
	if agentID == "" {
		agentID = agentName
	}
	if agentID == "" {
		return fmt.Errorf("assign agent: %w: no agent id", models.ErrAssignment)
	}
	_, won, err := d.store.AssignAgent(ctx, t.ID, agentID)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	if !won {
		return nil
	}
	d.metrics.Inc(metrics.CounterAssigned)
	d.logger.Info("agent assigned", "ticket", t.ID, "agent", agentID)
	if agentName == "" {
		agentName = "An agent"
	}
	return d.post(ctx, t.ID, fmt.Sprintf(NoticeAssigned, agentName))
}

func (d *Dispatcher) post(ctx context.Context, ticketID, body string) error {
	_, err := d.store.InsertMessage(ctx, models.Message{
		CorrelationID: uuid.NewString(),
		TicketID:      ticketID,
		Sender:        models.SenderBot,
		Body:          body,
		CreatedAt:     d.clock.Now().UTC(),
	})
	if err != nil && !errors.Is(err, models.ErrTicketClosed) {
		return fmt.Errorf("post bot message: %w", err)
	}
	return nil
}

func withoutMessage(history []models.Message, id string) []models.Message {
	if id == "" {
		return history
	}
	out := history[:0:0]
	for _, m := range history {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
