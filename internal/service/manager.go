package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/escalation"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/presence"
	"github.com/raphaelgruber/chatsync/internal/reconcile"
	"github.com/raphaelgruber/chatsync/internal/ticketstore"
)

// Options configures a Manager. Zero values select the component defaults.
type Options struct {
	TypingWindow     time.Duration
	PollInterval     time.Duration
	SilenceTimeout   time.Duration
	PendingWindow    time.Duration
	MaxMessageLength int
	// WelcomeText greets customers at the top of every ticket; empty
	// selects models.DefaultWelcomeText.
	WelcomeText string
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

type sessionKey struct {
	ticketID string
	role     Role
	id       string
	clientID string
}

// Manager opens sessions and tracks the live ones. One participant client
// holds at most one session per ticket.
type Manager struct {
	repo       Repository
	dispatcher *escalation.Dispatcher
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// NewManager creates a session manager.
func NewManager(repo Repository, dispatcher *escalation.Dispatcher, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		repo:       repo,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     opts.Logger,
		sessions:   make(map[sessionKey]*Session),
	}
}

// OpenForCustomer attaches a customer to their open ticket, creating one
// if needed.
func (m *Manager) OpenForCustomer(ctx context.Context, p Participant) (*Session, error) {
	if p.Role != RoleCustomer {
		return nil, fmt.Errorf("open session: %w: role %q cannot create tickets", models.ErrValidation, p.Role)
	}
	t, err := m.repo.OpenOrCreateTicket(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return m.Open(ctx, t.ID, p)
}

// Open attaches p to a ticket. An earlier session of the same participant
// client on the same ticket is closed before the new one subscribes, so a
// client never holds two feed subscriptions for one ticket.
func (m *Manager) Open(ctx context.Context, ticketID string, p Participant) (*Session, error) {
	if !p.Role.Valid() {
		return nil, fmt.Errorf("open session: %w: unknown role %q", models.ErrValidation, p.Role)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("open session: %w: participant id is required", models.ErrValidation)
	}
	key := sessionKey{ticketID: ticketID, role: p.Role, id: p.ID, clientID: p.ClientID}

	m.mu.Lock()
	prev := m.sessions[key]
	m.mu.Unlock()
	if prev != nil {
		m.logger.Debug("replacing session", "ticket", ticketID, "session", prev.ID)
		prev.Close()
	}

	t, err := m.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if p.Role == RoleCustomer && t.UserID != p.ID {
		return nil, fmt.Errorf("open session: %w: ticket %s belongs to another user", models.ErrNotFound, ticketID)
	}
	history, err := m.repo.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := m.build(t, p)
	if p.Role == RoleCustomer {
		s.store.Append(models.WelcomeMessage(t, m.opts.WelcomeText))
	}
	s.engine.Deliver(history...)

	if !t.Closed() {
		if _, err := s.tracker.Mount(ctx); err != nil && !errors.Is(err, models.ErrTicketClosed) {
			s.logger.Warn("presence mount failed", "error", err)
		}
	}
	s.monitor.Start(context.WithoutCancel(ctx))

	m.mu.Lock()
	if racing := m.sessions[key]; racing != nil {
		m.mu.Unlock()
		racing.Close()
		m.mu.Lock()
	}
	m.sessions[key] = s
	m.mu.Unlock()

	m.opts.Metrics.Inc(metrics.CounterSessionsOpened)
	s.logger.Info("session opened", "mode", t.ChatMode, "messages", len(history))
	return s, nil
}

func (m *Manager) build(t models.Ticket, p Participant) *Session {
	id := uuid.NewString()
	logger := m.logger.With("session", id, "ticket", t.ID, "role", p.Role)
	store := ticketstore.New(t)
	engine := reconcile.New(store, m.repo, reconcile.Options{
		Sender:        p.Role.sender(),
		MaxBodyLength: m.opts.MaxMessageLength,
		PendingWindow: m.opts.PendingWindow,
		Clock:         m.opts.Clock,
		Logger:        logger,
		Metrics:       m.opts.Metrics,
	})
	var s *Session
	tracker := presence.NewTracker(t.ID, p.Role.actor(), store, m.repo, presence.Options{
		Window: m.opts.TypingWindow,
		Clock:  m.opts.Clock,
		Logger: logger,
		Shared: func() bool { return m.shared(s) },
	})

	s = &Session{
		ID:           id,
		participant:  p,
		ticketID:     t.ID,
		manager:      m,
		repo:         m.repo,
		dispatcher:   m.dispatcher,
		store:        store,
		engine:       engine,
		tracker:      tracker,
		logger:       logger,
		watchers:     make(map[chan connection.Status]struct{}),
		dispatchWake: make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.runDispatch()
	s.monitor = connection.New(t.ID, m.repo, m.repo, handler{store: store, engine: engine}, connection.Options{
		PollInterval:   m.opts.PollInterval,
		SilenceTimeout: m.opts.SilenceTimeout,
		Prober:         m.repo,
		Clock:          m.opts.Clock,
		Logger:         logger,
		Metrics:        m.opts.Metrics,
		OnState:        s.publishStatus,
	})
	return s
}

func (m *Manager) forget(s *Session) {
	key := sessionKey{ticketID: s.ticketID, role: s.participant.Role, id: s.participant.ID, clientID: s.participant.ClientID}
	m.mu.Lock()
	removed := false
	if m.sessions[key] == s {
		delete(m.sessions, key)
		removed = true
	}
	m.mu.Unlock()
	if removed {
		m.opts.Metrics.Inc(metrics.CounterSessionsClosed)
	}
}

// shared reports whether a session other than s holds the same role on the
// same ticket. Sessions leave the registry before their offline flush, so
// the last one to close always clears the flag.
func (m *Manager) shared(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, other := range m.sessions {
		if other != s && key.ticketID == s.ticketID && key.role == s.participant.Role {
			return true
		}
	}
	return false
}

// Sessions returns the open sessions ordered by ticket id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.ticketID, b.ticketID) })
	return out
}

// Tickets lists tickets by status for the agent console.
func (m *Manager) Tickets(ctx context.Context, status models.TicketStatus) ([]models.Ticket, error) {
	return m.repo.ListTickets(ctx, status)
}

// Close closes every open session.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		s.Close()
	}
}
