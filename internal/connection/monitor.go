// Package connection watches the health of a ticket's change feed and falls
// back to fixed-interval polling while the feed is down.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
)

// State is the health of the push transport.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// Defaults for Options.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultSilenceTimeout = 60 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// Event is one change-feed notification. Exactly one field is set.
type Event struct {
	Message *models.Message
	Ticket  *models.Ticket
}

// Subscription is a live change-feed subscription for one ticket.
type Subscription interface {
	// Events is closed when the feed ends; Err then reports why.
	Events() <-chan Event
	Err() error
	Close() error
}

// Feed opens change-feed subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, ticketID string) (Subscription, error)
}

// Fetcher reads the full authoritative state of a ticket.
type Fetcher interface {
	ListMessages(ctx context.Context, ticketID string) ([]models.Message, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
}

// Prober checks that the persistence store is reachable. A feed that has
// been silent for the silence timeout is considered lost if the probe fails.
type Prober interface {
	Ping(ctx context.Context) error
}

// Handler receives everything the monitor observes.
type Handler interface {
	Deliver(msgs ...models.Message) int
	ApplyTicket(t models.Ticket) bool
}

// Status is a state transition published to watchers.
type Status struct {
	State         State
	LastConnected time.Time
	Err           error
}

// Options configures a Monitor. Zero values select the defaults; a negative
// SilenceTimeout disables silence detection.
type Options struct {
	PollInterval   time.Duration
	SilenceTimeout time.Duration
	ProbeTimeout   time.Duration
	Prober         Prober
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Collector
	// OnState is called synchronously on every state transition.
	OnState func(Status)
}

// Monitor owns the single feed subscription of a ticket session. While the
// feed is healthy it is the only data source; while it is down a poll loop
// re-fetches the full message list and tries to resubscribe on every tick.
type Monitor struct {
	ticketID string
	feed     Feed
	fetcher  Fetcher
	handler  Handler
	opts     Options
	logger   *slog.Logger

	reconnect chan struct{}

	mu            sync.Mutex
	state         State
	lastConnected time.Time
	cancel        context.CancelFunc
	stopped       chan struct{}
}

// New creates a monitor. Call Start to begin.
func New(ticketID string, feed Feed, fetcher Fetcher, handler Handler, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SilenceTimeout == 0 {
		opts.SilenceTimeout = DefaultSilenceTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		ticketID:  ticketID,
		feed:      feed,
		fetcher:   fetcher,
		handler:   handler,
		opts:      opts,
		logger:    opts.Logger.With("ticket", ticketID),
		reconnect: make(chan struct{}, 1),
		state:     StateConnecting,
	}
}

// Start launches the monitor loop. It runs until ctx is done or Stop is
// called. Start must be called at most once.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.stopped = make(chan struct{})
	stopped := m.stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		m.run(ctx)
	}()
}

// Stop cancels the loop, releases the subscription and waits for the loop
// to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Reconnect requests an immediate resubscription attempt. It is a no-op
// while connected.
func (m *Monitor) Reconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// State returns the current transport state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastConnected returns when the feed was last confirmed healthy.
func (m *Monitor) LastConnected() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnected
}

func (m *Monitor) setState(s State, err error) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s == StateConnected {
		m.lastConnected = m.opts.Clock.Now()
	}
	status := Status{State: s, LastConnected: m.lastConnected, Err: err}
	m.mu.Unlock()

	m.logger.Debug("connection state changed", "state", s, "error", err)
	if m.opts.OnState != nil {
		m.opts.OnState(status)
	}
}

func (m *Monitor) run(ctx context.Context) {
	first := true
	for {
		sub := m.resubscribe(ctx, first)
		if sub == nil {
			return
		}
		first = false

		err := m.consume(ctx, sub)
		if cerr := sub.Close(); cerr != nil {
			m.logger.Debug("closing subscription", "error", cerr)
		}
		if ctx.Err() != nil {
			return
		}
		m.opts.Metrics.Inc(metrics.CounterFeedLost)
		m.logger.Warn("change feed lost, falling back to polling", "error", err)
		m.setState(StateDisconnected, err)
	}
}

// resubscribe tries to open the feed, polling on every tick until it
// succeeds. The poll ticker only lives inside this call, so polling never
// outlasts a healthy feed.
func (m *Monitor) resubscribe(ctx context.Context, first bool) Subscription {
	var ticker *clock.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	attempt := StateReconnecting
	if first {
		attempt = StateConnecting
	}
	for {
		m.setState(attempt, nil)
		sub, err := m.feed.Subscribe(ctx, m.ticketID)
		if err == nil {
			if !first {
				m.opts.Metrics.Inc(metrics.CounterReconnected)
			}
			m.setState(StateConnected, nil)
			// Bridge whatever happened while the feed was down.
			m.poll(ctx)
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("subscribe failed", "error", err)
		if ticker == nil {
			ticker = m.opts.Clock.NewTicker(m.opts.PollInterval)
		}
		m.setState(StateDisconnected, err)
		attempt = StateReconnecting

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(ctx)
		case <-m.reconnect:
		}
	}
}

// consume delivers feed events until the feed ends, the silence probe fails
// or ctx is done.
func (m *Monitor) consume(ctx context.Context, sub Subscription) error {
	var silence <-chan time.Time
	if m.opts.SilenceTimeout > 0 && m.opts.Prober != nil {
		ticker := m.opts.Clock.NewTicker(m.opts.SilenceTimeout)
		defer ticker.Stop()
		silence = ticker.C
	}
	lastEvent := m.opts.Clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("change feed: %w", err)
				}
				return fmt.Errorf("change feed closed: %w", models.ErrTransient)
			}
			lastEvent = m.opts.Clock.Now()
			m.dispatch(ev)
		case now := <-silence:
			if now.Sub(lastEvent) < m.opts.SilenceTimeout {
				continue
			}
			if err := m.probe(ctx); err != nil {
				return fmt.Errorf("liveness probe: %w", err)
			}
			lastEvent = now
		case <-m.reconnect:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.opts.Prober.Ping(ctx)
}

// dispatch hands one event to the handler. A panicking handler is logged
// and the session keeps running.
func (m *Monitor) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("feed handler panicked", "panic", r)
		}
	}()
	switch {
	case ev.Message != nil:
		m.handler.Deliver(*ev.Message)
	case ev.Ticket != nil:
		m.handler.ApplyTicket(*ev.Ticket)
	}
}

// poll fetches the full message list and ticket row and merges them. Errors
// are transient and logged; the next tick tries again.
func (m *Monitor) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("poll handler panicked", "panic", r)
		}
	}()
	start := time.Now()
	defer m.opts.Metrics.Since(metrics.OpPoll, start)

	msgs, err := m.fetcher.ListMessages(ctx, m.ticketID)
	if err != nil {
		m.logger.Warn("poll messages failed", "error", err)
		return
	}
	if n := m.handler.Deliver(msgs...); n > 0 {
		m.logger.Debug("poll delivered messages", "count", n)
	}

	t, err := m.fetcher.GetTicket(ctx, m.ticketID)
	if err != nil {
		m.logger.Warn("poll ticket failed", "error", err)
		return
	}
	m.handler.ApplyTicket(t)
}
