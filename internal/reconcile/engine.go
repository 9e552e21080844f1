// Package reconcile merges optimistic local message writes with the
// confirmed records observed through direct acknowledgements, the change
// feed and the poll fallback.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/ticketstore"
)

// DefaultPendingWindow is how long a send may stay unconfirmed before it is
// reported as stalled.
const DefaultPendingWindow = 30 * time.Second

// Writer persists a message. The returned record carries the store-assigned
// id and the correlation id it was written with. Writing the same
// correlation id twice must return the existing record.
type Writer interface {
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Sender is the role stamped on messages sent through this engine.
	Sender        models.SenderType
	MaxBodyLength int
	PendingWindow time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	// NewCorrelationID overrides correlation id generation in tests.
	NewCorrelationID func() string
}

type inflight struct {
	msg    models.Message
	sentAt time.Time
}

// Engine reconciles one ticket's optimistic writes. Safe for concurrent use.
type Engine struct {
	store   *ticketstore.Store
	writer  Writer
	sender  models.SenderType
	maxLen  int
	window  time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
	newID   func() string

	mu          sync.Mutex
	authExpired bool
	// pending holds sends that are visible in the store but unconfirmed.
	pending map[string]inflight
	// failed holds sends that were rolled back, keyed for a manual retry.
	failed map[string]models.Message
}

// New creates an engine writing through w into store.
func New(store *ticketstore.Store, w Writer, opts Options) *Engine {
	if opts.Sender == "" {
		opts.Sender = models.SenderUser
	}
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = models.DefaultMaxBodyLength
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = DefaultPendingWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewCorrelationID == nil {
		opts.NewCorrelationID = uuid.NewString
	}
	return &Engine{
		store:   store,
		writer:  w,
		sender:  opts.Sender,
		maxLen:  opts.MaxBodyLength,
		window:  opts.PendingWindow,
		clock:   opts.Clock,
		logger:  opts.Logger.With("ticket", store.TicketID()),
		metrics: opts.Metrics,
		newID:   opts.NewCorrelationID,
		pending: make(map[string]inflight),
		failed:  make(map[string]models.Message),
	}
}

// Send validates body, shows it optimistically and persists it. On failure
// the optimistic entry is rolled back and a *models.SendError carrying the
// draft is returned.
func (e *Engine) Send(ctx context.Context, body string, attachment *models.Attachment) (models.Message, error) {
	if err := e.sendable(); err != nil {
		return models.Message{}, &models.SendError{Draft: body, Attachment: attachment, Err: err}
	}
	if err := models.ValidateBody(body, attachment, e.maxLen); err != nil {
		return models.Message{}, &models.SendError{Draft: body, Attachment: attachment, Err: err}
	}

	msg := models.Message{
		CorrelationID: e.newID(),
		TicketID:      e.store.TicketID(),
		Sender:        e.sender,
		Body:          body,
		Attachment:    attachment,
		CreatedAt:     e.clock.Now().UTC(),
		State:         models.StatePending,
	}
	return e.write(ctx, msg)
}

// Retry re-sends a stalled or failed message with its original correlation
// id. Persistence returns the existing record if the earlier write landed.
func (e *Engine) Retry(ctx context.Context, correlationID string) (models.Message, error) {
	e.mu.Lock()
	msg, stalled := e.pending[correlationID]
	failedMsg, failed := e.failed[correlationID]
	e.mu.Unlock()

	switch {
	case stalled:
		if err := e.sendable(); err != nil {
			return models.Message{}, &models.SendError{CorrelationID: correlationID, Draft: msg.msg.Body, Attachment: msg.msg.Attachment, Err: err}
		}
		return e.write(ctx, msg.msg)
	case failed:
		if err := e.sendable(); err != nil {
			return models.Message{}, &models.SendError{CorrelationID: correlationID, Draft: failedMsg.Body, Attachment: failedMsg.Attachment, Err: err}
		}
		return e.write(ctx, failedMsg)
	default:
		return models.Message{}, fmt.Errorf("retry %s: %w", correlationID, models.ErrNotFound)
	}
}

func (e *Engine) sendable() error {
	e.mu.Lock()
	expired := e.authExpired
	e.mu.Unlock()
	if expired {
		return models.ErrAuthExpired
	}
	if e.store.Ticket().Closed() {
		return models.ErrTicketClosed
	}
	return nil
}

func (e *Engine) write(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.State = models.StatePending
	e.store.Append(msg)

	e.mu.Lock()
	delete(e.failed, msg.CorrelationID)
	if _, ok := e.pending[msg.CorrelationID]; !ok {
		e.pending[msg.CorrelationID] = inflight{msg: msg, sentAt: e.clock.Now()}
	}
	e.mu.Unlock()

	start := time.Now()
	canonical, err := e.writer.InsertMessage(ctx, msg)
	e.metrics.Since(metrics.OpDBWrite, start)
	if err != nil {
		return e.fail(msg, err)
	}

	if canonical.CorrelationID == "" {
		canonical.CorrelationID = msg.CorrelationID
	}
	e.confirm(canonical)
	return canonical, nil
}

func (e *Engine) fail(msg models.Message, err error) (models.Message, error) {
	if _, removed := e.store.Remove(msg.CorrelationID); !removed {
		// The feed confirmed the write while the acknowledgement failed.
		for _, m := range e.store.Messages() {
			if m.CorrelationID == msg.CorrelationID && m.ID != "" {
				e.forget(msg.CorrelationID)
				return m, nil
			}
		}
	}

	e.mu.Lock()
	delete(e.pending, msg.CorrelationID)
	e.failed[msg.CorrelationID] = msg
	if errors.Is(err, models.ErrAuthExpired) {
		e.authExpired = true
	}
	e.mu.Unlock()

	e.metrics.Inc(metrics.CounterSendFailed)
	e.logger.Warn("send failed", "correlation_id", msg.CorrelationID, "error", err)
	return models.Message{}, &models.SendError{
		CorrelationID: msg.CorrelationID,
		Draft:         msg.Body,
		Attachment:    msg.Attachment,
		Err:           err,
	}
}

func (e *Engine) confirm(canonical models.Message) {
	if _, changed := e.store.Append(canonical); changed {
		e.metrics.Inc(metrics.CounterReconciled)
	} else {
		e.metrics.Inc(metrics.CounterDuplicateDropped)
	}
	e.forget(canonical.CorrelationID)
}

func (e *Engine) forget(correlationID string) {
	if correlationID == "" {
		return
	}
	e.mu.Lock()
	delete(e.pending, correlationID)
	delete(e.failed, correlationID)
	e.mu.Unlock()
}

// Deliver merges canonical messages observed from the change feed or a poll.
// Records without a server id are ignored and duplicates are dropped.
// Returns how many deliveries changed the visible list.
func (e *Engine) Deliver(msgs ...models.Message) int {
	changed := 0
	for _, m := range msgs {
		if m.ID == "" {
			e.logger.Debug("ignoring delivery without id", "correlation_id", m.CorrelationID)
			continue
		}
		if m.TicketID != "" && m.TicketID != e.store.TicketID() {
			continue
		}
		m.State = models.StateConfirmed
		if _, ok := e.store.Append(m); ok {
			changed++
			if m.CorrelationID != "" {
				e.metrics.Inc(metrics.CounterReconciled)
			}
		} else {
			e.metrics.Inc(metrics.CounterDuplicateDropped)
		}
		e.forget(m.CorrelationID)
	}
	return changed
}

// Stalled returns pending sends that have waited longer than the pending
// window, oldest first. They stay visible as pending until confirmed or
// retried.
func (e *Engine) Stalled() []models.Message {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Message
	for _, p := range e.pending {
		if now.Sub(p.sentAt) >= e.window {
			out = append(out, p.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	return out
}

// Failed returns rolled-back sends that can still be retried.
func (e *Engine) Failed() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, 0, len(e.failed))
	for _, m := range e.failed {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	return out
}

// AuthExpired reports whether sends are blocked pending re-authentication.
func (e *Engine) AuthExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authExpired
}

// Reauthenticated unblocks sends after the caller refreshed credentials.
func (e *Engine) Reauthenticated() {
	e.mu.Lock()
	e.authExpired = false
	e.mu.Unlock()
}
