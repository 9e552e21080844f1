package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/models"
)

// DefaultWindow is the typing silence window shared by users and agents.
const DefaultWindow = 2 * time.Second

// DefaultWriteTimeout bounds a single presence write, including the
// offline flush on teardown.
const DefaultWriteTimeout = 5 * time.Second

// FlagStore receives presence patches for the local projection.
type FlagStore interface {
	UpdateFlags(ticketID string, patch models.PresencePatch) error
}

// Writer persists presence patches.
type Writer interface {
	UpdatePresence(ctx context.Context, ticketID string, patch models.PresencePatch) error
}

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	Window       time.Duration
	WriteTimeout time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	// Shared reports whether another session of the same actor still holds
	// the ticket. When it does, release leaves the online flag up.
	Shared func() bool
}

// Tracker owns the online flag and the debounced typing flag of one actor on
// one ticket. Patches are applied to the local store synchronously and
// written to persistence in order by a single background writer. Patches
// that queue up while a write is in flight are merged unless merging would
// swallow a typing edge, so remote observers see every typing burst.
type Tracker struct {
	ticketID string
	actor    models.Actor
	store    FlagStore
	writer   Writer
	timeout  time.Duration
	logger   *slog.Logger
	shared   func() bool

	typing *DebouncedFlag

	mu      sync.Mutex
	queued  []models.PresencePatch
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	mountOnce   sync.Once
	mounted     bool
	releaseOnce sync.Once
	closeOnce   sync.Once
}

// NewTracker creates a tracker and starts its background writer. Call Close
// to stop it.
func NewTracker(ticketID string, actor models.Actor, store FlagStore, writer Writer, opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Tracker{
		ticketID: ticketID,
		actor:    actor,
		store:    store,
		writer:   writer,
		timeout:  opts.WriteTimeout,
		shared:   opts.Shared,
		logger:   opts.Logger.With("ticket", ticketID, "actor", actor),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	t.typing = NewDebouncedFlag(opts.Clock, opts.Window, func(on bool) {
		t.publish(models.TypingPatch(actor, on))
	})
	go t.run()
	return t
}

// Keystroke records input activity in the compose box.
func (t *Tracker) Keystroke() {
	t.typing.Arm()
}

// Sent forces the typing flag off after a message was sent.
func (t *Tracker) Sent() {
	t.typing.Flush()
}

// Cleared forces the typing flag off after the compose box was emptied.
func (t *Tracker) Cleared() {
	t.typing.Flush()
}

// Typing reports whether the actor is currently considered typing.
func (t *Tracker) Typing() bool {
	return t.typing.Active()
}

// Mount marks the actor online, writing the flag before returning. The
// returned release marks the actor offline; it is safe to call more than
// once and is also run by Close.
func (t *Tracker) Mount(ctx context.Context) (release func(), err error) {
	t.mountOnce.Do(func() {
		patch := models.OnlinePatch(t.actor, true)
		t.applyLocal(patch)
		if werr := t.writer.UpdatePresence(ctx, t.ticketID, patch); werr != nil {
			err = werr
		}
		t.mu.Lock()
		t.mounted = true
		t.mu.Unlock()
	})
	return t.release, err
}

func (t *Tracker) release() {
	t.releaseOnce.Do(func() {
		t.mu.Lock()
		mounted := t.mounted
		t.mu.Unlock()
		if !mounted {
			return
		}
		if t.shared != nil && t.shared() {
			t.logger.Debug("actor still online elsewhere, keeping flag")
			return
		}

		patch := models.OnlinePatch(t.actor, false)
		t.applyLocal(patch)
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.writer.UpdatePresence(ctx, t.ticketID, patch); err != nil {
			t.logger.Warn("offline flush failed", "error", err)
		}
	})
}

// Close forces typing off, drains queued writes, stops the writer and marks
// the actor offline. Idempotent.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.typing.Stop()
		close(t.done)
		<-t.stopped
		t.release()
	})
}

func (t *Tracker) publish(patch models.PresencePatch) {
	t.applyLocal(patch)

	t.mu.Lock()
	t.queued = enqueuePatch(t.queued, patch)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) applyLocal(patch models.PresencePatch) {
	if t.store == nil {
		return
	}
	if err := t.store.UpdateFlags(t.ticketID, patch); err != nil && !errors.Is(err, models.ErrTicketClosed) {
		t.logger.Warn("local presence update failed", "error", err)
	}
}

func (t *Tracker) run() {
	defer close(t.stopped)
	for {
		select {
		case <-t.wake:
			t.drain()
		case <-t.done:
			t.drain()
			return
		}
	}
}

func (t *Tracker) drain() {
	for {
		t.mu.Lock()
		batch := t.queued
		t.queued = nil
		t.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		for _, patch := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			err := t.writer.UpdatePresence(ctx, t.ticketID, patch)
			cancel()
			if err != nil && !errors.Is(err, models.ErrTicketClosed) {
				t.logger.Warn("presence write failed", "error", err)
			}
		}
	}
}

// enqueuePatch folds p into the last queued patch, or appends it when that
// would overwrite a queued typing value with its opposite.
func enqueuePatch(queue []models.PresencePatch, p models.PresencePatch) []models.PresencePatch {
	n := len(queue)
	if n == 0 || flips(queue[n-1].UserTyping, p.UserTyping) || flips(queue[n-1].AgentTyping, p.AgentTyping) {
		return append(queue, p)
	}
	mergePatch(&queue[n-1], p)
	return queue
}

func flips(queued, next *bool) bool {
	return queued != nil && next != nil && *queued != *next
}

// mergePatch overlays src onto dst; later values win per field.
func mergePatch(dst *models.PresencePatch, src models.PresencePatch) {
	if src.UserOnline != nil {
		dst.UserOnline = src.UserOnline
	}
	if src.AgentOnline != nil {
		dst.AgentOnline = src.AgentOnline
	}
	if src.UserTyping != nil {
		dst.UserTyping = src.UserTyping
	}
	if src.AgentTyping != nil {
		dst.AgentTyping = src.AgentTyping
	}
}
