package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu      sync.Mutex
	patches []models.PresencePatch
	err     error
}

func (r *recordingStore) UpdateFlags(_ string, patch models.PresencePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patch)
	return r.err
}

// typing returns the sequence of typing values flushed for actor.
func (r *recordingStore) typing(actor models.Actor) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bool
	for _, p := range r.patches {
		v := p.UserTyping
		if actor == models.ActorAgent {
			v = p.AgentTyping
		}
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}

type recordingWriter struct {
	mu      sync.Mutex
	patches []models.PresencePatch
	err     error
}

func (w *recordingWriter) UpdatePresence(_ context.Context, _ string, patch models.PresencePatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.patches = append(w.patches, patch)
	return w.err
}

func (w *recordingWriter) all() []models.PresencePatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.PresencePatch(nil), w.patches...)
}

func (w *recordingWriter) typing() []bool {
	var out []bool
	for _, p := range w.all() {
		if p.UserTyping != nil {
			out = append(out, *p.UserTyping)
		}
	}
	return out
}

// stallingWriter blocks its first write until open is called.
type stallingWriter struct {
	recordingWriter
	entered  chan struct{}
	gate     chan struct{}
	first    sync.Once
	openOnce sync.Once
}

func (w *stallingWriter) UpdatePresence(ctx context.Context, ticketID string, patch models.PresencePatch) error {
	w.first.Do(func() {
		close(w.entered)
		<-w.gate
	})
	return w.recordingWriter.UpdatePresence(ctx, ticketID, patch)
}

func (w *stallingWriter) open() { w.openOnce.Do(func() { close(w.gate) }) }

func newTracker(t *testing.T, actor models.Actor) (*presence.Tracker, *recordingStore, *recordingWriter, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := &recordingStore{}
	writer := &recordingWriter{}
	tr := presence.NewTracker("t1", actor, store, writer, presence.Options{
		Window: 2 * time.Second,
		Clock:  clk,
	})
	t.Cleanup(tr.Close)
	return tr, store, writer, clk
}

func TestDebouncedFlagBurst(t *testing.T) {
	clk := clock.Fake(time.Now())
	var flushes []bool
	f := presence.NewDebouncedFlag(clk, 2*time.Second, func(v bool) { flushes = append(flushes, v) })

	for range 20 {
		f.Arm()
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, flushes, "steady keystrokes flush true once")
	assert.True(t, f.Active())

	clk.Advance(1499 * time.Millisecond)
	assert.Equal(t, []bool{true}, flushes)

	clk.Advance(time.Millisecond)
	assert.Equal(t, []bool{true, false}, flushes, "false fires one window after the last keystroke")
	assert.False(t, f.Active())
	assert.Zero(t, clk.Pending())
}

func TestDebouncedFlagForcedIdle(t *testing.T) {
	clk := clock.Fake(time.Now())
	var flushes []bool
	f := presence.NewDebouncedFlag(clk, 2*time.Second, func(v bool) { flushes = append(flushes, v) })

	f.Arm()
	f.Arm()
	f.Flush()
	assert.Equal(t, []bool{true, false}, flushes)
	assert.Zero(t, clk.Pending(), "flush cancels the pending timer")

	clk.Advance(5 * time.Second)
	assert.Equal(t, []bool{true, false}, flushes)

	f.Flush()
	assert.Equal(t, []bool{true, false}, flushes, "flushing an idle flag is a no-op")
}

func TestDebouncedFlagStopIgnoresArm(t *testing.T) {
	clk := clock.Fake(time.Now())
	var flushes []bool
	f := presence.NewDebouncedFlag(clk, time.Second, func(v bool) { flushes = append(flushes, v) })

	f.Arm()
	f.Stop()
	f.Arm()
	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, flushes)
}

func TestDebouncedFlagRealClock(t *testing.T) {
	var mu sync.Mutex
	var flushes []bool
	f := presence.NewDebouncedFlag(nil, 20*time.Millisecond, func(v bool) {
		mu.Lock()
		flushes = append(flushes, v)
		mu.Unlock()
	})

	f.Arm()
	require.Eventually(t, func() bool { return !f.Active() }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, flushes)
}

func TestTrackerTypingDebounce(t *testing.T) {
	tr, store, writer, clk := newTracker(t, models.ActorUser)

	for range 8 {
		tr.Keystroke()
		clk.Advance(300 * time.Millisecond)
	}
	assert.True(t, tr.Typing())
	clk.Advance(2 * time.Second)
	assert.False(t, tr.Typing())

	assert.Equal(t, []bool{true, false}, store.typing(models.ActorUser))
	assert.Empty(t, store.typing(models.ActorAgent))

	tr.Close()
	patches := writer.all()
	require.NotEmpty(t, patches)
	last := patches[len(patches)-1]
	require.NotNil(t, last.UserTyping)
	assert.False(t, *last.UserTyping, "persistence converges on the final flag value")
}

func TestTrackerSentFlushesImmediately(t *testing.T) {
	tr, store, _, clk := newTracker(t, models.ActorAgent)

	tr.Keystroke()
	tr.Sent()
	assert.Equal(t, []bool{true, false}, store.typing(models.ActorAgent))

	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, store.typing(models.ActorAgent))

	tr.Keystroke()
	tr.Cleared()
	assert.Equal(t, []bool{true, false, true, false}, store.typing(models.ActorAgent))
}

func TestTrackerKeepsTypingEdgesBehindSlowWrite(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	writer := &stallingWriter{entered: make(chan struct{}), gate: make(chan struct{})}
	tr := presence.NewTracker("t1", models.ActorUser, &recordingStore{}, writer, presence.Options{Clock: clk})
	t.Cleanup(tr.Close)
	t.Cleanup(writer.open)

	tr.Keystroke()
	select {
	case <-writer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first write never started")
	}

	// Two short bursts queue up behind the stalled write.
	tr.Sent()
	tr.Keystroke()
	tr.Sent()
	tr.Keystroke()
	tr.Cleared()

	writer.open()
	tr.Close()
	assert.Equal(t, []bool{true, false, true, false, true, false}, writer.typing())
}

func TestTrackerMountAndRelease(t *testing.T) {
	tr, store, writer, _ := newTracker(t, models.ActorUser)

	release, err := tr.Mount(context.Background())
	require.NoError(t, err)

	patches := writer.all()
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].UserOnline)
	assert.True(t, *patches[0].UserOnline)

	release()
	release()
	tr.Close()

	var onlineWrites []bool
	for _, p := range writer.all() {
		if p.UserOnline != nil {
			onlineWrites = append(onlineWrites, *p.UserOnline)
		}
	}
	assert.Equal(t, []bool{true, false}, onlineWrites, "offline is flushed exactly once")

	store.mu.Lock()
	defer store.mu.Unlock()
	last := store.patches[len(store.patches)-1]
	require.NotNil(t, last.UserOnline)
	assert.False(t, *last.UserOnline)
}

func TestTrackerSharedKeepsOnline(t *testing.T) {
	writer := &recordingWriter{}
	shared := true
	tr := presence.NewTracker("t1", models.ActorAgent, nil, writer, presence.Options{
		Clock:  clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Shared: func() bool { return shared },
	})
	_, err := tr.Mount(context.Background())
	require.NoError(t, err)
	tr.Close()

	for _, p := range writer.all() {
		require.NotNil(t, p.AgentOnline)
		assert.True(t, *p.AgentOnline, "no offline write while the ticket is shared")
	}
}

func TestTrackerCloseFlushesOfflineWithoutRelease(t *testing.T) {
	tr, _, writer, _ := newTracker(t, models.ActorUser)

	_, err := tr.Mount(context.Background())
	require.NoError(t, err)
	tr.Keystroke()

	// Teardown on an abnormal exit path only calls Close.
	tr.Close()

	patches := writer.all()
	last := patches[len(patches)-1]
	require.NotNil(t, last.UserOnline)
	assert.False(t, *last.UserOnline)
	assert.False(t, tr.Typing())
}

func TestTrackerIgnoresClosedTicket(t *testing.T) {
	tr, store, writer, _ := newTracker(t, models.ActorUser)
	store.err = models.ErrTicketClosed
	writer.err = models.ErrTicketClosed

	tr.Keystroke()
	tr.Sent()
	tr.Close()

	assert.Equal(t, []bool{true, false}, store.typing(models.ActorUser))
}
