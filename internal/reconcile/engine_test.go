package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/reconcile"
	"github.com/raphaelgruber/chatsync/internal/ticketstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter assigns sequential server ids and returns the existing record
// when a correlation id is written twice.
type fakeWriter struct {
	mu       sync.Mutex
	seq      int
	byCorr   map[string]models.Message
	err      error
	gate     chan struct{}
	received chan models.Message
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{byCorr: make(map[string]models.Message)}
}

func (w *fakeWriter) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return models.Message{}, err
	}
	canonical, ok := w.byCorr[msg.CorrelationID]
	if !ok {
		w.seq++
		canonical = msg
		canonical.ID = fmt.Sprintf("s%03d", w.seq)
		canonical.State = models.StateConfirmed
		w.byCorr[msg.CorrelationID] = canonical
	}
	gate, received := w.gate, w.received
	w.mu.Unlock()

	if received != nil {
		received <- canonical
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		}
	}
	return canonical, nil
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *fakeWriter) writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

type fixture struct {
	store   *ticketstore.Store
	writer  *fakeWriter
	engine  *reconcile.Engine
	clock   *clock.FakeClock
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: ticketstore.New(models.Ticket{
			ID:       "t1",
			Status:   models.TicketOpen,
			ChatMode: models.ModeBot,
		}),
		writer:  newFakeWriter(),
		clock:   clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		metrics: metrics.NewCollector(),
	}
	var n atomic.Int64
	f.engine = reconcile.New(f.store, f.writer, reconcile.Options{
		Clock:         f.clock,
		Metrics:       f.metrics,
		PendingWindow: 10 * time.Second,
		NewCorrelationID: func() string {
			return fmt.Sprintf("c%d", n.Add(1))
		},
	})
	return f
}

func TestSendConfirmsInPlace(t *testing.T) {
	f := newFixture(t)

	msg, err := f.engine.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "s001", msg.ID)
	assert.Equal(t, "c1", msg.CorrelationID)

	msgs := f.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s001", msgs[0].ID)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, models.StateConfirmed, msgs[0].State)
	assert.Empty(t, f.engine.Stalled())
}

func TestSendRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Send(context.Background(), "   ", nil)
	require.ErrorIs(t, err, models.ErrValidation)

	var sendErr *models.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Retryable())
	assert.Empty(t, f.store.Messages(), "rejected input is never shown")
	assert.Zero(t, f.writer.writes(), "rejected input is never sent")
}

func TestSendFailureRollsBackAndRestoresDraft(t *testing.T) {
	f := newFixture(t)
	f.writer.setErr(fmt.Errorf("insert message: %w", models.ErrTransient))

	attachment := &models.Attachment{URL: "https://files.example/a.png", Name: "a.png"}
	_, err := f.engine.Send(context.Background(), "my draft", attachment)
	require.Error(t, err)

	var sendErr *models.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "my draft", sendErr.Draft)
	assert.Equal(t, attachment, sendErr.Attachment)
	assert.True(t, sendErr.Retryable())
	assert.Empty(t, f.store.Messages())
	assert.EqualValues(t, 1, f.metrics.Counter(metrics.CounterSendFailed))

	require.Len(t, f.engine.Failed(), 1)

	f.writer.setErr(nil)
	msg, err := f.engine.Retry(context.Background(), sendErr.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.CorrelationID)
	assert.Empty(t, f.engine.Failed())
	require.Len(t, f.store.Messages(), 1)
	assert.Equal(t, msg.ID, f.store.Messages()[0].ID)
}

func TestAuthExpiredBlocksSends(t *testing.T) {
	f := newFixture(t)
	f.writer.setErr(models.ErrAuthExpired)

	_, err := f.engine.Send(context.Background(), "one", nil)
	require.ErrorIs(t, err, models.ErrAuthExpired)
	assert.True(t, f.engine.AuthExpired())

	f.writer.setErr(nil)
	_, err = f.engine.Send(context.Background(), "two", nil)
	require.ErrorIs(t, err, models.ErrAuthExpired, "sends stay blocked until re-auth")
	assert.Zero(t, f.writer.writes())

	f.engine.Reauthenticated()
	_, err = f.engine.Send(context.Background(), "two", nil)
	require.NoError(t, err)
}

func TestSendOnClosedTicket(t *testing.T) {
	f := newFixture(t)
	closed := f.store.Ticket()
	closed.Status = models.TicketClosed
	f.store.ApplyTicket(closed)

	_, err := f.engine.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, models.ErrTicketClosed)
}

// The user sends "Hello" while offline. The acknowledgement never arrives
// but the feed later delivers the canonical record.
func TestOfflineSendConfirmedByFeed(t *testing.T) {
	f := newFixture(t)
	f.writer.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Send(ctx, "Hello", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(f.store.Messages()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.store.IsPending("c1"))

	f.engine.Deliver(models.Message{
		ID:            "s1",
		CorrelationID: "c1",
		TicketID:      "t1",
		Sender:        models.SenderUser,
		Body:          "Hello",
		CreatedAt:     f.store.Messages()[0].CreatedAt,
	})

	// The acknowledgement path fails after the feed already confirmed.
	cancel()
	require.NoError(t, <-done)

	msgs := f.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ID)
	assert.Equal(t, "Hello", msgs[0].Body)
	assert.Empty(t, f.engine.Failed())
}

func TestStalledAfterPendingWindow(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	defer close(gate)
	f.writer.gate = gate
	f.writer.received = make(chan models.Message, 1)

	go func() { _, _ = f.engine.Send(context.Background(), "slow", nil) }()
	<-f.writer.received

	assert.Empty(t, f.engine.Stalled())
	f.clock.Advance(10 * time.Second)

	stalled := f.engine.Stalled()
	require.Len(t, stalled, 1)
	assert.Equal(t, "c1", stalled[0].CorrelationID)
	assert.True(t, f.store.IsPending("c1"), "stalled sends stay visibly pending")

	// Manual retry reuses the correlation id; the writer dedups it.
	f.writer.mu.Lock()
	f.writer.gate = nil
	f.writer.received = nil
	f.writer.mu.Unlock()
	msg, err := f.engine.Retry(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "s001", msg.ID)
	assert.Equal(t, 1, f.writer.writes())
	assert.Empty(t, f.engine.Stalled())
	require.Len(t, f.store.Messages(), 1)
}

func TestRetryUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeliverDropsDuplicates(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()
	staff := []models.Message{
		{ID: "s1", TicketID: "t1", Sender: models.SenderStaff, Body: "a", CreatedAt: at},
		{ID: "s2", TicketID: "t1", Sender: models.SenderStaff, Body: "b", CreatedAt: at.Add(time.Second)},
	}

	assert.Equal(t, 2, f.engine.Deliver(staff...))
	assert.Equal(t, 0, f.engine.Deliver(staff...))
	assert.Equal(t, 0, f.engine.Deliver(models.Message{Body: "no id"}))
	assert.Equal(t, 0, f.engine.Deliver(models.Message{ID: "x", TicketID: "other"}))

	assert.Len(t, f.store.Messages(), 2)
	assert.EqualValues(t, 2, f.metrics.Counter(metrics.CounterDuplicateDropped))
}

// For any interleaving of N optimistic sends, their acknowledgements and
// repeated feed/poll deliveries, the list converges to exactly N confirmed
// messages in canonical order.
func TestConvergenceUnderInterleavings(t *testing.T) {
	const n = 12
	for seed := range uint64(20) {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			f := newFixture(t)
			rng := rand.New(rand.NewPCG(seed, seed*31+7))
			f.writer.gate = make(chan struct{})
			f.writer.received = make(chan models.Message, 1)

			var wg sync.WaitGroup
			canonical := make([]models.Message, 0, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.engine.Send(context.Background(), fmt.Sprintf("msg %d", i), nil)
					assert.NoError(t, err)
				}()
				canonical = append(canonical, <-f.writer.received)
				f.clock.Advance(time.Second)
			}

			// Replay each canonical record one to three times in random order.
			var deliveries []models.Message
			for _, m := range canonical {
				for range 1 + rng.IntN(3) {
					deliveries = append(deliveries, m)
				}
			}
			rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

			half := rng.IntN(len(deliveries))
			f.engine.Deliver(deliveries[:half]...)
			close(f.writer.gate)
			f.engine.Deliver(deliveries[half:]...)
			wg.Wait()

			// A final poll replays the whole list.
			f.engine.Deliver(canonical...)

			msgs := f.store.Messages()
			require.Len(t, msgs, n)
			seen := map[string]bool{}
			for i, m := range msgs {
				assert.Equal(t, models.StateConfirmed, m.State)
				assert.False(t, seen[m.ID], "duplicate %s", m.ID)
				seen[m.ID] = true
				if i > 0 {
					assert.True(t, models.Less(msgs[i-1], m), "list out of order at %d", i)
				}
			}
			assert.Empty(t, f.engine.Stalled())
		})
	}
}

func TestConcurrentSendAndDeliverIsRaceFree(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Send(context.Background(), fmt.Sprintf("m%d", i), nil)
			if err != nil && !errors.Is(err, models.ErrTransient) {
				t.Errorf("send: %v", err)
			}
			f.engine.Deliver(f.store.Messages()...)
		}()
	}
	wg.Wait()
	assert.Len(t, f.store.Messages(), 20)
}
