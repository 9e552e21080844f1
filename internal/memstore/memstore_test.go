package memstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/memstore"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*memstore.Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return memstore.New(clk), clk
}

func TestOpenOrCreateConverges(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := s.OpenOrCreateTicket(ctx, "u1")
			assert.NoError(t, err)
			ids[i] = tk.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	tk, err := s.GetTicket(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.ModeBot, tk.ChatMode)
	assert.Equal(t, models.TicketOpen, tk.Status)

	// Closing frees the user for a new ticket; closed tickets never reopen.
	_, err = s.CloseTicket(ctx, tk.ID)
	require.NoError(t, err)
	next, err := s.OpenOrCreateTicket(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, tk.ID, next.ID)

	_, err = s.OpenOrCreateTicket(ctx, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestInsertMessageIdempotentOnCorrelation(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")

	first, err := s.InsertMessage(ctx, models.Message{
		CorrelationID: "c1", TicketID: tk.ID, Sender: models.SenderUser, Body: "Hello", CreatedAt: clk.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, models.StateConfirmed, first.State)

	again, err := s.InsertMessage(ctx, models.Message{
		CorrelationID: "c1", TicketID: tk.ID, Sender: models.SenderUser, Body: "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	msgs, err := s.ListMessages(ctx, tk.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = s.InsertMessage(ctx, models.Message{TicketID: "missing", Sender: models.SenderUser})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.InsertMessage(ctx, models.Message{TicketID: tk.ID, Sender: "robot"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestClosedTicketRejectsTransitions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")
	_, err := s.CloseTicket(ctx, tk.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, s.UpdatePresence(ctx, tk.ID, models.OnlinePatch(models.ActorUser, true)), models.ErrTicketClosed)
	_, _, err = s.SetChatMode(ctx, tk.ID, models.ModeBot, models.ModeConnecting)
	assert.ErrorIs(t, err, models.ErrTicketClosed)
	_, _, err = s.AssignAgent(ctx, tk.ID, "a1")
	assert.ErrorIs(t, err, models.ErrTicketClosed)
	_, err = s.InsertMessage(ctx, models.Message{TicketID: tk.ID, Sender: models.SenderUser, Body: "late"})
	assert.ErrorIs(t, err, models.ErrTicketClosed)

	rated, err := s.RateTicket(ctx, tk.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)
	_, err = s.RateTicket(ctx, tk.ID, 4)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestConditionalWrites(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")

	_, ok, err := s.SetChatMode(ctx, tk.ID, models.ModeBot, models.ModeConnecting)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.SetChatMode(ctx, tk.ID, models.ModeBot, models.ModeConnecting)
	require.NoError(t, err)
	assert.False(t, ok, "already moved")

	got, ok, err := s.AssignAgent(ctx, tk.ID, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.ModeAgent, got.ChatMode)

	got, ok, err = s.AssignAgent(ctx, tk.ID, "a2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a1", got.AssignedAgentID)
}

func TestPresenceFieldLevel(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")

	require.NoError(t, s.UpdatePresence(ctx, tk.ID, models.TypingPatch(models.ActorUser, true)))
	require.NoError(t, s.UpdatePresence(ctx, tk.ID, models.TypingPatch(models.ActorAgent, true)))
	got, _ := s.GetTicket(ctx, tk.ID)
	assert.True(t, got.Presence.UserTyping)
	assert.True(t, got.Presence.AgentTyping)
}

func TestMarkRead(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")

	for _, sender := range []models.SenderType{models.SenderUser, models.SenderBot, models.SenderStaff} {
		clk.Advance(time.Second)
		_, err := s.InsertMessage(ctx, models.Message{TicketID: tk.ID, Sender: sender, Body: string(sender), CreatedAt: clk.Now()})
		require.NoError(t, err)
	}

	n, err := s.MarkRead(ctx, tk.ID, models.SenderUser)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.MarkRead(ctx, tk.ID, models.SenderUser)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.MarkRead(ctx, tk.ID, models.SenderStaff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFeed(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")

	sub, err := s.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers(tk.ID))

	msg, err := s.InsertMessage(ctx, models.Message{TicketID: tk.ID, Sender: models.SenderUser, Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.UpdatePresence(ctx, tk.ID, models.OnlinePatch(models.ActorUser, true)))

	ev := <-sub.Events()
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg.ID, ev.Message.ID)
	ev = <-sub.Events()
	require.NotNil(t, ev.Ticket)
	assert.True(t, ev.Ticket.Presence.UserOnline)

	s.Disconnect(tk.ID, 1)
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.ErrorIs(t, sub.Err(), memstore.ErrFeedDropped)
	assert.Zero(t, s.Subscribers(tk.ID))

	_, err = s.Subscribe(ctx, tk.ID)
	assert.ErrorIs(t, err, models.ErrTransient)
	sub, err = s.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Err())
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	tk, _ := s.OpenOrCreateTicket(ctx, "u1")

	sub, err := s.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	for range 300 {
		require.NoError(t, s.UpdatePresence(ctx, tk.ID, models.TypingPatch(models.ActorUser, true)))
		require.NoError(t, s.UpdatePresence(ctx, tk.ID, models.TypingPatch(models.ActorUser, false)))
	}

	n := 0
	for range sub.Events() {
		n++
	}
	assert.Equal(t, 256, n)
	assert.ErrorIs(t, sub.Err(), models.ErrTransient)
}

var _ connection.Feed = (*memstore.Store)(nil)
