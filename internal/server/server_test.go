package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/chatsync/internal/bot"
	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/escalation"
	"github.com/raphaelgruber/chatsync/internal/memstore"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/server"
	"github.com/raphaelgruber/chatsync/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readWait = 3 * time.Second

type echoBot struct{}

func (echoBot) Infer(ctx context.Context, req bot.Request) (bot.Response, error) {
	return bot.Response{Reply: "echo: " + req.Message}, nil
}

// gatedBot holds every answer until open is called.
type gatedBot struct {
	started   chan struct{}
	gate      chan struct{}
	startOnce sync.Once
	openOnce  sync.Once
}

func newGatedBot() *gatedBot {
	return &gatedBot{started: make(chan struct{}), gate: make(chan struct{})}
}

func (b *gatedBot) Infer(ctx context.Context, req bot.Request) (bot.Response, error) {
	b.startOnce.Do(func() { close(b.started) })
	select {
	case <-b.gate:
		return bot.Response{Reply: "echo: " + req.Message}, nil
	case <-ctx.Done():
		return bot.Response{}, ctx.Err()
	}
}

func (b *gatedBot) open() { b.openOnce.Do(func() { close(b.gate) }) }

type gateway struct {
	http    *httptest.Server
	manager *service.Manager
	metrics *metrics.Collector
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	return newGatewayWithBot(t, echoBot{})
}

func newGatewayWithBot(t *testing.T, b escalation.Bot) *gateway {
	t.Helper()
	clk := clock.Real()
	repo := memstore.New(clk)
	m := metrics.NewCollector()
	d := escalation.New(repo, b, nil, escalation.Options{Clock: clk, Metrics: m})
	mgr := service.NewManager(repo, d, service.Options{
		SilenceTimeout: -1,
		WelcomeText:    "Welcome!",
		Clock:          clk,
		Metrics:        m,
	})
	srv := server.New(mgr, server.Options{Metrics: m, Health: repo})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		mgr.Close()
	})
	return &gateway{http: ts, manager: mgr, metrics: m}
}

func (g *gateway) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until match returns true and returns that frame.
func readUntil(t *testing.T, ws *websocket.Conn, match func(server.ServerFrame) bool) server.ServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readWait)))
	for {
		var f server.ServerFrame
		require.NoError(t, ws.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(server.ServerFrame) bool {
	return func(f server.ServerFrame) bool { return f.Type == typ }
}

func bodies(msgs []models.WireMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Message)
	}
	return out
}

func TestCustomerReceivesSnapshot(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "/ws/customer?user_id=u1&client_id=tab-1")

	f := readUntil(t, ws, ofType(server.FrameSnapshot))
	require.NotNil(t, f.Ticket)
	assert.Equal(t, "u1", f.Ticket.UserID)
	assert.Equal(t, "open", f.Ticket.Status)
	require.Len(t, f.Messages, 1)
	assert.Equal(t, models.WelcomeMessageID, f.Messages[0].ID)
	assert.Equal(t, "Welcome!", f.Messages[0].Message)
	require.NotNil(t, f.Connection)
}

func TestSendAcksAndStreamsBotReply(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "/ws/customer?user_id=u1")
	readUntil(t, ws, ofType(server.FrameSnapshot))

	require.NoError(t, ws.WriteJSON(server.ClientFrame{ID: "r1", Type: server.FrameSend, Message: "hello"}))

	var ack *server.ServerFrame
	reply := readUntil(t, ws, func(f server.ServerFrame) bool {
		if f.Type == server.FrameAck && f.ID == "r1" {
			ack = &f
		}
		return f.Message != nil && f.Message.SenderType == "bot"
	})
	assert.Equal(t, "echo: hello", reply.Message.Message)

	if ack == nil {
		a := readUntil(t, ws, func(f server.ServerFrame) bool { return f.Type == server.FrameAck && f.ID == "r1" })
		ack = &a
	}
	require.NotNil(t, ack.Message)
	assert.Equal(t, "hello", ack.Message.Message)
	assert.NotEmpty(t, ack.Message.ID)
	assert.NotEmpty(t, ack.CorrelationID)
}

func TestSlowBotDoesNotDelayNextSend(t *testing.T) {
	b := newGatedBot()
	g := newGatewayWithBot(t, b)
	t.Cleanup(b.open)
	ws := g.dial(t, "/ws/customer?user_id=u1")
	readUntil(t, ws, ofType(server.FrameSnapshot))

	require.NoError(t, ws.WriteJSON(server.ClientFrame{ID: "r1", Type: server.FrameSend, Message: "first"}))
	readUntil(t, ws, func(f server.ServerFrame) bool { return f.Type == server.FrameAck && f.ID == "r1" })
	select {
	case <-b.started:
	case <-time.After(readWait):
		t.Fatal("bot was never asked")
	}

	// The bot is still thinking about "first".
	require.NoError(t, ws.WriteJSON(server.ClientFrame{ID: "r2", Type: server.FrameSend, Message: "second"}))
	var appended, acked bool
	readUntil(t, ws, func(f server.ServerFrame) bool {
		switch {
		case f.Type == server.FrameMessage && f.Message != nil && f.Message.Message == "second":
			appended = true
		case f.Type == server.FrameAck && f.ID == "r2":
			require.NotNil(t, f.Message)
			assert.Equal(t, "second", f.Message.Message)
			acked = true
		}
		return appended && acked
	})

	b.open()
	readUntil(t, ws, func(f server.ServerFrame) bool {
		return f.Message != nil && f.Message.Message == "echo: first"
	})
}

func TestSendValidationReturnsDraft(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "/ws/customer?user_id=u1")
	readUntil(t, ws, ofType(server.FrameSnapshot))

	require.NoError(t, ws.WriteJSON(server.ClientFrame{ID: "r1", Type: server.FrameSend, Message: "   "}))

	f := readUntil(t, ws, ofType(server.FrameError))
	assert.Equal(t, "r1", f.ID)
	require.NotNil(t, f.Error)
	assert.Equal(t, server.CodeValidation, f.Error.Code)
	assert.Equal(t, "   ", f.Error.Draft)
	assert.False(t, f.Error.Retryable)
}

func TestRejectsMalformedFrames(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "/ws/customer?user_id=u1")
	readUntil(t, ws, ofType(server.FrameSnapshot))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readUntil(t, ws, ofType(server.FrameError))
	assert.Equal(t, server.CodeBadFrame, f.Error.Code)

	require.NoError(t, ws.WriteJSON(server.ClientFrame{ID: "r2", Type: "dance"}))
	f = readUntil(t, ws, ofType(server.FrameError))
	assert.Equal(t, "r2", f.ID)
	assert.Equal(t, server.CodeBadFrame, f.Error.Code)
}

func TestAgentRequiresParameters(t *testing.T) {
	g := newGateway(t)

	resp, err := http.Get(g.http.URL + "/ws/agent?agent_id=a1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(g.http.URL + "/ws/agent?agent_id=a1&ticket_id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentSeesCustomerConversation(t *testing.T) {
	g := newGateway(t)
	cust := g.dial(t, "/ws/customer?user_id=u1")
	snap := readUntil(t, cust, ofType(server.FrameSnapshot))
	ticketID := snap.Ticket.ID

	require.NoError(t, cust.WriteJSON(server.ClientFrame{ID: "r1", Type: server.FrameSend, Message: "need help"}))
	readUntil(t, cust, func(f server.ServerFrame) bool { return f.Type == server.FrameAck && f.ID == "r1" })

	agent := g.dial(t, "/ws/agent?ticket_id="+ticketID+"&agent_id=a1&agent_name=Dana")
	asnap := readUntil(t, agent, ofType(server.FrameSnapshot))
	assert.Contains(t, bodies(asnap.Messages), "need help")
	assert.NotContains(t, bodies(asnap.Messages), "Welcome!")

	require.NoError(t, agent.WriteJSON(server.ClientFrame{ID: "c1", Type: server.FrameClaim}))
	ack := readUntil(t, agent, func(f server.ServerFrame) bool { return f.ID == "c1" })
	assert.Equal(t, server.FrameAck, ack.Type)

	joined := readUntil(t, cust, func(f server.ServerFrame) bool {
		return f.Message != nil && f.Message.Message == "Dana has joined the conversation."
	})
	assert.Equal(t, "bot", joined.Message.SenderType)
}

func TestDisconnectReleasesSession(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "/ws/customer?user_id=u1")
	readUntil(t, ws, ofType(server.FrameSnapshot))
	require.Len(t, g.manager.Sessions(), 1)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	assert.Eventually(t, func() bool { return len(g.manager.Sessions()) == 0 }, readWait, 10*time.Millisecond)
	assert.Equal(t, int64(1), g.metrics.Counter(metrics.CounterSessionsClosed))
}

func TestReplacedSessionDisconnectsOldSocket(t *testing.T) {
	g := newGateway(t)
	first := g.dial(t, "/ws/customer?user_id=u1&client_id=tab-1")
	readUntil(t, first, ofType(server.FrameSnapshot))

	second := g.dial(t, "/ws/customer?user_id=u1&client_id=tab-1")
	readUntil(t, second, ofType(server.FrameSnapshot))

	require.NoError(t, first.SetReadDeadline(time.Now().Add(readWait)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Len(t, g.manager.Sessions(), 1)
}

func TestHTTPEndpoints(t *testing.T) {
	g := newGateway(t)
	ws := g.dial(t, "/ws/customer?user_id=u1")
	readUntil(t, ws, ofType(server.FrameSnapshot))

	resp, err := http.Get(g.http.URL + "/tickets?status=open")
	require.NoError(t, err)
	var tickets []models.WireTicket
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tickets))
	resp.Body.Close()
	require.Len(t, tickets, 1)
	assert.Equal(t, "u1", tickets[0].UserID)

	resp, err = http.Get(g.http.URL + "/tickets?status=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(g.http.URL + "/stats")
	require.NoError(t, err)
	var stats metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, int64(1), stats.Counters[metrics.CounterSessionsOpened])

	resp, err = http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := server.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fine?q="+strings.Repeat("x", 300), nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, "request completed", first["msg"])
	assert.Len(t, first["query"], 200)
	assert.True(t, strings.HasSuffix(first["query"].(string), "..."))

	assert.Equal(t, "request failed", second["msg"])
	assert.Equal(t, "ERROR", second["level"])
	assert.EqualValues(t, http.StatusInternalServerError, second["status"])
}
