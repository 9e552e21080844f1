package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/chatsync/internal/connection"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/service"
	"github.com/raphaelgruber/chatsync/internal/ticketstore"
)

const (
	// requestTimeout bounds one request, bot inference included.
	requestTimeout = 60 * time.Second
	requestBuffer  = 32
)

// conn binds one websocket to one session. Only writePump writes to the
// socket; requests that touch the store run one at a time on a worker so
// typing frames are not stuck behind a slow send.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	sess   *service.Session
	logger *slog.Logger

	send     chan ServerFrame
	requests chan ClientFrame

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, sess *service.Session) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	p := sess.Participant()
	return &conn{
		srv:  srv,
		ws:   ws,
		sess: sess,
		logger: srv.logger.With(
			"session", sess.ID,
			"ticket", sess.TicketID(),
			"role", string(p.Role),
			"participant", p.ID,
		),
		send:     make(chan ServerFrame, sendBuffer),
		requests: make(chan ClientFrame, requestBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// run serves the connection until the client goes away or the session is
// replaced, then releases the session.
func (c *conn) run() {
	defer c.sess.Close()

	changes, unsubscribe := c.sess.Subscribe()
	defer unsubscribe()
	statuses, unwatch := c.sess.WatchConnection()
	defer unwatch()

	// Subscribed first so nothing between the snapshot and the first
	// change is lost.
	c.enqueue(snapshotFrame(c.sess.Snapshot()))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.forward(changes, statuses) }()
	go func() { defer wg.Done(); c.work() }()

	c.logger.Info("client connected")
	c.readPump()
	c.shutdown()
	wg.Wait()
	c.logger.Info("client disconnected")
}

func (c *conn) shutdown() {
	c.once.Do(c.cancel)
}

// enqueue queues a frame for the client. A client that cannot keep up is
// disconnected; it re-reads the full snapshot when it reconnects.
func (c *conn) enqueue(f ServerFrame) {
	select {
	case <-c.ctx.Done():
	case c.send <- f:
	default:
		c.srv.metrics.Inc(metrics.CounterClientsDropped)
		c.logger.Warn("client too slow, disconnecting")
		c.shutdown()
	}
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(badFrame("", "invalid JSON"))
			continue
		}
		if !c.handleInline(f) {
			select {
			case c.requests <- f:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.srv.writeWait))
			return
		}
	}
}

// forward turns projection changes and connection states into frames.
func (c *conn) forward(changes <-chan ticketstore.Change, statuses <-chan connection.Status) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.sess.Done():
			c.logger.Debug("session ended")
			c.shutdown()
			return
		case ch, ok := <-changes:
			if !ok {
				c.shutdown()
				return
			}
			c.enqueue(c.changeFrame(ch))
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			c.enqueue(connectionFrame(st.State, st.LastConnected))
		}
	}
}

func (c *conn) changeFrame(ch ticketstore.Change) ServerFrame {
	switch ch.Kind {
	case ticketstore.ChangeAppend:
		f := messageFrame(FrameMessage, ch.Message)
		f.Index = &ch.Index
		return f
	case ticketstore.ChangeReplace:
		f := messageFrame(FrameReplace, ch.Message)
		f.Index = &ch.Index
		f.CorrelationID = ch.CorrelationID
		return f
	case ticketstore.ChangeRemove:
		return ServerFrame{Type: FrameRemove, Index: &ch.Index, CorrelationID: ch.CorrelationID}
	case ticketstore.ChangeRead:
		return messageFrame(FrameReadMark, ch.Message)
	case ticketstore.ChangeTicket:
		return ticketFrame(ch.Ticket)
	default:
		return snapshotFrame(c.sess.Snapshot())
	}
}

// handleInline serves requests that never block on the store. It reports
// whether f was handled.
func (c *conn) handleInline(f ClientFrame) bool {
	switch f.Type {
	case FrameTyping:
		c.sess.Keystroke()
	case FrameClear:
		c.sess.ClearCompose()
	case FrameReconnect:
		c.sess.Reconnect()
		c.ack(f.ID)
	case FrameReauth:
		c.sess.Reauthenticated()
		c.ack(f.ID)
	default:
		return false
	}
	return true
}

func (c *conn) work() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.requests:
			c.handle(f)
		}
	}
}

func (c *conn) handle(f ClientFrame) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	var err error
	switch f.Type {
	case FrameSend:
		msg, sendErr := c.sess.Send(ctx, f.Message, f.Attachment)
		if sendErr == nil {
			out := messageFrame(FrameAck, msg)
			out.ID = f.ID
			out.CorrelationID = msg.CorrelationID
			c.enqueue(out)
			return
		}
		err = sendErr
	case FrameRetry:
		if f.CorrelationID == "" {
			c.enqueue(badFrame(f.ID, "correlation_id is required"))
			return
		}
		msg, retryErr := c.sess.Retry(ctx, f.CorrelationID)
		if retryErr == nil {
			out := messageFrame(FrameAck, msg)
			out.ID = f.ID
			out.CorrelationID = msg.CorrelationID
			c.enqueue(out)
			return
		}
		err = retryErr
	case FrameEscalate:
		err = c.sess.RequestAgent(ctx)
	case FrameClaim:
		err = c.sess.Claim(ctx)
	case FrameClose:
		err = c.sess.CloseTicket(ctx)
	case FrameRate:
		err = c.sess.SubmitRating(ctx, f.Rating)
	case FrameRead:
		n, readErr := c.sess.MarkRead(ctx)
		if readErr == nil {
			c.enqueue(ServerFrame{ID: f.ID, Type: FrameAck, Count: &n})
			return
		}
		err = readErr
	default:
		c.enqueue(badFrame(f.ID, "unknown frame type "+f.Type))
		return
	}

	if err != nil {
		c.logger.Debug("request failed", "type", f.Type, "error", err)
		c.enqueue(errorFrame(f.ID, err))
		return
	}
	c.ack(f.ID)
}

func (c *conn) ack(id string) {
	c.enqueue(ServerFrame{ID: id, Type: FrameAck})
}

func badFrame(id, msg string) ServerFrame {
	return ServerFrame{ID: id, Type: FrameError, Error: &ErrorFrame{Code: CodeBadFrame, Message: msg}}
}
