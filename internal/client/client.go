// Package client talks to a chatsync gateway: ticket listings and stats over
// HTTP, live conversations over a websocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/server"
)

const frameBuffer = 64

// ErrClosed is returned by requests on a conversation that has ended.
var ErrClosed = errors.New("conversation closed")

// Client is an HTTP and websocket client for a chatsync gateway.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses CHATSYNC_SERVER_URL env var or defaults to localhost:8080.
// Timeout can be configured via CHATSYNC_CLIENT_TIMEOUT env var (default 30s).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("CHATSYNC_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("CHATSYNC_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the gateway base URL.
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Tickets lists tickets, most recently updated first. An empty status lists
// all of them.
func (c *Client) Tickets(ctx context.Context, status models.TicketStatus) ([]models.WireTicket, error) {
	path := "/tickets"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []models.WireTicket
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}

// Stats returns the gateway's runtime statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var out metrics.Snapshot
	if err := c.get(ctx, "/stats", &out); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &out, nil
}

// Health checks that the gateway and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// JoinOptions identifies who joins a conversation. Customers are routed to
// their open ticket; agents name the ticket.
type JoinOptions struct {
	UserID    string
	TicketID  string
	AgentID   string
	AgentName string
	ClientID  string
}

func (o JoinOptions) path() (string, error) {
	q := url.Values{}
	if o.ClientID != "" {
		q.Set("client_id", o.ClientID)
	}
	switch {
	case o.AgentID != "":
		if o.TicketID == "" {
			return "", fmt.Errorf("%w: agents must name a ticket", models.ErrValidation)
		}
		q.Set("ticket_id", o.TicketID)
		q.Set("agent_id", o.AgentID)
		if o.AgentName != "" {
			q.Set("agent_name", o.AgentName)
		}
		return "/ws/agent?" + q.Encode(), nil
	case o.UserID != "":
		q.Set("user_id", o.UserID)
		return "/ws/customer?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("%w: user or agent id is required", models.ErrValidation)
	}
}

// Conversation is a live websocket session on one ticket.
type Conversation struct {
	conn   *websocket.Conn
	frames chan server.ServerFrame

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
}

// Join opens a live conversation. The first frame is always the snapshot.
func (c *Client) Join(ctx context.Context, opts JoinOptions) (*Conversation, error) {
	path, err := opts.path()
	if err != nil {
		return nil, err
	}

	// Convert HTTP endpoint to WebSocket endpoint
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsEndpoint+path, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("websocket connect: %s - %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	conv := &Conversation{
		conn:   conn,
		frames: make(chan server.ServerFrame, frameBuffer),
		done:   make(chan struct{}),
	}
	go conv.readLoop()
	return conv, nil
}

// Frames delivers server frames until the conversation ends.
func (cv *Conversation) Frames() <-chan server.ServerFrame { return cv.frames }

// Err returns why the conversation ended, or nil after a clean Close.
func (cv *Conversation) Err() error {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.err
}

func (cv *Conversation) readLoop() {
	defer close(cv.frames)
	for {
		var f server.ServerFrame
		if err := cv.conn.ReadJSON(&f); err != nil {
			cv.mu.Lock()
			if !cv.closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cv.err = fmt.Errorf("read frame: %w", err)
			}
			cv.mu.Unlock()
			return
		}
		select {
		case cv.frames <- f:
		case <-cv.done:
			return
		}
	}
}

// Close ends the conversation. Idempotent.
func (cv *Conversation) Close() error {
	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return nil
	}
	cv.closed = true
	close(cv.done)
	cv.mu.Unlock()

	cv.writeMu.Lock()
	_ = cv.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	cv.writeMu.Unlock()
	return cv.conn.Close()
}

// request writes f with a fresh id and returns the id; answers carry it.
func (cv *Conversation) request(f server.ClientFrame) (string, error) {
	cv.mu.Lock()
	closed := cv.closed
	cv.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	cv.writeMu.Lock()
	defer cv.writeMu.Unlock()
	if err := cv.conn.WriteJSON(f); err != nil {
		return "", fmt.Errorf("send %s: %w", f.Type, err)
	}
	return f.ID, nil
}

// Send posts a message.
func (cv *Conversation) Send(body string, attachment *models.Attachment) (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameSend, Message: body, Attachment: attachment})
}

// Retry re-sends a failed message.
func (cv *Conversation) Retry(correlationID string) (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameRetry, CorrelationID: correlationID})
}

// Typing reports a keystroke.
func (cv *Conversation) Typing() error {
	_, err := cv.request(server.ClientFrame{Type: server.FrameTyping})
	return err
}

// ClearCompose reports an emptied compose box.
func (cv *Conversation) ClearCompose() error {
	_, err := cv.request(server.ClientFrame{Type: server.FrameClear})
	return err
}

// RequestAgent asks for a live agent.
func (cv *Conversation) RequestAgent() (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameEscalate})
}

// Claim assigns the ticket to the joined agent.
func (cv *Conversation) Claim() (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameClaim})
}

// CloseTicket closes the ticket.
func (cv *Conversation) CloseTicket() (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameClose})
}

// Rate submits a 1..5 rating for a closed ticket.
func (cv *Conversation) Rate(rating int) (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameRate, Rating: rating})
}

// MarkRead marks the other side's messages as read.
func (cv *Conversation) MarkRead() (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameRead})
}

// Reconnect asks the server to resubscribe the conversation's change feed.
func (cv *Conversation) Reconnect() (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameReconnect})
}

// Reauthenticated tells the server that credentials were refreshed.
func (cv *Conversation) Reauthenticated() (string, error) {
	return cv.request(server.ClientFrame{Type: server.FrameReauth})
}

// Watch joins a conversation and invokes onFrame for every frame until the
// context is cancelled or the server ends it. Return an error from onFrame to
// stop watching.
func (c *Client) Watch(ctx context.Context, opts JoinOptions, onFrame func(server.ServerFrame) error) error {
	conv, err := c.Join(ctx, opts)
	if err != nil {
		return err
	}
	defer conv.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-conv.Frames():
			if !ok {
				return conv.Err()
			}
			if err := onFrame(f); err != nil {
				return err
			}
		}
	}
}
