// Package server exposes chat sessions to browsers and agent consoles over
// websockets, plus a small HTTP surface for ticket listings and stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/raphaelgruber/chatsync/internal/service"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	maxFrameBytes     = 64 << 10
	sendBuffer        = 256
	openTimeout       = 15 * time.Second
	healthPingTimeout = 3 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the gateway. Zero values select the defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// Health is probed by /health when set.
	Health Pinger
	// CheckOrigin overrides the websocket origin check. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool
	WriteWait   time.Duration
	PongWait    time.Duration
}

// Server routes websocket clients to sessions of a service.Manager.
type Server struct {
	manager  *service.Manager
	logger   *slog.Logger
	metrics  *metrics.Collector
	health   Pinger
	upgrader websocket.Upgrader

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

// New creates a gateway for manager.
func New(manager *service.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		manager: manager,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		health:  opts.Health,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeWait:  opts.WriteWait,
		pongWait:   opts.PongWait,
		pingPeriod: opts.PongWait * 9 / 10,
	}
}

// Handler returns the HTTP handler with all routes and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/customer", s.handleCustomer)
	mux.HandleFunc("GET /ws/agent", s.handleAgent)
	mux.HandleFunc("GET /tickets", s.handleTickets)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	return LoggingMiddleware(s.logger)(mux)
}

func (s *Server) handleCustomer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := service.Participant{
		Role:     service.RoleCustomer,
		ID:       q.Get("user_id"),
		Name:     q.Get("name"),
		ClientID: clientID(q.Get("client_id")),
	}
	if p.ID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), openTimeout)
	defer cancel()
	sess, err := s.manager.OpenForCustomer(ctx, p)
	if err != nil {
		s.openFailed(w, err)
		return
	}
	s.serveSession(w, r, sess)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticketID := q.Get("ticket_id")
	p := service.Participant{
		Role:     service.RoleAgent,
		ID:       q.Get("agent_id"),
		Name:     q.Get("agent_name"),
		ClientID: clientID(q.Get("client_id")),
	}
	if ticketID == "" || p.ID == "" {
		http.Error(w, "ticket_id and agent_id are required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), openTimeout)
	defer cancel()
	sess, err := s.manager.Open(ctx, ticketID, p)
	if err != nil {
		s.openFailed(w, err)
		return
	}
	s.serveSession(w, r, sess)
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		sess.Close()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(s, ws, sess)
	c.run()
}

func (s *Server) openFailed(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrAuthExpired):
		status = http.StatusUnauthorized
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Error("open session failed", "error", err)
		http.Error(w, "temporarily unavailable", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	status := models.TicketStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "status must be open or closed", http.StatusBadRequest)
		return
	}
	tickets, err := s.manager.Tickets(r.Context(), status)
	if err != nil {
		s.logger.Error("list tickets failed", "error", err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]models.WireTicket, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.ToWire())
	}
	writeJSON(w, out)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

// clientID keeps one session per browser tab; tabs that do not identify
// themselves get a fresh id and never replace each other.
func clientID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
