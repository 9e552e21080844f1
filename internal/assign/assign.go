// Package assign is an HTTP client for the agent-assignment service. The
// service owns the ranking policy; this package only asks it for an agent.
package assign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
)

// Result is the service's answer for one ticket.
type Result struct {
	Assigned  bool   `json:"assigned"`
	AgentName string `json:"agentName,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

type assignRequest struct {
	TicketID string `json:"ticket_id"`
}

// Client calls the assignment endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// New creates a client posting to endpoint.
func New(endpoint string, timeout time.Duration, logger *slog.Logger, m *metrics.Collector) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    m,
	}
}

// Assign asks the service to assign an agent to ticketID. A response with
// Assigned=false is not an error. Transport failures and 5xx responses wrap
// models.ErrTransient.
func (c *Client) Assign(ctx context.Context, ticketID string) (Result, error) {
	start := time.Now()
	defer c.metrics.Since(metrics.OpAssignment, start)

	reqBody, err := json.Marshal(assignRequest{TicketID: ticketID})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("assign %s: %w: %v", ticketID, models.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w: %v", models.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("assign %s: %w: %s", ticketID, models.ErrAuthExpired, resp.Status)
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("assign %s: %w: %s - %s", ticketID, models.ErrTransient, resp.Status, string(body))
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("assign %s: server error: %s - %s", ticketID, resp.Status, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Assigned && result.AgentID == "" {
		// Some deployments only return a display name.
		result.AgentID = result.AgentName
	}

	c.logger.Debug("assignment answered", "ticket", ticketID, "assigned", result.Assigned, "agent", result.AgentName)
	return result, nil
}
