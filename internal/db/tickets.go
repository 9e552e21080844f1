package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// OpenOrCreateTicket returns the user's open ticket or creates one in bot
// mode. The open_key unique index makes concurrent creations converge.
func (c *Client) OpenOrCreateTicket(ctx context.Context, userID string) (models.Ticket, error) {
	if userID == "" {
		return models.Ticket{}, fmt.Errorf("open ticket: %w: user id is required", models.ErrValidation)
	}
	if t, ok, err := c.findOpenTicket(ctx, userID); err != nil || ok {
		return t, err
	}

	start := time.Now()
	results, err := surrealdb.Query[[]ticketRow](ctx, c.db, `
		CREATE type::record("support_ticket", $id) SET
			user_id = $user_id,
			status = 'open',
			chat_mode = 'bot'
		RETURN AFTER
	`, map[string]any{"id": uuid.NewString(), "user_id": userID})
	c.metrics.Since(metrics.OpDBWrite, start)
	if err != nil {
		err = wrapQueryError(err)
		if errors.Is(err, models.ErrConflict) {
			// Lost the race to a concurrent creation; use the winner.
			t, ok, ferr := c.findOpenTicket(ctx, userID)
			if ferr == nil && ok {
				return t, nil
			}
		}
		return models.Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return models.Ticket{}, fmt.Errorf("create ticket: %w: no row returned", models.ErrTransient)
	}
	return rows[0].toModel()
}

func (c *Client) findOpenTicket(ctx context.Context, userID string) (models.Ticket, bool, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]ticketRow](ctx, c.db, `
		SELECT * FROM support_ticket WHERE user_id = $user_id AND status = 'open' LIMIT 1
	`, map[string]any{"user_id": userID})
	c.metrics.Since(metrics.OpDBQuery, start)
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("find open ticket: %w", wrapQueryError(err))
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return models.Ticket{}, false, nil
	}
	t, err := rows[0].toModel()
	return t, err == nil, err
}

// GetTicket returns a ticket by id.
func (c *Client) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]ticketRow](ctx, c.db, `
		SELECT * FROM type::record("support_ticket", $id)
	`, map[string]any{"id": ticketID})
	c.metrics.Since(metrics.OpDBQuery, start)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("get ticket: %w", wrapQueryError(err))
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return models.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
	}
	return rows[0].toModel()
}

// ListTickets returns tickets with the given status (all when empty),
// most recently updated first.
func (c *Client) ListTickets(ctx context.Context, status models.TicketStatus) ([]models.Ticket, error) {
	statusClause := ""
	vars := map[string]any{}
	if status != "" {
		statusClause = "WHERE status = $status"
		vars["status"] = string(status)
	}
	sql := fmt.Sprintf(`SELECT * FROM support_ticket %s ORDER BY updated_at DESC`, statusClause)

	start := time.Now()
	results, err := surrealdb.Query[[]ticketRow](ctx, c.db, sql, vars)
	c.metrics.Since(metrics.OpDBQuery, start)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", wrapQueryError(err))
	}
	return ticketsFromRows(firstResult(results))
}

// UpdatePresence merges a presence patch field by field, so writers for
// different flags never overwrite each other.
func (c *Client) UpdatePresence(ctx context.Context, ticketID string, patch models.PresencePatch) error {
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil
	}
	vars := map[string]any{"id": ticketID}
	sets := make([]string, 0, len(fields)+1)
	for name, v := range fields {
		sets = append(sets, fmt.Sprintf("presence.%s = $%s", name, name))
		vars[name] = v
	}
	sets = append(sets, "updated_at = time::now()")
	sql := fmt.Sprintf(`
		UPDATE type::record("support_ticket", $id) SET %s
		WHERE status = 'open'
		RETURN AFTER
	`, strings.Join(sets, ", "))

	_, ok, err := c.updateTicket(ctx, "update presence", sql, vars)
	if err != nil || ok {
		return err
	}
	_, err = c.openTicket(ctx, ticketID, "update presence")
	return err
}

// SetChatMode moves an open ticket from one mode to another. It reports
// false without error when the ticket is no longer in mode from.
func (c *Client) SetChatMode(ctx context.Context, ticketID string, from, to models.ChatMode) (models.Ticket, bool, error) {
	t, ok, err := c.updateTicket(ctx, "set chat mode", `
		UPDATE type::record("support_ticket", $id) SET
			chat_mode = $to,
			updated_at = time::now()
		WHERE status = 'open' AND chat_mode = $from
		RETURN AFTER
	`, map[string]any{"id": ticketID, "from": string(from), "to": string(to)})
	if err != nil || ok {
		return t, ok, err
	}
	t, err = c.openTicket(ctx, ticketID, "set chat mode")
	return t, false, err
}

// AssignAgent assigns agentID and switches the ticket to agent mode, unless
// an agent is already assigned.
func (c *Client) AssignAgent(ctx context.Context, ticketID, agentID string) (models.Ticket, bool, error) {
	t, ok, err := c.updateTicket(ctx, "assign agent", `
		UPDATE type::record("support_ticket", $id) SET
			assigned_agent_id = $agent_id,
			chat_mode = 'agent',
			updated_at = time::now()
		WHERE status = 'open' AND assigned_agent_id IS NONE
		RETURN AFTER
	`, map[string]any{"id": ticketID, "agent_id": agentID})
	if err != nil || ok {
		return t, ok, err
	}
	t, err = c.openTicket(ctx, ticketID, "assign agent")
	return t, false, err
}

// CloseTicket closes a ticket and clears both typing flags. Closing a
// closed ticket is a no-op.
func (c *Client) CloseTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	t, ok, err := c.updateTicket(ctx, "close ticket", `
		UPDATE type::record("support_ticket", $id) SET
			status = 'closed',
			presence.user_typing = false,
			presence.agent_typing = false,
			updated_at = time::now()
		WHERE status = 'open'
		RETURN AFTER
	`, map[string]any{"id": ticketID})
	if err != nil || ok {
		return t, err
	}
	return c.GetTicket(ctx, ticketID)
}

// RateTicket records the satisfaction rating of a closed ticket, once.
func (c *Client) RateTicket(ctx context.Context, ticketID string, rating int) (models.Ticket, error) {
	current, err := c.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := models.ValidateRating(current, rating); err != nil {
		return models.Ticket{}, fmt.Errorf("rate ticket: %w", err)
	}
	t, ok, err := c.updateTicket(ctx, "rate ticket", `
		UPDATE type::record("support_ticket", $id) SET
			rating = $rating,
			updated_at = time::now()
		WHERE status = 'closed' AND rating IS NONE
		RETURN AFTER
	`, map[string]any{"id": ticketID, "rating": rating})
	if err != nil {
		return models.Ticket{}, err
	}
	if !ok {
		return models.Ticket{}, fmt.Errorf("rate ticket: %w: ticket %s already rated", models.ErrConflict, ticketID)
	}
	return t, nil
}

// updateTicket runs a conditional UPDATE and reports whether a row matched.
func (c *Client) updateTicket(ctx context.Context, op, sql string, vars map[string]any) (models.Ticket, bool, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]ticketRow](ctx, c.db, sql, vars)
	c.metrics.Since(metrics.OpDBWrite, start)
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("%s: %w", op, wrapQueryError(err))
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return models.Ticket{}, false, nil
	}
	t, err := rows[0].toModel()
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return t, true, nil
}

// openTicket loads a ticket and fails with ErrTicketClosed if it is closed.
func (c *Client) openTicket(ctx context.Context, ticketID, op string) (models.Ticket, error) {
	t, err := c.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if t.Closed() {
		return models.Ticket{}, fmt.Errorf("%s: %w", op, models.ErrTicketClosed)
	}
	return t, nil
}
