package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// ListMessages returns a ticket's messages in canonical order.
func (c *Client) ListMessages(ctx context.Context, ticketID string) ([]models.Message, error) {
	if _, err := c.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := surrealdb.Query[[]messageRow](ctx, c.db, `
		SELECT * FROM support_message WHERE ticket_id = $ticket_id ORDER BY created_at ASC
	`, map[string]any{"ticket_id": ticketID})
	c.metrics.Since(metrics.OpDBQuery, start)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", wrapQueryError(err))
	}
	msgs, err := messagesFromRows(firstResult(results))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	// Record ids are not ordered by the database; settle created_at ties here.
	slices.SortStableFunc(msgs, models.Compare)
	return msgs, nil
}

// InsertMessage persists msg. Writing a correlation id that was already
// written returns the existing record instead of a duplicate.
func (c *Client) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if !msg.Sender.Valid() {
		return models.Message{}, fmt.Errorf("insert message: %w: unknown sender %q", models.ErrValidation, msg.Sender)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	t, err := c.GetTicket(ctx, msg.TicketID)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if existing, ok, err := c.findByCorrelation(ctx, msg.TicketID, msg.CorrelationID); err != nil || ok {
		return existing, err
	}
	if t.Closed() {
		return models.Message{}, fmt.Errorf("insert message: %w", models.ErrTicketClosed)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	vars := map[string]any{
		"id":             uuid.NewString(),
		"ticket_id":      msg.TicketID,
		"correlation_id": msg.CorrelationID,
		"sender_type":    string(msg.Sender),
		"message":        msg.Body,
		"created_at":     msg.CreatedAt,
	}
	attachClause := ""
	if msg.Attachment != nil {
		attachClause = ", file_url = $file_url, file_name = $file_name"
		vars["file_url"] = msg.Attachment.URL
		vars["file_name"] = msg.Attachment.Name
	}
	sql := fmt.Sprintf(`
		CREATE type::record("support_message", $id) SET
			ticket_id = $ticket_id,
			correlation_id = $correlation_id,
			sender_type = $sender_type,
			message = $message,
			created_at = $created_at%s
		RETURN AFTER
	`, attachClause)

	start := time.Now()
	results, err := surrealdb.Query[[]messageRow](ctx, c.db, sql, vars)
	c.metrics.Since(metrics.OpDBWrite, start)
	if err != nil {
		err = wrapQueryError(err)
		if errors.Is(err, models.ErrConflict) {
			// A retry of the same send raced us to the unique index.
			if existing, ok, ferr := c.findByCorrelation(ctx, msg.TicketID, msg.CorrelationID); ferr == nil && ok {
				return existing, nil
			}
		}
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return models.Message{}, fmt.Errorf("insert message: %w: no row returned", models.ErrTransient)
	}
	c.touch(ctx, msg.TicketID)
	return rows[0].toModel()
}

func (c *Client) findByCorrelation(ctx context.Context, ticketID, correlationID string) (models.Message, bool, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]messageRow](ctx, c.db, `
		SELECT * FROM support_message
		WHERE ticket_id = $ticket_id AND correlation_id = $correlation_id
		LIMIT 1
	`, map[string]any{"ticket_id": ticketID, "correlation_id": correlationID})
	c.metrics.Since(metrics.OpDBQuery, start)
	if err != nil {
		return models.Message{}, false, fmt.Errorf("find message: %w", wrapQueryError(err))
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return models.Message{}, false, nil
	}
	m, err := rows[0].toModel()
	return m, err == nil, err
}

// MarkRead marks every message not written by reader's side as read and
// returns how many changed.
func (c *Client) MarkRead(ctx context.Context, ticketID string, reader models.SenderType) (int, error) {
	if _, err := c.GetTicket(ctx, ticketID); err != nil {
		return 0, err
	}
	senders := readableSenders(reader)
	if len(senders) == 0 {
		return 0, nil
	}
	start := time.Now()
	results, err := surrealdb.Query[[]messageRow](ctx, c.db, `
		UPDATE support_message SET is_read = true
		WHERE ticket_id = $ticket_id AND is_read = false AND sender_type IN $senders
		RETURN AFTER
	`, map[string]any{"ticket_id": ticketID, "senders": senders})
	c.metrics.Since(metrics.OpDBWrite, start)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", wrapQueryError(err))
	}
	return len(firstResult(results)), nil
}

// readableSenders lists the senders whose messages reader's side receives.
func readableSenders(reader models.SenderType) []string {
	switch reader {
	case models.SenderUser:
		return []string{string(models.SenderStaff), string(models.SenderBot)}
	case models.SenderStaff:
		return []string{string(models.SenderUser)}
	default:
		return nil
	}
}

// touch bumps the ticket's updated_at so ticket lists sort by activity.
func (c *Client) touch(ctx context.Context, ticketID string) {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("support_ticket", $id) SET updated_at = time::now() WHERE status = 'open'
	`, map[string]any{"id": ticketID})
	if err != nil {
		c.slog.Debug("touch ticket failed", "ticket", ticketID, "error", err)
	}
}
