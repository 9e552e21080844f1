package db

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// models sentinel so callers can branch with errors.Is. Errors that are not
// query errors are treated as transport failures and marked transient.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		switch {
		case strings.Contains(msg, "already contains"), strings.Contains(msg, "already exists"):
			return fmt.Errorf("%w: %s", models.ErrConflict, msg)
		case strings.Contains(msg, "Transaction conflict"):
			return fmt.Errorf("%w: %w: %s", models.ErrConflict, models.ErrTransient, msg)
		case strings.Contains(msg, "IAM error"), strings.Contains(msg, "Not enough permissions"):
			return fmt.Errorf("%w: %s", models.ErrAuthExpired, msg)
		case strings.Contains(msg, "must conform to"), strings.HasPrefix(msg, "Found "):
			return fmt.Errorf("%w: %s", models.ErrValidation, msg)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", models.ErrTransient, err)
	}
	if strings.Contains(err.Error(), "token has expired") {
		return fmt.Errorf("%w: %w", models.ErrAuthExpired, err)
	}
	return fmt.Errorf("%w: %w", models.ErrTransient, err)
}
