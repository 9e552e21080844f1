package db

import (
	"errors"
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestWrapQueryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "unique index",
			err:  &surrealdb.QueryError{Message: "Database index `support_message_correlation` already contains ['t1', 'c1']"},
			want: models.ErrConflict,
		},
		{
			name: "transaction conflict",
			err:  &surrealdb.QueryError{Message: "Transaction conflict: resource busy"},
			want: models.ErrTransient,
		},
		{
			name: "permissions",
			err:  &surrealdb.QueryError{Message: "IAM error: Not enough permissions to perform this action"},
			want: models.ErrAuthExpired,
		},
		{
			name: "assertion",
			err:  &surrealdb.QueryError{Message: "Found 7 for field `rating`, with record `support_ticket:x`, but field must conform to: $value <= 5"},
			want: models.ErrValidation,
		},
		{
			name: "transport",
			err:  errors.New("websocket: close 1006 (abnormal closure)"),
			want: models.ErrTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, wrapQueryError(tt.err), tt.want)
		})
	}

	assert.NoError(t, wrapQueryError(nil))
}

func TestRowConversion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agent := "a1"
	rating := 4
	tr := ticketRow{
		ID:              surrealmodels.NewRecordID(ticketTable, "t1"),
		UserID:          "u1",
		Status:          "closed",
		ChatMode:        "agent",
		AssignedAgentID: &agent,
		Rating:          &rating,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tk, err := tr.toModel()
	require.NoError(t, err)
	assert.Equal(t, "t1", tk.ID)
	assert.True(t, tk.Closed())
	assert.Equal(t, "a1", tk.AssignedAgentID)

	tr.ChatMode = "unknown"
	_, err = tr.toModel()
	assert.ErrorIs(t, err, models.ErrValidation)

	name := "a.png"
	url := "https://files.example/a.png"
	mr := messageRow{
		ID:            surrealmodels.NewRecordID(messageTable, "m1"),
		TicketID:      "t1",
		CorrelationID: "c1",
		SenderType:    "staff",
		FileURL:       &url,
		FileName:      &name,
		CreatedAt:     now,
	}
	msg, err := mr.toModel()
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, models.StateConfirmed, msg.State)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, url, msg.Attachment.URL)

	mr.ID = surrealmodels.NewRecordID(messageTable, 42)
	_, err = mr.toModel()
	assert.Error(t, err)
}
