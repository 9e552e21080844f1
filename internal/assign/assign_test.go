package assign_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/assign"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"assigned":true,"agentName":"Dana","agentId":"agent-7"}`))
	}))
	defer srv.Close()

	m := metrics.NewCollector()
	c := assign.New(srv.URL, time.Second, nil, m)

	res, err := c.Assign(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, assign.Result{Assigned: true, AgentName: "Dana", AgentID: "agent-7"}, res)
	assert.Equal(t, "t1", got["ticket_id"])
	require.NotNil(t, m.Snapshot().Assignment)
}

func TestAssignUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"assigned":false}`))
	}))
	defer srv.Close()

	res, err := assign.New(srv.URL, time.Second, nil, nil).Assign(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, res.Assigned)
}

func TestAssignNameOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"assigned":true,"agentName":"Dana"}`))
	}))
	defer srv.Close()

	res, err := assign.New(srv.URL, time.Second, nil, nil).Assign(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Dana", res.AgentID)
}

func TestAssignErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"server error is transient", http.StatusBadGateway, models.ErrTransient},
		{"unauthorized", http.StatusUnauthorized, models.ErrAuthExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := assign.New(srv.URL, time.Second, nil, nil).Assign(context.Background(), "t1")
			assert.ErrorIs(t, err, tt.target)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := assign.New(url, time.Second, nil, nil).Assign(context.Background(), "t1")
		assert.ErrorIs(t, err, models.ErrTransient)
	})

	t.Run("bad request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := assign.New(srv.URL, time.Second, nil, nil).Assign(context.Background(), "t1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrTransient)
	})
}
