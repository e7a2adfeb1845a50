package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleqing/PetSitter-sub000/internal/connection"
)

type fakeConn struct{ state connection.State }

func (f fakeConn) State() connection.State { return f.state }

type fakeRooms []string

func (f fakeRooms) Active() []string { return f }

type fakeDir struct {
	n   int
	err error
}

func (f fakeDir) Len() int         { return f.n }
func (f fakeDir) LastError() error { return f.err }

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name    string
		checker *Checker
		want    Status
		healthy bool
	}{
		{
			name:    "connected",
			checker: NewChecker(fakeConn{connection.StateConnected}, fakeRooms{"c1", "c2"}, fakeDir{n: 5}),
			want:    Status{Service: "petchat", Hub: "connected", Directory: "ok", ActiveRooms: 2, Conversations: 5},
			healthy: true,
		},
		{
			name:    "reconnecting with stale directory",
			checker: NewChecker(fakeConn{connection.StateReconnecting}, fakeRooms{"c1"}, fakeDir{n: 3, err: errors.New("boom")}),
			want:    Status{Service: "petchat", Hub: "reconnecting", Directory: "stale", ActiveRooms: 1, Conversations: 3},
			healthy: false,
		},
		{
			name:    "nothing configured",
			checker: NewChecker(nil, nil, nil),
			want:    Status{Service: "petchat", Hub: "disconnected", Directory: "not configured"},
			healthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.checker.Check(context.Background())
			assert.Equal(t, tt.want, *got)
			assert.Equal(t, tt.healthy, tt.checker.IsHealthy(context.Background()))
		})
	}
}

func TestChecker_ServeHTTP(t *testing.T) {
	h := NewChecker(fakeConn{connection.StateConnecting}, nil, fakeDir{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "connecting", status.Hub)

	rec = httptest.NewRecorder()
	NewChecker(fakeConn{connection.StateConnected}, nil, nil).ReadyHandler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
