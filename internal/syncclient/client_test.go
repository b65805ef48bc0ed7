package syncclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/tasksync/internal/vclock"
)

func TestClientSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-ID")
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", "dev-1")
	resp, err := c.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "dev-1", gotDevice)
}

func TestClientStatusSentinels(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]string{"code": "nope", "message": "denied"})
		}))
		c := New(srv.URL, "k", "d")
		_, err := c.HealthCheck()
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestClientAPIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"code": "internal", "message": "spilled"})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "d")
	_, err := c.Pull(0, 10)
	require.Error(t, err)
	assert.True(t, IsAPIError(err), "want structured API error, got %v", err)
	assert.Contains(t, err.Error(), "spilled")
}

func TestClientTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, "k", "d")
	_, err := c.HealthCheck()
	require.Error(t, err)
	assert.False(t, IsAPIError(err))
	assert.False(t, errors.Is(err, ErrForbidden))
}

func TestPullEncodesCursor(t *testing.T) {
	var gotSince, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(PullResponse{ServerVectorClock: vclock.New()})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "d")
	_, err := c.Pull(1234, 0)
	require.NoError(t, err)
	assert.Equal(t, "1234", gotSince)
	assert.Equal(t, "100", gotLimit, "zero limit falls back to the default page size")
}

func TestWireTombstoneModel(t *testing.T) {
	w := WireTombstone{
		ID:         "ts-1",
		EntityType: "task",
		EntityID:   "t-9",
		DeletedBy:  "dev-a",
		CreatedAt:  1700000000000,
		ExpiresAt:  1707776000000,
	}
	m := w.Model()
	assert.Equal(t, "t-9", m.EntityID)
	assert.Equal(t, int64(1700000000000), m.CreatedAt.UnixMilli())
	assert.Equal(t, int64(1707776000000), m.ExpiresAt.UnixMilli())
}
