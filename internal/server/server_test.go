package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/marcus/tasksync/internal/syncclient"
	"github.com/marcus/tasksync/internal/vclock"
)

func setupHandler(t *testing.T) http.Handler {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	store, err := StoreFromConn(conn)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{APIToken: "write-token", ReadOnlyToken: "read-token"}, store)
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path, token, deviceID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pushBody(deviceID string) *syncclient.PushRequest {
	data, _ := json.Marshal(map[string]any{
		"id":           "t1",
		"title":        "hello",
		"version":      int64(1),
		"vector_clock": vclock.Clock{deviceID: 1},
	})
	return &syncclient.PushRequest{
		DeviceID:    deviceID,
		VectorClock: vclock.Clock{deviceID: 1},
		Changes: syncclient.Changes{
			Tasks: []syncclient.ChangeItem{{ID: "t1", Operation: "create", Data: data}},
		},
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := setupHandler(t)
	rec := doRequest(t, h, "GET", "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := setupHandler(t)
	cases := []struct {
		name     string
		method   string
		path     string
		token    string
		deviceID string
		body     any
		want     int
	}{
		{"push without token", "POST", "/v1/sync/push", "", "dev-a", pushBody("dev-a"), http.StatusUnauthorized},
		{"push with bad token", "POST", "/v1/sync/push", "wrong", "dev-a", pushBody("dev-a"), http.StatusUnauthorized},
		{"push with read token", "POST", "/v1/sync/push", "read-token", "dev-a", pushBody("dev-a"), http.StatusForbidden},
		{"push without device id", "POST", "/v1/sync/push", "write-token", "", pushBody("dev-a"), http.StatusBadRequest},
		{"push ok", "POST", "/v1/sync/push", "write-token", "dev-a", pushBody("dev-a"), http.StatusOK},
		{"pull without token", "GET", "/v1/sync/pull?since=0", "", "dev-a", nil, http.StatusUnauthorized},
		{"pull with read token", "GET", "/v1/sync/pull?since=0", "read-token", "dev-a", nil, http.StatusOK},
		{"pull with write token", "GET", "/v1/sync/pull?since=0", "write-token", "dev-a", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, tc.method, tc.path, tc.token, tc.deviceID, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestPushThenPull(t *testing.T) {
	h := setupHandler(t)

	rec := doRequest(t, h, "POST", "/v1/sync/push", "write-token", "dev-a", pushBody("dev-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("push = %d: %s", rec.Code, rec.Body.String())
	}
	var pushResp syncclient.PushResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pushResp); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if !pushResp.Success || pushResp.Processed != 1 {
		t.Errorf("push response = %+v, want success with 1 processed", pushResp)
	}

	rec = doRequest(t, h, "GET", "/v1/sync/pull?since=0&limit=10", "read-token", "dev-b", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pull = %d: %s", rec.Code, rec.Body.String())
	}
	var pullResp syncclient.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pullResp); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(pullResp.Tasks) != 1 {
		t.Fatalf("pulled tasks = %d, want 1", len(pullResp.Tasks))
	}
	if pullResp.ServerVectorClock.Get("dev-a") != 1 {
		t.Errorf("server clock = %v", pullResp.ServerVectorClock)
	}
}

func TestPullRejectsBadCursor(t *testing.T) {
	h := setupHandler(t)
	rec := doRequest(t, h, "GET", "/v1/sync/pull?since=banana", "read-token", "dev-a", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
