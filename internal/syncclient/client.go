// Package syncclient is the HTTP client for the tasksync server's push/pull
// protocol. It owns wire encoding and HTTP error classification; sync policy
// (retries, status flips, conflict handling) lives in internal/sync.
package syncclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the tasksync server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new sync client. The transport timeout is the only request
// deadline the sync engine relies on.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ChangeItem is one mutation inside a push batch.
type ChangeItem struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"` // create|update|delete
	Data      json.RawMessage `json:"data"`
}

// PushRequest is the body for POST /v1/sync/push. Changes are grouped by
// entity type; within each group submission order is FIFO. Timestamp is
// unix-ms.
type PushRequest struct {
	DeviceID    string       `json:"deviceId"`
	VectorClock vclock.Clock `json:"vectorClock"`
	Timestamp   int64        `json:"timestamp"`
	Changes     Changes      `json:"changes"`
}

// Changes groups push items by entity type.
type Changes struct {
	Tasks    []ChangeItem `json:"tasks,omitempty"`
	Comments []ChangeItem `json:"comments,omitempty"`
}

// WireConflict is a per-entity conflict reported by the server.
type WireConflict struct {
	EntityType        string          `json:"entityType"`
	EntityID          string          `json:"entityId"`
	ConflictReason    string          `json:"conflictReason"`
	ServerVersion     json.RawMessage `json:"serverVersion"`
	ServerVectorClock vclock.Clock    `json:"serverVectorClock"`
}

// PushResponse is the server's answer to a push. Processed counts durably
// applied items as a prefix over submission order.
type PushResponse struct {
	Success           bool           `json:"success"`
	Processed         int            `json:"processed"`
	Conflicts         []WireConflict `json:"conflicts,omitempty"`
	ServerVectorClock vclock.Clock   `json:"serverVectorClock"`
	Timestamp         int64          `json:"timestamp"`
}

// WireTombstone is a deletion record in a pull response. CreatedAt and
// ExpiresAt are unix-ms.
type WireTombstone struct {
	ID                string       `json:"id"`
	EntityType        string       `json:"entity_type"`
	EntityID          string       `json:"entity_id"`
	DeletedBy         string       `json:"deleted_by"`
	DeletedFromDevice string       `json:"deleted_from_device"`
	VectorClock       vclock.Clock `json:"vector_clock"`
	CreatedAt         int64        `json:"created_at"`
	ExpiresAt         int64        `json:"expires_at"`
}

// Model converts the wire form to the domain tombstone.
func (w WireTombstone) Model() models.Tombstone {
	return models.Tombstone{
		ID:                w.ID,
		EntityType:        models.EntityType(w.EntityType),
		EntityID:          w.EntityID,
		DeletedBy:         w.DeletedBy,
		DeletedFromDevice: w.DeletedFromDevice,
		Clock:             w.VectorClock,
		CreatedAt:         time.UnixMilli(w.CreatedAt).UTC(),
		ExpiresAt:         time.UnixMilli(w.ExpiresAt).UTC(),
	}
}

// PullResponse is one page of remote deltas since the requested cursor.
type PullResponse struct {
	Tasks             []json.RawMessage `json:"tasks"`
	Comments          []json.RawMessage `json:"comments"`
	Tombstones        []WireTombstone   `json:"tombstones"`
	ServerVectorClock vclock.Clock      `json:"serverVectorClock"`
	HasMore           bool              `json:"hasMore"`
	Timestamp         int64             `json:"timestamp"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck verifies server reachability.
func (c *Client) HealthCheck() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do("GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push submits one batch of local changes.
func (c *Client) Push(req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do("POST", "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DefaultPullLimit is the page size used when the caller passes limit <= 0.
const DefaultPullLimit = 100

// Pull fetches one page of remote changes and tombstones since the given
// unix-ms cursor.
func (c *Client) Pull(since int64, limit int) (*PullResponse, error) {
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	params := url.Values{}
	params.Set("since", strconv.FormatInt(since, 10))
	params.Set("limit", strconv.Itoa(limit))

	var resp PullResponse
	if err := c.do("GET", "/v1/sync/pull?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// IsAPIError reports whether err is an error response from the server, as
// opposed to a transport failure where the server never answered.
func IsAPIError(err error) bool {
	var e *apiError
	return errors.As(err, &e)
}

func (c *Client) do(method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		haveBody := json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != ""
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
		if !haveBody {
			apiErr = apiError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: string(respBody)}
		}
		return &apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
