// Package httpapi implements ports.RemoteAPI against the Tidal sync backend
// over HTTP. Every failure is classified into the sync error taxonomy so the
// engine can make retry and circuit decisions without inspecting transport
// details.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tidal-app/tidal/internal/application/ports"
	derrors "github.com/tidal-app/tidal/internal/domain/errors"
	syncdoc "github.com/tidal-app/tidal/internal/domain/sync"
)

const (
	// DefaultTimeout bounds a single push or pull round trip.
	DefaultTimeout = 15 * time.Second

	pushPathFormat = "/v1/sync/%s/push"
	pullPathFormat = "/v1/sync/%s/pull"
)

// Client talks to the sync backend. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	deviceID   string
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the round-trip timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a sync backend client.
func NewClient(baseURL, token, deviceID string, opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    baseURL,
		token:      token,
		deviceID:   deviceID,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// pushRequest is the wire form of a push batch.
type pushRequest struct {
	DeviceID  string              `json:"deviceId"`
	Documents []*syncdoc.Document `json:"documents"`
}

// pushItemResult is the server's per-document verdict.
type pushItemResult struct {
	ID     string            `json:"id"`
	Status string            `json:"status"` // "ok" or "error"
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error,omitempty"`
	Remote *syncdoc.Document `json:"remote,omitempty"`
}

type pushResponse struct {
	Results []pushItemResult `json:"results"`
}

// PushDocuments uploads local versions and reports per-item outcomes. The
// returned error covers batch-level failures only; per-item rejections are
// reported in PushResult.Failed.
func (c *Client) PushDocuments(ctx context.Context, collection string, docs []*syncdoc.Document) (*ports.PushResult, error) {
	body, err := json.Marshal(pushRequest{DeviceID: c.deviceID, Documents: docs})
	if err != nil {
		return nil, derrors.Wrap(derrors.CodeValidation, "could not encode push batch", err)
	}

	resp, err := c.do(ctx, fmt.Sprintf(pushPathFormat, url.PathEscape(collection)), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp)
	}

	var wire pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, derrors.Wrap(derrors.CodeUnknown, "could not decode push response", err)
	}

	result := &ports.PushResult{}
	for _, item := range wire.Results {
		if item.Status == "ok" {
			result.Succeeded = append(result.Succeeded, item.ID)
			continue
		}
		result.Failed = append(result.Failed, ports.PushFailure{
			ID:     item.ID,
			Remote: item.Remote,
			Err:    derrors.New(itemCode(item.Code), item.Error),
		})
	}
	return result, nil
}

// pullRequest is the wire form of a pull-since query.
type pullRequest struct {
	DeviceID      string    `json:"deviceId"`
	Since         time.Time `json:"since"`
	ServerVersion string    `json:"serverVersion,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

type pullResponse struct {
	Documents  []*syncdoc.Document `json:"documents"`
	DeletedIDs []string            `json:"deletedIds"`
	Checkpoint ports.Checkpoint    `json:"checkpoint"`
	HasMore    bool                `json:"hasMore"`
}

// PullChanges returns remote changes since the checkpoint. A zero
// LastPulledAt requests the full collection.
func (c *Client) PullChanges(ctx context.Context, collection string, since ports.Checkpoint) (*ports.PullPage, error) {
	body, err := json.Marshal(pullRequest{
		DeviceID:      c.deviceID,
		Since:         since.LastPulledAt,
		ServerVersion: since.ServerVersion,
	})
	if err != nil {
		return nil, derrors.Wrap(derrors.CodeValidation, "could not encode pull request", err)
	}

	resp, err := c.do(ctx, fmt.Sprintf(pullPathFormat, url.PathEscape(collection)), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp)
	}

	var wire pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, derrors.Wrap(derrors.CodeUnknown, "could not decode pull response", err)
	}

	page := &ports.PullPage{
		Documents:  wire.Documents,
		DeletedIDs: wire.DeletedIDs,
		Checkpoint: wire.Checkpoint,
		HasMore:    wire.HasMore,
	}
	page.Checkpoint.Collection = collection
	return page, nil
}

// do performs one POST round trip with auth headers. Transport failures are
// classified as NETWORK_ERROR or TIMEOUT; the engine's queue handles retries,
// so the client itself never retries.
func (c *Client) do(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, derrors.Wrap(derrors.CodeUnknown, "could not create request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Tidal-Device", c.deviceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, derrors.Wrap(derrors.CodeTimeout, "request timed out", err)
		}
		return nil, derrors.Wrap(derrors.CodeNetwork, "request failed", err)
	}
	return resp, nil
}

// errorResponse is the backend's error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyStatus turns a non-200 response into a taxonomy error. The body's
// code, when present and recognized, takes precedence over the status line.
func (c *Client) classifyStatus(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return derrors.New(statusCode(resp.StatusCode),
			fmt.Sprintf("HTTP %d: could not read error response", resp.StatusCode))
	}

	var wire errorResponse
	if err := json.Unmarshal(body, &wire); err != nil || wire.Code == "" {
		return derrors.New(statusCode(resp.StatusCode),
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)))
	}

	code := derrors.Code(wire.Code)
	if !knownCodes[code] {
		code = statusCode(resp.StatusCode)
	}
	return derrors.New(code, wire.Message)
}

var knownCodes = map[derrors.Code]bool{
	derrors.CodeNetwork:        true,
	derrors.CodeTimeout:        true,
	derrors.CodeUnauthorized:   true,
	derrors.CodeSessionExpired: true,
	derrors.CodeValidation:     true,
	derrors.CodeRLSViolation:   true,
	derrors.CodeConflict:       true,
	derrors.CodeNotFound:       true,
	derrors.CodeStorageFull:    true,
	derrors.CodeQueueOverflow:  true,
	derrors.CodeUnknown:        true,
}

// statusCode maps an HTTP status to its taxonomy code.
func statusCode(status int) derrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return derrors.CodeUnauthorized
	case http.StatusForbidden:
		return derrors.CodeRLSViolation
	case http.StatusNotFound:
		return derrors.CodeNotFound
	case http.StatusConflict:
		return derrors.CodeConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return derrors.CodeValidation
	case http.StatusInsufficientStorage:
		return derrors.CodeStorageFull
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return derrors.CodeTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return derrors.CodeNetwork
	default:
		return derrors.CodeUnknown
	}
}

// itemCode maps a per-item code string, defaulting to UNKNOWN_ERROR.
func itemCode(code string) derrors.Code {
	c := derrors.Code(code)
	if knownCodes[c] {
		return c
	}
	return derrors.CodeUnknown
}

func isTimeout(err error) bool {
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// HealthCheck verifies backend reachability with an empty pull against the
// special _ping collection.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.PullChanges(ctx, "_ping", ports.Checkpoint{})
	return err
}
