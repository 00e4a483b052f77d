// Package client is the official Go SDK for tileflow.
//
// # Quick start
//
//	c := client.New("http://localhost:8400")
//
//	// Seed a bounding box
//	job, err := c.CreateJob(ctx, client.JobSpec{
//	    Source:  "osm",
//	    BBox:    client.BBox{MinLon: 13.0, MinLat: 52.3, MaxLon: 13.8, MaxLat: 52.7},
//	    MinZoom: 8,
//	    MaxZoom: 14,
//	})
//
//	// Block until it settles
//	job, err = c.WaitJob(ctx, job.ID, time.Second)
//
//	// Read a seeded tile back out of the cache
//	data, err := c.Tile(ctx, "osm", 12, 2200, 1343)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the tileflow server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tileflow: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (job already finished)
// from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ErrEmptyTile is returned by Tile for negative cache entries: the source
// confirmed it has no tile at that address.
var ErrEmptyTile = errors.New("tileflow: tile is empty")

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the tileflow API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the tileflow daemon at baseURL.
//
//	c := client.New("http://localhost:8400")
//	c := client.New("http://tiles.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// BBox is a geographic bounding box in lon/lat degrees.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// JobSpec describes a seeding job to create.
type JobSpec struct {
	// Source is the ID of a tile source configured on the server.
	Source string `json:"source"`

	// BBox is the area to seed.
	BBox BBox `json:"bbox"`

	// MinZoom and MaxZoom bound the zoom levels covered (inclusive).
	MinZoom uint32 `json:"min_zoom"`
	MaxZoom uint32 `json:"max_zoom"`

	// CallbackURL, when set, receives a webhook once the job finishes.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Job states as reported by the server.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobCanceled  = "canceled"
)

// Job is a snapshot of one seeding job.
type Job struct {
	ID          string
	Source      string
	BBox        BBox
	MinZoom     uint32
	MaxZoom     uint32
	CallbackURL string

	// State is one of the Job* constants.
	State string

	TilesTotal  int64
	TilesIssued int64
	TilesLoaded int64
	TilesEmpty  int64
	TilesFailed int64

	CreatedAt  time.Time
	FinishedAt time.Time // zero while the job is active
}

// Terminal reports whether the job has stopped for good.
func (j *Job) Terminal() bool {
	return j.State == JobCompleted || j.State == JobCanceled
}

// FailedTile is one tile of a job that settled in the error state.
type FailedTile struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// SourceInfo describes a tile source configured on the server.
type SourceInfo struct {
	ID      string `json:"id"`
	MinZoom uint32 `json:"min_zoom"`
	MaxZoom uint32 `json:"max_zoom"`
}

// Stats is the planner-wide snapshot returned by /stats.
type Stats struct {
	JobsTotal     int `json:"jobs_total"`
	JobsActive    int `json:"jobs_active"`
	JobsCompleted int `json:"jobs_completed"`
	JobsCanceled  int `json:"jobs_canceled"`

	TilesQueued  int   `json:"tiles_queued"`
	TilesLoading int   `json:"tiles_loading"`
	TilesLoaded  int64 `json:"tiles_loaded"`
	TilesEmpty   int64 `json:"tiles_empty"`
	TilesFailed  int64 `json:"tiles_failed"`

	// Cache is nil when the server runs without a tile cache.
	Cache *CacheStats `json:"cache,omitempty"`
}

// CacheStats summarizes the server's tile cache contents.
type CacheStats struct {
	Entries int   `json:"entries"`
	Empties int   `json:"empties"`
	Bytes   int64 `json:"bytes"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status     string
	InstanceID string
	Jobs       int
	Sources    int
	Uptime     time.Duration
	Version    string
}

// ─── Job operations ───────────────────────────────────────────────────────────

// CreateJob submits a seeding job and returns its initial snapshot.
// The job runs asynchronously; poll with GetJob or block with WaitJob.
func (c *Client) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	var resp wireJob
	if err := c.do(ctx, http.MethodPost, "/jobs", spec, &resp); err != nil {
		return nil, err
	}
	return resp.toJob(), nil
}

// GetJob returns the current snapshot of one job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var resp wireJob
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toJob(), nil
}

// Jobs returns all jobs known to the server, oldest first.
func (c *Client) Jobs(ctx context.Context) ([]*Job, error) {
	var resp struct {
		Jobs []wireJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Job, len(resp.Jobs))
	for i := range resp.Jobs {
		out[i] = resp.Jobs[i].toJob()
	}
	return out, nil
}

// CancelJob stops an active job and returns its final snapshot.
// Returns an *APIError with StatusCode 409 when the job already finished;
// check IsConflict(err) to ignore that case.
func (c *Client) CancelJob(ctx context.Context, id string) (*Job, error) {
	var resp wireJob
	if err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toJob(), nil
}

// RetryJob re-drives every failed tile of a job and returns how many
// were re-driven. Zero with a nil error means the job had no failures.
func (c *Client) RetryJob(ctx context.Context, id string) (int, error) {
	var resp struct {
		Retried int `json:"retried"`
	}
	path := "/jobs/" + url.PathEscape(id) + "/retry"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Retried, nil
}

// Failures lists the tiles of a job that settled in the error state.
func (c *Client) Failures(ctx context.Context, id string) ([]FailedTile, error) {
	var resp struct {
		Failures []FailedTile `json:"failures"`
	}
	path := "/jobs/" + url.PathEscape(id) + "/failures"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Failures, nil
}

// WaitJob polls a job until it reaches a terminal state and returns the
// final snapshot. interval controls the polling cadence; values at or
// below zero mean 500ms. The context bounds the total wait.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ─── Sources and tiles ────────────────────────────────────────────────────────

// Sources lists the tile sources configured on the server.
func (c *Client) Sources(ctx context.Context) ([]*SourceInfo, error) {
	var resp struct {
		Sources []SourceInfo `json:"sources"`
	}
	if err := c.do(ctx, http.MethodGet, "/sources", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*SourceInfo, len(resp.Sources))
	for i := range resp.Sources {
		out[i] = &resp.Sources[i]
	}
	return out, nil
}

// Tile reads one tile straight from the server's cache. It never triggers
// an upstream fetch. Returns ErrEmptyTile for negative entries and an
// *APIError with StatusCode 404 for tiles that were never seeded.
func (c *Client) Tile(ctx context.Context, source string, z, x, y uint32) ([]byte, error) {
	path := fmt.Sprintf("/tiles/%s/%d/%d/%d", url.PathEscape(source), z, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("tileflow: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tileflow: request GET %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusNoContent:
		return nil, ErrEmptyTile
	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		return nil, apiErrorFrom(httpResp)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("tileflow: read tile body: %w", err)
	}
	return data, nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status     string `json:"status"`
		InstanceID string `json:"instance_id"`
		Jobs       int    `json:"jobs"`
		Sources    int    `json:"sources"`
		UptimeMs   int64  `json:"uptime_ms"`
		Version    string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:     resp.Status,
		InstanceID: resp.InstanceID,
		Jobs:       resp.Jobs,
		Sources:    resp.Sources,
		Uptime:     time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:    resp.Version,
	}, nil
}

// Stats returns the planner-wide snapshot from /stats.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var resp Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tileflow: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("tileflow: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tileflow: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apiErrorFrom(httpResp)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("tileflow: read response body: %w", err)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("tileflow: decode response: %w", err)
		}
	}
	return nil
}

// apiErrorFrom drains an error response into an *APIError.
func apiErrorFrom(httpResp *http.Response) *APIError {
	respBody, _ := io.ReadAll(httpResp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(respBody, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(httpResp.StatusCode)
	}
	return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireJob struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	BBox        BBox   `json:"bbox"`
	MinZoom     uint32 `json:"min_zoom"`
	MaxZoom     uint32 `json:"max_zoom"`
	CallbackURL string `json:"callback_url"`
	State       string `json:"state"`

	TilesTotal  int64 `json:"tiles_total"`
	TilesIssued int64 `json:"tiles_issued"`
	TilesLoaded int64 `json:"tiles_loaded"`
	TilesEmpty  int64 `json:"tiles_empty"`
	TilesFailed int64 `json:"tiles_failed"`

	CreatedAt  int64 `json:"created_at"`
	FinishedAt int64 `json:"finished_at"`
}

func (w *wireJob) toJob() *Job {
	j := &Job{
		ID:          w.ID,
		Source:      w.Source,
		BBox:        w.BBox,
		MinZoom:     w.MinZoom,
		MaxZoom:     w.MaxZoom,
		CallbackURL: w.CallbackURL,
		State:       w.State,
		TilesTotal:  w.TilesTotal,
		TilesIssued: w.TilesIssued,
		TilesLoaded: w.TilesLoaded,
		TilesEmpty:  w.TilesEmpty,
		TilesFailed: w.TilesFailed,
		CreatedAt:   time.UnixMilli(w.CreatedAt).UTC(),
	}
	if w.FinishedAt != 0 {
		j.FinishedAt = time.UnixMilli(w.FinishedAt).UTC()
	}
	return j
}
