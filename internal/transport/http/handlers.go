package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/me/tileflow/internal/cache"
	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/planner"
	"github.com/me/tileflow/internal/source"
)

// Version is reported on /health and in the WebSocket hello frame.
const Version = "1.0.0"

// Handler groups all HTTP request handlers around the planner.
type Handler struct {
	planner    *planner.Planner
	sources    *source.Registry
	store      *cache.Cache // may be nil: tile readout disabled
	instanceID string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Jobs       int    `json:"jobs"`
	Sources    int    `json:"sources"`
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
	Version    string `json:"version"`
}

type jobListResp struct {
	Jobs []planner.Job `json:"jobs"`
}

type retryResp struct {
	Retried int `json:"retried"`
}

type failureListResp struct {
	Failures []planner.FailedTile `json:"failures"`
}

type sourceItem struct {
	ID      string `json:"id"`
	MinZoom uint32 `json:"min_zoom"`
	MaxZoom uint32 `json:"max_zoom"`
}

type sourceListResp struct {
	Sources []sourceItem `json:"sources"`
}

// statsResp flattens the planner snapshot and attaches cache totals.
// Cache is absent when no tile cache is configured.
type statsResp struct {
	planner.Stats
	Cache *cache.Stats `json:"cache,omitempty"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.planner.Stats()
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:     "ok",
		InstanceID: h.instanceID,
		Jobs:       stats.JobsTotal,
		Sources:    len(h.sources.List()),
		Uptime:     elapsed.Round(time.Second).String(),
		UptimeMs:   elapsed.Milliseconds(),
		Version:    Version,
	})
}

// ─── Sources ──────────────────────────────────────────────────────────────────

func (h *Handler) listSources(w http.ResponseWriter, r *http.Request) {
	all := h.sources.List()
	items := make([]sourceItem, 0, len(all))
	for _, s := range all {
		minZ, maxZ := s.ZoomRange()
		items = append(items, sourceItem{ID: s.ID(), MinZoom: minZ, MaxZoom: maxZ})
	}
	writeJSON(w, http.StatusOK, sourceListResp{Sources: items})
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	// planner.JobSpec doubles as the wire format, so no separate DTO here.
	var spec planner.JobSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	if spec.CallbackURL != "" && !validCallbackURL(spec.CallbackURL) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "callback_url must be an http or https URL"})
		return
	}

	job, err := h.planner.CreateJob(spec)
	if err != nil {
		writeError(w, jobErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobListResp{Jobs: h.planner.ListJobs()})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.planner.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, jobErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.planner.CancelJob(r.PathValue("id"))
	if err != nil {
		writeError(w, jobErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	n, err := h.planner.RetryFailed(r.PathValue("id"))
	if err != nil {
		writeError(w, jobErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, retryResp{Retried: n})
}

func (h *Handler) listFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.planner.Failures(r.PathValue("id"))
	if err != nil {
		writeError(w, jobErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, failureListResp{Failures: failures})
}

// jobErrStatus maps planner sentinels to HTTP status codes.
func jobErrStatus(err error) int {
	switch {
	case errors.Is(err, planner.ErrUnknownJob), errors.Is(err, source.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, planner.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, planner.ErrJobFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ─── Cached tile readout ──────────────────────────────────────────────────────

// getTile serves a tile straight from the local cache. It never triggers
// an upstream fetch: seeding fills the cache, this endpoint only reads it.
func (h *Handler) getTile(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "tile cache not configured"})
		return
	}

	sourceID := r.PathValue("source")
	if _, err := h.sources.Get(sourceID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	z, okZ := parseUint32(r.PathValue("z"))
	x, okX := parseUint32(r.PathValue("x"))
	y, okY := parseUint32(r.PathValue("y"))
	if !okZ || !okX || !okY {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tile coordinates must be non-negative integers"})
		return
	}
	id := grid.TileID{Z: z, X: x, Y: y}
	if !id.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tile coordinates out of range for zoom"})
		return
	}

	entry, err := h.store.Get(grid.Key(sourceID, id))
	switch {
	case errors.Is(err, cache.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tile not cached"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case entry.Empty:
		// Negative entry: the source has no such tile.
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Tileflow-Stored-At", strconv.FormatInt(entry.StoredAt.UnixMilli(), 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(entry.Data)
	}
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResp{Stats: h.planner.Stats()}
	if h.store != nil {
		if cs, err := h.store.Stat(); err == nil {
			resp.Cache = &cs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// validCallbackURL checks that the target URL is a plain http or https
// address. This prevents SSRF via other URI schemes (file://, ftp://,
// gopher://, etc.). It does not block private RFC-1918 ranges because
// tileflow is a self-hosted daemon where the operator controls what
// endpoints are reachable.
func validCallbackURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
