package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/tileflow/internal/cache"
	"github.com/me/tileflow/internal/config"
	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/metrics"
	"github.com/me/tileflow/internal/planner"
	"github.com/me/tileflow/internal/source"
	transphttp "github.com/me/tileflow/internal/transport/http"
	"github.com/me/tileflow/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

type stubSource struct {
	id   string
	data []byte
	err  error
}

func (s *stubSource) ID() string                  { return s.id }
func (s *stubSource) ZoomRange() (uint32, uint32) { return 0, grid.MaxZoom }
func (s *stubSource) Fetch(_ context.Context, _ grid.TileID) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

// newTestEnv spins up a real tileflow stack (planner + cache + HTTP)
// backed by httptest.Server. Two sources are registered: "osm" serves
// tile bytes, "void" has no tiles at all. All resources are cleaned up
// in t.Cleanup.
func newTestEnv(t *testing.T) *client.Client {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := cache.Open(filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := source.NewRegistry()
	osm := source.NewCached(&stubSource{id: "osm", data: []byte("tile-bytes")}, store, nil, log)
	void := source.NewCached(&stubSource{id: "void", err: source.ErrNoTile}, store, nil, log)
	if err := reg.Register(osm); err != nil {
		t.Fatalf("register osm: %v", err)
	}
	if err := reg.Register(void); err != nil {
		t.Fatalf("register void: %v", err)
	}

	p := planner.New(log, config.PlannerConfig{
		PassIntervalMs: 10,
		MaxLoading:     8,
		MaxNewLoads:    8,
		MaxQueued:      64,
	}, reg)
	p.Start(context.Background())
	t.Cleanup(p.Close)

	srv := transphttp.New(p, reg, store, &config.Config{}, &metrics.Registry{}, "01TESTINSTANCE")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL)
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

// pointSpec covers a single coordinate at zooms 3-5: three tiles.
func pointSpec(sourceID string) client.JobSpec {
	return client.JobSpec{
		Source:  sourceID,
		BBox:    client.BBox{MinLon: 13.4, MinLat: 52.5, MaxLon: 13.4, MaxLat: 52.5},
		MinZoom: 3,
		MaxZoom: 5,
	}
}

// waitCompleted blocks until the job settles and asserts it completed.
func waitCompleted(t *testing.T, c *client.Client, id string) *client.Job {
	t.Helper()
	waitCtx, cancel := context.WithTimeout(ctx(), 5*time.Second)
	defer cancel()
	job, err := c.WaitJob(waitCtx, id, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitJob: %v", err)
	}
	if job.State != client.JobCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	return job
}

// ─── Job tests ────────────────────────────────────────────────────────────────

func TestCreateJob(t *testing.T) {
	c := newTestEnv(t)

	job, err := c.CreateJob(ctx(), pointSpec("osm"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected non-empty job ID")
	}
	if job.TilesTotal != 3 {
		t.Errorf("TilesTotal = %d, want 3", job.TilesTotal)
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if job.Terminal() {
		t.Errorf("fresh job should not be terminal, state = %s", job.State)
	}
}

func TestCreateJob_UnknownSource(t *testing.T) {
	c := newTestEnv(t)
	_, err := c.CreateJob(ctx(), pointSpec("mystery"))
	if !client.IsNotFound(err) {
		t.Fatalf("want IsNotFound, got %v", err)
	}
}

func TestWaitJob_RunsToCompletion(t *testing.T) {
	c := newTestEnv(t)

	job, err := c.CreateJob(ctx(), pointSpec("osm"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	final := waitCompleted(t, c, job.ID)
	if final.TilesLoaded != 3 {
		t.Errorf("TilesLoaded = %d, want 3", final.TilesLoaded)
	}
	if final.FinishedAt.IsZero() {
		t.Error("FinishedAt should be set on a completed job")
	}
}

func TestJobs_ListsCreated(t *testing.T) {
	c := newTestEnv(t)

	a, _ := c.CreateJob(ctx(), pointSpec("osm"))
	jobs, err := c.Jobs(ctx())
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	found := false
	for _, j := range jobs {
		if j.ID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("created job %s not in list", a.ID)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	c := newTestEnv(t)
	_, err := c.GetJob(ctx(), "01GHOST")
	if !client.IsNotFound(err) {
		t.Fatalf("want IsNotFound, got %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	c := newTestEnv(t)

	job, err := c.CreateJob(ctx(), pointSpec("osm"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	canceled, err := c.CancelJob(ctx(), job.ID)
	if err != nil {
		// The tiny job may have completed before the cancel arrived.
		if client.IsConflict(err) {
			t.Skip("job finished before cancel — timing")
		}
		t.Fatalf("CancelJob: %v", err)
	}
	if canceled.State != client.JobCanceled {
		t.Fatalf("state = %s, want canceled", canceled.State)
	}

	// Canceling again hits a finished job.
	if _, err := c.CancelJob(ctx(), job.ID); !client.IsConflict(err) {
		t.Fatalf("second cancel: want IsConflict, got %v", err)
	}
}

func TestRetryJob_NothingToRetry(t *testing.T) {
	c := newTestEnv(t)

	job, _ := c.CreateJob(ctx(), pointSpec("osm"))
	waitCompleted(t, c, job.ID)

	n, err := c.RetryJob(ctx(), job.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if n != 0 {
		t.Errorf("retried = %d, want 0", n)
	}
}

func TestFailures_EmptyForCleanJob(t *testing.T) {
	c := newTestEnv(t)

	job, _ := c.CreateJob(ctx(), pointSpec("osm"))
	waitCompleted(t, c, job.ID)

	fails, err := c.Failures(ctx(), job.ID)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(fails) != 0 {
		t.Errorf("failures = %v, want none", fails)
	}
}

// ─── Source and tile tests ────────────────────────────────────────────────────

func TestSources(t *testing.T) {
	c := newTestEnv(t)

	sources, err := c.Sources(ctx())
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	found := false
	for _, s := range sources {
		if s.ID == "osm" {
			found = true
			if s.MaxZoom != grid.MaxZoom {
				t.Errorf("osm MaxZoom = %d, want %d", s.MaxZoom, grid.MaxZoom)
			}
		}
	}
	if !found {
		t.Fatalf("osm not in source list: %v", sources)
	}
}

func TestTile_SeededRoundTrip(t *testing.T) {
	c := newTestEnv(t)

	job, _ := c.CreateJob(ctx(), pointSpec("osm"))
	waitCompleted(t, c, job.ID)

	// Seeding filled the cache; read one of the tiles back out.
	id := grid.TileAt(13.4, 52.5, 4)
	data, err := c.Tile(ctx(), "osm", 4, id.X, id.Y)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if string(data) != "tile-bytes" {
		t.Errorf("tile data = %q", data)
	}
}

func TestTile_EmptyEntry(t *testing.T) {
	c := newTestEnv(t)

	spec := pointSpec("void")
	spec.MinZoom, spec.MaxZoom = 3, 3
	job, _ := c.CreateJob(ctx(), spec)
	waitCompleted(t, c, job.ID)

	id := grid.TileAt(13.4, 52.5, 3)
	_, err := c.Tile(ctx(), "void", 3, id.X, id.Y)
	if !errors.Is(err, client.ErrEmptyTile) {
		t.Fatalf("want ErrEmptyTile, got %v", err)
	}
}

func TestTile_NeverSeeded(t *testing.T) {
	c := newTestEnv(t)
	_, err := c.Tile(ctx(), "osm", 9, 100, 100)
	if !client.IsNotFound(err) {
		t.Fatalf("want IsNotFound, got %v", err)
	}
}

// ─── Health / Stats tests ─────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	c := newTestEnv(t)
	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" {
		t.Fatalf("status = %q, want ok", h.Status)
	}
	if h.InstanceID == "" {
		t.Fatal("InstanceID must not be empty")
	}
	if h.Sources != 2 {
		t.Errorf("Sources = %d, want 2", h.Sources)
	}
}

func TestStats(t *testing.T) {
	c := newTestEnv(t)

	job, _ := c.CreateJob(ctx(), pointSpec("osm"))
	waitCompleted(t, c, job.ID)

	stats, err := c.Stats(ctx())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.JobsTotal < 1 {
		t.Errorf("JobsTotal = %d, want >= 1", stats.JobsTotal)
	}
	if stats.TilesLoaded < 3 {
		t.Errorf("TilesLoaded = %d, want >= 3", stats.TilesLoaded)
	}
}

// ─── APIError tests ───────────────────────────────────────────────────────────

func TestAPIError_IsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown job"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := client.New(ts.URL)
	_, err := c.GetJob(ctx(), "phantom")

	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if ae.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", ae.StatusCode)
	}
	if !client.IsNotFound(err) {
		t.Fatal("IsNotFound should return true")
	}
}

// ─── Client options tests ─────────────────────────────────────────────────────

func TestWithAPIKey_Passed(t *testing.T) {
	// Minimal server that requires X-Api-Key.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "mysecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "instance_id": "test", "jobs": 0, "sources": 0,
			"uptime_ms": 0, "version": "1.0",
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Without key → 401
	c1 := client.New(ts.URL)
	if _, err := c1.Health(ctx()); err == nil {
		t.Fatal("expected auth error without API key")
	}

	// With key → success
	c2 := client.New(ts.URL, client.WithAPIKey("mysecret"))
	if _, err := c2.Health(ctx()); err != nil {
		t.Fatalf("Health with API key: %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	c := client.New("http://localhost:1", client.WithTimeout(50*time.Millisecond))
	_, err := c.Health(ctx())
	if err == nil {
		t.Fatal("expected error on unreachable server")
	}
}
