package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/me/tileflow/internal/metrics"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_TileCounters(t *testing.T) {
	var reg metrics.Registry

	reg.TilesLoaded.Inc("osm")
	reg.TilesLoaded.Inc("osm")
	reg.TilesLoaded.Add("osm", 3)

	got := int64(0)
	reg.TilesLoaded.Each(func(k string, v int64) {
		if k == "osm" {
			got = v
		}
	})
	if got != 5 {
		t.Fatalf("TilesLoaded count = %d, want 5", got)
	}
}

func TestRegistry_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reqKey := metrics.HTTPKey("POST", "/jobs", "201")
	durKey := metrics.HTTPDurKey("POST", "/jobs")

	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPDurMs.Add(durKey, 42)
	reg.HTTPDurMs.Add(durKey, 18)
	reg.HTTPDurCnt.Inc(durKey)
	reg.HTTPDurCnt.Inc(durKey)

	reqCount := int64(0)
	reg.HTTPReqs.Each(func(k string, v int64) {
		if k == reqKey {
			reqCount = v
		}
	})
	if reqCount != 2 {
		t.Fatalf("HTTPReqs count = %d, want 2", reqCount)
	}

	durSum := int64(0)
	reg.HTTPDurMs.Each(func(k string, v int64) {
		if k == durKey {
			durSum = v
		}
	})
	if durSum != 60 {
		t.Fatalf("HTTPDurMs sum = %d, want 60", durSum)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.TilesLoaded.Inc("osm")

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_TileCounter(t *testing.T) {
	var reg metrics.Registry

	reg.TilesDispatched.Inc("osm")
	reg.TilesDispatched.Add("osm", 4)
	reg.TilesDispatched.Inc("satellite")

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP tileflow_tiles_dispatched_total")
	mustContain(t, body, "# TYPE tileflow_tiles_dispatched_total counter")
	mustContain(t, body, `source="osm"`)
	mustContain(t, body, `source="satellite"`)
	mustContain(t, body, `tileflow_tiles_dispatched_total{source="osm"} 5`)
}

func TestHandler_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reg.HTTPReqs.Inc(metrics.HTTPKey("GET", "/health", "200"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/health"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/health"))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP tileflow_http_requests_total")
	mustContain(t, body, `method="GET"`)
	mustContain(t, body, `path="/health"`)
	mustContain(t, body, `status="200"`)
	mustContain(t, body, "tileflow_http_request_duration_milliseconds_sum")
	mustContain(t, body, "tileflow_http_request_duration_milliseconds_count")
}

func TestHandler_MultipleMetricFamilies(t *testing.T) {
	var reg metrics.Registry

	reg.TilesLoaded.Add("osm", 10)
	reg.TilesErrored.Add("osm", 2)
	reg.TilesEmpty.Add("osm", 1)
	reg.CacheHits.Add("osm", 7)
	reg.CacheMisses.Add("osm", 3)
	reg.FetchBytes.Add("osm", 4096)
	reg.JobsCreated.Inc("osm")

	body := scrape(t, &reg)

	mustContain(t, body, "tileflow_tiles_loaded_total")
	mustContain(t, body, "tileflow_tiles_errored_total")
	mustContain(t, body, "tileflow_tiles_empty_total")
	mustContain(t, body, "tileflow_cache_hits_total")
	mustContain(t, body, "tileflow_cache_misses_total")
	mustContain(t, body, "tileflow_fetch_bytes_total")
	mustContain(t, body, "tileflow_jobs_created_total")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

// ─── Concurrent safety ────────────────────────────────────────────────────────

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			reg.TilesLoaded.Inc("osm")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	got := int64(0)
	reg.TilesLoaded.Each(func(k string, v int64) {
		if k == "osm" {
			got = v
		}
	})
	if got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
