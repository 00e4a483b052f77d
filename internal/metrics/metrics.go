// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for tileflow. It deliberately avoids prometheus/client_golang
// so the daemon stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a
// single sync.Map can hold all label combinations without map nesting.
//
//	Tile / cache / job counters  →  key = "source"
//	HTTPReqs                     →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt       →  key = "method\tpath"
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders all counters in
// the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map
// and atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all tileflow application metrics.
type Registry struct {
	// Tile-level counters.  key = "source"
	TilesDispatched labelCounter
	TilesLoaded     labelCounter
	TilesErrored    labelCounter
	TilesEmpty      labelCounter

	// Cache counters.  key = "source"
	CacheHits   labelCounter
	CacheMisses labelCounter
	FetchBytes  labelCounter // bytes downloaded from the upstream server

	// Job counters.  key = "source"
	JobsCreated   labelCounter
	JobsCompleted labelCounter
	JobsCanceled  labelCounter

	// HTTP counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the
// Prometheus plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── tile counters ─────────────────────────────────────────────────────
		perSource := func(lc *labelCounter) func(fn func(labels, val string)) {
			return func(fn func(labels, val string)) {
				lc.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`source=%q`, key), fmt.Sprintf("%d", val))
				})
			}
		}

		writeFamily(&b, "tileflow_tiles_dispatched_total",
			"Total tile loads dispatched by the scheduler", "counter",
			perSource(&r.TilesDispatched))
		writeFamily(&b, "tileflow_tiles_loaded_total",
			"Total tiles that finished loading successfully", "counter",
			perSource(&r.TilesLoaded))
		writeFamily(&b, "tileflow_tiles_errored_total",
			"Total tile loads that ended in an error", "counter",
			perSource(&r.TilesErrored))
		writeFamily(&b, "tileflow_tiles_empty_total",
			"Total tiles the source reported as nonexistent", "counter",
			perSource(&r.TilesEmpty))

		// ── cache counters ────────────────────────────────────────────────────
		writeFamily(&b, "tileflow_cache_hits_total",
			"Total tile fetches served from the local cache", "counter",
			perSource(&r.CacheHits))
		writeFamily(&b, "tileflow_cache_misses_total",
			"Total tile fetches that went to the upstream server", "counter",
			perSource(&r.CacheMisses))
		writeFamily(&b, "tileflow_fetch_bytes_total",
			"Total bytes downloaded from upstream tile servers", "counter",
			perSource(&r.FetchBytes))

		// ── job counters ──────────────────────────────────────────────────────
		writeFamily(&b, "tileflow_jobs_created_total",
			"Total seeding jobs created", "counter",
			perSource(&r.JobsCreated))
		writeFamily(&b, "tileflow_jobs_completed_total",
			"Total seeding jobs that ran to completion", "counter",
			perSource(&r.JobsCompleted))
		writeFamily(&b, "tileflow_jobs_canceled_total",
			"Total seeding jobs canceled before completion", "counter",
			perSource(&r.JobsCanceled))

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "tileflow_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "tileflow_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "tileflow_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so the header is skipped when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
