// Package websocket streams live planner statistics to clients.
//
// Clients open a WebSocket connection to:
//
//	GET /ws/stats
//
// On connect the server sends a hello frame, then pushes a stats frame
// once per second until the client goes away:
//
//	{"type":"hello","instance_id":"<ULID>","version":"1.0.0"}
//	{"type":"stats","sent_at":<unix ms>,"stats":{...planner snapshot...},"cache":{...totals...}}
//
// The client is not expected to send anything; inbound frames are read
// and discarded purely to detect disconnects.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/me/tileflow/internal/cache"
	"github.com/me/tileflow/internal/planner"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches
	// the Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		// Compare host portions only so that ws:// and http:// are
		// treated as the same origin.
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the stats stream endpoint.
type Handler struct {
	Planner    *planner.Planner
	InstanceID string
	Version    string

	// Store supplies the cache totals carried on every stats frame.
	// May be nil; frames then omit the cache field.
	Store *cache.Cache

	// Interval between stats frames. Zero means one second.
	Interval time.Duration
}

// helloFrame is sent once, immediately after the upgrade.
type helloFrame struct {
	Type       string `json:"type"` // "hello"
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
}

// statsFrame carries one planner snapshot plus cache totals.
type statsFrame struct {
	Type   string        `json:"type"` // "stats"
	SentAt int64         `json:"sent_at"`
	Stats  planner.Stats `json:"stats"`
	Cache  *cache.Stats  `json:"cache,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	hello, _ := json.Marshal(helloFrame{Type: "hello", InstanceID: h.InstanceID, Version: h.Version})
	if err := conn.WriteMessage(gorillaws.TextMessage, hello); err != nil {
		return
	}

	// Drain inbound frames so the read side notices when the client
	// disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-gone:
			return

		case <-ticker.C:
			frame := statsFrame{
				Type:   "stats",
				SentAt: time.Now().UnixMilli(),
				Stats:  h.Planner.Stats(),
			}
			if h.Store != nil {
				if cs, statErr := h.Store.Stat(); statErr == nil {
					frame.Cache = &cs
				}
			}
			data, _ := json.Marshal(frame)
			if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
