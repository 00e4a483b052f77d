package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/me/tileflow/internal/grid"
)

// maxTileBytes caps how much of an upstream response is read into memory.
// Raster tiles are typically tens of kilobytes; anything near this limit
// is a misbehaving server.
const maxTileBytes = 8 << 20

// XYZConfig describes one template-URL tile server.
type XYZConfig struct {
	// ID is the registry identifier. Must satisfy ValidateID.
	ID string

	// URLTemplate is the upstream URL with {z}, {x} and {y} placeholders,
	// for example "https://tile.example.org/{z}/{x}/{y}.png".
	URLTemplate string

	// MinZoom and MaxZoom bound the zoom levels the server provides.
	// Requests outside the range return ErrNoTile without hitting the
	// network.
	MinZoom, MaxZoom uint32

	// RatePerSec limits outbound requests to the upstream. Zero means
	// unlimited.
	RatePerSec float64

	// Burst is the limiter burst size. Defaults to 1 when RatePerSec is
	// set.
	Burst int

	// Timeout bounds one fetch including the body read. Defaults to 30s.
	Timeout time.Duration

	// UserAgent is sent on every request. Public tile servers require an
	// identifying agent; defaults to "tileflow/1.0".
	UserAgent string
}

// XYZ fetches tiles from a {z}/{x}/{y} template URL over HTTP.
type XYZ struct {
	id        string
	template  string
	minZoom   uint32
	maxZoom   uint32
	userAgent string
	limiter   *rate.Limiter
	client    *http.Client
}

var _ Source = (*XYZ)(nil)

// NewXYZ validates cfg and returns the source.
func NewXYZ(cfg XYZConfig) (*XYZ, error) {
	if !ValidateID(cfg.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, cfg.ID)
	}
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(cfg.URLTemplate, ph) {
			return nil, fmt.Errorf("source %s: url template missing %s placeholder", cfg.ID, ph)
		}
	}
	if cfg.MinZoom > cfg.MaxZoom {
		return nil, fmt.Errorf("source %s: min zoom %d above max zoom %d", cfg.ID, cfg.MinZoom, cfg.MaxZoom)
	}
	if cfg.MaxZoom > grid.MaxZoom {
		return nil, fmt.Errorf("source %s: max zoom %d above limit %d", cfg.ID, cfg.MaxZoom, grid.MaxZoom)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "tileflow/1.0"
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	return &XYZ{
		id:        cfg.ID,
		template:  cfg.URLTemplate,
		minZoom:   cfg.MinZoom,
		maxZoom:   cfg.MaxZoom,
		userAgent: agent,
		limiter:   limiter,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// ID implements Source.
func (x *XYZ) ID() string { return x.id }

// ZoomRange implements Source.
func (x *XYZ) ZoomRange() (uint32, uint32) { return x.minZoom, x.maxZoom }

// URL returns the upstream URL for one tile.
func (x *XYZ) URL(id grid.TileID) string {
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(id.Z), 10),
		"{x}", strconv.FormatUint(uint64(id.X), 10),
		"{y}", strconv.FormatUint(uint64(id.Y), 10),
	)
	return r.Replace(x.template)
}

// Fetch implements Source. It waits on the rate limiter before issuing
// the request, so concurrent fetches against one source queue up rather
// than hammering the upstream.
func (x *XYZ) Fetch(ctx context.Context, id grid.TileID) ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("source %s: invalid tile %s", x.id, id)
	}
	if id.Z < x.minZoom || id.Z > x.maxZoom {
		return nil, fmt.Errorf("%w (zoom %d outside %d..%d)", ErrNoTile, id.Z, x.minZoom, x.maxZoom)
	}

	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("source %s: rate limit wait: %w", x.id, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.URL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: build request: %w", x.id, err)
	}
	req.Header.Set("User-Agent", x.userAgent)

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source %s: fetch %s: %w", x.id, id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
		if err != nil {
			return nil, fmt.Errorf("source %s: read body for %s: %w", x.id, id, err)
		}
		if len(data) > maxTileBytes {
			return nil, fmt.Errorf("source %s: tile %s exceeds %d bytes", x.id, id, maxTileBytes)
		}
		return data, nil

	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w (status %d)", ErrNoTile, resp.StatusCode)

	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("source %s: fetch %s: upstream status %d", x.id, id, resp.StatusCode)
	}
}
