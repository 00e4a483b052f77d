package source

import (
	"context"
	"errors"
	"log/slog"

	"github.com/me/tileflow/internal/cache"
	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/metrics"
)

// Cached wraps a Source with the on-disk tile cache. Hits are served
// without touching the upstream; fetched tiles are written back, and
// ErrNoTile answers are stored as negative entries so repeated requests
// for missing tiles stay local too.
type Cached struct {
	inner Source
	store *cache.Cache
	reg   *metrics.Registry
	log   *slog.Logger
}

var _ Source = (*Cached)(nil)

// NewCached returns the caching decorator. reg may be nil to skip
// counters.
func NewCached(inner Source, store *cache.Cache, reg *metrics.Registry, logger *slog.Logger) *Cached {
	return &Cached{
		inner: inner,
		store: store,
		reg:   reg,
		log:   logger.With("component", "cached-source", "source", inner.ID()),
	}
}

// ID implements Source.
func (c *Cached) ID() string { return c.inner.ID() }

// ZoomRange implements Source.
func (c *Cached) ZoomRange() (uint32, uint32) { return c.inner.ZoomRange() }

// Fetch implements Source.
func (c *Cached) Fetch(ctx context.Context, id grid.TileID) ([]byte, error) {
	key := grid.Key(c.inner.ID(), id)

	entry, err := c.store.Get(key)
	switch {
	case err == nil:
		if c.reg != nil {
			c.reg.CacheHits.Inc(c.inner.ID())
		}
		if entry.Empty {
			return nil, ErrNoTile
		}
		return entry.Data, nil

	case errors.Is(err, cache.ErrNotFound):
		// Fall through to the upstream.

	case errors.Is(err, cache.ErrCorrupted):
		// Treat a damaged entry as a miss and let the refetch overwrite it.
		c.log.Warn("corrupted cache entry, refetching", "tile", id.String())

	default:
		return nil, err
	}
	if c.reg != nil {
		c.reg.CacheMisses.Inc(c.inner.ID())
	}

	data, err := c.inner.Fetch(ctx, id)
	if errors.Is(err, ErrNoTile) {
		if serr := c.store.PutEmpty(key); serr != nil {
			c.log.Warn("store negative entry failed", "tile", id.String(), "error", serr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if serr := c.store.Put(key, data); serr != nil {
		// A write failure must not discard a tile we already have.
		c.log.Warn("store tile failed", "tile", id.String(), "error", serr)
	}
	if c.reg != nil {
		c.reg.FetchBytes.Add(c.inner.ID(), int64(len(data)))
	}
	return data, nil
}
