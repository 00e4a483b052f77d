// Package loader schedules tile loads between the planner's wanted set
// and the sources that fetch them.
//
// Tiles are submitted with a priority computed against the current frame
// snapshot. Drain pops candidates in priority order and starts their
// loads, bounded by a ceiling on total in-flight fetches and a per-pass
// admission budget. Tiles report their transitions back through
// TileChanged, which keeps the in-flight accounting and forwards settled
// tiles to the host callback.
//
// The loader holds a single mutex. The host callback and tile dispatch
// always run outside it, so callbacks may re-enter the loader freely.
package loader

import (
	"context"
	"log/slog"
	"sync"

	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/metrics"
	"github.com/me/tileflow/internal/pqueue"
	"github.com/me/tileflow/internal/priority"
	"github.com/me/tileflow/internal/tile"
)

// ChangeFunc is the host callback, invoked whenever a watched tile
// settles (loaded, errored or empty).
type ChangeFunc func(t *tile.Tile, to tile.State)

// DispatchFunc starts one admitted tile's load. The default is
// (*tile.Tile).Load.
type DispatchFunc func(ctx context.Context, t *tile.Tile) bool

// Option configures a Loader.
type Option func(*Loader)

// WithDispatchHook replaces how admitted tiles are started. Tests use it
// to observe admission order without real fetches.
func WithDispatchHook(fn DispatchFunc) Option {
	return func(l *Loader) { l.dispatch = fn }
}

// WithMetrics counts dispatched tiles per source in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Loader) { l.reg = reg }
}

// Loader is the tile load scheduler.
type Loader struct {
	log      *slog.Logger
	onChange ChangeFunc
	dispatch DispatchFunc
	reg      *metrics.Registry

	mu    sync.Mutex
	queue *pqueue.Queue[*tile.Tile]
	// frame is nil until the first SetFrame; every candidate scores as
	// dropped against a nil frame.
	frame   *priority.Frame
	loading map[string]struct{}
	watched map[string]struct{}
}

// New returns a loader that reports settled tiles to onChange. A nil
// onChange is replaced with a no-op.
func New(logger *slog.Logger, onChange ChangeFunc, opts ...Option) *Loader {
	if onChange == nil {
		onChange = func(*tile.Tile, tile.State) {}
	}
	l := &Loader{
		log:      logger.With("component", "loader"),
		onChange: onChange,
		dispatch: func(ctx context.Context, t *tile.Tile) bool { return t.Load(ctx) },
		queue:    pqueue.New[*tile.Tile](),
		loading:  make(map[string]struct{}),
		watched:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// scoreLocked computes the tile's priority against the current frame.
// Caller holds l.mu.
func (l *Loader) scoreLocked(t *tile.Tile) pqueue.Score {
	id := t.ID()
	return priority.TileScore(l.frame, t.SourceID(), t.Key(), grid.Center(id), grid.Resolution(id.Z))
}

// SetFrame installs a new frame snapshot and rescores every queued tile
// against it. Tiles the new frame no longer wants are purged from the
// queue and lose their subscription.
func (l *Loader) SetFrame(f priority.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frame = &f
	evicted := l.queue.Rescore(func(_ string, t *tile.Tile) pqueue.Score {
		return l.scoreLocked(t)
	})
	for _, t := range evicted {
		delete(l.watched, t.Key())
	}
	if len(evicted) > 0 {
		l.log.Debug("rescore purged stale tiles", "purged", len(evicted), "queued", l.queue.Len())
	}
}

// Submit offers a tile for loading. It computes the tile's priority from
// the current frame and upserts it into the queue. The return value
// reports whether a new entry was created; re-submitting a queued tile
// only refreshes its score. A tile whose priority evaluates to the drop
// marker is never queued (and a previously queued entry under the same
// key is evicted).
//
// Newly accepted tiles are watched: their state transitions flow through
// TileChanged until they settle.
func (l *Loader) Submit(t *tile.Tile) bool {
	key := t.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	score := l.scoreLocked(t)
	if score.IsDrop() {
		l.queue.Upsert(key, t, score)
		delete(l.watched, key)
		return false
	}

	inserted := l.queue.Upsert(key, t, score)
	if inserted {
		l.watched[key] = struct{}{}
	}
	return inserted
}

// Watch subscribes a key so its transitions reach the host callback.
// Submit does this for accepted tiles; Watch covers tiles re-driven
// outside the queue, such as an errored tile loaded again directly.
func (l *Loader) Watch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watched[key] = struct{}{}
}

// Unwatch drops a key's subscription. Settled tiles forget themselves,
// but errored tiles stay watched for a retry; the host calls Unwatch
// once no job references the key anymore, so the watched set does not
// accumulate error keys forever. Watch re-subscribes.
func (l *Loader) Unwatch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watched, key)
}

// LoadingCount returns the number of tiles dispatched and not yet
// settled.
func (l *Loader) LoadingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loading)
}

// QueuedCount returns the number of tiles waiting in the queue.
func (l *Loader) QueuedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Drain is the admission loop. While the in-flight count is below
// maxTotal, fewer than maxNew tiles have been admitted this call, and
// the queue is non-empty: extract the best candidate and, if its tile is
// idle and not already in flight, dispatch it.
//
// An extracted candidate that is not admittable (already loading, or in
// any non-idle state) is discarded without counting toward the admission
// budget: the loop keeps pulling until it finds admittable work or the
// queue empties. A queue full of stale entries is therefore consumed in
// one pass without admitting anything.
//
// Returns the number of loads started.
func (l *Loader) Drain(ctx context.Context, maxTotal, maxNew int) int {
	var admitted []*tile.Tile

	l.mu.Lock()
	for len(l.loading) < maxTotal && len(admitted) < maxNew && l.queue.Len() > 0 {
		t, err := l.queue.PopMin()
		if err != nil {
			break
		}
		key := t.Key()
		if _, inFlight := l.loading[key]; inFlight || t.State() != tile.StateIdle {
			continue
		}
		l.loading[key] = struct{}{}
		admitted = append(admitted, t)
	}
	l.mu.Unlock()

	// Dispatch outside the lock: Load fires a synchronous transition
	// notification that re-enters TileChanged.
	for _, t := range admitted {
		if l.reg != nil {
			l.reg.TilesDispatched.Inc(t.SourceID())
		}
		if !l.dispatch(ctx, t) {
			// The tile raced out of idle between admission and dispatch.
			l.mu.Lock()
			delete(l.loading, t.Key())
			l.mu.Unlock()
		}
	}

	if len(admitted) > 0 {
		l.log.Debug("drain admitted tiles", "admitted", len(admitted), "loading", l.LoadingCount(), "queued", l.QueuedCount())
	}
	return len(admitted)
}

// TileChanged is the tile notification sink; wire it as the NotifyFunc
// of every tile that may be submitted here.
//
// Transitions of unwatched tiles and non-settling transitions are
// ignored. When a watched tile settles, its in-flight mark is removed
// (idempotently: a duplicate notification cannot decrement twice) and
// the host callback runs. Errored tiles stay watched so a later retry
// still reports through the same path; loaded and empty tiles are
// forgotten.
func (l *Loader) TileChanged(t *tile.Tile, _, to tile.State) {
	if to != tile.StateError && !to.Terminal() {
		return
	}

	key := t.Key()
	l.mu.Lock()
	if _, ok := l.watched[key]; !ok {
		l.mu.Unlock()
		return
	}
	if to != tile.StateError {
		delete(l.watched, key)
	}
	delete(l.loading, key)
	l.mu.Unlock()

	l.onChange(t, to)
}
