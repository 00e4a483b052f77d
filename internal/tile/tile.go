// Package tile models the lifecycle of one map tile.
//
// A tile starts Idle, moves to Loading when dispatched, and settles in
// Loaded, Error or Empty. Error is not terminal: a failed tile may be
// loaded again. Loaded and Empty are final.
//
// Tiles do not know about the scheduler. Every transition is reported
// through the NotifyFunc supplied at construction, so the owner reacts
// to messages instead of being queried. The notify callback always runs
// outside the tile's lock and may call back into the tile.
package tile

import (
	"context"
	"errors"
	"sync"

	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/source"
)

// State is the lifecycle position of a tile.
type State uint8

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateError
	StateEmpty
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	case StateEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state. Error is not terminal
// because errored tiles may be retried.
func (s State) Terminal() bool {
	return s == StateLoaded || s == StateEmpty
}

// ValidTransition reports whether a tile may move from one state to the
// other.
func ValidTransition(from, to State) bool {
	switch from {
	case StateIdle, StateError:
		return to == StateLoading
	case StateLoading:
		return to == StateLoaded || to == StateError || to == StateEmpty
	default:
		return false
	}
}

// NotifyFunc receives every state transition of a tile.
type NotifyFunc func(t *Tile, from, to State)

// Tile is one map tile tracked through its load lifecycle. The fetched
// bytes land in the tile cache on the way through; the tile itself keeps
// only the outcome.
type Tile struct {
	id     grid.TileID
	src    source.Source
	notify NotifyFunc

	mu    sync.Mutex
	state State
	err   error
	size  int
}

// New returns an Idle tile that loads from src and reports transitions
// to notify. A nil notify is replaced with a no-op.
func New(id grid.TileID, src source.Source, notify NotifyFunc) *Tile {
	if notify == nil {
		notify = func(*Tile, State, State) {}
	}
	return &Tile{id: id, src: src, notify: notify}
}

// ID returns the tile coordinate.
func (t *Tile) ID() grid.TileID { return t.id }

// SourceID returns the ID of the source this tile loads from.
func (t *Tile) SourceID() string { return t.src.ID() }

// Key returns the "source/z/x/y" identity used across the scheduler,
// the cache and the priority frame.
func (t *Tile) Key() string { return grid.Key(t.src.ID(), t.id) }

// State returns the current lifecycle state.
func (t *Tile) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of the most recent load attempt, nil unless
// the tile is in StateError.
func (t *Tile) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Size returns the byte size of the fetched tile, zero until loaded.
func (t *Tile) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Load starts fetching the tile in a new goroutine. It reports whether a
// load was actually started: false when the tile is already loading or
// has settled in a final state. Loading from StateError is allowed and
// clears the previous failure.
func (t *Tile) Load(ctx context.Context) bool {
	t.mu.Lock()
	if !ValidTransition(t.state, StateLoading) {
		t.mu.Unlock()
		return false
	}
	from := t.state
	t.state = StateLoading
	t.err = nil
	t.mu.Unlock()

	t.notify(t, from, StateLoading)
	go t.fetch(ctx)
	return true
}

func (t *Tile) fetch(ctx context.Context) {
	data, err := t.src.Fetch(ctx, t.id)

	var to State
	switch {
	case err == nil:
		to = StateLoaded
	case errors.Is(err, source.ErrNoTile):
		// A missing tile is an answer, not a failure.
		to = StateEmpty
		err = nil
	default:
		to = StateError
	}

	t.mu.Lock()
	t.state = to
	t.err = err
	t.size = len(data)
	t.mu.Unlock()

	t.notify(t, StateLoading, to)
}
