// Package source defines where tiles come from.
//
// A Source fetches raw tile bytes for a coordinate. The daemon builds one
// Source per configured upstream (XYZ template servers, wrapped in the
// cache decorator) and registers them all in a Registry the planner and
// the HTTP API resolve IDs against.
//
// A source distinguishes "the fetch failed" (returned error) from "there
// is no tile at this coordinate" (ErrNoTile): the first is retryable, the
// second is a normal answer that callers record as an empty tile.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/me/tileflow/internal/grid"
)

// ErrNoTile is returned by Fetch when the upstream has no tile for the
// requested coordinate (for example a 404 from an XYZ server).
var ErrNoTile = errors.New("source: no tile at this coordinate")

// ErrUnknownSource is returned by Registry.Get for unregistered IDs.
var ErrUnknownSource = errors.New("source: unknown source")

// ErrDuplicateSource is returned by Registry.Register for an ID that is
// already registered.
var ErrDuplicateSource = errors.New("source: duplicate source id")

// ErrInvalidID is returned when a source ID fails validation.
var ErrInvalidID = errors.New("source: invalid source id")

// idRe validates source IDs: 1-64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit. IDs appear in tile keys and URLs, so
// they are kept deliberately narrow.
var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ValidateID reports whether id is an acceptable source identifier.
func ValidateID(id string) bool { return idRe.MatchString(id) }

// Source is one provider of map tiles.
type Source interface {
	// ID returns the identifier tiles from this source are keyed under.
	ID() string

	// ZoomRange returns the inclusive zoom bounds the source serves.
	ZoomRange() (min, max uint32)

	// Fetch retrieves the raw bytes of one tile. It returns ErrNoTile when
	// the source has no tile at this coordinate, any other error for a
	// failed fetch.
	Fetch(ctx context.Context, id grid.TileID) ([]byte, error)
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry is the id → Source map built from configuration at startup.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Returns ErrInvalidID or ErrDuplicateSource.
func (r *Registry) Register(s Source) error {
	id := s.ID()
	if !ValidateID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, id)
	}
	r.sources[id] = s
	return nil
}

// Get returns the source registered under id, or ErrUnknownSource.
func (r *Registry) Get(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return s, nil
}

// List returns all registered sources sorted by ID.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
