package tile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/source"
	"github.com/me/tileflow/internal/tile"
)

// stubSource returns canned answers and can hold fetches open until
// released.
type stubSource struct {
	data    []byte
	err     error
	release chan struct{}
}

func (s *stubSource) ID() string                  { return "stub" }
func (s *stubSource) ZoomRange() (uint32, uint32) { return 0, grid.MaxZoom }

func (s *stubSource) Fetch(ctx context.Context, _ grid.TileID) ([]byte, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

// recorder collects transitions in order.
type recorder struct {
	mu    sync.Mutex
	moves []string
}

func (r *recorder) notify(_ *tile.Tile, from, to tile.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, from.String()+">"+to.String())
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.moves...)
}

func waitForState(t *testing.T, tl *tile.Tile, want tile.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tl.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tile stuck in %s, want %s", tl.State(), want)
}

func TestStateStrings(t *testing.T) {
	cases := map[tile.State]string{
		tile.StateIdle:    "idle",
		tile.StateLoading: "loading",
		tile.StateLoaded:  "loaded",
		tile.StateError:   "error",
		tile.StateEmpty:   "empty",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestValidTransitions(t *testing.T) {
	allowed := [][2]tile.State{
		{tile.StateIdle, tile.StateLoading},
		{tile.StateError, tile.StateLoading},
		{tile.StateLoading, tile.StateLoaded},
		{tile.StateLoading, tile.StateError},
		{tile.StateLoading, tile.StateEmpty},
	}
	for _, tr := range allowed {
		if !tile.ValidTransition(tr[0], tr[1]) {
			t.Errorf("ValidTransition(%s, %s) = false, want true", tr[0], tr[1])
		}
	}

	forbidden := [][2]tile.State{
		{tile.StateIdle, tile.StateLoaded},
		{tile.StateLoaded, tile.StateLoading},
		{tile.StateEmpty, tile.StateLoading},
		{tile.StateLoading, tile.StateIdle},
	}
	for _, tr := range forbidden {
		if tile.ValidTransition(tr[0], tr[1]) {
			t.Errorf("ValidTransition(%s, %s) = true, want false", tr[0], tr[1])
		}
	}
}

func TestLoadSuccess(t *testing.T) {
	rec := &recorder{}
	tl := tile.New(grid.TileID{Z: 3, X: 1, Y: 2}, &stubSource{data: []byte("abcd")}, rec.notify)

	if !tl.Load(context.Background()) {
		t.Fatal("Load returned false on an idle tile")
	}
	waitForState(t, tl, tile.StateLoaded)

	if tl.Err() != nil {
		t.Errorf("Err() = %v after success", tl.Err())
	}
	if tl.Size() != 4 {
		t.Errorf("Size() = %d, want 4", tl.Size())
	}
	moves := rec.all()
	want := []string{"idle>loading", "loading>loaded"}
	if len(moves) != len(want) || moves[0] != want[0] || moves[1] != want[1] {
		t.Errorf("transitions = %v, want %v", moves, want)
	}
}

func TestLoadMissingTileSettlesEmpty(t *testing.T) {
	tl := tile.New(grid.TileID{Z: 3, X: 1, Y: 2}, &stubSource{err: source.ErrNoTile}, nil)

	tl.Load(context.Background())
	waitForState(t, tl, tile.StateEmpty)

	if tl.Err() != nil {
		t.Errorf("Err() = %v, want nil for an empty tile", tl.Err())
	}
	if tl.State().Terminal() != true {
		t.Error("empty state should be terminal")
	}
}

func TestLoadFailureIsRetryable(t *testing.T) {
	src := &stubSource{err: errors.New("upstream down")}
	tl := tile.New(grid.TileID{Z: 3, X: 1, Y: 2}, src, nil)

	tl.Load(context.Background())
	waitForState(t, tl, tile.StateError)
	if tl.Err() == nil {
		t.Fatal("Err() = nil after a failed load")
	}
	if tl.State().Terminal() {
		t.Fatal("error state must not be terminal")
	}

	// Heal the source and retry.
	src.err = nil
	src.data = []byte("ok")
	if !tl.Load(context.Background()) {
		t.Fatal("Load returned false on an errored tile")
	}
	waitForState(t, tl, tile.StateLoaded)
	if tl.Err() != nil {
		t.Errorf("Err() = %v after successful retry", tl.Err())
	}
}

func TestLoadIgnoredWhileLoadingOrSettled(t *testing.T) {
	src := &stubSource{data: []byte("x"), release: make(chan struct{})}
	tl := tile.New(grid.TileID{Z: 3, X: 1, Y: 2}, src, nil)

	if !tl.Load(context.Background()) {
		t.Fatal("first Load returned false")
	}
	if tl.Load(context.Background()) {
		t.Fatal("Load returned true while already loading")
	}

	close(src.release)
	waitForState(t, tl, tile.StateLoaded)

	if tl.Load(context.Background()) {
		t.Fatal("Load returned true on a loaded tile")
	}
}

func TestNotifyRunsOutsideTileLock(t *testing.T) {
	// The callback reads tile state; this deadlocks if notify were
	// invoked with the lock held.
	var seen tile.State
	done := make(chan struct{})
	var tl *tile.Tile
	tl = tile.New(grid.TileID{Z: 1, X: 0, Y: 0}, &stubSource{data: []byte("x")}, func(_ *tile.Tile, _, to tile.State) {
		if to.Terminal() {
			seen = tl.State()
			close(done)
		}
	})

	tl.Load(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal notification never arrived")
	}
	if seen != tile.StateLoaded {
		t.Errorf("state read from notify = %s, want loaded", seen)
	}
}

func TestLoadCanceledContext(t *testing.T) {
	src := &stubSource{data: []byte("x"), release: make(chan struct{})}
	tl := tile.New(grid.TileID{Z: 1, X: 0, Y: 0}, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	tl.Load(ctx)
	cancel()

	waitForState(t, tl, tile.StateError)
	if !errors.Is(tl.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", tl.Err())
	}
}
