package priority_test

import (
	"math"
	"testing"

	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/pqueue"
	"github.com/me/tileflow/internal/priority"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

// frameWanting builds a frame centered at the origin that wants the given
// tile keys from source "osm".
func frameWanting(keys ...string) *priority.Frame {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &priority.Frame{
		Wanted: map[string]map[string]struct{}{"osm": set},
		Center: grid.Point{},
	}
}

func mustValue(t *testing.T, s pqueue.Score) float64 {
	t.Helper()
	if s.IsDrop() {
		t.Fatal("expected a numeric score, got drop")
	}
	return s.Value()
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestTileScore_DropsWithoutFrame(t *testing.T) {
	s := priority.TileScore(nil, "osm", "osm/1/0/0", grid.Point{}, 1)
	if !s.IsDrop() {
		t.Fatal("nil frame must drop")
	}
}

func TestTileScore_DropsUnwantedSource(t *testing.T) {
	f := frameWanting("osm/1/0/0")
	s := priority.TileScore(f, "satellite", "satellite/1/0/0", grid.Point{}, 1)
	if !s.IsDrop() {
		t.Fatal("unwanted source must drop")
	}
}

func TestTileScore_DropsUnwantedTile(t *testing.T) {
	f := frameWanting("osm/1/0/0")
	s := priority.TileScore(f, "osm", "osm/1/1/1", grid.Point{}, 1)
	if !s.IsDrop() {
		t.Fatal("tile outside the wanted set must drop")
	}
}

func TestTileScore_NearerWinsAtSameResolution(t *testing.T) {
	f := frameWanting("near", "far")
	near := mustValue(t, priority.TileScore(f, "osm", "near", grid.Point{X: 100}, 1))
	far := mustValue(t, priority.TileScore(f, "osm", "far", grid.Point{X: 5000}, 1))
	if near >= far {
		t.Fatalf("near score %v should be below far score %v", near, far)
	}
}

func TestTileScore_EquidistantSameResolutionTie(t *testing.T) {
	f := frameWanting("a", "b")
	a := mustValue(t, priority.TileScore(f, "osm", "a", grid.Point{X: 250}, 2))
	b := mustValue(t, priority.TileScore(f, "osm", "b", grid.Point{Y: -250}, 2))
	if a != b {
		t.Fatalf("genuinely equidistant tiles should score equally: %v vs %v", a, b)
	}
}

// TestTileScore_ResolutionTermScaling pins the DistanceBias boundary: with a
// resolution ratio of e² the resolution terms differ by exactly
// 2*DistanceBias, so a finer tile loses to a coarser one only once its
// pixel-distance disadvantage exceeds that gap.
func TestTileScore_ResolutionTermScaling(t *testing.T) {
	const (
		fineRes   = 1.0
		coarseRes = math.E * math.E // ratio e² ≈ 7.39
	)
	f := frameWanting("fine", "coarse")

	// Coarse tile 10px from the focus. Pixel distance = meters / resolution.
	coarse := mustValue(t, priority.TileScore(f, "osm", "coarse",
		grid.Point{X: 10 * coarseRes}, coarseRes))

	// Fine tile 1,000,000px away: far beyond the 2*DistanceBias ≈ 131k px
	// gap, so the coarse tile must come out ahead (lower score).
	farFine := mustValue(t, priority.TileScore(f, "osm", "fine",
		grid.Point{X: 1_000_000 * fineRes}, fineRes))
	if coarse >= farFine {
		t.Fatalf("coarse near tile (%v) should beat fine far tile (%v)", coarse, farFine)
	}

	// Fine tile 10px away: both terms favor it.
	nearFine := mustValue(t, priority.TileScore(f, "osm", "fine",
		grid.Point{X: 10 * fineRes}, fineRes))
	if nearFine >= coarse {
		t.Fatalf("fine near tile (%v) should beat coarse near tile (%v)", nearFine, coarse)
	}

	// Exactly at the boundary the scores meet: fine at 2*DistanceBias+10 px.
	boundary := 2*priority.DistanceBias + 10
	atBoundary := mustValue(t, priority.TileScore(f, "osm", "fine",
		grid.Point{X: boundary * fineRes}, fineRes))
	if math.Abs(atBoundary-coarse) > 1e-6 {
		t.Fatalf("boundary fine score %v should equal coarse score %v", atBoundary, coarse)
	}
	justInside := mustValue(t, priority.TileScore(f, "osm", "fine",
		grid.Point{X: (boundary - 1) * fineRes}, fineRes))
	if justInside >= coarse {
		t.Fatalf("one pixel inside the boundary the fine tile should still win (%v vs %v)", justInside, coarse)
	}
}
