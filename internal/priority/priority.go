// Package priority computes load-ordering scores for tile candidates.
//
// Scoring is a pure function of the candidate and an immutable Frame
// snapshot supplied by the caller on every evaluation. Nothing here closes
// over live planner state; when the wanted set changes, the caller builds
// a fresh Frame and re-scores the queue against it. Candidates absent from
// the frame's wanted set score as dropped, which is how tiles that fell
// out of every active job are purged from the queue instead of loaded.
package priority

import (
	"math"

	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/pqueue"
)

// DistanceBias weights the resolution term against the distance term.
//
// The score is DistanceBias*ln(resolution) + dist/resolution. Since
// dist/resolution is a distance in on-screen pixels, two tiles one zoom
// level apart differ by DistanceBias*ln 2 ≈ 45426 in the resolution term:
// within that many pixels of the focus the nearer-but-coarser tile can
// still lose to a finer one, beyond it resolution always decides. 65536
// is a tuning choice, not a requirement; raising it widens the band in
// which distance matters.
const DistanceBias = 65536.0

// Frame is the snapshot of demand a scoring pass runs against.
type Frame struct {
	// Wanted maps a source ID to the set of tile keys currently worth
	// loading from it. Presence means wanted.
	Wanted map[string]map[string]struct{}

	// Center is the focus point, in projected meters, that tile distances
	// are measured from.
	Center grid.Point
}

// Wants reports whether the frame marks the given tile as worth loading.
func (f *Frame) Wants(sourceID, tileKey string) bool {
	if f == nil {
		return false
	}
	keys, ok := f.Wanted[sourceID]
	if !ok {
		return false
	}
	_, ok = keys[tileKey]
	return ok
}

// TileScore scores one candidate against a frame. Lower scores load first.
//
// A nil frame, an unwanted source, or an unwanted tile all yield the drop
// marker. Otherwise the score combines the tile's resolution (coarser
// tiles score higher, so finer detail near the focus wins) with its
// pixel distance from the frame center.
func TileScore(f *Frame, sourceID, tileKey string, center grid.Point, resolution float64) pqueue.Score {
	if !f.Wants(sourceID, tileKey) {
		return pqueue.Drop()
	}
	return pqueue.ScoreOf(DistanceBias*math.Log(resolution) + grid.Dist(center, f.Center)/resolution)
}
