package planner

import (
	"fmt"
	"time"

	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/source"
	"github.com/me/tileflow/internal/tile"
)

// JobState is the lifecycle state of a seeding job.
type JobState string

const (
	// JobStatePending: created but no tiles handed to the loader yet.
	JobStatePending JobState = "pending"
	// JobStateRunning: at least one tile issued, not finished.
	JobStateRunning JobState = "running"
	// JobStateCompleted: every tile settled. Failed tiles may remain,
	// visible in the failure list and retryable.
	JobStateCompleted JobState = "completed"
	// JobStateCanceled: stopped by the user before completion.
	JobStateCanceled JobState = "canceled"
)

// Active reports whether the job still feeds the scheduler.
func (s JobState) Active() bool {
	return s == JobStatePending || s == JobStateRunning
}

// JobSpec is a request to seed an area of one source.
type JobSpec struct {
	SourceID    string    `json:"source"`
	BBox        grid.BBox `json:"bbox"`
	MinZoom     uint32    `json:"min_zoom"`
	MaxZoom     uint32    `json:"max_zoom"`
	CallbackURL string    `json:"callback_url,omitempty"`
}

// Job is the externally visible snapshot of one seeding job.
type Job struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	BBox        grid.BBox `json:"bbox"`
	MinZoom     uint32    `json:"min_zoom"`
	MaxZoom     uint32    `json:"max_zoom"`
	CallbackURL string    `json:"callback_url,omitempty"`
	State       JobState  `json:"state"`

	TilesTotal  int64 `json:"tiles_total"`
	TilesIssued int64 `json:"tiles_issued"`
	TilesLoaded int64 `json:"tiles_loaded"`
	TilesEmpty  int64 `json:"tiles_empty"`
	TilesFailed int64 `json:"tiles_failed"`

	CreatedAt  int64 `json:"created_at"`            // unix ms
	FinishedAt int64 `json:"finished_at,omitempty"` // unix ms, 0 while active
}

// FailedTile names one tile that settled in the error state.
type FailedTile struct {
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}

// job is the planner's mutable record of one seeding job.
type job struct {
	id   string
	spec JobSpec
	src  source.Source

	state    JobState
	created  time.Time
	finished time.Time

	cursor rangeCursor
	total  int64
	issued int64
	loaded int64
	empty  int64

	// outstanding holds the keys this job is waiting on: queued, in
	// flight, or retrying.
	outstanding map[string]struct{}
	// failed holds the tiles that settled in the error state, kept so a
	// retry can re-drive the same tile objects.
	failed map[string]*tile.Tile
}

// done reports whether every tile of the job has settled. Failed tiles
// count as settled; they stay listed for retry.
func (j *job) done() bool {
	return j.cursor.exhausted() && len(j.outstanding) == 0
}

// snapshot builds the externally visible view.
func (j *job) snapshot() Job {
	s := Job{
		ID:          j.id,
		Source:      j.spec.SourceID,
		BBox:        j.spec.BBox,
		MinZoom:     j.spec.MinZoom,
		MaxZoom:     j.spec.MaxZoom,
		CallbackURL: j.spec.CallbackURL,
		State:       j.state,
		TilesTotal:  j.total,
		TilesIssued: j.issued,
		TilesLoaded: j.loaded,
		TilesEmpty:  j.empty,
		TilesFailed: int64(len(j.failed)),
		CreatedAt:   j.created.UnixMilli(),
	}
	if !j.finished.IsZero() {
		s.FinishedAt = j.finished.UnixMilli()
	}
	return s
}

// rangeCursor walks the tile ranges of a job row by row, one zoom after
// the other, without materialising the tile list.
type rangeCursor struct {
	ranges []grid.TileRange
	ri     int
	x, y   uint32
	begun  bool
}

func newRangeCursor(ranges []grid.TileRange) rangeCursor {
	return rangeCursor{ranges: ranges}
}

func (c *rangeCursor) exhausted() bool { return c.ri >= len(c.ranges) }

// next returns the next tile in the walk and advances the cursor.
func (c *rangeCursor) next() (grid.TileID, bool) {
	for c.ri < len(c.ranges) {
		r := c.ranges[c.ri]
		if !c.begun {
			c.x, c.y = r.MinX, r.MinY
			c.begun = true
		}
		if c.y > r.MaxY {
			c.ri++
			c.begun = false
			continue
		}

		id := grid.TileID{Z: r.Z, X: c.x, Y: c.y}
		if c.x == r.MaxX {
			c.x = r.MinX
			c.y++
		} else {
			c.x++
		}
		return id, true
	}
	return grid.TileID{}, false
}

// validate checks a job spec against the source it targets.
func (s JobSpec) validate(src source.Source) error {
	if !s.BBox.Valid() {
		return fmt.Errorf("%w: bbox %+v", ErrInvalidJob, s.BBox)
	}
	if s.MinZoom > s.MaxZoom {
		return fmt.Errorf("%w: zoom range %d..%d", ErrInvalidJob, s.MinZoom, s.MaxZoom)
	}
	lo, hi := src.ZoomRange()
	if s.MinZoom < lo || s.MaxZoom > hi {
		return fmt.Errorf("%w: zoom range %d..%d outside source bounds %d..%d", ErrInvalidJob, s.MinZoom, s.MaxZoom, lo, hi)
	}
	return nil
}
