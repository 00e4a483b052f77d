// Package planner turns seeding jobs into a stream of prioritised tile
// loads.
//
// All application code (HTTP handlers, WebSocket stats, CLI) talks to the
// Planner — never directly to the loader or the tile entities. This keeps
// the scheduling core free of job bookkeeping and the transports free of
// both.
//
// Data flow:
//
//	API → Planner.CreateJob → job tile ranges
//	pass loop → loader.SetFrame / Submit / Drain → tile.Load → source → cache
//	tile notification → loader.TileChanged → planner credit → job counters
//
// The pass loop runs on a ticker plus a wake channel: every settled tile
// nudges the loop so admission keeps up with completions between ticks.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/tileflow/internal/config"
	"github.com/me/tileflow/internal/grid"
	"github.com/me/tileflow/internal/ident"
	"github.com/me/tileflow/internal/loader"
	"github.com/me/tileflow/internal/metrics"
	"github.com/me/tileflow/internal/notify"
	"github.com/me/tileflow/internal/priority"
	"github.com/me/tileflow/internal/source"
	"github.com/me/tileflow/internal/tile"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownJob is returned for job IDs that were never created.
	ErrUnknownJob = errors.New("planner: unknown job")
	// ErrJobFinished is returned when an operation needs a live job but
	// the job has already completed or been canceled.
	ErrJobFinished = errors.New("planner: job already finished")
	// ErrInvalidJob is returned when a job spec fails validation.
	ErrInvalidJob = errors.New("planner: invalid job spec")
)

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Planner.
type Option func(*Planner)

// WithMetrics attaches a metrics.Registry so job and tile outcomes are
// counted.
func WithMetrics(reg *metrics.Registry) Option {
	return func(p *Planner) { p.reg = reg }
}

// WithNotifier attaches the webhook notifier used for job completion
// callbacks.
func WithNotifier(n *notify.Notifier) Option {
	return func(p *Planner) { p.notifier = n }
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// Stats is a point-in-time snapshot of planner-wide state, served on the
// stats endpoint and the WebSocket stream.
type Stats struct {
	JobsTotal     int `json:"jobs_total"`
	JobsActive    int `json:"jobs_active"`
	JobsCompleted int `json:"jobs_completed"`
	JobsCanceled  int `json:"jobs_canceled"`

	TilesQueued  int   `json:"tiles_queued"`
	TilesLoading int   `json:"tiles_loading"`
	TilesLoaded  int64 `json:"tiles_loaded"`
	TilesEmpty   int64 `json:"tiles_empty"`
	TilesFailed  int64 `json:"tiles_failed"`
}

// ─── Planner ──────────────────────────────────────────────────────────────────

// Planner owns the seeding jobs and drives the load scheduler.
//
// All methods are safe for concurrent use.
type Planner struct {
	log     *slog.Logger
	cfg     config.PlannerConfig
	sources *source.Registry
	loader  *loader.Loader

	reg      *metrics.Registry
	notifier *notify.Notifier

	mu   sync.Mutex
	jobs map[string]*job
	// tiles holds one live tile object per key so overlapping jobs share
	// a single load.
	tiles map[string]*tile.Tile

	wake      chan struct{}
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a planner over the given source registry. Zero config
// fields fall back to the defaults from config.Default().
func New(logger *slog.Logger, cfg config.PlannerConfig, sources *source.Registry, opts ...Option) *Planner {
	def := config.Default().Planner
	if cfg.PassIntervalMs <= 0 {
		cfg.PassIntervalMs = def.PassIntervalMs
	}
	if cfg.MaxLoading <= 0 {
		cfg.MaxLoading = def.MaxLoading
	}
	if cfg.MaxNewLoads <= 0 {
		cfg.MaxNewLoads = def.MaxNewLoads
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = def.MaxQueued
	}

	p := &Planner{
		log:     logger.With("component", "planner"),
		cfg:     cfg,
		sources: sources,
		jobs:    make(map[string]*job),
		tiles:   make(map[string]*tile.Tile),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.loader = loader.New(logger, p.tileEvent, loader.WithMetrics(p.reg))
	return p
}

// Start launches the pass loop. It returns immediately.
func (p *Planner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.runCtx = runCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(runCtx)
}

// Close stops the pass loop and waits for it. Tiles already dispatched
// finish or fail on their own as the context unwinds.
func (p *Planner) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
	})
}

func (p *Planner) loop(ctx context.Context) {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.PassIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.pass(ctx)
	}
}

// wakeLoop nudges the pass loop without blocking.
func (p *Planner) wakeLoop() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ─── Pass ─────────────────────────────────────────────────────────────────────

// pass runs one plan/score/drain cycle.
func (p *Planner) pass(ctx context.Context) {
	p.mu.Lock()
	submit := p.topUpLocked()
	frame := p.frameLocked()
	p.finishDoneJobsLocked()
	orphans := p.pruneTilesLocked()
	p.mu.Unlock()

	for _, key := range orphans {
		p.loader.Unwatch(key)
	}

	// The frame must land before the submissions scored against it.
	p.loader.SetFrame(frame)
	for _, t := range submit {
		p.loader.Submit(t)
	}
	p.loader.Drain(ctx, p.cfg.MaxLoading, p.cfg.MaxNewLoads)
}

// topUpLocked walks active jobs oldest-first and issues new tiles until
// the outstanding set reaches its cap. Returns the tiles to submit.
func (p *Planner) topUpLocked() []*tile.Tile {
	outstanding := 0
	for _, j := range p.jobs {
		if j.state.Active() {
			outstanding += len(j.outstanding)
		}
	}

	var submit []*tile.Tile
	for _, j := range p.activeJobsLocked() {
		for outstanding < p.cfg.MaxQueued {
			id, ok := j.cursor.next()
			if !ok {
				break
			}
			key := grid.Key(j.spec.SourceID, id)
			j.outstanding[key] = struct{}{}
			j.issued++
			outstanding++
			if j.state == JobStatePending {
				j.state = JobStateRunning
				p.log.Info("job running", "job", j.id, "source", j.spec.SourceID, "tiles", j.total)
			}

			// Overlapping jobs share one tile object per key, but only
			// while it is still loadable: a settled or errored object
			// would never be admitted again, so those get a fresh one.
			t, exists := p.tiles[key]
			if !exists || (t.State() != tile.StateIdle && t.State() != tile.StateLoading) {
				t = tile.New(id, j.src, p.loader.TileChanged)
				p.tiles[key] = t
			}
			submit = append(submit, t)
		}
		if outstanding >= p.cfg.MaxQueued {
			break
		}
	}
	return submit
}

// frameLocked snapshots the wanted set of every active job. The center
// comes from the oldest active job, keeping its area ahead of later
// arrivals at equal zoom.
func (p *Planner) frameLocked() priority.Frame {
	wanted := make(map[string]map[string]struct{})
	var center grid.Point
	first := true

	for _, j := range p.activeJobsLocked() {
		if first {
			center = j.spec.BBox.Center()
			first = false
		}
		m := wanted[j.spec.SourceID]
		if m == nil {
			m = make(map[string]struct{})
			wanted[j.spec.SourceID] = m
		}
		for key := range j.outstanding {
			m[key] = struct{}{}
		}
	}
	return priority.Frame{Wanted: wanted, Center: center}
}

// activeJobsLocked returns pending and running jobs oldest first. Job
// IDs are ULIDs, so lexicographic order is creation order.
func (p *Planner) activeJobsLocked() []*job {
	var active []*job
	for _, j := range p.jobs {
		if j.state.Active() {
			active = append(active, j)
		}
	}
	sort.Slice(active, func(i, k int) bool { return active[i].id < active[k].id })
	return active
}

// finishDoneJobsLocked completes active jobs with nothing left to do.
// Catches zero-tile jobs and jobs whose last settle raced the previous
// pass.
func (p *Planner) finishDoneJobsLocked() {
	for _, j := range p.jobs {
		if j.state.Active() && j.done() {
			p.finishJobLocked(j, JobStateCompleted)
		}
	}
}

// pruneTilesLocked drops shared tile objects no active job references.
// Canceled jobs and frame changes leave orphans behind in the map; tiles
// still in flight are left for their settle event to clean up. The
// pruned keys are returned so the caller can release their loader
// subscriptions (errored tiles stay watched until someone does).
func (p *Planner) pruneTilesLocked() []string {
	needed := make(map[string]struct{})
	for _, j := range p.jobs {
		if !j.state.Active() {
			continue
		}
		for k := range j.outstanding {
			needed[k] = struct{}{}
		}
		for k := range j.failed {
			needed[k] = struct{}{}
		}
	}
	var pruned []string
	for key, t := range p.tiles {
		if _, ok := needed[key]; ok {
			continue
		}
		if t.State() == tile.StateLoading {
			continue
		}
		delete(p.tiles, key)
		pruned = append(pruned, key)
	}
	return pruned
}

// finishJobLocked moves a job to a terminal state and fires its
// callback.
func (p *Planner) finishJobLocked(j *job, state JobState) {
	j.state = state
	j.finished = time.Now()

	event := "job.completed"
	if state == JobStateCanceled {
		event = "job.canceled"
	}
	p.log.Info("job finished",
		"job", j.id,
		"state", string(state),
		"loaded", j.loaded,
		"empty", j.empty,
		"failed", len(j.failed),
	)
	if p.reg != nil {
		switch state {
		case JobStateCompleted:
			p.reg.JobsCompleted.Inc(j.spec.SourceID)
		case JobStateCanceled:
			p.reg.JobsCanceled.Inc(j.spec.SourceID)
		}
	}
	if p.notifier != nil {
		p.notifier.Deliver(j.spec.CallbackURL, notify.Event{
			Event:       event,
			JobID:       j.id,
			Source:      j.spec.SourceID,
			TilesTotal:  int(j.total),
			TilesLoaded: int(j.loaded),
			TilesEmpty:  int(j.empty),
			TilesFailed: len(j.failed),
			FinishedAt:  j.finished.UnixMilli(),
		})
	}
}

// ─── Tile events ──────────────────────────────────────────────────────────────

// tileEvent is the loader's change callback: credit every job waiting on
// the key and prune the shared tile object once nobody needs it.
func (p *Planner) tileEvent(t *tile.Tile, to tile.State) {
	key := t.Key()

	p.mu.Lock()
	retryable := false
	for _, j := range p.jobs {
		if !j.state.Active() {
			continue
		}
		if _, waiting := j.outstanding[key]; !waiting {
			continue
		}
		delete(j.outstanding, key)
		switch to {
		case tile.StateLoaded:
			j.loaded++
		case tile.StateEmpty:
			j.empty++
		case tile.StateError:
			j.failed[key] = t
			retryable = true
		}
		if j.done() {
			p.finishJobLocked(j, JobStateCompleted)
		}
	}
	if to != tile.StateError || !retryable {
		delete(p.tiles, key)
	}
	p.mu.Unlock()

	// An error nobody waits on will never be retried; release its
	// subscription instead of letting it sit in the loader forever.
	if to == tile.StateError && !retryable {
		p.loader.Unwatch(key)
	}

	if p.reg != nil {
		switch to {
		case tile.StateLoaded:
			p.reg.TilesLoaded.Inc(t.SourceID())
		case tile.StateEmpty:
			p.reg.TilesEmpty.Inc(t.SourceID())
		case tile.StateError:
			p.reg.TilesErrored.Inc(t.SourceID())
		}
	}
	if to == tile.StateError {
		p.log.Warn("tile failed", "tile", key, "error", t.Err())
	}
	p.wakeLoop()
}

// ─── Operations ───────────────────────────────────────────────────────────────

// CreateJob validates spec, registers the job and wakes the loop.
func (p *Planner) CreateJob(spec JobSpec) (Job, error) {
	src, err := p.sources.Get(spec.SourceID)
	if err != nil {
		return Job{}, err
	}
	if err := spec.validate(src); err != nil {
		return Job{}, err
	}

	id, err := ident.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("planner: generate job id: %w", err)
	}

	var (
		ranges []grid.TileRange
		total  int64
	)
	for z := spec.MinZoom; z <= spec.MaxZoom; z++ {
		r := grid.Range(spec.BBox, z)
		ranges = append(ranges, r)
		total += r.Count()
	}

	j := &job{
		id:          id,
		spec:        spec,
		src:         src,
		state:       JobStatePending,
		created:     time.Now(),
		cursor:      newRangeCursor(ranges),
		total:       total,
		outstanding: make(map[string]struct{}),
		failed:      make(map[string]*tile.Tile),
	}

	p.mu.Lock()
	p.jobs[id] = j
	snap := j.snapshot()
	p.mu.Unlock()

	p.log.Info("job created",
		"job", id,
		"source", spec.SourceID,
		"zooms", fmt.Sprintf("%d-%d", spec.MinZoom, spec.MaxZoom),
		"tiles", total,
	)
	if p.reg != nil {
		p.reg.JobsCreated.Inc(spec.SourceID)
	}
	p.wakeLoop()
	return snap, nil
}

// GetJob returns a snapshot of one job.
func (p *Planner) GetJob(id string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j.snapshot(), nil
}

// ListJobs returns snapshots of every job, oldest first.
func (p *Planner) ListJobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// CancelJob stops an active job. Its queued tiles fall out of the frame
// on the next pass; tiles already in flight settle and are discarded.
func (p *Planner) CancelJob(id string) (Job, error) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !j.state.Active() {
		p.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, j.state)
	}

	// Orphaned keys leave p.tiles when they settle or get rescored out.
	j.outstanding = make(map[string]struct{})
	j.failed = make(map[string]*tile.Tile)
	p.finishJobLocked(j, JobStateCanceled)
	snap := j.snapshot()
	p.mu.Unlock()

	p.wakeLoop()
	return snap, nil
}

// Failures lists the tiles of a job that settled in the error state.
func (p *Planner) Failures(id string) ([]FailedTile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	out := make([]FailedTile, 0, len(j.failed))
	for key, t := range j.failed {
		f := FailedTile{Key: key}
		if err := t.Err(); err != nil {
			f.Error = err.Error()
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out, nil
}

// RetryFailed re-drives every failed tile of a job through its load
// state machine. Errored tiles stay subscribed in the loader, so their
// outcomes flow back through the same accounting without re-queueing.
// Allowed on completed jobs too: the job returns to running until the
// retried tiles settle.
func (p *Planner) RetryFailed(id string) (int, error) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.state == JobStateCanceled {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %s is canceled", ErrJobFinished, id)
	}

	retry := make([]*tile.Tile, 0, len(j.failed))
	for key, t := range j.failed {
		delete(j.failed, key)
		j.outstanding[key] = struct{}{}
		p.tiles[key] = t
		retry = append(retry, t)
	}
	if len(retry) > 0 && j.state == JobStateCompleted {
		j.state = JobStateRunning
		j.finished = time.Time{}
	}
	ctx := p.runCtx
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	for _, t := range retry {
		p.loader.Watch(t.Key())
		t.Load(ctx)
	}
	if len(retry) > 0 {
		p.log.Info("retrying failed tiles", "job", id, "tiles", len(retry))
	}
	p.wakeLoop()
	return len(retry), nil
}

// Stats returns a planner-wide snapshot.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		JobsTotal:    len(p.jobs),
		TilesQueued:  p.loader.QueuedCount(),
		TilesLoading: p.loader.LoadingCount(),
	}
	for _, j := range p.jobs {
		switch {
		case j.state.Active():
			s.JobsActive++
		case j.state == JobStateCompleted:
			s.JobsCompleted++
		case j.state == JobStateCanceled:
			s.JobsCanceled++
		}
		s.TilesLoaded += j.loaded
		s.TilesEmpty += j.empty
		s.TilesFailed += int64(len(j.failed))
	}
	return s
}
