// Package pqueue provides the keyed priority queue the tile loader drains.
//
// Every element is indexed by a unique string key: inserting a key that is
// already present updates the existing entry's score and position instead
// of duplicating it. Extraction always returns the lowest-score element.
// Scores are tagged values — a score is either numeric or the drop marker,
// and dropped entries are silently evicted rather than ordered. Re-scoring
// the whole queue in one pass is the mechanism by which entries that have
// become irrelevant since insertion are garbage collected.
//
// Ties are broken by insertion order (FIFO), and an entry keeps its
// original insertion rank across score updates and rescore passes, so
// equal-score behavior is deterministic.
//
// The queue is not safe for concurrent use; callers serialize access.
package pqueue

import (
	"container/heap"
	"errors"
)

// ErrEmpty is returned by PopMin when the queue holds no entries.
var ErrEmpty = errors.New("pqueue: empty queue")

// ─── Scores ───────────────────────────────────────────────────────────────────

// Score is the ordering value attached to an entry: either a numeric score
// (lower extracts first) or the drop marker meaning "remove, never order".
type Score struct {
	value float64
	drop  bool
}

// ScoreOf returns a numeric score.
func ScoreOf(v float64) Score { return Score{value: v} }

// Drop returns the drop marker.
func Drop() Score { return Score{drop: true} }

// IsDrop reports whether s is the drop marker.
func (s Score) IsDrop() bool { return s.drop }

// Value returns the numeric score. Only meaningful when !IsDrop().
func (s Score) Value() float64 { return s.value }

// ─── Heap internals ───────────────────────────────────────────────────────────

type entry[T any] struct {
	key   string
	val   T
	score Score
	seq   uint64 // insertion rank, stable across score updates
	idx   int    // position in the heap slice, maintained by Swap
}

// before reports heap ordering: score first, insertion order among ties.
func (e *entry[T]) before(o *entry[T]) bool {
	if e.score.value != o.score.value {
		return e.score.value < o.score.value
	}
	return e.seq < o.seq
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int           { return len(h) }
func (h entryHeap[T]) Less(i, j int) bool { return h[i].before(h[j]) }

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is a min-heap of T indexed by string key.
type Queue[T any] struct {
	heap  entryHeap[T]
	byKey map[string]*entry[T]
	seq   uint64
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{byKey: make(map[string]*entry[T])}
}

// Upsert inserts val under key, or updates the score of the existing entry
// for key. It returns true only when a new entry was inserted. The stored
// element is never replaced on update; only its ordering changes.
//
// A drop score inserts nothing, and evicts any existing entry for key.
func (q *Queue[T]) Upsert(key string, val T, s Score) bool {
	if s.IsDrop() {
		if e, ok := q.byKey[key]; ok {
			heap.Remove(&q.heap, e.idx)
			delete(q.byKey, key)
		}
		return false
	}

	if e, ok := q.byKey[key]; ok {
		e.score = s
		heap.Fix(&q.heap, e.idx)
		return false
	}

	q.seq++
	e := &entry[T]{key: key, val: val, score: s, seq: q.seq}
	q.byKey[key] = e
	heap.Push(&q.heap, e)
	return true
}

// PopMin removes and returns the lowest-score element.
// It returns ErrEmpty when the queue is empty.
func (q *Queue[T]) PopMin() (T, error) {
	if len(q.heap) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	e := heap.Pop(&q.heap).(*entry[T])
	delete(q.byKey, e.key)
	return e.val, nil
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int { return len(q.heap) }

// Has reports whether an entry for key is currently queued.
func (q *Queue[T]) Has(key string) bool {
	_, ok := q.byKey[key]
	return ok
}

// Rescore recomputes every entry's score with fn and removes the entries
// whose new score is the drop marker, returning the removed elements.
// One pass over the entries plus one re-heapify; insertion ranks survive,
// so FIFO tie-breaks are preserved.
func (q *Queue[T]) Rescore(fn func(key string, val T) Score) []T {
	var evicted []T
	kept := q.heap[:0]
	for _, e := range q.heap {
		s := fn(e.key, e.val)
		if s.IsDrop() {
			delete(q.byKey, e.key)
			evicted = append(evicted, e.val)
			continue
		}
		e.score = s
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	for i, e := range q.heap {
		e.idx = i
	}
	heap.Init(&q.heap)
	return evicted
}
