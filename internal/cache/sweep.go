package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper deletes cache entries older than a maximum age on an interval.
//
// Seeding jobs re-walk their areas over time, so without a sweep the cache
// only ever grows; the sweeper bounds it by age rather than size because
// tile payloads are small and age is what makes map data stale.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper creates a Sweeper over c. It does nothing until Start.
func NewSweeper(c *Cache, interval, maxAge time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		cache:    c,
		interval: interval,
		maxAge:   maxAge,
		log:      log.With("component", "cache-sweeper"),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine and returns immediately.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		// already stopped
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RunOnce performs a single sweep cycle.
func (s *Sweeper) RunOnce() {
	cutoff := time.Now().Add(-s.maxAge)
	removed, err := s.cache.SweepOlder(cutoff)
	if err != nil {
		s.log.Warn("sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("swept stale tiles", "removed", removed, "older_than", s.maxAge.String())
	}
}
