// Package sweep implements the recurring TTL expiry sweep of the cache tree.
package sweep

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/powered-cache/powered-cache/cache"
	"github.com/powered-cache/powered-cache/metrics"
	"github.com/powered-cache/powered-cache/queue"
	"github.com/powered-cache/powered-cache/settings"
)

// requeueDelay gives a deleted entry a moment before the preloader
// re-fetches it.
const requeueDelay = 10 * time.Second

// TTLHook can adjust the effective TTL before each sweep.
type TTLHook func(time.Duration) time.Duration

// Sweeper periodically deletes cache entries older than the configured TTL
// and feeds the deleted URLs back to the preload queue.
type Sweeper struct {
	store    *cache.Store
	queue    *queue.Queue
	metrics  *metrics.Metrics
	current  func() (settings.Settings, bool)
	log      zerolog.Logger
	ttlHooks []TTLHook

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a sweeper. current supplies the live settings snapshot; the
// sweeper is a no-op while caching is disabled or the snapshot is unreadable.
func New(store *cache.Store, q *queue.Queue, m *metrics.Metrics, current func() (settings.Settings, bool), logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		queue:   q,
		metrics: m,
		current: current,
		log:     logger.With().Str("component", "sweeper").Logger(),
		stopCh:  make(chan struct{}),
	}
}

// AddTTLHook registers a hook that can alter the effective TTL.
func (s *Sweeper) AddTTLHook(hook TTLHook) {
	s.ttlHooks = append(s.ttlHooks, hook)
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop terminates the loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	for {
		interval := s.interval()
		select {
		case <-s.stopCh:
			return
		case <-time.After(interval):
			s.RunOnce(time.Now())
		}
	}
}

// interval derives the sweep cadence from the TTL: hourly, unless the TTL is
// shorter than an hour. With sweeping disabled it just re-checks settings
// every hour.
func (s *Sweeper) interval() time.Duration {
	set, ok := s.current()
	if !ok {
		return time.Hour
	}
	ttl := s.effectiveTTL(set)
	if ttl > 0 && ttl < time.Hour {
		return ttl
	}
	return time.Hour
}

// RunOnce performs a single sweep at the given time.
// TTL zero means event-driven invalidation only; nothing is swept.
func (s *Sweeper) RunOnce(now time.Time) {
	set, ok := s.current()
	if !ok || !set.EnablePageCache {
		return
	}
	ttl := s.effectiveTTL(set)
	if ttl <= 0 {
		return
	}
	swept, err := s.store.SweepExpired(ttl, now)
	if err != nil {
		s.log.Error().Err(err).Msg("Sweep failed")
		return
	}
	if len(swept) == 0 {
		return
	}
	s.metrics.SweptEntries.Add(float64(len(swept)))
	s.log.Info().Int("urls", len(swept)).Msg("Swept expired entries")

	if !set.PreloadEnabled {
		return
	}
	items := make([]queue.Item, 0, len(swept))
	for _, u := range swept {
		items = append(items, queue.Item{
			Kind:      queue.KindPreload,
			Host:      u.Host,
			Path:      u.Path,
			NotBefore: now.Add(requeueDelay),
		})
	}
	if err := s.queue.Push(items...); err != nil {
		s.log.Warn().Err(err).Msg("Could not requeue swept URLs for preload")
	}
}

func (s *Sweeper) effectiveTTL(set settings.Settings) time.Duration {
	ttl := set.TTL()
	for _, hook := range s.ttlHooks {
		ttl = hook(ttl)
	}
	return ttl
}
