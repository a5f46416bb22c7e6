// Package preload drains the background work queue: it executes queued
// purges and politely re-fetches URLs so the write path repopulates the
// cache ahead of real traffic.
package preload

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/powered-cache/powered-cache/metrics"
	"github.com/powered-cache/powered-cache/purge"
	"github.com/powered-cache/powered-cache/queue"
	"github.com/powered-cache/powered-cache/settings"
)

const (
	// fetchTimeout keeps one slow origin page from stalling the queue.
	fetchTimeout = 10 * time.Second
	// idlePoll is the fallback wake-up when no push notification arrives.
	idlePoll = 5 * time.Second
)

// Dispatcher is the background worker draining the persisted queue.
type Dispatcher struct {
	queue   *queue.Queue
	purger  *purge.Engine
	metrics *metrics.Metrics
	current func() (settings.Settings, bool)
	log     zerolog.Logger

	// Target is the base URL preload fetches are sent to, normally the
	// cache server's own listen address. The page host rides in the Host
	// header so the write path files the entry under the right tree.
	Target string

	client  *http.Client
	limiter *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The polite delay between preload
// fetches comes from the settings snapshot (default ~0.5s) and is re-read
// before every fetch, so a settings save takes effect without a restart.
func NewDispatcher(q *queue.Queue, purger *purge.Engine, m *metrics.Metrics, current func() (settings.Settings, bool), target string, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		queue:   q,
		purger:  purger,
		metrics: m,
		current: current,
		log:     logger.With().Str("component", "preload").Logger(),
		Target:  target,
		client:  &http.Client{Timeout: fetchTimeout},
		stopCh:  make(chan struct{}),
	}
	d.limiter = rate.NewLimiter(rate.Every(d.politeDelay()), 1)
	return d
}

// politeDelay returns the configured pause between preload fetches.
func (d *Dispatcher) politeDelay() time.Duration {
	delay := time.Duration(settings.Defaults().PreloadDelayMs) * time.Millisecond
	if set, ok := d.current(); ok && set.PreloadDelayMs > 0 {
		delay = time.Duration(set.PreloadDelayMs) * time.Millisecond
	}
	return delay
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
}

// Stop terminates the loop and waits for in-flight work to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	for {
		p, err := d.queue.Pop()
		if err != nil {
			d.log.Error().Err(err).Msg("Could not read queue")
			p = nil
		}
		if p == nil {
			select {
			case <-d.stopCh:
				return
			case <-d.queue.Notify():
			case <-time.After(idlePoll):
			}
			continue
		}
		d.process(p)
		if n, err := d.queue.Len(); err == nil {
			d.metrics.QueueDepth.Set(float64(n))
		}
		select {
		case <-d.stopCh:
			return
		default:
		}
	}
}

// process executes one item. Failures are logged and the item acknowledged
// anyway: one bad URL must not stall the whole queue.
func (d *Dispatcher) process(p *queue.Pending) {
	switch p.Kind {
	case queue.KindPurge:
		if err := d.purger.Purge(p.Host, []string{p.Path}); err != nil {
			d.log.Warn().Err(err).Str("path", p.Path).Msg("Queued purge failed")
		}
	case queue.KindPreload:
		d.fetch(p.Host, p.Path)
	}
	if err := d.queue.Done(p); err != nil {
		d.log.Warn().Err(err).Msg("Could not acknowledge queue item")
	}
}

// fetch re-requests a URL through the cache server, fire and forget.
// The response body is discarded; populating the cache is a side effect of
// the request reaching the write path.
func (d *Dispatcher) fetch(host, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	if limit := rate.Every(d.politeDelay()); limit != d.limiter.Limit() {
		d.limiter.SetLimit(limit)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Target+path, nil)
	if err != nil {
		d.metrics.PreloadErrors.Inc()
		return
	}
	req.Host = host
	req.Header.Set("User-Agent", "PoweredCache-Preloader")

	res, err := d.client.Do(req)
	if err != nil {
		d.metrics.PreloadErrors.Inc()
		d.log.Debug().Err(err).Str("host", host).Str("path", path).Msg("Preload fetch failed")
		return
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	d.metrics.PreloadFetches.Inc()
	d.log.Trace().Str("host", host).Str("path", path).Int("status", res.StatusCode).Msg("Preloaded")
}

// PopulateSite enumerates a site's public URLs via its sitemaps and enqueues
// them for preloading. Starting a new run supersedes any in-flight previous
// run: its still-queued items are discarded on dequeue.
func (d *Dispatcher) PopulateSite(ctx context.Context, host string) (int, error) {
	set, ok := d.current()
	if !ok {
		return 0, nil
	}
	run, err := d.queue.NewRun()
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	var paths []string
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sitemap := range set.PreloadSitemaps {
		sitemap := sitemap
		g.Go(func() error {
			found, err := d.walkSitemap(ctx, host, sitemap)
			if err != nil {
				d.log.Warn().Err(err).Str("sitemap", sitemap).Msg("Could not walk sitemap")
				return nil
			}
			mu.Lock()
			paths = append(paths, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	items := make([]queue.Item, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		items = append(items, queue.Item{Kind: queue.KindPreload, Host: host, Path: p, Run: run})
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := d.queue.Push(items...); err != nil {
		return 0, err
	}
	d.log.Info().Str("host", host).Int("urls", len(items)).Uint64("run", run).Msg("Preload run populated")
	return len(items), nil
}
