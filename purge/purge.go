// Package purge computes related-URL sets for content change events and
// deletes the corresponding cache entries, inline or through the background
// queue.
package purge

import (
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/powered-cache/powered-cache/cache"
	"github.com/powered-cache/powered-cache/metrics"
	"github.com/powered-cache/powered-cache/queue"
	"github.com/powered-cache/powered-cache/settings"
)

// requeueDelay gives a purge a moment to propagate before the preloader
// re-fetches the same URL.
const requeueDelay = 10 * time.Second

// EventKind classifies a content change.
type EventKind string

const (
	// EventPostChange covers publish, update and trash transitions.
	EventPostChange EventKind = "post-change"
	// EventCommentChange covers comment status changes and edits.
	EventCommentChange EventKind = "comment-change"
	// EventTermChange covers taxonomy term create/edit/delete.
	EventTermChange EventKind = "term-change"
	// EventSiteUpdate covers theme switches and site-level updates.
	EventSiteUpdate EventKind = "site-update"
)

// Event describes a content change and the URLs it is known to affect.
// The engine derives the full related-URL set from it.
type Event struct {
	Kind EventKind
	Host string
	// Permalink is the changed content's own URL path.
	Permalink string
	// TermArchives are the taxonomy archive paths of the content's terms.
	TermArchives []string
	// AuthorArchive is the author archive path, if any.
	AuthorArchive string
	// Feeds are the feed paths affected by the change.
	Feeds []string
	// AffectsHome is set when the homepage or posts page shows the content.
	AffectsHome bool
	// TaxonomyPublic gates term-change purges to public taxonomies.
	TaxonomyPublic bool
}

// RelatedURLsHook extends the related-URL set computed for an event.
// Hooks run in registration order after the built-in computation.
type RelatedURLsHook func(Event) []string

// Engine deletes cache entries for URLs, synchronously or via the queue.
type Engine struct {
	store   *cache.Store
	queue   *queue.Queue
	metrics *metrics.Metrics
	log     zerolog.Logger

	// Async selects queued execution for post-change events. It is the
	// fallback when Current is not set.
	Async bool
	// AdditionalPages are administrator-configured paths purged on every
	// content change.
	AdditionalPages []string
	// Current supplies the live settings snapshot. When set, the async mode
	// follows the snapshot on every event, and purged URLs are requeued for
	// preloading while preload is enabled.
	Current func() (settings.Settings, bool)

	hooks []RelatedURLsHook
}

func NewEngine(store *cache.Store, q *queue.Queue, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		queue:   q,
		metrics: m,
		log:     logger.With().Str("component", "purge").Logger(),
	}
}

// AddRelatedURLsHook registers a hook extending related-URL computation.
func (e *Engine) AddRelatedURLsHook(hook RelatedURLsHook) {
	e.hooks = append(e.hooks, hook)
}

// Purge deletes every cached variant of the given paths on a host.
// Missing entries are a no-op success; the whole call is best effort.
func (e *Engine) Purge(host string, paths []string) error {
	var firstErr error
	purged := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := e.store.PurgeURL(host, p); err != nil {
			e.log.Warn().Err(err).Str("host", host).Str("path", p).Msg("Could not purge")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		purged = append(purged, p)
		e.metrics.PurgedURLs.Inc()
		e.log.Debug().Str("host", host).Str("path", p).Msg("Purged")
	}
	e.requeueForPreload(host, purged)
	return firstErr
}

// requeueForPreload re-enqueues just-purged URLs for preloading so popular
// pages come back warm instead of waiting for organic traffic. The delay
// lets the delete propagate before the re-fetch.
func (e *Engine) requeueForPreload(host string, paths []string) {
	if e.Current == nil || len(paths) == 0 {
		return
	}
	set, ok := e.Current()
	if !ok || !set.PreloadEnabled {
		return
	}
	now := time.Now()
	items := make([]queue.Item, 0, len(paths))
	for _, p := range paths {
		items = append(items, queue.Item{
			Kind:      queue.KindPreload,
			Host:      host,
			Path:      p,
			NotBefore: now.Add(requeueDelay),
		})
	}
	if err := e.queue.Push(items...); err != nil {
		e.log.Warn().Err(err).Str("host", host).Msg("Could not requeue purged URLs for preload")
	}
}

// Enqueue persists the paths as purge work items and returns immediately.
func (e *Engine) Enqueue(host string, paths []string) error {
	items := make([]queue.Item, 0, len(paths))
	for _, p := range paths {
		items = append(items, queue.Item{Kind: queue.KindPurge, Host: host, Path: p})
	}
	return e.queue.Push(items...)
}

// HandleEvent computes the related-URL set for a content change and purges
// it. Comment changes always purge inline (the commenter is about to reload
// the page); post changes honor the Async flag; site updates flush the whole
// host tree.
func (e *Engine) HandleEvent(ev Event) error {
	switch ev.Kind {
	case EventCommentChange:
		return e.Purge(ev.Host, []string{normalizePath(ev.Permalink)})
	case EventSiteUpdate:
		return e.PurgeSite(ev.Host)
	case EventTermChange:
		if !ev.TaxonomyPublic {
			return nil
		}
		return e.dispatch(ev.Host, uniquePaths(ev.TermArchives))
	case EventPostChange:
		return e.dispatch(ev.Host, e.relatedURLs(ev))
	}
	return nil
}

// PurgeSite deletes the entire cache tree of a host.
func (e *Engine) PurgeSite(host string) error {
	e.log.Info().Str("host", host).Msg("Purging entire site")
	if err := e.store.PurgeHost(host); err != nil {
		return err
	}
	e.metrics.PurgedURLs.Inc()
	return nil
}

// PurgeNetwork deletes the cache trees of every host.
func (e *Engine) PurgeNetwork() error {
	e.log.Info().Msg("Purging entire network")
	if err := e.store.PurgeAll(); err != nil {
		return err
	}
	e.metrics.PurgedURLs.Inc()
	return nil
}

func (e *Engine) dispatch(host string, paths []string) error {
	if e.asyncMode() {
		return e.Enqueue(host, paths)
	}
	return e.Purge(host, paths)
}

// asyncMode re-reads the async toggle from the live snapshot on every event,
// so a settings save takes effect without a restart.
func (e *Engine) asyncMode() bool {
	if e.Current != nil {
		if set, ok := e.Current(); ok {
			return set.AsyncPurge
		}
	}
	return e.Async
}

// relatedURLs computes the purge set for a post change: the permalink, its
// term archives, the author archive, feeds, the homepage when affected, the
// configured additional pages, and whatever the hooks contribute.
func (e *Engine) relatedURLs(ev Event) []string {
	paths := make([]string, 0, 8)
	if ev.Permalink != "" {
		paths = append(paths, ev.Permalink)
	}
	paths = append(paths, ev.TermArchives...)
	if ev.AuthorArchive != "" {
		paths = append(paths, ev.AuthorArchive)
	}
	paths = append(paths, ev.Feeds...)
	if ev.AffectsHome {
		paths = append(paths, "/")
	}
	paths = append(paths, e.AdditionalPages...)
	for _, hook := range e.hooks {
		paths = append(paths, hook(ev)...)
	}
	return uniquePaths(paths)
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = normalizePath(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// normalizePath reduces absolute URLs and raw paths to a clean URL path.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		if u, err := url.Parse(p); err == nil {
			p = u.Path
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
