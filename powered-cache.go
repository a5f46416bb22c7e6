// Package poweredcache is a full-page HTML cache in front of a CMS origin.
// Requests that pass the eligibility checks are served straight from an
// on-disk cache tree; everything else is proxied to the origin, and eligible
// responses are captured and stored on the way out.
package poweredcache

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/powered-cache/powered-cache/cache"
	"github.com/powered-cache/powered-cache/metrics"
	tee "github.com/powered-cache/powered-cache/pkg/response-writer-tee"
	"github.com/powered-cache/powered-cache/settings"
)

// CacheVeto lets integrations reject caching of a rendered response.
// Returning true prevents the write; the response is sent unmodified.
type CacheVeto func(r *http.Request, status int, header http.Header) bool

// HeaderAllowlistHook extends the set of response header names stored with a
// cache entry.
type HeaderAllowlistHook func(allowed []string) []string

// Proxy is the cache server: read path, origin proxy and write path.
type Proxy struct {
	origin      *url.URL
	store       *cache.Store
	metrics     *metrics.Metrics
	snapshotDir string
	upstream    *httputil.ReverseProxy
	log         zerolog.Logger

	mu      sync.Mutex
	loaders map[string]*settings.Loader

	vetoes      []CacheVeto
	headerHooks []HeaderAllowlistHook
}

// NewProxy creates the cache server. snapshotDir is where the settings store
// generates its per-host snapshot files.
func NewProxy(origin *url.URL, store *cache.Store, m *metrics.Metrics, snapshotDir string, logger zerolog.Logger) *Proxy {
	p := &Proxy{
		origin:      origin,
		store:       store,
		metrics:     m,
		snapshotDir: snapshotDir,
		log:         logger.With().Str("component", "proxy").Logger(),
		loaders:     map[string]*settings.Loader{},
	}
	p.upstream = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = origin.Scheme
			req.URL.Host = origin.Host
			// the origin routes sites by Host header, leave it untouched
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Error().Err(err).Str("path", r.URL.Path).Msg("Origin request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return p
}

// AddCacheVeto registers a write-path veto hook.
func (p *Proxy) AddCacheVeto(v CacheVeto) {
	p.vetoes = append(p.vetoes, v)
}

// AddHeaderAllowlistHook registers a stored-header allow-list extension.
func (p *Proxy) AddHeaderAllowlistHook(h HeaderAllowlistHook) {
	p.headerHooks = append(p.headerHooks, h)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	set, ok := p.settingsFor(host)

	elig := evaluate(r, set, ok)
	if elig.reason != "" {
		p.miss(w, r, set.DebugMode && ok, elig.reason)
		return
	}

	if entry, found := p.store.Lookup(elig.key); found {
		p.serveHit(w, r, entry, set)
		return
	}

	markMiss(w.Header(), reasonNotCached, set.DebugMode)
	p.metrics.Misses.WithLabelValues(reasonNotCached).Inc()
	rw := tee.NewResponseSaver(w)
	p.upstream.ServeHTTP(rw, r)
	p.maybeStore(r, set, elig.key, rw)
}

// miss forwards an uncacheable request to the origin without capturing it.
func (p *Proxy) miss(w http.ResponseWriter, r *http.Request, debug bool, reason string) {
	markMiss(w.Header(), reason, debug)
	p.metrics.Misses.WithLabelValues(reason).Inc()
	p.log.Trace().Str("host", r.Host).Str("path", r.URL.Path).Str("reason", reason).Msg("Cache miss")
	p.upstream.ServeHTTP(w, r)
}

// serveHit replays a stored response and terminates the request.
func (p *Proxy) serveHit(w http.ResponseWriter, r *http.Request, entry cache.Entry, set settings.Settings) {
	body := entry.Body
	gzipped := entry.Meta.Gzip
	if gzipped && !acceptsGzip(r) {
		plain, err := gunzip(body)
		if err != nil {
			// stored variant unreadable, fall through to the origin
			p.miss(w, r, set.DebugMode, reasonNotCached)
			return
		}
		body = plain
		gzipped = false
	}

	h := w.Header()
	for name, values := range entry.Meta.Header {
		h[name] = values
	}
	if h.Get("Content-Type") == "" && entry.Meta.ContentType != "" {
		h.Set("Content-Type", entry.Meta.ContentType)
	}
	if gzipped {
		h.Set("Content-Encoding", "gzip")
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	markHit(h, entry.Age(), set.DebugMode)

	p.metrics.Hits.Inc()
	p.log.Trace().Str("host", r.Host).Str("path", r.URL.Path).Dur("age", entry.Age()).Msg("Cache hit")

	w.WriteHeader(entry.Meta.Status)
	w.Write(body)
}

// settingsFor returns the merged settings for a host, preferring the host's
// own snapshot and falling back to the network-wide one. A missing or
// unreadable snapshot disables caching for the request.
func (p *Proxy) settingsFor(host string) (settings.Settings, bool) {
	if set, ok := p.loader(host).Current(); ok {
		return set, true
	}
	return p.loader(settings.NetworkSite).Current()
}

func (p *Proxy) loader(site string) *settings.Loader {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.loaders[site]
	if !ok {
		l = settings.NewLoader(filepath.Join(p.snapshotDir, site+".json"))
		p.loaders[site] = l
	}
	return l
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func gunzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
