package poweredcache

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/powered-cache/powered-cache/cache"
	cachekey "github.com/powered-cache/powered-cache/pkg/cache-key"
	tee "github.com/powered-cache/powered-cache/pkg/response-writer-tee"
	"github.com/powered-cache/powered-cache/settings"
)

// minPageSize rejects implausibly small bodies, typically error fragments or
// empty templates.
const minPageSize = 256

// passwordCookiePrefix marks password-protected content sessions.
const passwordCookiePrefix = "wp-postpass"

// defaultStoredHeaders is the response header allow-list persisted in the
// metadata sidecar.
var defaultStoredHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Link",
	"X-Pingback",
	"X-Robots-Tag",
}

// maybeStore runs the write-path gate over a captured origin response and
// stores it when every check passes. The response has already been sent to
// the client; failures here only cost a future cache hit.
func (p *Proxy) maybeStore(r *http.Request, set settings.Settings, k cachekey.Key, rw *tee.ResponseSaver) {
	if reason, ok := p.cacheable(r, rw); !ok {
		p.log.Trace().Str("path", r.URL.Path).Str("reason", reason).Msg("Response not stored")
		return
	}

	contentType := rw.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	k.ContentTypeHash = cachekey.ContentTypeHash(contentType)

	body := rw.Body()
	if isHTML(contentType) {
		if k.HTTPS {
			body = normalizeScheme(body, k.Host)
		}
		if set.ShowCacheMessage {
			body = appendFootprint(body, rw.CreatedAt)
		}
	}

	if k.Gzip {
		compressed, err := gzipBody(body)
		if err != nil {
			p.log.Warn().Err(err).Str("path", r.URL.Path).Msg("Could not compress body")
			return
		}
		body = compressed
	}

	meta := cache.Metadata{
		Status:      rw.StatusCode(),
		Header:      p.storedHeaders(rw.Header()),
		ContentType: contentType,
		CreatedAt:   rw.CreatedAt,
		Gzip:        k.Gzip,
	}
	if err := p.store.Write(k, meta, body); err != nil {
		p.log.Warn().Err(err).Str("host", k.Host).Str("path", k.Path).Msg("Could not store response")
		return
	}
	p.metrics.Writes.Inc()
	p.log.Trace().Str("host", k.Host).Str("path", k.Path).Int("bytes", len(body)).Msg("Stored response")
}

// cacheable is the write-path decision gate. Any failed check means the
// captured buffer is discarded.
func (p *Proxy) cacheable(r *http.Request, rw *tee.ResponseSaver) (string, bool) {
	if rw.StatusCode() != http.StatusOK {
		return "status", false
	}
	if len(rw.Body()) < minPageSize {
		return "too-small", false
	}
	if rw.Header().Get(headerBypass) != "" {
		return "bypass-header", false
	}
	cc := rw.Header().Get("Cache-Control")
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return "cache-control", false
	}
	for _, c := range r.Cookies() {
		if strings.HasPrefix(c.Name, passwordCookiePrefix) {
			return "password-protected", false
		}
	}
	if r.URL.Query().Has("s") {
		return "search", false
	}
	for _, veto := range p.vetoes {
		if veto(r, rw.StatusCode(), rw.Header()) {
			return "veto", false
		}
	}
	return "", true
}

// storedHeaders filters the origin headers down to the allow-list, extended
// by any registered hooks.
func (p *Proxy) storedHeaders(h http.Header) http.Header {
	allowed := defaultStoredHeaders
	for _, hook := range p.headerHooks {
		allowed = hook(allowed)
	}
	stored := http.Header{}
	for _, name := range allowed {
		if values, ok := h[http.CanonicalHeaderKey(name)]; ok {
			stored[http.CanonicalHeaderKey(name)] = values
		}
	}
	return stored
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(contentType, "text/html")
}

// normalizeScheme rewrites plain-http references to the page's own host so a
// page captured over https does not embed mixed-content URLs.
func normalizeScheme(body []byte, host string) []byte {
	return bytes.ReplaceAll(body, []byte("http://"+host), []byte("https://"+host))
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// appendFootprint adds the cache comment to the end of the stored page.
func appendFootprint(body []byte, created time.Time) []byte {
	footprint := fmt.Sprintf("\n<!-- Cache served by powered-cache - Page generated %s -->", created.UTC().Format(http.TimeFormat))
	return append(body, footprint...)
}
