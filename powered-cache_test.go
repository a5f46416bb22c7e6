package poweredcache

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powered-cache/powered-cache/cache"
	"github.com/powered-cache/powered-cache/metrics"
	cachekey "github.com/powered-cache/powered-cache/pkg/cache-key"
	"github.com/powered-cache/powered-cache/settings"
)

// testPage is comfortably above the minimum cacheable size.
var testPage = "<html><head><title>hello</title></head><body>" +
	strings.Repeat("<p>lorem ipsum dolor sit amet</p>\n", 20) +
	"</body></html>"

func servePage(counter *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if counter != nil {
			counter.Add(1)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, testPage)
	})
}

func newTestProxy(t *testing.T, origin http.Handler, set settings.Settings) (*Proxy, string) {
	t.Helper()
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)
	originURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cacheRoot := t.TempDir()
	snapshotDir := t.TempDir()
	require.NoError(t, settings.WriteSnapshot(
		filepath.Join(snapshotDir, settings.NetworkSite+".json"), set))

	store := cache.NewStore(cachekey.NewResolver(cacheRoot), zerolog.Nop())
	return NewProxy(originURL, store, metrics.New(), snapshotDir, zerolog.Nop()), cacheRoot
}

func do(p *Proxy, target string, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, mod := range mods {
		mod(req)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestMissThenHit(t *testing.T) {
	var hits atomic.Int32
	set := settings.Defaults()
	set.ShowCacheMessage = false
	p, cacheRoot := newTestProxy(t, servePage(&hits), set)

	first := do(p, "http://example.com/foo/")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.NotEqual(t, "hit", first.Header().Get(headerStatus))
	assert.Equal(t, testPage, first.Body.String())

	// the entry landed in the expected spot in the tree
	_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com", "foo", "index.html"))
	require.NoError(t, err)

	second := do(p, "http://example.com/foo/")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get(headerStatus))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes(), "hit must replay the stored bytes")
	assert.Equal(t, int32(1), hits.Load(), "hit must not reach the origin")
}

func TestHitReplaysAllowlistedHeadersOnly(t *testing.T) {
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Pingback", "http://example.com/xmlrpc.php")
		w.Header().Set("Set-Cookie", "tracker=1")
		io.WriteString(w, testPage)
	})
	set := settings.Defaults()
	set.ShowCacheMessage = false
	p, _ := newTestProxy(t, origin, set)

	do(p, "http://example.com/foo/")
	hit := do(p, "http://example.com/foo/")
	require.Equal(t, "hit", hit.Header().Get(headerStatus))
	assert.Equal(t, "http://example.com/xmlrpc.php", hit.Header().Get("X-Pingback"))
	assert.Empty(t, hit.Header().Get("Set-Cookie"), "non-allow-listed headers are not replayed")
}

func TestMobileRequestsNotCachedWhenDisabled(t *testing.T) {
	var hits atomic.Int32
	set := settings.Defaults()
	set.CacheMobile = false
	p, cacheRoot := newTestProxy(t, servePage(&hits), set)

	mobile := func(r *http.Request) {
		r.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 14) Mobile Safari")
	}
	do(p, "http://example.com/foo/", mobile)
	do(p, "http://example.com/foo/", mobile)

	assert.Equal(t, int32(2), hits.Load(), "every mobile request reaches the origin")
	_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
	assert.True(t, os.IsNotExist(err), "nothing stored for mobile requests")
}

func TestRejectedCookieNeverCached(t *testing.T) {
	var hits atomic.Int32
	set := settings.Defaults()
	set.RejectedCookies = []string{"session_debug"}
	p, cacheRoot := newTestProxy(t, servePage(&hits), set)

	withCookie := func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "session_debug", Value: "1"})
	}
	do(p, "http://example.com/foo/", withCookie)
	do(p, "http://example.com/foo/", withCookie)

	assert.Equal(t, int32(2), hits.Load())
	_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
	assert.True(t, os.IsNotExist(err))
}

func TestBypassQueryParam(t *testing.T) {
	var hits atomic.Int32
	p, cacheRoot := newTestProxy(t, servePage(&hits), settings.Defaults())

	do(p, "http://example.com/foo/?nocache=1")
	assert.Equal(t, int32(1), hits.Load())
	_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
	assert.True(t, os.IsNotExist(err))
}

func TestQueryVariants(t *testing.T) {
	set := settings.Defaults()
	set.ShowCacheMessage = false
	set.CacheQueryStrings = []string{"lang"}
	p, cacheRoot := newTestProxy(t, servePage(nil), set)

	do(p, "http://example.com/foo/")
	do(p, "http://example.com/foo/?lang=en")
	do(p, "http://example.com/foo/?lang=fi")
	// ignored marketing parameter shares the base entry
	rec := do(p, "http://example.com/foo/?utm_source=news")
	assert.Equal(t, "hit", rec.Header().Get(headerStatus))

	entries, err := os.ReadDir(filepath.Join(cacheRoot, "powered-cache", "example.com", "foo"))
	require.NoError(t, err)
	var bodies int
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".meta") {
			bodies++
		}
	}
	assert.Equal(t, 3, bodies, "base entry plus one per language")
}

func TestTrailingSlashPassThrough(t *testing.T) {
	var hits atomic.Int32
	p, cacheRoot := newTestProxy(t, servePage(&hits), settings.Defaults())

	do(p, "http://example.com/about")
	do(p, "http://example.com/about")
	assert.Equal(t, int32(2), hits.Load(), "mismatched trailing slash always passes through")
	_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
	assert.True(t, os.IsNotExist(err))
}

func TestGzipStorageAndNegotiation(t *testing.T) {
	set := settings.Defaults()
	set.ShowCacheMessage = false
	set.GzipCompression = true
	p, cacheRoot := newTestProxy(t, servePage(nil), set)

	do(p, "http://example.com/foo/")
	_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com", "foo", "index.html.gz"))
	require.NoError(t, err)

	// client accepting gzip gets the stored bytes as-is
	compressed := do(p, "http://example.com/foo/", func(r *http.Request) {
		r.Header.Set("Accept-Encoding", "gzip")
	})
	require.Equal(t, "hit", compressed.Header().Get(headerStatus))
	assert.Equal(t, "gzip", compressed.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(compressed.Body)
	require.NoError(t, err)
	unzipped, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, testPage, string(unzipped))

	// client without gzip support gets a decompressed body
	plain := do(p, "http://example.com/foo/")
	require.Equal(t, "hit", plain.Header().Get(headerStatus))
	assert.Empty(t, plain.Header().Get("Content-Encoding"))
	assert.Equal(t, testPage, plain.Body.String())
}

func TestFootprintAppended(t *testing.T) {
	set := settings.Defaults()
	set.ShowCacheMessage = true
	p, _ := newTestProxy(t, servePage(nil), set)

	do(p, "http://example.com/foo/")
	hit := do(p, "http://example.com/foo/")
	require.Equal(t, "hit", hit.Header().Get(headerStatus))
	assert.Contains(t, hit.Body.String(), "<!-- Cache served by powered-cache")
}

func TestDebugHeaders(t *testing.T) {
	set := settings.Defaults()
	set.DebugMode = true
	p, _ := newTestProxy(t, servePage(nil), set)

	miss := do(p, "http://example.com/foo/")
	assert.Equal(t, "miss", miss.Header().Get(headerStatus))
	assert.Equal(t, reasonNotCached, miss.Header().Get(headerReason))

	hit := do(p, "http://example.com/foo/")
	assert.Equal(t, "hit", hit.Header().Get(headerStatus))
	assert.NotEmpty(t, hit.Header().Get(headerAge))
}

func TestMissHeadersSuppressedWithoutDebug(t *testing.T) {
	p, _ := newTestProxy(t, servePage(nil), settings.Defaults())
	miss := do(p, "http://example.com/foo/")
	assert.Empty(t, miss.Header().Get(headerStatus))
	assert.Empty(t, miss.Header().Get(headerReason))
}

func TestWriteGates(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, strings.Repeat("gone ", 100), http.StatusNotFound)
		})
		p, cacheRoot := newTestProxy(t, origin, settings.Defaults())
		do(p, "http://example.com/foo/")
		_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("body too small", func(t *testing.T) {
		origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "tiny")
		})
		p, cacheRoot := newTestProxy(t, origin, settings.Defaults())
		do(p, "http://example.com/foo/")
		_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("bypass header", func(t *testing.T) {
		origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(headerBypass, "1")
			io.WriteString(w, testPage)
		})
		p, cacheRoot := newTestProxy(t, origin, settings.Defaults())
		do(p, "http://example.com/foo/")
		_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("veto hook", func(t *testing.T) {
		p, cacheRoot := newTestProxy(t, servePage(nil), settings.Defaults())
		p.AddCacheVeto(func(r *http.Request, status int, header http.Header) bool {
			return strings.HasPrefix(r.URL.Path, "/private/")
		})
		do(p, "http://example.com/private/page/")
		_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("password protected", func(t *testing.T) {
		p, cacheRoot := newTestProxy(t, servePage(nil), settings.Defaults())
		do(p, "http://example.com/foo/", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "wp-postpass_abc", Value: "x"})
		})
		_, err := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestHeaderAllowlistHook(t *testing.T) {
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Custom", "kept")
		io.WriteString(w, testPage)
	})
	set := settings.Defaults()
	set.ShowCacheMessage = false
	p, _ := newTestProxy(t, origin, set)
	p.AddHeaderAllowlistHook(func(allowed []string) []string {
		return append(allowed, "X-Custom")
	})

	do(p, "http://example.com/foo/")
	hit := do(p, "http://example.com/foo/")
	require.Equal(t, "hit", hit.Header().Get(headerStatus))
	assert.Equal(t, "kept", hit.Header().Get("X-Custom"))
}

func TestNoSnapshotFailsOpen(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePage(&hits))
	t.Cleanup(srv.Close)
	originURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	// empty snapshot dir: no settings available for any host
	store := cache.NewStore(cachekey.NewResolver(t.TempDir()), zerolog.Nop())
	p := NewProxy(originURL, store, metrics.New(), t.TempDir(), zerolog.Nop())

	rec := do(p, "http://example.com/foo/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testPage, rec.Body.String())
	assert.Equal(t, int32(1), hits.Load())
}

func TestSiteSnapshotOverridesNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePage(&hits))
	t.Cleanup(srv.Close)
	originURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	snapshotDir := t.TempDir()
	network := settings.Defaults()
	require.NoError(t, settings.WriteSnapshot(filepath.Join(snapshotDir, "network.json"), network))
	site := settings.Defaults()
	site.EnablePageCache = false
	require.NoError(t, settings.WriteSnapshot(filepath.Join(snapshotDir, "example.com.json"), site))

	cacheRoot := t.TempDir()
	store := cache.NewStore(cachekey.NewResolver(cacheRoot), zerolog.Nop())
	p := NewProxy(originURL, store, metrics.New(), snapshotDir, zerolog.Nop())

	do(p, "http://example.com/foo/")
	_, statErr := os.Stat(filepath.Join(cacheRoot, "powered-cache", "example.com"))
	assert.True(t, os.IsNotExist(statErr), "site snapshot disables caching for its host")

	// other hosts still cache via the network snapshot
	do(p, "http://other.com/foo/")
	_, statErr = os.Stat(filepath.Join(cacheRoot, "powered-cache", "other.com", "foo", "index.html"))
	assert.NoError(t, statErr)
}
