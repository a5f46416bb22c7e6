package preload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/powered-cache/powered-cache/cache"
	"github.com/powered-cache/powered-cache/metrics"
	cachekey "github.com/powered-cache/powered-cache/pkg/cache-key"
	"github.com/powered-cache/powered-cache/purge"
	"github.com/powered-cache/powered-cache/queue"
	"github.com/powered-cache/powered-cache/settings"
)

func newTestDispatcher(t *testing.T, target string, set settings.Settings) (*Dispatcher, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	store := cache.NewStore(cachekey.NewResolver(t.TempDir()), zerolog.Nop())
	m := metrics.New()
	purger := purge.NewEngine(store, q, m, zerolog.Nop())
	current := func() (settings.Settings, bool) { return set, true }
	return NewDispatcher(q, purger, m, current, target, zerolog.Nop()), q
}

func TestDispatcherFetchesPreloadItems(t *testing.T) {
	var fetched atomic.Int32
	var gotHost atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched.Add(1)
		gotHost.Store(r.Host)
		w.Write([]byte("warm"))
	}))
	defer origin.Close()

	set := settings.Defaults()
	set.PreloadDelayMs = 1
	d, q := newTestDispatcher(t, origin.URL, set)
	require.NoError(t, q.Push(queue.Item{Kind: queue.KindPreload, Host: "example.com", Path: "/warm-me"}))

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return fetched.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "example.com", gotHost.Load())

	// item acknowledged after processing
	require.Eventually(t, func() bool {
		n, err := q.Len()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherContinuesPastBadURL(t *testing.T) {
	var good atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/good" {
			good.Add(1)
		}
		w.Write([]byte("ok"))
	}))
	defer origin.Close()

	set := settings.Defaults()
	set.PreloadDelayMs = 1
	d, q := newTestDispatcher(t, origin.URL, set)
	// first item is unfetchable, second must still be processed
	require.NoError(t, q.Push(
		queue.Item{Kind: queue.KindPreload, Host: "example.com", Path: "/%zz"},
		queue.Item{Kind: queue.KindPreload, Host: "example.com", Path: "/good"},
	))

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return good.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPopulateSiteFromSitemap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0"?>
<sitemapindex><sitemap><loc>/sitemap-posts.xml</loc></sitemap></sitemapindex>`))
	})
	mux.HandleFunc("/sitemap-posts.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0"?>
<urlset>
  <url><loc>https://example.com/</loc></url>
  <url><loc>https://example.com/post-1</loc></url>
  <url><loc>https://example.com/category/news</loc></url>
</urlset>`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	d, q := newTestDispatcher(t, origin.URL, settings.Defaults())
	n, err := d.PopulateSite(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, queue.KindPreload, p.Kind)
	assert.Equal(t, "/", p.Path)
	assert.Equal(t, q.Run(), p.Run)
}

func TestPopulateSiteSupersedesPreviousRun(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<urlset><url><loc>/page</loc></url></urlset>`))
	}))
	defer origin.Close()

	d, q := newTestDispatcher(t, origin.URL, settings.Defaults())

	_, err := d.PopulateSite(context.Background(), "example.com")
	require.NoError(t, err)
	_, err = d.PopulateSite(context.Background(), "example.com")
	require.NoError(t, err)

	// only the second run's items are delivered
	var delivered int
	for {
		p, err := q.Pop()
		require.NoError(t, err)
		if p == nil {
			break
		}
		assert.Equal(t, q.Run(), p.Run)
		delivered++
		require.NoError(t, q.Done(p))
	}
	assert.Equal(t, 1, delivered)
}

func TestPoliteDelayFollowsSettings(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("warm"))
	}))
	defer origin.Close()

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	store := cache.NewStore(cachekey.NewResolver(t.TempDir()), zerolog.Nop())
	m := metrics.New()
	purger := purge.NewEngine(store, q, m, zerolog.Nop())

	set := settings.Defaults()
	set.PreloadDelayMs = 1
	// the closure serves the live value, like the snapshot loader does
	current := func() (settings.Settings, bool) { return set, true }
	d := NewDispatcher(q, purger, m, current, origin.URL, zerolog.Nop())
	assert.Equal(t, rate.Every(time.Millisecond), d.limiter.Limit())

	// a settings save takes effect on the next fetch, without a restart
	set.PreloadDelayMs = 50
	d.fetch("example.com", "/warm")
	assert.Equal(t, rate.Every(50*time.Millisecond), d.limiter.Limit())
}

func TestPathFromLoc(t *testing.T) {
	assert.Equal(t, "/post-1", pathFromLoc("https://example.com/post-1"))
	assert.Equal(t, "/", pathFromLoc("https://example.com"))
	assert.Equal(t, "/relative", pathFromLoc("relative"))
	assert.Equal(t, "", pathFromLoc("  "))
}
