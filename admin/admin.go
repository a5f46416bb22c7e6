// Package admin exposes the management surface: purge, preload, settings and
// metrics endpoints. Mutating actions require the API key and a one-time
// nonce, and always answer with a redirect carrying a result flag rather
// than a raw error page.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/powered-cache/powered-cache/metrics"
	"github.com/powered-cache/powered-cache/preload"
	"github.com/powered-cache/powered-cache/purge"
	"github.com/powered-cache/powered-cache/settings"
)

// resultParam is the query flag appended to the post-action redirect.
const resultParam = "pc_result"

// Result flag values.
const (
	ResultPurged   = "purged"
	ResultQueued   = "preload-queued"
	ResultSaved    = "saved"
	ResultFailed   = "failed"
	ResultDenied   = "denied"
	ResultBadNonce = "bad-nonce"
)

// Server wires the admin endpoints to the cache subsystems.
type Server struct {
	settings  *settings.Store
	purger    *purge.Engine
	preloader *preload.Dispatcher
	metrics   *metrics.Metrics
	nonces    *NonceStore
	apiKey    string
	log       zerolog.Logger
}

func NewServer(set *settings.Store, purger *purge.Engine, preloader *preload.Dispatcher, m *metrics.Metrics, apiKey string, logger zerolog.Logger) *Server {
	return &Server{
		settings:  set,
		purger:    purger,
		preloader: preloader,
		metrics:   m,
		nonces:    NewNonceStore(),
		apiKey:    apiKey,
		log:       logger.With().Str("component", "admin").Logger(),
	}
}

// Router builds the admin HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("Admin request")
	}))

	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/admin/nonce", s.handleNonce)
		r.Get("/admin/settings", s.handleGetSettings)
		r.Post("/admin/settings", s.handleSaveSettings)
		r.Post("/admin/purge", s.handlePurge)
		r.Post("/admin/preload", s.handlePreload)
	})
	return r
}

// requireAPIKey gates the admin group on the configured key. With no key
// configured the whole surface is disabled.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-PC-API-Key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.redirectResult(w, r, ResultDenied)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := s.nonces.Create()
	if err != nil {
		s.redirectResult(w, r, ResultFailed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"nonce": nonce})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("host")
	if site == "" {
		site = settings.NetworkSite
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.settings.Load(site))
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	if !s.consumeNonce(r) {
		s.redirectResult(w, r, ResultBadNonce)
		return
	}
	site := r.URL.Query().Get("host")
	if site == "" {
		site = settings.NetworkSite
	}
	var values map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		s.redirectResult(w, r, ResultFailed)
		return
	}
	if err := s.settings.Save(site, values); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("site", site).Msg("Could not save settings")
		s.redirectResult(w, r, ResultFailed)
		return
	}
	s.redirectResult(w, r, ResultSaved)
}

// handlePurge flushes a single URL (path given), a whole site, or with
// scope=network every site's cache tree.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !s.consumeNonce(r) {
		s.redirectResult(w, r, ResultBadNonce)
		return
	}
	query := r.URL.Query()
	host := query.Get("host")
	var err error
	switch {
	case query.Get("scope") == "network":
		err = s.purger.PurgeNetwork()
	case host == "":
		s.redirectResult(w, r, ResultFailed)
		return
	case query.Get("path") != "":
		err = s.purger.Purge(host, []string{query.Get("path")})
	default:
		err = s.purger.PurgeSite(host)
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("host", host).Msg("Purge failed")
		s.redirectResult(w, r, ResultFailed)
		return
	}
	s.redirectResult(w, r, ResultPurged)
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if !s.consumeNonce(r) {
		s.redirectResult(w, r, ResultBadNonce)
		return
	}
	host := r.URL.Query().Get("host")
	if host == "" {
		s.redirectResult(w, r, ResultFailed)
		return
	}
	n, err := s.preloader.PopulateSite(r.Context(), host)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("host", host).Msg("Preload population failed")
		s.redirectResult(w, r, ResultFailed)
		return
	}
	hlog.FromRequest(r).Info().Str("host", host).Int("urls", n).Msg("Preload queued")
	s.redirectResult(w, r, ResultQueued)
}

func (s *Server) consumeNonce(r *http.Request) bool {
	nonce := r.URL.Query().Get("nonce")
	if nonce == "" {
		nonce = r.Header.Get("X-PC-Nonce")
	}
	return s.nonces.Consume(nonce)
}

// redirectResult answers an admin action with a redirect back to the caller,
// carrying the outcome in a query flag.
func (s *Server) redirectResult(w http.ResponseWriter, r *http.Request, result string) {
	target := r.Referer()
	if target == "" {
		target = "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set(resultParam, result)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}
