// Package settings implements the settings snapshot store.
//
// Cache behavior settings are persisted as named options in a small sqlite
// database and flattened into a generated JSON snapshot file per host (plus a
// network-wide fallback). The snapshot file is the only thing the hot cache
// path ever reads, so it stays loadable without touching the database.
package settings

import (
	"encoding/json"
	"time"
)

// Settings is the total, merged configuration consumed by the cache paths.
// Every field has a default, so a loaded Settings value never has missing keys.
type Settings struct {
	EnablePageCache      bool     `json:"enable_page_cache"`
	CacheTimeout         int      `json:"cache_timeout"` // TTL in seconds, 0 = never expire via sweep
	GzipCompression      bool     `json:"gzip_compression"`
	CacheMobile          bool     `json:"cache_mobile"`
	SeparateMobile       bool     `json:"cache_mobile_separate_file"`
	LoggedInUserCache    bool     `json:"loggedin_user_cache"`
	TrailingSlash        bool     `json:"trailing_slash"`
	ShowCacheMessage     bool     `json:"show_cache_message"`
	AsyncPurge           bool     `json:"async_cache_cleaning"`
	DebugMode            bool     `json:"debug_mode"`
	RejectedUserAgents   []string `json:"rejected_user_agents"`
	RejectedCookies      []string `json:"rejected_cookies"`
	RejectedURIs         []string `json:"rejected_uri"`
	VaryCookies          []string `json:"vary_cookies"`
	CacheQueryStrings    []string `json:"cache_query_strings"`
	IgnoredQueryStrings  []string `json:"ignored_query_strings"`
	MobileUserAgents     []string `json:"mobile_browsers"`
	LoginCookiePrefixes  []string `json:"login_cookie_prefixes"`
	PurgeAdditionalPages []string `json:"purge_additional_pages"`
	PreloadEnabled       bool     `json:"enable_cache_preload"`
	PreloadSitemaps      []string `json:"preload_sitemaps"`
	PreloadDelayMs       int      `json:"preload_delay_ms"`
}

// TTL returns the cache timeout as a duration.
func (s Settings) TTL() time.Duration {
	return time.Duration(s.CacheTimeout) * time.Second
}

// Defaults returns the built-in settings every snapshot starts from.
func Defaults() Settings {
	return Settings{
		EnablePageCache:   true,
		CacheTimeout:      3600,
		GzipCompression:   false,
		CacheMobile:       true,
		SeparateMobile:    false,
		LoggedInUserCache: false,
		TrailingSlash:     true,
		ShowCacheMessage:  true,
		AsyncPurge:        false,
		DebugMode:         false,
		RejectedUserAgents: []string{"facebookexternalhit"},
		RejectedCookies:    []string{},
		RejectedURIs:       []string{},
		VaryCookies:        []string{},
		CacheQueryStrings:  []string{},
		IgnoredQueryStrings: []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid",
		},
		MobileUserAgents: []string{
			"Mobile", "Android", "Silk/", "Kindle", "BlackBerry", "Opera Mini", "Opera Mobi",
		},
		LoginCookiePrefixes:  []string{"wordpress_logged_in_"},
		PurgeAdditionalPages: []string{},
		PreloadEnabled:       false,
		PreloadSitemaps:      []string{"/sitemap.xml"},
		PreloadDelayMs:       500,
	}
}

// Merge overlays the given option values on top of s.
// Option names are the JSON field names; unknown names are ignored.
// Values round-trip through JSON so they can come from the database or from
// an admin request body interchangeably.
func Merge(s Settings, overrides map[string]json.RawMessage) (Settings, error) {
	base, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	flat := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &flat); err != nil {
		return s, err
	}
	for name, value := range overrides {
		if _, known := flat[name]; known {
			flat[name] = value
		}
	}
	merged, err := json.Marshal(flat)
	if err != nil {
		return s, err
	}
	out := s
	if err := json.Unmarshal(merged, &out); err != nil {
		return s, err
	}
	return out, nil
}
