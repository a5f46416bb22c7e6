package poweredcache

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	cachekey "github.com/powered-cache/powered-cache/pkg/cache-key"
	"github.com/powered-cache/powered-cache/settings"
)

// bypassParam skips the cache for a single request when present in the query
// string.
const bypassParam = "nocache"

// commentCookie marks URLs the client recently commented on. Its value is a
// "|"-separated, URL-encoded list of paths that must be served fresh.
const commentCookie = "powered_cache_commented"

// eligibility is the outcome of the read path's request checks. A zero reason
// means the request is cacheable and key holds the resolved variant key.
type eligibility struct {
	key    cachekey.Key
	reason string
}

// evaluate runs the eligibility checks in order, short-circuiting on the
// first failure. Each failure carries its own miss reason.
func evaluate(r *http.Request, set settings.Settings, haveSettings bool) eligibility {
	if r.Method != http.MethodGet {
		return eligibility{reason: reasonMethod}
	}

	urlPath := r.URL.Path
	if isExcludedURI(urlPath) {
		return eligibility{reason: reasonExcludedURI}
	}

	if !haveSettings {
		return eligibility{reason: reasonNoSettings}
	}
	if !set.EnablePageCache {
		return eligibility{reason: reasonDisabled}
	}

	query := r.URL.Query()
	if query.Has(bypassParam) {
		return eligibility{reason: reasonBypassParam}
	}

	ua := r.UserAgent()
	for _, pattern := range set.RejectedUserAgents {
		if matchPattern(pattern, ua) {
			return eligibility{reason: reasonUserAgent}
		}
	}

	mobile := isMobileUA(ua, set.MobileUserAgents)
	if mobile && !set.CacheMobile {
		return eligibility{reason: reasonMobile}
	}

	cookies := requestCookies(r)
	userSlot := ""
	if name, value, ok := authCookie(cookies, set.LoginCookiePrefixes); ok {
		if !set.LoggedInUserCache {
			return eligibility{reason: reasonLoggedIn}
		}
		userSlot = cachekey.HashToken(name + "=" + value)[:8]
	}

	if recentlyCommented(cookies[commentCookie], urlPath) {
		return eligibility{reason: reasonCommented}
	}

	for _, pattern := range set.RejectedCookies {
		for name := range cookies {
			if matchPattern(pattern, name) {
				return eligibility{reason: reasonCookie}
			}
		}
	}

	for _, pattern := range set.RejectedURIs {
		if matchPattern(pattern, r.URL.RequestURI()) {
			return eligibility{reason: reasonURI}
		}
	}

	queryHash, ok := resolveQueryHash(query, set)
	if !ok {
		return eligibility{reason: reasonQueryString}
	}

	if trailingSlashMismatch(urlPath, set.TrailingSlash) {
		return eligibility{reason: reasonTrailingSlash}
	}

	return eligibility{key: cachekey.Key{
		Host:      requestHost(r),
		Path:      urlPath,
		HTTPS:     requestHTTPS(r),
		Mobile:    mobile && set.SeparateMobile,
		UserSlot:  userSlot,
		VaryHash:  cachekey.VaryHash(cookies, set.VaryCookies),
		QueryHash: queryHash,
		Gzip:      set.GzipCompression,
	}}
}

// isExcludedURI rejects system endpoints and server-side script paths. The
// front controller itself stays cacheable.
func isExcludedURI(urlPath string) bool {
	if urlPath == "/robots.txt" {
		return true
	}
	base := path.Base(urlPath)
	if strings.HasPrefix(base, ".") && base != "." && base != "/" {
		return true
	}
	if strings.HasSuffix(urlPath, ".php") && urlPath != "/index.php" {
		return true
	}
	return false
}

// resolveQueryHash applies the query-string policy: ignored parameters are
// stripped, and any surviving parameter outside the allow list makes the
// request uncacheable.
func resolveQueryHash(query url.Values, set settings.Settings) (string, bool) {
	if len(query) == 0 {
		return "", true
	}
	remaining := url.Values{}
	for name, vs := range query {
		if containsString(set.IgnoredQueryStrings, name) {
			continue
		}
		remaining[name] = vs
	}
	if len(remaining) == 0 {
		return "", true
	}
	for name := range remaining {
		if !containsString(set.CacheQueryStrings, name) {
			return "", false
		}
	}
	return cachekey.QueryHash(remaining, set.CacheQueryStrings), true
}

// trailingSlashMismatch reports whether the request path disagrees with the
// configured permalink style. Mismatched requests pass through so the origin
// can redirect to the canonical URL.
func trailingSlashMismatch(urlPath string, wantSlash bool) bool {
	if urlPath == "/" || path.Ext(urlPath) != "" {
		return false
	}
	return strings.HasSuffix(urlPath, "/") != wantSlash
}

func isMobileUA(ua string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// authCookie returns the first cookie matching a login cookie prefix.
func authCookie(cookies map[string]string, prefixes []string) (name, value string, ok bool) {
	for n, v := range cookies {
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(n, prefix) {
				return n, v, true
			}
		}
	}
	return "", "", false
}

// recentlyCommented reports whether the comment cookie lists the given path.
func recentlyCommented(cookieValue, urlPath string) bool {
	if cookieValue == "" {
		return false
	}
	if unescaped, err := url.QueryUnescape(cookieValue); err == nil {
		cookieValue = unescaped
	}
	for _, p := range strings.Split(cookieValue, "|") {
		if p != "" && p == urlPath {
			return true
		}
	}
	return false
}

func requestCookies(r *http.Request) map[string]string {
	cookies := map[string]string{}
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}
	return cookies
}

func requestHost(r *http.Request) string {
	host := r.Host
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func requestHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// patternCache holds compiled rejection rules; the rule lists are small and
// stable between settings saves, recompiling per request would be wasteful.
var patternCache sync.Map

// matchPattern treats the configured rule as a case-insensitive regular
// expression, falling back to substring matching when it does not compile.
func matchPattern(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	if cached, ok := patternCache.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re.MatchString(s)
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(pattern))
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		patternCache.Store(pattern, pattern)
		return strings.Contains(strings.ToLower(s), strings.ToLower(pattern))
	}
	patternCache.Store(pattern, re)
	return re.MatchString(s)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
