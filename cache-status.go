package poweredcache

import (
	"fmt"
	"net/http"
	"time"
)

// Response headers describing the cache outcome. The reason header is only
// emitted in debug mode.
const (
	headerStatus = "X-Powered-Cache"
	headerReason = "X-Powered-Cache-Reason"
	headerAge    = "X-Powered-Cache-Age"
)

// headerBypass is the response header an origin sets to veto caching of one
// particular page.
const headerBypass = "X-Powered-Cache-Bypass"

// Miss reasons, one per eligibility check so misses are attributable.
const (
	reasonMethod        = "method"
	reasonExcludedURI   = "excluded-uri"
	reasonNoSettings    = "no-settings"
	reasonDisabled      = "disabled"
	reasonBypassParam   = "bypass-query"
	reasonUserAgent     = "user-agent"
	reasonMobile        = "mobile"
	reasonLoggedIn      = "logged-in"
	reasonCommented     = "recent-comment"
	reasonCookie        = "rejected-cookie"
	reasonURI           = "rejected-uri"
	reasonQueryString   = "query-string"
	reasonTrailingSlash = "trailing-slash"
	reasonNotCached     = "not-cached"
)

func markHit(h http.Header, age time.Duration, debug bool) {
	h.Set(headerStatus, "hit")
	if debug {
		h.Set(headerAge, fmt.Sprintf("%d", int(age.Seconds())))
	}
}

func markMiss(h http.Header, reason string, debug bool) {
	if !debug {
		return
	}
	h.Set(headerStatus, "miss")
	h.Set(headerReason, reason)
}
