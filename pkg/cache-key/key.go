// Package cachekey maps request attributes to cache directories and variant
// file names. The mapping is deterministic: identical inputs always produce
// the identical path, which is what makes the read and write paths agree.
package cachekey

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FormatVersion is the on-disk filename format version.
// Bump it whenever the token grammar below changes, so that stale trees from
// an older layout are simply missed rather than misread.
const FormatVersion = 1

// cacheDirName is the directory under the cache root that holds all page
// cache entries.
const cacheDirName = "powered-cache"

// Key identifies one cached variant of a URL.
// The variant dimensions are named fields rather than ad-hoc string
// concatenation; Filename serializes them in a fixed token order.
type Key struct {
	Host string
	// Path is the normalized URL path, always starting with "/".
	Path string
	// HTTPS is the request scheme flag.
	HTTPS bool
	// Mobile is set when mobile devices get their own cache file.
	Mobile bool
	// UserSlot is the logged-in cache slot, empty when logged-in users are
	// not cached.
	UserSlot string
	// VaryHash is the hash of matched vary-cookie values, empty when none.
	VaryHash string
	// QueryHash is the hash of allow-listed query values, empty when none.
	QueryHash string
	// ContentTypeHash is set for non-HTML content types only.
	ContentTypeHash string
	// Gzip marks the body file as gzip-compressed.
	Gzip bool
}

// Filename assembles the variant file name from the ordered tokens:
// scheme, device, user slot, vary hash, query hash, content type hash.
// Each token carries its own separator and prefix so that two different
// token combinations can never collide by concatenation.
func (k Key) Filename() string {
	var b strings.Builder
	b.WriteString("index")
	if k.HTTPS {
		b.WriteString("-https")
	}
	if k.Mobile {
		b.WriteString("-mobile")
	}
	if k.UserSlot != "" {
		b.WriteString("_u")
		b.WriteString(k.UserSlot)
	}
	if k.VaryHash != "" {
		b.WriteString("-v")
		b.WriteString(k.VaryHash)
	}
	if k.QueryHash != "" {
		b.WriteString("_q")
		b.WriteString(k.QueryHash)
	}
	if k.ContentTypeHash != "" {
		b.WriteString("-c")
		b.WriteString(k.ContentTypeHash)
	}
	b.WriteString(".html")
	if k.Gzip {
		b.WriteString(".gz")
	}
	return b.String()
}

// Resolver resolves keys to paths under a cache root directory.
type Resolver struct {
	CacheRoot string
}

func NewResolver(cacheRoot string) Resolver {
	return Resolver{CacheRoot: cacheRoot}
}

// PageRoot returns the root of the page cache tree.
func (r Resolver) PageRoot() string {
	return filepath.Join(r.CacheRoot, cacheDirName)
}

// HostDir returns the directory holding all entries for a host.
func (r Resolver) HostDir(host string) string {
	return filepath.Join(r.PageRoot(), sanitizeSegment(host))
}

// Dir returns the directory holding all variants of a (host, path) pair.
// The directory tree mirrors the URL path hierarchy.
func (r Resolver) Dir(host, urlPath string) string {
	dir := r.HostDir(host)
	for _, seg := range strings.Split(strings.Trim(path.Clean("/"+urlPath), "/"), "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		dir = filepath.Join(dir, sanitizeSegment(seg))
	}
	return dir
}

// FilePath returns the full path of the body file for a key.
func (r Resolver) FilePath(k Key) string {
	return filepath.Join(r.Dir(k.Host, k.Path), k.Filename())
}

// URLPath reconstructs the (host, path) pair a cache directory belongs to.
// It is the inverse of Dir and is used by the sweeper to requeue expired
// URLs for preloading.
func (r Resolver) URLPath(dir string) (host, urlPath string, ok bool) {
	rel, err := filepath.Rel(r.PageRoot(), dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	host = segs[0]
	urlPath = "/" + strings.Join(segs[1:], "/")
	return host, urlPath, true
}

// HashToken returns the fixed-length (16 hex chars) hash used for all
// variant tokens.
func HashToken(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// QueryHash hashes the allow-listed query values in canonical order.
// It returns an empty string when no allowed parameter is present.
func QueryHash(values url.Values, allowed []string) string {
	matched := make([]string, 0, len(allowed))
	for _, name := range allowed {
		if vs, ok := values[name]; ok {
			matched = append(matched, name+"="+strings.Join(vs, ","))
		}
	}
	if len(matched) == 0 {
		return ""
	}
	sort.Strings(matched)
	return HashToken(strings.Join(matched, "&"))
}

// VaryHash hashes the matched vary-cookie values in canonical order.
// It returns an empty string when none of the vary cookies are present.
func VaryHash(cookies map[string]string, vary []string) string {
	matched := make([]string, 0, len(vary))
	for _, name := range vary {
		if v, ok := cookies[name]; ok {
			matched = append(matched, name+"="+v)
		}
	}
	if len(matched) == 0 {
		return ""
	}
	sort.Strings(matched)
	return HashToken(strings.Join(matched, ";"))
}

// ContentTypeHash returns the short content type token for non-HTML
// responses, or empty for HTML.
func ContentTypeHash(contentType string) string {
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if mediaType == "" || mediaType == "text/html" {
		return ""
	}
	return HashToken(mediaType)[:8]
}

// sanitizeSegment keeps path segments safe to use as directory names.
func sanitizeSegment(seg string) string {
	seg = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '-'
		}
		return r
	}, seg)
	if seg == "" || seg == "." || seg == ".." {
		return "-"
	}
	return seg
}
