package preload

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// walkSitemap fetches a sitemap (following nested sitemap indexes) and
// returns the normalized URL paths it lists.
func (d *Dispatcher) walkSitemap(ctx context.Context, host, sitemap string) ([]string, error) {
	seen := map[string]struct{}{}
	pending := []string{sitemap}
	var paths []string

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		loc := pending[0]
		pending = pending[1:]
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}

		doc, err := d.fetchSitemap(ctx, host, loc)
		if err != nil {
			return paths, fmt.Errorf("fetch sitemap %q: %w", loc, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				pending = append(pending, nested)
			}
		}
		for _, u := range doc.URLs {
			if p := pathFromLoc(u); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

func (d *Dispatcher) fetchSitemap(ctx context.Context, host, loc string) (sitemapDoc, error) {
	target := loc
	if strings.HasPrefix(loc, "/") {
		target = d.Target + loc
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	req.Host = host

	res, err := d.client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// tolerate gzipped sitemaps, by extension or by magic bytes
	if strings.HasSuffix(strings.ToLower(loc), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// pathFromLoc reduces a sitemap <loc> entry to a URL path.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
