// Package cache owns the on-disk page cache tree.
// Nothing else writes under the tree; all access goes through Store.
package cache

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/powered-cache/powered-cache/pkg/cache-key"
)

// metaSuffix is appended to a variant file name to get its metadata sidecar.
const metaSuffix = ".meta"

// Metadata is the per-variant sidecar recording what is needed to replay the
// cached response faithfully.
type Metadata struct {
	Status      int         `json:"status"`
	Header      http.Header `json:"header"`
	ContentType string      `json:"content_type"`
	CreatedAt   time.Time   `json:"created_at"`
	Gzip        bool        `json:"gzip"`
	Version     int         `json:"version"`
}

// Entry is a cache hit: the sidecar metadata plus the stored body bytes.
type Entry struct {
	Meta Metadata
	Body []byte
	// ModTime is the body file's modification time, the authoritative
	// created/refreshed timestamp.
	ModTime time.Time
}

// Age returns how long ago the entry was written.
func (e Entry) Age() time.Duration {
	return time.Since(e.ModTime)
}

// SweptURL identifies a URL whose entries the sweeper just deleted.
type SweptURL struct {
	Host string
	Path string
}

// Store reads and writes the page cache tree.
type Store struct {
	resolver cachekey.Resolver
	log      zerolog.Logger
}

func NewStore(resolver cachekey.Resolver, logger zerolog.Logger) *Store {
	return &Store{
		resolver: resolver,
		log:      logger.With().Str("component", "cache-store").Logger(),
	}
}

// Resolver returns the path resolver the store was built with.
func (s *Store) Resolver() cachekey.Resolver {
	return s.resolver
}

// Write stores a variant: metadata sidecar first, then the body, each through
// a temp file and atomic rename. The body file's mtime is set to the capture
// time so the sweeper's TTL clock is decoupled from filesystem semantics.
func (s *Store) Write(k cachekey.Key, meta Metadata, body []byte) error {
	dir := s.resolver.Dir(k.Host, k.Path)
	// concurrent requests may race on creation, "already exists" is fine
	if err := os.MkdirAll(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	meta.Version = cachekey.FormatVersion
	bodyPath := filepath.Join(dir, k.Filename())
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(bodyPath+metaSuffix, metaBytes, meta.CreatedAt); err != nil {
		return err
	}
	if err := writeFileAtomic(bodyPath, body, meta.CreatedAt); err != nil {
		// leave no sidecar without a body behind
		os.Remove(bodyPath + metaSuffix)
		return err
	}
	return nil
}

// Lookup returns the stored entry for a key, or ok=false on a miss.
// A missing body is a full miss even if a sidecar exists.
// For keys resolved without a content type (the reader cannot know it up
// front), a non-HTML variant of the same dimensions is found by consulting
// the sidecars in the directory.
func (s *Store) Lookup(k cachekey.Key) (Entry, bool) {
	if e, ok := s.readVariant(s.resolver.FilePath(k)); ok {
		return e, true
	}
	if k.ContentTypeHash != "" {
		return Entry{}, false
	}
	// no HTML variant; look for a content-type variant with the same tokens
	path, ok := s.findContentTypeVariant(k)
	if !ok {
		return Entry{}, false
	}
	return s.readVariant(path)
}

func (s *Store) readVariant(bodyPath string) (Entry, bool) {
	metaBytes, err := os.ReadFile(bodyPath + metaSuffix)
	if err != nil {
		return Entry{}, false
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		s.log.Debug().Err(err).Str("path", bodyPath).Msg("Corrupt metadata sidecar")
		return Entry{}, false
	}
	if meta.Version != cachekey.FormatVersion {
		return Entry{}, false
	}
	info, err := os.Stat(bodyPath)
	if err != nil {
		// dangling sidecar, treat as full miss
		return Entry{}, false
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Meta: meta, Body: body, ModTime: info.ModTime()}, true
}

func (s *Store) findContentTypeVariant(k cachekey.Key) (string, bool) {
	name := k.Filename()
	ext := ".html"
	if k.Gzip {
		ext = ".html.gz"
	}
	prefix := strings.TrimSuffix(name, ext) + "-c"
	entries, err := os.ReadDir(s.resolver.Dir(k.Host, k.Path))
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, prefix) && strings.HasSuffix(n, ext) && !strings.HasSuffix(n, metaSuffix) {
			return filepath.Join(s.resolver.Dir(k.Host, k.Path), n), true
		}
	}
	return "", false
}

// PurgeURL deletes every variant cached for a (host, path) pair and removes
// the directory if it is left empty. Purging a URL with no entries is a
// no-op success.
func (s *Store) PurgeURL(host, urlPath string) error {
	dir := s.resolver.Dir(host, urlPath)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	// bound directory-entry growth: drop the directory itself when empty
	if err := os.Remove(dir); err == nil {
		s.removeEmptyParents(filepath.Dir(dir))
	}
	return nil
}

// PurgeHost deletes the entire cache tree of a host.
func (s *Store) PurgeHost(host string) error {
	return os.RemoveAll(s.resolver.HostDir(host))
}

// PurgeAll deletes the cache trees of every host.
func (s *Store) PurgeAll() error {
	return os.RemoveAll(s.resolver.PageRoot())
}

// SweepExpired walks the tree and deletes every variant whose modification
// time plus ttl has elapsed, along with its sidecar. Directories left empty
// are removed. It returns the URLs whose entries were deleted so they can be
// requeued for preloading.
func (s *Store) SweepExpired(ttl time.Duration, now time.Time) ([]SweptURL, error) {
	root := s.resolver.PageRoot()
	var expired []string
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !now.Before(info.ModTime().Add(ttl)) {
			expired = append(expired, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[SweptURL]struct{})
	var swept []SweptURL
	for _, path := range expired {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", path).Msg("Could not delete expired entry")
			continue
		}
		os.Remove(path + metaSuffix)
		if host, urlPath, ok := s.resolver.URLPath(filepath.Dir(path)); ok {
			u := SweptURL{Host: host, Path: urlPath}
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				swept = append(swept, u)
			}
		}
	}

	// deepest first so emptied parents collapse too
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		if dir == root {
			continue
		}
		os.Remove(dir)
	}
	return swept, nil
}

func (s *Store) removeEmptyParents(dir string) {
	root := s.resolver.PageRoot()
	for strings.HasPrefix(dir, root) && dir != root {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func writeFileAtomic(path string, data []byte, modTime time.Time) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chtimes(tmp.Name(), modTime, modTime); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
