package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

// NetworkSite is the site name used for network-wide options and the
// network-wide snapshot file.
const NetworkSite = "network"

// Store persists per-site option overrides and regenerates the snapshot
// files consumed by the cache paths whenever options change.
type Store struct {
	db          *sql.DB
	snapshotDir string
}

// NewStore opens (creating if needed) the options database at dbPath and
// writes snapshot files into snapshotDir.
func NewStore(dbPath, snapshotDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS options (site TEXT, name TEXT, value TEXT, PRIMARY KEY (site, name))")
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, snapshotDir: snapshotDir}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the total settings for a site: defaults overlaid with the
// network-wide overrides and then the site's own overrides.
// It never fails: on missing or unreadable data it falls back to defaults.
func (s *Store) Load(site string) Settings {
	out := Defaults()
	for _, scope := range []string{NetworkSite, site} {
		overrides, err := s.overrides(scope)
		if err != nil {
			continue
		}
		if merged, err := Merge(out, overrides); err == nil {
			out = merged
		}
	}
	return out
}

// Save merges the given option values into the persisted overrides for a site
// and regenerates the site's snapshot file.
func (s *Store) Save(site string, values map[string]json.RawMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for name, value := range values {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO options (site, name, value) VALUES (?, ?, ?)",
			site, name, string(value),
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.RegenerateSnapshot(site)
}

// RegenerateSnapshot rewrites the snapshot file for a site from the
// persisted overrides.
func (s *Store) RegenerateSnapshot(site string) error {
	if err := WriteSnapshot(s.SnapshotPath(site), s.Load(site)); err != nil {
		return fmt.Errorf("regenerate snapshot for %s: %w", site, err)
	}
	return nil
}

// SnapshotPath returns the snapshot file path for a site.
func (s *Store) SnapshotPath(site string) string {
	return filepath.Join(s.snapshotDir, site+".json")
}

func (s *Store) overrides(site string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query("SELECT name, value FROM options WHERE site = ?", site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = json.RawMessage(value)
	}
	return out, rows.Err()
}
