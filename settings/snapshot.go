package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WriteSnapshot serializes the settings to path atomically.
// The file is written to a temp file in the same directory first, so readers
// never observe a partially written snapshot.
func WriteSnapshot(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
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
	return os.Rename(tmp.Name(), path)
}

// ReadSnapshot loads a snapshot file.
// Missing fields fall back to defaults, so older snapshots stay total.
func ReadSnapshot(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := Defaults()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Loader serves the current snapshot for a site on the hot request path.
// It re-reads the snapshot file only when the file's modification time
// changes, and reports caching as disabled when the file is missing or
// unreadable (the fail-open contract).
type Loader struct {
	path string

	mu      sync.Mutex
	mtime   time.Time
	current Settings
	valid   bool
}

// NewLoader creates a loader for the snapshot file at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Current returns the settings and whether caching may run at all.
// A false second return means the snapshot is missing or corrupt and the
// request must pass through uncached.
func (l *Loader) Current() (Settings, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		l.valid = false
		return Settings{}, false
	}
	if l.valid && info.ModTime().Equal(l.mtime) {
		return l.current, true
	}
	s, err := ReadSnapshot(l.path)
	if err != nil {
		l.valid = false
		return Settings{}, false
	}
	l.current = s
	l.mtime = info.ModTime()
	l.valid = true
	return s, true
}
