package poweredcache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server-level configuration. Cache behavior settings live in
// the settings store, not here.
type Config struct {
	Port   int    `yaml:"port"`
	Origin string `yaml:"origin"`
	// CacheDir is the root of the page cache tree.
	CacheDir string `yaml:"cacheDir"`
	// DataDir holds the settings database, snapshot files and work queue.
	DataDir string `yaml:"dataDir"`
	// AdminAPIKey authorizes the admin endpoints. Empty disables them.
	AdminAPIKey string `yaml:"adminApiKey"`
	// PreloadTarget is the base URL preload fetches go to, normally this
	// server's own address. Defaults to http://localhost:<port>.
	PreloadTarget string `yaml:"preloadTarget"`
}

// DefaultConfig returns the built-in server configuration.
func DefaultConfig() Config {
	return Config{
		Port:     8080,
		CacheDir: "./cache",
		DataDir:  "./data",
	}
}

// GetConfig reads a YAML config file on top of the defaults.
func GetConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	if config.PreloadTarget == "" {
		config.PreloadTarget = fmt.Sprintf("http://localhost:%d", config.Port)
	}
	return config, nil
}
