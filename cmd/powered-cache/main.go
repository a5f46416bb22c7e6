package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	poweredcache "github.com/powered-cache/powered-cache"
	"github.com/powered-cache/powered-cache/admin"
	"github.com/powered-cache/powered-cache/cache"
	"github.com/powered-cache/powered-cache/metrics"
	cachekey "github.com/powered-cache/powered-cache/pkg/cache-key"
	"github.com/powered-cache/powered-cache/preload"
	"github.com/powered-cache/powered-cache/purge"
	"github.com/powered-cache/powered-cache/queue"
	"github.com/powered-cache/powered-cache/settings"
	"github.com/powered-cache/powered-cache/sweep"
)

var (
	configFilenameFlag string
	portFlag           int
	adminPortFlag      int
	originFlag         string
	cacheDirFlag       string
	dataDirFlag        string
	verbosityTraceFlag bool
	logFileFlag        string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.IntVar(&adminPortFlag, "admin-port", 8081, "Port for the admin and metrics endpoints")
	flag.StringVar(&originFlag, "origin", "", "Origin to proxy to (overrides config)")
	flag.StringVar(&cacheDirFlag, "cache-dir", "", "Cache root directory (overrides config)")
	flag.StringVar(&dataDirFlag, "data-dir", "", "Data directory for settings and queue (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFileFlag, "log-file", "", "Also write logs to this file")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	var logWriter = zerolog.NewConsoleWriter()
	if logFileFlag != "" {
		file, err := os.OpenFile(logFileFlag, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			panic(err)
		}
		defer file.Close()
		log.Logger = log.Output(zerolog.MultiLevelWriter(logWriter, file))
	} else {
		log.Logger = log.Output(logWriter)
	}
	log.Logger = log.Level(logLevel)

	config := poweredcache.DefaultConfig()
	if configFilenameFlag != "" {
		var err error
		config, err = poweredcache.GetConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	if portFlag > 0 {
		config.Port = portFlag
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if cacheDirFlag != "" {
		config.CacheDir = cacheDirFlag
	}
	if dataDirFlag != "" {
		config.DataDir = dataDirFlag
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	if config.PreloadTarget == "" {
		config.PreloadTarget = fmt.Sprintf("http://localhost:%d", config.Port)
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid origin URL")
	}

	snapshotDir := filepath.Join(config.DataDir, "snapshots")
	settingsStore, err := settings.NewStore(filepath.Join(config.DataDir, "options.db"), snapshotDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open settings store")
	}
	defer settingsStore.Close()
	// make sure the network-wide snapshot exists so caching works before any
	// admin save has happened
	if err := settingsStore.RegenerateSnapshot(settings.NetworkSite); err != nil {
		log.Fatal().Err(err).Msg("Could not write settings snapshot")
	}

	q, err := queue.Open(filepath.Join(config.DataDir, "queue"))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open work queue")
	}
	defer q.Close()

	m := metrics.New()
	store := cache.NewStore(cachekey.NewResolver(config.CacheDir), log.Logger)
	purger := purge.NewEngine(store, q, m, log.Logger)

	networkSettings := func() (settings.Settings, bool) {
		set := settingsStore.Load(settings.NetworkSite)
		return set, true
	}
	purger.Current = networkSettings

	preloader := preload.NewDispatcher(q, purger, m, networkSettings, config.PreloadTarget, log.Logger)
	preloader.Start()
	defer preloader.Stop()

	sweeper := sweep.New(store, q, m, networkSettings, log.Logger)
	sweeper.Start()
	defer sweeper.Stop()

	proxy := poweredcache.NewProxy(originURL, store, m, snapshotDir, log.Logger)
	adminServer := admin.NewServer(settingsStore, purger, preloader, m, config.AdminAPIKey, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", adminPortFlag),
		Handler:           adminServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", config.Port).Str("origin", config.Origin).Msg("Cache server listening")
		if err := cacheSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Cache server failed")
			stop()
		}
	}()
	go func() {
		log.Info().Int("port", adminPortFlag).Msg("Admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cacheSrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
}
