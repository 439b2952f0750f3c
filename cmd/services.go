package cmd

import (
	"context"
	"fmt"

	"feedsync/cache"
	"feedsync/config"
	"feedsync/db"
	"feedsync/feed"
	"feedsync/relay"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML config file, defaults are used for missing keys",
		EnvVars: []string{"FEEDSYNC_CONFIG"},
	}
}

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Usage:   "SQLite database file location (default: feed.db)",
		EnvVars: []string{"FEEDSYNC_DATABASE"},
	}
}

func relayFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "relay",
		Aliases: []string{"r"},
		Usage:   "Relay websocket URL, may be repeated",
		EnvVars: []string{"FEEDSYNC_RELAYS"},
	}
}

// loadConfig reads the config file and applies the flags set on the command line
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("database") {
		cfg.Storage.Database = ctx.String("database")
	}
	if ctx.IsSet("relay") {
		cfg.Relay.Hosts = ctx.StringSlice("relay")
	}
	if ctx.IsSet("listen") {
		cfg.Server.Listen = ctx.String("listen")
	}
	if ctx.IsSet("retention-days") {
		cfg.Storage.RetentionDays = ctx.Int("retention-days")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore migrates the database and opens it
func openStore(cfg *config.TomlConfig) (*db.Store, error) {
	if err := db.Migrate(cfg.Storage.Database); err != nil {
		return nil, err
	}
	return db.Open(cfg.Storage.Database, nil)
}

// services is everything a sync needs, wired from the configuration
type services struct {
	store        *db.Store
	relay        *relay.Client
	resolver     *relay.FollowResolver
	pool         *feed.Pool
	synchronizer *feed.Synchronizer
}

func newServices(ctx context.Context, cfg *config.TomlConfig) (*services, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var cacheStore cache.Store
	switch cfg.Cache.Backend {
	case config.CacheBackendMemory:
		cacheStore, err = cache.NewMemory(cfg.Cache.MemorySize, nil)
		if err != nil {
			store.Close()
			return nil, err
		}
	default:
		cacheStore = store.Cache()
	}

	client, err := relay.NewClient(relay.Config{
		Hosts:        cfg.Relay.Hosts,
		UserAgent:    cfg.Relay.UserAgent,
		DialTimeout:  cfg.Relay.DialTimeout.Duration,
		QueryTimeout: cfg.Relay.QueryTimeout.Duration,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	resolver := relay.NewFollowResolver(client)

	pool := feed.NewPool(ctx, cfg.Sync.Workers, cfg.Sync.ChunkSize)
	synchronizer, err := feed.NewSynchronizer(resolver, client, store, cacheStore, pool, syncConfig(cfg))
	if err != nil {
		pool.Close()
		store.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"database": cfg.Storage.Database,
		"relays":   cfg.Relay.Hosts,
		"cache":    cfg.Cache.Backend,
		"workers":  cfg.Sync.Workers,
	}).Info("Services configured")

	return &services{
		store:        store,
		relay:        client,
		resolver:     resolver,
		pool:         pool,
		synchronizer: synchronizer,
	}, nil
}

// syncConfig maps the sync section onto the synchronizer. A zero window flushes
// every record on its own.
func syncConfig(cfg *config.TomlConfig) feed.Config {
	window := cfg.Sync.Window.Duration
	if window == 0 {
		window = feed.FlushEachRecord
	}
	return feed.Config{
		Window:         window,
		CacheTTL:       cfg.Sync.CacheTTL.Duration,
		MaxCachedItems: cfg.Sync.MaxCachedItems,
		StoreTimeout:   cfg.Sync.StoreTimeout.Duration,
	}
}

// Close waits for running sessions and pending store writes before closing the database
func (s *services) Close() {
	s.synchronizer.Wait()
	s.pool.Close()
	if err := s.store.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
}
