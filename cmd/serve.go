package cmd

import (
	"context"
	"time"

	"feedsync/db"
	"feedsync/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve feed sessions over HTTP",
		Description: `Starts the HTTP server.

Feed sessions are streamed as server-sent events from /feed/:viewer/sse and
can be cancelled with DELETE /feed/sse?key=. Older notes are served from
/feed/:viewer/more, stored records from /records and metrics from /metrics.

Old records are tidied from the database periodically.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Address to listen on (default: :3000)",
				EnvVars: []string{"FEEDSYNC_LISTEN"},
			},
			configFlag(),
			databaseFlag(),
			relayFlag(),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			svc, err := newServices(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			sessions := server.NewSessions()
			app := server.Server(&server.ServerConfig{
				Synchronizer: svc.synchronizer,
				Resolver:     svc.resolver,
				Reader:       svc.store,
				Sessions:     sessions,
				Limit:        cfg.Sync.Limit,
				Lookback:     cfg.Sync.Lookback.Duration,
			})

			// Tidying stops before the store is closed
			tidyCtx, stopTidy := context.WithCancel(ctx.Context)
			tidyDone := make(chan struct{})
			go func() {
				defer close(tidyDone)
				tidyPeriodically(tidyCtx, svc.store, cfg.Server.TidyInterval.Duration, cfg.Retention())
			}()
			defer func() {
				stopTidy()
				<-tidyDone
			}()

			errChan := make(chan error, 1)
			go func() {
				log.Infof("Starting server on %s", cfg.Server.Listen)
				errChan <- app.Listen(cfg.Server.Listen)
			}()

			select {
			case err := <-errChan:
				sessions.Shutdown()
				return err
			case <-ctx.Context.Done():
				log.Info("Gracefully shutting down...")
				sessions.Shutdown()
				return app.ShutdownWithTimeout(60 * time.Second)
			}
		},
	}
}

// tidyPeriodically removes old records until ctx is done
func tidyPeriodically(ctx context.Context, store *db.Store, interval time.Duration, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.Tidy(ctx, retention)
			if err != nil {
				log.Errorf("Error tidying database: %v", err)
				continue
			}
			log.WithField("deleted", deleted).Info("Tidied database")
		}
	}
}
