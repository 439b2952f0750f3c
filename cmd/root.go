package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "feedsync",
		Usage: "Keep a viewer's following feed in sync with the relays",
		Description: `Builds the feed of notes written by the accounts a viewer follows.

		Every sync serves the last cached feed first and then refreshes it from
		the relays, emitting the merged feed in batches as notes arrive. Raw
		records are kept in an SQLite database and the summarized feed is cached
		for the next session.

		Flags can generally be set via environment variables, e.g.:

		--database => FEEDSYNC_DATABASE=feed.db
		--relay => FEEDSYNC_RELAYS=wss://relay.damus.io,wss://nos.lol
		--listen => FEEDSYNC_LISTEN=:3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"FEEDSYNC_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Usage:   "Log format (text or json)",
				EnvVars: []string{"FEEDSYNC_LOG_FORMAT"},
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)

			switch ctx.String("log-format") {
			case "json":
				log.SetFormatter(&log.JSONFormatter{})
			case "text":
				log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			default:
				return fmt.Errorf("unknown log format %q", ctx.String("log-format"))
			}
			return nil
		},
		Commands: []*cli.Command{
			syncCmd(),
			moreCmd(),
			recordsCmd(),
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return cli.ShowAppHelp(ctx)
		},
	}
}

// Execute runs the CLI until it finishes or the process is interrupted
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := RootApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}
