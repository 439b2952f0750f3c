package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"feedsync/models"

	"github.com/cqroot/prompt"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func viewerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "viewer",
		Aliases: []string{"v"},
		Usage:   "Id of the viewer whose following feed is built, asked for when empty",
		EnvVars: []string{"FEEDSYNC_VIEWER"},
	}
}

// viewerId reads the viewer from the flag or asks for it
func viewerId(ctx *cli.Context) (string, error) {
	if viewer := ctx.String("viewer"); viewer != "" {
		return viewer, nil
	}
	viewer, err := prompt.New().Ask("Viewer id:").Input("")
	if err != nil {
		return "", err
	}
	if viewer == "" {
		return "", fmt.Errorf("a viewer id is required")
	}
	return viewer, nil
}

func syncCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Synchronize the following feed of a viewer",
		Description: `Runs one synchronization session and prints every feed batch.

Serves the cached feed first if there is one, then fetches recent notes by the
accounts the viewer follows from the relays and prints the merged feed each time
new notes arrive. The last batch is complete.

Returns each batch as a JSON object on a single line. Use a tool like jq to process
the output.

Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			viewerFlag(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of notes to request (default: sync.limit)",
			},
			&cli.DurationFlag{
				Name:  "lookback",
				Usage: "How far back to look for notes (default: sync.lookback)",
			},
			configFlag(),
			databaseFlag(),
			relayFlag(),
		},
		Action: func(ctx *cli.Context) error {
			// Disable logging to stdout
			log.SetOutput(os.Stderr)

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			viewer, err := viewerId(ctx)
			if err != nil {
				return err
			}

			limit := cfg.Sync.Limit
			if ctx.IsSet("limit") {
				limit = ctx.Int("limit")
			}
			lookback := cfg.Sync.Lookback.Duration
			if ctx.IsSet("lookback") {
				lookback = ctx.Duration("lookback")
			}

			svc, err := newServices(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			state := models.FeedState{}
			for batch := range svc.synchronizer.Synchronize(ctx.Context, viewer, limit, lookback) {
				state = state.Apply(batch)
				printStdout(batch)
			}

			log.WithFields(log.Fields{
				"viewer":  viewer,
				"state":   state.Kind.String(),
				"items":   len(state.Items),
				"hasMore": state.HasMore,
			}).Info("Sync finished")

			if err := ctx.Context.Err(); err != nil {
				return err
			}
			if state.Kind == models.StateError {
				return fmt.Errorf("sync failed: %s", state.Error)
			}
			return nil
		},
	}
}

func moreCmd() *cli.Command {
	return &cli.Command{
		Name:  "more",
		Usage: "Load older notes of the following feed of a viewer",
		Description: `Fetches one page of notes by the accounts the viewer follows that are
strictly older than --until and prints it as a single JSON batch.`,
		Flags: []cli.Flag{
			viewerFlag(),
			&cli.Int64Flag{
				Name:     "until",
				Aliases:  []string{"u"},
				Usage:    "Unix timestamp, only notes created before it are returned",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of notes to request",
				Value:   30,
			},
			configFlag(),
			databaseFlag(),
			relayFlag(),
		},
		Action: func(ctx *cli.Context) error {
			log.SetOutput(os.Stderr)

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			viewer, err := viewerId(ctx)
			if err != nil {
				return err
			}

			svc, err := newServices(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			follows, err := svc.resolver.ResolveFollowedIds(ctx.Context, viewer)
			if err != nil {
				return err
			}
			batch, err := svc.synchronizer.LoadMore(ctx.Context, follows, ctx.Int64("until"), ctx.Int("limit"))
			if err != nil {
				return err
			}

			printStdout(batch)
			return nil
		},
	}
}

// printStdout prints value as a single JSON line
func printStdout(value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Errorf("Failed to encode output: %v", err)
		return
	}
	fmt.Println(string(data))
}
