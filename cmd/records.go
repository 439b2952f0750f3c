package cmd

import (
	"os"

	"feedsync/query"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func recordsCmd() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "Print stored records",
		Description: `Queries the raw records kept in the database, newest first.

Returns each record as a JSON object on a single line.`,
		Flags: []cli.Flag{
			&cli.IntSliceFlag{
				Name:    "kind",
				Aliases: []string{"k"},
				Usage:   "Only records of this kind, may be repeated",
			},
			&cli.StringSliceFlag{
				Name:    "author",
				Aliases: []string{"a"},
				Usage:   "Only records by this author, may be repeated",
			},
			&cli.Int64Flag{
				Name:  "since",
				Usage: "Only records created at or after this unix timestamp",
			},
			&cli.Int64Flag{
				Name:  "until",
				Usage: "Only records created before this unix timestamp",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of records, 0 for all",
				Value:   50,
			},
			configFlag(),
			databaseFlag(),
		},
		Action: func(ctx *cli.Context) error {
			log.SetOutput(os.Stderr)

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var since, until *int64
			if ctx.IsSet("since") {
				since = lo.ToPtr(ctx.Int64("since"))
			}
			if ctx.IsSet("until") {
				until = lo.ToPtr(ctx.Int64("until"))
			}

			records, err := store.Query(ctx.Context, ctx.Int("limit"),
				query.FromModel(ctx.IntSlice("kind"), ctx.StringSlice("author"), since, until)...)
			if err != nil {
				return err
			}

			for _, record := range records {
				printStdout(record)
			}
			return nil
		},
	}
}
