package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing records that are old.

		Remove records older than the retention period (90 days by default) and
		cache entries that expired more than a day ago. This is to keep the
		database size down.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "retention-days",
				Usage: "Keep records this many days (default: storage.retention_days)",
			},
			configFlag(),
			databaseFlag(),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.Tidy(ctx.Context, cfg.Retention())
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"database": cfg.Storage.Database,
				"deleted":  deleted,
			}).Info("Tidied database")
			return nil
		},
	}
}
