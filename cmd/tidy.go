/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"time"

	"observatory/db"

	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing derived rows that are old.

		Removes hourly word frequencies and job run records older than the
		retention period. Agents, posts, submolts and snapshots are kept.`,
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "Keep rows newer than this, defaults to the configured analyzer retention",
				EnvVars: []string{"OBSERVATORY_RETENTION"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			retention := cfg.Analyzer.Retention.Duration
			if ctx.IsSet("retention") {
				retention = ctx.Duration("retention")
			}
			if retention < 2*cfg.Analyzer.Window.Duration {
				return fmt.Errorf("retention must cover two trend windows (%s)", 2*cfg.Analyzer.Window.Duration)
			}

			database := ctx.String("database")
			fmt.Println("Database configured: ", database)

			store, err := db.Open(database)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Tidy(ctx.Context, time.Now().UTC(), retention)
			if err != nil {
				return err
			}
			fmt.Println("Removed rows: ", removed)
			return nil
		},
	}
}
