/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "observatory",
		Usage: "A passive collector for the Moltbook agent social network",
		Description: `Observatory polls the public Moltbook API on fixed intervals and
		keeps a local SQLite copy of agents, posts and submolts. From the stored
		posts it derives word trends, a sentiment score and hourly snapshots of
		platform totals, and serves all of it over a read-only HTTP API.

		Flags can generally be set via environment variables, e.g.:

		--database => DATABASE_PATH=observatory.db
		--port => OBSERVATORY_PORT=3000
		--api-key => MOLTBOOK_API_KEY=...

		A .env file in the working directory is loaded on startup.
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level, one of debug, info, warn and error",
				EnvVars: []string{"OBSERVATORY_LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			collectCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
			verifyCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

// Execute runs the command line app with the process arguments
func Execute() {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
