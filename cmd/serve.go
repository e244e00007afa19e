/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"observatory/db"
	"observatory/poller"
	"observatory/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Collect from Moltbook and serve the observatory API",
		Description: `Starts the scheduled collection jobs and the HTTP API.

Submolts and posts are collected once before the interval loops start.
Use --disable-poll to only serve what is already in the database.`,
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
			apiKeyFlag(),
			&cli.StringFlag{
				Name:    "hostname",
				Aliases: []string{"n"},
				Value:   "",
				Usage:   "The interface to listen on, all when empty",
				EnvVars: []string{"OBSERVATORY_HOSTNAME"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"OBSERVATORY_PORT", "PORT"},
			},
			&cli.StringFlag{
				Name:    "allow-origins",
				Value:   "*",
				Usage:   "Comma separated origins allowed by CORS",
				EnvVars: []string{"OBSERVATORY_ALLOW_ORIGINS"},
			},
			&cli.DurationFlag{
				Name:    "cache-expiration",
				Value:   30 * time.Second,
				Usage:   "How long API responses are cached, 0 disables caching",
				EnvVars: []string{"OBSERVATORY_CACHE_EXPIRATION"},
			},
			&cli.BoolFlag{
				Name:    "disable-poll",
				Usage:   "Serve the API without collecting from Moltbook",
				EnvVars: []string{"DISABLE_POLL", "OBSERVATORY_DISABLE_POLL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			database := ctx.String("database")
			log.WithField("database", database).Info("Opening database")
			store, err := db.Open(database)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			broadcaster := server.NewBroadcaster()

			serverConfig := &server.ServerConfig{
				Store:           store,
				Sentiment:       newAggregator(cfg, store),
				Broadcaster:     broadcaster,
				AllowOrigins:    ctx.String("allow-origins"),
				CacheExpiration: ctx.Duration("cache-expiration"),
			}

			// Graceful shutdown on interrupt
			runCtx, cancel := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var col *collector
			if ctx.Bool("disable-poll") {
				log.Info("Polling is disabled, serving stored data only")
			} else {
				col, err = newCollector(cfg, store, ctx.String("api-key"), broadcaster)
				if err != nil {
					return err
				}
				serverConfig.Jobs = col.scheduler
			}

			app := server.Server(serverConfig)

			serverErr := make(chan error, 1)
			go func() {
				addr := fmt.Sprintf("%s:%d", ctx.String("hostname"), ctx.Int("port"))
				log.WithField("addr", addr).Info("Starting server")
				serverErr <- app.Listen(addr)
			}()

			// The API answers while the startup fetch runs
			if col != nil {
				// An interrupt during the startup fetch stops it between pages
				err := col.scheduler.Start(runCtx, col.startup()...)
				if err != nil && !errors.Is(err, poller.ErrStopped) {
					log.WithError(err).Error("Failed to start scheduler")
				}
			}

			select {
			case <-runCtx.Done():
				log.Info("Gracefully shutting down...")
			case err := <-serverErr:
				if err != nil {
					log.WithError(err).Error("Server stopped")
				}
			}

			if col != nil {
				col.scheduler.Stop()
			}
			broadcaster.Shutdown()

			if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
				log.WithError(err).Warn("Server did not shut down cleanly")
			}

			log.Info("Done!")
			return nil
		},
	}
}
