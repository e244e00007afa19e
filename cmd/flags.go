/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"observatory/config"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Value:   "observatory.db",
		Usage:   "SQLite database file location",
		EnvVars: []string{"DATABASE_PATH", "OBSERVATORY_DATABASE"},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the TOML configuration file, built-in defaults when empty",
		EnvVars: []string{"OBSERVATORY_CONFIG"},
	}
}

func apiKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "api-key",
		Usage:   "Moltbook API key sent as a bearer token",
		EnvVars: []string{"MOLTBOOK_API_KEY"},
	}
}

// loadConfig reads the file given by --config or falls back to the defaults
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	path := ctx.String("config")
	if path == "" {
		log.Debug("No config file given, using defaults")
		return config.Default(), nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log.WithFields(log.Fields{
		"path": path,
		"jobs": cfg.EnabledJobs(),
	}).Info("Loaded config")
	return cfg, nil
}
