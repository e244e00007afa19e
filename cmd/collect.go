/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"observatory/config"
	"observatory/db"
	"observatory/poller"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func collectCmd() *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Run the collection jobs once and exit",
		Description: `Runs every enabled job once, in startup order, and exits.

Can be run as a cron job instead of serve. Prints the state of each job
after its run as a JSON object on a single line. Use --job to run a
subset. All other log messages go to stderr.`,
		Flags: []cli.Flag{
			databaseFlag(),
			configFlag(),
			apiKeyFlag(),
			&cli.StringSliceFlag{
				Name:    "job",
				Aliases: []string{"j"},
				Usage:   fmt.Sprintf("Job to run, repeatable. One of %v", config.JobNames),
			},
		},
		Action: func(ctx *cli.Context) error {
			log.SetOutput(os.Stderr)

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			jobs := cfg.EnabledJobs()
			if selected := ctx.StringSlice("job"); len(selected) > 0 {
				if unknown, _ := lo.Difference(selected, config.JobNames); len(unknown) > 0 {
					return fmt.Errorf("unknown jobs %v, expected any of %v", unknown, config.JobNames)
				}
				// Keep startup order regardless of flag order
				jobs = lo.Filter(config.JobNames, func(name string, _ int) bool {
					return lo.Contains(selected, name)
				})
				for _, name := range jobs {
					job := cfg.Jobs[name]
					job.Disabled = false
					cfg.Jobs[name] = job
				}
			}

			store, err := db.Open(ctx.String("database"))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			col, err := newCollector(cfg, store, ctx.String("api-key"))
			if err != nil {
				return err
			}

			failed := 0
			for _, name := range jobs {
				state, err := col.scheduler.RunNow(ctx.Context, name)
				if err != nil {
					return err
				}
				printState(state)
				if state.Status == poller.StatusFailed {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
			}
			return nil
		},
	}
}

func printState(state poller.State) {
	// Print as single JSON string on a single line
	stateJson, err := json.Marshal(state)
	if err == nil {
		fmt.Println(string(stateJson))
	}
}
