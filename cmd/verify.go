/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"time"

	"observatory/models"

	"github.com/cqroot/prompt"
	"github.com/cqroot/prompt/input"
	"github.com/urfave/cli/v2"
)

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check that the Moltbook API key works",
		Description: `Fetches the profile belonging to the API key.

Prompts for the key when neither --api-key nor MOLTBOOK_API_KEY is set.`,
		Flags: []cli.Flag{
			configFlag(),
			apiKeyFlag(),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			apiKey := ctx.String("api-key")
			if apiKey == "" {
				apiKey, err = prompt.New().Ask("Moltbook API key:").Input("", input.WithEchoMode(input.EchoNone))
				if err != nil {
					return err
				}
			}
			if apiKey == "" {
				return errors.New("please provide an API key")
			}

			raw, err := newClient(cfg, apiKey).Me(ctx.Context)
			if models.IsFatalConfig(err) {
				return fmt.Errorf("the API key was rejected: %w", err)
			}
			if err != nil {
				return fmt.Errorf("could not reach Moltbook: %w", err)
			}

			agent, err := models.NormalizeAgent(raw, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("unexpected profile: %w", err)
			}

			fmt.Printf("API key belongs to %s (karma %d)\n", agent.Name, agent.Karma)
			return nil
		},
	}
}
