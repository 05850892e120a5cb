/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/forgeman-ai/forgeman/internal/engine"
)

var (
	homeDir      string
	outputFormat string
	eng          *engine.Engine
)

var rootCmd = &cobra.Command{
	Use:   "forgeman",
	Short: "CLI for forgeman - autonomous multi-agent coding task orchestration",
	Long: `forgeman drives coding tasks through a deterministic
plan/code/test/review/commit lifecycle, running each agent turn under a
policy-gated sandbox and recording every decision to an audit log.

Examples:
  # Submit a new task and wait for its terminal state
  forgeman submit --goal "fix the flaky retry test" --repo https://github.com/acme/widget --mode bugfix --wait

  # Check status of a task
  forgeman status task-abc123

  # Watch tasks live in a terminal UI
  forgeman watch

  # Cancel a running task
  forgeman cancel task-abc123`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return initEngine(cmd.Context())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if eng != nil {
			return eng.Close()
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "forgeman home directory (defaults to $FORGEMAN_HOME or ~/.forgeman)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
}

func initEngine(ctx context.Context) error {
	home := homeDir
	if home == "" {
		home = engine.DefaultHome()
	}
	e, err := engine.Bootstrap(ctx, engine.Paths{Home: home})
	if err != nil {
		return err
	}
	eng = e
	return nil
}

func jsonOutput() bool {
	return outputFormat == "json"
}
