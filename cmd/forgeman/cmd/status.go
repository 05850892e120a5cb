/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeman-ai/forgeman/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Get the status of a task",
	Long: `Get the current status of a task.

Examples:
  forgeman status task-abc123`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	task, err := eng.Scheduler.GetStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	if jsonOutput() {
		data, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	printTask(task)
	return nil
}

func printTask(task core.Task) {
	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Goal:        %s\n", truncate(task.Goal, 72))
	fmt.Printf("Mode:        %s\n", task.Mode)
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Repo:        %s\n", task.Repo.URL)
	if task.Repo.Branch != "" {
		fmt.Printf("Branch:      %s\n", task.Repo.Branch)
	}
	if task.Repo.CommitSHA != "" {
		fmt.Printf("Commit:      %s\n", task.Repo.CommitSHA)
	}
	fmt.Printf("Policy:      %s (v%d)\n", task.Constraints.PolicyProfile, task.PolicyProfileVersion)
	fmt.Printf("Created:     %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.TerminalAt != nil {
		fmt.Printf("Terminal:    %s\n", task.TerminalAt.Format(time.RFC3339))
	}
	fmt.Println("\nBudgets:")
	fmt.Printf("  Cost:        $%.4f / $%.2f spent\n", task.Spent.CostUSD, task.Budgets.CostUSD)
	fmt.Printf("  Iterations:  %d / %d\n", task.Spent.Iterations, task.Budgets.MaxIterations)
	fmt.Printf("  Wall time:   %s budget\n", task.Budgets.WallTime)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
