/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/scheduler"
)

var (
	submitGoal          string
	submitRepo          string
	submitBranch        string
	submitCommit        string
	submitMode          string
	submitAcceptance    []string
	submitPolicy        string
	submitCostUSD       float64
	submitMaxIterations int
	submitWallTime      string
	submitDeploy        bool
	submitPriority      int
	submitID            string
	submitWait          bool
	submitWaitTimeout   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new coding task",
	Long: `Submit a new coding task to the scheduler.

Examples:
  forgeman submit --goal "fix the flaky retry test" --repo https://github.com/acme/widget --mode bugfix
  forgeman submit --goal "add dark mode" --repo https://github.com/acme/widget --mode new_feature --wait
  forgeman submit --goal "rewrite the parser" --repo https://github.com/acme/widget --mode refactor --priority 5`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitGoal, "goal", "", "Task goal, in natural language (required)")
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "Repository URL (required)")
	submitCmd.Flags().StringVar(&submitBranch, "branch", "", "Branch to check out")
	submitCmd.Flags().StringVar(&submitCommit, "commit", "", "Commit SHA to pin to")
	submitCmd.Flags().StringVar(&submitMode, "mode", "bugfix", "Task mode: refactor, new_feature, bugfix, app_generation")
	submitCmd.Flags().StringSliceVar(&submitAcceptance, "acceptance", nil, "Acceptance criteria predicates")
	submitCmd.Flags().StringVar(&submitPolicy, "policy", "default", "Policy profile name")
	submitCmd.Flags().Float64Var(&submitCostUSD, "cost-budget", 10.0, "Maximum cost budget in USD")
	submitCmd.Flags().IntVar(&submitMaxIterations, "max-iterations", 5, "Maximum refine iterations")
	submitCmd.Flags().StringVar(&submitWallTime, "wall-time", "30m", "Maximum wall-clock budget")
	submitCmd.Flags().BoolVar(&submitDeploy, "deploy", false, "Allow the DEPLOYING phase on success")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Scheduling priority, higher runs first")
	submitCmd.Flags().StringVar(&submitID, "id", "", "Explicit task id (must be unique)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for a terminal state")
	submitCmd.Flags().StringVar(&submitWaitTimeout, "wait-timeout", "1h", "Maximum time to wait when --wait is set")
	_ = submitCmd.MarkFlagRequired("goal")
	_ = submitCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	wallTime, err := time.ParseDuration(submitWallTime)
	if err != nil {
		return fmt.Errorf("invalid wall-time: %w", err)
	}

	spec := scheduler.TaskSpec{
		ID:                 submitID,
		Goal:               submitGoal,
		RepoURL:            submitRepo,
		Branch:             submitBranch,
		CommitSHA:          submitCommit,
		Mode:               submitMode,
		AcceptanceCriteria: submitAcceptance,
		PolicyProfile:      submitPolicy,
		CostUSD:            submitCostUSD,
		MaxIterations:      submitMaxIterations,
		WallTimeSeconds:    int(wallTime.Seconds()),
		Deploy:             submitDeploy,
		Priority:           submitPriority,
	}

	id, err := eng.Scheduler.Submit(ctx, spec)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	if jsonOutput() {
		data, _ := json.MarshalIndent(map[string]string{"id": id}, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("✓ Task '%s' submitted\n", id)
		if !submitWait {
			fmt.Printf("\nUse 'forgeman status %s' to check progress\n", id)
		}
	}

	if !submitWait {
		return nil
	}

	waitDuration, err := time.ParseDuration(submitWaitTimeout)
	if err != nil {
		return fmt.Errorf("invalid wait-timeout: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, waitDuration)
	defer cancel()
	return waitForTask(waitCtx, id)
}

func waitForTask(ctx context.Context, id string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait timed out (task may still be running)")
		case <-ticker.C:
			task, err := eng.Scheduler.GetStatus(ctx, id)
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			if !task.Status.IsTerminal() {
				continue
			}
			switch task.Status {
			case core.StatusSucceeded:
				fmt.Printf("✓ Task succeeded\n")
				return nil
			case core.StatusFailed:
				return fmt.Errorf("task failed")
			case core.StatusCancelled:
				return fmt.Errorf("task was cancelled")
			default:
				return fmt.Errorf("task reached terminal status %s", task.Status)
			}
		}
	}
}
