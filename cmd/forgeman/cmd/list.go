/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/scheduler"
)

var (
	listStatus string
	listMode   string
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Long: `List tasks known to the engine.

Examples:
  forgeman list
  forgeman list --status RUNNING
  forgeman list --mode bugfix`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status: PENDING, RUNNING, SUSPENDED, SUCCEEDED, FAILED, CANCELLED")
	listCmd.Flags().StringVar(&listMode, "mode", "", "Filter by mode: refactor, new_feature, bugfix, app_generation")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	filter := scheduler.TaskFilter{
		Status: core.TaskStatus(listStatus),
		Mode:   core.TaskMode(listMode),
	}
	tasks, err := eng.Scheduler.ListTasks(ctx, filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if jsonOutput() {
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODE\tSTATUS\tAGE\tGOAL")
	for _, task := range tasks {
		age := time.Since(task.CreatedAt).Round(time.Second)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Mode, task.Status, age, truncate(task.Goal, 40))
	}
	return w.Flush()
}
