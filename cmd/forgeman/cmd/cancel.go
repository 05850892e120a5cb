/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Long: `Cancel a task. The request is recorded in the audit store. A task
still queued is cancelled when it is dispatched; for a running task the
engine driving it checks for the request about once a second and then
cancels the task's context, which stops the in-flight phase, and the task
ends CANCELLED.

Examples:
  forgeman cancel task-abc123
  forgeman cancel task-abc123 --reason "superseded by task-def456"`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by user", "Reason recorded in the audit log")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]
	if err := eng.Scheduler.Cancel(ctx, id, cancelReason); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	if jsonOutput() {
		data, _ := json.MarshalIndent(map[string]string{"id": id, "status": "cancel_requested"}, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("✓ Cancellation requested for task '%s'\n", id)
	return nil
}
