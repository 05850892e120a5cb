/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// TaskFilter narrows ListTasks. Zero-value fields are not applied.
type TaskFilter struct {
	Status core.TaskStatus
	Mode   core.TaskMode
}

// CreateTask inserts the Task projection row used by get_status/list_tasks
// (spec §6). This is a mutable projection maintained by the Scheduler, not
// the append-only audit log itself: the Task entity's own contract (spec
// §3) already describes its status/spent fields as Scheduler-owned and
// FSM-mutated, so a dedicated row — rather than replaying audit_entries on
// every read — is how that ownership is made durable across process
// restarts without re-deriving state from scratch each time.
func (s *Store) CreateTask(ctx context.Context, t *core.Task) error {
	criteria, err := json.Marshal(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, goal, repo_url, branch, commit_sha, mode, acceptance_criteria,
			policy_profile, policy_profile_version,
			budget_cost_usd, budget_max_iterations, budget_wall_time_ns,
			deploy, priority, status,
			spent_iterations, spent_cost_usd, spent_wall_time_ns,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Goal, t.Repo.URL, t.Repo.Branch, t.Repo.CommitSHA, string(t.Mode), string(criteria),
		t.Constraints.PolicyProfile, t.PolicyProfileVersion,
		t.Budgets.CostUSD, t.Budgets.MaxIterations, int64(t.Budgets.WallTime),
		boolToInt(t.Deploy), t.Priority, string(t.Status),
		t.Spent.Iterations, t.Spent.CostUSD, int64(t.Spent.WallTime),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return taskerr.Wrap(taskerr.AuditUnavailable, "create_task_failed", err)
	}
	return nil
}

// UpdateTaskState persists the task's current status/spent/terminal_at.
// The Scheduler calls it once, when the FSM has reached a terminal state;
// until then the row keeps the PENDING status it was created with, and
// intermediate transitions are recorded only in the audit log.
func (s *Store) UpdateTaskState(ctx context.Context, t *core.Task) error {
	var terminalAt any
	if t.TerminalAt != nil {
		terminalAt = t.TerminalAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, spent_iterations = ?, spent_cost_usd = ?,
			spent_wall_time_ns = ?, terminal_at = ?
		WHERE id = ?`,
		string(t.Status), t.Spent.Iterations, t.Spent.CostUSD, int64(t.Spent.WallTime),
		terminalAt, t.ID,
	)
	if err != nil {
		return taskerr.Wrap(taskerr.AuditUnavailable, "update_task_failed", err)
	}
	return nil
}

// RequestCancel marks a task's cancel_requested flag, observed by the
// Scheduler's cooperative cancellation poll (spec §5). Idempotent: setting
// it twice is a no-op beyond overwriting reason.
func (s *Store) RequestCancel(ctx context.Context, taskID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, cancel_reason = ?
		WHERE id = ? AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`,
		reason, taskID,
	)
	if err != nil {
		return taskerr.Wrap(taskerr.AuditUnavailable, "request_cancel_failed", err)
	}
	return nil
}

// CancelRequested reports whether taskID has a pending cancel request.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, string, error) {
	var flag int
	var reason string
	row := s.db.QueryRowContext(ctx, `SELECT cancel_requested, cancel_reason FROM tasks WHERE id = ?`, taskID)
	if err := row.Scan(&flag, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", taskerr.Wrap(taskerr.AuditUnavailable, "cancel_requested_failed", err)
	}
	return flag == 1, reason, nil
}

// GetTask returns the task projection row for id.
func (s *Store) GetTask(ctx context.Context, id string) (core.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, repo_url, branch, commit_sha, mode, acceptance_criteria,
			policy_profile, policy_profile_version,
			budget_cost_usd, budget_max_iterations, budget_wall_time_ns,
			deploy, priority, status,
			spent_iterations, spent_cost_usd, spent_wall_time_ns,
			created_at, terminal_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Task{}, false, nil
		}
		return core.Task{}, false, taskerr.Wrap(taskerr.AuditUnavailable, "get_task_failed", err)
	}
	return t, true, nil
}

// ListTasks returns task projection rows matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]core.Task, error) {
	query := `
		SELECT id, goal, repo_url, branch, commit_sha, mode, acceptance_criteria,
			policy_profile, policy_profile_version,
			budget_cost_usd, budget_max_iterations, budget_wall_time_ns,
			deploy, priority, status,
			spent_iterations, spent_cost_usd, spent_wall_time_ns,
			created_at, terminal_at
		FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.AuditUnavailable, "list_tasks_failed", err)
	}
	defer rows.Close()

	var out []core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.AuditUnavailable, "list_tasks_failed", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.AuditUnavailable, "list_tasks_failed", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (core.Task, error) {
	var t core.Task
	var criteria, createdAt string
	var terminalAt sql.NullString
	var deployInt, wallNS, spentWallNS int64
	if err := row.Scan(
		&t.ID, &t.Goal, &t.Repo.URL, &t.Repo.Branch, &t.Repo.CommitSHA, &t.Mode, &criteria,
		&t.Constraints.PolicyProfile, &t.PolicyProfileVersion,
		&t.Budgets.CostUSD, &t.Budgets.MaxIterations, &wallNS,
		&deployInt, &t.Priority, &t.Status,
		&t.Spent.Iterations, &t.Spent.CostUSD, &spentWallNS,
		&createdAt, &terminalAt,
	); err != nil {
		return core.Task{}, err
	}
	_ = json.Unmarshal([]byte(criteria), &t.AcceptanceCriteria)
	t.Budgets.WallTime = time.Duration(wallNS)
	t.Spent.WallTime = time.Duration(spentWallNS)
	t.Deploy = deployInt != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if terminalAt.Valid {
		parsed, _ := time.Parse(time.RFC3339Nano, terminalAt.String)
		t.TerminalAt = &parsed
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
