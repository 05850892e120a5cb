/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package fsm implements TaskStateMachine (spec §4.6): drives a single task
// through its phases, deciding retries, phase transitions, and terminal
// outcome. Grounded in the teacher's agenttask_controller.go phase-switch
// Reconcile loop, generalized from a level-triggered Kubernetes
// reconciler (re-invoked by the controller-runtime work queue) to an
// edge-driven in-process loop owned by one goroutine per task — the
// Scheduler provides the concurrency the controller-runtime's work queue
// provided in the teacher.
package fsm

// State is a TaskStateMachine state (distinct from core.TaskStatus, the
// coarse status surfaced at the API boundary, and core.Phase, the adapter
// phase vocabulary each non-terminal State maps onto).
type State string

const (
	StatePending       State = "PENDING"
	StatePlanning      State = "PLANNING"
	StateCoding        State = "CODING"
	StateTesting       State = "TESTING"
	StateReviewing     State = "REVIEWING"
	StateCommitPending State = "COMMIT_PENDING"
	StateDeploying     State = "DEPLOYING"
	StateSucceeded     State = "SUCCEEDED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
	StateSuspended     State = "SUSPENDED"
)

// IsTerminal reports whether the FSM never leaves state s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}
