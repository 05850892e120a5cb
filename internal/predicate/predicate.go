/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package predicate implements the acceptance-predicate plugin registry
// used by the TESTING phase (spec §4.6: "all acceptance predicates pass").
// A predicate is invoked through SandboxRunner exactly like any adapter
// tool call — it is not a separate execution path, it runs the same
// PTY-attached, policy-gated, resource-capped subprocess.
package predicate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/sandbox"
)

// Result is the outcome of running one predicate.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Predicate names one acceptance check and the command that decides it: a
// zero exit code passes; a nonzero exit code or an abnormal end (timeout,
// RSS kill, crash) fails. A spawn or wait failure is returned by Runner.Run
// as an error, not as a failing Result.
type Predicate struct {
	Name string
	Argv []string
}

// Runner executes predicates against a workspace, gated by PolicyGuard the
// same way an adapter's cli_pty call is (spec §4.4's check_command
// contract applies uniformly).
type Runner struct {
	runner *sandbox.Runner
	guard  *policy.Guard
}

// NewRunner constructs a predicate Runner.
func NewRunner(runner *sandbox.Runner, guard *policy.Guard) *Runner {
	return &Runner{runner: runner, guard: guard}
}

// Run executes p inside workspace under cp's policy, with caps bounding
// wall time and output. A policy denial fails the predicate with detail
// "policy_blocked: <reason>" rather than raising an error, since a denied
// acceptance check is itself a meaningful (failing) test result.
func (r *Runner) Run(ctx context.Context, taskID string, cp *policy.CompiledProfile, p Predicate, workspace string, caps sandbox.ResourceCaps) (Result, error) {
	decision := r.guard.CheckCommand(ctx, taskID, cp, p.Argv)
	if !decision.Allowed {
		return Result{Name: p.Name, Passed: false, Detail: "policy_blocked: " + decision.Reason}, nil
	}

	handle, err := r.runner.Run(ctx, taskID, p.Argv, nil, workspace, "", caps)
	if err != nil {
		return Result{}, fmt.Errorf("predicate %s: spawn: %w", p.Name, err)
	}
	outcome, err := handle.Wait(caps.WallTime + 10*time.Second)
	if err != nil {
		return Result{}, fmt.Errorf("predicate %s: wait: %w", p.Name, err)
	}

	if outcome.ExitReason != sandbox.ExitNormal {
		return Result{Name: p.Name, Passed: false, Detail: string(outcome.ExitReason)}, nil
	}
	return Result{Name: p.Name, Passed: outcome.ExitCode == 0, Detail: fmt.Sprintf("exit_code=%d", outcome.ExitCode)}, nil
}

// Registry holds named predicate definitions, keyed on the strings a
// Task's acceptance_criteria list references.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Predicate
}

// NewRegistry constructs a Registry seeded with the built-in predicates.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Predicate)}
	r.Register(Predicate{Name: "unit_tests_pass", Argv: []string{"go", "test", "./..."}})
	r.Register(Predicate{Name: "lint_clean", Argv: []string{"golangci-lint", "run"}})
	return r
}

// Register adds or replaces a named predicate definition.
func (r *Registry) Register(p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[p.Name] = p
}

// Resolve looks up acceptance-criteria names in the order given, skipping
// unknown names rather than failing the whole set — unrecognized criteria
// are returned in the second result (the FSM logs them), not a reason to
// abort TESTING outright.
func (r *Registry) Resolve(names []string) ([]Predicate, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found []Predicate
	var unknown []string
	for _, name := range names {
		if p, ok := r.defs[name]; ok {
			found = append(found, p)
		} else {
			unknown = append(unknown, name)
		}
	}
	return found, unknown
}
