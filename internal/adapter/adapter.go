/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package adapter implements the AgentAdapter interface and registry (spec
// §4.5): a uniform facade over heterogeneous external coding agents so the
// FSM's phase logic stays adapter-agnostic.
package adapter

import (
	"context"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
)

// TaskCtx is the read-only bundle handed to propose/refine.
type TaskCtx struct {
	TaskID             string
	WorkspaceRoot      string
	CommitSHA          string
	Goal               string
	AcceptanceCriteria []string
	PolicyProfileName  string
	RemainingBudget    core.Budgets
}

// Classification is a PhaseOutcome's result tag (spec §4.5; distinct from
// core.PhaseOutcomeKind, which is the FSM's own transition-table vocabulary).
type Classification string

const (
	ClassOK              Classification = "OK"
	ClassNeedsRefine     Classification = "NEEDS_REFINE"
	ClassFailedTransient Classification = "FAILED_TRANSIENT"
	ClassFailedPermanent Classification = "FAILED_PERMANENT"
)

// PhaseOutcome is the tagged value every propose/refine call returns.
type PhaseOutcome struct {
	Classification Classification

	PatchSet      *core.PatchSet
	Plan          string
	TestReport    string
	ReviewReport  string
	CommitMessage string
	DeployRecord  string

	CostActual float64
	TokensIn   int64
	TokensOut  int64
}

// CostEstimate is the result of estimate_cost. Must be produced without side
// effects: no spawn, no network call, no audit write (spec §4.5).
type CostEstimate struct {
	CostUSD  float64
	WallTime time.Duration
}

// Adapter is the external-agent facade. Capabilities declares which phases
// the adapter serves, and Registry.SelectForMode routes a phase only to
// adapters declaring it; the implementations in this package do not check a
// call against that set themselves.
type Adapter interface {
	ID() string
	Capabilities() map[core.Capability]bool
	EstimateCost(ctx context.Context, phase core.Phase, contextDigest string) (CostEstimate, error)
	Propose(ctx context.Context, phase core.Phase, taskCtx TaskCtx, priorFeedback string) (PhaseOutcome, error)
	Refine(ctx context.Context, phase core.Phase, feedback string) (PhaseOutcome, error)
}
