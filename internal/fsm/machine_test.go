/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package fsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeman-ai/forgeman/internal/adapter"
	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/predicate"
	"github.com/forgeman-ai/forgeman/internal/sandbox"
)

type memAuditor struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

func (a *memAuditor) Append(_ context.Context, entry core.AuditEntry) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.Seq = uint64(len(a.entries))
	a.entries = append(a.entries, entry)
	return entry.Seq, nil
}

func (a *memAuditor) LatestState(_ context.Context, taskID string) (core.AuditEntry, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].TaskID == taskID && a.entries[i].Kind == core.AuditTransition {
			return a.entries[i], true, nil
		}
	}
	return core.AuditEntry{}, false, nil
}

func (a *memAuditor) transitions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.Kind == core.AuditTransition {
			out = append(out, e.PriorState+"->"+e.NextState)
		}
	}
	return out
}

// scriptedAdapter always returns the given classification/patch for every
// capability it declares, regardless of phase.
type scriptedAdapter struct {
	id             string
	caps           map[core.Capability]bool
	classification adapter.Classification
	withPatch      bool
	calls          int
}

func (s *scriptedAdapter) ID() string                             { return s.id }
func (s *scriptedAdapter) Capabilities() map[core.Capability]bool { return s.caps }
func (s *scriptedAdapter) EstimateCost(context.Context, core.Phase, string) (adapter.CostEstimate, error) {
	return adapter.CostEstimate{CostUSD: 0.01, WallTime: time.Second}, nil
}
func (s *scriptedAdapter) Propose(_ context.Context, _ core.Phase, taskCtx adapter.TaskCtx, _ string) (adapter.PhaseOutcome, error) {
	s.calls++
	out := adapter.PhaseOutcome{Classification: s.classification, CostActual: 0.01}
	if s.withPatch {
		out.PatchSet = &core.PatchSet{PreconditionSHA: taskCtx.CommitSHA}
	}
	return out, nil
}
func (s *scriptedAdapter) Refine(ctx context.Context, phase core.Phase, feedback string) (adapter.PhaseOutcome, error) {
	return s.Propose(ctx, phase, adapter.TaskCtx{}, feedback)
}

func newAllowAllGuard(t *testing.T) (*policy.Guard, *policy.CompiledProfile) {
	t.Helper()
	g := policy.New(nil, 1.2)
	profile := core.PolicyProfile{
		Name: "default", Version: 1,
		CommandAllowPatterns: []string{".*"},
		WriteScope:           []string{t.TempDir()},
		SandboxTier:          core.TierHigh,
	}
	if err := g.LoadProfile(profile); err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	cp, ok := g.Resolve("default", 1)
	if !ok {
		t.Fatal("expected profile to resolve")
	}
	return g, cp
}

func newTestTask() *core.Task {
	return &core.Task{
		ID:                 core.NewTaskID(),
		Goal:               "do the thing",
		Mode:               core.ModeBugfix,
		AcceptanceCriteria: nil, // no predicates required for this test
		Constraints:        core.Constraints{PolicyProfile: "default"},
		Budgets:            core.Budgets{CostUSD: 100, MaxIterations: 5, WallTime: time.Hour},
		Status:             core.StatusRunning,
		CreatedAt:          time.Now(),
	}
}

func allCapsOK() map[core.Capability]bool {
	return map[core.Capability]bool{
		core.CapPlan: true, core.CapPropose: true, core.CapSummarizeDiff: true,
		core.CapCommitMessage: true, core.CapApplyPatch: true,
	}
}

func TestMachine_HappyPathReachesSucceeded(t *testing.T) {
	guard, profile := newAllowAllGuard(t)
	auditor := &memAuditor{}
	reg := adapter.NewRegistry()
	a := &scriptedAdapter{id: "a1", caps: allCapsOK(), classification: adapter.ClassOK, withPatch: true}
	_ = reg.Register(core.AdapterDescriptor{ID: "a1", Capabilities: a.caps}, a)
	reg.RouteMode(core.ModeBugfix, "a1")

	predReg := predicate.NewRegistry()
	predRunner := predicate.NewRunner(sandbox.New(nil), guard)

	task := newTestTask()
	m := New(Deps{Audit: auditor, Guard: guard, Adapters: reg, Predicates: predReg, PredRunner: predRunner}, task, t.TempDir(), profile)

	final, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}
	if final != StateSucceeded {
		t.Fatalf("expected StateSucceeded, got %s", final)
	}

	got := auditor.transitions()
	want := []string{
		"PENDING->PLANNING", "PLANNING->CODING", "CODING->TESTING",
		"TESTING->REVIEWING", "REVIEWING->COMMIT_PENDING", "COMMIT_PENDING->SUCCEEDED",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestMachine_DeployFlagRoutesThroughDeploying(t *testing.T) {
	guard, profile := newAllowAllGuard(t)
	auditor := &memAuditor{}
	reg := adapter.NewRegistry()
	a := &scriptedAdapter{id: "a1", caps: allCapsOK(), classification: adapter.ClassOK, withPatch: true}
	_ = reg.Register(core.AdapterDescriptor{ID: "a1", Capabilities: a.caps}, a)
	reg.RouteMode(core.ModeBugfix, "a1")

	predReg := predicate.NewRegistry()
	predRunner := predicate.NewRunner(sandbox.New(nil), guard)

	task := newTestTask()
	task.Deploy = true
	m := New(Deps{Audit: auditor, Guard: guard, Adapters: reg, Predicates: predReg, PredRunner: predRunner}, task, t.TempDir(), profile)

	final, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}
	if final != StateSucceeded {
		t.Fatalf("expected StateSucceeded after deploy, got %s", final)
	}

	found := false
	for _, tr := range auditor.transitions() {
		if tr == "COMMIT_PENDING->DEPLOYING" {
			found = true
		}
	}
	if !found {
		t.Error("expected a COMMIT_PENDING->DEPLOYING transition when task.Deploy is set")
	}
}

func TestMachine_IterationBudgetExhaustionFailsTask(t *testing.T) {
	guard, profile := newAllowAllGuard(t)
	auditor := &memAuditor{}
	reg := adapter.NewRegistry()
	planner := &scriptedAdapter{id: "planner", caps: map[core.Capability]bool{core.CapPlan: true}, classification: adapter.ClassOK}
	coder := &scriptedAdapter{id: "coder", caps: map[core.Capability]bool{core.CapPropose: true}, classification: adapter.ClassNeedsRefine}
	_ = reg.Register(core.AdapterDescriptor{ID: "planner", Capabilities: planner.caps}, planner)
	_ = reg.Register(core.AdapterDescriptor{ID: "coder", Capabilities: coder.caps}, coder)
	reg.RouteMode(core.ModeBugfix, "planner", "coder")

	task := newTestTask()
	task.Budgets.MaxIterations = 1
	m := New(Deps{Audit: auditor, Guard: guard, Adapters: reg, Predicates: predicate.NewRegistry(), PredRunner: predicate.NewRunner(sandbox.New(nil), guard)}, task, t.TempDir(), profile)

	final, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}
	if final != StateFailed {
		t.Fatalf("expected StateFailed once iteration budget is exhausted, got %s", final)
	}
}

func TestMachine_BudgetExceededFailsBeforeSpawning(t *testing.T) {
	guard, profile := newAllowAllGuard(t)
	auditor := &memAuditor{}
	reg := adapter.NewRegistry()
	a := &scriptedAdapter{id: "a1", caps: allCapsOK(), classification: adapter.ClassOK, withPatch: true}
	_ = reg.Register(core.AdapterDescriptor{ID: "a1", Capabilities: a.caps}, a)
	reg.RouteMode(core.ModeBugfix, "a1")

	task := newTestTask()
	task.Budgets.CostUSD = 0 // any projected cost now exceeds budget

	m := New(Deps{Audit: auditor, Guard: guard, Adapters: reg, Predicates: predicate.NewRegistry(), PredRunner: predicate.NewRunner(sandbox.New(nil), guard)}, task, t.TempDir(), profile)

	final, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}
	if final != StateFailed {
		t.Fatalf("expected StateFailed, got %s", final)
	}
	if a.calls != 0 {
		t.Errorf("expected the adapter to never be invoked once the budget check denies, got %d calls", a.calls)
	}
}

func TestMachine_ResumeRestoresStateFromAudit(t *testing.T) {
	_, profile := newAllowAllGuard(t)
	auditor := &memAuditor{}
	task := newTestTask()
	_, _ = auditor.Append(context.Background(), core.AuditEntry{TaskID: task.ID, Kind: core.AuditTransition, PriorState: "CODING", NextState: "TESTING"})

	m := New(Deps{Audit: auditor}, task, t.TempDir(), profile)
	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if m.state != StateTesting {
		t.Errorf("expected resumed state TESTING, got %s", m.state)
	}
}

func TestMachine_CancelledContextTerminatesAsCancelled(t *testing.T) {
	guard, profile := newAllowAllGuard(t)
	auditor := &memAuditor{}
	task := newTestTask()
	m := New(Deps{Audit: auditor, Guard: guard}, task, t.TempDir(), profile)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := m.Drive(ctx)
	if err != nil {
		t.Fatalf("Drive() error = %v", err)
	}
	if final != StateCancelled {
		t.Fatalf("expected StateCancelled, got %s", final)
	}
}
