/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgeman-ai/forgeman/internal/adapter"
	"github.com/forgeman-ai/forgeman/internal/audit"
	"github.com/forgeman-ai/forgeman/internal/config"
	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/fsm"
	"github.com/forgeman-ai/forgeman/internal/overlay"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/predicate"
	"github.com/forgeman-ai/forgeman/internal/sandbox"
)

// scriptedAdapter always returns the given classification/patch, mirroring
// the fsm package's test double for the same interface.
type scriptedAdapter struct {
	id             string
	classification adapter.Classification
	withPatch      bool
}

func (s *scriptedAdapter) ID() string { return s.id }
func (s *scriptedAdapter) Capabilities() map[core.Capability]bool {
	return map[core.Capability]bool{
		core.CapPlan: true, core.CapPropose: true, core.CapSummarizeDiff: true,
		core.CapCommitMessage: true, core.CapApplyPatch: true,
	}
}
func (s *scriptedAdapter) EstimateCost(context.Context, core.Phase, string) (adapter.CostEstimate, error) {
	return adapter.CostEstimate{CostUSD: 0.01, WallTime: time.Second}, nil
}
func (s *scriptedAdapter) Propose(_ context.Context, _ core.Phase, taskCtx adapter.TaskCtx, _ string) (adapter.PhaseOutcome, error) {
	out := adapter.PhaseOutcome{Classification: s.classification, CostActual: 0.01}
	if s.withPatch {
		out.PatchSet = &core.PatchSet{PreconditionSHA: taskCtx.CommitSHA}
	}
	return out, nil
}
func (s *scriptedAdapter) Refine(ctx context.Context, phase core.Phase, feedback string) (adapter.PhaseOutcome, error) {
	return s.Propose(ctx, phase, adapter.TaskCtx{}, feedback)
}

// noopWorkspace skips git entirely: tests don't need a real repo checkout,
// only somewhere on disk for predicate runs to operate in.
type noopWorkspace struct{ dir string }

func (n noopWorkspace) Materialize(ctx context.Context, root, taskID string, repo RepoSpec) (string, string, error) {
	return n.dir, "deadbeef", nil
}
func (n noopWorkspace) Remove(ctx context.Context, path string) error { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *audit.Store) {
	t.Helper()
	store, err := audit.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	guard := policy.New(store, 1.2)
	if err := guard.LoadProfile(core.PolicyProfile{
		Name: "default", Version: 1,
		CommandAllowPatterns: []string{".*"},
		WriteScope:           []string{t.TempDir()},
		SandboxTier:          core.TierLow,
	}); err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}

	reg := adapter.NewRegistry()
	a := &scriptedAdapter{id: "a1", classification: adapter.ClassOK, withPatch: true}
	if err := reg.Register(core.AdapterDescriptor{ID: "a1", Capabilities: a.Capabilities()}, a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.RouteMode(core.ModeBugfix, "a1")

	predReg := predicate.NewRegistry()
	predRunner := predicate.NewRunner(sandbox.New(nil), guard)
	broker := overlay.New(store, overlay.DefaultConfig())

	s := New(Deps{
		Audit:      store,
		Guard:      guard,
		Broker:     broker,
		Adapters:   reg,
		Predicates: predReg,
		PredRunner: predRunner,
		Workspace:  noopWorkspace{dir: t.TempDir()},
		Config:     config.SchedulerConfig{MaxConcurrentTasks: 4, WorkspaceGrace: time.Millisecond},
		Backoff:    fsm.DefaultBackoffConfig(),
	})
	return s, store
}

func validSpec() TaskSpec {
	return TaskSpec{
		Goal:            "fix the bug",
		RepoURL:         "https://example.invalid/repo.git",
		Mode:            string(core.ModeBugfix),
		PolicyProfile:   "default",
		CostUSD:         10,
		MaxIterations:   3,
		WallTimeSeconds: 60,
	}
}

func TestSubmit_RejectsInvalidSpec(t *testing.T) {
	s, _ := newTestScheduler(t)
	spec := validSpec()
	spec.Goal = ""
	if _, err := s.Submit(context.Background(), spec); err == nil {
		t.Error("expected validation error for empty goal")
	}
}

func TestSubmit_RejectsUnknownPolicyProfile(t *testing.T) {
	s, _ := newTestScheduler(t)
	spec := validSpec()
	spec.PolicyProfile = "does-not-exist"
	if _, err := s.Submit(context.Background(), spec); err == nil {
		t.Error("expected error for unknown policy profile")
	}
}

func TestSubmit_RejectsUnroutedMode(t *testing.T) {
	s, _ := newTestScheduler(t)
	spec := validSpec()
	spec.Mode = string(core.ModeAppGeneration)
	if _, err := s.Submit(context.Background(), spec); err == nil {
		t.Error("expected error for a mode with no routed adapter")
	}
}

func TestSubmit_DuplicateExplicitIDRejectedWithoutSideEffects(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	spec := validSpec()
	spec.ID = "fixed-id"

	id1, err := s.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if id1 != "fixed-id" {
		t.Fatalf("expected id %q, got %q", "fixed-id", id1)
	}

	if _, err := s.Submit(ctx, spec); err == nil {
		t.Error("expected second submission with the same id to be rejected")
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected exactly one persisted task after the rejected duplicate, got %d", len(tasks))
	}
}

func TestSubmit_PersistsPendingTask(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Submit(ctx, validSpec())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	task, err := s.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if task.Status != core.StatusPending {
		t.Errorf("expected status PENDING immediately after submit, got %s", task.Status)
	}
}

func TestDrive_HappyPathReachesSucceeded(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Submit(ctx, validSpec())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	s.dispatchReady(ctx)
	s.wg.Wait()

	task, err := s.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if task.Status != core.StatusSucceeded {
		t.Errorf("expected status SUCCEEDED, got %s", task.Status)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Submit(ctx, validSpec())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := s.Cancel(ctx, id, "user requested"); err != nil {
		t.Fatalf("first Cancel() error = %v", err)
	}
	if err := s.Cancel(ctx, id, "user requested again"); err != nil {
		t.Fatalf("second Cancel() error = %v", err)
	}
}

func TestQueue_HigherPriorityDispatchedFirst(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	low := validSpec()
	low.Priority = 0
	lowID, err := s.Submit(ctx, low)
	if err != nil {
		t.Fatalf("Submit(low) error = %v", err)
	}
	high := validSpec()
	high.Priority = 10
	highID, err := s.Submit(ctx, high)
	if err != nil {
		t.Fatalf("Submit(high) error = %v", err)
	}

	s.mu.Lock()
	first := peekHighestPriority(t, &s.queue)
	s.mu.Unlock()
	if first != highID {
		t.Errorf("expected the higher-priority task %q dispatched first, got %q", highID, first)
	}
	_ = lowID
}

func peekHighestPriority(t *testing.T, pq *priorityQueue) string {
	t.Helper()
	if pq.Len() == 0 {
		t.Fatal("expected a non-empty queue")
	}
	item := (*pq)[0]
	for _, it := range *pq {
		if it.priority > item.priority || (it.priority == item.priority && it.seq < item.seq) {
			item = it
		}
	}
	return item.taskID
}

func TestShutdown_WaitsForActiveTasksThenReturns(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	if _, err := s.Submit(ctx, validSpec()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	s.dispatchReady(ctx)

	if err := s.Shutdown(ctx, 5*time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	spec := validSpec()
	if _, err := s.Submit(ctx, spec); err != nil {
		t.Fatalf("Submit() after shutdown should still persist: error = %v", err)
	}
	s.dispatchReady(ctx) // must be a no-op: admitted is false
}
