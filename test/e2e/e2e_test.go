//go:build e2e

/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package e2e drives the Scheduler end to end, in-process, against the
// concrete scenarios from spec.md's testable-properties section: no
// cluster, no subprocess agent, just the real audit/policy/overlay/FSM
// stack wired together the way internal/engine.Bootstrap wires it, fed a
// scripted adapter instead of a real external agent.
package e2e

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/forgeman-ai/forgeman/internal/adapter"
	"github.com/forgeman-ai/forgeman/internal/audit"
	"github.com/forgeman-ai/forgeman/internal/config"
	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/fsm"
	"github.com/forgeman-ai/forgeman/internal/overlay"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/predicate"
	"github.com/forgeman-ai/forgeman/internal/sandbox"
	"github.com/forgeman-ai/forgeman/internal/scheduler"
)

// scriptedAdapter plays back one Classification per call, falling back to
// its last entry once exhausted, so a test can script a refine-then-success
// sequence without a real external agent.
type scriptedAdapter struct {
	id      string
	outcome []adapter.PhaseOutcome
	calls   int
	costs   []float64
}

func (s *scriptedAdapter) ID() string { return s.id }
func (s *scriptedAdapter) Capabilities() map[core.Capability]bool {
	return map[core.Capability]bool{
		core.CapPlan: true, core.CapPropose: true, core.CapSummarizeDiff: true,
		core.CapCommitMessage: true, core.CapApplyPatch: true,
	}
}
func (s *scriptedAdapter) EstimateCost(context.Context, core.Phase, string) (adapter.CostEstimate, error) {
	cost := 0.01
	if len(s.costs) > 0 {
		idx := s.calls
		if idx >= len(s.costs) {
			idx = len(s.costs) - 1
		}
		cost = s.costs[idx]
	}
	return adapter.CostEstimate{CostUSD: cost, WallTime: time.Second}, nil
}
func (s *scriptedAdapter) next(taskCtx adapter.TaskCtx) adapter.PhaseOutcome {
	idx := s.calls
	if idx >= len(s.outcome) {
		idx = len(s.outcome) - 1
	}
	s.calls++
	out := s.outcome[idx]
	if out.Classification == adapter.ClassOK && out.PatchSet == nil {
		out.PatchSet = &core.PatchSet{PreconditionSHA: taskCtx.CommitSHA}
	}
	return out
}
func (s *scriptedAdapter) Propose(_ context.Context, _ core.Phase, taskCtx adapter.TaskCtx, _ string) (adapter.PhaseOutcome, error) {
	return s.next(taskCtx), nil
}
func (s *scriptedAdapter) Refine(_ context.Context, _ core.Phase, _ string) (adapter.PhaseOutcome, error) {
	return s.next(adapter.TaskCtx{}), nil
}

// fakeWorkspace skips git entirely: these scenarios never touch a real repo.
type fakeWorkspace struct{ dir string }

func (f fakeWorkspace) Materialize(ctx context.Context, root, taskID string, repo scheduler.RepoSpec) (string, string, error) {
	return f.dir, "deadbeef", nil
}
func (f fakeWorkspace) Remove(ctx context.Context, path string) error { return nil }

type harness struct {
	sched *scheduler.Scheduler
	store *audit.Store
}

func newHarness(adapterID string, a adapter.Adapter, costUSD float64, maxIterations int) harness {
	dir := GinkgoT().TempDir()
	store, err := audit.Open(context.Background(), filepath.Join(dir, "audit.db"))
	Expect(err).NotTo(HaveOccurred())

	guard := policy.New(store, 1.2)
	Expect(guard.LoadProfile(core.PolicyProfile{
		Name: "default", Version: 1,
		CommandAllowPatterns: []string{".*"},
		WriteScope:           []string{dir},
		SandboxTier:          core.TierLow,
	})).To(Succeed())

	reg := adapter.NewRegistry()
	Expect(reg.Register(core.AdapterDescriptor{ID: adapterID, Capabilities: a.Capabilities()}, a)).To(Succeed())
	reg.RouteMode(core.ModeBugfix, adapterID)

	predReg := predicate.NewRegistry()
	predRunner := predicate.NewRunner(sandbox.New(nil), guard)
	broker := overlay.New(store, overlay.DefaultConfig())

	sched := scheduler.New(scheduler.Deps{
		Audit:      store,
		Guard:      guard,
		Broker:     broker,
		Adapters:   reg,
		Predicates: predReg,
		PredRunner: predRunner,
		Workspace:  fakeWorkspace{dir: dir},
		Config:     config.SchedulerConfig{MaxConcurrentTasks: 4, WorkspaceGrace: time.Millisecond},
		Backoff:    fsm.DefaultBackoffConfig(),
	})
	return harness{sched: sched, store: store}
}

func (h harness) submitAndDrive(ctx context.Context, spec scheduler.TaskSpec) core.Task {
	id, err := h.sched.Submit(ctx, spec)
	Expect(err).NotTo(HaveOccurred())
	h.sched.DriveOnce(ctx)
	task, err := h.sched.GetStatus(ctx, id)
	Expect(err).NotTo(HaveOccurred())
	return task
}

func baseSpec() scheduler.TaskSpec {
	return scheduler.TaskSpec{
		Goal:            "fix off-by-one in paginate",
		RepoURL:         "https://example.invalid/repo.git",
		Mode:            string(core.ModeBugfix),
		PolicyProfile:   "default",
		CostUSD:         0.50,
		MaxIterations:   3,
		WallTimeSeconds: 300,
	}
}

var _ = Describe("task lifecycle", func() {
	ctx := context.Background()

	It("drives a happy-path bugfix to SUCCEEDED in one iteration", func() {
		a := &scriptedAdapter{id: "a1", outcome: []adapter.PhaseOutcome{{Classification: adapter.ClassOK}}}
		h := newHarness("a1", a, 0.01, 3)

		task := h.submitAndDrive(ctx, baseSpec())

		Expect(task.Status).To(Equal(core.StatusSucceeded))
		Expect(task.Spent.Iterations).To(Equal(1))
	})

	It("terminates FAILED in PLANNING when the cost budget is exhausted before the first call", func() {
		a := &scriptedAdapter{id: "a1", outcome: []adapter.PhaseOutcome{{Classification: adapter.ClassOK}}}
		h := newHarness("a1", a, 0.02, 10)

		spec := baseSpec()
		spec.CostUSD = 0.01
		task := h.submitAndDrive(ctx, spec)

		Expect(task.Status).To(Equal(core.StatusFailed))
	})

	It("reaches CANCELLED when cancel is requested before dispatch, and cancel(cancel(t)) stays idempotent", func() {
		a := &scriptedAdapter{id: "a1", outcome: []adapter.PhaseOutcome{{Classification: adapter.ClassOK}}}
		h := newHarness("a1", a, 0.01, 3)

		id, err := h.sched.Submit(ctx, baseSpec())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.sched.Cancel(ctx, id, "superseded")).To(Succeed())
		Expect(h.sched.Cancel(ctx, id, "superseded again")).To(Succeed())

		h.sched.DriveOnce(ctx)

		task, err := h.sched.GetStatus(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(core.StatusCancelled))
	})
})
