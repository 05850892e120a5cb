/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package fsm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forgeman-ai/forgeman/internal/adapter"
	"github.com/forgeman-ai/forgeman/internal/artifacts"
	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/logging"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/predicate"
	"github.com/forgeman-ai/forgeman/internal/sandbox"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// Auditor is the narrow AuditStore surface the FSM needs: append-before-
// side-effect (P2) and latest-state lookup for restart resume (P9).
type Auditor interface {
	Append(ctx context.Context, entry core.AuditEntry) (uint64, error)
	LatestState(ctx context.Context, taskID string) (core.AuditEntry, bool, error)
}

// Publisher is the narrow OverlayBroker surface the FSM needs, for
// META(phase_transition) and META(cancelled) records.
type Publisher interface {
	Publish(ctx context.Context, taskID string, stream core.OverlayStream, payload []byte) (core.OverlayEvent, error)
}

// Deps bundles the FSM's collaborators.
type Deps struct {
	Audit      Auditor
	Guard      *policy.Guard
	Broker     Publisher
	Adapters   *adapter.Registry
	Predicates *predicate.Registry
	PredRunner *predicate.Runner
	Backoff    BackoffConfig

	// Artifacts persists phase output that must survive the task's
	// workspace (plans, test reports, review reports) as content-addressed
	// blobs (spec §6). Optional: nil disables persistence.
	Artifacts *artifacts.Store

	PlanMaxAttempts int // default 2, per spec §4.6's transition table
}

func (d Deps) withDefaults() Deps {
	if d.PlanMaxAttempts <= 0 {
		d.PlanMaxAttempts = 2
	}
	if d.Backoff.Base <= 0 {
		d.Backoff = DefaultBackoffConfig()
	}
	return d
}

// Machine drives one Task through its phases. One Machine per task; never
// shared (spec §5: "each task owns ... an exclusive FSM instance").
type Machine struct {
	deps      Deps
	task      *core.Task
	workspace string
	profile   *policy.CompiledProfile

	state             State
	planAttempts      int
	feedback          string
	transientAttempts map[State]int
}

// maxTransientAttempts bounds same-state backoff retries for
// ADAPTER_TRANSIENT/SANDBOX_FAULT before they escalate to ADAPTER_PERMANENT
// (spec §4.5: "FAILED_TRANSIENT on the first two occurrences ... and
// FAILED_PERMANENT thereafter").
const maxTransientAttempts = 2

// New constructs a Machine for task, rooted at workspace, gated by the
// policy profile resolved for task.Constraints.PolicyProfile at
// task.PolicyProfileVersion.
func New(deps Deps, task *core.Task, workspace string, profile *policy.CompiledProfile) *Machine {
	return &Machine{
		deps: deps.withDefaults(), task: task, workspace: workspace, profile: profile,
		state: StatePending, transientAttempts: make(map[State]int),
	}
}

// Resume reinitializes state from the latest durable audit transition,
// making restart idempotent (P9): a crash mid-phase resumes from the last
// committed state and reissues the next action under a fresh PhaseRun
// attempt number.
func (m *Machine) Resume(ctx context.Context) error {
	entry, ok, err := m.deps.Audit.LatestState(ctx, m.task.ID)
	if err != nil {
		return taskerr.Wrap(taskerr.AuditUnavailable, "resume lookup failed", err)
	}
	if ok && entry.NextState != "" {
		m.state = State(entry.NextState)
	}
	return nil
}

// Drive runs the FSM to a terminal state or until ctx is cancelled.
// Cancellation takes precedence over any pending transition (spec §4.6).
func (m *Machine) Drive(ctx context.Context) (State, error) {
	for !m.state.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return m.cancel(ctx, "context cancelled")
		}

		next, err := m.step(ctx)
		if err != nil {
			var taskErr *taskerr.TaskError
			if asTaskError(err, &taskErr) {
				switch taskErr.Kind {
				case taskerr.Cancelled:
					return m.cancel(ctx, taskErr.Reason)
				case taskerr.AdapterTransient, taskerr.SandboxFault:
					if retry, waitErr := m.awaitTransientRetry(ctx, taskErr); waitErr != nil {
						return m.cancel(ctx, "cancelled while backing off")
					} else if retry {
						continue // same state, per the transition table's "transient infra fault -> same state"
					}
					// attempts exhausted: escalate to ADAPTER_PERMANENT
					return m.fail(ctx, string(taskerr.AdapterPermanent))
				}
			}
			return m.fail(ctx, classifyFailureReason(err))
		}
		m.state = next
	}
	return m.state, nil
}

// awaitTransientRetry counts a transient failure against the current
// state's attempt budget, sleeps the computed backoff, and reports whether
// the caller should retry the same state (true) or has exhausted its
// budget and must escalate (false).
func (m *Machine) awaitTransientRetry(ctx context.Context, taskErr *taskerr.TaskError) (bool, error) {
	m.transientAttempts[m.state]++
	attempt := m.transientAttempts[m.state]
	if attempt > maxTransientAttempts {
		return false, nil
	}
	logging.FromContext(ctx).Warn().Str("state", string(m.state)).Str("reason", taskErr.Reason).Int("attempt", attempt).Msg("transient failure, retrying with backoff")
	delay := computeBackoff(m.deps.Backoff, attempt)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(delay):
		return true, nil
	}
}

func asTaskError(err error, out **taskerr.TaskError) bool {
	te, ok := err.(*taskerr.TaskError)
	if ok {
		*out = te
	}
	return ok
}

func classifyFailureReason(err error) string {
	if te, ok := err.(*taskerr.TaskError); ok {
		return string(te.Kind)
	}
	return "internal"
}

// step executes exactly one state's logic and returns the next state.
func (m *Machine) step(ctx context.Context) (State, error) {
	switch m.state {
	case StatePending:
		return m.transition(ctx, StatePlanning, "scheduler admits")
	case StatePlanning:
		return m.runPlanning(ctx)
	case StateCoding:
		return m.runCoding(ctx)
	case StateTesting:
		return m.runTesting(ctx)
	case StateReviewing:
		return m.runReviewing(ctx)
	case StateCommitPending:
		return m.runCommit(ctx)
	case StateDeploying:
		return m.runDeploy(ctx)
	default:
		return m.state, taskerr.New(taskerr.InternalBug, fmt.Sprintf("unhandled state %s", m.state))
	}
}

// transition appends the audit entry for the move BEFORE returning, so the
// destination state's side effects never begin ahead of its durable record
// (P2, the "write-ahead transition" invariant).
func (m *Machine) transition(ctx context.Context, to State, reason string) (State, error) {
	entry := core.AuditEntry{
		TaskID:     m.task.ID,
		Kind:       core.AuditTransition,
		PriorState: string(m.state),
		NextState:  string(to),
		Payload:    reason,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := m.appendWithRetry(ctx, entry); err != nil {
		return m.state, err
	}
	if m.deps.Broker != nil {
		payload := fmt.Sprintf(`{"kind":"phase_transition","from":%q,"to":%q}`, m.state, to)
		_, _ = m.deps.Broker.Publish(ctx, m.task.ID, core.StreamMeta, []byte(payload))
	}
	return to, nil
}

// appendWithRetry blocks with exponential backoff on AUDIT_UNAVAILABLE,
// since skipping an unwritten transition would violate P1/P2; only an
// external cancel breaks the retry loop (spec §7).
func (m *Machine) appendWithRetry(ctx context.Context, entry core.AuditEntry) (uint64, error) {
	attempt := 0
	for {
		seq, err := m.deps.Audit.Append(ctx, entry)
		if err == nil {
			return seq, nil
		}
		attempt++
		logging.FromContext(ctx).Warn().Err(err).Int("attempt", attempt).Msg("audit append failed, backing off")
		delay := computeBackoff(m.deps.Backoff, attempt)
		select {
		case <-ctx.Done():
			return 0, taskerr.New(taskerr.Cancelled, "cancelled while blocked on audit")
		case <-time.After(delay):
		}
	}
}

func (m *Machine) cancel(ctx context.Context, reason string) (State, error) {
	if m.deps.Broker != nil {
		_, _ = m.deps.Broker.Publish(ctx, m.task.ID, core.StreamMeta, []byte(`{"kind":"cancelled"}`))
	}
	_, _ = m.deps.Audit.Append(ctx, core.AuditEntry{
		TaskID: m.task.ID, Kind: core.AuditTransition,
		PriorState: string(m.state), NextState: string(StateCancelled), Payload: reason, Timestamp: time.Now().UTC(),
	})
	m.state = StateCancelled
	return m.state, nil
}

func (m *Machine) fail(ctx context.Context, reason string) (State, error) {
	_, _ = m.deps.Audit.Append(ctx, core.AuditEntry{
		TaskID: m.task.ID, Kind: core.AuditTransition,
		PriorState: string(m.state), NextState: string(StateFailed), Payload: reason, Timestamp: time.Now().UTC(),
	})
	m.state = StateFailed
	return m.state, nil
}

func (m *Machine) taskCtx(phase core.Phase) adapter.TaskCtx {
	return adapter.TaskCtx{
		TaskID:             m.task.ID,
		WorkspaceRoot:      m.workspace,
		CommitSHA:          m.task.Repo.CommitSHA,
		Goal:               m.task.Goal,
		AcceptanceCriteria: m.task.AcceptanceCriteria,
		PolicyProfileName:  m.task.Constraints.PolicyProfile,
		RemainingBudget: core.Budgets{
			CostUSD:       m.task.Budgets.CostUSD - m.task.Spent.CostUSD,
			MaxIterations: m.task.Budgets.MaxIterations - m.task.Spent.Iterations,
			WallTime:      m.task.Budgets.WallTime - m.task.Spent.WallTime,
		},
	}
}

// checkBudget applies the PolicyGuard's budget gate before spawning an
// adapter call, converting a deny into BUDGET_EXCEEDED.
func (m *Machine) checkBudget(ctx context.Context, a adapter.Adapter, phase core.Phase) error {
	estimate, err := a.EstimateCost(ctx, phase, m.task.Goal)
	if err != nil {
		return taskerr.Wrap(taskerr.AdapterTransient, "estimate_cost failed", err)
	}
	projected := m.deps.Guard.ProjectedCost(estimate.CostUSD)
	decision := m.deps.Guard.CheckBudget(ctx, m.task.ID, m.task, projected, estimate.WallTime)
	if !decision.Allowed {
		return taskerr.New(taskerr.BudgetExceeded, decision.Reason)
	}
	return nil
}

// selectAdapter resolves the routed adapter for phase+capability.
func (m *Machine) selectAdapter(phase core.Phase, cap core.Capability) (adapter.Adapter, error) {
	a, _, ok := m.deps.Adapters.SelectForMode(m.task.Mode, cap)
	if !ok {
		return nil, taskerr.New(taskerr.InternalBug, fmt.Sprintf("no adapter routed for mode %s capability %s", m.task.Mode, cap))
	}
	return a, nil
}

func (m *Machine) runPlanning(ctx context.Context) (State, error) {
	a, err := m.selectAdapter(core.PhasePlan, core.CapPlan)
	if err != nil {
		return m.state, err
	}
	if err := m.checkBudget(ctx, a, core.PhasePlan); err != nil {
		return m.state, err
	}

	var outcome adapter.PhaseOutcome
	if m.planAttempts == 0 {
		outcome, err = a.Propose(ctx, core.PhasePlan, m.taskCtx(core.PhasePlan), "")
	} else {
		outcome, err = a.Refine(ctx, core.PhasePlan, m.feedback)
	}
	m.planAttempts++
	m.task.Spent.CostUSD += outcome.CostActual

	if err != nil || outcome.Classification != adapter.ClassOK {
		if outcome.Classification == adapter.ClassNeedsRefine && m.planAttempts < m.deps.PlanMaxAttempts {
			m.feedback = "plan rejected, retry requested"
			return m.transition(ctx, StatePlanning, "NEEDS_REFINE")
		}
		return m.state, classifyAdapterError(err, outcome.Classification)
	}
	m.feedback = ""
	m.persistArtifact(ctx, "plan.md", outcome.Plan)
	return m.transition(ctx, StateCoding, "plan artifact recorded")
}

// persistArtifact stores content in the blob store when both it and
// Deps.Artifacts are non-empty/non-nil, logging the resulting digest. Errors
// are logged, not fatal: artifact retention is best-effort alongside the
// authoritative audit log (spec §6).
func (m *Machine) persistArtifact(ctx context.Context, name, content string) {
	if m.deps.Artifacts == nil || content == "" {
		return
	}
	ref, err := m.deps.Artifacts.Put(ctx, name, strings.NewReader(content))
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("artifact", name).Msg("artifact persist failed")
		return
	}
	logging.FromContext(ctx).Info().Str("artifact", name).Str("digest", ref.Digest).Msg("artifact persisted")
}

func (m *Machine) runCoding(ctx context.Context) (State, error) {
	if m.task.Spent.Iterations >= m.task.Budgets.MaxIterations {
		return m.state, taskerr.New(taskerr.BudgetExceeded, "iteration_budget_exhausted")
	}
	m.task.Spent.Iterations++ // one iteration per CODING entry (spec §4.6)

	a, err := m.selectAdapter(core.PhaseCode, core.CapPropose)
	if err != nil {
		return m.state, err
	}
	if err := m.checkBudget(ctx, a, core.PhaseCode); err != nil {
		return m.state, err
	}

	var outcome adapter.PhaseOutcome
	if m.feedback == "" {
		outcome, err = a.Propose(ctx, core.PhaseCode, m.taskCtx(core.PhaseCode), "")
	} else {
		outcome, err = a.Refine(ctx, core.PhaseCode, m.feedback)
	}
	m.task.Spent.CostUSD += outcome.CostActual

	if err != nil || outcome.Classification != adapter.ClassOK {
		if outcome.Classification == adapter.ClassNeedsRefine {
			m.feedback = "code phase requested refine"
			return m.transition(ctx, StateCoding, "NEEDS_REFINE")
		}
		return m.state, classifyAdapterError(err, outcome.Classification)
	}
	if outcome.PatchSet == nil {
		return m.state, taskerr.New(taskerr.AdapterPermanent, "OK classification without a patch set")
	}
	if outcome.PatchSet.PreconditionSHA != m.task.Repo.CommitSHA {
		m.feedback = "patch precondition sha stale, refresh and retry"
		return m.transition(ctx, StateCoding, "PATCH_CONFLICT")
	}
	m.feedback = ""
	return m.transition(ctx, StateTesting, "patch applied at bound sha")
}

func (m *Machine) runTesting(ctx context.Context) (State, error) {
	preds, unknown := m.deps.Predicates.Resolve(m.task.AcceptanceCriteria)
	for _, name := range unknown {
		logging.FromContext(ctx).Warn().Str("predicate", name).Msg("unknown acceptance predicate, skipped")
	}

	caps := sandbox.DefaultCapsForTier(string(m.profile.Profile.SandboxTier))
	var failures, report []string
	for _, p := range preds {
		result, err := m.deps.PredRunner.Run(ctx, m.task.ID, m.profile, p, m.workspace, caps)
		if err != nil {
			return m.state, taskerr.Wrap(taskerr.SandboxFault, "predicate run failed", err)
		}
		report = append(report, fmt.Sprintf("%s: passed=%t %s", result.Name, result.Passed, result.Detail))
		if !result.Passed {
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Detail))
		}
	}

	if len(failures) > 0 {
		if m.task.Spent.Iterations >= m.task.Budgets.MaxIterations {
			return m.state, taskerr.New(taskerr.BudgetExceeded, "iteration_budget_exhausted")
		}
		m.feedback = fmt.Sprintf("acceptance predicates failed: %v", failures)
		return m.transition(ctx, StateCoding, "ACCEPTANCE_FAILED")
	}
	m.persistArtifact(ctx, fmt.Sprintf("test-report-iter-%d.txt", m.task.Spent.Iterations), strings.Join(report, "\n"))
	return m.transition(ctx, StateReviewing, "all acceptance predicates pass")
}

func (m *Machine) runReviewing(ctx context.Context) (State, error) {
	a, err := m.selectAdapter(core.PhaseReview, core.CapSummarizeDiff)
	if err != nil {
		return m.state, err
	}
	if err := m.checkBudget(ctx, a, core.PhaseReview); err != nil {
		return m.state, err
	}

	outcome, err := a.Propose(ctx, core.PhaseReview, m.taskCtx(core.PhaseReview), m.feedback)
	m.task.Spent.CostUSD += outcome.CostActual

	if err != nil || outcome.Classification != adapter.ClassOK {
		if outcome.Classification == adapter.ClassNeedsRefine {
			if m.task.Spent.Iterations >= m.task.Budgets.MaxIterations {
				return m.state, taskerr.New(taskerr.BudgetExceeded, "iteration_budget_exhausted")
			}
			m.feedback = "review rejected: " + outcome.ReviewReport
			return m.transition(ctx, StateCoding, "review rejects")
		}
		return m.state, classifyAdapterError(err, outcome.Classification)
	}
	m.persistArtifact(ctx, "review-report.md", outcome.ReviewReport)
	return m.transition(ctx, StateCommitPending, "review OK")
}

func (m *Machine) runCommit(ctx context.Context) (State, error) {
	a, err := m.selectAdapter(core.PhaseCommit, core.CapCommitMessage)
	if err != nil {
		return m.state, err
	}
	if err := m.checkBudget(ctx, a, core.PhaseCommit); err != nil {
		return m.state, err
	}

	outcome, err := a.Propose(ctx, core.PhaseCommit, m.taskCtx(core.PhaseCommit), "")
	m.task.Spent.CostUSD += outcome.CostActual
	if err != nil || outcome.Classification != adapter.ClassOK {
		return m.state, classifyAdapterError(err, outcome.Classification)
	}

	if m.task.Deploy {
		return m.transition(ctx, StateDeploying, "commit adapter OK, deploy requested")
	}
	return m.transition(ctx, StateSucceeded, "commit adapter OK")
}

func (m *Machine) runDeploy(ctx context.Context) (State, error) {
	a, err := m.selectAdapter(core.PhaseDeploy, core.CapApplyPatch)
	if err != nil {
		return m.state, err
	}
	if err := m.checkBudget(ctx, a, core.PhaseDeploy); err != nil {
		return m.state, err
	}

	outcome, err := a.Propose(ctx, core.PhaseDeploy, m.taskCtx(core.PhaseDeploy), "")
	m.task.Spent.CostUSD += outcome.CostActual
	if err != nil || outcome.Classification != adapter.ClassOK {
		return m.state, classifyAdapterError(err, outcome.Classification)
	}
	return m.transition(ctx, StateSucceeded, "deploy adapter OK")
}

// classifyAdapterError maps an adapter's classification/error pair onto
// the error taxonomy's adapter-related kinds (spec §7).
func classifyAdapterError(err error, classification adapter.Classification) error {
	if te, ok := err.(*taskerr.TaskError); ok {
		return te
	}
	switch classification {
	case adapter.ClassFailedTransient:
		return taskerr.Wrap(taskerr.AdapterTransient, "adapter reported FAILED_TRANSIENT", err)
	case adapter.ClassFailedPermanent:
		return taskerr.Wrap(taskerr.AdapterPermanent, "adapter reported FAILED_PERMANENT", err)
	default:
		return taskerr.Wrap(taskerr.AdapterPermanent, "malformed phase outcome", err)
	}
}
