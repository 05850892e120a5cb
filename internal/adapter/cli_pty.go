/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/sandbox"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// CommandTemplate builds the argv for one phase invocation of a cli_pty
// adapter, given the task context and a JSON-encoded request payload
// written to the process's stdin. Concrete adapters are pluggable (spec
// §4.5); this is the generic facade every cli_pty-backed agent plugs into.
type CommandTemplate func(phase core.Phase, taskCtx TaskCtx) (argv []string, env map[string]string)

// CLIPtyAdapter invokes an external coding agent as a PTY-attached
// subprocess through SandboxRunner, gated by PolicyGuard.check_command on
// every spawn (spec §4.4's "policy interaction" contract). Grounded in the
// teacher's pod_builder.go (building an exec target from a declarative
// template) retargeted from a Kubernetes PodSpec to a local argv+env pair.
type CLIPtyAdapter struct {
	id           string
	caps         map[core.Capability]bool
	cost         core.CostModel
	runner       *sandbox.Runner
	guard        *policy.Guard
	profileName  string
	profileVer   int
	sandboxTier  string
	buildCommand CommandTemplate

	costCache *CostCache
}

// NewCLIPtyAdapter constructs a CLIPtyAdapter. profileVer binds the
// PolicyGuard profile version checked before every spawn.
func NewCLIPtyAdapter(id string, caps map[core.Capability]bool, cost core.CostModel, runner *sandbox.Runner, guard *policy.Guard, profileName string, profileVer int, sandboxTier string, build CommandTemplate) *CLIPtyAdapter {
	return &CLIPtyAdapter{
		id:           id,
		caps:         caps,
		cost:         cost,
		runner:       runner,
		guard:        guard,
		profileName:  profileName,
		profileVer:   profileVer,
		sandboxTier:  sandboxTier,
		buildCommand: build,
		costCache:    NewCostCache(CostCacheConfig{Enabled: true}),
	}
}

func (a *CLIPtyAdapter) ID() string                             { return a.id }
func (a *CLIPtyAdapter) Capabilities() map[core.Capability]bool { return a.caps }

// EstimateCost is pure: it derives a token estimate from the digest length
// alone and applies the adapter's per-token rates, never touching the
// sandbox or network (spec §4.5's purity requirement). Memoized in
// costCache since the FSM may re-query the same (phase, digest) pair across
// a budget-check retry loop.
func (a *CLIPtyAdapter) EstimateCost(ctx context.Context, phase core.Phase, contextDigest string) (CostEstimate, error) {
	key := CostCacheKey(a.id, string(phase), contextDigest)
	if cached, ok := a.costCache.Get(key); ok {
		return cached, nil
	}
	estimatedTokensIn := int64(len(contextDigest)) * 4
	estimatedTokensOut := estimatedTokensIn / 2
	estimate := CostEstimate{
		CostUSD:  float64(estimatedTokensIn)*a.cost.InputCostPerToken + float64(estimatedTokensOut)*a.cost.OutputCostPerToken,
		WallTime: 2 * time.Minute,
	}
	a.costCache.Put(key, estimate)
	return estimate, nil
}

// Propose spawns the adapter's phase command inside the sandbox, gated by
// check_command, and parses the JSON-encoded result the command leaves in
// .forgeman-result.json at the workspace root (stdout only feeds the overlay).
func (a *CLIPtyAdapter) Propose(ctx context.Context, phase core.Phase, taskCtx TaskCtx, priorFeedback string) (PhaseOutcome, error) {
	return a.invoke(ctx, phase, taskCtx, priorFeedback)
}

// Refine re-invokes the same phase command, conditioned on feedback instead
// of a prior-feedback hint; the sandboxed command receives it identically
// (stdin JSON), the distinction is purely one of call-site intent.
func (a *CLIPtyAdapter) Refine(ctx context.Context, phase core.Phase, feedback string) (PhaseOutcome, error) {
	return a.invoke(ctx, phase, TaskCtx{}, feedback)
}

type cliRequest struct {
	Phase              string   `json:"phase"`
	Goal               string   `json:"goal"`
	WorkspaceRoot      string   `json:"workspace_root"`
	CommitSHA          string   `json:"commit_sha"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	PolicyProfile      string   `json:"policy_profile"`
	Feedback           string   `json:"feedback,omitempty"`
}

type cliResponse struct {
	Classification string         `json:"classification"`
	PatchSet       *core.PatchSet `json:"patch_set,omitempty"`
	Plan           string         `json:"plan,omitempty"`
	TestReport     string         `json:"test_report,omitempty"`
	ReviewReport   string         `json:"review_report,omitempty"`
	CommitMessage  string         `json:"commit_message,omitempty"`
	DeployRecord   string         `json:"deploy_record,omitempty"`
	CostActual     float64        `json:"cost_actual"`
	TokensIn       int64          `json:"tokens_in"`
	TokensOut      int64          `json:"tokens_out"`
}

func (a *CLIPtyAdapter) invoke(ctx context.Context, phase core.Phase, taskCtx TaskCtx, feedback string) (PhaseOutcome, error) {
	cp, ok := a.guard.Resolve(a.profileName, a.profileVer)
	if !ok {
		return PhaseOutcome{}, taskerr.New(taskerr.InternalBug, "unresolved policy profile "+a.profileName)
	}

	argv, env := a.buildCommand(phase, taskCtx)
	decision := a.guard.CheckCommand(ctx, taskCtx.TaskID, cp, argv)
	if !decision.Allowed {
		return PhaseOutcome{Classification: ClassFailedPermanent}, policy.AsTaskError(decision)
	}

	req := cliRequest{
		Phase:              string(phase),
		Goal:               taskCtx.Goal,
		WorkspaceRoot:      taskCtx.WorkspaceRoot,
		CommitSHA:          taskCtx.CommitSHA,
		AcceptanceCriteria: taskCtx.AcceptanceCriteria,
		PolicyProfile:      taskCtx.PolicyProfileName,
		Feedback:           feedback,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return PhaseOutcome{}, fmt.Errorf("adapter: marshal request: %w", err)
	}

	caps := sandbox.DefaultCapsForTier(a.sandboxTier)
	handle, err := a.runner.Run(ctx, taskCtx.TaskID, argv, env, taskCtx.WorkspaceRoot, string(payload)+"\n", caps)
	if err != nil {
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.Wrap(taskerr.AdapterTransient, "spawn failed", err)
	}

	outcome, err := handle.Wait(caps.WallTime + 30*time.Second)
	if err != nil {
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.Wrap(taskerr.AdapterTransient, "wait failed", err)
	}

	switch outcome.ExitReason {
	case sandbox.ExitTimeout, sandbox.ExitKilledOverRSS:
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.New(taskerr.ResourceLimit, string(outcome.ExitReason))
	case sandbox.ExitCancelled:
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.New(taskerr.Cancelled, "run cancelled")
	case sandbox.ExitCrashed:
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.New(taskerr.SandboxFault, "process crashed")
	}
	if outcome.ExitCode != 0 {
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.New(taskerr.AdapterTransient, fmt.Sprintf("exit code %d", outcome.ExitCode))
	}

	resultPath := filepath.Join(taskCtx.WorkspaceRoot, ".forgeman-result.json")
	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.Wrap(taskerr.AdapterPermanent, "missing result file", err)
	}
	var resp cliResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.Wrap(taskerr.AdapterPermanent, "malformed result", err)
	}

	out := PhaseOutcome{
		Classification: Classification(strings.ToUpper(resp.Classification)),
		PatchSet:       resp.PatchSet,
		Plan:           resp.Plan,
		TestReport:     resp.TestReport,
		ReviewReport:   resp.ReviewReport,
		CommitMessage:  resp.CommitMessage,
		DeployRecord:   resp.DeployRecord,
		CostActual:     resp.CostActual,
		TokensIn:       resp.TokensIn,
		TokensOut:      resp.TokensOut,
	}
	if out.Classification == "" {
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.New(taskerr.AdapterPermanent, "missing classification")
	}
	if out.PatchSet != nil {
		writeDecision := a.guard.CheckWrite(ctx, taskCtx.TaskID, cp, out.PatchSet.TouchedPaths())
		if !writeDecision.Allowed {
			return PhaseOutcome{Classification: ClassFailedPermanent}, policy.AsTaskError(writeDecision)
		}
	}
	return out, nil
}
