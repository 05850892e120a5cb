/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package policy implements PolicyGuard (spec §4.2): the synchronous gate
// consulted on every shell command, file write, egress target, and budget
// check. Grounded in the teacher's policy.go (enforcePolicy's
// allow/deny-list walk over AgentPolicy, path.Match image-pattern checks)
// generalized from the teacher's simple string equality/glob checks to
// spec's anchored-regex argv matching with first-match-wins, deny-default
// semantics.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// Decision is the outcome of a PolicyGuard check: allow, or deny with a
// human-readable reason. Modeled as a tagged result value per spec §9's
// design note ("exception-driven control flow for budget/policy denials
// [becomes] tagged result values") rather than an error the caller must
// special-case.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// CompiledProfile is a PolicyProfile with its patterns pre-compiled, built
// once at load/reload time so per-call checks never pay regex-compile cost.
type CompiledProfile struct {
	Profile       core.PolicyProfile
	commandAllow  []*regexp.Regexp
	egressAllow   []*regexp.Regexp
	writeScopeAbs []string
}

// Compile pre-compiles a PolicyProfile's patterns. Command patterns are
// anchored regular expressions per spec §4.2; egress patterns are
// exact-or-suffix-glob host matches compiled the same way image
// allow-patterns were handled in the teacher (path.Match) but expressed as
// anchored regexes here for a single matching engine.
func Compile(profile core.PolicyProfile) (*CompiledProfile, error) {
	cp := &CompiledProfile{Profile: profile}
	for _, pat := range profile.CommandAllowPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile command pattern %q: %w", pat, err)
		}
		cp.commandAllow = append(cp.commandAllow, re)
	}
	for _, pat := range profile.EgressAllowPatterns {
		re, err := compileHostPattern(pat)
		if err != nil {
			return nil, fmt.Errorf("compile egress pattern %q: %w", pat, err)
		}
		cp.egressAllow = append(cp.egressAllow, re)
	}
	for _, scope := range profile.WriteScope {
		abs, err := filepath.Abs(scope)
		if err != nil {
			return nil, fmt.Errorf("resolve write scope %q: %w", scope, err)
		}
		cp.writeScopeAbs = append(cp.writeScopeAbs, abs)
	}
	return cp, nil
}

// compileHostPattern turns an exact-or-suffix-glob host pattern (e.g.
// "*.github.com" or "api.anthropic.com") into an anchored regex.
func compileHostPattern(pat string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pat)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.Compile("^" + escaped + "$")
}

// CostEstimator returns the projected cost and wall time of invoking an
// adapter for a phase, with the configured safety multiplier already
// applied. No type in this module implements it: the FSM calls
// Adapter.EstimateCost directly and applies Guard.ProjectedCost itself.
type CostEstimator interface {
	EstimateCost(ctx context.Context, adapterID string, phase core.Phase) (costUSD float64, wall time.Duration, err error)
}

// Guard is the PolicyGuard: a synchronous decision point over a set of
// versioned, named profiles.
type Guard struct {
	profiles         map[string]map[int]*CompiledProfile // name -> version -> compiled
	auditor          Auditor
	safetyMultiplier float64
}

// Auditor is the narrow AuditStore surface PolicyGuard needs: every
// decision produces an AuditEntry before the outcome is returned to the
// caller (spec §4.2).
type Auditor interface {
	Append(ctx context.Context, entry core.AuditEntry) (uint64, error)
}

// New constructs a Guard. safetyMultiplier defaults to 1.2 when <= 0,
// matching spec §4.2's default.
func New(auditor Auditor, safetyMultiplier float64) *Guard {
	if safetyMultiplier <= 0 {
		safetyMultiplier = 1.2
	}
	return &Guard{
		profiles:         make(map[string]map[int]*CompiledProfile),
		auditor:          auditor,
		safetyMultiplier: safetyMultiplier,
	}
}

// LoadProfile registers a compiled profile version. Profiles are
// configuration, loaded at startup and refreshable, but versioned: a Task
// binds to the version in force at submission and a later reload never
// affects it (spec §3).
func (g *Guard) LoadProfile(profile core.PolicyProfile) error {
	cp, err := Compile(profile)
	if err != nil {
		return err
	}
	if g.profiles[profile.Name] == nil {
		g.profiles[profile.Name] = make(map[int]*CompiledProfile)
	}
	g.profiles[profile.Name][profile.Version] = cp
	return nil
}

// LoadProfilesFromDir reads every *.yaml/*.yml file in dir as a
// core.PolicyProfile and registers it, mirroring config.Load's YAML
// sourcing (spec §2's ambient config stack) for the one domain object that
// isn't part of EngineConfig itself.
func LoadProfilesFromDir(g *Guard, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read policy profile dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read policy profile %s: %w", entry.Name(), err)
		}
		var profile core.PolicyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return fmt.Errorf("parse policy profile %s: %w", entry.Name(), err)
		}
		if profile.Version == 0 {
			profile.Version = 1
		}
		if err := g.LoadProfile(profile); err != nil {
			return fmt.Errorf("load policy profile %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Resolve returns the compiled profile bound at (name, version).
func (g *Guard) Resolve(name string, version int) (*CompiledProfile, bool) {
	versions, ok := g.profiles[name]
	if !ok {
		return nil, false
	}
	cp, ok := versions[version]
	return cp, ok
}

// LatestVersion returns the highest version registered under name, used by
// the Scheduler to bind a Task submitted without an explicit profile
// version to the version in force at submission (spec §4.8: "the bound
// version is recorded on the Task at submission").
func (g *Guard) LatestVersion(name string) (int, bool) {
	versions, ok := g.profiles[name]
	if !ok || len(versions) == 0 {
		return 0, false
	}
	latest := 0
	found := false
	for v := range versions {
		if !found || v > latest {
			latest = v
			found = true
		}
	}
	return latest, found
}

func (g *Guard) audit(ctx context.Context, taskID, kind, reason string) {
	if g.auditor == nil {
		return
	}
	_, _ = g.auditor.Append(ctx, core.AuditEntry{
		TaskID:     taskID,
		Kind:       core.AuditPolicyDecision,
		PriorState: kind,
		Payload:    reason,
	})
}

// CheckCommand matches argv against the profile's command allow-patterns.
// The first allow-pattern that matches the joined argv string permits;
// patterns are anchored regular expressions; earlier patterns win ties;
// deny is the default. An empty argv always denies (spec §4.2 edge case).
func (g *Guard) CheckCommand(ctx context.Context, taskID string, cp *CompiledProfile, argv []string) Decision {
	var d Decision
	if len(argv) == 0 {
		d = deny("empty_argv")
	} else {
		joined := strings.Join(argv, " ")
		d = deny("no_matching_allow_pattern")
		for _, re := range cp.commandAllow {
			if re.MatchString(joined) {
				d = allow()
				break
			}
		}
	}
	g.audit(ctx, taskID, "check_command", decisionReason(d))
	return d
}

// CheckWrite requires every path to resolve (symlinks included) under the
// profile's write-scope prefix set; a single out-of-scope path denies the
// whole set (spec §4.2).
func (g *Guard) CheckWrite(ctx context.Context, taskID string, cp *CompiledProfile, paths []string) Decision {
	var outside []string
	for _, p := range paths {
		resolved, err := filepath.Abs(p)
		if err != nil {
			outside = append(outside, p)
			continue
		}
		if evaled, err := filepath.EvalSymlinks(resolved); err == nil {
			resolved = evaled
		}
		if !underAnyScope(resolved, cp.writeScopeAbs) {
			outside = append(outside, p)
		}
	}
	var d Decision
	if len(outside) > 0 {
		d = deny(fmt.Sprintf("paths_outside_scope:%s", strings.Join(outside, ",")))
	} else {
		d = allow()
	}
	g.audit(ctx, taskID, "check_write", decisionReason(d))
	return d
}

func underAnyScope(path string, scopes []string) bool {
	for _, scope := range scopes {
		rel, err := filepath.Rel(scope, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CheckEgress requires host to match an allow-pattern (exact or suffix
// glob).
func (g *Guard) CheckEgress(ctx context.Context, taskID string, cp *CompiledProfile, host string) Decision {
	d := deny("no_matching_egress_pattern")
	for _, re := range cp.egressAllow {
		if re.MatchString(host) {
			d = allow()
			break
		}
	}
	g.audit(ctx, taskID, "check_egress", decisionReason(d))
	return d
}

// CheckBudget denies if projected cost would exceed the task's cost
// budget, the next iteration would exceed max_iterations, or projected
// wall time would exceed the task's wall-time budget (spec §4.2).
func (g *Guard) CheckBudget(ctx context.Context, taskID string, task *core.Task, projectedCost float64, projectedWall time.Duration) Decision {
	var d Decision
	switch {
	case task.Spent.CostUSD+projectedCost > task.Budgets.CostUSD:
		d = deny("cost_budget_exceeded")
	case task.Spent.Iterations+1 > task.Budgets.MaxIterations:
		d = deny("iteration_budget_exceeded")
	case time.Since(task.CreatedAt)+projectedWall > task.Budgets.WallTime:
		d = deny("wall_time_budget_exceeded")
	default:
		d = allow()
	}
	g.audit(ctx, taskID, "check_budget", decisionReason(d))
	return d
}

// ProjectedCost applies the configured safety multiplier to a raw
// estimate, per spec §4.2 ("projected cost uses the AdapterDescriptor's
// cost model with a safety multiplier").
func (g *Guard) ProjectedCost(rawCostUSD float64) float64 {
	return rawCostUSD * g.safetyMultiplier
}

func decisionReason(d Decision) string {
	if d.Allowed {
		return "allow"
	}
	return "deny:" + d.Reason
}

// AsTaskError converts a deny Decision into the taxonomy's POLICY_BLOCKED
// error, or nil if the decision allowed.
func AsTaskError(d Decision) error {
	if d.Allowed {
		return nil
	}
	return taskerr.New(taskerr.PolicyBlocked, d.Reason)
}
