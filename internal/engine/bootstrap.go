/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package engine wires the seven core components (spec §2) into one
// scheduler.Scheduler, the single composition root both the long-running
// engine process and every CLI command share so a command submitting a
// task and the process driving it agree on identical policy profiles,
// adapter routing, and audit storage (spec §6's cross-process contract).
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeman-ai/forgeman/internal/adapter"
	"github.com/forgeman-ai/forgeman/internal/artifacts"
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

// Paths locates every on-disk root a bootstrapped engine reads from or
// writes to. All default to subdirectories of a single --home (or
// FORGEMAN_HOME) directory so a CLI command and the engine process need
// only agree on one path.
type Paths struct {
	Home string
}

func (p Paths) auditDB() string       { return filepath.Join(p.Home, "audit.db") }
func (p Paths) policyDir() string     { return filepath.Join(p.Home, "policy") }
func (p Paths) configFile() string    { return filepath.Join(p.Home, "config.yaml") }
func (p Paths) artifactsDir() string  { return filepath.Join(p.Home, "artifacts") }
func (p Paths) workspaceRoot() string { return filepath.Join(p.Home, "workspaces") }

// DefaultHome returns FORGEMAN_HOME, or ~/.forgeman when unset.
func DefaultHome() string {
	if home := os.Getenv("FORGEMAN_HOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".forgeman"
	}
	return filepath.Join(dir, ".forgeman")
}

// Engine bundles a bootstrapped Scheduler with its own audit store handle,
// so callers can Close what Bootstrap opened.
type Engine struct {
	Scheduler *scheduler.Scheduler
	Audit     *audit.Store
}

// Close releases the resources Bootstrap opened.
func (e *Engine) Close() error {
	if e.Audit != nil {
		return e.Audit.Close()
	}
	return nil
}

// Bootstrap constructs every collaborator and returns a ready Scheduler.
// Safe to call from a short-lived CLI invocation (it never calls
// Scheduler.Run) or from the long-running engine process (which calls Run
// afterward).
func Bootstrap(ctx context.Context, paths Paths) (*Engine, error) {
	for _, dir := range []string{paths.Home, paths.policyDir(), paths.artifactsDir(), paths.workspaceRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: mkdir %s: %w", dir, err)
		}
	}

	store, err := audit.Open(ctx, paths.auditDB())
	if err != nil {
		return nil, fmt.Errorf("engine: open audit store: %w", err)
	}

	cfg, err := config.Load(paths.configFile())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: load config: %w", err)
	}

	guard := policy.New(store, cfg.Budget.SafetyMultiplier)
	if err := ensureDefaultProfile(paths.policyDir()); err != nil {
		store.Close()
		return nil, err
	}
	if err := policy.LoadProfilesFromDir(guard, paths.policyDir()); err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: load policy profiles: %w", err)
	}

	broker := overlay.New(store, overlay.DefaultConfig())
	sandboxRunner := sandbox.New(broker)
	predRunner := predicate.NewRunner(sandboxRunner, guard)
	predReg := predicate.NewRegistry()

	adapters, err := defaultAdapterRegistry(sandboxRunner, guard)
	if err != nil {
		store.Close()
		return nil, err
	}

	blobs, err := artifacts.Open(paths.artifactsDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: open artifact store: %w", err)
	}

	sched := scheduler.New(scheduler.Deps{
		Audit:      store,
		Guard:      guard,
		Broker:     broker,
		Adapters:   adapters,
		Predicates: predReg,
		PredRunner: predRunner,
		Workspace:  scheduler.GitWorkspaceProvider{},
		Artifacts:  blobs,
		Config: config.SchedulerConfig{
			MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
			WorkspaceRoot:      paths.workspaceRoot(),
			WorkspaceGrace:     cfg.Scheduler.WorkspaceGrace,
			ShutdownGrace:      cfg.Scheduler.ShutdownGrace,
		},
		Backoff: fsm.DefaultBackoffConfig(),
	})

	return &Engine{Scheduler: sched, Audit: store}, nil
}

// defaultAdapterRegistry routes every TaskMode to a single cli_pty adapter
// that shells out to FORGEMAN_AGENT_CMD (defaulting to "forgeman-agent"),
// the one pluggability point spec §4.5 leaves to deployment-time
// configuration ("agents are pluggable, the engine is adapter-agnostic").
// When FORGEMAN_AGENT_HTTP_ENDPOINT is set, an http_api adapter (spec
// §4.5's other execution model) is registered alongside it and given
// routing priority, since setting the endpoint is the operator opting
// into calling a remote agent API directly instead of a local CLI.
func defaultAdapterRegistry(runner *sandbox.Runner, guard *policy.Guard) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()

	caps := map[core.Capability]bool{
		core.CapPlan: true, core.CapPropose: true, core.CapRefine: true,
		core.CapApplyPatch: true, core.CapRunTests: true,
		core.CapSummarizeDiff: true, core.CapCommitMessage: true,
	}
	cost := core.CostModel{InputCostPerToken: 0.000003, OutputCostPerToken: 0.000015}

	agentCmd := config.EnvOr("FORGEMAN_AGENT_CMD", "forgeman-agent")
	build := func(phase core.Phase, taskCtx adapter.TaskCtx) ([]string, map[string]string) {
		return []string{agentCmd, "--phase", string(phase)}, map[string]string{
			"FORGEMAN_GOAL": taskCtx.Goal,
		}
	}
	cliAdapter := adapter.NewCLIPtyAdapter("default", caps, cost, runner, guard, "default", 1, string(core.TierMedium), build)
	if err := reg.Register(core.AdapterDescriptor{ID: "default", Capabilities: caps, ExecutionModel: core.ExecCLIPty}, cliAdapter); err != nil {
		return nil, fmt.Errorf("engine: register default adapter: %w", err)
	}

	routes := []string{"default"}
	if endpoint := config.EnvOr("FORGEMAN_AGENT_HTTP_ENDPOINT", ""); endpoint != "" {
		httpAdapter, err := adapter.NewHTTPAPIAdapter("http", caps, cost, endpoint, guard, "default", 1)
		if err != nil {
			return nil, fmt.Errorf("engine: construct http adapter: %w", err)
		}
		if err := reg.Register(core.AdapterDescriptor{ID: "http", Capabilities: caps, ExecutionModel: core.ExecHTTPAPI}, httpAdapter); err != nil {
			return nil, fmt.Errorf("engine: register http adapter: %w", err)
		}
		routes = []string{"http", "default"}
	}

	reg.RouteMode(core.ModeRefactor, routes...)
	reg.RouteMode(core.ModeNewFeature, routes...)
	reg.RouteMode(core.ModeBugfix, routes...)
	reg.RouteMode(core.ModeAppGeneration, routes...)
	return reg, nil
}

// ensureDefaultProfile seeds a permissive starter policy profile the first
// time an engine home is created, so `forgeman submit` has something to
// bind to out of the box; operators are expected to replace it.
func ensureDefaultProfile(dir string) error {
	path := filepath.Join(dir, "default.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	const body = `name: default
version: 1
command_allow_patterns:
  - "^git (status|diff|log|add|commit|checkout)( .*)?$"
  - "^go (build|test|vet|fmt)( .*)?$"
write_scope:
  - "."
egress_allow_patterns:
  - "api.anthropic.com"
  - "api.openai.com"
per_call_cost_ceiling: 2.0
per_task_cost_ceiling: 25.0
sandbox_tier: medium
`
	return os.WriteFile(path, []byte(body), 0o644)
}
