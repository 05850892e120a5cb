/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package core defines the data model shared by every component of the
// orchestration engine: Task, PhaseRun, PatchSet, OverlayEvent, AuditEntry,
// PolicyProfile, and AdapterDescriptor.
package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskMode classifies the kind of work a Task represents.
type TaskMode string

const (
	ModeRefactor      TaskMode = "refactor"
	ModeNewFeature    TaskMode = "new_feature"
	ModeBugfix        TaskMode = "bugfix"
	ModeAppGeneration TaskMode = "app_generation"
)

// TaskStatus is the coarse-grained lifecycle status exposed to callers via
// get_status/list_tasks. The fine-grained FSM phase (PLANNING, CODING, ...)
// lives in internal/fsm; TaskStatus is the status surface named in spec §3.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusSuspended TaskStatus = "SUSPENDED"
	StatusSucceeded TaskStatus = "SUCCEEDED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether status is one the FSM never leaves (P8).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Budgets bounds a Task's resource consumption.
type Budgets struct {
	CostUSD       float64       `yaml:"cost_usd" json:"cost_usd"`
	MaxIterations int           `yaml:"max_iterations" json:"max_iterations"`
	WallTime      time.Duration `yaml:"wall_time" json:"wall_time"`
}

// Spent tracks consumption against Budgets. Invariant: Spent.* <= Budgets.*
// at every moment observable through the API (P4).
type Spent struct {
	Iterations int           `json:"iterations"`
	CostUSD    float64       `json:"cost_usd"`
	WallTime   time.Duration `json:"wall_time"`
}

// RepoRef pins a Task to a repository at a specific commit.
type RepoRef struct {
	URL       string `json:"repo_url"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
}

// Constraints names the governance bound to a Task at submission time.
type Constraints struct {
	PolicyProfile string `json:"policy_profile"`
}

// Task is the unit of work driven to a terminal state by the orchestrator.
type Task struct {
	ID                 string      `json:"id"`
	Goal               string      `json:"goal"`
	Repo               RepoRef     `json:"repo"`
	Mode               TaskMode    `json:"mode"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Constraints        Constraints `json:"constraints"`
	Budgets            Budgets     `json:"budgets"`
	Deploy             bool        `json:"deploy"`
	Priority           int         `json:"priority"`

	Status     TaskStatus `json:"status"`
	Spent      Spent      `json:"spent"`
	CreatedAt  time.Time  `json:"created_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`

	// PolicyProfileVersion is the version of Constraints.PolicyProfile bound
	// at submission; a later reload never affects an already-submitted Task.
	PolicyProfileVersion int `json:"policy_profile_version"`
}

// NewTaskID generates an opaque globally-unique task id.
func NewTaskID() string {
	return uuid.NewString()
}

// Phase names a stage in a Task's lifecycle.
type Phase string

const (
	PhasePlan   Phase = "PLAN"
	PhaseCode   Phase = "CODE"
	PhaseTest   Phase = "TEST"
	PhaseReview Phase = "REVIEW"
	PhaseCommit Phase = "COMMIT"
	PhaseDeploy Phase = "DEPLOY"
)

// PhaseOutcomeKind is the result classification of a PhaseRun.
type PhaseOutcomeKind string

const (
	OutcomeOK             PhaseOutcomeKind = "OK"
	OutcomeRetryable      PhaseOutcomeKind = "RETRYABLE"
	OutcomeFatal          PhaseOutcomeKind = "FATAL"
	OutcomeBudgetExceeded PhaseOutcomeKind = "BUDGET_EXCEEDED"
	OutcomePolicyBlocked  PhaseOutcomeKind = "POLICY_BLOCKED"
	OutcomeTimeout        PhaseOutcomeKind = "TIMEOUT"
)

// BlobRef is a content-addressed reference to an artifact.
type BlobRef struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

// PhaseRun is one attempt of one phase for one Task. Written once at end,
// never mutated; (TaskID, Phase, Attempt) is unique.
type PhaseRun struct {
	ID        string             `json:"id"`
	TaskID    string             `json:"task_id"`
	Phase     Phase              `json:"phase"`
	Attempt   int                `json:"attempt"`
	AdapterID string             `json:"adapter_id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Outcome   PhaseOutcomeKind   `json:"outcome"`
	Artifacts map[string]BlobRef `json:"artifacts,omitempty"`
	TokensIn  int64              `json:"tokens_in"`
	TokensOut int64              `json:"tokens_out"`
	CostUSD   float64            `json:"cost_usd"`
}

// ChangeType classifies a single file edit within a PatchSet.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileEdit is one file-level change within a PatchSet.
type FileEdit struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Diff       []byte     `json:"diff"`
}

// PatchSet is a proposed set of file changes produced by an adapter.
type PatchSet struct {
	PhaseRunID      string     `json:"phase_run_id"`
	Edits           []FileEdit `json:"edits"`
	PreconditionSHA string     `json:"precondition_sha"`
}

// TouchedPaths returns the set of paths this PatchSet writes to.
func (p *PatchSet) TouchedPaths() []string {
	paths := make([]string, 0, len(p.Edits))
	for _, e := range p.Edits {
		paths = append(paths, e.Path)
	}
	return paths
}

// OverlayStream distinguishes the origin of an OverlayEvent's payload.
type OverlayStream string

const (
	StreamStdout OverlayStream = "stdout"
	StreamStderr OverlayStream = "stderr"
	StreamMeta   OverlayStream = "meta"
)

// MetaKind enumerates the closed set of structured META record kinds.
type MetaKind string

const (
	MetaProcessStart    MetaKind = "process_start"
	MetaProcessExit     MetaKind = "process_exit"
	MetaPolicyDecision  MetaKind = "policy_decision"
	MetaBudgetWarning   MetaKind = "budget_warning"
	MetaPhaseTransition MetaKind = "phase_transition"
	MetaCancelled       MetaKind = "cancelled"
	MetaSlowConsumer    MetaKind = "slow_consumer"
)

// OverlayEvent is one chunk of captured PTY output, or a structured META
// record. Per task, sequence numbers are gap-free (P3).
type OverlayEvent struct {
	TaskID  string        `json:"task_id"`
	Seq     uint64        `json:"seq"`
	TS      time.Time     `json:"ts"`
	Stream  OverlayStream `json:"stream"`
	Payload []byte        `json:"payload"`
}

// AuditEventKind names the kind of an AuditEntry.
type AuditEventKind string

const (
	AuditTransition     AuditEventKind = "transition"
	AuditPolicyDecision AuditEventKind = "policy_decision"
	AuditBudgetEvent    AuditEventKind = "budget_event"
	AuditMetric         AuditEventKind = "metric"
)

// AuditEntry is one append-only state-transition or metric record.
type AuditEntry struct {
	Seq         uint64         `json:"seq"`
	TaskID      string         `json:"task_id"`
	Kind        AuditEventKind `json:"kind"`
	PriorState  string         `json:"prior_state"`
	NextState   string         `json:"next_state,omitempty"`
	Payload     string         `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
	CausationID string         `json:"causation_id,omitempty"`
}

// SandboxTier is an advisory isolation-strength level.
type SandboxTier string

const (
	TierLow    SandboxTier = "low"
	TierMedium SandboxTier = "medium"
	TierHigh   SandboxTier = "high"
)

// PolicyProfile is a named capability set bound to a Task at submission.
type PolicyProfile struct {
	Name                 string      `yaml:"name" json:"name"`
	Version              int         `yaml:"version" json:"version"`
	CommandAllowPatterns []string    `yaml:"command_allow_patterns" json:"command_allow_patterns"`
	WriteScope           []string    `yaml:"write_scope" json:"write_scope"`
	EgressAllowPatterns  []string    `yaml:"egress_allow_patterns" json:"egress_allow_patterns"`
	PerCallCostCeiling   float64     `yaml:"per_call_cost_ceiling" json:"per_call_cost_ceiling"`
	PerTaskCostCeiling   float64     `yaml:"per_task_cost_ceiling" json:"per_task_cost_ceiling"`
	SandboxTier          SandboxTier `yaml:"sandbox_tier" json:"sandbox_tier"`
}

// ExecutionModel distinguishes how an AgentAdapter reaches its external agent.
type ExecutionModel string

const (
	ExecCLIPty  ExecutionModel = "cli_pty"
	ExecHTTPAPI ExecutionModel = "http_api"
	ExecInProc  ExecutionModel = "in_process"
)

// Capability is a tag an AgentAdapter declares support for.
type Capability string

const (
	CapPlan          Capability = "plan"
	CapPropose       Capability = "propose"
	CapRefine        Capability = "refine"
	CapApplyPatch    Capability = "apply_patch"
	CapRunTests      Capability = "run_tests"
	CapSummarizeDiff Capability = "summarize_diff"
	CapEmbed         Capability = "embed"
	CapCommitMessage Capability = "commit_message"
)

// CostModel estimates cost per input/output token for an adapter.
type CostModel struct {
	InputCostPerToken  float64 `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token" json:"output_cost_per_token"`
}

// AdapterDescriptor is the registration record for an AgentAdapter.
type AdapterDescriptor struct {
	ID                   string              `yaml:"id" json:"id"`
	Capabilities         map[Capability]bool `yaml:"-" json:"-"`
	ExecutionModel       ExecutionModel      `yaml:"execution_model" json:"execution_model"`
	DefaultPolicyProfile string              `yaml:"default_policy_profile" json:"default_policy_profile"`
	Cost                 CostModel           `yaml:"cost" json:"cost"`
}
