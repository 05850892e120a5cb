/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package scheduler implements the Scheduler component (spec §4.7): task
// admission, workspace lifecycle, concurrency bounds, cancellation
// propagation, and graceful shutdown. It is the component that wires
// AuditStore, PolicyGuard, OverlayBroker, SandboxRunner, and AgentAdapter
// together around one fsm.Machine per task (spec §2's control-flow
// summary), replacing the teacher's client-go-watched reconcile loop
// (agenttask_controller.go's Reconcile, driven by the Kubernetes API
// server's informer) with an in-process priority queue plus a bounded pool
// of goroutine task drivers, since this orchestrator is single-node (spec
// §1's non-goal: "horizontal distribution across machines").
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/forgeman-ai/forgeman/internal/adapter"
	"github.com/forgeman-ai/forgeman/internal/artifacts"
	"github.com/forgeman-ai/forgeman/internal/audit"
	"github.com/forgeman-ai/forgeman/internal/config"
	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/fsm"
	"github.com/forgeman-ai/forgeman/internal/logging"
	"github.com/forgeman-ai/forgeman/internal/metrics"
	"github.com/forgeman-ai/forgeman/internal/overlay"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/predicate"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// TaskSpec is the ingress shape of a task submission (spec §6): callers
// supply this, Submit validates it against a schema (goal non-empty, mode
// recognized, budgets non-negative, policy profile exists, adapters for
// required phases exist) before admitting it.
type TaskSpec struct {
	ID                 string   `validate:"omitempty"`
	Goal               string   `validate:"required"`
	RepoURL            string   `validate:"required"`
	Branch             string   `validate:"omitempty"`
	CommitSHA          string   `validate:"omitempty"`
	Mode               string   `validate:"required,oneof=refactor new_feature bugfix app_generation"`
	AcceptanceCriteria []string `validate:"omitempty"`
	PolicyProfile      string   `validate:"required"`
	CostUSD            float64  `validate:"gte=0"`
	MaxIterations      int      `validate:"gte=0"`
	WallTimeSeconds    int      `validate:"gte=0"`
	Deploy             bool
	Priority           int
}

// Auditor is the full surface the Scheduler requires of its audit backend:
// fsm.Auditor's append/resume contract plus the Task projection table
// (spec §3's Task lifecycle) and cooperative-cancellation polling (spec
// §5). Implemented by *audit.Store; kept as an interface so tests can
// substitute an in-memory fake.
type Auditor interface {
	fsm.Auditor
	CreateTask(ctx context.Context, t *core.Task) error
	UpdateTaskState(ctx context.Context, t *core.Task) error
	RequestCancel(ctx context.Context, taskID, reason string) error
	CancelRequested(ctx context.Context, taskID string) (bool, string, error)
	GetTask(ctx context.Context, id string) (core.Task, bool, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]core.Task, error)
}

// TaskFilter narrows ListTasks; an alias of audit.TaskFilter so callers
// don't need their own copy of the same shape.
type TaskFilter = audit.TaskFilter

// Deps bundles the Scheduler's collaborators. Most are shared, immutable
// (or internally-synchronized) singletons; Scheduler itself only adds the
// admission queue, concurrency bound, and per-task lifecycle bookkeeping.
type Deps struct {
	Audit      Auditor
	Guard      *policy.Guard
	Broker     *overlay.Broker
	Adapters   *adapter.Registry
	Predicates *predicate.Registry
	PredRunner *predicate.Runner
	Workspace  WorkspaceProvider
	Artifacts  *artifacts.Store
	Config     config.SchedulerConfig
	Backoff    fsm.BackoffConfig
}

// Scheduler owns the task queue, task lifetimes, concurrency limits,
// cancellation, and wires the core components together (spec §4.7).
type Scheduler struct {
	deps     Deps
	validate *validator.Validate

	mu       sync.Mutex
	queue    priorityQueue
	queued   map[string]bool // taskID -> present in queue or active, dedupes cross-process polls
	seq      uint64
	active   map[string]*activeTask
	admitted bool // false once shutdown has begun; Submit keeps working, the dispatcher just stops pulling

	sem chan struct{}

	wakeup       chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

type activeTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler. MaxConcurrentTasks bounds simultaneously
// RUNNING tasks (spec §4.7); admission itself never blocks.
func New(deps Deps) *Scheduler {
	concurrency := deps.Config.MaxConcurrentTasks
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Scheduler{
		deps:     deps,
		validate: validator.New(),
		active:   make(map[string]*activeTask),
		queued:   make(map[string]bool),
		admitted: true,
		sem:      make(chan struct{}, concurrency),
		wakeup:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Submit validates spec, binds it to the policy profile version and
// adapter routing in force right now, appends its initial PENDING
// transition ("submitted"), persists the task row, and enqueues it.
// Submit never blocks on capacity: at-capacity tasks simply wait in the
// queue in PENDING (spec §4.7).
func (s *Scheduler) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	if err := s.validate.Struct(spec); err != nil {
		return "", taskerr.Wrap(taskerr.InternalBug, "invalid_task_spec", err)
	}

	taskID := spec.ID
	if taskID == "" {
		taskID = core.NewTaskID()
	} else if _, exists, err := s.deps.Audit.GetTask(ctx, taskID); err != nil {
		return "", err
	} else if exists {
		// "submitting with an explicit id that already exists is rejected
		// without side effects" (spec §8).
		return "", taskerr.New(taskerr.InternalBug, "task_id_already_exists")
	}

	profileVersion, ok := s.deps.Guard.LatestVersion(spec.PolicyProfile)
	if !ok {
		return "", taskerr.New(taskerr.InternalBug, fmt.Sprintf("unknown policy profile %q", spec.PolicyProfile))
	}

	mode := core.TaskMode(spec.Mode)
	if !hasRoutingFor(s.deps.Adapters, mode) {
		return "", taskerr.New(taskerr.InternalBug, fmt.Sprintf("no adapters routed for mode %q", spec.Mode))
	}

	task := &core.Task{
		ID:                 taskID,
		Goal:               spec.Goal,
		Repo:               core.RepoRef{URL: spec.RepoURL, Branch: spec.Branch, CommitSHA: spec.CommitSHA},
		Mode:               mode,
		AcceptanceCriteria: spec.AcceptanceCriteria,
		Constraints:        core.Constraints{PolicyProfile: spec.PolicyProfile},
		Budgets: core.Budgets{
			CostUSD:       spec.CostUSD,
			MaxIterations: spec.MaxIterations,
			WallTime:      time.Duration(spec.WallTimeSeconds) * time.Second,
		},
		Deploy:               spec.Deploy,
		Priority:             spec.Priority,
		Status:               core.StatusPending,
		CreatedAt:            time.Now().UTC(),
		PolicyProfileVersion: profileVersion,
	}

	if _, err := s.deps.Audit.Append(ctx, core.AuditEntry{
		TaskID: taskID, Kind: core.AuditTransition, PriorState: "", NextState: string(core.StatusPending),
		Payload: "submitted", Timestamp: task.CreatedAt,
	}); err != nil {
		return "", err
	}
	if err := s.deps.Audit.CreateTask(ctx, task); err != nil {
		return "", err
	}

	s.enqueue(taskID, task.Priority)
	return taskID, nil
}

func (s *Scheduler) enqueue(taskID string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[taskID] {
		return
	}
	s.seq++
	heap.Push(&s.queue, &queueItem{taskID: taskID, priority: priority, seq: s.seq})
	s.queued[taskID] = true
	s.nudgeLocked()
}

func (s *Scheduler) nudgeLocked() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func hasRoutingFor(reg *adapter.Registry, mode core.TaskMode) bool {
	required := []core.Capability{core.CapPlan, core.CapPropose, core.CapSummarizeDiff, core.CapCommitMessage}
	for _, cap := range required {
		if _, _, ok := reg.SelectForMode(mode, cap); !ok {
			return false
		}
	}
	return true
}

// Run drives the admission loop until ctx is cancelled or Shutdown is
// called. Intended to run for the process lifetime of an engine instance.
// Every tick it also polls the Task projection for PENDING rows this
// instance doesn't already know about, so a task submitted by a separate
// CLI invocation against the same audit store (spec §6's cross-process
// submit) is picked up, and so PENDING tasks left over from a prior
// process's restart (spec P9) are resumed rather than stranded.
func (s *Scheduler) Run(ctx context.Context) {
	s.pollPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wakeup:
		case <-time.After(time.Second):
			s.pollPending(ctx)
		}
		s.dispatchReady(ctx)
	}
}

func (s *Scheduler) pollPending(ctx context.Context) {
	pending, err := s.deps.Audit.ListTasks(ctx, TaskFilter{Status: core.StatusPending})
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("pending task poll failed")
		return
	}
	for _, t := range pending {
		s.enqueue(t.ID, t.Priority)
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // at capacity
		}

		s.mu.Lock()
		if len(s.queue) == 0 || !s.admitted {
			s.mu.Unlock()
			<-s.sem
			return
		}
		item := heap.Pop(&s.queue).(*queueItem)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.drive(ctx, item.taskID)
	}
}

// DriveOnce dispatches every currently queued task and blocks until all of
// them reach a terminal state, without starting the Run admission loop.
// Exposed for tests that want deterministic, synchronous end-to-end runs.
func (s *Scheduler) DriveOnce(ctx context.Context) {
	s.dispatchReady(ctx)
	s.wg.Wait()
}

func (s *Scheduler) drive(ctx context.Context, taskID string) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	taskCtx, cancel := context.WithCancel(ctx)
	at := &activeTask{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[taskID] = at
	s.mu.Unlock()
	defer func() {
		close(at.done)
		s.mu.Lock()
		delete(s.active, taskID)
		delete(s.queued, taskID)
		s.mu.Unlock()
	}()

	task, ok, err := s.deps.Audit.GetTask(taskCtx, taskID)
	if err != nil || !ok {
		logging.FromContext(taskCtx).Error().Err(err).Str("task_id", taskID).Msg("task vanished before dispatch")
		return
	}

	if cancelled, reason, _ := s.deps.Audit.CancelRequested(taskCtx, taskID); cancelled {
		cancel()
		_ = reason
	}
	go func() { // picks up cancel requests recorded by another process
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-at.done:
				return
			case <-ticker.C:
				if cancelled, _, _ := s.deps.Audit.CancelRequested(taskCtx, taskID); cancelled {
					cancel()
					return
				}
			}
		}
	}()

	profile, ok := s.deps.Guard.Resolve(task.Constraints.PolicyProfile, task.PolicyProfileVersion)
	if !ok {
		logging.FromContext(taskCtx).Error().Str("task_id", taskID).Msg("policy profile version no longer resolvable")
		return
	}

	var workspace string
	if taskCtx.Err() == nil {
		root := s.deps.Config.WorkspaceRoot
		if root == "" {
			root = "/tmp/forgeman-workspaces"
		}
		path, resolvedSHA, err := s.deps.Workspace.Materialize(taskCtx, root, taskID, RepoSpec{
			URL: task.Repo.URL, Branch: task.Repo.Branch, CommitSHA: task.Repo.CommitSHA,
		})
		if err != nil {
			logging.FromContext(taskCtx).Warn().Err(err).Str("task_id", taskID).Msg("workspace materialization failed")
		} else {
			workspace = path
			task.Repo.CommitSHA = resolvedSHA
		}
	}

	m := fsm.New(fsm.Deps{
		Audit:      s.deps.Audit,
		Guard:      s.deps.Guard,
		Broker:     s.deps.Broker,
		Adapters:   s.deps.Adapters,
		Predicates: s.deps.Predicates,
		PredRunner: s.deps.PredRunner,
		Backoff:    s.deps.Backoff,
		Artifacts:  s.deps.Artifacts,
	}, &task, workspace, profile)

	if err := m.Resume(taskCtx); err != nil {
		logging.FromContext(taskCtx).Warn().Err(err).Str("task_id", taskID).Msg("resume lookup failed, starting from PENDING")
	}

	metrics.TasksActive.WithLabelValues(string(fsm.StatePlanning)).Inc()
	defer metrics.TasksActive.WithLabelValues(string(fsm.StatePlanning)).Dec()
	startedAt := time.Now()

	finalState, _ := m.Drive(taskCtx)

	task.Status = stateToStatus(finalState)
	now := time.Now().UTC()
	task.TerminalAt = &now
	if err := s.deps.Audit.UpdateTaskState(context.Background(), &task); err != nil {
		logging.FromContext(taskCtx).Error().Err(err).Str("task_id", taskID).Msg("failed to persist terminal task state")
	}
	_ = s.deps.Broker.Close(context.Background(), taskID, false)

	metrics.TasksTotal.WithLabelValues(string(task.Mode), string(task.Status)).Inc()
	metrics.TaskDuration.Observe(time.Since(startedAt).Seconds())
	metrics.TaskCostUSD.Observe(task.Spent.CostUSD)
	if task.Status == core.StatusFailed {
		metrics.EmitTaskEvent(context.Background(), "task_failed", &task, metrics.TerminalEventAttrs(&task)...)
	}

	grace := s.deps.Config.WorkspaceGrace
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if workspace != "" {
		scheduleRemoval(context.Background(), s.deps.Workspace, workspace, grace, taskID)
	}
}

func stateToStatus(state fsm.State) core.TaskStatus {
	switch state {
	case fsm.StateSucceeded:
		return core.StatusSucceeded
	case fsm.StateCancelled:
		return core.StatusCancelled
	default:
		return core.StatusFailed
	}
}

// Cancel requests cancellation of taskID. Idempotent (spec §8:
// cancel(cancel(t)) ≡ cancel(t)); only effective on non-terminal tasks.
func (s *Scheduler) Cancel(ctx context.Context, taskID, reason string) error {
	if err := s.deps.Audit.RequestCancel(ctx, taskID, reason); err != nil {
		return err
	}
	s.mu.Lock()
	at, running := s.active[taskID]
	s.mu.Unlock()
	if running {
		at.cancel()
	}
	return nil
}

// GetStatus returns the current projection of taskID.
func (s *Scheduler) GetStatus(ctx context.Context, taskID string) (core.Task, error) {
	t, ok, err := s.deps.Audit.GetTask(ctx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	if !ok {
		return core.Task{}, taskerr.New(taskerr.InternalBug, "task_not_found")
	}
	return t, nil
}

// ListTasks returns tasks matching filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter TaskFilter) ([]core.Task, error) {
	return s.deps.Audit.ListTasks(ctx, filter)
}

// Shutdown stops admitting new work, cancels every running task, and waits
// up to grace for them to settle (spec §4.7).
func (s *Scheduler) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	s.admitted = false
	var toCancel []*activeTask
	for _, at := range s.active {
		toCancel = append(toCancel, at)
	}
	s.mu.Unlock()
	s.shutdownOnce.Do(func() { close(s.done) })

	for _, at := range toCancel {
		at.cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(grace):
		return taskerr.New(taskerr.InternalBug, "shutdown_grace_exceeded")
	}
}
