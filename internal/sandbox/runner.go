/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package sandbox implements SandboxRunner (spec §4.4): spawns an external
// process attached to a pseudo-terminal inside an isolated workspace,
// streams its output into OverlayBroker, enforces resource caps, and
// returns a structured outcome.
//
// Grounded in the teacher's pod_builder.go for the injection-avoidance
// idiom (argv vectors and an allow-listed, explicitly-constructed
// environment — never shell string interpolation of user content) and
// health.go for the resource/staleness monitoring loop shape, retargeted
// from a Kubernetes Pod spec + log-tail poller to a local
// github.com/creack/pty-attached subprocess whose own /proc-derived RSS and
// wall clock are polled directly, since there is no longer a kubelet doing
// that accounting for us.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/logging"
)

// ExitReason classifies why a Run ended.
type ExitReason string

const (
	ExitNormal        ExitReason = "NORMAL"
	ExitTimeout       ExitReason = "TIMEOUT"
	ExitKilledOverRSS ExitReason = "KILLED_OVER_RSS"
	ExitCancelled     ExitReason = "CANCELLED"
	ExitCrashed       ExitReason = "CRASHED"
	ExitPolicyBlocked ExitReason = "POLICY_BLOCKED"
	ExitStuck         ExitReason = "STUCK"
)

// Outcome is the structured result of RunHandle.Wait.
type Outcome struct {
	ExitCode    int
	Signaled    bool
	Duration    time.Duration
	MaxRSS      int64
	OutputBytes int64
	Truncated   bool
	ExitReason  ExitReason
}

// Publisher is the narrow OverlayBroker surface SandboxRunner needs.
type Publisher interface {
	Publish(ctx context.Context, taskID string, stream core.OverlayStream, payload []byte) (core.OverlayEvent, error)
}

const chunkSize = 8 * 1024 // spec §4.4: chunk size bounded, default <= 8 KiB
const flushInterval = 4 * time.Millisecond

// Runner is the SandboxRunner.
type Runner struct {
	publisher Publisher
}

// New constructs a Runner publishing captured output through publisher.
func New(publisher Publisher) *Runner {
	return &Runner{publisher: publisher}
}

// allowedEnvKeys is the fixed allow-list passed through to every spawned
// process regardless of task, mirroring pod_builder.go's practice of
// constructing the environment explicitly rather than inheriting the
// parent's.
var allowedEnvKeys = []string{"PATH", "HOME", "LANG", "TZ"}

func filteredBaseEnv() []string {
	var env []string
	for _, k := range allowedEnvKeys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// RunHandle controls one in-flight (or completed) sandboxed process.
type RunHandle struct {
	taskID    string
	cmd       *exec.Cmd
	ptmx      *os.File
	caps      ResourceCaps
	publisher Publisher

	startedAt time.Time
	outputN   atomic.Int64
	truncated atomic.Bool

	finishOnce sync.Once
	waitCh     chan Outcome

	killOnce sync.Once
}

// Run spawns argv with env appended to a fixed allow-listed base, attached
// to a PTY, rooted at workspace. stdinScript, if non-empty, is written to
// the PTY and followed by the terminal's end-of-file character, which closes
// the process's stdin (the PTY itself stays open for output). Output is chunked to
// OverlayBroker as it's produced. Per spec §4.4, before spawn the caller
// must already have passed check_command; Run itself performs no policy
// check — callers (AgentAdapter's cli_pty path) are required to gate on
// PolicyGuard first and treat a deny as exit_reason=POLICY_BLOCKED without
// ever calling Run.
func (r *Runner) Run(ctx context.Context, taskID string, argv []string, env map[string]string, workspace string, stdinScript string, caps ResourceCaps) (*RunHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}

	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = absWorkspace
	cmd.Env = filteredBaseEnv()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("sandbox: start pty: %w", err)
	}

	h := &RunHandle{
		taskID:    taskID,
		cmd:       cmd,
		ptmx:      ptmx,
		caps:      caps,
		publisher: r.publisher,
		startedAt: time.Now(),
		waitCh:    make(chan Outcome, 1),
	}

	if r.publisher != nil {
		_, _ = r.publisher.Publish(ctx, taskID, core.StreamMeta,
			[]byte(fmt.Sprintf(`{"kind":"process_start","argv":%q}`, argv)))
	}

	if stdinScript != "" {
		_, _ = ptmx.WriteString(stdinScript)
		_, _ = ptmx.Write([]byte{0x04}) // VEOF (Ctrl-D): end of stdin for the child
	}

	go h.pump(ctx)
	go h.monitor(ctx)

	return h, nil
}

// pump copies PTY output into bounded chunks published to OverlayBroker.
func (h *RunHandle) pump(ctx context.Context) {
	reader := bufio.NewReaderSize(h.ptmx, chunkSize)
	buf := make([]byte, chunkSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			total := h.outputN.Add(int64(n))
			if total > h.caps.MaxOutputBytes && h.caps.MaxOutputBytes > 0 {
				h.truncated.Store(true)
			}
			if h.publisher != nil && !h.truncated.Load() {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				_, _ = h.publisher.Publish(ctx, h.taskID, core.StreamStdout, chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.FromContext(ctx).Debug().Err(err).Msg("sandbox pty read ended")
			}
			return
		}
	}
}

// monitor polls wall time, output volume, and (on Linux) RSS against caps,
// terminating the process if any cap is exceeded. Grounded in the
// teacher's health.go polling loop, retargeted from log-signal scoring to
// direct /proc-derived resource accounting.
func (h *RunHandle) monitor(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.cmd.Process.Signal(syscall.Signal(0)) != nil {
				return // already exited and reaped; Wait() will classify it
			}
			elapsed := time.Since(h.startedAt)
			if h.caps.WallTime > 0 && elapsed > h.caps.WallTime {
				h.kill(ExitTimeout)
				return
			}
			if h.caps.MaxRSS.Value() > 0 {
				if rss, ok := readRSSBytes(h.cmd.Process.Pid); ok && rss > h.caps.MaxRSS.Value() {
					h.kill(ExitKilledOverRSS)
					return
				}
			}
			if h.truncated.Load() {
				h.kill(ExitTimeout) // output volume cap is reported as a timeout; cli_pty maps it to RESOURCE_LIMIT, and the FSM fails the task on RESOURCE_LIMIT (no refine)
				return
			}
		}
	}
}

// kill sends SIGKILL immediately and records reason as the exit_reason,
// used by the resource monitor once a hard cap is breached.
func (h *RunHandle) kill(reason ExitReason) {
	if h.cmd.Process != nil {
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
	h.finish(reason)
}

// finish performs the single blocking Wait() on the underlying process and
// publishes the resulting Outcome; guarded so it runs exactly once
// regardless of which of Wait/Cancel/the resource monitor triggers it.
func (h *RunHandle) finish(forcedReason ExitReason) {
	h.finishOnce.Do(func() {
		state, _ := h.cmd.Process.Wait()
		_ = h.ptmx.Close()

		outcome := Outcome{
			Duration:    time.Since(h.startedAt),
			OutputBytes: h.outputN.Load(),
			Truncated:   h.truncated.Load(),
		}
		if state != nil {
			outcome.ExitCode = state.ExitCode()
			outcome.Signaled = !state.Exited()
			if rusage, ok := state.SysUsage().(*syscall.Rusage); ok {
				outcome.MaxRSS = rusage.Maxrss * 1024 // ru_maxrss is KB on Linux
			}
		}
		switch {
		case forcedReason != "":
			outcome.ExitReason = forcedReason
		case outcome.Signaled:
			outcome.ExitReason = ExitCrashed
		default:
			outcome.ExitReason = ExitNormal
		}

		h.waitCh <- outcome
	})
}

// Wait blocks until the process exits or timeout elapses, whichever first.
// Calling Wait more than once returns the same Outcome.
func (h *RunHandle) Wait(timeout time.Duration) (Outcome, error) {
	finished := make(chan struct{})
	go func() {
		h.finish("")
		close(finished)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-finished:
		o := <-h.waitCh
		h.waitCh <- o // replay for a subsequent Wait() call
		return o, nil
	case <-timer:
		h.kill(ExitTimeout)
		<-finished
		o := <-h.waitCh
		h.waitCh <- o
		return o, nil
	}
}

// Cancel sends a soft stop (SIGTERM to the process group), waits grace,
// then forces termination (spec §4.4).
func (h *RunHandle) Cancel(grace time.Duration) {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
		}
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			done := make(chan struct{})
			go func() { h.finish(ExitCancelled); close(done) }()
			select {
			case <-done:
				return
			case <-timer.C:
				if h.cmd.Process != nil {
					_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
				}
				<-done
			}
		}()
	})
}
