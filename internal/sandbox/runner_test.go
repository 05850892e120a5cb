/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
	"k8s.io/apimachinery/pkg/api/resource"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.OverlayEvent
}

func (p *recordingPublisher) Publish(_ context.Context, taskID string, stream core.OverlayStream, payload []byte) (core.OverlayEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := core.OverlayEvent{TaskID: taskID, Stream: stream, Payload: append([]byte(nil), payload...)}
	p.events = append(p.events, ev)
	return ev, nil
}

func (p *recordingPublisher) snapshot() []core.OverlayEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.OverlayEvent, len(p.events))
	copy(out, p.events)
	return out
}

func TestRun_NormalExitProducesOutcome(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	caps := DefaultCapsForTier("high")

	h, err := r.Run(context.Background(), "t1", []string{"/bin/sh", "-c", "echo hi"}, nil, t.TempDir(), "", caps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out, err := h.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.ExitReason != ExitNormal {
		t.Errorf("expected ExitNormal, got %s", out.ExitReason)
	}
	if out.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", out.ExitCode)
	}
}

func TestRun_NonZeroExitStillClassifiesNormal(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	caps := DefaultCapsForTier("high")

	h, err := r.Run(context.Background(), "t1", []string{"/bin/sh", "-c", "exit 3"}, nil, t.TempDir(), "", caps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out, err := h.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.ExitReason != ExitNormal {
		t.Errorf("expected ExitNormal for a clean but nonzero exit, got %s", out.ExitReason)
	}
	if out.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", out.ExitCode)
	}
}

func TestRun_WallTimeCapKillsProcess(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	caps := ResourceCaps{
		WallTime:       100 * time.Millisecond,
		MaxRSS:         resource.MustParse("512Mi"),
		MaxOutputBytes: 1024 * 1024,
	}

	h, err := r.Run(context.Background(), "t1", []string{"/bin/sh", "-c", "sleep 5"}, nil, t.TempDir(), "", caps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out, err := h.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.ExitReason != ExitTimeout {
		t.Errorf("expected ExitTimeout, got %s", out.ExitReason)
	}
	if out.Duration > 2*time.Second {
		t.Errorf("expected the wall-time cap to cut the run short, took %s", out.Duration)
	}
}

func TestRunHandle_CancelTerminatesProcess(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	caps := DefaultCapsForTier("high")

	h, err := r.Run(context.Background(), "t1", []string{"/bin/sh", "-c", "sleep 30"}, nil, t.TempDir(), "", caps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h.Cancel(200 * time.Millisecond)

	out, err := h.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.ExitReason != ExitCancelled {
		t.Errorf("expected ExitCancelled, got %s", out.ExitReason)
	}
}

func TestRunHandle_WaitIsIdempotent(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	caps := DefaultCapsForTier("high")

	h, err := r.Run(context.Background(), "t1", []string{"/bin/sh", "-c", "echo once"}, nil, t.TempDir(), "", caps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	first, err := h.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	second, err := h.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if first.ExitReason != second.ExitReason || first.ExitCode != second.ExitCode {
		t.Errorf("expected identical outcomes across repeated Wait() calls, got %+v and %+v", first, second)
	}
}

func TestRun_PublishesProcessStartMeta(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	caps := DefaultCapsForTier("high")

	h, err := r.Run(context.Background(), "t1", []string{"/bin/sh", "-c", "echo hi"}, nil, t.TempDir(), "", caps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := h.Wait(5 * time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	var sawStart bool
	for _, ev := range pub.snapshot() {
		if ev.Stream == core.StreamMeta {
			sawStart = true
		}
	}
	if !sawStart {
		t.Error("expected at least one META event to be published for process_start")
	}
}
