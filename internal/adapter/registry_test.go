/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package adapter

import (
	"context"
	"testing"

	"github.com/forgeman-ai/forgeman/internal/core"
)

type fakeAdapter struct {
	id   string
	caps map[core.Capability]bool
}

func (f *fakeAdapter) ID() string                             { return f.id }
func (f *fakeAdapter) Capabilities() map[core.Capability]bool { return f.caps }
func (f *fakeAdapter) EstimateCost(context.Context, core.Phase, string) (CostEstimate, error) {
	return CostEstimate{}, nil
}
func (f *fakeAdapter) Propose(context.Context, core.Phase, TaskCtx, string) (PhaseOutcome, error) {
	return PhaseOutcome{Classification: ClassOK}, nil
}
func (f *fakeAdapter) Refine(context.Context, core.Phase, string) (PhaseOutcome, error) {
	return PhaseOutcome{Classification: ClassOK}, nil
}

func TestRegistry_RegisterThenGet(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "codex", caps: map[core.Capability]bool{core.CapPropose: true}}
	desc := core.AdapterDescriptor{ID: "codex", Capabilities: a.caps, ExecutionModel: core.ExecCLIPty}

	if err := r.Register(desc, a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Get("codex")
	if !ok || got.ID() != "codex" {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	gotDesc, ok := r.Descriptor("codex")
	if !ok || gotDesc.ExecutionModel != core.ExecCLIPty {
		t.Fatalf("Descriptor() = %+v, %v", gotDesc, ok)
	}
}

func TestRegistry_RegisterDuplicateIDFails(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "codex"}
	desc := core.AdapterDescriptor{ID: "codex"}
	if err := r.Register(desc, a); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(desc, a); err == nil {
		t.Fatal("expected error registering a duplicate id")
	}
}

func TestRegistry_SelectForMode_SkipsAdaptersWithoutCapability(t *testing.T) {
	r := NewRegistry()
	plain := &fakeAdapter{id: "plain", caps: map[core.Capability]bool{core.CapPlan: true}}
	full := &fakeAdapter{id: "full", caps: map[core.Capability]bool{core.CapPlan: true, core.CapPropose: true}}

	_ = r.Register(core.AdapterDescriptor{ID: "plain", Capabilities: plain.caps}, plain)
	_ = r.Register(core.AdapterDescriptor{ID: "full", Capabilities: full.caps}, full)
	r.RouteMode(core.ModeBugfix, "plain", "full")

	got, desc, ok := r.SelectForMode(core.ModeBugfix, core.CapPropose)
	if !ok {
		t.Fatal("expected an adapter to be selected")
	}
	if got.ID() != "full" || desc.ID != "full" {
		t.Errorf("expected 'full' to be selected over 'plain', got %q", got.ID())
	}
}

func TestRegistry_SelectForMode_NoMatchReturnsFalse(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.SelectForMode(core.ModeRefactor, core.CapEmbed); ok {
		t.Fatal("expected no match for an unrouted mode")
	}
}
