/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/policy"
)

func newTestGuard(t *testing.T, egressAllow []string) *policy.Guard {
	t.Helper()
	g := policy.New(nil, 0)
	if err := g.LoadProfile(core.PolicyProfile{
		Name:                "default",
		Version:             1,
		WriteScope:          []string{t.TempDir()},
		EgressAllowPatterns: egressAllow,
	}); err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	return g
}

func TestHTTPAPIAdapter_ProposeSucceeds(t *testing.T) {
	var gotTaskID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(cliResponse{Classification: "OK", CostActual: 0.01})
		gotTaskID = req.Goal
	}))
	defer srv.Close()

	guard := newTestGuard(t, []string{"127.0.0.1"})
	a, err := NewHTTPAPIAdapter("http", map[core.Capability]bool{core.CapPropose: true}, core.CostModel{}, srv.URL, guard, "default", 1)
	if err != nil {
		t.Fatalf("NewHTTPAPIAdapter() error = %v", err)
	}

	out, err := a.Propose(context.Background(), core.PhaseCode, TaskCtx{TaskID: "t1", Goal: "fix bug"}, "")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if out.Classification != ClassOK {
		t.Errorf("expected ClassOK, got %s", out.Classification)
	}
	if gotTaskID != "fix bug" {
		t.Errorf("expected request goal %q, got %q", "fix bug", gotTaskID)
	}
}

func TestHTTPAPIAdapter_EgressDeniedIsFailedPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should never reach the server when egress is denied")
	}))
	defer srv.Close()

	guard := newTestGuard(t, []string{"some-other-host.invalid"})
	a, err := NewHTTPAPIAdapter("http", map[core.Capability]bool{core.CapPropose: true}, core.CostModel{}, srv.URL, guard, "default", 1)
	if err != nil {
		t.Fatalf("NewHTTPAPIAdapter() error = %v", err)
	}

	out, err := a.Propose(context.Background(), core.PhaseCode, TaskCtx{TaskID: "t1"}, "")
	if err == nil {
		t.Fatal("expected an error for denied egress")
	}
	if out.Classification != ClassFailedPermanent {
		t.Errorf("expected ClassFailedPermanent, got %s", out.Classification)
	}
}

func TestHTTPAPIAdapter_WriteScopeViolationIsFailedPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cliResponse{
			Classification: "OK",
			PatchSet:       &core.PatchSet{Edits: []core.FileEdit{{Path: "/etc/passwd"}}},
		})
	}))
	defer srv.Close()

	guard := newTestGuard(t, []string{"127.0.0.1"})
	a, err := NewHTTPAPIAdapter("http", map[core.Capability]bool{core.CapPropose: true}, core.CostModel{}, srv.URL, guard, "default", 1)
	if err != nil {
		t.Fatalf("NewHTTPAPIAdapter() error = %v", err)
	}

	out, err := a.Propose(context.Background(), core.PhaseCode, TaskCtx{TaskID: "t1"}, "")
	if err == nil {
		t.Fatal("expected an error for an out-of-scope write")
	}
	if out.Classification != ClassFailedPermanent {
		t.Errorf("expected ClassFailedPermanent, got %s", out.Classification)
	}
}

func TestHTTPAPIAdapter_EstimateCostIsPureAndCached(t *testing.T) {
	guard := newTestGuard(t, nil)
	a, err := NewHTTPAPIAdapter("http", map[core.Capability]bool{core.CapPropose: true}, core.CostModel{InputCostPerToken: 0.001, OutputCostPerToken: 0.002}, "http://unused.invalid", guard, "default", 1)
	if err != nil {
		t.Fatalf("NewHTTPAPIAdapter() error = %v", err)
	}

	first, err := a.EstimateCost(context.Background(), core.PhaseCode, "some-context-digest")
	if err != nil {
		t.Fatalf("EstimateCost() error = %v", err)
	}
	second, err := a.EstimateCost(context.Background(), core.PhaseCode, "some-context-digest")
	if err != nil {
		t.Fatalf("EstimateCost() error = %v", err)
	}
	if first != second {
		t.Errorf("expected a cached estimate to be returned identically, got %+v then %+v", first, second)
	}
}
