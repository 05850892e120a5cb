/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package adapter

import (
	"fmt"
	"sync"

	"github.com/forgeman-ai/forgeman/internal/core"
)

// Registry holds adapters keyed by id. Descriptors are immutable once
// loaded; the FSM and Scheduler consult the registry read-only (spec §4.5).
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]core.AdapterDescriptor
	adapters    map[string]Adapter
	byMode      map[core.TaskMode][]string // static routing table, ordered by preference
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]core.AdapterDescriptor),
		adapters:    make(map[string]Adapter),
		byMode:      make(map[core.TaskMode][]string),
	}
}

// Register adds an adapter under its descriptor's id. Registering the same
// id twice is a startup-time programming error.
func (r *Registry) Register(desc core.AdapterDescriptor, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[desc.ID]; exists {
		return fmt.Errorf("adapter: id %q already registered", desc.ID)
	}
	r.descriptors[desc.ID] = desc
	r.adapters[desc.ID] = a
	return nil
}

// RouteMode binds a static preference order of adapter ids to a task mode.
func (r *Registry) RouteMode(mode core.TaskMode, adapterIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMode[mode] = adapterIDs
}

// Descriptor returns the immutable registration record for id.
func (r *Registry) Descriptor(id string) (core.AdapterDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Get returns the live Adapter for id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// SelectForMode returns the first registered adapter routed for mode that
// declares cap among its capabilities. A dynamic cost-vs-budget rule can be
// layered in front of this by the caller (Scheduler), which has the
// remaining-budget context this registry deliberately doesn't carry.
func (r *Registry) SelectForMode(mode core.TaskMode, cap core.Capability) (Adapter, core.AdapterDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.byMode[mode] {
		desc, ok := r.descriptors[id]
		if !ok || !desc.Capabilities[cap] {
			continue
		}
		a, ok := r.adapters[id]
		if !ok {
			continue
		}
		return a, desc, true
	}
	return nil, core.AdapterDescriptor{}, false
}

// All returns every registered descriptor, for diagnostics/listing.
func (r *Registry) All() []core.AdapterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.AdapterDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}
