// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package capability declares the Capability Registry: the Provider
// interface external modules implement (filesystem, process, app, GUI,
// IoT, database, HTTP), their declared manifests, and the registry that
// looks a module up by id for the Executor.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
)

// Result is the outcome of one capability dispatch.
type Result struct {
	Output map[string]interface{}
}

// Provider is the contract every capability module implements. The core
// never knows what filesystem, process, app, GUI, IoT, database, or HTTP
// access actually entails — only this interface.
type Provider interface {
	// Execute runs one named action with resolved params and returns its
	// result, or an error. ctx carries the plan's cancellation and the
	// action's per-attempt deadline.
	Execute(ctx context.Context, actionName string, params map[string]interface{}) (Result, error)

	// Manifest describes the module's identity, declared actions, and the
	// permissions/risk levels those actions require.
	Manifest() Manifest
}

// ActionSpec documents one action a module exposes.
type ActionSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	RiskLevel   string   `json:"risk_level,omitempty"`
}

// Manifest is a module's self-description, returned verbatim to HTTP
// clients that introspect `GET /capabilities`.
type Manifest struct {
	ModuleID string       `json:"module_id"`
	Version  string       `json:"version"`
	Actions  []ActionSpec `json:"actions"`
}

// ActionByName looks an action up by name within the manifest, or returns
// (zero, false).
func (m Manifest) ActionByName(name string) (ActionSpec, bool) {
	for _, a := range m.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// Registry holds the set of registered capability providers, keyed by
// module id, generalizing the teacher's connector-builder pattern (each
// connector declares itself up front via a manifest, then is looked up by
// name at dispatch time) from a single connector kind to an arbitrary set
// of capability modules.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider for its manifest's module id.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Manifest().ModuleID] = p
}

// Lookup returns the registered provider for moduleID, or a CapabilityError
// if none is registered.
func (r *Registry) Lookup(moduleID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[moduleID]
	if !ok {
		return nil, bridgeerr.Capability(
			"unknown_module",
			fmt.Sprintf("no capability module registered for %q", moduleID),
			nil,
			map[string]interface{}{"module": moduleID, "available": r.moduleIDsLocked()},
		)
	}
	return p, nil
}

// Manifests returns every registered provider's manifest, sorted by module
// id, for the capability-introspection HTTP endpoint.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Manifest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

func (r *Registry) moduleIDsLocked() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch resolves the (module, action) pair named by moduleID/actionName
// against the registry and invokes it, wrapping any module-level lookup
// failure as a CapabilityError; the module's own Execute error is returned
// unwrapped so the Executor can distinguish "module raised a domain error"
// from "module or action unknown".
func (r *Registry) Dispatch(ctx context.Context, moduleID, actionName string, params map[string]interface{}) (Result, error) {
	p, err := r.Lookup(moduleID)
	if err != nil {
		return Result{}, err
	}
	if _, ok := p.Manifest().ActionByName(actionName); !ok {
		return Result{}, bridgeerr.Capability(
			"unknown_action",
			fmt.Sprintf("module %q has no action %q", moduleID, actionName),
			nil,
			map[string]interface{}{"module": moduleID, "action": actionName},
		)
	}
	return p.Execute(ctx, actionName, params)
}
