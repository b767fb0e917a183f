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

// Package permission implements the Permission & Risk Model: grants keyed
// by (permission, module_id), session vs. permanent scope, risk-level
// classification, and wildcard-aware permission matching.
package permission

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgeerr"
)

// Scope labels a grant as session- or permanent-scoped. ClearSession drops
// session grants; grants are held in memory only, so a grant of either
// scope does not outlive the process.
type Scope string

const (
	ScopeSession   Scope = "session"
	ScopePermanent Scope = "permanent"
)

// RiskLevel classifies how dangerous a permission is to grant.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// staticRiskLevels maps well-known permissions to a fixed risk level. A
// permission absent from this table defaults to RiskMedium — the same
// default the manager applies for any permission it has not classified.
var staticRiskLevels = map[string]RiskLevel{
	"filesystem.read":     RiskLow,
	"filesystem.write":    RiskMedium,
	"filesystem.delete":   RiskHigh,
	"process.spawn":       RiskHigh,
	"process.kill":        RiskHigh,
	"app.launch":          RiskMedium,
	"app.control":         RiskMedium,
	"gui.read":            RiskLow,
	"gui.control":         RiskMedium,
	"iot.read":            RiskLow,
	"iot.actuate":         RiskHigh,
	"database.read":       RiskMedium,
	"database.write":      RiskHigh,
	"http.request":        RiskMedium,
	"credentials.access":  RiskCritical,
	"credentials":         RiskCritical,
}

// Grant is one stored permission record, keyed by (Permission, ModuleID).
type Grant struct {
	Permission string
	ModuleID   string
	Scope      Scope
	GrantedAt  time.Time
	GrantedBy  string
	Reason     string
	ExpiresAt  *time.Time
}

// IsExpired reports whether the grant's expiry has passed.
func (g Grant) IsExpired() bool {
	return g.ExpiresAt != nil && time.Now().After(*g.ExpiresAt)
}

type grantKey struct {
	permission string
	moduleID   string
}

// Manager is the in-process permission grant table plus risk
// classification, guarded by a single mutex per spec.md §5 (the
// permission grant table is one of the shared-state regions with a single
// owning mutex).
type Manager struct {
	mu     sync.Mutex
	grants map[grantKey]Grant
}

// NewManager returns an empty Manager. Grants from a previous process are
// not carried forward: the State Store holds no grant records, and nothing
// reloads PERMANENT-scope grants into a new Manager.
func NewManager() *Manager {
	return &Manager{grants: make(map[grantKey]Grant)}
}

// Grant records permission as granted to moduleID under the given scope,
// replacing any existing grant for the same key. A zero ttl means the grant
// never expires; any other ttl sets ExpiresAt to GrantedAt+ttl.
func (m *Manager) Grant(permission, moduleID string, scope Scope, grantedBy, reason string, ttl time.Duration) Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := Grant{
		Permission: permission,
		ModuleID:   moduleID,
		Scope:      scope,
		GrantedAt:  time.Now().UTC(),
		GrantedBy:  grantedBy,
		Reason:     reason,
	}
	if ttl != 0 {
		exp := g.GrantedAt.Add(ttl)
		g.ExpiresAt = &exp
	}
	m.grants[grantKey{permission, moduleID}] = g
	return g
}

// Revoke removes a specific grant. Reports whether a grant was removed.
func (m *Manager) Revoke(permission, moduleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grantKey{permission, moduleID}
	if _, ok := m.grants[key]; !ok {
		return false
	}
	delete(m.grants, key)
	return true
}

// RevokeAllForModule removes every grant held by moduleID and returns the
// count removed.
func (m *Manager) RevokeAllForModule(moduleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.grants {
		if k.moduleID == moduleID {
			delete(m.grants, k)
			n++
		}
	}
	return n
}

// ClearSession removes every SESSION-scope grant and returns the count
// removed.
func (m *Manager) ClearSession() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, g := range m.grants {
		if g.Scope == ScopeSession {
			delete(m.grants, k)
			n++
		}
	}
	return n
}

// IsGranted reports whether permission is currently granted to moduleID,
// lazily revoking and reporting false if the grant has expired.
func (m *Manager) IsGranted(permission, moduleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grantKey{permission, moduleID}
	g, ok := m.grants[key]
	if !ok {
		return false
	}
	if g.IsExpired() {
		delete(m.grants, key)
		return false
	}
	return true
}

// Check returns nil if permission is granted to moduleID (directly, or via
// a wildcard grant matching the teacher's "resource:*"/"*" scheme), and a
// SecurityError otherwise.
func (m *Manager) Check(permission, moduleID string) error {
	if m.IsGranted(permission, moduleID) {
		return nil
	}
	if m.matchesWildcardGrant(permission, moduleID) {
		return nil
	}
	return bridgeerr.Security(
		"permission_denied",
		fmt.Sprintf("module %q lacks permission %q", moduleID, permission),
		nil,
		map[string]interface{}{"permission": permission, "module": moduleID, "risk_level": string(m.RiskLevel(permission))},
	)
}

// matchesWildcardGrant checks the teacher's permissions.go wildcard
// hierarchy generalized from "mcp:connector:operation" to
// "resource.category.operation": an exact grant, a grant on the
// permission's parent prefix + ".*", or a grant on "*".
func (m *Manager) matchesWildcardGrant(permission, moduleID string) bool {
	if m.IsGranted("*", moduleID) {
		return true
	}
	parts := strings.Split(permission, ".")
	for i := len(parts) - 1; i > 0; i-- {
		wildcard := strings.Join(parts[:i], ".") + ".*"
		if m.IsGranted(wildcard, moduleID) {
			return true
		}
	}
	return false
}

// RiskLevel classifies permission, defaulting to RiskMedium when no static
// entry matches.
func (m *Manager) RiskLevel(permission string) RiskLevel {
	if rl, ok := staticRiskLevels[permission]; ok {
		return rl
	}
	return RiskMedium
}

// ListGrants returns a snapshot of every non-expired grant, lazily purging
// expired ones as it scans.
func (m *Manager) ListGrants() []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Grant, 0, len(m.grants))
	var expired []grantKey
	for k, g := range m.grants {
		if g.IsExpired() {
			expired = append(expired, k)
			continue
		}
		out = append(out, g)
	}
	for _, k := range expired {
		delete(m.grants, k)
	}
	return out
}

// ListForModule returns non-expired grants held by moduleID.
func (m *Manager) ListForModule(moduleID string) []Grant {
	all := m.ListGrants()
	out := make([]Grant, 0, len(all))
	for _, g := range all {
		if g.ModuleID == moduleID {
			out = append(out, g)
		}
	}
	return out
}
