package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGrantAndCheck(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Check("filesystem.write", "filesystem"))
	m.Grant("filesystem.write", "filesystem", ScopeSession, "user", "", 0)
	assert.NoError(t, m.Check("filesystem.write", "filesystem"))
}

func TestRevoke(t *testing.T) {
	m := NewManager()
	m.Grant("filesystem.write", "filesystem", ScopeSession, "user", "", 0)
	assert.True(t, m.Revoke("filesystem.write", "filesystem"))
	assert.False(t, m.Revoke("filesystem.write", "filesystem"))
	assert.Error(t, m.Check("filesystem.write", "filesystem"))
}

func TestRevokeAllForModule(t *testing.T) {
	m := NewManager()
	m.Grant("filesystem.read", "filesystem", ScopeSession, "user", "", 0)
	m.Grant("filesystem.write", "filesystem", ScopeSession, "user", "", 0)
	m.Grant("process.spawn", "process", ScopeSession, "user", "", 0)
	assert.Equal(t, 2, m.RevokeAllForModule("filesystem"))
	assert.Equal(t, 1, len(m.ListGrants()))
}

func TestClearSessionKeepsPermanent(t *testing.T) {
	m := NewManager()
	m.Grant("filesystem.read", "filesystem", ScopeSession, "user", "", 0)
	m.Grant("filesystem.write", "filesystem", ScopePermanent, "user", "", 0)
	assert.Equal(t, 1, m.ClearSession())
	assert.NoError(t, m.Check("filesystem.write", "filesystem"))
	assert.Error(t, m.Check("filesystem.read", "filesystem"))
}

func TestExpiry(t *testing.T) {
	m := NewManager()
	m.Grant("filesystem.read", "filesystem", ScopeSession, "user", "", -time.Second)
	assert.Error(t, m.Check("filesystem.read", "filesystem"))
	assert.Empty(t, m.ListGrants())
}

func TestWildcardModuleGrant(t *testing.T) {
	m := NewManager()
	m.Grant("filesystem.*", "filesystem", ScopeSession, "user", "", 0)
	assert.NoError(t, m.Check("filesystem.delete", "filesystem"))
	assert.Error(t, m.Check("filesystem.delete", "process"))
}

func TestWildcardGlobalGrant(t *testing.T) {
	m := NewManager()
	m.Grant("*", "filesystem", ScopeSession, "user", "", 0)
	assert.NoError(t, m.Check("anything.at.all", "filesystem"))
}

func TestRiskLevels(t *testing.T) {
	m := NewManager()
	assert.Equal(t, RiskLow, m.RiskLevel("filesystem.read"))
	assert.Equal(t, RiskMedium, m.RiskLevel("filesystem.write"))
	assert.Equal(t, RiskHigh, m.RiskLevel("filesystem.delete"))
	assert.Equal(t, RiskCritical, m.RiskLevel("credentials"))
	assert.Equal(t, RiskMedium, m.RiskLevel("totally.unknown"))
}
