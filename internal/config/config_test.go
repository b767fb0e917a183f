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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("BRIDGE_TEST_VAR", "test_value")
	defer os.Unsetenv("BRIDGE_TEST_VAR")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"dollar brace syntax", "prefix ${BRIDGE_TEST_VAR} suffix", "prefix test_value suffix"},
		{"dollar syntax", "prefix $BRIDGE_TEST_VAR suffix", "prefix test_value suffix"},
		{"default value - var exists", "${BRIDGE_TEST_VAR:-default}", "test_value"},
		{"default value - var not exists", "${UNDEFINED_VAR:-default_val}", "default_val"},
		{"undefined var - empty result", "${UNDEFINED_VAR}", ""},
		{"no vars", "plain text without variables", "plain text without variables"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	os.Setenv("BRIDGE_TEST_DSN", "postgres://example/db")
	defer os.Unsetenv("BRIDGE_TEST_DSN")

	content := `
version: "1.0"
http:
  listen_addr: ":9090"
state:
  backend: postgres
  dsn: ${BRIDGE_TEST_DSN}
executor:
  max_global_concurrency: 8
approval:
  timeout_behavior: skip
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.ListenAddr)
	assert.Equal(t, "postgres", cfg.State.Backend)
	assert.Equal(t, "postgres://example/db", cfg.State.DSN)
	assert.Equal(t, 8, cfg.Executor.MaxGlobalConcurrency)
	assert.Equal(t, "skip", cfg.Approval.TimeoutBehavior)
	// Unset fields keep their Default() value.
	assert.Equal(t, 64*1024, cfg.Executor.ResultByteBudget)
	assert.Equal(t, "permissive", cfg.Security.IntentVerifierMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*60*1e9, int64(cfg.ApprovalTimeout()))
	assert.Equal(t, 30*1e9, int64(cfg.SyncTimeout()))
}
