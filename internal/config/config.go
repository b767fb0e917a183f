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

// Package config loads the daemon's YAML configuration file, expanding
// ${VAR_NAME} / ${VAR_NAME:-default} references against the process
// environment before parsing, grounded directly on the teacher's
// platform/connectors/config/file_loader.go (expandEnvVars + yaml.Unmarshal).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root shape of the daemon's configuration file.
type Config struct {
	Version string      `yaml:"version"`
	HTTP    HTTPConfig  `yaml:"http"`
	State   StateConfig `yaml:"state"`
	Redis   RedisConfig `yaml:"redis"`
	Executor ExecutorConfig `yaml:"executor"`
	Approval ApprovalConfig `yaml:"approval"`
	Security SecurityConfig `yaml:"security"`
	Retention RetentionConfig `yaml:"retention"`
	Auth    AuthConfig  `yaml:"auth"`
}

// HTTPConfig controls the transport layer.
type HTTPConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	SyncTimeoutMs   int    `yaml:"sync_timeout_ms"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// StateConfig selects and configures the State Store backend.
type StateConfig struct {
	Backend string `yaml:"backend"` // "memory" | "postgres" | "noop"
	DSN     string `yaml:"dsn"`
}

// RedisConfig configures the Event Bus's best-effort pub/sub mirror.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// ExecutorConfig tunes the Plan Executor's concurrency and result handling.
type ExecutorConfig struct {
	MaxGlobalConcurrency  int `yaml:"max_global_concurrency"`
	MaxPerPlanConcurrency int `yaml:"max_per_plan_concurrency"`
	DefaultActionTimeoutSecs int `yaml:"default_action_timeout_seconds"`
	ResultByteBudget      int `yaml:"result_byte_budget"`
}

// ApprovalConfig tunes the Approval Gate's default timeout behavior.
type ApprovalConfig struct {
	DefaultTimeoutSecs int    `yaml:"default_timeout_seconds"`
	TimeoutBehavior    string `yaml:"timeout_behavior"` // "reject" | "skip"
}

// SecurityConfig tunes the Security Pipeline's intent verifier mode.
type SecurityConfig struct {
	IntentVerifierMode string `yaml:"intent_verifier_mode"` // "strict" | "permissive"
	IntentVerifierURL  string `yaml:"intent_verifier_url"`
}

// RetentionConfig tunes the State Store's background sweep.
type RetentionConfig struct {
	SweepIntervalSecs int   `yaml:"sweep_interval_seconds"`
	MaxAgeSecs        int64 `yaml:"max_age_seconds"`
}

// AuthConfig configures bearer-token validation for the approval endpoint.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns a Config with sane defaults for local/dev use: in-memory
// state, no Redis mirror, unbounded concurrency, a 5 minute approval
// timeout resolving to reject, and permissive intent verification.
func Default() Config {
	return Config{
		Version: "1.0",
		HTTP: HTTPConfig{
			ListenAddr:       ":8085",
			SyncTimeoutMs:    30000,
			CORSAllowOrigins: []string{"*"},
		},
		State: StateConfig{Backend: "memory"},
		Redis: RedisConfig{Enabled: false, Channel: "bridge-events"},
		Executor: ExecutorConfig{
			DefaultActionTimeoutSecs: 60,
			ResultByteBudget:         64 * 1024,
		},
		Approval: ApprovalConfig{
			DefaultTimeoutSecs: 300,
			TimeoutBehavior:    "reject",
		},
		Security: SecurityConfig{IntentVerifierMode: "permissive"},
		Retention: RetentionConfig{
			SweepIntervalSecs: 3600,
			MaxAgeSecs:        7 * 24 * 3600,
		},
	}
}

// Load reads path, expands environment variable references, and unmarshals
// the result over Default(), so a file only needs to set what it wants to
// override.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApprovalTimeout returns the configured approval timeout as a duration.
func (c Config) ApprovalTimeout() time.Duration {
	if c.Approval.DefaultTimeoutSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Approval.DefaultTimeoutSecs) * time.Second
}

// SyncTimeout returns the configured synchronous-submission timeout.
func (c Config) SyncTimeout() time.Duration {
	if c.HTTP.SyncTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTP.SyncTimeoutMs) * time.Millisecond
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns, same grammar the
// teacher's file_loader.go uses.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in content,
// supporting ${VAR_NAME}, ${VAR_NAME:-default}, and $VAR_NAME. Undefined
// variables with no default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}
