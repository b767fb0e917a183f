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

// Command bridged is the LLMOS Bridge orchestration daemon: it loads
// configuration, wires every core component (Protocol Layer, Security
// Pipeline, Capability Registry, Permission Manager, Approval Gate,
// Rollback Engine, Plan Executor, State Store, Event Bus) behind the
// bridge.Daemon composition root, and serves the HTTP surface, the same
// "initializeComponents then start the router" shape the teacher's
// orchestrator Run() uses.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-redis/redis/v8"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/approval"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridge"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/capability"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/config"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/eventbus"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/executor"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/httpapi"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/metrics"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/permission"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/rollback"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/security"
	"github.com/mbathe/LLMOS-Bridge-sub002/internal/state"
)

func main() {
	configPath := os.Getenv("BRIDGE_CONFIG_FILE")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", configPath, err)
		}
		cfg = loaded
	} else {
		log.Println("BRIDGE_CONFIG_FILE not set, using built-in defaults")
	}

	logger := bridgelog.New("bridged")

	store, closeStore := buildStore(cfg)
	defer closeStore()

	bus, closeBus := buildEventBus(cfg, logger)
	defer closeBus()

	m := metrics.New(prometheus.DefaultRegisterer)

	registry := capability.NewRegistry()
	perms := permission.NewManager()
	gate := approval.NewGate()
	rb := rollback.New(registry, logger, rollback.DefaultMaxDepth)

	execCfg := executor.DefaultConfig()
	execCfg.MaxGlobalConcurrency = cfg.Executor.MaxGlobalConcurrency
	execCfg.MaxPerPlanConcurrency = cfg.Executor.MaxPerPlanConcurrency
	execCfg.ResultByteBudget = cfg.Executor.ResultByteBudget
	execCfg.ApprovalTimeout = cfg.ApprovalTimeout()
	if cfg.Approval.TimeoutBehavior == "skip" {
		execCfg.ApprovalTimeoutBehavior = approval.TimeoutSkip
	} else {
		execCfg.ApprovalTimeoutBehavior = approval.TimeoutReject
	}
	exec := executor.New(execCfg, registry, perms, gate, rb, store, bus, logger, m)

	scanners := security.NewChain(security.NewPIIScanner())
	intentPipe := buildIntentPipeline(cfg)

	daemon := bridge.New(registry, perms, gate, store, bus, exec, scanners, intentPipe, m, logger)

	stopSweep := startRetentionSweep(store, cfg, logger)
	defer stopSweep()

	var auth *httpapi.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth = httpapi.NewAuthenticator(cfg.Auth.JWTSecret)
	}
	server := httpapi.New(daemon, logger, httpapi.Options{
		SyncTimeout:      cfg.SyncTimeout(),
		CORSAllowOrigins: cfg.HTTP.CORSAllowOrigins,
		Auth:             auth,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		log.Printf("llmos-bridge daemon listening on %s", cfg.HTTP.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	waitForShutdown(httpServer, logger)
}

func buildStore(cfg config.Config) (state.Store, func()) {
	switch cfg.State.Backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.State.DSN)
		if err != nil {
			log.Fatalf("failed to open postgres state store: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Printf("postgres state store unreachable, running degraded with a no-op store: %v", err)
			_ = db.Close()
			return state.NoOpStore{}, func() {}
		}
		store := state.NewPostgresStore(db)
		if err := store.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("failed to ensure postgres schema: %v", err)
		}
		return store, func() { _ = db.Close() }
	case "noop":
		return state.NoOpStore{}, func() {}
	default:
		return state.NewMemoryStore(), func() {}
	}
}

func buildEventBus(cfg config.Config, logger *bridgelog.Logger) (*eventbus.Bus, func()) {
	var sinks []eventbus.Sink
	var closeFns []func()

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		sinks = append(sinks, eventbus.NewRedisSink(client, cfg.Redis.Channel, logger))
		closeFns = append(closeFns, func() { _ = client.Close() })
	}

	bus := eventbus.New(sinks...)
	return bus, func() {
		for _, fn := range closeFns {
			fn()
		}
	}
}

func buildIntentPipeline(cfg config.Config) *security.Pipeline {
	if cfg.Security.IntentVerifierURL == "" {
		return nil
	}
	verifier := security.NewHTTPIntentVerifier(security.HTTPIntentVerifierConfig{
		BaseURL: cfg.Security.IntentVerifierURL,
	})
	registry := security.NewThreatCategoryRegistry()
	mode := security.ModePermissive
	if cfg.Security.IntentVerifierMode == "strict" {
		mode = security.ModeStrict
	}
	return security.NewPipeline(verifier, registry, mode)
}

// startRetentionSweep runs the State Store's retention sweep on an
// interval, generalizing the teacher's PolicyCache TTL-sweep idiom
// (dynamic_policy_engine.go) from an in-process cache to the durable
// State Store.
func startRetentionSweep(store state.Store, cfg config.Config, logger *bridgelog.Logger) func() {
	interval := time.Duration(cfg.Retention.SweepIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				n, err := store.Sweep(context.Background(), cfg.Retention.MaxAgeSecs)
				if err != nil {
					logger.Error("retention_sweep_failed", err, nil)
					continue
				}
				if n > 0 {
					logger.Info("retention_sweep_completed", map[string]interface{}{"purged": n})
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func waitForShutdown(srv *http.Server, logger *bridgelog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown_signal_received", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http_shutdown_failed", err, nil)
	}
}
