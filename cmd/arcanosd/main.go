// Package main — cmd/arcanosd/main.go
//
// ARCANOS daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config (dot-env layers + process env + optional
//     YAML overlay).
//  2. Initialise structured logger (zap, console format by default).
//  3. Open BoltDB memory store.
//  4. Construct the backend client, trust store, governance gate,
//     idempotency guard, audit sink, execution pipeline, and ActionPlan
//     executor.
//  5. Start the Prometheus metrics server (loopback).
//  6. Construct the orchestrator and load the instance ID.
//  7. Refresh the capability registry once and recompute trust.
//  8. Start the scheduler's heartbeat/command-poll loops (unless the
//     backend is unconfigured or the token is a placeholder).
//  9. Start the debug transport (if enabled).
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every loop).
//  2. Stop the scheduler (bounded join).
//  3. Close the memory store.
//  4. Flush the logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pbjustin/arcanos/internal/actionplan"
	"github.com/pbjustin/arcanos/internal/adapters"
	"github.com/pbjustin/arcanos/internal/audit"
	"github.com/pbjustin/arcanos/internal/backendclient"
	"github.com/pbjustin/arcanos/internal/config"
	"github.com/pbjustin/arcanos/internal/debugserver"
	"github.com/pbjustin/arcanos/internal/execpipeline"
	"github.com/pbjustin/arcanos/internal/governance"
	"github.com/pbjustin/arcanos/internal/idempotency"
	"github.com/pbjustin/arcanos/internal/memstore"
	"github.com/pbjustin/arcanos/internal/observability"
	"github.com/pbjustin/arcanos/internal/orchestrator"
	"github.com/pbjustin/arcanos/internal/scheduler"
	"github.com/pbjustin/arcanos/internal/telemetry"
	"github.com/pbjustin/arcanos/internal/trust"
	"golang.org/x/oauth2"
)

func main() {
	baseDir := flag.String("base-dir", ".", "Project/install directory used to locate the primary dot-env file")
	yamlOverlay := flag.String("config", "", "Optional YAML overlay path for structured defaults")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("arcanosd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*baseDir, *yamlOverlay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("ARCANOS starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Bool("backend_configured", cfg.BackendConfigured()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := telemetry.NewProvider("arcanosd", config.Version)
	if err != nil {
		log.Warn("tracing provider init failed; continuing without spans", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	store, err := memstore.Open(filepath.Join(cfg.MemoryDir, "arcanos.db"))
	if err != nil {
		log.Fatal("memstore open failed", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck
	log.Info("memstore opened", zap.String("dir", cfg.MemoryDir))

	sink := audit.New(log, true)

	trustStore := trust.New(cfg.BackendConfigured(), cfg.RegistryCacheTTL, log, sink.Record)
	gate := governance.New()
	guard := idempotency.New(idempotency.DefaultWindow)
	pipeline := execpipeline.New(trustStore, gate, guard, sink)

	// oauth2.StaticTokenSource wraps the configured backend token behind the
	// standard TokenSource interface; tokenBox lets the credential-refresh
	// adapter (spec.md §4.11) swap in a freshly re-read token at runtime
	// without touching backendclient's TokenProvider contract.
	tokenBox := newTokenBox(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BackendToken}))
	backend := backendclient.New(cfg.BackendURL, cfg.BackendRequestTimeout, func() string {
		tok, err := tokenBox.Token()
		if err != nil {
			return cfg.BackendToken
		}
		return tok.AccessToken
	}, log, sink.Record)

	// credentialRefresh re-reads BACKEND_TOKEN from the environment and
	// installs it as the active token source. It is idempotent: re-reading
	// the same value is a no-op in effect even if invoked more than once
	// per turn.
	credentialRefresh := func(ctx context.Context) error {
		fresh, ferr := config.Load(*baseDir, *yamlOverlay)
		if ferr != nil {
			return ferr
		}
		tokenBox.Reuse(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: fresh.BackendToken}))
		return nil
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))

	llm := adapters.NewAnthropicLLM(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-sonnet-latest")
	terminal := adapters.NewStdioTerminal()

	orch := orchestrator.New(orchestrator.Dependencies{
		Config: cfg, Logger: log,
		LLM: llm, Terminal: terminal, Memory: store,
		Backend: backend, Trust: trustStore, Pipeline: pipeline, Metrics: metrics, Sink: sink,
		CredentialRefresh: credentialRefresh,
	})

	if err := orch.LoadInstanceID(ctx, func() string { return uuid.NewString() }); err != nil {
		log.Fatal("instance id load failed", zap.Error(err))
	}
	log.Info("instance identity loaded", zap.String("instance_id", orch.InstanceID()))

	plans := actionplan.New(pipeline, backend, orch.InstanceID(),
		func(prompt string) bool { return orch.Confirm(ctx, prompt, false) },
		terminal.Print,
		func(command string) error { _, err := orch.Run(ctx, command); return err },
		func() string { return uuid.NewString() },
		sink, log,
	)

	if cfg.BackendConfigured() {
		trustStore.RefreshRegistry(func() (map[string]any, error) {
			return backend.Registry(ctx)
		})
	}

	sched := scheduler.New(backend, cfg, "arcanosd", orch.InstanceID(), commandHandler(orch, plans, log), log)
	if sched.Start(ctx) {
		log.Info("scheduler started")
	}
	defer sched.Stop()

	if cfg.DebugServerEnabled {
		dbg := debugserver.New(debugserver.Config{
			Addr: cfg.DebugServerAddr, Token: cfg.DebugServerToken,
			AllowUnauthenticated: cfg.DebugServerAllowUnauthenticated,
			RateLimitPerMinute:   cfg.DebugRateLimitPerMin,
		}, log,
			orch.Status, orch.Activity, func(limit int) []map[string]any { return orch.ChatLog(ctx, limit) },
			func(ctx context.Context, message, routeOverride string) (map[string]any, error) {
				// The debug transport is loopback-only but never gets to
				// auto-approve a sensitive-action confirmation (scenario S6).
				reply, err := orch.HandleTurn(ctx, message, routeOverride, true)
				if err != nil {
					return nil, err
				}
				return map[string]any{"reply": reply}, nil
			},
			func(ctx context.Context, command string) (map[string]any, error) { return orch.Run(ctx, command) },
			func(ctx context.Context, useCamera bool) (map[string]any, error) { return orch.See(ctx, useCamera) },
			orch.InstanceID,
		)
		go func() {
			if err := dbg.ListenAndServe(ctx); err != nil {
				log.Error("debug server error", zap.Error(err))
			}
		}()
		log.Info("debug server started", zap.String("addr", cfg.DebugServerAddr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("ARCANOS shutdown complete")
}

// commandHandler routes a polled backend command by name to the
// orchestrator or the ActionPlan executor, matching cli_daemon.py's
// per-command dispatch in process_pending_commands.
func commandHandler(orch *orchestrator.Orchestrator, plans *actionplan.Executor, log *zap.Logger) scheduler.CommandHandler {
	return func(ctx context.Context, cmd backendclient.Command) error {
		switch cmd.Name {
		case "ping", "get_status", "get_stats":
			return nil
		case "action_plan":
			return plans.Handle(ctx, cmd.Payload)
		case "run":
			command, _ := cmd.Payload["command"].(string)
			if strings.TrimSpace(command) == "" {
				return fmt.Errorf("run command requires a non-empty payload.command")
			}
			_, err := orch.Run(ctx, command)
			return err
		case "see":
			useCamera, _ := cmd.Payload["camera"].(bool)
			_, err := orch.See(ctx, useCamera)
			return err
		case "notify":
			message, _ := cmd.Payload["message"].(string)
			orch.Notify(message)
			return nil
		default:
			log.Warn("unknown command kind", zap.String("kind", cmd.Name))
			return fmt.Errorf("unknown command kind %q", cmd.Name)
		}
	}
}

// tokenBox is a mutex-guarded, swappable oauth2.TokenSource. It lets the
// credential-refresh adapter install a freshly re-read token at runtime
// while backendclient keeps reading through a single stable TokenSource.
type tokenBox struct {
	mu     sync.Mutex
	source oauth2.TokenSource
}

func newTokenBox(initial oauth2.TokenSource) *tokenBox {
	return &tokenBox{source: oauth2.ReuseTokenSource(nil, initial)}
}

func (b *tokenBox) Token() (*oauth2.Token, error) {
	b.mu.Lock()
	source := b.source
	b.mu.Unlock()
	return source.Token()
}

// Reuse installs a new underlying TokenSource, wrapped so repeated Token
// calls reuse the same token until it is swapped again.
func (b *tokenBox) Reuse(source oauth2.TokenSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = oauth2.ReuseTokenSource(nil, source)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
