package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parachute-run/parachute/internal/agent"
	"github.com/parachute-run/parachute/internal/agent/providers"
	"github.com/parachute-run/parachute/internal/auth"
	"github.com/parachute-run/parachute/internal/botconnector"
	"github.com/parachute-run/parachute/internal/config"
	"github.com/parachute-run/parachute/internal/orchestrator"
	"github.com/parachute-run/parachute/internal/pairing"
	"github.com/parachute-run/parachute/internal/sandbox"
	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/internal/stream"
	codeexec "github.com/parachute-run/parachute/internal/tools/sandbox"
	"github.com/parachute-run/parachute/internal/tools/sandbox/firecracker"
	"github.com/parachute-run/parachute/internal/web"
)

// runServe loads configuration, wires the Agent Runtime, Session Store,
// Stream Manager, Orchestrator, and optional Container Sandbox Manager
// together, and serves the HTTP/SSE API until a shutdown signal or a
// fatal server error arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("loading configuration", "path", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	runtime, err := buildLLMProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to construct LLM provider: %w", err)
	}
	logger.Info("LLM provider ready", "provider", runtime.Name())

	registry := agent.NewToolRegistry()
	if closeFirecracker, err := initFirecrackerBackend(cfg.Tools.Sandbox, logger); err != nil {
		logger.Warn("firecracker backend unavailable, execute_code tool will fall back to docker", "error", err)
	} else if closeFirecracker != nil {
		defer closeFirecracker()
	}
	codeTool, err := codeexec.NewExecutor(
		codeexec.WithBackend(codeexec.BackendFirecracker),
		codeexec.WithWorkspaceRoot(cfg.Tools.Sandbox.WorkspaceRoot),
		codeexec.WithDefaultWorkspaceAccess(workspaceAccessMode(cfg.Tools.Sandbox.WorkspaceAccess)),
	)
	if err != nil {
		logger.Warn("execute_code tool unavailable", "error", err)
	} else {
		registry.Register(codeTool)
		defer codeTool.Close()
	}
	executor := agent.NewExecutor(registry, agent.DefaultExecutorConfig())

	streams := stream.NewManager(64, 16, 5*time.Minute, logger)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithAgentRuntime(runtime, executor),
	}

	if cfg.Tools.Sandbox.Mode != "off" {
		sandboxMgr := sandbox.NewManager(cfg.VaultPath, os.Getenv("ANTHROPIC_API_KEY"), logger)
		if sandboxMgr.IsAvailable(context.Background()) {
			opts = append(opts, orchestrator.WithSandbox(sandboxMgr))
			logger.Info("container sandbox manager ready")
		} else {
			logger.Warn("sandbox mode configured but docker is unavailable, running direct only", "mode", cfg.Tools.Sandbox.Mode)
		}
	}

	orch := orchestrator.New(store, streams, orchestrator.Config{
		DefaultModel: cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel,
		RecoveryMode: orchestrator.RecoveryNewSession,
	}, opts...)

	authService := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     toAuthAPIKeys(cfg.Auth.APIKeys),
	})

	handler := web.NewHandler(web.Config{
		Orchestrator: orch,
		Store:        store,
		Auth:         authService,
		AuthMode:     cfg.Auth.Mode,
		Logger:       logger,
	})

	addr := fmtAddr(cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler.Mount(),
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pairingStore := pairing.NewStore(cfg.VaultPath)
	supervisor, err := botconnector.NewSupervisor(cfg, orch, store, pairingStore, logger)
	if err != nil {
		return fmt.Errorf("failed to construct bot connector supervisor: %w", err)
	}
	if supervisor.Len() > 0 {
		go func() {
			if err := supervisor.Run(ctx); err != nil {
				logger.Error("bot connector supervisor exited", "error", err)
			}
		}()
		logger.Info("bot connector supervisor started", "channels", supervisor.Len())
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("parachute server listening", "addr", addr, "auth_mode", cfg.Auth.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if supervisor.Len() > 0 {
		if err := supervisor.Stop(shutdownCtx); err != nil {
			logger.Warn("bot connector supervisor did not stop cleanly", "error", err)
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("parachute server stopped gracefully")
	return nil
}

func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	path := strings.TrimPrefix(cfg.Database.URL, "sqlite://")
	return sessions.NewSQLiteStore(path)
}

func toAuthAPIKeys(keys []config.APIKeyConfig) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, len(keys))
	for i, k := range keys {
		out[i] = auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name}
	}
	return out
}

// initFirecrackerBackend starts a Firecracker microVM pool and registers
// it as the execute_code tool's Firecracker backend, matching how the
// tool's own NewExecutor(WithBackend(BackendFirecracker)) expects the
// backend to already be initialized. Returns a nil close func (and nil
// error) when the firecracker binary isn't on PATH, so the caller falls
// through to the tool's own Docker fallback without treating that as a
// warning-worthy error.
func initFirecrackerBackend(cfg config.SandboxConfig, logger *slog.Logger) (func(), error) {
	if _, err := exec.LookPath("firecracker"); err != nil {
		return nil, nil
	}

	fcConfig := firecracker.DefaultBackendConfig()
	fcConfig.NetworkEnabled = cfg.NetworkEnabled
	if cfg.PoolSize > 0 {
		fcConfig.PoolConfig.InitialSize = cfg.PoolSize
	}

	backend, err := firecracker.NewBackend(fcConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := backend.Start(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	codeexec.InitFirecrackerBackend(backend)
	logger.Info("firecracker backend ready")
	return func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close firecracker backend", "error", err)
		}
	}, nil
}

// workspaceAccessMode maps the YAML-facing sandbox workspace access
// setting onto the execute_code tool's mount mode, defaulting to
// read-only for anything unrecognized.
func workspaceAccessMode(mode string) codeexec.WorkspaceAccessMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "readwrite", "rw":
		return codeexec.WorkspaceReadWrite
	case "none":
		return codeexec.WorkspaceNone
	default:
		return codeexec.WorkspaceReadOnly
	}
}

// buildLLMProvider constructs the Agent Runtime's Anthropic LLMProvider
// from the configured default provider entry.
func buildLLMProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	if name == "" {
		return nil, fmt.Errorf("llm.default_provider is required")
	}
	provCfg, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("llm.providers has no entry for default provider %q", name)
	}

	if name != "anthropic" {
		return nil, fmt.Errorf("unsupported llm provider %q", name)
	}
	return providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       provCfg.APIKey,
		DefaultModel: provCfg.DefaultModel,
	})
}
