package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yn612/agentdeck/internal/agent"
	"github.com/yn612/agentdeck/internal/config"
	"github.com/yn612/agentdeck/internal/daemon"
	"github.com/yn612/agentdeck/internal/protocol"
	"github.com/yn612/agentdeck/internal/store"
)

func main() {
	configPath := flag.String("config", "", "YAML config path")
	socketPath := flag.String("socket", "", "override API socket path")
	dbPath := flag.String("db", "", "override sqlite path")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *socketPath != "" {
		cfg.APISocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		fatal(err)
	}

	hub := agent.NewHub(logger)
	registry := agent.NewRegistry(store.Routes{Store: st}, cfg.DefaultAgent)

	codex := agent.NewCodexAgent(agent.CodexConfig{
		Executable:     cfg.CodexExecutable,
		SocketPath:     cfg.IPCSocketPath,
		BufferLimit:    cfg.StreamBufferSize,
		ReconnectDelay: cfg.ReconnectDelay,
		Journal:        store.Journal{Store: st},
		Logger:         logger.With("agent", "codex"),
	}, hub, validator)
	opencode := agent.NewOpenCodeAgent(agent.OpenCodeConfig{
		BaseURL:      cfg.OpenCodeBaseURL,
		UnaryTimeout: cfg.RequestTimeout,
		Logger:       logger.With("agent", "opencode"),
	})
	for _, a := range []agent.Agent{codex, opencode} {
		if err := registry.Register(a); err != nil {
			fatal(err)
		}
	}
	codex.Start(ctx)
	defer codex.Stop()
	opencode.Start(ctx)
	defer opencode.Stop()

	startRetentionLoop(ctx, st, cfg, logger)

	srv := daemon.NewServer(cfg, registry, hub)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func startRetentionLoop(ctx context.Context, st *store.Store, cfg config.Config, logger *slog.Logger) {
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.TraceRetention)
		if err := st.PurgeRetention(ctx, cutoff, cfg.TraceKeepPerID); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("trace retention purge failed", "error", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "agentdeckd: %v\n", err)
	os.Exit(1)
}
