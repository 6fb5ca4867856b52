// Copyright (c) 2026 John Earle
//
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

// EasyMyTicket: ticketing service
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis and ensures the schema
//  3. Builds the assignment engine, similarity retriever and intake service
//  4. Serves the agent and ticket control endpoints
//  5. Optionally starts the email ingestion agent
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/anant-lad/EasyMyTicket/internal/agent"
	"github.com/anant-lad/EasyMyTicket/internal/app"
	"github.com/anant-lad/EasyMyTicket/internal/config"
	"github.com/anant-lad/EasyMyTicket/internal/control"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	slog.Info("starting EasyMyTicket service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"mailbox", cfg.Mailbox.Host,
		"poll_interval", cfg.Agent.PollInterval,
		"auto_start", cfg.Agent.AutoStart,
		"attachments", cfg.Attachments.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Control server ---
	ready, serveErr, err := control.Serve(ctx, cfg.Port, a.Handler().Routes())
	if err != nil {
		return err
	}
	<-ready

	if cfg.Agent.AutoStart {
		if err := a.Agent.Start(ctx); err != nil {
			slog.Warn("email agent auto-start failed", "error", err)
		}
	}

	// --- Graceful Shutdown ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err, ok := <-serveErr; ok {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		if err := a.Agent.Stop(); err != nil && !errors.Is(err, agent.ErrNotRunning) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
