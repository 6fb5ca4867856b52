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

// EasyMyTicket: single poll command
//
// Runs one ingestion cycle against the configured mailbox and prints the
// poll result as JSON. With --threads it lists conversations instead.
//
// Usage:
//
//	go run ./cmd/pollonce/ [--threads 20]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/app"
	"github.com/anant-lad/EasyMyTicket/internal/config"
)

func main() {
	// Logs go to stderr so stdout carries only the JSON result.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	threadsFlag := flag.Int("threads", 0, "List the N most recent threads instead of polling")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "Upper bound for the whole run")
	flag.Parse()

	if *threadsFlag < 0 {
		fmt.Fprintf(os.Stderr, "Error: --threads must not be negative\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	err = run(ctx, cfg, *threadsFlag)
	cancel()
	if err != nil {
		slog.Error("pollonce failed", "error", err)
		os.Exit(1)
	}
}

// run executes the command and writes its JSON result to stdout.
func run(ctx context.Context, cfg *config.Config, threads int) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialise: %w", err)
	}
	defer a.Close()

	var out any
	if threads > 0 {
		list, err := a.Agent.Threads(ctx, threads)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		out = list
	} else {
		res, err := a.Agent.PollOnce(ctx)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		slog.Info("poll complete",
			"emails_found", res.EmailsFound,
			"processed", len(res.Processed),
			"errors", len(res.Errors),
		)
		out = res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
