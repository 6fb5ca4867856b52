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

// Package app assembles the service's components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/anant-lad/EasyMyTicket/internal/agent"
	"github.com/anant-lad/EasyMyTicket/internal/assignment"
	"github.com/anant-lad/EasyMyTicket/internal/attachments"
	"github.com/anant-lad/EasyMyTicket/internal/checkpoint"
	"github.com/anant-lad/EasyMyTicket/internal/config"
	"github.com/anant-lad/EasyMyTicket/internal/control"
	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/dedup"
	"github.com/anant-lad/EasyMyTicket/internal/intake"
	"github.com/anant-lad/EasyMyTicket/internal/llm"
	"github.com/anant-lad/EasyMyTicket/internal/mailbox"
	"github.com/anant-lad/EasyMyTicket/internal/notify"
	"github.com/anant-lad/EasyMyTicket/internal/similarity"
	"github.com/anant-lad/EasyMyTicket/internal/skills"
)

// App holds the wired components.
type App struct {
	Agent   *agent.Agent
	Intake  *intake.Service
	Engine  *assignment.Engine
	Tickets *intake.Store
	Checks  map[string]control.CheckFunc

	closers []func()
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Handler builds the control endpoints over the app's components.
func (a *App) Handler() *control.Handler {
	return control.NewHandler(control.HandlerConfig{
		Agent:     a.Agent,
		Tickets:   a.Intake,
		Directory: a.Tickets,
		History:   a.Engine,
		Checks:    a.Checks,
	})
}

// New connects to PostgreSQL and Redis, ensures the schema and builds every
// component. On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	a.closers = append(a.closers, pgPool.Close)

	if err := pgPool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")
	pool := db.NewPool(pgPool)

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.closers = append(a.closers, func() { _ = rdb.Close() })

	publisher := notify.NewPublisher(rdb, cfg.NotificationsQueue)
	if err := publisher.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")

	a.Checks = map[string]control.CheckFunc{
		"postgres": pgPool.Ping,
		"redis":    publisher.Ping,
	}

	// --- Stores ---
	assignStore, err := assignment.NewStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	if a.Tickets, err = intake.NewStore(ctx, pool); err != nil {
		return nil, err
	}
	checkpoints := checkpoint.NewStore(pool)
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure checkpoint schema: %w", err)
	}

	// --- Assignment Engine ---
	a.Engine = assignment.NewEngine(assignment.EngineConfig{
		Catalog:    skills.Default().Merge(cfg.Skills),
		Repository: assignStore,
		Transactor: pool,
	})

	// --- Language model + similarity ---
	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		ChatModel:      cfg.LLM.ClassificationModel,
		MetadataModel:  cfg.LLM.MetadataModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
		MaxRetries:     cfg.LLM.MaxRetries,
	})
	retriever := similarity.NewRetriever(
		llmClient,
		similarity.NewPGSource(pool),
		similarity.NewRedisCache(rdb, cfg.LLM.EmbeddingModel, cfg.Similarity.CacheTTL),
		similarity.Config{
			Limit:     cfg.Similarity.Limit,
			Threshold: cfg.Similarity.Threshold,
			BatchSize: cfg.Similarity.BatchSize,
		},
	)

	// --- Attachment storage ---
	blobs, err := a.openBlobs(ctx, cfg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("open attachment storage: %w", err)
	}

	// --- Intake ---
	a.Intake = intake.NewService(intake.Config{
		Repository:  a.Tickets,
		Transactor:  pool,
		Assigner:    a.Engine,
		Analyzer:    llmClient,
		Similar:     retriever,
		Saver:       attachments.NewSaver(blobs, cfg.Attachments.MaxSize),
		Publisher:   publisher,
		StepTimeout: cfg.Agent.ClassifyTimeout,
	})

	// --- Email agent ---
	a.Agent = agent.New(agent.Config{
		Mailbox:             mailbox.NewIMAP(MailboxConfig(cfg.Mailbox)),
		Checkpoints:         checkpoints,
		Directory:           a.Tickets,
		Cases:               a.Intake,
		Lease:               dedup.NewLease(rdb, cfg.Agent.LeaseTTL),
		PollInterval:        cfg.Agent.PollInterval,
		StopTimeout:         cfg.Agent.StopTimeout,
		MaxCreationAttempts: cfg.Agent.MaxCreationAttempts,
	})

	return a, nil
}

func (a *App) openBlobs(ctx context.Context, cfg config.AttachmentsConfig) (attachments.Blobs, error) {
	if cfg.Backend == "gcs" {
		gcs, err := attachments.NewGCSBlobs(ctx, attachments.GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
			EmulatorHost:    cfg.EmulatorHost,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = gcs.Close() })
		slog.Info("attachments stored in GCS", "bucket", cfg.Bucket)
		return gcs, nil
	}

	local, err := attachments.NewLocalBlobs(cfg.Directory)
	if err != nil {
		return nil, err
	}
	slog.Info("attachments stored on local disk", "directory", cfg.Directory)
	return local, nil
}

// MailboxConfig maps the configured mailbox onto the IMAP client's settings.
// OAuth is used when a client ID is present.
func MailboxConfig(m config.MailboxConfig) mailbox.Config {
	mc := mailbox.Config{
		Host:            m.Host,
		Port:            m.Port,
		UseSSL:          m.UseSSL,
		Username:        m.Username,
		Password:        m.Password,
		Folder:          m.Folder,
		ProcessedFolder: m.ProcessedFolder,
		Timeout:         m.Timeout,
	}
	if m.OAuthClientID != "" {
		mc.OAuth = &mailbox.OAuthConfig{
			ClientID:     m.OAuthClientID,
			ClientSecret: m.OAuthClientSecret,
			TokenURL:     m.OAuthTokenURL,
			Scopes:       m.OAuthScopes,
		}
	}
	return mc
}
