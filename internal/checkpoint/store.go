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

// Package checkpoint provides the Postgres-backed record of every inbound
// message that has been processed, the conversation it belongs to, and the
// ticket it produced. It also keeps a small ledger of ticket-creation
// failures so that a permanently broken message can be dead-lettered.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// ErrDuplicate is returned by Record when the message_id already has a checkpoint.
var ErrDuplicate = errors.New("message already checkpointed")

// DefaultThreadLimit is used by ListThreads when no positive limit is given.
const DefaultThreadLimit = 50

// Store reads and writes email checkpoints.
type Store struct {
	db db.Querier
}

// NewStore creates a checkpoint store. The schema is created by EnsureSchema,
// which the ingestion agent calls when it starts.
func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

// EnsureSchema creates the checkpoint and failure tables if they are absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_checkpoints (
			id             BIGSERIAL PRIMARY KEY,
			message_id     TEXT NOT NULL UNIQUE,
			thread_id      TEXT NOT NULL,
			sender_email   TEXT NOT NULL DEFAULT '',
			subject        TEXT NOT NULL DEFAULT '',
			ticket_number  TEXT,
			email_type     TEXT NOT NULL,
			reference_ids  TEXT[] NOT NULL DEFAULT '{}',
			in_reply_to    TEXT NOT NULL DEFAULT '',
			action_taken   TEXT NOT NULL,
			processed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON email_checkpoints(thread_id, processed_at);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_ticket ON email_checkpoints(ticket_number);

		CREATE TABLE IF NOT EXISTS email_failures (
			message_id      TEXT PRIMARY KEY,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			first_failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_failed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	slog.Info("checkpoint schema ready")
	return nil
}

// Exists reports whether messageID already has a checkpoint.
func (s *Store) Exists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM email_checkpoints WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check checkpoint: %w", err)
	}
	return exists, nil
}

// Record inserts cp through q, or through the store's own handle when q is
// nil. It returns ErrDuplicate when another writer already checkpointed the
// same message_id; callers running inside a transaction must roll back on it.
func (s *Store) Record(ctx context.Context, q db.Querier, cp models.Checkpoint) error {
	if q == nil {
		q = s.db
	}
	if cp.ProcessedAt.IsZero() {
		cp.ProcessedAt = time.Now().UTC()
	}
	refs := cp.References
	if refs == nil {
		refs = []string{}
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO email_checkpoints
			(message_id, thread_id, sender_email, subject, ticket_number,
			 email_type, reference_ids, in_reply_to, action_taken, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO NOTHING
	`, cp.MessageID, cp.ThreadID, cp.SenderAddress, cp.Subject, cp.TicketNumber,
		string(cp.EmailType), refs, cp.InReplyTo, string(cp.ActionTaken), cp.ProcessedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// ThreadTicket returns the ticket of the earliest-processed checkpoint in the
// thread that has one, or nil.
func (s *Store) ThreadTicket(ctx context.Context, threadID string) (*string, error) {
	var ticket string
	err := s.db.QueryRow(ctx, `
		SELECT ticket_number
		FROM email_checkpoints
		WHERE thread_id = $1 AND ticket_number IS NOT NULL
		ORDER BY processed_at ASC, id ASC
		LIMIT 1
	`, threadID).Scan(&ticket)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup thread ticket: %w", err)
	}
	return &ticket, nil
}

// ListThreads groups checkpoints by thread, most recently active first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]models.Thread, error) {
	if limit <= 0 {
		limit = DefaultThreadLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT thread_id,
		       MIN(processed_at),
		       MAX(processed_at),
		       COUNT(*),
		       MAX(ticket_number),
		       MIN(subject)
		FROM email_checkpoints
		GROUP BY thread_id
		ORDER BY MAX(processed_at) DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ThreadID, &t.FirstEmailAt, &t.LastEmailAt,
			&t.EmailCount, &t.TicketNumber, &t.Subject); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// RecordFailure bumps the creation-failure counter of messageID and returns
// the number of attempts so far.
func (s *Store) RecordFailure(ctx context.Context, messageID, reason string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		INSERT INTO email_failures (message_id, attempts, last_error)
		VALUES ($1, 1, $2)
		ON CONFLICT (message_id) DO UPDATE SET
			attempts       = email_failures.attempts + 1,
			last_error     = EXCLUDED.last_error,
			last_failed_at = NOW()
		RETURNING attempts
	`, messageID, reason).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return attempts, nil
}

// ClearFailure drops the failure ledger entry of messageID once it has been
// processed successfully.
func (s *Store) ClearFailure(ctx context.Context, q db.Querier, messageID string) error {
	if q == nil {
		q = s.db
	}
	if _, err := q.Exec(ctx, `DELETE FROM email_failures WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("clear failure: %w", err)
	}
	return nil
}
