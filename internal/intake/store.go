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

package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/anant-lad/EasyMyTicket/internal/attachments"
	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/llm"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// Communication is a message appended to a ticket's conversation.
type Communication struct {
	TicketNumber string
	SenderType   string
	SenderID     string
	Text         string
}

// ContextRecord is the derived context stored alongside a new ticket.
type ContextRecord struct {
	Summary        string
	Metadata       *llm.Metadata
	SimilarTickets []string
}

// Repository is the ticket storage the Service writes through. Mutations
// take a Querier so they can join the caller's transaction; nil means the
// repository's own connection.
type Repository interface {
	InsertTicket(ctx context.Context, q db.Querier, t *models.Ticket) error
	InsertCommunication(ctx context.Context, q db.Querier, c Communication) error
	TouchTicket(ctx context.Context, q db.Querier, ticketNumber string) error
	InsertAttachment(ctx context.Context, q db.Querier, ticketNumber string, st attachments.Stored) error
	InsertContext(ctx context.Context, q db.Querier, ticketNumber string, rec ContextRecord) error
	CloseTicket(ctx context.Context, q db.Querier, ticketNumber, resolution string) error
}

// Store is the Postgres-backed Repository. It also answers the sender
// directory lookups used by the email path.
type Store struct {
	db db.Querier
}

// NewStore creates a ticket store and ensures its tables exist.
func NewStore(ctx context.Context, q db.Querier) (*Store, error) {
	s := &Store{db: q}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ticket schema: %w", err)
	}
	slog.Info("ticket store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS new_tickets (
			id                SERIAL PRIMARY KEY,
			ticketnumber      VARCHAR(100) UNIQUE NOT NULL,
			title             TEXT,
			description       TEXT,
			user_id           VARCHAR(100),
			companyid         VARCHAR(100),
			source            VARCHAR(50),
			status            VARCHAR(50),
			issuetype         VARCHAR(100),
			subissuetype      VARCHAR(100),
			ticketcategory    VARCHAR(100),
			tickettype        VARCHAR(100),
			priority          VARCHAR(50),
			resolution        TEXT,
			assigned_tech_id  VARCHAR(100),
			createdate        TIMESTAMPTZ DEFAULT NOW(),
			lastactivitydate  TIMESTAMPTZ DEFAULT NOW(),
			resolveddatetime  TIMESTAMPTZ,
			completeddate     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_new_tickets_user ON new_tickets(user_id, createdate);

		CREATE TABLE IF NOT EXISTS closed_tickets (
			id               SERIAL PRIMARY KEY,
			ticketnumber     VARCHAR(100) UNIQUE,
			title            TEXT,
			description      TEXT,
			companyid        VARCHAR(100),
			status           VARCHAR(50),
			issuetype        VARCHAR(100),
			subissuetype     VARCHAR(100),
			ticketcategory   VARCHAR(100),
			tickettype       VARCHAR(100),
			priority         VARCHAR(50),
			resolution       TEXT,
			createdate       TIMESTAMPTZ,
			resolveddatetime TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS resolved_tickets (LIKE closed_tickets INCLUDING ALL);

		CREATE TABLE IF NOT EXISTS user_data (
			user_id               VARCHAR(100) PRIMARY KEY,
			user_name             VARCHAR(255) NOT NULL,
			user_mail             VARCHAR(255) UNIQUE NOT NULL,
			no_tickets_raised     INTEGER DEFAULT 0,
			current_raised_ticket VARCHAR(100)
		);
		CREATE TABLE IF NOT EXISTS organizations (
			companyid     VARCHAR(100) PRIMARY KEY,
			company_name  VARCHAR(255),
			company_email VARCHAR(255),
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ticket_communications (
			id            BIGSERIAL PRIMARY KEY,
			ticket_number VARCHAR(100) NOT NULL,
			sender_type   VARCHAR(20) NOT NULL,
			sender_id     VARCHAR(100) NOT NULL,
			message_text  TEXT NOT NULL,
			message_type  VARCHAR(20) DEFAULT 'text',
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ticket_comms_ticket ON ticket_communications(ticket_number);

		CREATE TABLE IF NOT EXISTS ticket_attachments (
			id               BIGSERIAL PRIMARY KEY,
			ticket_number    VARCHAR(100) NOT NULL,
			file_name        TEXT NOT NULL,
			content_type     VARCHAR(255),
			file_size        BIGINT,
			storage_location TEXT NOT NULL,
			uploaded_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS tickets_context (
			id              BIGSERIAL PRIMARY KEY,
			ticket_number   VARCHAR(100) UNIQUE NOT NULL,
			context_summary TEXT,
			metadata        JSONB,
			similar_tickets TEXT[],
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func (s *Store) querier(q db.Querier) db.Querier {
	if q == nil {
		return s.db
	}
	return q
}

// InsertTicket writes t and sets its ID. The requester's ticket counter is
// bumped in the same statement batch.
func (s *Store) InsertTicket(ctx context.Context, q db.Querier, t *models.Ticket) error {
	q = s.querier(q)
	err := q.QueryRow(ctx, `
		INSERT INTO new_tickets
			(ticketnumber, title, description, user_id, companyid, source, status,
			 issuetype, subissuetype, ticketcategory, tickettype, priority,
			 resolution, createdate, lastactivitydate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING id
	`, t.TicketNumber, t.Title, t.Description, t.UserID, t.CompanyID, t.Source, t.Status,
		nullable(t.IssueType), nullable(t.SubIssueType), nullable(t.Category),
		nullable(t.TicketType), nullable(t.Priority), nullable(t.Resolution), t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return err
	}

	if t.UserID != "" {
		if _, err := q.Exec(ctx, `
			UPDATE user_data
			SET no_tickets_raised = COALESCE(no_tickets_raised, 0) + 1,
			    current_raised_ticket = $2
			WHERE user_id = $1
		`, t.UserID, t.TicketNumber); err != nil {
			return fmt.Errorf("update requester: %w", err)
		}
	}
	return nil
}

// InsertCommunication appends a message to a ticket's conversation.
func (s *Store) InsertCommunication(ctx context.Context, q db.Querier, c Communication) error {
	_, err := s.querier(q).Exec(ctx, `
		INSERT INTO ticket_communications
			(ticket_number, sender_type, sender_id, message_text, message_type)
		VALUES ($1, $2, $3, $4, 'text')
	`, c.TicketNumber, c.SenderType, c.SenderID, c.Text)
	return err
}

// TouchTicket sets the ticket's last-activity time to now.
func (s *Store) TouchTicket(ctx context.Context, q db.Querier, ticketNumber string) error {
	_, err := s.querier(q).Exec(ctx, `
		UPDATE new_tickets SET lastactivitydate = NOW() WHERE ticketnumber = $1
	`, ticketNumber)
	return err
}

// InsertAttachment records a stored attachment.
func (s *Store) InsertAttachment(ctx context.Context, q db.Querier, ticketNumber string, st attachments.Stored) error {
	_, err := s.querier(q).Exec(ctx, `
		INSERT INTO ticket_attachments
			(ticket_number, file_name, content_type, file_size, storage_location)
		VALUES ($1, $2, $3, $4, $5)
	`, ticketNumber, st.Filename, st.ContentType, st.Size, st.Location)
	return err
}

// InsertContext stores the derived context of a ticket.
func (s *Store) InsertContext(ctx context.Context, q db.Querier, ticketNumber string, rec ContextRecord) error {
	var md []byte
	if rec.Metadata != nil {
		var err error
		if md, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	similar := rec.SimilarTickets
	if similar == nil {
		similar = []string{}
	}
	_, err := s.querier(q).Exec(ctx, `
		INSERT INTO tickets_context (ticket_number, context_summary, metadata, similar_tickets)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticket_number) DO NOTHING
	`, ticketNumber, rec.Summary, md, similar)
	return err
}

// CloseTicket marks a ticket closed. It returns ErrTicketNotFound when no
// row matches.
func (s *Store) CloseTicket(ctx context.Context, q db.Querier, ticketNumber, resolution string) error {
	tag, err := s.querier(q).Exec(ctx, `
		UPDATE new_tickets
		SET status = $2,
		    resolution = COALESCE(NULLIF($3, ''), resolution),
		    resolveddatetime = NOW(),
		    completeddate = NOW(),
		    lastactivitydate = NOW()
		WHERE ticketnumber = $1
	`, ticketNumber, ClosedStatus, resolution)
	if err != nil {
		return fmt.Errorf("close ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// GetTicket loads a ticket by number.
func (s *Store) GetTicket(ctx context.Context, ticketNumber string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.QueryRow(ctx, `
		SELECT id, ticketnumber, COALESCE(title, ''), COALESCE(description, ''),
		       COALESCE(user_id, ''), COALESCE(companyid, ''), COALESCE(source, ''),
		       COALESCE(status, ''), COALESCE(issuetype, ''), COALESCE(subissuetype, ''),
		       COALESCE(ticketcategory, ''), COALESCE(tickettype, ''), COALESCE(priority, ''),
		       COALESCE(resolution, ''), COALESCE(assigned_tech_id, ''), createdate
		FROM new_tickets
		WHERE ticketnumber = $1
	`, ticketNumber).Scan(&t.ID, &t.TicketNumber, &t.Title, &t.Description,
		&t.UserID, &t.CompanyID, &t.Source,
		&t.Status, &t.IssueType, &t.SubIssueType,
		&t.Category, &t.TicketType, &t.Priority,
		&t.Resolution, &t.AssignedTechID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &t, nil
}

// LookupAccount finds the registered requester for an email address. It
// returns nil when the address is unknown.
func (s *Store) LookupAccount(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRow(ctx, `
		SELECT user_id, user_name, user_mail
		FROM user_data
		WHERE LOWER(user_mail) = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&a.UserID, &a.UserName, &a.UserMail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return &a, nil
}

// OrganizationFor returns the organization a requester's tickets belong to:
// the company of their most recent ticket, else the first registered
// organization. It returns "" when neither exists.
func (s *Store) OrganizationFor(ctx context.Context, userID string) (string, error) {
	var companyID string
	err := s.db.QueryRow(ctx, `
		SELECT companyid
		FROM new_tickets
		WHERE user_id = $1 AND companyid IS NOT NULL AND companyid <> ''
		ORDER BY createdate DESC
		LIMIT 1
	`, userID).Scan(&companyID)
	if err == nil {
		return companyID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("lookup user organization: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT companyid FROM organizations ORDER BY companyid LIMIT 1
	`).Scan(&companyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup default organization: %w", err)
	}
	return companyID, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
