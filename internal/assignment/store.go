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

package assignment

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

// Store is the Postgres-backed Repository.
type Store struct {
	db db.Querier
}

// NewStore creates an assignment store and ensures its tables exist.
func NewStore(ctx context.Context, q db.Querier) (*Store, error) {
	s := &Store{db: q}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure assignment schema: %w", err)
	}
	slog.Info("assignment store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS technician_data (
			tech_id             VARCHAR(100) PRIMARY KEY,
			tech_name           VARCHAR(255) NOT NULL,
			tech_mail           VARCHAR(255) UNIQUE NOT NULL,
			skills              TEXT,
			no_tickets_assigned INTEGER DEFAULT 0,
			solved_tickets      INTEGER DEFAULT 0,
			current_workload    INTEGER DEFAULT 0 CHECK (current_workload >= 0),
			status              VARCHAR(50) DEFAULT 'available'
		);
		CREATE TABLE IF NOT EXISTS ticket_assignments (
			id                BIGSERIAL PRIMARY KEY,
			ticket_number     VARCHAR(100) NOT NULL,
			tech_id           VARCHAR(100) NOT NULL REFERENCES technician_data(tech_id),
			assigned_at       TIMESTAMPTZ DEFAULT NOW(),
			unassigned_at     TIMESTAMPTZ,
			assignment_status VARCHAR(50) DEFAULT 'assigned',
			assignment_reason TEXT,
			skill_match_score INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_ticket_assignments_ticket ON ticket_assignments(ticket_number);
		CREATE INDEX IF NOT EXISTS idx_ticket_assignments_tech ON ticket_assignments(tech_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ticket_assignments_open
			ON ticket_assignments(ticket_number) WHERE assignment_status = 'assigned';
	`)
	return err
}

// AvailableResponders returns responders whose status is available or wfh,
// lightest workload first.
func (s *Store) AvailableResponders(ctx context.Context) ([]models.Responder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tech_id, tech_name, tech_mail, COALESCE(skills, ''),
		       COALESCE(current_workload, 0), COALESCE(solved_tickets, 0),
		       COALESCE(status, 'available')
		FROM technician_data
		WHERE status IN ('available', 'wfh')
		ORDER BY current_workload ASC, tech_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Responder
	for rows.Next() {
		var r models.Responder
		var status string
		if err := rows.Scan(&r.TechID, &r.Name, &r.Mail, &r.Skills,
			&r.CurrentWorkload, &r.SolvedCount, &status); err != nil {
			return nil, err
		}
		r.Availability = models.Availability(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenAssignment returns the assigned-state row of a ticket, or nil.
func (s *Store) OpenAssignment(ctx context.Context, q db.Querier, ticketNumber string) (*models.AssignmentRecord, error) {
	row := s.querier(q).QueryRow(ctx, `
		SELECT id, ticket_number, tech_id, assigned_at, unassigned_at,
		       assignment_status, COALESCE(assignment_reason, ''), COALESCE(skill_match_score, 0)
		FROM ticket_assignments
		WHERE ticket_number = $1 AND assignment_status = 'assigned'
		ORDER BY assigned_at DESC
		LIMIT 1
	`, ticketNumber)

	var r models.AssignmentRecord
	var status string
	err := row.Scan(&r.ID, &r.TicketNumber, &r.TechID, &r.AssignedAt, &r.UnassignedAt,
		&status, &r.AssignmentReason, &r.SkillMatchScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.AssignmentStatus = models.AssignmentStatus(status)
	return &r, nil
}

// InsertAssignment appends a history row.
func (s *Store) InsertAssignment(ctx context.Context, q db.Querier, rec models.AssignmentRecord) error {
	_, err := s.querier(q).Exec(ctx, `
		INSERT INTO ticket_assignments
			(ticket_number, tech_id, assigned_at, assignment_status, assignment_reason, skill_match_score)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.TicketNumber, rec.TechID, rec.AssignedAt, string(rec.AssignmentStatus),
		rec.AssignmentReason, rec.SkillMatchScore)
	return err
}

// IncrementWorkload bumps the responder's counters in a single statement.
func (s *Store) IncrementWorkload(ctx context.Context, q db.Querier, techID string) error {
	tag, err := s.querier(q).Exec(ctx, `
		UPDATE technician_data
		SET current_workload    = COALESCE(current_workload, 0) + 1,
		    no_tickets_assigned = COALESCE(no_tickets_assigned, 0) + 1
		WHERE tech_id = $1
	`, techID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("responder %s not found", techID)
	}
	return nil
}

// SetTicketTech records the responder on the ticket row.
func (s *Store) SetTicketTech(ctx context.Context, q db.Querier, ticketNumber, techID string) error {
	_, err := s.querier(q).Exec(ctx, `
		UPDATE new_tickets SET assigned_tech_id = $1 WHERE ticketnumber = $2
	`, techID, ticketNumber)
	return err
}

// ReleaseWorkload decrements the workload (never below zero) and counts a solve.
func (s *Store) ReleaseWorkload(ctx context.Context, q db.Querier, techID string) error {
	_, err := s.querier(q).Exec(ctx, `
		UPDATE technician_data
		SET current_workload = GREATEST(COALESCE(current_workload, 0) - 1, 0),
		    solved_tickets   = COALESCE(solved_tickets, 0) + 1
		WHERE tech_id = $1
	`, techID)
	return err
}

// ResolveAssignment closes an open history row.
func (s *Store) ResolveAssignment(ctx context.Context, q db.Querier, id int64, at time.Time) error {
	_, err := s.querier(q).Exec(ctx, `
		UPDATE ticket_assignments
		SET assignment_status = 'resolved', unassigned_at = $1
		WHERE id = $2 AND assignment_status = 'assigned'
	`, at, id)
	return err
}

// History returns every assignment row of a ticket, newest first.
func (s *Store) History(ctx context.Context, ticketNumber string) ([]models.AssignmentRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ta.id, ta.ticket_number, ta.tech_id, COALESCE(td.tech_name, ''),
		       ta.assigned_at, ta.unassigned_at, ta.assignment_status,
		       COALESCE(ta.assignment_reason, ''), COALESCE(ta.skill_match_score, 0)
		FROM ticket_assignments ta
		LEFT JOIN technician_data td ON ta.tech_id = td.tech_id
		WHERE ta.ticket_number = $1
		ORDER BY ta.assigned_at DESC
	`, ticketNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AssignmentRecord
	for rows.Next() {
		var r models.AssignmentRecord
		var status string
		if err := rows.Scan(&r.ID, &r.TicketNumber, &r.TechID, &r.TechName,
			&r.AssignedAt, &r.UnassignedAt, &status,
			&r.AssignmentReason, &r.SkillMatchScore); err != nil {
			return nil, err
		}
		r.AssignmentStatus = models.AssignmentStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// querier prefers the caller's transaction over the store's pool.
func (s *Store) querier(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return s.db
}
