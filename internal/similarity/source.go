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

package similarity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// PGSource reads historical tickets from the closed, resolved and new
// ticket tables.
type PGSource struct {
	db db.Querier
}

// NewPGSource creates a case source.
func NewPGSource(q db.Querier) *PGSource {
	return &PGSource{db: q}
}

// Candidates returns the newest tickets across all three tables.
func (s *PGSource) Candidates(ctx context.Context, limit int) ([]models.SimilarCase, error) {
	rows, err := s.db.Query(ctx, `
		(SELECT ticketnumber, COALESCE(title, ''), COALESCE(description, ''),
		        COALESCE(issuetype::text, ''), COALESCE(subissuetype::text, ''), COALESCE(ticketcategory::text, ''),
		        COALESCE(tickettype::text, ''), COALESCE(priority::text, ''), COALESCE(resolution, ''),
		        'closed' AS source_table, createdate
		 FROM closed_tickets
		 WHERE title IS NOT NULL OR description IS NOT NULL)
		UNION ALL
		(SELECT ticketnumber, COALESCE(title, ''), COALESCE(description, ''),
		        COALESCE(issuetype::text, ''), COALESCE(subissuetype::text, ''), COALESCE(ticketcategory::text, ''),
		        COALESCE(tickettype::text, ''), COALESCE(priority::text, ''), COALESCE(resolution, ''),
		        'resolved' AS source_table, createdate
		 FROM resolved_tickets
		 WHERE title IS NOT NULL OR description IS NOT NULL)
		UNION ALL
		(SELECT ticketnumber, COALESCE(title, ''), COALESCE(description, ''),
		        COALESCE(issuetype::text, ''), COALESCE(subissuetype::text, ''), COALESCE(ticketcategory::text, ''),
		        COALESCE(tickettype::text, ''), COALESCE(priority::text, ''), COALESCE(resolution, ''),
		        'new' AS source_table, createdate
		 FROM new_tickets
		 WHERE title IS NOT NULL OR description IS NOT NULL)
		ORDER BY createdate DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidate tickets: %w", err)
	}
	defer rows.Close()
	return collectCases(rows, true)
}

// RecentClosed returns the newest closed tickets.
func (s *PGSource) RecentClosed(ctx context.Context, limit int) ([]models.SimilarCase, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ticketnumber, COALESCE(title, ''), COALESCE(description, ''),
		       COALESCE(resolution, ''), 'closed' AS source_table
		FROM closed_tickets
		ORDER BY createdate DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent closed tickets: %w", err)
	}
	defer rows.Close()
	return collectCases(rows, false)
}

func collectCases(rows pgx.Rows, full bool) ([]models.SimilarCase, error) {
	cases := []models.SimilarCase{}
	for rows.Next() {
		var c models.SimilarCase
		var err error
		if full {
			var created any
			err = rows.Scan(&c.TicketNumber, &c.Title, &c.Description,
				&c.IssueType, &c.SubIssueType, &c.Category,
				&c.TicketType, &c.Priority, &c.Resolution, &c.SourceTable, &created)
		} else {
			err = rows.Scan(&c.TicketNumber, &c.Title, &c.Description, &c.Resolution, &c.SourceTable)
		}
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
