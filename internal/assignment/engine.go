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

// Package assignment allocates each new ticket to exactly one available
// responder. Candidates are scored on skill match, a lexical reranker is
// used when nobody clears the skill threshold, and ties go to the lighter
// workload. Decisions are recorded in an append-only history and the
// responder's workload counter is moved atomically in storage.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/models"
	"github.com/anant-lad/EasyMyTicket/internal/skills"
)

var (
	// ErrAlreadyAssigned is returned when a ticket already has an open assignment.
	ErrAlreadyAssigned = errors.New("ticket already has an open assignment")
	// ErrNotAssigned is returned when releasing a ticket with no open assignment.
	ErrNotAssigned = errors.New("ticket has no open assignment")
)

// Repository is the storage the engine needs. Mutations take a Querier so
// they can join the caller's transaction.
type Repository interface {
	AvailableResponders(ctx context.Context) ([]models.Responder, error)
	OpenAssignment(ctx context.Context, q db.Querier, ticketNumber string) (*models.AssignmentRecord, error)
	InsertAssignment(ctx context.Context, q db.Querier, rec models.AssignmentRecord) error
	IncrementWorkload(ctx context.Context, q db.Querier, techID string) error
	SetTicketTech(ctx context.Context, q db.Querier, ticketNumber, techID string) error
	ReleaseWorkload(ctx context.Context, q db.Querier, techID string) error
	ResolveAssignment(ctx context.Context, q db.Querier, id int64, at time.Time) error
	History(ctx context.Context, ticketNumber string) ([]models.AssignmentRecord, error)
}

// Request is the ticket content and classification an assignment is based on.
type Request struct {
	TicketNumber   string
	Title          string
	Description    string
	Classification models.Classification
}

// Decision is the selected responder and the score basis for the choice.
type Decision struct {
	TechID         string
	TechName       string
	Score          int
	Workload       int
	Reason         string
	Fallback       bool
	RequiredSkills []string
}

// candidate is a responder with its score for the current request.
type candidate struct {
	responder models.Responder
	score     int
}

// Engine selects responders and records assignments.
type Engine struct {
	catalog skills.Catalog
	repo    Repository
	tx      db.Transactor
	now     func() time.Time
}

// EngineConfig holds the dependencies of an Engine.
type EngineConfig struct {
	Catalog    skills.Catalog
	Repository Repository
	Transactor db.Transactor
}

// NewEngine creates an assignment engine.
func NewEngine(cfg EngineConfig) *Engine {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = skills.Default()
	}
	return &Engine{
		catalog: catalog,
		repo:    cfg.Repository,
		tx:      cfg.Transactor,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Select picks the best available responder for req without recording
// anything. It returns nil and no error when nobody is available.
func (e *Engine) Select(ctx context.Context, req Request) (*Decision, error) {
	required := e.catalog.Required(req.Classification.IssueType, req.Classification.Priority)

	responders, err := e.repo.AvailableResponders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load available responders: %w", err)
	}

	pool := make([]models.Responder, 0, len(responders))
	for _, r := range responders {
		if r.Availability.Assignable() {
			pool = append(pool, r)
		}
	}

	if len(pool) == 0 {
		slog.Warn("no available responders", "ticket_number", req.TicketNumber)
		return nil, nil
	}

	ranked, fallback := rank(req, required, pool)
	if len(ranked) == 0 {
		return nil, nil
	}

	best := ranked[0]
	reason := fmt.Sprintf("Skill score: %d, Workload: %d", best.score, best.responder.CurrentWorkload)
	if fallback {
		reason = "Fallback rerank. " + reason
	}

	slog.Info("responder selected",
		"ticket_number", req.TicketNumber,
		"tech_id", best.responder.TechID,
		"score", best.score,
		"workload", best.responder.CurrentWorkload,
		"fallback", fallback,
		"required_skills", strings.Join(required, ", "),
	)

	return &Decision{
		TechID:         best.responder.TechID,
		TechName:       best.responder.Name,
		Score:          best.score,
		Workload:       best.responder.CurrentWorkload,
		Reason:         reason,
		Fallback:       fallback,
		RequiredSkills: required,
	}, nil
}

// rank scores the pool and returns the surviving candidates in selection
// order, and whether the lexical fallback produced them.
func rank(req Request, required []string, pool []models.Responder) ([]candidate, bool) {
	var primary []candidate
	for _, r := range pool {
		if s := SkillScore(required, r.Skills); s > skillThreshold {
			primary = append(primary, candidate{responder: r, score: s})
		}
	}
	if len(primary) > 0 {
		sortCandidates(primary)
		return primary, false
	}

	text := req.Title + " " + req.Description
	reranked := make([]candidate, 0, len(pool))
	for _, r := range pool {
		reranked = append(reranked, candidate{
			responder: r,
			score:     LexicalOverlapScore(text, r.Skills, required),
		})
	}
	sortCandidates(reranked)
	if len(reranked) > fallbackKeep {
		reranked = reranked[:fallbackKeep]
	}
	return reranked, true
}

// sortCandidates orders by score descending, then workload ascending, then
// tech_id so the result never depends on input order.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if cs[i].responder.CurrentWorkload != cs[j].responder.CurrentWorkload {
			return cs[i].responder.CurrentWorkload < cs[j].responder.CurrentWorkload
		}
		return cs[i].responder.TechID < cs[j].responder.TechID
	})
}

// Commit records d against ticketNumber inside q: an assignment history row,
// an atomic workload increment, and the ticket's assigned_tech_id.
func (e *Engine) Commit(ctx context.Context, q db.Querier, ticketNumber string, d *Decision) error {
	if d == nil {
		return nil
	}
	if ticketNumber == "" {
		return fmt.Errorf("commit assignment: empty ticket number")
	}

	open, err := e.repo.OpenAssignment(ctx, q, ticketNumber)
	if err != nil {
		return fmt.Errorf("check open assignment: %w", err)
	}
	if open != nil {
		return ErrAlreadyAssigned
	}

	rec := models.AssignmentRecord{
		TicketNumber:     ticketNumber,
		TechID:           d.TechID,
		AssignedAt:       e.now(),
		AssignmentStatus: models.AssignmentAssigned,
		AssignmentReason: d.Reason,
		SkillMatchScore:  clamp(d.Score),
	}
	if err := e.repo.InsertAssignment(ctx, q, rec); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAlreadyAssigned
		}
		return fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.repo.IncrementWorkload(ctx, q, d.TechID); err != nil {
		return fmt.Errorf("increment workload: %w", err)
	}
	if err := e.repo.SetTicketTech(ctx, q, ticketNumber, d.TechID); err != nil {
		return fmt.Errorf("set ticket responder: %w", err)
	}
	return nil
}

// Assign selects a responder for req and commits the decision in its own
// transaction. A nil decision with no error means nobody was available.
func (e *Engine) Assign(ctx context.Context, req Request) (*Decision, error) {
	d, err := e.Select(ctx, req)
	if err != nil || d == nil {
		return nil, err
	}
	if err := e.tx.InTx(ctx, func(q db.Querier) error {
		return e.Commit(ctx, q, req.TicketNumber, d)
	}); err != nil {
		return nil, err
	}
	return d, nil
}

// ReleaseTx frees the responder holding ticketNumber: workload is decremented
// (floored at zero), solved_count incremented, and the open history row
// transitions to resolved.
func (e *Engine) ReleaseTx(ctx context.Context, q db.Querier, ticketNumber string) error {
	open, err := e.repo.OpenAssignment(ctx, q, ticketNumber)
	if err != nil {
		return fmt.Errorf("load open assignment: %w", err)
	}
	if open == nil {
		return ErrNotAssigned
	}
	if err := e.repo.ReleaseWorkload(ctx, q, open.TechID); err != nil {
		return fmt.Errorf("release workload: %w", err)
	}
	if err := e.repo.ResolveAssignment(ctx, q, open.ID, e.now()); err != nil {
		return fmt.Errorf("resolve assignment: %w", err)
	}

	slog.Info("assignment released",
		"ticket_number", ticketNumber,
		"tech_id", open.TechID,
	)
	return nil
}

// Release runs ReleaseTx in its own transaction.
func (e *Engine) Release(ctx context.Context, ticketNumber string) error {
	return e.tx.InTx(ctx, func(q db.Querier) error {
		return e.ReleaseTx(ctx, q, ticketNumber)
	})
}

// History returns the assignment rows of a ticket, newest first.
func (e *Engine) History(ctx context.Context, ticketNumber string) ([]models.AssignmentRecord, error) {
	return e.repo.History(ctx, ticketNumber)
}
