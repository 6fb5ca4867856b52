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

// Package intake builds support cases. The email path and the web
// submission path both go through Service.Create, so classification,
// similar-case retrieval and assignment are applied the same way whichever
// channel a request arrived on.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/assignment"
	"github.com/anant-lad/EasyMyTicket/internal/attachments"
	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/llm"
	"github.com/anant-lad/EasyMyTicket/internal/models"
	"github.com/anant-lad/EasyMyTicket/internal/notify"
)

// ErrTicketNotFound is returned when a ticket number does not exist.
var ErrTicketNotFound = errors.New("ticket not found")

const (
	SourceEmail = "Email"
	SourceWeb   = "Web"

	// DefaultStatus is used when the classifier does not supply one.
	DefaultStatus = "TO DO"
	// ClosedStatus is set by Resolve.
	ClosedStatus = "Closed"
)

// Analyzer is the language-model collaborator.
type Analyzer interface {
	ExtractMetadata(ctx context.Context, title, description string) (*llm.Metadata, error)
	Classify(ctx context.Context, title, description string, md *llm.Metadata, similar []models.SimilarCase) (*models.Classification, error)
	SuggestResolution(ctx context.Context, title, description string, similar []models.SimilarCase) (string, error)
}

// SimilarFinder returns historical cases comparable to a new one.
type SimilarFinder interface {
	Find(ctx context.Context, title, description string) ([]models.SimilarCase, error)
}

// Assigner selects and records responders.
type Assigner interface {
	Select(ctx context.Context, req assignment.Request) (*assignment.Decision, error)
	Commit(ctx context.Context, q db.Querier, ticketNumber string, d *assignment.Decision) error
	ReleaseTx(ctx context.Context, q db.Querier, ticketNumber string) error
}

// AttachmentSaver stores attachment blobs.
type AttachmentSaver interface {
	Save(ctx context.Context, ticketNumber string, att models.Attachment) (*attachments.Stored, error)
}

// Publisher emits ticket events.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// TxHook runs first inside the transaction that persists a case or reply,
// with the number of the ticket being written. The agent uses it to insert
// the message checkpoint; returning an error rolls everything back.
type TxHook func(ctx context.Context, q db.Querier, ticketNumber string) error

// Case is a request for a new ticket.
type Case struct {
	Title       string
	Description string
	Account     models.Account
	CompanyID   string
	Source      string
	Attachments []models.Attachment
}

// Reply is a follow-up message for an existing ticket.
type Reply struct {
	TicketNumber string
	SenderID     string
	SenderMail   string
	Subject      string
	Body         string
}

// Result describes a created ticket.
type Result struct {
	Ticket       models.Ticket        `json:"ticket"`
	Assignment   *assignment.Decision `json:"assignment,omitempty"`
	SimilarCount int                  `json:"similar_count"`
	Attachments  []attachments.Stored `json:"attachments,omitempty"`
}

// Config holds the dependencies of a Service. Analyzer, Similar, Saver and
// Publisher may be nil; the corresponding step is then skipped.
type Config struct {
	Repository Repository
	Transactor db.Transactor
	Assigner   Assigner
	Analyzer   Analyzer
	Similar    SimilarFinder
	Saver      AttachmentSaver
	Publisher  Publisher
	// StepTimeout bounds each language-model and retrieval step.
	StepTimeout time.Duration
}

// Service builds and persists cases.
type Service struct {
	repo        Repository
	tx          db.Transactor
	assigner    Assigner
	analyzer    Analyzer
	similar     SimilarFinder
	saver       AttachmentSaver
	publisher   Publisher
	stepTimeout time.Duration

	mu         sync.Mutex
	lastNumber string
	now        func() time.Time
}

// NewService creates an intake service.
func NewService(cfg Config) *Service {
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		repo:        cfg.Repository,
		tx:          cfg.Transactor,
		assigner:    cfg.Assigner,
		analyzer:    cfg.Analyzer,
		similar:     cfg.Similar,
		saver:       cfg.Saver,
		publisher:   cfg.Publisher,
		stepTimeout: timeout,
		now:         time.Now,
	}
}

// Create runs the case pipeline: metadata, similar cases, classification,
// suggested resolution and responder selection all degrade on failure. The
// hook, the ticket row and the assignment commit share one transaction;
// attachments, context and notifications follow it and also degrade.
func (s *Service) Create(ctx context.Context, c Case, hook TxHook) (*Result, error) {
	ticket := models.Ticket{
		TicketNumber: s.nextNumber(),
		Title:        c.Title,
		Description:  c.Description,
		UserID:       c.Account.UserID,
		CompanyID:    c.CompanyID,
		Source:       c.Source,
		Status:       DefaultStatus,
		CreatedAt:    s.now().UTC(),
	}
	log := slog.With("ticket_number", ticket.TicketNumber, "source", c.Source)

	md := s.extractMetadata(ctx, log, c)
	similar := s.findSimilar(ctx, log, c)

	if cls := s.classify(ctx, log, c, md, similar); cls != nil {
		ticket.Classification = *cls
		if cls.Status != "" {
			ticket.Status = cls.Status
		}
	}
	ticket.Resolution = s.suggestResolution(ctx, log, c, similar)

	decision, err := s.assigner.Select(ctx, assignment.Request{
		TicketNumber:   ticket.TicketNumber,
		Title:          c.Title,
		Description:    c.Description,
		Classification: ticket.Classification,
	})
	if err != nil {
		log.Warn("responder selection failed, ticket left unassigned", "error", err)
		decision = nil
	}

	err = s.tx.InTx(ctx, func(q db.Querier) error {
		if hook != nil {
			if err := hook(ctx, q, ticket.TicketNumber); err != nil {
				return err
			}
		}
		if err := s.repo.InsertTicket(ctx, q, &ticket); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
		if decision == nil {
			return nil
		}
		err := db.Savepoint(ctx, q, "assign", func(q db.Querier) error {
			return s.assigner.Commit(ctx, q, ticket.TicketNumber, decision)
		})
		if err != nil {
			log.Warn("assignment commit failed, ticket left unassigned", "tech_id", decision.TechID, "error", err)
			decision = nil
			return nil
		}
		ticket.AssignedTechID = decision.TechID
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Ticket: ticket, Assignment: decision, SimilarCount: len(similar)}
	res.Attachments = s.saveAttachments(ctx, log, ticket.TicketNumber, c.Attachments)
	s.saveContext(ctx, log, ticket.TicketNumber, md, similar)

	s.publish(ctx, log, notify.Event{
		Type:         notify.EventTicketCreated,
		TicketNumber: ticket.TicketNumber,
		Recipient:    c.Account.UserMail,
		Subject:      ticket.Title,
	})
	if decision != nil {
		s.publish(ctx, log, notify.Event{
			Type:         notify.EventTicketAssigned,
			TicketNumber: ticket.TicketNumber,
			TechID:       decision.TechID,
			Subject:      ticket.Title,
		})
	}

	log.Info("ticket created",
		"user_id", ticket.UserID,
		"issue_type", ticket.IssueType,
		"priority", ticket.Priority,
		"tech_id", ticket.AssignedTechID,
		"similar", len(similar),
	)
	return res, nil
}

// AppendReply records a follow-up message on an existing ticket and bumps its
// last-activity time. hook runs first in the same transaction.
func (s *Service) AppendReply(ctx context.Context, r Reply, hook TxHook) error {
	err := s.tx.InTx(ctx, func(q db.Querier) error {
		if hook != nil {
			if err := hook(ctx, q, r.TicketNumber); err != nil {
				return err
			}
		}
		if err := s.repo.InsertCommunication(ctx, q, Communication{
			TicketNumber: r.TicketNumber,
			SenderType:   "user",
			SenderID:     r.SenderID,
			Text:         ReplyText(r.Subject, r.Body),
		}); err != nil {
			return fmt.Errorf("insert communication: %w", err)
		}
		if err := s.repo.TouchTicket(ctx, q, r.TicketNumber); err != nil {
			return fmt.Errorf("touch ticket: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := slog.With("ticket_number", r.TicketNumber)
	s.publish(ctx, log, notify.Event{
		Type:         notify.EventTicketUpdated,
		TicketNumber: r.TicketNumber,
		Recipient:    r.SenderMail,
		Subject:      r.Subject,
	})
	log.Info("reply added to ticket", "sender_id", r.SenderID)
	return nil
}

// ReplyText formats an email reply as a ticket communication.
func ReplyText(subject, body string) string {
	if subject == "" {
		subject = "No Subject"
	}
	return fmt.Sprintf("[Email Reply]\nSubject: %s\n\n%s", subject, body)
}

// Resolve closes a ticket and releases its responder. A ticket without an
// open assignment is closed all the same.
func (s *Service) Resolve(ctx context.Context, ticketNumber, resolution string) error {
	err := s.tx.InTx(ctx, func(q db.Querier) error {
		if err := s.repo.CloseTicket(ctx, q, ticketNumber, resolution); err != nil {
			return err
		}
		if err := s.assigner.ReleaseTx(ctx, q, ticketNumber); err != nil && !errors.Is(err, assignment.ErrNotAssigned) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := slog.With("ticket_number", ticketNumber)
	s.publish(ctx, log, notify.Event{Type: notify.EventTicketResolved, TicketNumber: ticketNumber})
	log.Info("ticket resolved")
	return nil
}

// nextNumber returns a ticket number strictly greater than the last one
// issued by this process.
func (s *Service) nextNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	n := TicketNumber(t)
	for n <= s.lastNumber {
		t = t.Add(time.Millisecond)
		n = TicketNumber(t)
	}
	s.lastNumber = n
	return n
}

// TicketNumber formats t as T<yyyymmdd>.<hhmmss><milliseconds>.
func TicketNumber(t time.Time) string {
	return fmt.Sprintf("T%s.%s%03d", t.Format("20060102"), t.Format("150405"), t.Nanosecond()/int(time.Millisecond))
}

func (s *Service) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.stepTimeout)
}

func (s *Service) extractMetadata(ctx context.Context, log *slog.Logger, c Case) *llm.Metadata {
	if s.analyzer == nil {
		return nil
	}
	sctx, cancel := s.stepContext(ctx)
	defer cancel()
	md, err := s.analyzer.ExtractMetadata(sctx, c.Title, c.Description)
	if err != nil {
		log.Warn("metadata extraction failed", "error", err)
		return nil
	}
	return md
}

func (s *Service) findSimilar(ctx context.Context, log *slog.Logger, c Case) []models.SimilarCase {
	if s.similar == nil {
		return nil
	}
	sctx, cancel := s.stepContext(ctx)
	defer cancel()
	similar, err := s.similar.Find(sctx, c.Title, c.Description)
	if err != nil {
		log.Warn("similar case retrieval failed", "error", err)
		return nil
	}
	return similar
}

func (s *Service) classify(ctx context.Context, log *slog.Logger, c Case, md *llm.Metadata, similar []models.SimilarCase) *models.Classification {
	if s.analyzer == nil {
		return nil
	}
	sctx, cancel := s.stepContext(ctx)
	defer cancel()
	cls, err := s.analyzer.Classify(sctx, c.Title, c.Description, md, similar)
	if err != nil {
		log.Warn("classification failed, fields left unset", "error", err)
		return nil
	}
	return cls
}

func (s *Service) suggestResolution(ctx context.Context, log *slog.Logger, c Case, similar []models.SimilarCase) string {
	if s.analyzer == nil {
		return ""
	}
	sctx, cancel := s.stepContext(ctx)
	defer cancel()
	text, err := s.analyzer.SuggestResolution(sctx, c.Title, c.Description, similar)
	if err != nil {
		log.Warn("resolution suggestion failed", "error", err)
		return ""
	}
	return text
}

func (s *Service) saveAttachments(ctx context.Context, log *slog.Logger, ticketNumber string, atts []models.Attachment) []attachments.Stored {
	if s.saver == nil || len(atts) == 0 {
		return nil
	}
	var stored []attachments.Stored
	for _, att := range atts {
		st, err := s.saver.Save(ctx, ticketNumber, att)
		if err != nil {
			log.Warn("attachment skipped", "filename", att.Filename, "error", err)
			continue
		}
		if err := s.repo.InsertAttachment(ctx, nil, ticketNumber, *st); err != nil {
			log.Warn("attachment record failed", "filename", att.Filename, "error", err)
			continue
		}
		stored = append(stored, *st)
	}
	return stored
}

func (s *Service) saveContext(ctx context.Context, log *slog.Logger, ticketNumber string, md *llm.Metadata, similar []models.SimilarCase) {
	rec := ContextRecord{Metadata: md}
	if md != nil {
		rec.Summary = md.MainIssue
	}
	for _, sc := range similar {
		rec.SimilarTickets = append(rec.SimilarTickets, sc.TicketNumber)
	}
	if err := s.repo.InsertContext(ctx, nil, ticketNumber, rec); err != nil {
		log.Warn("ticket context not stored", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, ev notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warn("notification not published", "type", ev.Type, "error", err)
	}
}
