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

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anant-lad/EasyMyTicket/internal/checkpoint"
	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/intake"
	"github.com/anant-lad/EasyMyTicket/internal/mailbox"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// process settles one message. An empty Action in the returned entry means
// the message reached no terminal outcome and stays unread for a later
// cycle; the error then says why.
func (a *Agent) process(ctx context.Context, sess mailbox.Session, msg *models.InboundMessage) (ProcessedEntry, error) {
	entry := ProcessedEntry{
		MessageID: truncate(msg.MessageID, truncateLen),
		Subject:   truncate(msg.Subject, truncateLen),
	}
	log := slog.With("message_id", msg.MessageID, "thread_id", msg.ThreadID)

	exists, err := a.checkpoints.Exists(ctx, msg.MessageID)
	if err != nil {
		return entry, fmt.Errorf("check checkpoint: %w", err)
	}
	if exists {
		a.duplicate(&entry, log)
		a.consume(ctx, sess, msg, log)
		return entry, nil
	}

	if msg.ParseError != "" {
		return a.creationFailed(ctx, sess, msg, entry, fmt.Errorf("unparseable message: %s", msg.ParseError), log)
	}

	if a.lease != nil {
		ok, err := a.lease.Acquire(ctx, msg.MessageID)
		switch {
		case err != nil:
			log.Warn("in-flight lease unavailable, relying on checkpoint", "error", err)
		case !ok:
			a.duplicate(&entry, log)
			return entry, nil
		default:
			defer func() {
				if err := a.lease.Release(ctx, msg.MessageID); err != nil {
					log.Warn("in-flight lease release failed", "error", err)
				}
			}()
		}
	}

	action, ticket, err := a.route(ctx, msg, log)
	switch {
	case errors.Is(err, checkpoint.ErrDuplicate):
		a.duplicate(&entry, log)
		a.consume(ctx, sess, msg, log)
		return entry, nil
	case err != nil:
		return a.creationFailed(ctx, sess, msg, entry, err, log)
	}

	entry.Action = action
	entry.TicketNumber = ticket
	a.stats.emailsProcessed.Add(1)
	switch action {
	case models.ActionTicketCreated:
		a.stats.ticketsCreated.Add(1)
	case models.ActionTicketUpdated:
		a.stats.ticketsUpdated.Add(1)
	}
	log.Info("email processed", "action", action, "ticket_number", deref(ticket))
	a.consume(ctx, sess, msg, log)
	return entry, nil
}

// route applies the sender checks and then either folds the message into
// its thread's ticket or creates a new one. The returned action has
// already been checkpointed.
func (a *Agent) route(ctx context.Context, msg *models.InboundMessage, log *slog.Logger) (models.Action, *string, error) {
	account, err := a.directory.LookupAccount(ctx, msg.SenderAddress)
	if err != nil {
		return "", nil, fmt.Errorf("lookup sender: %w", err)
	}
	if account == nil {
		log.Info("sender not registered", "sender", msg.SenderAddress)
		return a.settle(ctx, msg, models.ActionInvalidSender)
	}

	companyID, err := a.directory.OrganizationFor(ctx, account.UserID)
	if err != nil {
		return "", nil, fmt.Errorf("lookup organization: %w", err)
	}
	if companyID == "" {
		log.Info("sender has no organization", "user_id", account.UserID)
		return a.settle(ctx, msg, models.ActionNoOrganization)
	}

	if msg.IsReply {
		existing, err := a.checkpoints.ThreadTicket(ctx, msg.ThreadID)
		if err != nil {
			return "", nil, fmt.Errorf("lookup thread ticket: %w", err)
		}
		if existing != nil {
			err := a.cases.AppendReply(ctx, intake.Reply{
				TicketNumber: *existing,
				SenderID:     account.UserID,
				SenderMail:   account.UserMail,
				Subject:      msg.Subject,
				Body:         msg.BodyText,
			}, a.checkpointHook(msg, models.ActionTicketUpdated))
			if err != nil {
				return "", nil, err
			}
			return models.ActionTicketUpdated, existing, nil
		}
		log.Info("reply to a thread without a ticket, creating new ticket")
	}

	res, err := a.cases.Create(ctx, intake.Case{
		Title:       msg.Subject,
		Description: description(msg),
		Account:     *account,
		CompanyID:   companyID,
		Source:      intake.SourceEmail,
		Attachments: msg.Attachments,
	}, a.checkpointHook(msg, models.ActionTicketCreated))
	if err != nil {
		return "", nil, err
	}
	n := res.Ticket.TicketNumber
	return models.ActionTicketCreated, &n, nil
}

// settle records a terminal outcome that carries no ticket.
func (a *Agent) settle(ctx context.Context, msg *models.InboundMessage, action models.Action) (models.Action, *string, error) {
	if err := a.checkpoints.Record(ctx, nil, newCheckpoint(msg, action, nil)); err != nil {
		return "", nil, err
	}
	return action, nil, nil
}

// checkpointHook writes the message's checkpoint inside the ticket
// transaction and clears any earlier failure count.
func (a *Agent) checkpointHook(msg *models.InboundMessage, action models.Action) intake.TxHook {
	return func(ctx context.Context, q db.Querier, ticketNumber string) error {
		n := ticketNumber
		if err := a.checkpoints.Record(ctx, q, newCheckpoint(msg, action, &n)); err != nil {
			return err
		}
		return a.checkpoints.ClearFailure(ctx, q, msg.MessageID)
	}
}

// creationFailed counts a failed attempt. Below the attempt limit the
// message is left unread for retry; at the limit it is dead-lettered with
// a creation_failed checkpoint and consumed.
func (a *Agent) creationFailed(ctx context.Context, sess mailbox.Session, msg *models.InboundMessage, entry ProcessedEntry, cause error, log *slog.Logger) (ProcessedEntry, error) {
	entry.Action = models.ActionCreationFailed

	attempts, err := a.checkpoints.RecordFailure(ctx, msg.MessageID, cause.Error())
	if err != nil {
		log.Error("failure ledger update failed", "error", err)
		return entry, cause
	}
	if attempts < a.maxAttempts {
		log.Warn("ticket creation failed, will retry",
			"attempt", attempts,
			"max_attempts", a.maxAttempts,
			"error", cause,
		)
		return entry, cause
	}

	err = a.checkpoints.Record(ctx, nil, newCheckpoint(msg, models.ActionCreationFailed, nil))
	if err != nil && !errors.Is(err, checkpoint.ErrDuplicate) {
		log.Error("dead-letter checkpoint failed", "error", err)
		return entry, cause
	}
	log.Error("ticket creation failed permanently, message dead-lettered",
		"attempts", attempts,
		"error", cause,
	)
	a.stats.emailsProcessed.Add(1)
	a.consume(ctx, sess, msg, log)
	return entry, fmt.Errorf("dead-lettered after %d attempts: %w", attempts, cause)
}

func (a *Agent) duplicate(entry *ProcessedEntry, log *slog.Logger) {
	entry.Action = ActionDuplicate
	a.stats.duplicatesSkipped.Add(1)
	log.Debug("message already processed")
}

// consume marks a checkpointed message so it is not fetched again. Failure
// is harmless: the checkpoint turns the next fetch into a duplicate.
func (a *Agent) consume(ctx context.Context, sess mailbox.Session, msg *models.InboundMessage, log *slog.Logger) {
	if err := sess.MarkProcessed(ctx, msg.UID); err != nil {
		log.Warn("failed to mark message processed", "uid", msg.UID, "error", err)
	}
}

func newCheckpoint(msg *models.InboundMessage, action models.Action, ticket *string) models.Checkpoint {
	et := models.EmailTypeNew
	if msg.IsReply {
		et = models.EmailTypeReply
	}
	return models.Checkpoint{
		MessageID:     msg.MessageID,
		ThreadID:      msg.ThreadID,
		SenderAddress: msg.SenderAddress,
		Subject:       msg.Subject,
		TicketNumber:  ticket,
		EmailType:     et,
		References:    msg.ReferenceChain,
		InReplyTo:     msg.InReplyTo,
		ActionTaken:   action,
	}
}

func description(msg *models.InboundMessage) string {
	if body := strings.TrimSpace(msg.BodyText); body != "" {
		return body
	}
	return msg.Subject
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
