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

// Package agent runs the email ingestion loop. Each cycle fetches unread
// mail, settles every message on exactly one terminal outcome and records
// that outcome as a checkpoint so the message is never turned into a
// second ticket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/intake"
	"github.com/anant-lad/EasyMyTicket/internal/mailbox"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

var (
	// ErrAlreadyRunning is returned by Start when the loop is active.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrNotRunning is returned by Stop when the loop is not active.
	ErrNotRunning = errors.New("agent not running")
)

const (
	DefaultPollInterval        = 60 * time.Second
	DefaultStopTimeout         = 5 * time.Second
	DefaultMaxCreationAttempts = 3

	// ActionDuplicate is reported for messages that were already handled.
	// It is never stored as a checkpoint action.
	ActionDuplicate models.Action = "duplicate"

	truncateLen = 50
)

// Checkpoints is the durable record of processed messages.
type Checkpoints interface {
	EnsureSchema(ctx context.Context) error
	Exists(ctx context.Context, messageID string) (bool, error)
	Record(ctx context.Context, q db.Querier, cp models.Checkpoint) error
	ThreadTicket(ctx context.Context, threadID string) (*string, error)
	ListThreads(ctx context.Context, limit int) ([]models.Thread, error)
	RecordFailure(ctx context.Context, messageID, reason string) (int, error)
	ClearFailure(ctx context.Context, q db.Querier, messageID string) error
}

// Directory resolves senders to registered accounts.
type Directory interface {
	LookupAccount(ctx context.Context, email string) (*models.Account, error)
	OrganizationFor(ctx context.Context, userID string) (string, error)
}

// Cases creates tickets and appends replies.
type Cases interface {
	Create(ctx context.Context, c intake.Case, hook intake.TxHook) (*intake.Result, error)
	AppendReply(ctx context.Context, r intake.Reply, hook intake.TxHook) error
}

// Lease guards a message while one worker processes it.
type Lease interface {
	Acquire(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// Config holds the agent's collaborators and tuning.
type Config struct {
	Mailbox     mailbox.Mailbox
	Checkpoints Checkpoints
	Directory   Directory
	Cases       Cases
	// Lease is optional; the checkpoint insert alone already prevents
	// duplicate tickets.
	Lease Lease

	PollInterval        time.Duration
	StopTimeout         time.Duration
	MaxCreationAttempts int
}

// Status is a point-in-time snapshot of the agent.
type Status struct {
	Running             bool       `json:"is_running"`
	PollIntervalSeconds float64    `json:"poll_interval_seconds"`
	StartedAt           *time.Time `json:"started_at"`
	LastPollAt          *time.Time `json:"last_poll_at"`
	TotalPolls          int64      `json:"total_polls"`
	EmailsProcessed     int64      `json:"emails_processed"`
	TicketsCreated      int64      `json:"tickets_created"`
	TicketsUpdated      int64      `json:"tickets_updated"`
	DuplicatesSkipped   int64      `json:"duplicates_skipped"`
	Errors              int64      `json:"errors"`
}

// ProcessedEntry is the outcome of one message in a cycle.
type ProcessedEntry struct {
	MessageID    string        `json:"message_id"`
	Subject      string        `json:"subject"`
	Action       models.Action `json:"action"`
	TicketNumber *string       `json:"ticket_number"`
}

// PollResult describes one cycle.
type PollResult struct {
	Timestamp   time.Time        `json:"timestamp"`
	EmailsFound int              `json:"emails_found"`
	Processed   []ProcessedEntry `json:"processed"`
	Errors      []string         `json:"errors"`
}

type counters struct {
	totalPolls        atomic.Int64
	emailsProcessed   atomic.Int64
	ticketsCreated    atomic.Int64
	ticketsUpdated    atomic.Int64
	duplicatesSkipped atomic.Int64
	errors            atomic.Int64
}

// Agent polls a mailbox and turns messages into tickets.
type Agent struct {
	mailbox     mailbox.Mailbox
	checkpoints Checkpoints
	directory   Directory
	cases       Cases
	lease       Lease

	interval    time.Duration
	stopTimeout time.Duration
	maxAttempts int

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	startedAt  time.Time
	lastPollAt time.Time
	schemaOK   bool

	stats counters
	now   func() time.Time
}

// New creates an agent. It does not start the loop.
func New(cfg Config) *Agent {
	a := &Agent{
		mailbox:     cfg.Mailbox,
		checkpoints: cfg.Checkpoints,
		directory:   cfg.Directory,
		cases:       cfg.Cases,
		lease:       cfg.Lease,
		interval:    cfg.PollInterval,
		stopTimeout: cfg.StopTimeout,
		maxAttempts: cfg.MaxCreationAttempts,
		now:         time.Now,
	}
	if a.interval <= 0 {
		a.interval = DefaultPollInterval
	}
	if a.stopTimeout <= 0 {
		a.stopTimeout = DefaultStopTimeout
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxCreationAttempts
	}
	return a
}

// Start launches the polling loop. It fails fast when the agent is already
// running, when mailbox credentials are missing, or when checkpoint storage
// cannot be initialised.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}
	if err := a.mailbox.Ready(); err != nil {
		return err
	}
	if err := a.ensureSchemaLocked(ctx); err != nil {
		return err
	}

	a.running = true
	a.startedAt = a.now().UTC()
	a.stop = make(chan struct{})
	a.done = make(chan struct{})

	go a.run(a.stop, a.done)

	slog.Info("email agent started", "poll_interval", a.interval)
	return nil
}

// Stop signals the loop and waits up to the stop timeout for the current
// cycle to finish. A message already being processed is allowed to
// complete. When the wait times out Stop returns anyway.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrNotRunning
	}
	a.running = false
	close(a.stop)
	done := a.done
	a.mu.Unlock()

	timer := time.NewTimer(a.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		slog.Info("email agent stopped")
	case <-timer.C:
		slog.Warn("email agent stop timed out, cycle still in flight", "timeout", a.stopTimeout)
	}
	return nil
}

// Running reports whether the loop is active.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Status returns a snapshot of the agent's state and counters.
func (a *Agent) Status() Status {
	a.mu.Lock()
	st := Status{
		Running:             a.running,
		PollIntervalSeconds: a.interval.Seconds(),
	}
	if a.running {
		t := a.startedAt
		st.StartedAt = &t
	}
	if !a.lastPollAt.IsZero() {
		t := a.lastPollAt
		st.LastPollAt = &t
	}
	a.mu.Unlock()

	st.TotalPolls = a.stats.totalPolls.Load()
	st.EmailsProcessed = a.stats.emailsProcessed.Load()
	st.TicketsCreated = a.stats.ticketsCreated.Load()
	st.TicketsUpdated = a.stats.ticketsUpdated.Load()
	st.DuplicatesSkipped = a.stats.duplicatesSkipped.Load()
	st.Errors = a.stats.errors.Load()
	return st
}

// PollOnce runs a single cycle synchronously, independent of the loop. It
// may overlap a scheduled cycle; the checkpoint insert decides which of
// the two handles a given message.
func (a *Agent) PollOnce(ctx context.Context) (*PollResult, error) {
	if err := a.mailbox.Ready(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	err := a.ensureSchemaLocked(ctx)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.cycle(ctx, nil), nil
}

// Threads lists conversations, most recently active first.
func (a *Agent) Threads(ctx context.Context, limit int) ([]models.Thread, error) {
	return a.checkpoints.ListThreads(ctx, limit)
}

// ThreadTicket returns the ticket a conversation maps to, or nil.
func (a *Agent) ThreadTicket(ctx context.Context, threadID string) (*string, error) {
	return a.checkpoints.ThreadTicket(ctx, threadID)
}

func (a *Agent) ensureSchemaLocked(ctx context.Context) error {
	if a.schemaOK {
		return nil
	}
	if err := a.checkpoints.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	a.schemaOK = true
	return nil
}

// run is the scheduled loop. Cycles run on a context that Stop does not
// cancel so in-flight work is never cut short.
func (a *Agent) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		default:
		}

		res := a.cycle(ctx, stop)
		slog.Info("poll cycle complete",
			"emails_found", res.EmailsFound,
			"processed", len(res.Processed),
			"errors", len(res.Errors),
		)

		timer := time.NewTimer(a.interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle fetches unread mail and processes it. A non-nil stop channel is
// checked between messages.
func (a *Agent) cycle(ctx context.Context, stop <-chan struct{}) *PollResult {
	res := &PollResult{
		Timestamp: a.now().UTC(),
		Processed: []ProcessedEntry{},
		Errors:    []string{},
	}
	a.stats.totalPolls.Add(1)
	a.mu.Lock()
	a.lastPollAt = res.Timestamp
	a.mu.Unlock()

	sess, err := a.mailbox.Open(ctx)
	if err != nil {
		a.fail(res, fmt.Sprintf("mailbox connection failed: %v", err))
		return res
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Debug("mailbox close failed", "error", err)
		}
	}()

	msgs, err := sess.FetchUnread(ctx)
	if err != nil {
		a.fail(res, fmt.Sprintf("fetch unread failed: %v", err))
		return res
	}
	res.EmailsFound = len(msgs)

	for i := range msgs {
		if stopped(stop) {
			slog.Info("stop requested, leaving remaining messages for next cycle",
				"remaining", len(msgs)-i,
			)
			break
		}
		entry, err := a.process(ctx, sess, &msgs[i])
		if err != nil {
			a.fail(res, fmt.Sprintf("%s: %v", entry.MessageID, err))
		}
		if entry.Action != "" {
			res.Processed = append(res.Processed, entry)
		}
	}
	return res
}

func (a *Agent) fail(res *PollResult, msg string) {
	a.stats.errors.Add(1)
	res.Errors = append(res.Errors, msg)
	slog.Error("poll cycle error", "error", msg)
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
