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

package checkpoint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// --- Mock querier ---

type execCall struct {
	sql  string
	args []any
}

type mockQuerier struct {
	execTag  string
	execErr  error
	execs    []execCall
	row      *mockRow
	queryErr error
	queryArg []any
}

func (m *mockQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	if m.execErr != nil {
		return pgconn.CommandTag{}, m.execErr
	}
	return pgconn.NewCommandTag(m.execTag), nil
}

func (m *mockQuerier) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	m.queryArg = args
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return nil, errors.New("no rows configured")
}

func (m *mockQuerier) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if m.row == nil {
		return &mockRow{err: pgx.ErrNoRows}
	}
	return m.row
}

type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *int:
			*p = r.values[i].(int)
		}
	}
	return nil
}

func sampleCheckpoint() models.Checkpoint {
	ticket := "T20260102.030405123"
	return models.Checkpoint{
		MessageID:     "abc@example.com",
		ThreadID:      "root@example.com",
		SenderAddress: "user@example.com",
		Subject:       "Printer broken",
		TicketNumber:  &ticket,
		EmailType:     models.EmailTypeNew,
		ActionTaken:   models.ActionTicketCreated,
		ProcessedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// --- Tests ---

func TestRecord_Inserted(t *testing.T) {
	q := &mockQuerier{execTag: "INSERT 0 1"}
	s := NewStore(q)

	if err := s.Record(context.Background(), nil, sampleCheckpoint()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.execs) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(q.execs))
	}
	call := q.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (message_id) DO NOTHING") {
		t.Error("insert must not fail on an existing message_id")
	}
	if call.args[0] != "abc@example.com" {
		t.Errorf("message_id arg = %v", call.args[0])
	}
	if refs, ok := call.args[6].([]string); !ok || refs == nil {
		t.Errorf("references arg = %#v, want non-nil []string", call.args[6])
	}
}

func TestRecord_ConflictIsDuplicate(t *testing.T) {
	q := &mockQuerier{execTag: "INSERT 0 0"}
	s := NewStore(q)

	err := s.Record(context.Background(), nil, sampleCheckpoint())
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestRecord_UniqueViolationIsDuplicate(t *testing.T) {
	q := &mockQuerier{execErr: &pgconn.PgError{Code: "23505"}}
	s := NewStore(q)

	err := s.Record(context.Background(), nil, sampleCheckpoint())
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestRecord_OtherErrorWrapped(t *testing.T) {
	q := &mockQuerier{execErr: errors.New("connection reset")}
	s := NewStore(q)

	err := s.Record(context.Background(), nil, sampleCheckpoint())
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want a non-duplicate error", err)
	}
}

func TestRecord_UsesGivenQuerier(t *testing.T) {
	base := &mockQuerier{execTag: "INSERT 0 1"}
	tx := &mockQuerier{execTag: "INSERT 0 1"}
	s := NewStore(base)

	if err := s.Record(context.Background(), tx, sampleCheckpoint()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(base.execs) != 0 || len(tx.execs) != 1 {
		t.Errorf("base execs = %d, tx execs = %d; want 0 and 1", len(base.execs), len(tx.execs))
	}
}

func TestRecord_DefaultsProcessedAt(t *testing.T) {
	q := &mockQuerier{execTag: "INSERT 0 1"}
	s := NewStore(q)

	cp := sampleCheckpoint()
	cp.ProcessedAt = time.Time{}
	if err := s.Record(context.Background(), nil, cp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if at, ok := q.execs[0].args[9].(time.Time); !ok || at.IsZero() {
		t.Errorf("processed_at arg = %v, want a timestamp", q.execs[0].args[9])
	}
}

func TestThreadTicket(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s := NewStore(&mockQuerier{row: &mockRow{values: []any{"T1"}}})
		got, err := s.ThreadTicket(context.Background(), "root@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || *got != "T1" {
			t.Errorf("ticket = %v, want T1", got)
		}
	})

	t.Run("none", func(t *testing.T) {
		s := NewStore(&mockQuerier{})
		got, err := s.ThreadTicket(context.Background(), "root@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("ticket = %v, want nil", *got)
		}
	})
}

func TestRecordFailure_ReturnsAttempts(t *testing.T) {
	s := NewStore(&mockQuerier{row: &mockRow{values: []any{3}}})
	n, err := s.RecordFailure(context.Background(), "abc@example.com", "insert failed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestListThreads_DefaultLimit(t *testing.T) {
	q := &mockQuerier{queryErr: errors.New("stop")}
	s := NewStore(q)

	_, _ = s.ListThreads(context.Background(), 0)
	if len(q.queryArg) != 1 || q.queryArg[0] != DefaultThreadLimit {
		t.Errorf("limit arg = %v, want %d", q.queryArg, DefaultThreadLimit)
	}

	_, _ = s.ListThreads(context.Background(), 7)
	if q.queryArg[0] != 7 {
		t.Errorf("limit arg = %v, want 7", q.queryArg[0])
	}
}
