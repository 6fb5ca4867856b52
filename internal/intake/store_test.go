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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anant-lad/EasyMyTicket/internal/llm"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// scriptedQuerier answers QueryRow calls from a queue of rows and records
// Exec statements.
type scriptedQuerier struct {
	rows    []pgx.Row
	execTag string
	execs   []string
	args    [][]any
}

func (q *scriptedQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, sql)
	q.args = append(q.args, args)
	return pgconn.NewCommandTag(q.execTag), nil
}

func (q *scriptedQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (q *scriptedQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	if len(q.rows) == 0 {
		return rowFunc(func(...any) error { return pgx.ErrNoRows })
	}
	r := q.rows[0]
	q.rows = q.rows[1:]
	return r
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func stringRow(vals ...string) pgx.Row {
	return rowFunc(func(dest ...any) error {
		for i, d := range dest {
			*d.(*string) = vals[i]
		}
		return nil
	})
}

func TestStore_CloseTicketNotFound(t *testing.T) {
	q := &scriptedQuerier{execTag: "UPDATE 0"}
	s := &Store{db: q}

	if err := s.CloseTicket(context.Background(), nil, "T0", ""); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("err = %v, want ErrTicketNotFound", err)
	}

	q.execTag = "UPDATE 1"
	if err := s.CloseTicket(context.Background(), nil, "T1", "fixed"); err != nil {
		t.Errorf("CloseTicket: %v", err)
	}
}

func TestStore_GetTicket(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	q := &scriptedQuerier{rows: []pgx.Row{rowFunc(func(dest ...any) error {
		*dest[0].(*int64) = 7
		*dest[1].(*string) = "T1"
		*dest[2].(*string) = "VPN down"
		*dest[14].(*string) = "TECH1"
		*dest[15].(*time.Time) = created
		return nil
	})}}
	s := &Store{db: q}

	got, err := s.GetTicket(context.Background(), "T1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.ID != 7 || got.TicketNumber != "T1" || got.Title != "VPN down" || got.AssignedTechID != "TECH1" || !got.CreatedAt.Equal(created) {
		t.Errorf("ticket = %+v", got)
	}

	if _, err := s.GetTicket(context.Background(), "T9"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("err = %v, want ErrTicketNotFound", err)
	}
}

func TestStore_LookupAccount(t *testing.T) {
	q := &scriptedQuerier{rows: []pgx.Row{stringRow("U1", "Jane", "jane@example.com")}}
	s := &Store{db: q}

	a, err := s.LookupAccount(context.Background(), "Jane@Example.com")
	if err != nil {
		t.Fatalf("LookupAccount: %v", err)
	}
	if a == nil || a.UserID != "U1" {
		t.Errorf("account = %+v", a)
	}

	a, err = s.LookupAccount(context.Background(), "nobody@example.com")
	if err != nil || a != nil {
		t.Errorf("unknown sender = %+v, %v; want nil, nil", a, err)
	}
}

func TestStore_OrganizationFor(t *testing.T) {
	tests := []struct {
		name string
		rows []pgx.Row
		want string
	}{
		{"from latest ticket", []pgx.Row{stringRow("C7")}, "C7"},
		{"first organization", []pgx.Row{rowFunc(func(...any) error { return pgx.ErrNoRows }), stringRow("C1")}, "C1"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{db: &scriptedQuerier{rows: tt.rows}}
			got, err := s.OrganizationFor(context.Background(), "U1")
			if err != nil {
				t.Fatalf("OrganizationFor: %v", err)
			}
			if got != tt.want {
				t.Errorf("OrganizationFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore_InsertTicketBumpsRequester(t *testing.T) {
	q := &scriptedQuerier{
		execTag: "UPDATE 1",
		rows: []pgx.Row{rowFunc(func(dest ...any) error {
			*dest[0].(*int64) = 42
			return nil
		})},
	}
	s := &Store{db: q}
	tk := &models.Ticket{TicketNumber: "T1", UserID: "U1"}

	if err := s.InsertTicket(context.Background(), nil, tk); err != nil {
		t.Fatalf("InsertTicket: %v", err)
	}
	if tk.ID != 42 {
		t.Errorf("ID = %d, want 42", tk.ID)
	}
	if len(q.execs) != 1 || !strings.Contains(q.execs[0], "no_tickets_raised") {
		t.Errorf("execs = %v", q.execs)
	}
}

func TestStore_InsertContextEncodesMetadata(t *testing.T) {
	q := &scriptedQuerier{execTag: "INSERT 0 1"}
	s := &Store{db: q}

	err := s.InsertContext(context.Background(), nil, "T1", ContextRecord{
		Summary:  "vpn down",
		Metadata: &llm.Metadata{MainIssue: "vpn down"},
	})
	if err != nil {
		t.Fatalf("InsertContext: %v", err)
	}
	args := q.args[0]
	if md, ok := args[2].([]byte); !ok || !strings.Contains(string(md), `"main_issue":"vpn down"`) {
		t.Errorf("metadata arg = %v", args[2])
	}
	if similar, ok := args[3].([]string); !ok || similar == nil {
		t.Errorf("similar arg = %#v, want empty slice", args[3])
	}
}
