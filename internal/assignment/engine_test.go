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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/db"
	"github.com/anant-lad/EasyMyTicket/internal/models"
	"github.com/anant-lad/EasyMyTicket/internal/skills"
)

// --- Mock repository ---

type mockRepo struct {
	mu          sync.Mutex
	responders  map[string]*models.Responder
	assignments []models.AssignmentRecord
	ticketTech  map[string]string
	nextID      int64
	loadErr     error
}

func newMockRepo(rs ...models.Responder) *mockRepo {
	m := &mockRepo{
		responders: make(map[string]*models.Responder),
		ticketTech: make(map[string]string),
	}
	for i := range rs {
		r := rs[i]
		m.responders[r.TechID] = &r
	}
	return m
}

func (m *mockRepo) AvailableResponders(_ context.Context) ([]models.Responder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []models.Responder
	for _, r := range m.responders {
		if r.Availability.Assignable() {
			out = append(out, *r)
		}
	}
	// Map iteration order is random; the engine must not depend on it.
	return out, nil
}

func (m *mockRepo) OpenAssignment(_ context.Context, _ db.Querier, ticketNumber string) (*models.AssignmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.assignments) - 1; i >= 0; i-- {
		a := m.assignments[i]
		if a.TicketNumber == ticketNumber && a.AssignmentStatus == models.AssignmentAssigned {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) InsertAssignment(_ context.Context, _ db.Querier, rec models.AssignmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.assignments = append(m.assignments, rec)
	return nil
}

func (m *mockRepo) IncrementWorkload(_ context.Context, _ db.Querier, techID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[techID]
	if !ok {
		return errors.New("responder not found")
	}
	r.CurrentWorkload++
	return nil
}

func (m *mockRepo) SetTicketTech(_ context.Context, _ db.Querier, ticketNumber, techID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticketTech[ticketNumber] = techID
	return nil
}

func (m *mockRepo) ReleaseWorkload(_ context.Context, _ db.Querier, techID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.responders[techID]
	if r.CurrentWorkload > 0 {
		r.CurrentWorkload--
	}
	r.SolvedCount++
	return nil
}

func (m *mockRepo) ResolveAssignment(_ context.Context, _ db.Querier, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.assignments {
		if m.assignments[i].ID == id {
			m.assignments[i].AssignmentStatus = models.AssignmentResolved
			m.assignments[i].UnassignedAt = &at
		}
	}
	return nil
}

func (m *mockRepo) History(_ context.Context, ticketNumber string) ([]models.AssignmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AssignmentRecord
	for _, a := range m.assignments {
		if a.TicketNumber == ticketNumber {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *mockRepo) workload(techID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responders[techID].CurrentWorkload
}

// mockTx runs the function without a real transaction.
type mockTx struct{}

func (mockTx) InTx(_ context.Context, fn func(q db.Querier) error) error { return fn(nil) }

// --- Test helpers ---

func responder(id, skills string, workload int, availability models.Availability) models.Responder {
	return models.Responder{
		TechID:          id,
		Name:            "Tech " + id,
		Skills:          skills,
		CurrentWorkload: workload,
		Availability:    availability,
	}
}

func newTestEngine(catalog skills.Catalog, repo *mockRepo) *Engine {
	e := NewEngine(EngineConfig{Catalog: catalog, Repository: repo, Transactor: mockTx{}})
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

var networkCatalog = skills.Catalog{"net": {"network"}}

// TestSelect_TieBreaksOnWorkload verifies that equal skill scores go to the
// responder with the lower workload.
func TestSelect_TieBreaksOnWorkload(t *testing.T) {
	repo := newMockRepo(
		responder("A", "network, vpn", 2, models.AvailabilityAvailable),
		responder("B", "network", 0, models.AvailabilityAvailable),
	)
	e := newTestEngine(networkCatalog, repo)

	d, err := e.Select(context.Background(), Request{
		TicketNumber:   "T1",
		Classification: models.Classification{IssueType: "net"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.TechID != "B" {
		t.Errorf("TechID = %q, want B", d.TechID)
	}
	if d.Score != 70 {
		t.Errorf("Score = %d, want 70", d.Score)
	}
	if d.Fallback {
		t.Error("expected primary scoring, got fallback")
	}
}

// TestSelect_PrefersHigherScore verifies score dominates workload.
func TestSelect_PrefersHigherScore(t *testing.T) {
	repo := newMockRepo(
		responder("light", "printers", 0, models.AvailabilityAvailable),
		responder("expert", "network, vpn, remote access", 9, models.AvailabilityWFH),
	)
	e := newTestEngine(skills.Default(), repo)

	d, err := e.Select(context.Background(), Request{
		Title:          "VPN will not connect",
		Classification: models.Classification{IssueType: "6"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || d.TechID != "expert" {
		t.Fatalf("decision = %+v, want expert", d)
	}
	if d.Score != 70 {
		t.Errorf("Score = %d, want 70", d.Score)
	}
}

// TestSelect_Deterministic verifies repeated selection returns the same responder.
func TestSelect_Deterministic(t *testing.T) {
	repo := newMockRepo(
		responder("c", "network", 1, models.AvailabilityAvailable),
		responder("a", "network", 1, models.AvailabilityAvailable),
		responder("b", "network", 1, models.AvailabilityWFH),
	)
	e := newTestEngine(networkCatalog, repo)
	req := Request{Classification: models.Classification{IssueType: "net"}}

	for i := 0; i < 20; i++ {
		d, err := e.Select(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.TechID != "a" {
			t.Fatalf("iteration %d: TechID = %q, want a", i, d.TechID)
		}
	}
}

// TestSelect_FallbackWithoutKeywords verifies a responder is still chosen
// when the catalog yields nothing.
func TestSelect_FallbackWithoutKeywords(t *testing.T) {
	repo := newMockRepo(
		responder("X", "printer hardware", 3, models.AvailabilityAvailable),
		responder("Y", "", 0, models.AvailabilityAvailable),
	)
	e := newTestEngine(skills.Default(), repo)

	d, err := e.Select(context.Background(), Request{
		Title:          "Printer jam",
		Classification: models.Classification{IssueType: "unknown"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a decision from fallback")
	}
	if !d.Fallback {
		t.Error("expected fallback decision")
	}
	if d.TechID != "X" || d.Score != 30 {
		t.Errorf("decision = %s/%d, want X/30", d.TechID, d.Score)
	}
}

// TestSelect_FallbackBelowThreshold verifies the reranker runs when skill
// scores exist but none clears the threshold.
func TestSelect_FallbackBelowThreshold(t *testing.T) {
	repo := newMockRepo(
		responder("P", "cloud backup", 4, models.AvailabilityAvailable),
		responder("Q", "accounting", 1, models.AvailabilityAvailable),
	)
	e := newTestEngine(skills.Catalog{"13": {"Backup Management"}}, repo)

	d, err := e.Select(context.Background(), Request{
		Title:          "Nightly job failed",
		Classification: models.Classification{IssueType: "13"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || !d.Fallback {
		t.Fatalf("decision = %+v, want fallback", d)
	}
	// Both score the floor of 20; Q has the lighter workload.
	if d.TechID != "Q" {
		t.Errorf("TechID = %q, want Q", d.TechID)
	}
}

// TestSelect_SkipsUnavailable verifies only available/wfh responders compete.
func TestSelect_SkipsUnavailable(t *testing.T) {
	repo := newMockRepo(
		responder("leave", "network", 0, models.AvailabilityOnLeave),
		responder("away", "network", 0, models.AvailabilityAway),
		responder("home", "printers", 5, models.AvailabilityWFH),
	)
	e := newTestEngine(networkCatalog, repo)

	d, err := e.Select(context.Background(), Request{Classification: models.Classification{IssueType: "net"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || d.TechID != "home" {
		t.Fatalf("decision = %+v, want home", d)
	}
}

// TestSelect_NoResponders verifies an empty pool is a valid, non-error outcome.
func TestSelect_NoResponders(t *testing.T) {
	repo := newMockRepo(responder("off", "network", 0, models.AvailabilityOffline))
	e := newTestEngine(networkCatalog, repo)

	d, err := e.Select(context.Background(), Request{Classification: models.Classification{IssueType: "net"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != nil {
		t.Errorf("expected no decision, got %+v", d)
	}
}

// TestSelect_LoadError verifies storage errors are returned.
func TestSelect_LoadError(t *testing.T) {
	repo := newMockRepo()
	repo.loadErr = errors.New("connection refused")
	e := newTestEngine(networkCatalog, repo)

	if _, err := e.Select(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
}

// TestRank_FallbackKeepsTopFive verifies the reranker truncates its list.
func TestRank_FallbackKeepsTopFive(t *testing.T) {
	var pool []models.Responder
	for i, id := range []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7"} {
		pool = append(pool, responder(id, "", 7-i, models.AvailabilityAvailable))
	}

	ranked, fallback := rank(Request{Title: "anything"}, nil, pool)
	if !fallback {
		t.Fatal("expected fallback")
	}
	if len(ranked) != 5 {
		t.Fatalf("len(ranked) = %d, want 5", len(ranked))
	}
	if ranked[0].responder.TechID != "r7" {
		t.Errorf("first = %q, want r7 (workload 1)", ranked[0].responder.TechID)
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i-1].responder.CurrentWorkload > ranked[i].responder.CurrentWorkload {
			t.Errorf("ranked not ordered by workload at %d", i)
		}
	}
}

// TestAssign_CommitsDecision verifies the history row, workload, and ticket update.
func TestAssign_CommitsDecision(t *testing.T) {
	repo := newMockRepo(responder("B", "network", 0, models.AvailabilityAvailable))
	e := newTestEngine(networkCatalog, repo)

	d, err := e.Assign(context.Background(), Request{
		TicketNumber:   "T100",
		Classification: models.Classification{IssueType: "net"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || d.TechID != "B" {
		t.Fatalf("decision = %+v, want B", d)
	}

	if got := repo.workload("B"); got != 1 {
		t.Errorf("workload = %d, want 1", got)
	}
	if repo.ticketTech["T100"] != "B" {
		t.Errorf("ticket tech = %q, want B", repo.ticketTech["T100"])
	}

	hist, _ := e.History(context.Background(), "T100")
	if len(hist) != 1 {
		t.Fatalf("history rows = %d, want 1", len(hist))
	}
	rec := hist[0]
	if rec.AssignmentStatus != models.AssignmentAssigned {
		t.Errorf("status = %q, want assigned", rec.AssignmentStatus)
	}
	if rec.SkillMatchScore != 70 {
		t.Errorf("score = %d, want 70", rec.SkillMatchScore)
	}
	if rec.AssignmentReason != "Skill score: 70, Workload: 0" {
		t.Errorf("reason = %q", rec.AssignmentReason)
	}
}

// TestCommit_RejectsSecondOpenAssignment verifies one open row per ticket.
func TestCommit_RejectsSecondOpenAssignment(t *testing.T) {
	repo := newMockRepo(responder("B", "network", 0, models.AvailabilityAvailable))
	e := newTestEngine(networkCatalog, repo)
	d := &Decision{TechID: "B", Score: 70}

	if err := e.Commit(context.Background(), nil, "T1", d); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := e.Commit(context.Background(), nil, "T1", d); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("second commit err = %v, want ErrAlreadyAssigned", err)
	}
	if got := repo.workload("B"); got != 1 {
		t.Errorf("workload = %d, want 1", got)
	}
}

// TestRelease_FreesCapacity verifies the release path.
func TestRelease_FreesCapacity(t *testing.T) {
	repo := newMockRepo(responder("B", "network", 0, models.AvailabilityAvailable))
	e := newTestEngine(networkCatalog, repo)
	ctx := context.Background()

	if _, err := e.Assign(ctx, Request{TicketNumber: "T7", Classification: models.Classification{IssueType: "net"}}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.Release(ctx, "T7"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := repo.workload("B"); got != 0 {
		t.Errorf("workload = %d, want 0", got)
	}
	if repo.responders["B"].SolvedCount != 1 {
		t.Errorf("solved = %d, want 1", repo.responders["B"].SolvedCount)
	}

	hist, _ := e.History(ctx, "T7")
	if hist[0].AssignmentStatus != models.AssignmentResolved || hist[0].UnassignedAt == nil {
		t.Errorf("history row not resolved: %+v", hist[0])
	}

	if err := e.Release(ctx, "T7"); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("second release err = %v, want ErrNotAssigned", err)
	}

	// The ticket can be assigned again once released.
	if _, err := e.Assign(ctx, Request{TicketNumber: "T7", Classification: models.Classification{IssueType: "net"}}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
}
