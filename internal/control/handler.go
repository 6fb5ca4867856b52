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

// Package control exposes the agent and ticket operations over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/agent"
	"github.com/anant-lad/EasyMyTicket/internal/intake"
	"github.com/anant-lad/EasyMyTicket/internal/mailbox"
	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// maxBodyBytes bounds request bodies of the ticket endpoints.
const maxBodyBytes = 1 << 20

// Agent is the ingestion agent's control surface.
type Agent interface {
	Start(ctx context.Context) error
	Stop() error
	Status() agent.Status
	PollOnce(ctx context.Context) (*agent.PollResult, error)
	Threads(ctx context.Context, limit int) ([]models.Thread, error)
}

// Tickets creates and resolves tickets.
type Tickets interface {
	Create(ctx context.Context, c intake.Case, hook intake.TxHook) (*intake.Result, error)
	Resolve(ctx context.Context, ticketNumber, resolution string) error
}

// Directory resolves requesters and loads stored tickets.
type Directory interface {
	LookupAccount(ctx context.Context, email string) (*models.Account, error)
	OrganizationFor(ctx context.Context, userID string) (string, error)
	GetTicket(ctx context.Context, ticketNumber string) (*models.Ticket, error)
}

// History returns the assignment history of a ticket.
type History interface {
	History(ctx context.Context, ticketNumber string) ([]models.AssignmentRecord, error)
}

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Handler serves the control endpoints.
type Handler struct {
	agent     Agent
	tickets   Tickets
	directory Directory
	history   History
	checks    map[string]CheckFunc
}

// HandlerConfig holds the Handler's collaborators.
type HandlerConfig struct {
	Agent     Agent
	Tickets   Tickets
	Directory Directory
	History   History
	Checks    map[string]CheckFunc
}

// NewHandler creates a control handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		agent:     cfg.Agent,
		tickets:   cfg.Tickets,
		directory: cfg.Directory,
		history:   cfg.History,
		checks:    cfg.Checks,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.ServeHealth)

	mux.HandleFunc("POST /agent/start", h.ServeStart)
	mux.HandleFunc("POST /agent/stop", h.ServeStop)
	mux.HandleFunc("GET /agent/status", h.ServeStatus)
	mux.HandleFunc("POST /agent/poll", h.ServePoll)
	mux.HandleFunc("GET /agent/threads", h.ServeThreads)

	mux.HandleFunc("POST /tickets", h.ServeCreateTicket)
	mux.HandleFunc("GET /tickets/{number}", h.ServeGetTicket)
	mux.HandleFunc("POST /tickets/{number}/resolve", h.ServeResolveTicket)
	mux.HandleFunc("GET /tickets/{number}/assignments", h.ServeAssignments)
	return mux
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ServeStart starts the polling loop.
func (h *Handler) ServeStart(w http.ResponseWriter, r *http.Request) {
	err := h.agent.Start(r.Context())
	switch {
	case errors.Is(err, agent.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, messageResponse{Message: "agent is already running"})
	case errors.Is(err, mailbox.ErrNoCredentials):
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
	case err != nil:
		slog.Error("agent start failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "agent started"})
	}
}

// ServeStop stops the polling loop.
func (h *Handler) ServeStop(w http.ResponseWriter, r *http.Request) {
	err := h.agent.Stop()
	switch {
	case errors.Is(err, agent.ErrNotRunning):
		writeJSON(w, http.StatusConflict, messageResponse{Message: "agent is not running"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "agent stopped"})
	}
}

// ServeStatus returns the agent snapshot.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Status())
}

// ServePoll runs one poll cycle and returns its result.
func (h *Handler) ServePoll(w http.ResponseWriter, r *http.Request) {
	// A client disconnect must not cut a message off mid-pipeline.
	res, err := h.agent.PollOnce(context.WithoutCancel(r.Context()))
	if errors.Is(err, mailbox.ErrNoCredentials) {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	}
	if err != nil {
		slog.Error("manual poll failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ServeThreads lists conversations. ?limit= defaults to 50.
func (h *Handler) ServeThreads(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	threads, err := h.agent.Threads(r.Context(), limit)
	if err != nil {
		slog.Error("list threads failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "failed to list threads"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
}

// CreateTicketRequest is the body of POST /tickets.
type CreateTicketRequest struct {
	UserEmail   string `json:"user_email"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CompanyID   string `json:"company_id,omitempty"`
}

// ServeCreateTicket submits a ticket through the same pipeline the email
// path uses.
func (h *Handler) ServeCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req CreateTicketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "invalid JSON body"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	if req.UserEmail == "" || req.Title == "" || req.Description == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "user_email, title and description are required"})
		return
	}

	ctx := r.Context()
	account, err := h.directory.LookupAccount(ctx, req.UserEmail)
	if err != nil {
		slog.Error("account lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "account lookup failed"})
		return
	}
	if account == nil {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "user not registered"})
		return
	}

	companyID := req.CompanyID
	if companyID == "" {
		if companyID, err = h.directory.OrganizationFor(ctx, account.UserID); err != nil {
			slog.Error("organization lookup failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "organization lookup failed"})
			return
		}
	}

	res, err := h.tickets.Create(ctx, intake.Case{
		Title:       req.Title,
		Description: req.Description,
		Account:     *account,
		CompanyID:   companyID,
		Source:      intake.SourceWeb,
	}, nil)
	if err != nil {
		slog.Error("ticket creation failed", "user_id", account.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "ticket creation failed"})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// ServeResolveTicket closes a ticket and releases its responder. The body
// is optional.
func (h *Handler) ServeResolveTicket(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")

	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "invalid JSON body"})
			return
		}
	}

	err := h.tickets.Resolve(r.Context(), number, req.Resolution)
	if errors.Is(err, intake.ErrTicketNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "ticket not found"})
		return
	}
	if err != nil {
		slog.Error("ticket resolve failed", "ticket_number", number, "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "ticket resolve failed"})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: fmt.Sprintf("ticket %s resolved", number)})
}

func (h *Handler) ServeGetTicket(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	t, err := h.directory.GetTicket(r.Context(), number)
	if errors.Is(err, intake.ErrTicketNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "ticket not found"})
		return
	}
	if err != nil {
		slog.Error("ticket lookup failed", "ticket_number", number, "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "ticket lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ServeAssignments returns a ticket's assignment history, newest first.
func (h *Handler) ServeAssignments(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	records, err := h.history.History(r.Context(), number)
	if err != nil {
		slog.Error("assignment history failed", "ticket_number", number, "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "failed to load assignment history"})
		return
	}
	if records == nil {
		records = []models.AssignmentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_number": number, "assignments": records})
}

// ServeHealth runs every dependency check and reports the first failure.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](r.Context()); err != nil {
			slog.Warn("health check failed", "dependency", name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": name + " unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// Serve starts the control server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// accepting connections. The server closes when ctx is cancelled.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, <-chan error, error) {
	server := &http.Server{
		Handler: handler,
		// Manual polls and ticket creation wait on the language model.
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind control port %d: %w", port, err)
	}

	ready := make(chan struct{})
	errc := make(chan error, 1)

	go func() {
		<-ctx.Done()
		slog.Info("control server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("control server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	return ready, errc, nil
}
