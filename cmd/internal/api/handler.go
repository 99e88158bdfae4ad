// Package api is the JSON HTTP surface over the pairing orchestrator.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pairhub/cmd/internal/pairing"
)

const defaultMaxBodyBytes int64 = 16 << 10

// maxHistoryLimit caps ?limit= on the history endpoint.
const maxHistoryLimit = 500

// Handler serves the /sessions resource.
type Handler struct {
	log     *slog.Logger
	orch    *pairing.Orchestrator
	sweeper *pairing.Sweeper
	history HistoryReader

	maxBodyBytes int64
}

// HistoryReader returns the recorded transitions of a session, oldest first.
type HistoryReader interface {
	History(ctx context.Context, sessionID string, limit int) ([]pairing.Transition, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithHistory serves GET /sessions/{id}/history from hr.
func WithHistory(hr HistoryReader) Option {
	return func(h *Handler) { h.history = hr }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, orch *pairing.Orchestrator, sweeper *pairing.Sweeper, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:          log,
		orch:         orch,
		sweeper:      sweeper,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Create handles POST /sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SubjectIdentifier) == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "subjectIdentifier is required")
		return
	}

	mode, err := pairing.ParseMode(req.Mode)
	if err != nil {
		writePairingError(w, err)
		return
	}

	s, err := h.orch.Begin(req.SubjectIdentifier, mode)
	if err != nil {
		if !pairing.IsValidation(err) {
			h.log.Error("api.session.create.fail", "err", err)
		}
		writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: s.ID,
		Status:    string(s.Status),
		Mode:      string(s.Mode),
		ExpiresAt: h.orch.ExpiresAt(s),
	})
}

// Get handles GET /sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.orch.Registry().Get(id)
	if err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s, h.orch.ExpiresAt(s), h.orch.Viewers(id)))
}

// List handles GET /sessions.
func (h *Handler) List(w http.ResponseWriter, _ *http.Request) {
	sums := h.orch.Registry().List()

	out := listSessionsResponse{
		Count:    len(sums),
		Sessions: make([]summaryResponse, 0, len(sums)),
	}
	for _, s := range sums {
		out.Sessions = append(out.Sessions, toSummaryResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// Delete handles DELETE /sessions/{id}. It always answers 204.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	h.orch.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// Credential handles GET /sessions/{id}/credential.
func (h *Handler) Credential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.orch.Registry().Get(id)
	if err != nil {
		writePairingError(w, err)
		return
	}
	if s.Status != pairing.StatusCredentialReady {
		writeJSON(w, http.StatusConflict, notReadyResponse{
			Error:  apiError{Code: codeNotReady, Message: "credential not available"},
			Status: string(s.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{
		SessionID:  s.ID,
		Mode:       string(s.Mode),
		Credential: s.Credential,
	})
}

// Sweep handles POST /sessions/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.SweepOnce())
}

// History handles GET /sessions/{id}/history. The audit trail outlives the
// session, so unknown ids answer an empty list.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := h.history.History(r.Context(), id, limit)
	if err != nil {
		h.log.Error("api.session.history.fail", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "history unavailable")
		return
	}

	out := historyResponse{
		SessionID:   id,
		Transitions: make([]transitionResponse, 0, len(rows)),
	}
	for _, t := range rows {
		out.Transitions = append(out.Transitions, transitionResponse{
			From:   string(t.From),
			To:     string(t.To),
			Reason: t.Reason,
			At:     t.At,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
