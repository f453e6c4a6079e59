// Package api exposes the triage service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/lexiqai/triage-gateway/internal/observability"
	"github.com/lexiqai/triage-gateway/internal/runstats"
	"github.com/lexiqai/triage-gateway/internal/triage"
)

const (
	// DefaultRunsLimit is the page size of GET /runs without a limit.
	DefaultRunsLimit = 50
	maxBodyBytes     = 1 << 20
)

// Triager runs one triage request.
type Triager interface {
	Handle(ctx context.Context, req triage.Request) (*triage.Result, error)
}

// RunsResponse is the body of GET /runs.
type RunsResponse struct {
	Summary runstats.Summary `json:"summary"`
	Runs    []runstats.Run   `json:"runs"`
}

// ErrorResponse is the body of every non-result error.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// Handler serves the triage API.
type Handler struct {
	triager Triager
	store   *runstats.Store
	feed    *LiveFeed
	logger  zerolog.Logger
}

// NewHandler creates the API handler. feed may be nil to disable /runs/live.
func NewHandler(triager Triager, store *runstats.Store, feed *LiveFeed, logger zerolog.Logger) *Handler {
	return &Handler{
		triager: triager,
		store:   store,
		feed:    feed,
		logger:  logger,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /triage", h.handleTriage)
	mux.HandleFunc("GET /runs", h.handleRuns)
	if h.feed != nil {
		mux.Handle("GET /runs/live", h.feed)
	}
}

// Wrap applies the request id and access log middleware.
func Wrap(next http.Handler, logger zerolog.Logger) http.Handler {
	return RequestID(Logging(logger)(next))
}

func (h *Handler) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req triage.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res, err := h.triager.Handle(r.Context(), req)
	switch {
	case errors.Is(err, triage.ErrInvalidRequest), errors.Is(err, triage.ErrEngineUnavailable):
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger := observability.WithCorrelationID(h.logger, RequestIDFrom(r.Context()))
		logger.Error().Err(err).Msg("triage failed")
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	if res.Failed() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, RunsResponse{
		Summary: h.store.Summarize(),
		Runs:    h.store.List(limit),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: RequestIDFrom(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
