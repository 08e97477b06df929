package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/cardsim/internal/auth"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/repository"
	"github.com/opensource-finance/cardsim/internal/worker"
)

const (
	defaultTransactionLimit = 1000
	maxTransactionLimit     = 10000

	maxRunWorkers = 64

	// Inline runs hold the request open; longer periods must be queued.
	maxSyncPeriod = 366 * 24 * time.Hour
	maxRunPeriod  = 10 * maxSyncPeriod
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	worker   *worker.Worker
	defaults domain.SimulationConfig
	version  string
}

// NewHandler creates a new API handler. defaults fills every field a run
// request leaves empty.
func NewHandler(defaults domain.SimulationConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, w *worker.Worker, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		worker:   w,
		defaults: defaults,
		version:  version,
	}
}

// RunResponse is a run together with its cached progress.
type RunResponse struct {
	*domain.Run
	Progress *domain.RunProgress `json:"progress,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept runs.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "repository unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateRun handles POST /runs. Synchronous runs respond once the
// simulation has finished; async runs are queued on the event bus.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	cfg, err := req.Apply(h.defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateRun(cfg, req.Async); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := &domain.Run{
		ID:        uuid.New().String(),
		Status:    domain.RunPending,
		Seed:      cfg.Seed,
		StartDate: cfg.StartDate,
		EndDate:   cfg.EndDate,
		Config:    cfg,
	}
	if name := cfg.Authenticator.Type; name != "" {
		run.Authenticator = name
	} else {
		run.Authenticator = domain.AuthNeverSecond
	}

	if req.Async {
		h.queueRun(w, r, run)
		return
	}

	if h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker not available")
		return
	}

	slog.Info("running simulation",
		"run_id", run.ID,
		"trace_id", GetTraceID(ctx),
		"authenticator", run.Authenticator,
	)

	if err := h.worker.Execute(ctx, run); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"run":   run,
		})
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// validateRun rejects configurations the model would refuse, and runs too
// large to serve.
func validateRun(cfg domain.SimulationConfig, async bool) error {
	start, stop, err := cfg.Window()
	if err != nil {
		return err
	}
	switch period := stop.Sub(start); {
	case period > maxRunPeriod:
		return fmt.Errorf("run period %s exceeds the maximum of %s", period, maxRunPeriod)
	case period > maxSyncPeriod && !async:
		return fmt.Errorf("run period %s exceeds %s; submit it with \"async\": true", period, maxSyncPeriod)
	}
	if cfg.Workers > maxRunWorkers {
		return fmt.Errorf("workers %d exceeds the maximum of %d", cfg.Workers, maxRunWorkers)
	}
	if err := cfg.Behavior.Validate(); err != nil {
		return fmt.Errorf("invalid behavior: %w", err)
	}
	if _, err := auth.New(cfg.Authenticator, cfg.Seed); err != nil {
		return err
	}
	return nil
}

func (h *Handler) queueRun(w http.ResponseWriter, r *http.Request, run *domain.Run) {
	ctx := r.Context()

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRun(ctx, run); err != nil {
			slog.Error("failed to save queued run", "run_id", run.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save run")
			return
		}
	}

	payload, err := json.Marshal(run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode run")
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicRunRequested, payload); err != nil {
		slog.Error("failed to queue run", "run_id", run.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue run")
		return
	}

	slog.Info("run queued",
		"run_id", run.ID,
		"trace_id", GetTraceID(ctx),
	)
	writeJSON(w, http.StatusAccepted, run)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	resp := RunResponse{Run: run}
	if h.cache != nil {
		p, err := h.cache.GetProgress(r.Context(), run.ID)
		if err != nil {
			slog.Warn("failed to read run progress", "run_id", run.ID, "error", err)
		}
		resp.Progress = p
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListTransactions handles GET /runs/{id}/transactions. Query parameters:
// fraud=true, card=<id>, limit, offset.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	var filter domain.TransactionFilter
	var err error
	q := r.URL.Query()
	if v := q.Get("fraud"); v != "" {
		if filter.FraudOnly, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "fraud must be a boolean")
			return
		}
	}
	if v := q.Get("card"); v != "" {
		if filter.CardID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "card must be an integer")
			return
		}
	}
	if filter.Limit, err = queryInt(r, "limit", defaultTransactionLimit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = min(filter.Limit, maxTransactionLimit)
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.repo.ListTransactions(r.Context(), run.ID, filter)
	if err != nil {
		slog.Error("failed to list transactions", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":        run.ID,
		"transactions": records,
		"count":        len(records),
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

// ListTicks handles GET /runs/{id}/ticks.
func (h *Handler) ListTicks(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	ticks, err := h.repo.ListTickSummaries(r.Context(), run.ID)
	if err != nil {
		slog.Error("failed to list tick summaries", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list ticks")
		return
	}
	if ticks == nil {
		ticks = []domain.TickSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId": run.ID,
		"ticks": ticks,
		"count": len(ticks),
	})
}

// lookupRun loads the run named by the {id} URL parameter and writes the
// error response when it cannot.
func (h *Handler) lookupRun(w http.ResponseWriter, r *http.Request) (*domain.Run, bool) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return nil, false
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return nil, false
	}

	run, err := h.repo.GetRun(r.Context(), runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
