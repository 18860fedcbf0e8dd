package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/store"
)

const (
	defaultCycleLimit = 50
	maxCycleLimit     = 500
	historyTimeout    = 3 * time.Second
)

// HistoryHandler exposes read-only crawl cycle history.
type HistoryHandler struct {
	repo    store.HistoryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.HistoryRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListCycles handles GET /history/{tenant}?limit=&outcome=. It returns
// {"user_id": ..., "cycles": [...]} newest first, 400 for invalid query
// parameters, 503 when no repository is configured, or 500 if the
// repository call fails.
func (h *HistoryHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	limit, err := parseLimit(r, defaultCycleLimit, maxCycleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var outcome store.Outcome
	if raw := strings.TrimSpace(r.URL.Query().Get("outcome")); raw != "" {
		if outcome, err = parseOutcome(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	records, err := h.repo.ListCycles(ctx, tenant, limit)
	if err != nil {
		h.logger.Error("list cycles failed", zap.String("tenant", tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawl cycles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": tenant,
		"cycles":  toCycleDTOs(records, outcome),
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseOutcome(input string) (store.Outcome, error) {
	switch o := store.Outcome(strings.ToLower(input)); o {
	case store.OutcomeAdopted, store.OutcomeSkipped, store.OutcomeComplete,
		store.OutcomeFailed, store.OutcomeTriggerFailed, store.OutcomeAbandoned:
		return o, nil
	default:
		return "", errors.New("invalid outcome")
	}
}

// toCycleDTOs converts records, keeping only the given outcome when set.
func toCycleDTOs(in []store.CycleRecord, outcome store.Outcome) []cycleDTO {
	out := make([]cycleDTO, 0, len(in))
	for _, rec := range in {
		if outcome != "" && rec.Outcome != outcome {
			continue
		}
		out = append(out, cycleDTO{
			CycleID:     rec.CycleID,
			WebsiteID:   rec.WebsiteID,
			WebsiteName: rec.WebsiteName,
			RunID:       rec.RunID,
			Outcome:     string(rec.Outcome),
			Status:      string(rec.Status),
			RecordedAt:  rec.RecordedAt,
			Error:       rec.Error,
		})
	}
	return out
}

type cycleDTO struct {
	CycleID     string    `json:"cycle_id"`
	WebsiteID   string    `json:"site_id"`
	WebsiteName string    `json:"site_name"`
	RunID       string    `json:"run_id,omitempty"`
	Outcome     string    `json:"outcome"`
	Status      string    `json:"status"`
	RecordedAt  time.Time `json:"recorded_at"`
	Error       string    `json:"error,omitempty"`
}
