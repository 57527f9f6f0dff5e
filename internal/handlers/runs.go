package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/runner"
	"github.com/jaketajohnson/Attributor/internal/services"
	"github.com/jaketajohnson/Attributor/internal/utils"
)

type RunHandler struct {
	runs    *services.RunService
	assets  *services.AssetService
	trigger *runner.Runner
	logr    *zap.Logger
}

func NewRunHandler(runs *services.RunService, assets *services.AssetService, trigger *runner.Runner, logr *zap.Logger) *RunHandler {
	return &RunHandler{runs: runs, assets: assets, trigger: trigger, logr: logr}
}

type triggerReq struct {
	DryRun         bool     `json:"dry_run"`
	Only           []string `json:"only"`
	SkipBoundaries bool     `json:"skip_boundaries"`
	SkipSurvey     bool     `json:"skip_survey"`
}

// POST /runs — start an attribution run in the background. 409 when a run
// is already holding the lock.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	only := make([]models.Category, 0, len(req.Only))
	for _, c := range req.Only {
		only = append(only, models.Category(c))
	}

	opts := runner.Options{
		RunOptions: services.RunOptions{
			Trigger: models.TriggerAPI,
			DryRun:  req.DryRun,
			Only:    only,
		},
		SkipBoundaries: req.SkipBoundaries,
		SkipSurvey:     req.SkipSurvey,
	}

	if err := h.trigger.TriggerRun(opts); err != nil {
		if errors.Is(err, models.ErrRunInProgress) {
			http.Error(w, "a run is already in progress", http.StatusConflict)
			return
		}
		h.logr.Error("failed to trigger run", zap.Error(err))
		http.Error(w, "failed to start run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// GET /runs?limit=20&status=failed,partial
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	statuses := utils.ParseQueryList(q, "status")

	runs, err := h.runs.ListRecent(r.Context(), limit, statuses)
	if err != nil {
		h.logr.Error("failed to list runs", zap.Error(err))
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": runs})
}

// GET /runs/latest
func (h *RunHandler) Latest(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Latest(r.Context())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "no runs recorded", http.StatusNotFound)
			return
		}
		h.logr.Error("failed to fetch latest run", zap.Error(err))
		http.Error(w, "failed to fetch latest run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /assets/backlog — unattributed asset counts per category.
func (h *RunHandler) Backlog(w http.ResponseWriter, r *http.Request) {
	backlog, err := h.assets.Backlog(r.Context())
	if err != nil {
		h.logr.Error("failed to count backlog", zap.Error(err))
		http.Error(w, "failed to count backlog", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": backlog})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(data)
}
