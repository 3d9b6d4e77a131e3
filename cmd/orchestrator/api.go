package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/registry"
	"github.com/dataloom-labs/dataloom-go/internal/repo"
	"github.com/dataloom-labs/dataloom-go/internal/scheduler"
	"github.com/dataloom-labs/dataloom-go/internal/syncagent"
)

type orchestratorAPI struct {
	logger   *slog.Logger
	sched    *scheduler.Scheduler
	registry *registry.Registry
	agent    *syncagent.Agent
	history  repo.RunHistory
}

func newOrchestratorAPI(logger *slog.Logger, sched *scheduler.Scheduler, reg *registry.Registry, agent *syncagent.Agent, history repo.RunHistory) *orchestratorAPI {
	return &orchestratorAPI{
		logger:   logger,
		sched:    sched,
		registry: reg,
		agent:    agent,
		history:  history,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /products/{product_id}/runs", api.handleTriggerRun)
	mux.HandleFunc("GET /products", api.handleListProducts)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /history/runs", api.handleRunHistory)
	mux.HandleFunc("POST /sync", api.handleSync)
}

type runView struct {
	RunID        string            `json:"run_id"`
	ProductID    string            `json:"product_id"`
	GraphVersion int64             `json:"graph_version"`
	TaskStates   map[string]string `json:"task_states"`
	Attempts     map[string]int    `json:"attempts"`
	Canceled     bool              `json:"canceled,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

func newRunView(run domain.Run) runView {
	states := make(map[string]string, len(run.TaskStates))
	for taskID, state := range run.TaskStates {
		states[taskID] = string(state)
	}
	return runView{
		RunID:        run.ID,
		ProductID:    run.ProductID,
		GraphVersion: run.GraphVersion,
		TaskStates:   states,
		Attempts:     run.Attempts,
		Canceled:     run.Canceled,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
}

func (api *orchestratorAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(r.PathValue("product_id"))
	if productID == "" {
		api.writeError(w, r, http.StatusBadRequest, "product_id_required")
		return
	}

	runID, err := api.sched.TriggerRun(r.Context(), productID)
	if err != nil {
		if errors.Is(err, scheduler.ErrAdmissionRejected) {
			api.writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "admission_rejected",
				"detail": err.Error(),
			})
			return
		}
		api.logger.Error("trigger run failed", "product_id", productID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	run, err := api.sched.Snapshot(runID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusAccepted, newRunView(run))
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.sched.Snapshot(runID)
	if errors.Is(err, scheduler.ErrRunNotFound) {
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
		return
	}
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, newRunView(run))
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	product := strings.TrimSpace(r.URL.Query().Get("product_id"))
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)

	views := make([]runView, 0, limit)
	for _, run := range api.sched.Runs() {
		if product != "" && run.ProductID != product {
			continue
		}
		views = append(views, newRunView(run))
		if len(views) == limit {
			break
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (api *orchestratorAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if err := api.sched.CancelRun(runID); err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("cancel run failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": "cancel_requested",
	})
}

func (api *orchestratorAPI) handleListProducts(w http.ResponseWriter, r *http.Request) {
	type productView struct {
		ProductID      string     `json:"product_id"`
		CurrentVersion int64      `json:"current_version"`
		Retired        bool       `json:"retired"`
		LastError      string     `json:"last_error,omitempty"`
		RegisteredAt   *time.Time `json:"registered_at,omitempty"`
	}

	products := api.registry.Products()
	views := make([]productView, 0, len(products))
	for _, p := range products {
		view := productView{
			ProductID:      p.ProductID,
			CurrentVersion: p.CurrentVersion,
			Retired:        p.Retired,
			LastError:      p.LastError,
		}
		if !p.RegisteredAt.IsZero() {
			registeredAt := p.RegisteredAt
			view.RegisteredAt = &registeredAt
		}
		views = append(views, view)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"products": views})
}

func (api *orchestratorAPI) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if api.history == nil {
		api.writeError(w, r, http.StatusNotFound, "history_disabled")
		return
	}

	records, err := api.history.ListRuns(r.Context(), repo.RunFilter{
		ProductID: strings.TrimSpace(r.URL.Query().Get("product_id")),
		Status:    strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:     parseIntQuery(r, "limit", 100),
	})
	if err != nil {
		api.logger.Error("list run history failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

// handleSync kicks an out-of-band reconcile, the push-notification path next
// to the poll interval.
func (api *orchestratorAPI) handleSync(w http.ResponseWriter, r *http.Request) {
	api.agent.Notify()
	api.writeJSON(w, http.StatusAccepted, map[string]any{"status": "sync_requested"})
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
