package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cardflow/internal/app"
	"cardflow/internal/cards"
	"cardflow/internal/models"
	"cardflow/internal/orchestrator"
	"cardflow/internal/store"
	"cardflow/internal/telemetry"
)

// Server wires HTTP handlers over the application components.
type Server struct {
	app *app.App
}

// New constructs the API server.
func New(a *app.App) *Server {
	return &Server{app: a}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	limit := func(action string) func(http.Handler) http.Handler {
		return s.app.Limiter.Middleware(action, tenantFromRequest)
	}

	r.Route("/runs", func(r chi.Router) {
		r.With(limit("run")).Post("/", s.handleRun)
		r.Get("/", s.handleRunHistory)
		r.Get("/latest", s.handleLatestRun)
		r.Get("/{id}", s.handleGetRun)
		r.Post("/{id}/cancel", s.handleCancelRun)
	})
	r.Route("/cards", func(r chi.Router) {
		r.Get("/", s.handleListCards)
		r.Get("/{id}", s.handleGetCard)
		r.Post("/{id}/transition", s.handleTransition)
		r.With(limit("execute")).Post("/{id}/execute", s.handleExecute)
	})
	r.Post("/promote", s.handlePromote)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Post("/process", s.handleProcessJobs)
		r.Get("/{id}", s.handleGetJob)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.Orchestrator.RunWorkBlock(r.Context(), tenantFromRequest(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"run": run, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := s.app.Orchestrator.RunHistory(r.Context(), tenantFromRequest(r), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.Orchestrator.LatestRun(r.Context(), tenantFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.Orchestrator.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err == nil && run.TenantID != tenantFromRequest(r) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.app.Orchestrator.GetRun(r.Context(), id)
	if err == nil && run.TenantID != tenantFromRequest(r) {
		err = store.ErrNotFound
	}
	if err == nil {
		err = s.app.Orchestrator.CancelRun(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RunCancelled)})
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	q := store.CardQuery{
		TenantID: tenantFromRequest(r),
		JobID:    r.URL.Query().Get("job_id"),
		RunID:    r.URL.Query().Get("run_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("state"); v != "" {
		for _, st := range strings.Split(v, ",") {
			q.States = append(q.States, models.CardState(strings.TrimSpace(st)))
		}
	}
	list, err := s.app.Store.ListCards(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": nonNil(list)})
}

func (s *Server) tenantCard(r *http.Request) (models.Card, error) {
	card, err := s.app.Store.GetCard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return models.Card{}, err
	}
	if card.TenantID != tenantFromRequest(r) {
		return models.Card{}, store.ErrNotFound
	}
	return card, nil
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.tenantCard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type transitionRequest struct {
	State models.CardState `json:"state"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.State == "" {
		http.Error(w, "state is required", http.StatusBadRequest)
		return
	}
	if _, err := s.tenantCard(r); err != nil {
		writeError(w, err)
		return
	}
	card, err := s.app.Cards.Transition(r.Context(), chi.URLParam(r, "id"), req.State)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	card, err := s.tenantCard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.app.Executor.ExecuteCard(r.Context(), card.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if !res.Success && card.State != models.StateApproved {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Scheduler.Promote(r.Context(), tenantFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"promoted": n})
}

type createJobRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Params      models.JobParams `json:"params"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Params.Templates) == 0 {
		http.Error(w, "at least one template is required", http.StatusBadRequest)
		return
	}
	job, err := s.app.Store.CreateJob(r.Context(), models.Job{
		TenantID:    tenantFromRequest(r),
		Name:        req.Name,
		Description: req.Description,
		Params:      req.Params,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.JobRunning
	}
	list, err := s.app.Store.ListJobs(r.Context(), tenantFromRequest(r), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(list)})
}

type jobResponse struct {
	Job   models.Job       `json:"job"`
	Batch int              `json:"batch"`
	Tasks []models.JobTask `json:"tasks"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.app.Store.GetJob(ctx, chi.URLParam(r, "id"))
	if err == nil && job.TenantID != tenantFromRequest(r) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp := jobResponse{Job: job, Tasks: []models.JobTask{}}
	if resp.Batch, err = s.app.Store.CurrentBatch(ctx, job.ID); err != nil {
		writeError(w, err)
		return
	}
	if resp.Batch > 0 {
		tasks, err := s.app.Store.ListTasks(ctx, job.ID, resp.Batch)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Tasks = nonNil(tasks)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcessJobs(w http.ResponseWriter, r *http.Request) {
	sum, err := s.app.Jobs.ProcessActiveJobs(r.Context(), tenantFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleDLQ returns dead-lettered background tasks.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.app.Queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	items, err := s.app.Queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, cards.ErrInvalidTransition), errors.Is(err, cards.ErrStateChanged),
		errors.Is(err, orchestrator.ErrNotRunning), errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
