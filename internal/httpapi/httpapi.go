// Package httpapi implements the thin operational HTTP surface spec.md §6
// describes: runs, schedules, dlq, health and capabilities. It follows the
// teacher's essential_handlers.go style — plain net/http handlers mounted
// on a chi router, writeJSON for responses — rather than the teacher's
// generated OpenAPI surface, since this core exposes a small fixed
// operational contract rather than a large user-facing API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/qualitygate"
	"github.com/runcore/core/internal/store"
)

// Dispatcher is the subset of dispatcher.Dispatcher the HTTP surface needs.
type Dispatcher interface {
	Submit(ctx context.Context, spec model.WorkSpec) (*model.RunRecord, error)
	GetRun(ctx context.Context, runID model.ID) (*model.RunRecord, error)
	ListRuns(ctx context.Context, filter model.RunFilter, page model.Pagination) (model.Page[model.RunRecord], error)
	GetRunEvents(ctx context.Context, runID model.ID) ([]model.ExecutionEvent, error)
	Cancel(ctx context.Context, runID model.ID) (*model.RunRecord, error)
	Retry(ctx context.Context, runID model.ID) (*model.RunRecord, error)
}

// DLQService is the subset of dlq.Service the HTTP surface needs.
type DLQService interface {
	Get(ctx context.Context, id model.ID) (*model.DeadLetter, error)
	List(ctx context.Context, onlyUnresolved bool, page model.Pagination) (model.Page[model.DeadLetter], error)
	Replay(ctx context.Context, id model.ID) (*model.RunRecord, error)
	Resolve(ctx context.Context, id model.ID, resolvedBy string) error
}

// WatermarkService is the subset of watermark.Service the HTTP surface needs.
type WatermarkService interface {
	Get(ctx context.Context, domain, source, partitionKey string) (*model.Watermark, error)
	ListAll(ctx context.Context, domain string) ([]model.Watermark, error)
	ListGaps(ctx context.Context, domain, source string, expectedPartitions []string) ([]model.Gap, error)
}

// BackfillService is the subset of backfill.Service the HTTP surface needs.
type BackfillService interface {
	Create(ctx context.Context, domain, source string, reason model.BackfillReason, partitionKeys []string, createdBy string) (*model.BackfillPlan, error)
	Get(ctx context.Context, id model.ID) (*model.BackfillPlan, error)
	List(ctx context.Context, domain, source string) ([]model.BackfillPlan, error)
	Start(ctx context.Context, id model.ID) (*model.BackfillPlan, error)
	MarkPartitionDone(ctx context.Context, id model.ID, partitionKey string) (*model.BackfillPlan, error)
	MarkPartitionFailed(ctx context.Context, id model.ID, partitionKey, errMsg string) (*model.BackfillPlan, error)
	Cancel(ctx context.Context, id model.ID) (*model.BackfillPlan, error)
}

// Server wires the operational surface onto a chi.Router.
type Server struct {
	disp       Dispatcher
	dlq        DLQService
	watermarks WatermarkService
	backfills  BackfillService
	gate       *qualitygate.Gate
	schedules  store.ScheduleStore
	logger     *zap.Logger
	startedAt  time.Time
}

// New builds a Server. schedules, watermarks, backfills, and gate may each
// be nil, in which case their routes respond 503 rather than panicking.
func New(disp Dispatcher, dlqSvc DLQService, watermarks WatermarkService, backfills BackfillService, gate *qualitygate.Gate, schedules store.ScheduleStore, logger *zap.Logger) *Server {
	return &Server{
		disp: disp, dlq: dlqSvc, watermarks: watermarks, backfills: backfills, gate: gate,
		schedules: schedules, logger: logger, startedAt: time.Now(),
	}
}

// Router builds the chi.Router serving every route spec.md §6 lists.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/capabilities", s.handleCapabilities)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmitRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/events", s.handleRunEvents)
		r.Post("/{id}:cancel", s.handleCancelRun)
		r.Post("/{id}:retry", s.handleRetryRun)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.handleListSchedules)
		r.Post("/", s.handleCreateSchedule)
		r.Get("/{id}", s.handleGetSchedule)
		r.Patch("/{id}", s.handleUpdateSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleListDLQ)
		r.Get("/{id}", s.handleGetDLQ)
		r.Post("/{id}:replay", s.handleReplayDLQ)
		r.Post("/{id}:resolve", s.handleResolveDLQ)
	})

	r.Route("/watermarks", func(r chi.Router) {
		r.Get("/", s.handleListWatermarks)
		r.Get("/gaps", s.handleWatermarkGaps)
	})

	r.Route("/backfill-plans", func(r chi.Router) {
		r.Get("/", s.handleListBackfillPlans)
		r.Post("/", s.handleCreateBackfillPlan)
		r.Get("/{id}", s.handleGetBackfillPlan)
		r.Post("/{id}:start", s.handleStartBackfillPlan)
		r.Post("/{id}:cancel", s.handleCancelBackfillPlan)
		r.Post("/{id}/partitions/{key}:done", s.handleBackfillPartitionDone)
		r.Post("/{id}/partitions/{key}:failed", s.handleBackfillPartitionFailed)
	})

	return r
}

// SuccessResponse wraps every 2xx response spec.md §6 mandates.
type SuccessResponse struct {
	Data      any      `json:"data"`
	ElapsedMs float64  `json:"elapsedMs"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ProblemDetail wraps every non-2xx response spec.md §6 mandates.
type ProblemDetail struct {
	Title  string   `json:"title"`
	Status int      `json:"status"`
	Detail string   `json:"detail"`
	Errors []string `json:"errors,omitempty"`
}

func writeSuccess(w http.ResponseWriter, status int, start time.Time, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Data:      data,
		ElapsedMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func writeProblem(w http.ResponseWriter, status int, title string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	_ = json.NewEncoder(w).Encode(ProblemDetail{Title: title, Status: status, Detail: detail})
}

func parsePagination(r *http.Request) model.Pagination {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return model.Pagination{Limit: limit, Offset: offset}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, time.Now(), map[string]any{
		"status": "ok", "uptimeSeconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, time.Now(), map[string]any{
		"kinds":              []string{string(model.KindTask), string(model.KindOperation), string(model.KindWorkflow)},
		"schedulesEnabled":   s.schedules != nil,
		"watermarksEnabled":  s.watermarks != nil,
		"backfillEnabled":    s.backfills != nil,
		"qualityGateEnabled": s.gate != nil,
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var spec model.WorkSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	run, err := s.disp.Submit(r.Context(), spec)
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "submit failed", err)
		return
	}
	writeSuccess(w, http.StatusCreated, start, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	page, err := s.disp.ListRuns(r.Context(), model.RunFilter{}, parsePagination(r))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list runs failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, page)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid run id", err)
		return
	}
	run, err := s.disp.GetRun(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "run not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid run id", err)
		return
	}
	events, err := s.disp.GetRunEvents(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "run not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, events)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid run id", err)
		return
	}
	run, err := s.disp.Cancel(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusConflict, "cancel failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, run)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid run id", err)
		return
	}
	run, err := s.disp.Retry(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusConflict, "retry failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, run)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.schedules == nil {
		writeProblem(w, http.StatusServiceUnavailable, "schedules not configured", nil)
		return
	}
	scheds, err := s.schedules.ListSchedules(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list schedules failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, scheds)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.schedules == nil {
		writeProblem(w, http.StatusServiceUnavailable, "schedules not configured", nil)
		return
	}
	var sched model.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if sched.ScheduleID == (model.ID{}) {
		sched.ScheduleID = model.NewID()
	}
	created, err := s.schedules.CreateSchedule(r.Context(), &sched)
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "create schedule failed", err)
		return
	}
	writeSuccess(w, http.StatusCreated, start, created)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.schedules == nil {
		writeProblem(w, http.StatusServiceUnavailable, "schedules not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid schedule id", err)
		return
	}
	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "schedule not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.schedules == nil {
		writeProblem(w, http.StatusServiceUnavailable, "schedules not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid schedule id", err)
		return
	}
	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "schedule not found", err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(sched); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.schedules.UpdateSchedule(r.Context(), sched); err != nil {
		writeProblem(w, http.StatusConflict, "update schedule failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.schedules == nil {
		writeProblem(w, http.StatusServiceUnavailable, "schedules not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid schedule id", err)
		return
	}
	if err := s.schedules.DeleteSchedule(r.Context(), id); err != nil {
		writeProblem(w, http.StatusInternalServerError, "delete schedule failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, map[string]any{"deleted": true})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	onlyUnresolved := r.URL.Query().Get("unresolved") != "false"
	page, err := s.dlq.List(r.Context(), onlyUnresolved, parsePagination(r))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list dead letters failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, page)
}

func (s *Server) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid dead letter id", err)
		return
	}
	dl, err := s.dlq.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "dead letter not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, dl)
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid dead letter id", err)
		return
	}
	run, err := s.dlq.Replay(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusConflict, "replay failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, run)
}

func (s *Server) handleResolveDLQ(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid dead letter id", err)
		return
	}
	var body struct {
		ResolvedBy string `json:"resolvedBy"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.dlq.Resolve(r.Context(), id, body.ResolvedBy); err != nil {
		writeProblem(w, http.StatusInternalServerError, "resolve failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, map[string]any{"resolved": true})
}

func (s *Server) handleListWatermarks(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.watermarks == nil {
		writeProblem(w, http.StatusServiceUnavailable, "watermarks not configured", nil)
		return
	}
	marks, err := s.watermarks.ListAll(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list watermarks failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, marks)
}

func (s *Server) handleWatermarkGaps(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.watermarks == nil {
		writeProblem(w, http.StatusServiceUnavailable, "watermarks not configured", nil)
		return
	}
	q := r.URL.Query()
	domain, source := q.Get("domain"), q.Get("source")
	expected := q["expected"]
	gaps, err := s.watermarks.ListGaps(r.Context(), domain, source, expected)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list gaps failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, gaps)
}

func (s *Server) handleListBackfillPlans(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	q := r.URL.Query()
	plans, err := s.backfills.List(r.Context(), q.Get("domain"), q.Get("source"))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "list backfill plans failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, plans)
}

func (s *Server) handleCreateBackfillPlan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	var body struct {
		Domain        string               `json:"domain"`
		Source        string               `json:"source"`
		Reason        model.BackfillReason `json:"reason"`
		PartitionKeys []string             `json:"partitionKeys"`
		CreatedBy     string               `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	plan, err := s.backfills.Create(r.Context(), body.Domain, body.Source, body.Reason, body.PartitionKeys, body.CreatedBy)
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "create backfill plan failed", err)
		return
	}
	writeSuccess(w, http.StatusCreated, start, plan)
}

func (s *Server) handleGetBackfillPlan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid plan id", err)
		return
	}
	plan, err := s.backfills.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "backfill plan not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, plan)
}

func (s *Server) handleStartBackfillPlan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid plan id", err)
		return
	}
	plan, err := s.backfills.Start(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusConflict, "start backfill plan failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, plan)
}

func (s *Server) handleCancelBackfillPlan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid plan id", err)
		return
	}
	plan, err := s.backfills.Cancel(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusConflict, "cancel backfill plan failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, plan)
}

func (s *Server) handleBackfillPartitionDone(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid plan id", err)
		return
	}
	plan, err := s.backfills.MarkPartitionDone(r.Context(), id, chi.URLParam(r, "key"))
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "mark partition done failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, plan)
}

func (s *Server) handleBackfillPartitionFailed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.backfills == nil {
		writeProblem(w, http.StatusServiceUnavailable, "backfill not configured", nil)
		return
	}
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid plan id", err)
		return
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	plan, err := s.backfills.MarkPartitionFailed(r.Context(), id, chi.URLParam(r, "key"), body.Error)
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "mark partition failed failed", err)
		return
	}
	writeSuccess(w, http.StatusOK, start, plan)
}
