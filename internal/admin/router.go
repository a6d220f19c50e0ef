// Package admin serves the HTTP admin API: health, status, metrics, task
// submission and cancellation, and recent outcomes.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offload/internal/scheduler"
	"offload/internal/storage"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

// Backend is the scheduler surface the API needs.
type Backend interface {
	AddTask(t scheduler.Task) *scheduler.Future
	CancelTask(id string) bool
	Status() scheduler.Status
}

// Router is the admin API handler.
type Router struct {
	router    chi.Router
	log       logx.Logger
	sched     Backend
	outcomes  storage.Store
	metrics   http.Handler
	profiler  bool
	startTime time.Time
}

// Option configures optional Router dependencies.
type Option func(*Router)

// WithOutcomes serves GET /outcomes from st.
func WithOutcomes(st storage.Store) Option { return func(r *Router) { r.outcomes = st } }

// WithMetrics serves GET /metrics from h.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler(enabled bool) Option { return func(r *Router) { r.profiler = enabled } }

func WithLogger(log logx.Logger) Option { return func(r *Router) { r.log = log } }

func NewRouter(sched Backend, opts ...Option) *Router {
	rt := &Router{router: chi.NewRouter(), sched: sched, log: logx.Nop(), startTime: time.Now()}
	for _, o := range opts {
		o(rt)
	}
	rt.routes()
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) { rt.router.ServeHTTP(w, r) }

func (rt *Router) routes() {
	r := rt.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rt.logRequests)

	r.Get("/healthz", rt.handleHealth)
	r.Get("/status", rt.handleStatus)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", rt.handleSubmit)
		r.Delete("/{id}", rt.handleCancel)
	})
	r.Get("/outcomes", rt.handleOutcomes)
	if rt.profiler {
		r.Mount("/debug", middleware.Profiler())
	}
}

func (rt *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		rt.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.sched.Status().Terminated {
		http.Error(w, "terminated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	scheduler.Status
	Uptime string `json:"uptime"`
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		Status: rt.sched.Status(),
		Uptime: time.Since(rt.startTime).Truncate(time.Second).String(),
	})
}

type submitRequest struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Script   string          `json:"script,omitempty"`
	Priority string          `json:"priority,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type submitResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

type errorResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// handleSubmit queues a task. With ?async=1 it answers 202 with the id;
// otherwise it waits for the task to settle. A client that goes away
// before then cancels the task.
func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, worker.MaxFrameSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	prio, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	t := scheduler.Task{ID: req.ID, Type: req.Type, Script: req.Script, Priority: prio}
	if len(req.Data) > 0 {
		t.Data = req.Data
	}
	fut := rt.sched.AddTask(t)

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		// Validation failures settle immediately; report them synchronously.
		if _, err, done := fut.Result(); done && err != nil {
			respondJSON(w, statusFor(err), errorResponse{ID: fut.ID(), Error: err.Error()})
			return
		}
		respondJSON(w, http.StatusAccepted, submitResponse{ID: fut.ID()})
		return
	}

	result, err := fut.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			rt.sched.CancelTask(fut.ID())
		}
		respondJSON(w, statusFor(err), errorResponse{ID: fut.ID(), Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, submitResponse{ID: fut.ID(), Result: json.RawMessage(result)})
}

func (rt *Router) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !rt.sched.CancelTask(id) {
		respondJSON(w, http.StatusNotFound, errorResponse{ID: id, Error: "task not queued or active"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if rt.outcomes == nil {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: storage.ErrDisabled.Error()})
		return
	}
	limit := 50
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	out, err := rt.outcomes.RecentOutcomes(r.Context(), limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []storage.Outcome{}
	}
	respondJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	var taskErr *worker.TaskError
	var faultErr *scheduler.WorkerFaultError
	switch {
	case errors.Is(err, scheduler.ErrMissingType), errors.Is(err, scheduler.ErrReservedType):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, worker.ErrUnknownScript):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTerminated), errors.Is(err, scheduler.ErrShed):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &faultErr):
		return http.StatusBadGateway
	case errors.As(err, &taskErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
