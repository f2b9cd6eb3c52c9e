package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"guard-automation/internal/jobs"
	"guard-automation/internal/logging"
	"guard-automation/internal/models"
	"guard-automation/internal/queue"
	"guard-automation/internal/ratelimit"
	"guard-automation/internal/store"
	"guard-automation/internal/telemetry"
)

const serviceName = "guard-automation-webhook"

// Limiter throttles webhook submissions per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Options configures the HTTP surface.
type Options struct {
	WebhookPath string
	CORSOrigins []string
	// Limiter is optional; nil disables rate limiting.
	Limiter Limiter
	Metrics bool
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server wires HTTP handlers for the webhook and the status surface.
type Server struct {
	jobs   *jobs.Service
	opts   Options
	logger *slog.Logger
}

// New constructs the API server.
func New(svc *jobs.Service, opts Options) *Server {
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhook"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		jobs:   svc,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger).With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.opts.CORSOrigins))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics {
		r.Mount("/metrics", telemetry.Handler())
	}

	r.Post(s.opts.WebhookPath, s.handleWebhook)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/task/{id}/status", s.handleTaskStatus)
	r.Get("/task/{id}/screenshots", s.handleScreenshots)
	r.Get("/task/{id}/screenshots/{name}", s.handleScreenshot)
	r.Get("/trace/{id}", s.handleTrace)
	r.Get("/queue/status", s.handleQueueStatus)
	return r
}

type acceptedResponse struct {
	Status        string `json:"status"`
	TaskID        string `json:"task_id"`
	PolicyCode    string `json:"policy_code,omitempty"`
	CreateAccount bool   `json:"create_account"`
	Message       string `json:"message"`
	StatusURL     string `json:"status_url"`
	QueuePosition int    `json:"queue_position"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.Limiter != nil {
		d, err := s.opts.Limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	req, err := decodeWebhook(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.jobs.Enqueue(req.input(), req.TaskID)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "task queue is full, retry later")
		return
	default:
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	resp := acceptedResponse{
		Status:        "accepted",
		TaskID:        id,
		PolicyCode:    string(req.PolicyCode),
		CreateAccount: req.CreateAccount,
		StatusURL:     "/task/" + id + "/status",
	}
	if task, err := s.jobs.GetTask(id); err == nil {
		resp.PolicyCode = task.Input.PolicyCode
		resp.QueuePosition = task.QueuePosition
	}
	resp.Message = "automation task queued"
	if resp.QueuePosition > 1 {
		resp.Message = fmt.Sprintf("automation task queued at position %d", resp.QueuePosition)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// taskView flattens the fields callers poll for most.
type taskView struct {
	models.Task
	PolicyCode string `json:"policy_code,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	TraceURL   string `json:"trace_url,omitempty"`
}

func newTaskView(t models.Task) taskView {
	v := taskView{Task: t, PolicyCode: t.Input.PolicyCode}
	if t.Result != nil && t.Result.PolicyCode != "" {
		v.PolicyCode = t.Result.PolicyCode
	}
	if t.Error != nil {
		v.ErrorType = string(t.Error.Kind)
		if t.Error.Type != "" {
			v.ErrorType = t.Error.Type
		}
		v.TraceURL = t.Error.TraceRef
	}
	return v
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.jobs.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.jobs.ListTasks()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	m := s.jobs.QueueMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":          views,
		"total":          len(views),
		"active_workers": m.ActiveWorkers,
		"max_workers":    m.MaxWorkers,
		"queue_size":     m.QueueSize,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m := s.jobs.QueueMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        serviceName,
		"timestamp":      s.opts.Now().UTC().Format(time.RFC3339),
		"queue_size":     m.QueueSize,
		"queue_capacity": m.QueueCapacity,
		"active_workers": m.ActiveWorkers,
		"max_workers":    m.MaxWorkers,
		"browser_in_use": m.BrowserInUse,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.QueueMetrics())
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, size, err := s.jobs.OpenTrace(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("trace download interrupted", "task_id", id, "error", err)
	}
}

func (s *Server) handleScreenshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	names, err := s.jobs.Screenshots(id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     id,
		"screenshots": names,
		"total":       len(names),
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	if raw := r.URL.Query().Get("width"); raw != "" {
		width, err := strconv.Atoi(raw)
		if err != nil || width <= 0 {
			writeError(w, http.StatusBadRequest, "width must be a positive integer")
			return
		}
		img, err := s.jobs.Thumbnail(id, name, width)
		if err != nil {
			s.writeLookupError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img)
		return
	}

	path, err := s.jobs.ScreenshotPath(id, name)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// clientKey identifies the caller for rate limiting. RealIP has already
// replaced RemoteAddr when a proxy header is present.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
