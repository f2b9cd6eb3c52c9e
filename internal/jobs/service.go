// Package jobs is the core facade used by the HTTP boundary: it enqueues
// tasks and answers status, queue and artifact reads.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"guard-automation/internal/artifacts"
	"guard-automation/internal/browserlock"
	"guard-automation/internal/logging"
	"guard-automation/internal/models"
	"guard-automation/internal/queue"
	"guard-automation/internal/store"
	"guard-automation/internal/telemetry"
)

var (
	// ErrInvalidInput marks a request rejected by intake validation.
	ErrInvalidInput = errors.New("invalid task input")
	// ErrNotFound covers unknown tasks and artifacts that were never produced.
	ErrNotFound = errors.New("not found")
)

// Workers reports pool occupancy.
type Workers interface {
	ActiveWorkers() int
	MaxWorkers() int
}

// QueueMetrics is the queue and browser summary served by /queue/status.
type QueueMetrics struct {
	QueueSize     int  `json:"queue_size"`
	QueueCapacity int  `json:"queue_capacity"`
	ActiveWorkers int  `json:"active_workers"`
	MaxWorkers    int  `json:"max_workers"`
	BrowserInUse  bool `json:"browser_in_use"`
}

// Options configures a Service.
type Options struct {
	DefaultSessionKey string
	Now               func() time.Time
	Logger            *slog.Logger
}

// Service ties the queue, the task table and the artifact store together.
type Service struct {
	store             *store.Store
	queue             *queue.FIFO
	lock              *browserlock.Lock
	workers           Workers
	artifacts         *artifacts.Store
	defaultSessionKey string
	now               func() time.Time
	logger            *slog.Logger
}

// New builds a Service.
func New(st *store.Store, q *queue.FIFO, lock *browserlock.Lock, workers Workers, art *artifacts.Store, opts Options) *Service {
	if opts.DefaultSessionKey == "" {
		opts.DefaultSessionKey = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:             st,
		queue:             q,
		lock:              lock,
		workers:           workers,
		artifacts:         art,
		defaultSessionKey: opts.DefaultSessionKey,
		now:               opts.Now,
		logger:            logging.OrDiscard(opts.Logger).With("component", "jobs"),
	}
}

// Enqueue validates in, records a queued task and appends it to the queue.
// An empty taskID is generated. It never blocks on workers or the browser.
func (s *Service) Enqueue(in models.Input, taskID string) (string, error) {
	now := s.now()
	in, err := s.normalize(in, now)
	if err != nil {
		return "", err
	}

	if taskID == "" {
		taskID = newTaskID(in.PolicyCode, now)
	} else if !validTaskID(taskID) {
		return "", fmt.Errorf("%w: task_id must match %s", ErrInvalidInput, taskIDPattern)
	}

	if err := s.store.Create(models.NewTask(taskID, in, now)); err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(taskID); err != nil {
		s.store.Discard(taskID)
		telemetry.QueueFullRejects.Inc()
		s.logger.Warn("task rejected", "task_id", taskID, "error", err)
		return "", err
	}

	telemetry.EnqueueCounter.Inc()
	telemetry.QueueDepthGauge.Set(float64(s.queue.Len()))
	s.logger.Info("task queued",
		"task_id", taskID,
		"policy_code", in.PolicyCode,
		"create_account", in.CreateAccount,
		"session_key", in.SessionKey,
		"queue_position", s.queue.Position(taskID),
	)
	return taskID, nil
}

// GetTask returns a snapshot of the task with its current queue position.
func (s *Service) GetTask(id string) (models.Task, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return models.Task{}, notFound(err)
	}
	return s.withPosition(t), nil
}

// ListTasks returns every readable task, oldest first.
func (s *Service) ListTasks() []models.Task {
	tasks := s.store.List()
	for i := range tasks {
		tasks[i] = s.withPosition(tasks[i])
	}
	return tasks
}

// QueueMetrics summarizes queue depth, worker occupancy and browser use.
func (s *Service) QueueMetrics() QueueMetrics {
	m := QueueMetrics{
		QueueSize:     s.queue.Len(),
		QueueCapacity: s.queue.Capacity(),
		BrowserInUse:  s.lock.InUse(),
	}
	if s.workers != nil {
		m.ActiveWorkers = s.workers.ActiveWorkers()
		m.MaxWorkers = s.workers.MaxWorkers()
	}
	return m
}

// OpenTrace opens the trace recorded for a known task.
func (s *Service) OpenTrace(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, 0, notFound(err)
	}
	body, size, err := s.artifacts.OpenTrace(ctx, id)
	if err != nil {
		return nil, 0, notFound(err)
	}
	return body, size, nil
}

// Screenshots lists the screenshots taken for a known task.
func (s *Service) Screenshots(id string) ([]string, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, notFound(err)
	}
	names, err := s.artifacts.Screenshots(id)
	if errors.Is(err, artifacts.ErrNotFound) {
		return []string{}, nil
	}
	return names, err
}

// ScreenshotPath resolves one screenshot of a known task.
func (s *Service) ScreenshotPath(id, name string) (string, error) {
	if _, err := s.store.Get(id); err != nil {
		return "", notFound(err)
	}
	path, err := s.artifacts.ScreenshotPath(id, name)
	if err != nil {
		return "", notFound(err)
	}
	return path, nil
}

// Thumbnail renders a resized PNG of one screenshot of a known task.
func (s *Service) Thumbnail(id, name string, width int) ([]byte, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, notFound(err)
	}
	img, err := s.artifacts.Thumbnail(id, name, width)
	if err != nil {
		return nil, notFound(err)
	}
	return img, nil
}

func (s *Service) withPosition(t models.Task) models.Task {
	if t.Status == models.StatusQueued {
		t.QueuePosition = s.queue.Position(t.ID)
	}
	return t
}

// notFound rewraps lookup misses as ErrNotFound and passes other errors through.
func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, artifacts.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
