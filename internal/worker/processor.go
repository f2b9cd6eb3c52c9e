package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"guard-automation/internal/artifacts"
	"guard-automation/internal/automation"
	"guard-automation/internal/browserlock"
	"guard-automation/internal/logging"
	"guard-automation/internal/models"
	"guard-automation/internal/queue"
	"guard-automation/internal/store"
	"guard-automation/internal/telemetry"
)

var errDriverTimeout = errors.New("automation driver timed out")

// panicError carries a recovered driver panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("driver panic: %v", e.value)
}

// Options configures the pool.
type Options struct {
	Workers       int
	LockTimeout   time.Duration
	LockRetries   int
	DriverTimeout time.Duration
	// PublishTimeout bounds the trace mirror upload after a run.
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Pool runs N workers that pull task ids from the queue, serialize on the
// browser lock, run the driver and record the outcome.
type Pool struct {
	queue     *queue.FIFO
	store     *store.Store
	lock      *browserlock.Lock
	driver    automation.Driver
	artifacts *artifacts.Store
	opts      Options
	logger    *slog.Logger
	active    atomic.Int32
}

// NewPool wires a pool. Zero options fall back to one worker, a one minute
// lock window, three lock attempts and a fifteen minute driver bound.
func NewPool(q *queue.FIFO, st *store.Store, lock *browserlock.Lock, drv automation.Driver, art *artifacts.Store, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Minute
	}
	if opts.LockRetries < 1 {
		opts.LockRetries = 3
	}
	if opts.DriverTimeout <= 0 {
		opts.DriverTimeout = 15 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		queue:     q,
		store:     st,
		lock:      lock,
		driver:    drv,
		artifacts: art,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger).With("component", "worker"),
	}
}

// MaxWorkers is the configured pool size.
func (p *Pool) MaxWorkers() int {
	return p.opts.Workers
}

// ActiveWorkers counts workers between dequeue and terminal status.
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.opts.Workers; i++ {
		workerID := fmt.Sprintf("guard-worker-%d", i)
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	p.logger.Info("workers started", "workers", p.opts.Workers)
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.logger.With("worker", workerID)
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Debug("worker stopping", "reason", err)
			return
		}
		telemetry.QueueDepthGauge.Set(float64(p.queue.Len()))
		p.safeProcess(ctx, workerID, id)
	}
}

// safeProcess keeps one task's failure from taking the worker down.
func (p *Pool) safeProcess(ctx context.Context, workerID, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task processing panic", "task_id", id, "panic", r, "stack", string(debug.Stack()))
			p.finish(id, nil, &models.Failure{Kind: models.KindPanic, Message: fmt.Sprint(r), Type: "panic"})
		}
	}()
	p.process(ctx, workerID, id)
}

func (p *Pool) process(ctx context.Context, workerID, id string) {
	log := p.logger.With("task_id", id, "worker", workerID)

	task, err := p.store.Update(id, func(t *models.Task) error {
		if err := t.Start(p.opts.Now(), workerID); err != nil {
			return err
		}
		t.Phase = models.PhaseWaitingForBrowser
		return nil
	})
	if err != nil {
		log.Warn("skipping dequeued task", "error", err)
		return
	}

	telemetry.ActiveWorkers.Set(float64(p.active.Add(1)))
	defer func() { telemetry.ActiveWorkers.Set(float64(p.active.Add(-1))) }()

	sessionKey := task.Input.SessionKey
	log = log.With("session_key", sessionKey)
	log.Info("task started", "policy_code", task.Input.PolicyCode, "create_account", task.Input.CreateAccount)

	if err := p.artifacts.Prepare(sessionKey, id); err != nil {
		p.finish(id, nil, p.classify(id, fmt.Errorf("prepare artifacts: %w", err)))
		return
	}

	res, runErr := p.runLocked(ctx, log, task)

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PublishTimeout)
	if err := p.artifacts.PublishTrace(publishCtx, id); err != nil {
		log.Warn("trace mirror failed", "error", err)
	}
	cancel()

	if runErr != nil {
		p.finish(id, nil, p.classify(id, runErr))
		return
	}
	p.finish(id, &res, nil)
}

// runLocked holds the browser lock for exactly the driver run.
func (p *Pool) runLocked(ctx context.Context, log *slog.Logger, task models.Task) (models.Result, error) {
	waitStart := time.Now()
	handle, err := p.acquire(ctx, log, task.ID)
	telemetry.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return models.Result{}, err
	}
	telemetry.BrowserInUse.Set(1)
	defer func() {
		// Reset before release; the next holder sets it back to 1.
		telemetry.BrowserInUse.Set(0)
		handle.Release()
		log.Info("browser lock released")
	}()
	log.Info("browser lock acquired", "waited", time.Since(waitStart).Round(time.Millisecond))

	if _, err := p.store.Update(task.ID, func(t *models.Task) error {
		t.Phase = models.PhaseAutomating
		return nil
	}); err != nil {
		return models.Result{}, err
	}

	sess := automation.Session{
		TaskID:        task.ID,
		Key:           task.Input.SessionKey,
		ProfileDir:    p.artifacts.SessionDir(task.Input.SessionKey),
		TracePath:     p.artifacts.TracePath(task.ID),
		ScreenshotDir: p.artifacts.ScreenshotDir(task.ID),
	}
	start := time.Now()
	res, err := p.invoke(ctx, task.Input, sess)
	telemetry.DriverDuration.Observe(time.Since(start).Seconds())
	return res, err
}

// acquire retries lock timeouts a fixed number of times.
func (p *Pool) acquire(ctx context.Context, log *slog.Logger, id string) (*browserlock.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= p.opts.LockRetries; attempt++ {
		log.Info("waiting for browser lock", "attempt", attempt)
		handle, err := p.lock.Acquire(ctx, id, p.opts.LockTimeout)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, browserlock.ErrLockTimeout) {
			return nil, err
		}
		telemetry.LockTimeouts.Inc()
		log.Warn("browser lock timeout", "attempt", attempt, "timeout", p.opts.LockTimeout)
		lastErr = err
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", p.opts.LockRetries, lastErr)
}

type outcome struct {
	res models.Result
	err error
}

// invoke runs the driver under its own deadline. On timeout the worker stops
// waiting so the lock can be released; the driver is expected to abort on ctx.
func (p *Pool) invoke(ctx context.Context, in models.Input, sess automation.Session) (models.Result, error) {
	dctx, cancel := context.WithTimeout(ctx, p.opts.DriverTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		res, err := p.driver.Run(dctx, in, sess)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-dctx.Done():
		out.err = dctx.Err()
	}
	switch {
	case out.err == nil:
		return out.res, nil
	case ctx.Err() != nil:
		return models.Result{}, fmt.Errorf("worker shutting down: %w", ctx.Err())
	case errors.Is(dctx.Err(), context.DeadlineExceeded):
		return models.Result{}, fmt.Errorf("%w after %s", errDriverTimeout, p.opts.DriverTimeout)
	}
	return out.res, out.err
}

// classify maps a run error onto the failure taxonomy.
func (p *Pool) classify(id string, err error) *models.Failure {
	f := &models.Failure{Message: err.Error(), Type: errorType(err)}
	if p.artifacts.HasTrace(id) {
		f.TraceRef = "/trace/" + id
	}

	var pe *panicError
	switch {
	case errors.As(err, &pe):
		f.Kind = models.KindPanic
		f.Type = "panic"
		p.logger.Error("driver panic", "task_id", id, "panic", pe.value, "stack", string(pe.stack))
	case errors.Is(err, errDriverTimeout):
		f.Kind = models.KindDriverTimeout
	case errors.Is(err, browserlock.ErrLockTimeout):
		f.Kind = models.KindLockTimeout
	default:
		if ef, ok := automation.AsExpected(err); ok {
			f.Kind = models.KindExpectedFailure
			f.Message = ef.Reason
			f.Type = ""
		} else {
			f.Kind = models.KindUnexpected
		}
	}
	return f
}

func (p *Pool) finish(id string, res *models.Result, failure *models.Failure) {
	now := p.opts.Now()
	task, err := p.store.Update(id, func(t *models.Task) error {
		if failure != nil {
			return t.Fail(now, *failure)
		}
		return t.Complete(now, *res)
	})
	if err != nil {
		p.logger.Error("record outcome", "task_id", id, "error", err)
		return
	}

	kind := ""
	if task.Error != nil {
		kind = string(task.Error.Kind)
	}
	telemetry.TaskOutcomes.WithLabelValues(string(task.Status), kind).Inc()

	log := p.logger.With("task_id", id, "status", task.Status)
	switch task.Status {
	case models.StatusCompleted:
		log.Info("task completed", "policy_code", task.Result.PolicyCode)
	case models.StatusFailed:
		log.Warn("task failed", "reason", task.Error.Message)
	default:
		log.Error("task errored", "kind", task.Error.Kind, "error", task.Error.Message, "error_type", task.Error.Type)
	}
}

// errorType names the innermost error type, e.g. "playwright.TimeoutError".
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
