package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-automation/internal/artifacts"
	"guard-automation/internal/automation"
	"guard-automation/internal/browserlock"
	"guard-automation/internal/models"
	"guard-automation/internal/queue"
	"guard-automation/internal/store"
	"guard-automation/internal/telemetry"
)

type harness struct {
	queue *queue.FIFO
	store *store.Store
	lock  *browserlock.Lock
	arts  *artifacts.Store
	pool  *Pool
}

func newHarness(t *testing.T, drv automation.Driver, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(store.Options{})
	require.NoError(t, err)
	h := &harness{
		queue: queue.NewFIFO(100),
		store: st,
		lock:  browserlock.New(),
		arts: artifacts.New(artifacts.Paths{
			SessionDir:    dir + "/sessions",
			TraceDir:      dir + "/traces",
			ScreenshotDir: dir + "/screenshots",
		}),
	}
	h.pool = NewPool(h.queue, h.store, h.lock, drv, h.arts, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) submit(t *testing.T, id string, in models.Input) {
	t.Helper()
	if in.SessionKey == "" {
		in.SessionKey = "default"
	}
	require.NoError(t, h.store.Create(models.NewTask(id, in, time.Now())))
	require.NoError(t, h.queue.Enqueue(id))
}

func (h *harness) waitTerminal(t *testing.T, id string, within time.Duration) models.Task {
	t.Helper()
	var task models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = h.store.Get(id)
		return err == nil && task.Status.Terminal()
	}, within, 5*time.Millisecond, "task %s never finished", id)
	return task
}

func TestSerializesBrowserUseUnderLoad(t *testing.T) {
	var active, maxActive, unlocked int32
	var seq sync.Mutex
	rng := rand.New(rand.NewSource(1))
	var h *harness
	drv := automation.DriverFunc(func(ctx context.Context, in models.Input, _ automation.Session) (models.Result, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		if !h.lock.InUse() {
			atomic.AddInt32(&unlocked, 1)
		}
		seq.Lock()
		d := time.Duration(10+rng.Intn(191)) * time.Millisecond
		seq.Unlock()
		time.Sleep(d)
		return models.Result{PolicyCode: in.PolicyCode}, nil
	})
	h = newHarness(t, drv, Options{Workers: 3, LockTimeout: time.Minute})

	const tasks = 50
	for i := 0; i < tasks; i++ {
		h.submit(t, fmt.Sprintf("task-%02d", i), models.Input{PolicyCode: fmt.Sprintf("P%02d", i)})
	}
	for i := 0; i < tasks; i++ {
		task := h.waitTerminal(t, fmt.Sprintf("task-%02d", i), 30*time.Second)
		assert.Equal(t, models.StatusCompleted, task.Status)
		assert.Equal(t, fmt.Sprintf("P%02d", i), task.Result.PolicyCode)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Zero(t, atomic.LoadInt32(&unlocked))
	assert.False(t, h.lock.InUse())
	assert.Zero(t, h.pool.ActiveWorkers())
}

func browserGauge() float64 {
	var m dto.Metric
	_ = telemetry.BrowserInUse.Write(&m)
	return m.GetGauge().GetValue()
}

func TestBrowserGaugeTracksLockHolder(t *testing.T) {
	var idle int32
	drv := automation.DriverFunc(func(_ context.Context, in models.Input, _ automation.Session) (models.Result, error) {
		if browserGauge() != 1 {
			atomic.AddInt32(&idle, 1)
		}
		time.Sleep(time.Millisecond)
		return models.Result{PolicyCode: in.PolicyCode}, nil
	})
	h := newHarness(t, drv, Options{Workers: 3, LockTimeout: time.Minute})

	const tasks = 30
	for i := 0; i < tasks; i++ {
		h.submit(t, fmt.Sprintf("gauge-%02d", i), models.Input{PolicyCode: "P"})
	}
	for i := 0; i < tasks; i++ {
		h.waitTerminal(t, fmt.Sprintf("gauge-%02d", i), 10*time.Second)
	}
	assert.Zero(t, atomic.LoadInt32(&idle), "gauge read idle while a driver held the browser")
	assert.Zero(t, browserGauge())
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	drv := automation.DriverFunc(func(_ context.Context, _ models.Input, sess automation.Session) (models.Result, error) {
		mu.Lock()
		order = append(order, sess.TaskID)
		mu.Unlock()
		return models.Result{}, nil
	})
	h := newHarness(t, drv, Options{Workers: 1})

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.submit(t, id, models.Input{PolicyCode: id})
	}
	for _, id := range ids {
		h.waitTerminal(t, id, 5*time.Second)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestRunningPhaseWhileAutomating(t *testing.T) {
	seen := make(chan models.Task, 1)
	var h *harness
	drv := automation.DriverFunc(func(_ context.Context, _ models.Input, sess automation.Session) (models.Result, error) {
		task, err := h.store.Get(sess.TaskID)
		if err != nil {
			return models.Result{}, err
		}
		seen <- task
		return models.Result{PolicyCode: "TEBP1"}, nil
	})
	h = newHarness(t, drv, Options{Workers: 1})
	h.submit(t, "phase", models.Input{PolicyCode: "TEBP1", SessionKey: "agent-7"})

	during := <-seen
	assert.Equal(t, models.StatusRunning, during.Status)
	assert.Equal(t, models.PhaseAutomating, during.Phase)
	assert.Equal(t, "guard-worker-1", during.WorkerID)
	assert.NotNil(t, during.StartedAt)

	final := h.waitTerminal(t, "phase", 5*time.Second)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Empty(t, final.Phase)
	assert.NotNil(t, final.CompletedAt)

	info, err := os.Stat(h.arts.SessionDir("agent-7"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExpectedFailureMarksFailed(t *testing.T) {
	drv := automation.DriverFunc(func(_ context.Context, in models.Input, sess automation.Session) (models.Result, error) {
		_ = os.WriteFile(sess.TracePath, []byte("zip"), 0o644)
		return models.Result{}, automation.Expected("invalid policy code %s", in.PolicyCode)
	})
	h := newHarness(t, drv, Options{Workers: 1})
	h.submit(t, "bad", models.Input{PolicyCode: "XYZ"})

	task := h.waitTerminal(t, "bad", 5*time.Second)
	assert.Equal(t, models.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, models.KindExpectedFailure, task.Error.Kind)
	assert.Equal(t, "invalid policy code XYZ", task.Error.Message)
	assert.Equal(t, "/trace/bad", task.Error.TraceRef)
	assert.Nil(t, task.Result)
	assert.False(t, h.lock.InUse())
}

func TestUnexpectedErrorMarksError(t *testing.T) {
	drv := automation.DriverFunc(func(context.Context, models.Input, automation.Session) (models.Result, error) {
		return models.Result{}, fmt.Errorf("navigate: %w", errors.New("browser crashed"))
	})
	h := newHarness(t, drv, Options{Workers: 1})
	h.submit(t, "crash", models.Input{PolicyCode: "P"})

	task := h.waitTerminal(t, "crash", 5*time.Second)
	assert.Equal(t, models.StatusError, task.Status)
	assert.Equal(t, models.KindUnexpected, task.Error.Kind)
	assert.Equal(t, "navigate: browser crashed", task.Error.Message)
	assert.Equal(t, "errors.errorString", task.Error.Type)
	assert.Empty(t, task.Error.TraceRef)
	assert.False(t, h.lock.InUse())
}

func TestLockTimeoutMarksError(t *testing.T) {
	var calls int32
	drv := automation.DriverFunc(func(context.Context, models.Input, automation.Session) (models.Result, error) {
		atomic.AddInt32(&calls, 1)
		return models.Result{}, nil
	})
	h := newHarness(t, drv, Options{Workers: 1, LockTimeout: 20 * time.Millisecond, LockRetries: 2})

	held, err := h.lock.Acquire(context.Background(), "someone-else", time.Second)
	require.NoError(t, err)
	h.submit(t, "starved", models.Input{PolicyCode: "P"})

	task := h.waitTerminal(t, "starved", 5*time.Second)
	held.Release()
	assert.Equal(t, models.StatusError, task.Status)
	assert.Equal(t, models.KindLockTimeout, task.Error.Kind)
	assert.Contains(t, task.Error.Message, "gave up after 2 attempts")
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestDriverTimeoutReleasesLock(t *testing.T) {
	drv := automation.DriverFunc(func(ctx context.Context, in models.Input, _ automation.Session) (models.Result, error) {
		if in.PolicyCode == "HANG" {
			<-ctx.Done()
			return models.Result{}, ctx.Err()
		}
		return models.Result{PolicyCode: in.PolicyCode}, nil
	})
	h := newHarness(t, drv, Options{Workers: 2, DriverTimeout: 50 * time.Millisecond})
	h.submit(t, "hang", models.Input{PolicyCode: "HANG"})
	h.submit(t, "after", models.Input{PolicyCode: "OK"})

	hung := h.waitTerminal(t, "hang", 5*time.Second)
	assert.Equal(t, models.StatusError, hung.Status)
	assert.Equal(t, models.KindDriverTimeout, hung.Error.Kind)

	next := h.waitTerminal(t, "after", 5*time.Second)
	assert.Equal(t, models.StatusCompleted, next.Status)
}

func TestDriverPanicIsContained(t *testing.T) {
	drv := automation.DriverFunc(func(_ context.Context, in models.Input, _ automation.Session) (models.Result, error) {
		if in.PolicyCode == "BOOM" {
			panic("nil page")
		}
		return models.Result{PolicyCode: in.PolicyCode}, nil
	})
	h := newHarness(t, drv, Options{Workers: 1})
	h.submit(t, "boom", models.Input{PolicyCode: "BOOM"})
	h.submit(t, "fine", models.Input{PolicyCode: "OK"})

	boom := h.waitTerminal(t, "boom", 5*time.Second)
	assert.Equal(t, models.StatusError, boom.Status)
	assert.Equal(t, models.KindPanic, boom.Error.Kind)
	assert.Contains(t, boom.Error.Message, "nil page")

	fine := h.waitTerminal(t, "fine", 5*time.Second)
	assert.Equal(t, models.StatusCompleted, fine.Status)
	assert.False(t, h.lock.InUse())
}

func TestSkipsUnknownIDs(t *testing.T) {
	drv := automation.DriverFunc(func(_ context.Context, in models.Input, _ automation.Session) (models.Result, error) {
		return models.Result{PolicyCode: in.PolicyCode}, nil
	})
	h := newHarness(t, drv, Options{Workers: 1})
	require.NoError(t, h.queue.Enqueue("ghost"))
	h.submit(t, "real", models.Input{PolicyCode: "P"})

	task := h.waitTerminal(t, "real", 5*time.Second)
	assert.Equal(t, models.StatusCompleted, task.Status)
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "errors.errorString", errorType(fmt.Errorf("wrap: %w", errors.New("x"))))
	assert.Equal(t, "context.deadlineExceededError", errorType(context.DeadlineExceeded))
}
