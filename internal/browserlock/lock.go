// Package browserlock bounds live browser sessions to one across every worker.
package browserlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout means the lock stayed held for the whole acquire window.
// Callers treat it as retryable.
var ErrLockTimeout = errors.New("browser lock timeout")

// Lock is a process-wide mutex for the shared browser.
type Lock struct {
	sem chan struct{}

	mu     sync.Mutex
	holder string
	since  time.Time
}

// New returns an unheld lock.
func New() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// Handle is proof of ownership. Release is safe to call more than once.
type Handle struct {
	lock *Lock
	once sync.Once
}

// Acquire blocks until the lock is free, timeout elapses, or ctx is done.
// A free lock is always taken, even with a non-positive timeout.
func (l *Lock) Acquire(ctx context.Context, owner string, timeout time.Duration) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case l.sem <- struct{}{}:
		return l.take(owner), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrLockTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.take(owner), nil
}

func (l *Lock) take(owner string) *Handle {
	l.mu.Lock()
	l.holder = owner
	l.since = time.Now()
	l.mu.Unlock()
	return &Handle{lock: l}
}

// Release frees the lock for the next waiter.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.lock.mu.Lock()
		h.lock.holder = ""
		h.lock.since = time.Time{}
		h.lock.mu.Unlock()
		<-h.lock.sem
	})
}

// InUse reports whether some worker currently holds the browser.
func (l *Lock) InUse() bool {
	return len(l.sem) == 1
}

// Holder returns the current owner and when it took the lock.
func (l *Lock) Holder() (string, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" {
		return "", time.Time{}, false
	}
	return l.holder, l.since, true
}
