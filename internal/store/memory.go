package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"guard-automation/internal/models"
)

const (
	defaultMaxRetained = 1000
	defaultRetention   = 24 * time.Hour
)

var (
	// ErrNotFound covers unknown ids and terminal records past retention.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateID is returned when an id was already used by this process.
	ErrDuplicateID = errors.New("task id already used")
)

// Options tunes terminal-record retention.
type Options struct {
	// Retention is how long a terminal record stays readable.
	Retention time.Duration
	// MaxRetained caps the number of terminal records kept; the oldest go first.
	MaxRetained int
	Now         func() time.Time
}

// Store is the in-memory Task Record table.
// Non-terminal records live in a map; terminal ones move to a bounded LRU.
type Store struct {
	mu        sync.RWMutex
	live      map[string]*models.Task
	done      *lru.Cache[string, retained]
	seen      map[string]struct{}
	retention time.Duration
	now       func() time.Time
}

type retained struct {
	task       models.Task
	finishedAt time.Time
}

// New builds an empty table.
func New(opts Options) (*Store, error) {
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = defaultMaxRetained
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	done, err := lru.New[string, retained](opts.MaxRetained)
	if err != nil {
		return nil, fmt.Errorf("create retention cache: %w", err)
	}
	return &Store{
		live:      make(map[string]*models.Task),
		done:      done,
		seen:      make(map[string]struct{}),
		retention: opts.Retention,
		now:       opts.Now,
	}, nil
}

// Create inserts a queued record. Ids are unique for the life of the process.
func (s *Store) Create(t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	rec := t.Clone()
	s.live[t.ID] = &rec
	s.seen[t.ID] = struct{}{}
	return nil
}

// Discard removes a record that never made it into the queue and frees its id.
func (s *Store) Discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; !ok {
		return
	}
	delete(s.live, id)
	delete(s.seen, id)
}

// Get returns a snapshot of the record.
func (s *Store) Get(id string) (models.Task, error) {
	s.mu.RLock()
	if rec, ok := s.live[id]; ok {
		out := rec.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	r, ok := s.done.Get(id)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.expired(r) {
		s.done.Remove(id)
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.task.Clone(), nil
}

// Update applies fn to a live record under the table lock. A record that
// becomes terminal is frozen and moved to retention.
func (s *Store) Update(id string, fn func(*models.Task) error) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[id]
	if !ok {
		if s.done.Contains(id) {
			return models.Task{}, fmt.Errorf("%w: %s is terminal", models.ErrInvalidTransition, id)
		}
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	working := rec.Clone()
	if err := fn(&working); err != nil {
		return rec.Clone(), err
	}
	if working.Status.Terminal() {
		delete(s.live, id)
		s.done.Add(id, retained{task: working.Clone(), finishedAt: s.now()})
		return working, nil
	}
	*rec = working
	return working.Clone(), nil
}

// List returns every readable record ordered by creation time.
func (s *Store) List() []models.Task {
	s.mu.RLock()
	out := make([]models.Task, 0, len(s.live)+s.done.Len())
	for _, rec := range s.live {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	for _, id := range s.done.Keys() {
		r, ok := s.done.Peek(id)
		if !ok || s.expired(r) {
			continue
		}
		out = append(out, r.task.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts tallies readable records by status.
func (s *Store) Counts() map[models.Status]int {
	counts := make(map[models.Status]int)
	for _, t := range s.List() {
		counts[t.Status]++
	}
	return counts
}

func (s *Store) expired(r retained) bool {
	return s.now().Sub(r.finishedAt) > s.retention
}
