// Package artifacts maps task and session keys to on-disk session profiles,
// trace recordings and screenshots.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"guard-automation/internal/logging"
)

// ErrNotFound is returned when an artifact was never produced.
var ErrNotFound = errors.New("artifact not found")

// Mirror copies traces to durable remote storage and reads them back.
type Mirror interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Paths are the three artifact roots.
type Paths struct {
	SessionDir    string
	TraceDir      string
	ScreenshotDir string
}

// Store derives artifact locations and serves finished artifacts.
type Store struct {
	paths  Paths
	mirror Mirror
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithMirror uploads published traces to m and falls back to it on download.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New builds a Store rooted at p.
func New(p Paths, opts ...Option) *Store {
	s := &Store{paths: p}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "artifacts")
	return s
}

// SessionDir is the persistent browser profile for a session key.
func (s *Store) SessionDir(key string) string {
	return filepath.Join(s.paths.SessionDir, SafeKey(key))
}

// TracePath is the trace archive for a key.
func (s *Store) TracePath(key string) string {
	return filepath.Join(s.paths.TraceDir, SafeKey(key)+".zip")
}

// ScreenshotDir holds the screenshots taken for a key.
func (s *Store) ScreenshotDir(key string) string {
	return filepath.Join(s.paths.ScreenshotDir, SafeKey(key))
}

// Prepare creates the directories a run writes into.
func (s *Store) Prepare(sessionKey, taskKey string) error {
	for _, dir := range []string{s.SessionDir(sessionKey), s.paths.TraceDir, s.ScreenshotDir(taskKey)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// HasTrace reports whether a local trace exists for key.
func (s *Store) HasTrace(key string) bool {
	info, err := os.Stat(s.TracePath(key))
	return err == nil && !info.IsDir()
}

// OpenTrace opens the trace for key, locally first and then from the mirror.
func (s *Store) OpenTrace(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.TracePath(key))
	if err == nil {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stat trace: %w", err)
		}
		return f, info.Size(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("open trace: %w", err)
	}
	if s.mirror == nil {
		return nil, 0, fmt.Errorf("%w: trace %s", ErrNotFound, key)
	}
	body, size, err := s.mirror.Open(ctx, traceObjectKey(key))
	if err != nil {
		return nil, 0, err
	}
	return body, size, nil
}

// PublishTrace copies a local trace to the mirror. It is a no-op without a mirror or a trace.
func (s *Store) PublishTrace(ctx context.Context, key string) error {
	if s.mirror == nil {
		return nil
	}
	f, err := os.Open(s.TracePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat trace: %w", err)
	}
	loc, err := s.mirror.Upload(ctx, traceObjectKey(key), f, info.Size(), "application/zip")
	if err != nil {
		return fmt.Errorf("mirror trace: %w", err)
	}
	s.logger.Info("trace mirrored", "key", key, "location", loc, "bytes", info.Size())
	return nil
}

// Screenshots lists screenshot file names for key in name order.
func (s *Store) Screenshots(key string) ([]string, error) {
	entries, err := os.ReadDir(s.ScreenshotDir(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: screenshots %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read screenshots: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ScreenshotPath resolves one screenshot, rejecting names that escape the directory.
func (s *Store) ScreenshotPath(key, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !isImage(name) {
		return "", fmt.Errorf("%w: screenshot %q", ErrNotFound, name)
	}
	path := filepath.Join(s.ScreenshotDir(key), name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: screenshot %q", ErrNotFound, name)
	}
	return path, nil
}

// SafeKey maps an arbitrary key to a single path element.
func SafeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

func traceObjectKey(key string) string {
	return "traces/" + SafeKey(key) + ".zip"
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
