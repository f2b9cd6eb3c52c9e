package automation

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"guard-automation/internal/models"
)

// Simulator stands in for the portal during local development. Policy codes
// prefixed INVALID fail as a business error and ERROR prefixes fail unexpectedly.
// It writes a small trace archive and one screenshot so artifact endpoints
// have something to serve.
type Simulator struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Run sleeps for a random duration in [MinDelay, MaxDelay] and returns a canned result.
func (s Simulator) Run(ctx context.Context, in models.Input, sess Session) (models.Result, error) {
	if err := s.sleep(ctx); err != nil {
		return models.Result{}, err
	}

	if err := s.writeArtifacts(in, sess); err != nil {
		return models.Result{}, fmt.Errorf("write simulated artifacts: %w", err)
	}

	code := strings.ToUpper(in.PolicyCode)
	switch {
	case strings.HasPrefix(code, "INVALID"):
		return models.Result{}, Expected("invalid policy code %s", in.PolicyCode)
	case strings.HasPrefix(code, "ERROR"):
		return models.Result{}, errors.New("simulated browser crash")
	}

	policy := in.PolicyCode
	if in.CreateAccount {
		policy = fmt.Sprintf("TEBP%06d", rand.Intn(1_000_000))
	}
	return models.Result{
		PolicyCode:   policy,
		QuotationURL: "https://example.invalid/quote?MGACODE=" + policy,
		Message:      fmt.Sprintf("Quote automation completed successfully for policy %s", policy),
	}, nil
}

func (s Simulator) sleep(ctx context.Context) error {
	d := s.MinDelay
	if s.MaxDelay > s.MinDelay {
		d += time.Duration(rand.Int63n(int64(s.MaxDelay - s.MinDelay)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s Simulator) writeArtifacts(in models.Input, sess Session) error {
	if sess.ScreenshotDir != "" {
		if err := os.MkdirAll(sess.ScreenshotDir, 0o755); err != nil {
			return err
		}
		img := image.NewRGBA(image.Rect(0, 0, 64, 36))
		for y := 0; y < 36; y++ {
			for x := 0; x < 64; x++ {
				img.Set(x, y, color.RGBA{R: 30, G: 90, B: 160, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(sess.ScreenshotDir, "01_simulated.png"))
		if err != nil {
			return err
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	if sess.TracePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(sess.TracePath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(sess.TracePath)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("trace.json")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(map[string]any{
		"task_id":     sess.TaskID,
		"session_key": sess.Key,
		"policy_code": in.PolicyCode,
		"recorded_at": time.Now().UTC(),
	}); err != nil {
		return err
	}
	return zw.Close()
}
