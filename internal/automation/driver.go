// Package automation defines the contract between the worker pool and the
// routine that drives the browser.
package automation

import (
	"context"
	"errors"
	"fmt"

	"guard-automation/internal/models"
)

// Session tells a driver where the run's artifacts live.
type Session struct {
	TaskID        string
	Key           string
	ProfileDir    string
	TracePath     string
	ScreenshotDir string
}

// Driver performs one login + form submission. An *ExpectedFailure error marks
// a business outcome; any other error is unexpected. Run must stop touching the
// browser once ctx is done.
type Driver interface {
	Run(ctx context.Context, in models.Input, sess Session) (models.Result, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, in models.Input, sess Session) (models.Result, error)

// Run calls f.
func (f DriverFunc) Run(ctx context.Context, in models.Input, sess Session) (models.Result, error) {
	return f(ctx, in, sess)
}

// ExpectedFailure is a business-level failure such as an unknown policy code.
type ExpectedFailure struct {
	Reason string
	Err    error
}

func (e *ExpectedFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ExpectedFailure) Unwrap() error {
	return e.Err
}

// Expected builds an ExpectedFailure from a formatted reason.
func Expected(format string, args ...any) error {
	return &ExpectedFailure{Reason: fmt.Sprintf(format, args...)}
}

// AsExpected extracts the ExpectedFailure from err's chain.
func AsExpected(err error) (*ExpectedFailure, bool) {
	var ef *ExpectedFailure
	if errors.As(err, &ef) {
		return ef, true
	}
	return nil, false
}
