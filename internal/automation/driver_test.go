package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-automation/internal/models"
)

func TestExpectedFailureSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("quote step: %w", Expected("invalid policy code %s", "X1"))
	ef, ok := AsExpected(err)
	require.True(t, ok)
	assert.Equal(t, "invalid policy code X1", ef.Reason)

	_, ok = AsExpected(errors.New("browser crashed"))
	assert.False(t, ok)
}

func TestExpectedFailureUnwrap(t *testing.T) {
	cause := errors.New("still on /auth")
	err := &ExpectedFailure{Reason: "login failed", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "login failed: still on /auth", err.Error())
}

func TestDriverFunc(t *testing.T) {
	var d Driver = DriverFunc(func(_ context.Context, in models.Input, _ Session) (models.Result, error) {
		return models.Result{PolicyCode: in.PolicyCode}, nil
	})
	res, err := d.Run(context.Background(), models.Input{PolicyCode: "P"}, Session{})
	require.NoError(t, err)
	assert.Equal(t, "P", res.PolicyCode)
}
