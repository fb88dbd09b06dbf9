package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Validationf("cost must be > 0")
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Equal(t, "cost must be > 0", err.Error())
}

func TestUnavailable_KeepsCause(t *testing.T) {
	err := Unavailable(fmt.Errorf("eval: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "backend unavailable")

	again := Unavailable(err)
	assert.Same(t, err, again, "already classified errors pass through")
	assert.NoError(t, Unavailable(nil))
}

func TestAnalytics(t *testing.T) {
	cause := errors.New("connection refused")
	err := Analytics("record_denial", cause)
	assert.ErrorIs(t, err, ErrAnalytics)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "analytics record_denial: connection refused", err.Error())
	assert.NoError(t, Analytics("x", nil))
}

func TestCodeOf_Untyped(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}
