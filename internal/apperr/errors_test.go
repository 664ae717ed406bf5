package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := New(CodeRateLimited, "Rate limit exceeded.")
	assert.Equal(t, "[rate_limited] Rate limit exceeded.", err.Error())
}

func TestWithChains(t *testing.T) {
	err := New(CodeInvalidRequest, "bad").With("field", "amount").With("got", -1)
	assert.Equal(t, "amount", err.Data["field"])
	assert.Equal(t, -1, err.Data["got"])
}

func TestFromPassesStructuredErrorsThrough(t *testing.T) {
	orig := New(CodeConsentRequired, "consent first")
	got := From(fmt.Errorf("wrapped: %w", orig))
	require.NotNil(t, got)
	assert.Equal(t, CodeConsentRequired, got.Code)
	assert.Same(t, orig, got)
}

func TestFromMapsRawErrors(t *testing.T) {
	got := From(errors.New("disk on fire"))
	require.NotNil(t, got)
	assert.Equal(t, CodeInternalError, got.Code)
	assert.Equal(t, "disk on fire", got.Message)

	assert.Nil(t, From(nil))
}

func TestHasCode(t *testing.T) {
	err := New(CodeExecutionExpired, "gone")
	assert.True(t, HasCode(err, CodeExecutionExpired))
	assert.False(t, HasCode(err, CodeExecutionNotFound))
	assert.False(t, HasCode(errors.New("plain"), CodeExecutionExpired))
}
