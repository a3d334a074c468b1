package aierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusGatewayTimeout, ErrInferenceTimeout},
		{http.StatusInternalServerError, ErrProviderUnavailable},
		{529, ErrProviderUnavailable},
		{http.StatusBadRequest, ErrInvalidResponse},
		{http.StatusUnauthorized, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus(tt.status, "msg")
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "msg")
		})
	}
}

func TestFromTransport(t *testing.T) {
	assert.ErrorIs(t, FromTransport(fmt.Errorf("post: %w", context.DeadlineExceeded)), ErrInferenceTimeout)
	assert.ErrorIs(t, FromTransport(errors.New("connection refused")), ErrProviderUnavailable)

	cancelled := FromTransport(context.Canceled)
	assert.ErrorIs(t, cancelled, context.Canceled)
	assert.False(t, IsTransient(cancelled))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(FromStatus(http.StatusTooManyRequests, "")))
	assert.True(t, IsTransient(FromStatus(http.StatusBadGateway, "")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrInferenceTimeout)))
	assert.False(t, IsTransient(FromStatus(http.StatusBadRequest, "")))
	assert.False(t, IsTransient(errors.New("other")))
}
