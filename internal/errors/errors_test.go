package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesRetryable(t *testing.T) {
	assert.True(t, New(KindStoreUnavailable, "db down").Retryable)
	assert.True(t, New(KindProviderTransient, "rate limited").Retryable)
	assert.False(t, New(KindNotFound, "missing").Retryable)
	assert.False(t, New(KindProviderFatal, "repo gone").Retryable)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInternal, "oops", nil))
}

func TestWrap_NormalizesContextCancellation(t *testing.T) {
	err := Wrap(KindStoreUnavailable, "query", context.Canceled)
	assert.Equal(t, KindCancelled, err.Kind)
	assert.True(t, IsCancelled(err))
}

func TestKindOf_WalksChain(t *testing.T) {
	inner := New(KindExtractFailed, "bad docx")
	outer := fmt.Errorf("processing file: %w", inner)
	assert.Equal(t, KindExtractFailed, KindOf(outer))
	assert.True(t, IsKind(outer, KindExtractFailed))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := New(KindConflict, "source already configured")
	assert.True(t, stderrors.Is(err, New(KindConflict, "")))
	assert.False(t, stderrors.Is(err, New(KindNotFound, "")))
}

func TestError_WithPath(t *testing.T) {
	err := New(KindNotFound, "no such file").WithPath("docs/hello.txt")
	assert.Contains(t, err.Error(), "docs/hello.txt")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{New(KindNotFound, "x"), http.StatusNotFound},
		{New(KindInvalidPath, "x"), http.StatusBadRequest},
		{New(KindConflict, "x"), http.StatusBadRequest},
		{New(KindPermissionDenied, "x"), http.StatusForbidden},
		{New(KindStoreUnavailable, "x"), http.StatusServiceUnavailable},
		{New(KindInternal, "x"), http.StatusInternalServerError},
		{stderrors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err))
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(KindStoreUnavailable, "still down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindProviderFatal, "gone")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindProviderFatal))
}

func TestRetry_ContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		return New(KindStoreUnavailable, "down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, New(KindProviderTransient, "retry me")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
