package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmesh/patternbank/internal/bank"
)

func testRetrier(maxAttempts int) *Retrier {
	return NewRetrier(RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil)
}

// flakyStore fails AppendTrace a fixed number of times before succeeding.
// Only the overridden methods are safe to call.
type flakyStore struct {
	bank.Store
	failures int
	err      error
	calls    int
}

func (s *flakyStore) AppendTrace(_ context.Context, _ *bank.Trace) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return nil
}

func TestRetrierRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyStore{
		failures: 2,
		err:      fmt.Errorf("flushing wal: %w", ErrTransient),
	}
	wrapped := NewResilientStore(inner, testRetrier(4))

	err := wrapped.AppendTrace(context.Background(), &bank.Trace{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestRetrierDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("checksum mismatch")
	inner := &flakyStore{failures: 10, err: permanent}
	wrapped := NewResilientStore(inner, testRetrier(4))

	err := wrapped.AppendTrace(context.Background(), &bank.Trace{ID: "t1"})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, inner.calls)
}

func TestRetrierExhaustionIsUnavailable(t *testing.T) {
	cause := fmt.Errorf("connection reset: %w", ErrTransient)
	inner := &flakyStore{failures: 10, err: cause}
	wrapped := NewResilientStore(inner, testRetrier(3))

	err := wrapped.AppendTrace(context.Background(), &bank.Trace{ID: "t1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, inner.calls)
}

func TestRetrierHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := &flakyStore{failures: 10, err: fmt.Errorf("busy: %w", ErrTransient)}
	wrapped := NewResilientStore(inner, testRetrier(5))

	err := wrapped.AppendTrace(ctx, &bank.Trace{ID: "t1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("validation failed")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrTransient)))
}
