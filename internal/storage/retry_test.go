package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetriable(t *testing.T) {
	require.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	require.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	require.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetriable(errors.New("boom")))
	require.False(t, isRetriable(nil))
}

func TestWithRetry_SucceedsAfterRetriableFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetry_GivesUpOnNonRetriable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetry_ExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		attempts++
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
}
