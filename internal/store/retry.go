package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sohbet/internal/cryptox"
)

const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// withRetry reruns op on transient failures with exponential backoff.
// Definite outcomes pass through untouched: a missing row, a decrypt
// failure and a cancelled context do not improve with repetition.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = op()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, cryptox.ErrDecryptFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
