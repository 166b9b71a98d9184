// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backoff implements the shared adapter retry policy: idempotent
// GETs/queries only, up to 3 attempts with exponential backoff 0.5s × 2^attempt
// plus random jitter, capped at 10s. Non-idempotent
// POSTs must not go through this path.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// MaxRetries bounds idempotent adapter request attempts.
const MaxRetries = 3

// Delay returns the sleep before retrying after attempt i (0-indexed).
func Delay(attempt int) time.Duration {
	base := 0.5*float64(uint(1)<<uint(attempt)) + rand.Float64()*0.5
	d := time.Duration(base * float64(time.Second))
	if cap := 10 * time.Second; d > cap {
		d = cap
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (4xx-class remote failures, parse
// errors); Retry returns it immediately, unwrapped.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Retry runs fn up to MaxRetries times. fn must be idempotent.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt == MaxRetries-1 {
			break
		}
		timer := time.NewTimer(Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
