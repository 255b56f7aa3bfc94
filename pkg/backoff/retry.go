/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

// Retry executes an operation with exponential backoff retry logic until it
// succeeds or maxElapsedTime is reached.
func Retry(op backoff.Operation, maxElapsedTime, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsedTime
	b.MaxInterval = maxInterval
	return backoff.Retry(op, b)
}

// TransientRetry retries an operation a fixed number of times with a fixed
// interval, but only while the error is classified transient or timeout.
func TransientRetry(op backoff.Operation, count int, interval time.Duration) error {
	var err error
	for i := 0; i < count; i++ {
		if err = op(); err == nil {
			return nil
		}
		category := commonerrors.CategoryForError(err)
		if category != commonerrors.CategoryTransientIO && category != commonerrors.CategoryTimeout {
			return err
		}
		if i < count-1 {
			time.Sleep(interval)
		}
	}
	return err
}

// Delay computes base · multiplier^attempt clamped to max. Used for job retry
// scheduling where the wait is stored, not slept.
func Delay(base time.Duration, multiplier float64, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
	if d > max || d < 0 {
		return max
	}
	return d
}
