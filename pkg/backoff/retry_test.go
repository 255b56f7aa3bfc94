/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"testing"
	"time"

	"gotest.tools/assert"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func TestDelay(t *testing.T) {
	base := 5 * time.Second
	max := 10 * time.Minute

	assert.Equal(t, Delay(base, 2.0, 0, max), 5*time.Second)
	assert.Equal(t, Delay(base, 2.0, 1, max), 10*time.Second)
	assert.Equal(t, Delay(base, 2.0, 3, max), 40*time.Second)
}

func TestDelayClampedToMax(t *testing.T) {
	base := 5 * time.Second
	max := time.Minute

	assert.Equal(t, Delay(base, 2.0, 10, max), max)
	// overflow from a huge exponent still lands on max
	assert.Equal(t, Delay(base, 2.0, 500, max), max)
}

func TestDelayZeroBase(t *testing.T) {
	assert.Equal(t, Delay(0, 2.0, 3, time.Minute), time.Duration(0))
}

func TestTransientRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := TransientRetry(func() error {
		calls++
		return commonerrors.NewBadRequest("no retry for this")
	}, 5, time.Millisecond)
	assert.Assert(t, commonerrors.IsBadRequest(err))
	assert.Equal(t, calls, 1)
}

func TestTransientRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := TransientRetry(func() error {
		calls++
		if calls < 3 {
			return commonerrors.NewTransientIO("flaky")
		}
		return nil
	}, 5, time.Millisecond)
	assert.NilError(t, err)
	assert.Equal(t, calls, 3)
}

func TestTransientRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := TransientRetry(func() error {
		calls++
		return commonerrors.NewTimeout("still slow")
	}, 3, time.Millisecond)
	assert.ErrorContains(t, err, "still slow")
	assert.Equal(t, calls, 3)
}
