/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"testing"
	"time"

	"gotest.tools/assert"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func TestNextRunCron(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeCron, Expression: "30 9 * * *"}
	after := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	next, err := NextRun(s, after)
	assert.NilError(t, err)
	assert.Equal(t, next, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	// already past today's slot, rolls to tomorrow
	next, err = NextRun(s, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, next, time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC))
}

func TestNextRunCronWithSecondsField(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeCron, Expression: "15 0 12 * * *"}
	next, err := NextRun(s, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, next, time.Date(2026, 3, 14, 12, 0, 15, 0, time.UTC))
}

func TestNextRunCronTimezone(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeCron, Expression: "0 9 * * *", Timezone: "America/New_York"}
	// 9:00 in New York on 2026-01-15 is 14:00 UTC
	next, err := NextRun(s, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, next, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC))
}

func TestNextRunCronInvalidExpression(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeCron, Expression: "not a cron"}
	_, err := NextRun(s, time.Now())
	assert.Assert(t, commonerrors.IsBadRequest(err))
}

func TestNextRunCronUnknownTimezone(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeCron, Expression: "* * * * *", Timezone: "Mars/Olympus"}
	_, err := NextRun(s, time.Now())
	assert.Assert(t, commonerrors.IsBadRequest(err))
}

func TestNextRunInterval(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeInterval, IntervalSeconds: dbutils.NullInt64(300)}
	after := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	next, err := NextRun(s, after)
	assert.NilError(t, err)
	assert.Equal(t, next, after.Add(5*time.Minute))
}

func TestNextRunIntervalAnchoredToStoredOccurrence(t *testing.T) {
	slot := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	s := &dbclient.Schedule{
		Type:            TypeInterval,
		IntervalSeconds: dbutils.NullInt64(300),
		NextRun:         dbutils.NullTime(slot),
	}

	// firing 2m30s late keeps the 5 minute cadence instead of drifting
	next, err := NextRun(s, slot.Add(2*time.Minute+30*time.Second))
	assert.NilError(t, err)
	assert.Equal(t, next, slot.Add(5*time.Minute))

	// far behind, the anchor steps forward to the first future slot
	next, err = NextRun(s, slot.Add(23*time.Minute))
	assert.NilError(t, err)
	assert.Equal(t, next, slot.Add(25*time.Minute))
}

func TestNextRunIntervalRequiresPositive(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeInterval}
	_, err := NextRun(s, time.Now())
	assert.Assert(t, commonerrors.IsBadRequest(err))

	s.IntervalSeconds = dbutils.NullInt64(-10)
	_, err = NextRun(s, time.Now())
	assert.Assert(t, commonerrors.IsBadRequest(err))
}

func TestNextRunOneTime(t *testing.T) {
	fireAt := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &dbclient.Schedule{Type: TypeOneTime, FireAt: dbutils.NullTime(fireAt)}

	next, err := NextRun(s, fireAt.Add(-time.Hour))
	assert.NilError(t, err)
	assert.Equal(t, next, fireAt)

	// after its instant a one_time schedule never fires again
	next, err = NextRun(s, fireAt.Add(time.Hour))
	assert.NilError(t, err)
	assert.Assert(t, next.IsZero())
}

func TestNextRunEventAndDependency(t *testing.T) {
	for _, typ := range []string{TypeEvent, TypeDependency} {
		next, err := NextRun(&dbclient.Schedule{Type: typ}, time.Now())
		assert.NilError(t, err)
		assert.Assert(t, next.IsZero())
	}
}

func TestNextRunUnknownType(t *testing.T) {
	_, err := NextRun(&dbclient.Schedule{Type: "lunar"}, time.Now())
	assert.Assert(t, commonerrors.IsBadRequest(err))
}

func TestMissedRunsInterval(t *testing.T) {
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	s := &dbclient.Schedule{
		Type:            TypeInterval,
		IntervalSeconds: dbutils.NullInt64(600),
		NextRun:         dbutils.NullTime(start),
	}
	now := start.Add(35 * time.Minute)
	misses, err := MissedRuns(s, now, 10)
	assert.NilError(t, err)
	assert.Equal(t, len(misses), 4)
	assert.Equal(t, misses[0], start)
	assert.Equal(t, misses[3], start.Add(30*time.Minute))
}

func TestMissedRunsCappedAtLimit(t *testing.T) {
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	s := &dbclient.Schedule{
		Type:            TypeInterval,
		IntervalSeconds: dbutils.NullInt64(60),
		NextRun:         dbutils.NullTime(start),
	}
	misses, err := MissedRuns(s, start.Add(time.Hour), 5)
	assert.NilError(t, err)
	assert.Equal(t, len(misses), 5)
}

func TestMissedRunsNothingPending(t *testing.T) {
	s := &dbclient.Schedule{Type: TypeInterval, IntervalSeconds: dbutils.NullInt64(60)}
	misses, err := MissedRuns(s, time.Now(), 5)
	assert.NilError(t, err)
	assert.Equal(t, len(misses), 0)

	s.NextRun = dbutils.NullTime(time.Now().Add(time.Hour))
	misses, err = MissedRuns(s, time.Now(), 5)
	assert.NilError(t, err)
	assert.Equal(t, len(misses), 0)
}

func TestMissedRunsOneTime(t *testing.T) {
	fireAt := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	s := &dbclient.Schedule{
		Type:    TypeOneTime,
		FireAt:  dbutils.NullTime(fireAt),
		NextRun: dbutils.NullTime(fireAt),
	}
	misses, err := MissedRuns(s, fireAt.Add(time.Hour), 5)
	assert.NilError(t, err)
	assert.Equal(t, len(misses), 1)
	assert.Equal(t, misses[0], fireAt)
}
