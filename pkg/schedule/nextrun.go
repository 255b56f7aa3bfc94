/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

// Trigger types.
const (
	TypeCron       = "cron"
	TypeInterval   = "interval"
	TypeEvent      = "event"
	TypeDependency = "dependency"
	TypeOneTime    = "one_time"
)

// cronParser accepts 5-field expressions and the optional seconds field.
// The cron library evaluates in the schedule's location, which also gives
// the DST behavior the engine wants: skipped local times roll forward,
// ambiguous ones take the first occurrence.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCronExpression validates a cron expression up front so a bad
// schedule is rejected at create time, not at fire time.
func ParseCronExpression(expression string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return nil, commonerrors.NewBadRequest("invalid cron expression: " + err.Error())
	}
	return sched, nil
}

// loadLocation resolves the schedule's IANA timezone, defaulting to UTC.
func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, commonerrors.NewBadRequest("unknown timezone " + tz)
	}
	return loc, nil
}

// NextRun computes the occurrence after the given instant. A zero result
// means the schedule has no further automatic firing: one_time after its
// instant, and event or dependency schedules which fire on ingest instead
// of the clock.
func NextRun(s *dbclient.Schedule, after time.Time) (time.Time, error) {
	switch s.Type {
	case TypeCron:
		loc, err := loadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		sched, err := ParseCronExpression(s.Expression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after.In(loc)).UTC(), nil
	case TypeInterval:
		if !s.IntervalSeconds.Valid || s.IntervalSeconds.Int64 <= 0 {
			return time.Time{}, commonerrors.NewBadRequest("interval schedule requires a positive interval")
		}
		interval := time.Duration(s.IntervalSeconds.Int64) * time.Second
		// Anchored to the stored occurrence, so a late firing keeps the
		// original cadence instead of drifting by the delay.
		anchor := after.UTC()
		if s.NextRun.Valid {
			anchor = s.NextRun.Time.UTC()
		}
		next := anchor.Add(interval)
		for !next.After(after.UTC()) {
			next = next.Add(interval)
		}
		return next, nil
	case TypeOneTime:
		if !s.FireAt.Valid {
			return time.Time{}, commonerrors.NewBadRequest("one_time schedule requires fire_at")
		}
		if s.FireAt.Time.After(after) {
			return s.FireAt.Time.UTC(), nil
		}
		return time.Time{}, nil
	case TypeEvent, TypeDependency:
		return time.Time{}, nil
	default:
		return time.Time{}, commonerrors.NewBadRequest("unknown schedule type " + s.Type)
	}
}

// MissedRuns enumerates the occurrences a schedule skipped between its
// stored next_run and now, oldest first, capped at limit. Interval and cron
// schedules replay; the other types have nothing to catch up.
func MissedRuns(s *dbclient.Schedule, now time.Time, limit int) ([]time.Time, error) {
	if !s.NextRun.Valid || limit <= 0 {
		return nil, nil
	}
	var misses []time.Time
	cursor := s.NextRun.Time
	for len(misses) < limit && cursor.Before(now) {
		misses = append(misses, cursor.UTC())
		next, err := NextRun(s, cursor)
		if err != nil {
			return nil, err
		}
		if next.IsZero() || !next.After(cursor) {
			break
		}
		cursor = next
	}
	return misses, nil
}
