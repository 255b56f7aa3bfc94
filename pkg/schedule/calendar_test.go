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

const officeHours = `{
	"monday":    {"enabled": true, "start": "09:00", "end": "17:00"},
	"tuesday":   {"enabled": true, "start": "09:00", "end": "17:00"},
	"wednesday": {"enabled": true, "start": "09:00", "end": "17:00"},
	"thursday":  {"enabled": true, "start": "09:00", "end": "17:00"},
	"friday":    {"enabled": true, "start": "09:00", "end": "13:00"}
}`

func officeCalendar() *dbclient.BusinessCalendar {
	return &dbclient.BusinessCalendar{
		Id:                 "cal-1",
		Name:               "office",
		Timezone:           "UTC",
		WorkingHours:       officeHours,
		WeekendPolicy:      PolicySkip,
		OutsideHoursPolicy: PolicyDefer,
		Holidays:           `["2026-12-25"]`,
		CustomNonWorking:   `["2026-03-17"]`,
	}
}

func TestEvaluateCalendarFiresInsideHours(t *testing.T) {
	// Monday 2026-03-16 10:00 UTC
	verdict, _, err := evaluateCalendar(officeCalendar(), time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictFire)
}

func TestEvaluateCalendarWeekendSkips(t *testing.T) {
	// Saturday 2026-03-14
	verdict, _, err := evaluateCalendar(officeCalendar(), time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictSkip)
}

func TestEvaluateCalendarWeekendRunPolicy(t *testing.T) {
	cal := officeCalendar()
	cal.WeekendPolicy = PolicyRun
	verdict, _, err := evaluateCalendar(cal, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictFire)
}

func TestEvaluateCalendarOutsideHoursDefers(t *testing.T) {
	// Monday 2026-03-16 06:00, before the 09:00 opening
	verdict, deferUntil, err := evaluateCalendar(officeCalendar(), time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictDefer)
	assert.Equal(t, deferUntil, time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC))
}

func TestEvaluateCalendarAfterCloseDefersToNextDay(t *testing.T) {
	// Friday 2026-03-20 closes at 13:00; 15:00 rolls to Monday 09:00
	verdict, deferUntil, err := evaluateCalendar(officeCalendar(), time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictDefer)
	assert.Equal(t, deferUntil, time.Date(2026, 3, 23, 9, 0, 0, 0, time.UTC))
}

func TestEvaluateCalendarHoliday(t *testing.T) {
	// 2026-12-25 is a Friday holiday, weekend policy applies
	verdict, _, err := evaluateCalendar(officeCalendar(), time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictSkip)
}

func TestEvaluateCalendarCustomNonWorkingDate(t *testing.T) {
	// Tuesday 2026-03-17 is in custom_non_working
	verdict, _, err := evaluateCalendar(officeCalendar(), time.Date(2026, 3, 17, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictSkip)
}

func TestEvaluateCalendarNextBusinessDaySkipsHoliday(t *testing.T) {
	cal := officeCalendar()
	cal.WeekendPolicy = PolicyNextBusinessDay
	// Custom non-working Tuesday pushes to Wednesday's opening
	verdict, deferUntil, err := evaluateCalendar(cal, time.Date(2026, 3, 17, 10, 0, 0, 0, time.UTC))
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictDefer)
	assert.Equal(t, deferUntil, time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC))
}

func TestParseCalendarMalformedWorkingHours(t *testing.T) {
	cal := officeCalendar()
	cal.WorkingHours = `{"monday": "nine to five"}`
	_, err := parseCalendar(cal)
	assert.Assert(t, commonerrors.IsBadRequest(err))
}

func TestParseCalendarUnknownWeekday(t *testing.T) {
	cal := officeCalendar()
	cal.WorkingHours = `{"moonday": {"enabled": true, "start": "09:00", "end": "17:00"}}`
	_, err := parseCalendar(cal)
	assert.Assert(t, commonerrors.IsBadRequest(err))
}

func TestMinuteOfDay(t *testing.T) {
	assert.Equal(t, minuteOfDay("09:30"), 570)
	assert.Equal(t, minuteOfDay("00:00"), 0)
	assert.Equal(t, minuteOfDay("23:59"), 1439)
	assert.Equal(t, minuteOfDay("9am"), -1)
}

func TestInBlackout(t *testing.T) {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)
	blackouts := []*dbclient.BlackoutPeriod{
		{Id: 1, Name: "maintenance", StartTime: dbutils.NullTime(start), EndTime: dbutils.NullTime(end)},
	}

	hit, ok := inBlackout(blackouts, start.Add(time.Hour))
	assert.Assert(t, ok)
	assert.Equal(t, hit.Id, int64(1))

	// the window is half-open: start inclusive, end exclusive
	_, ok = inBlackout(blackouts, end)
	assert.Assert(t, !ok)

	hit, ok = inBlackout(blackouts, start)
	assert.Assert(t, ok)
	assert.Equal(t, hit.Name, "maintenance")

	_, ok = inBlackout(blackouts, start.Add(-time.Minute))
	assert.Assert(t, !ok)

	_, ok = inBlackout(nil, start)
	assert.Assert(t, !ok)
}
