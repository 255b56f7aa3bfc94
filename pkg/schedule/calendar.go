/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"encoding/json"
	"strings"
	"time"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

// Calendar policies for occurrences landing outside working time.
const (
	PolicyRun             = "run"
	PolicySkip            = "skip"
	PolicyNextBusinessDay = "next_business_day"
	PolicyDefer           = "defer"
)

// CalendarVerdict is the calendar gate's decision for one occurrence.
type CalendarVerdict int

const (
	// VerdictFire lets the occurrence through.
	VerdictFire CalendarVerdict = iota
	// VerdictSkip suppresses the occurrence; the schedule advances past it.
	VerdictSkip
	// VerdictDefer moves the occurrence to DeferUntil without firing.
	VerdictDefer
)

type workingDay struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// calendarRules is a BusinessCalendar parsed into an evaluable form.
type calendarRules struct {
	loc        *time.Location
	days       map[time.Weekday]workingDay
	weekend    string
	outside    string
	nonWorking map[string]bool // yyyy-mm-dd, holidays plus custom dates
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

func parseCalendar(cal *dbclient.BusinessCalendar) (*calendarRules, error) {
	loc, err := loadLocation(cal.Timezone)
	if err != nil {
		return nil, err
	}
	var rawDays map[string]workingDay
	if cal.WorkingHours != "" {
		if err = json.Unmarshal([]byte(cal.WorkingHours), &rawDays); err != nil {
			return nil, commonerrors.NewBadRequest("malformed working hours on calendar " + cal.Id)
		}
	}
	days := make(map[time.Weekday]workingDay, len(rawDays))
	for name, d := range rawDays {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, commonerrors.NewBadRequest("unknown weekday " + name)
		}
		days[wd] = d
	}
	nonWorking := make(map[string]bool)
	for _, field := range []string{cal.Holidays, cal.CustomNonWorking} {
		if field == "" {
			continue
		}
		var dates []string
		if err = json.Unmarshal([]byte(field), &dates); err != nil {
			return nil, commonerrors.NewBadRequest("malformed date list on calendar " + cal.Id)
		}
		for _, d := range dates {
			nonWorking[d] = true
		}
	}
	return &calendarRules{
		loc:        loc,
		days:       days,
		weekend:    cal.WeekendPolicy,
		outside:    cal.OutsideHoursPolicy,
		nonWorking: nonWorking,
	}, nil
}

// minuteOfDay parses "HH:MM" into minutes since midnight, -1 on failure.
func minuteOfDay(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}

func (r *calendarRules) isNonWorkingDate(t time.Time) bool {
	return r.nonWorking[t.In(r.loc).Format("2006-01-02")]
}

func (r *calendarRules) isWeekend(t time.Time) bool {
	wd := t.In(r.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// withinHours reports whether the instant falls in the day's working window.
// A day absent from the config or disabled has no working hours.
func (r *calendarRules) withinHours(t time.Time) bool {
	local := t.In(r.loc)
	day, ok := r.days[local.Weekday()]
	if !ok || !day.Enabled {
		return false
	}
	start, end := minuteOfDay(day.Start), minuteOfDay(day.End)
	if start < 0 || end < 0 {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end
}

// nextWorkingInstant finds the first working-hours opening at or after t,
// scanning at most a year ahead.
func (r *calendarRules) nextWorkingInstant(t time.Time) time.Time {
	local := t.In(r.loc)
	for i := 0; i < 366; i++ {
		day := local.AddDate(0, 0, i)
		if r.isNonWorkingDate(day) {
			continue
		}
		cfg, ok := r.days[day.Weekday()]
		if !ok || !cfg.Enabled {
			continue
		}
		start := minuteOfDay(cfg.Start)
		end := minuteOfDay(cfg.End)
		if start < 0 || end < 0 {
			continue
		}
		opening := time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, r.loc)
		if i == 0 && local.After(opening) {
			// Already past today's opening; usable only if still inside.
			if local.Hour()*60+local.Minute() < end {
				return t.UTC()
			}
			continue
		}
		return opening.UTC()
	}
	return time.Time{}
}

// evaluateCalendar applies the weekend, holiday and working-hours rules to
// one occurrence. Blackouts are checked separately because they live in
// their own table and also suppress schedules without a calendar.
func evaluateCalendar(cal *dbclient.BusinessCalendar, fireTime time.Time) (CalendarVerdict, time.Time, error) {
	rules, err := parseCalendar(cal)
	if err != nil {
		return VerdictSkip, time.Time{}, err
	}

	policy := ""
	switch {
	case rules.isNonWorkingDate(fireTime):
		policy = rules.weekend
	case rules.isWeekend(fireTime) && !rules.withinHours(fireTime):
		policy = rules.weekend
	case !rules.withinHours(fireTime):
		policy = rules.outside
	default:
		return VerdictFire, time.Time{}, nil
	}

	switch policy {
	case PolicyRun, "":
		return VerdictFire, time.Time{}, nil
	case PolicySkip:
		return VerdictSkip, time.Time{}, nil
	case PolicyNextBusinessDay, PolicyDefer:
		next := rules.nextWorkingInstant(fireTime)
		if next.IsZero() {
			return VerdictSkip, time.Time{}, nil
		}
		return VerdictDefer, next, nil
	default:
		return VerdictSkip, time.Time{}, commonerrors.NewBadRequest("unknown calendar policy " + policy)
	}
}

// inBlackout reports whether the instant is covered by any of the windows.
func inBlackout(blackouts []*dbclient.BlackoutPeriod, at time.Time) (*dbclient.BlackoutPeriod, bool) {
	for _, b := range blackouts {
		if !b.StartTime.Valid || !b.EndTime.Valid {
			continue
		}
		if !at.Before(b.StartTime.Time) && at.Before(b.EndTime.Time) {
			return b, true
		}
	}
	return nil, false
}
