/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestPlanCatchupParallelReplaysAllMisses(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	misses := []time.Time{
		now.Add(-30 * time.Minute),
		now.Add(-20 * time.Minute),
		now.Add(-10 * time.Minute),
	}

	plan := planCatchup(misses, time.Time{}, false, false, 0, now)
	assert.Equal(t, len(plan.occurrences), 3)
	// misses keep their original occurrence times
	assert.Equal(t, plan.occurrences[0], misses[0])
	assert.Equal(t, plan.occurrences[2], misses[2])
	assert.Assert(t, plan.holdUntil.IsZero())
}

func TestPlanCatchupWindowDropsStaleMisses(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	misses := []time.Time{
		now.Add(-2 * time.Hour),
		now.Add(-10 * time.Minute),
	}

	plan := planCatchup(misses, now.Add(-time.Hour), true, false, 0, now)
	assert.Equal(t, len(plan.occurrences), 1)
	assert.Equal(t, plan.occurrences[0], misses[1])

	// everything outside the window means nothing to replay
	plan = planCatchup(misses[:1], now.Add(-time.Hour), true, false, 0, now)
	assert.Equal(t, len(plan.occurrences), 0)
	assert.Assert(t, plan.holdUntil.IsZero())
}

func TestPlanCatchupSequentialReleasesOneAtATime(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	misses := []time.Time{
		now.Add(-30 * time.Minute),
		now.Add(-20 * time.Minute),
		now.Add(-10 * time.Minute),
	}

	plan := planCatchup(misses, time.Time{}, false, true, 0, now)
	assert.Equal(t, len(plan.occurrences), 1)
	assert.Equal(t, plan.occurrences[0], misses[0])
	// the schedule parks at the next miss, not at a synthetic offset
	assert.Equal(t, plan.holdUntil, misses[1])

	// the final remaining miss releases with nothing to park on
	plan = planCatchup(misses[2:], time.Time{}, false, true, 0, now)
	assert.Equal(t, len(plan.occurrences), 1)
	assert.Assert(t, plan.holdUntil.IsZero())
}

func TestPlanCatchupSequentialWaitsForInFlightJob(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	misses := []time.Time{now.Add(-20 * time.Minute), now.Add(-10 * time.Minute)}

	plan := planCatchup(misses, time.Time{}, false, true, 1, now)
	assert.Equal(t, len(plan.occurrences), 0)
	assert.Equal(t, plan.holdUntil, now.Add(dependencyRecheck))
}

func TestMergeVariables(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		upstream []string
		want     string
	}{
		{
			name: "no upstream keeps base",
			base: `{"a":1}`,
			want: `{"a":1}`,
		},
		{
			name: "empty base defaults to object",
			want: "{}",
		},
		{
			name:     "upstream keys overlay",
			base:     `{"a":1,"b":1}`,
			upstream: []string{`{"b":2}`},
			want:     `{"a":1,"b":2}`,
		},
		{
			name:     "later upstream wins",
			base:     `{}`,
			upstream: []string{`{"x":"first"}`, `{"x":"second"}`},
			want:     `{"x":"second"}`,
		},
		{
			name:     "non-object upstream ignored",
			base:     `{"a":1}`,
			upstream: []string{`[1,2,3]`, `"plain"`},
			want:     `{"a":1}`,
		},
		{
			name:     "unparseable base passes through",
			base:     `not json`,
			upstream: []string{`{"a":1}`},
			want:     `not json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, mergeVariables(tt.base, tt.upstream), tt.want)
		})
	}
}

func TestConditionRetryCap(t *testing.T) {
	e := &Engine{condRetries: make(map[string]int)}

	assert.Assert(t, e.conditionRetryAllowed("s-1", 2))
	assert.Assert(t, e.conditionRetryAllowed("s-1", 2))
	// the cap is spent, the gate stops re-arming
	assert.Assert(t, !e.conditionRetryAllowed("s-1", 2))
	// the refusal reset the counter for the next regular occurrence
	assert.Assert(t, e.conditionRetryAllowed("s-1", 2))

	// schedules count independently
	assert.Assert(t, e.conditionRetryAllowed("s-2", 1))
	assert.Assert(t, !e.conditionRetryAllowed("s-2", 1))
}

func TestConditionRetryUnlimitedWithoutCap(t *testing.T) {
	e := &Engine{condRetries: make(map[string]int)}
	for i := 0; i < 50; i++ {
		assert.Assert(t, e.conditionRetryAllowed("s-1", 0))
	}
	e.clearConditionRetries("s-1")
	assert.Equal(t, len(e.condRetries), 0)
}
