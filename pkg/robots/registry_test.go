/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package robots

import (
	"testing"
	"time"

	"gotest.tools/assert"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
)

func TestHasCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		caps     string
		required []string
		want     bool
	}{
		{
			name:     "no requirements",
			caps:     `[]`,
			required: nil,
			want:     true,
		},
		{
			name:     "exact cover",
			caps:     `["browser", "excel"]`,
			required: []string{"browser", "excel"},
			want:     true,
		},
		{
			name:     "superset covers",
			caps:     `["browser", "excel", "sap"]`,
			required: []string{"excel"},
			want:     true,
		},
		{
			name:     "missing capability",
			caps:     `["browser"]`,
			required: []string{"browser", "sap"},
			want:     false,
		},
		{
			name:     "malformed capability json",
			caps:     `browser,excel`,
			required: []string{"browser"},
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, hasCapabilities(tt.caps, tt.required), tt.want)
		})
	}
}

func TestSortByCapabilitySurplus(t *testing.T) {
	robotsList := []*dbclient.Robot{
		{Id: "broad", Capabilities: `["browser", "excel", "sap", "ocr"]`},
		{Id: "narrow", Capabilities: `["browser"]`},
		{Id: "mid", Capabilities: `["browser", "excel"]`},
	}
	sortByCapabilitySurplus(robotsList, []string{"browser"})
	assert.Equal(t, robotsList[0].Id, "narrow")
	assert.Equal(t, robotsList[1].Id, "mid")
	assert.Equal(t, robotsList[2].Id, "broad")
}

func TestSortByCapabilitySurplusStable(t *testing.T) {
	// equal surplus keeps the incoming (least-loaded) order
	robotsList := []*dbclient.Robot{
		{Id: "first", Capabilities: `["browser", "excel"]`},
		{Id: "second", Capabilities: `["browser", "sap"]`},
	}
	sortByCapabilitySurplus(robotsList, []string{"browser"})
	assert.Equal(t, robotsList[0].Id, "first")
	assert.Equal(t, robotsList[1].Id, "second")
}

func TestExclusionWindow(t *testing.T) {
	r := &Registry{exclusions: make(map[string]map[string]time.Time)}
	now := time.Now().UTC()

	assert.Assert(t, !r.isExcluded("daily-report", "r-1", now))

	r.Exclude("daily-report", "r-1")
	assert.Assert(t, r.isExcluded("daily-report", "r-1", now))
	assert.Assert(t, !r.isExcluded("daily-report", "r-2", now))
	assert.Assert(t, !r.isExcluded("other-key", "r-1", now))
}

func TestExclusionExpires(t *testing.T) {
	r := &Registry{exclusions: map[string]map[string]time.Time{
		"daily-report": {"r-1": time.Now().UTC().Add(-time.Minute)},
	}}
	assert.Assert(t, !r.isExcluded("daily-report", "r-1", time.Now().UTC()))
	// the lapsed record is pruned on lookup
	_, ok := r.exclusions["daily-report"]
	assert.Assert(t, !ok)
}

func TestExcludeIgnoresEmptyKeys(t *testing.T) {
	r := &Registry{exclusions: make(map[string]map[string]time.Time)}
	r.Exclude("", "r-1")
	r.Exclude("daily-report", "")
	assert.Equal(t, len(r.exclusions), 0)
}
