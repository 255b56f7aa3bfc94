/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"encoding/json"
	"testing"

	"gotest.tools/assert"
)

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		payload string
		want    bool
	}{
		{
			name:    "exact match on one field",
			filter:  `{"status": "ready"}`,
			payload: `{"status": "ready", "extra": 1}`,
			want:    true,
		},
		{
			name:    "value mismatch",
			filter:  `{"status": "ready"}`,
			payload: `{"status": "failed"}`,
			want:    false,
		},
		{
			name:    "missing field",
			filter:  `{"status": "ready"}`,
			payload: `{"other": true}`,
			want:    false,
		},
		{
			name:    "multiple fields all must match",
			filter:  `{"status": "ready", "region": "eu"}`,
			payload: `{"status": "ready", "region": "eu"}`,
			want:    true,
		},
		{
			name:    "multiple fields one differs",
			filter:  `{"status": "ready", "region": "eu"}`,
			payload: `{"status": "ready", "region": "us"}`,
			want:    false,
		},
		{
			name:    "numeric equality",
			filter:  `{"batch": 3}`,
			payload: `{"batch": 3}`,
			want:    true,
		},
		{
			name:    "empty filter matches everything",
			filter:  `{}`,
			payload: `{"anything": "goes"}`,
			want:    true,
		},
		{
			name:    "unparseable filter rejects",
			filter:  `status=ready`,
			payload: `{"status": "ready"}`,
			want:    false,
		},
		{
			name:    "unparseable payload rejects",
			filter:  `{"status": "ready"}`,
			payload: `not json`,
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterMatches(tt.filter, json.RawMessage(tt.payload))
			assert.Equal(t, got, tt.want)
		})
	}
}

func TestMergeEventVariables(t *testing.T) {
	merged := mergeEventVariables(`{"env": "prod"}`, json.RawMessage(`{"file": "in.csv"}`), 1)

	var got map[string]interface{}
	assert.NilError(t, json.Unmarshal([]byte(merged), &got))
	assert.Equal(t, got["env"], "prod")
	assert.Equal(t, got["event_count"], float64(1))
	event, ok := got["event"].(map[string]interface{})
	assert.Assert(t, ok)
	assert.Equal(t, event["file"], "in.csv")
}

func TestMergeEventVariablesEmptyBase(t *testing.T) {
	merged := mergeEventVariables("", json.RawMessage(`{"k": "v"}`), 3)

	var got map[string]interface{}
	assert.NilError(t, json.Unmarshal([]byte(merged), &got))
	assert.Equal(t, got["event_count"], float64(3))
	assert.Assert(t, got["event"] != nil)
}
