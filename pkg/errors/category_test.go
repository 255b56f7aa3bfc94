/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"testing"

	"gotest.tools/assert"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		raw      string
		expected Category
	}{
		{"validation", CategoryValidation},
		{"  Transient_IO ", CategoryTransientIO},
		{"TIMEOUT", CategoryTimeout},
		{"permission", CategoryPermission},
		{"user_abort", CategoryUserAbort},
		{"whatever", CategoryInternal},
		{"", CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, ParseCategory(tt.raw), tt.expected)
		})
	}
}

func TestPolicyFor(t *testing.T) {
	assert.Assert(t, !PolicyFor(CategoryValidation).Retryable)
	assert.Assert(t, PolicyFor(CategoryTransientIO).Retryable)
	assert.Assert(t, PolicyFor(CategoryTimeout).Retryable)
	assert.Assert(t, !PolicyFor(CategoryPermission).Retryable)
	assert.Assert(t, !PolicyFor(CategoryUserAbort).Retryable)

	// unknown categories fall back to the internal policy
	fallback := PolicyFor(Category("weird"))
	assert.Equal(t, fallback, PolicyFor(CategoryInternal))
	assert.Assert(t, fallback.Retryable)
	assert.Equal(t, fallback.Severity, SeverityHigh)
}

func TestInferCategory(t *testing.T) {
	tests := []struct {
		message  string
		expected Category
	}{
		{"i/o timeout reading response", CategoryTimeout},
		{"context deadline exceeded", CategoryTimeout},
		{"dial tcp: connection refused", CategoryTransientIO},
		{"write: broken pipe", CategoryTransientIO},
		{"permission denied on selector", CategoryPermission},
		{"invalid selector syntax", CategoryValidation},
		{"run cancelled by user", CategoryUserAbort},
		{"nil pointer dereference", CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, InferCategory(tt.message), tt.expected)
		})
	}
}
