/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestNewBadRequest(t *testing.T) {
	err := NewBadRequest("name is empty")
	assert.Equal(t, err.HttpCode, http.StatusBadRequest)
	assert.Equal(t, err.Reason, BadRequest)
	assert.Equal(t, err.Category, CategoryValidation)
	assert.ErrorContains(t, err, "name is empty")
	assert.Assert(t, IsBadRequest(err))
}

func TestNewNotFoundReasonByKind(t *testing.T) {
	tests := []struct {
		kind   string
		reason string
	}{
		{"workflow", WorkflowNotFound},
		{"version", VersionNotFound},
		{"job", JobNotFound},
		{"robot", RobotNotFound},
		{"schedule", ScheduleNotFound},
		{"calendar", NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			err := NewNotFound(tt.kind, "x-1")
			assert.Equal(t, err.Reason, tt.reason)
			assert.Equal(t, err.HttpCode, http.StatusNotFound)
			assert.Assert(t, IsNotFound(err))
		})
	}
}

func TestIgnoreNotFound(t *testing.T) {
	assert.NilError(t, IgnoreNotFound(nil))
	assert.NilError(t, IgnoreNotFound(NewNotFound("job", "j-1")))
	err := NewInternalError("boom")
	assert.Equal(t, IgnoreNotFound(err), error(err))
}

func TestReasonForErrorWrapped(t *testing.T) {
	inner := NewLeaseLost("j-1")
	wrapped := fmt.Errorf("report failed: %w", inner)
	assert.Equal(t, ReasonForError(wrapped), LeaseLost)
	assert.Assert(t, IsLeaseLost(wrapped))
	assert.Equal(t, ReasonForError(errors.New("plain")), "")
	assert.Assert(t, !IsCasare(errors.New("plain")))
}

func TestWithErrorUnwrap(t *testing.T) {
	inner := errors.New("driver: bad connection")
	err := NewTransientIO("insert failed").WithError(inner)
	assert.ErrorContains(t, err, "insert failed")
	assert.ErrorContains(t, err, "driver: bad connection")
	assert.Equal(t, errors.Unwrap(err), inner)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := NewRateLimited("schedule rate limit reached", 42*time.Second)
	assert.Equal(t, err.HttpCode, http.StatusTooManyRequests)
	assert.Equal(t, err.RetryAfter, 42*time.Second)
	assert.Assert(t, IsRateLimited(err))
}

func TestCategoryForError(t *testing.T) {
	assert.Equal(t, CategoryForError(NewTimeout("slow")), CategoryTimeout)
	assert.Equal(t, CategoryForError(NewForbidden("no")), CategoryPermission)
	assert.Equal(t, CategoryForError(errors.New("plain")), CategoryInternal)
}

func TestTerminalAlready(t *testing.T) {
	err := NewTerminalAlready("j-9", "completed")
	assert.Assert(t, IsTerminalAlready(err))
	assert.ErrorContains(t, err, "j-9")
	assert.ErrorContains(t, err, "completed")
}

func TestChainBroken(t *testing.T) {
	err := NewChainBroken(17)
	assert.Assert(t, IsChainBroken(err))
	assert.Equal(t, err.HttpCode, http.StatusInternalServerError)
	assert.ErrorContains(t, err, "17")
}
