/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gotest.tools/assert"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func TestConvertToErrResponseStatusError(t *testing.T) {
	rsp := convertToErrResponse(commonerrors.NewNotFound("workflow", "wf-1"))
	assert.Equal(t, rsp.HttpCode, http.StatusNotFound)
	assert.Equal(t, rsp.ErrorCode, commonerrors.WorkflowNotFound)
	assert.Assert(t, rsp.ErrorMessage != "")
}

func TestConvertToErrResponseWrappedStatusError(t *testing.T) {
	wrapped := fmt.Errorf("creating schedule: %w", commonerrors.NewBadRequest("bad cron expression"))
	rsp := convertToErrResponse(wrapped)
	assert.Equal(t, rsp.HttpCode, http.StatusBadRequest)
	assert.Equal(t, rsp.ErrorCode, commonerrors.BadRequest)
}

func TestConvertToErrResponsePlainError(t *testing.T) {
	rsp := convertToErrResponse(fmt.Errorf("connection reset"))
	assert.Equal(t, rsp.HttpCode, http.StatusInternalServerError)
	assert.Equal(t, rsp.ErrorCode, commonerrors.InternalError)
	assert.Equal(t, rsp.ErrorMessage, "connection reset")
}

func TestConvertToErrResponseApiErrorPassthrough(t *testing.T) {
	original := &ApiError{HttpCode: http.StatusTeapot, ErrorCode: "X-1", ErrorMessage: "teapot"}
	rsp := convertToErrResponse(original)
	assert.Equal(t, rsp, *original)
}

func TestConvertToErrResponseRetryAfter(t *testing.T) {
	rsp := convertToErrResponse(commonerrors.NewRateLimited("slow down", 90*time.Second))
	assert.Equal(t, rsp.HttpCode, http.StatusTooManyRequests)
	assert.Equal(t, rsp.RetryAfter, int64(90))
}

func TestAbortWithApiErrorSetsRetryAfterHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	AbortWithApiError(c, commonerrors.NewRateLimited("slow down", 30*time.Second))

	assert.Equal(t, w.Code, http.StatusTooManyRequests)
	assert.Equal(t, w.Header().Get("Retry-After"), "30")
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", query: "", wantLimit: 20, wantOffset: 0},
		{name: "explicit values", query: "limit=50&offset=100", wantLimit: 50, wantOffset: 100},
		{name: "limit capped at 500", query: "limit=9999", wantLimit: 20, wantOffset: 0},
		{name: "max limit accepted", query: "limit=500", wantLimit: 500, wantOffset: 0},
		{name: "negative values ignored", query: "limit=-5&offset=-1", wantLimit: 20, wantOffset: 0},
		{name: "garbage ignored", query: "limit=abc&offset=xyz", wantLimit: 20, wantOffset: 0},
	}
	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			limit, offset := pagination(c)
			assert.Equal(t, limit, tt.wantLimit)
			assert.Equal(t, offset, tt.wantOffset)
		})
	}
}

func TestMarshalStrings(t *testing.T) {
	assert.Equal(t, marshalStrings(nil), "[]")
	assert.Equal(t, marshalStrings([]string{}), "[]")
	assert.Equal(t, marshalStrings([]string{"a", "b"}), `["a","b"]`)
}

func TestRequestIdentityMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, err := requestIdentity(c)
	assert.Assert(t, commonerrors.IsUnauthorized(err))
}
