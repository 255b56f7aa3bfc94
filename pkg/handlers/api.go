/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package handlers exposes the orchestrator control API over gin. Every
// route runs behind the tenant gateway; handlers return plain values and
// errors, and the envelope conversion happens in one place.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
	"github.com/casarerpa/orchestrator/pkg/tenant"
)

const JsonContentType = "application/json"

// ApiError is the unified error response: HTTP code, stable Casare error
// code, message, fault category, and an optional retry-after hint in
// seconds.
type ApiError struct {
	HttpCode     int    `json:"-"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Category     string `json:"category,omitempty"`
	RetryAfter   int64  `json:"retryAfterSeconds,omitempty"`
}

// Error returns the error message string.
func (err *ApiError) Error() string {
	return err.ErrorMessage
}

// AbortWithApiError converts err into the unified envelope and aborts the
// request with it.
func AbortWithApiError(c *gin.Context, err error) {
	_ = c.Error(err)
	rsp := convertToErrResponse(err)
	if rsp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(rsp.RetryAfter, 10))
	}
	c.AbortWithStatusJSON(rsp.HttpCode, rsp)
}

// convertToErrResponse maps any error onto the envelope. Errors without a
// Casare code surface as internal errors.
func convertToErrResponse(err error) ApiError {
	var result *ApiError
	if errors.As(err, &result) {
		return *result
	}
	var statusErr *commonerrors.StatusError
	if !errors.As(err, &statusErr) {
		statusErr = commonerrors.NewInternalError(err.Error())
	}
	return ApiError{
		HttpCode:     statusErr.HttpCode,
		ErrorCode:    statusErr.Reason,
		ErrorMessage: statusErr.Error(),
		Category:     string(statusErr.Category),
		RetryAfter:   int64(statusErr.RetryAfter.Seconds()),
	}
}

type handleFunc func(*gin.Context) (interface{}, error)

// handle executes the handler function and processes the response/error.
func handle(c *gin.Context, fn handleFunc) {
	response, err := fn(c)
	if err != nil {
		AbortWithApiError(c, err)
		return
	}
	code := http.StatusOK
	if c.Writer.Status() > 0 {
		code = c.Writer.Status()
	}
	switch responseType := response.(type) {
	case []byte:
		c.Data(code, JsonContentType, responseType)
	case string:
		c.Data(code, JsonContentType, []byte(responseType))
	default:
		c.JSON(code, responseType)
	}
}

// requestIdentity returns the identity bound by the auth middleware.
func requestIdentity(c *gin.Context) (*tenant.Identity, error) {
	v, ok := c.Get(middleware.IdentityKey)
	if !ok {
		return nil, commonerrors.NewUnauthorized("missing identity")
	}
	id, ok := v.(*tenant.Identity)
	if !ok || id == nil {
		return nil, commonerrors.NewUnauthorized("missing identity")
	}
	return id, nil
}

// marshalStrings renders a string slice as a JSON array, "[]" when empty.
func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// pagination reads limit/offset query params with sane bounds.
func pagination(c *gin.Context) (int, int) {
	limit := 20
	offset := 0
	if l := c.Query("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 500 {
			limit = val
		}
	}
	if o := c.Query("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	return limit, offset
}
