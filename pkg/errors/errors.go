/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const CasarePrefix = "Casare."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00–99), used to distinguish errors from different business interfaces.
   00: General errors
   01: Workflow-related errors
   02: Job-queue-related errors
   03: Robot-related errors
   04: Schedule-related errors
   05: Audit-related errors
   [yyy] Error code range (000–999)
*/

// public: 00xxx
const (
	InternalError   = CasarePrefix + "00001"
	BadRequest      = CasarePrefix + "00002"
	Forbidden       = CasarePrefix + "00003"
	AlreadyExist    = CasarePrefix + "00004"
	NotFound        = CasarePrefix + "00005"
	QuotaExceeded   = CasarePrefix + "00006"
	Unauthorized    = CasarePrefix + "00007"
	RateLimited     = CasarePrefix + "00008"
	NoTenantContext = CasarePrefix + "00009"
	Timeout         = CasarePrefix + "00010"
	TransientIO     = CasarePrefix + "00011"
)

// workflow: 01xxx
const (
	WorkflowNotFound = CasarePrefix + "01001"
	VersionNotFound  = CasarePrefix + "01002"
	VersionArchived  = CasarePrefix + "01003"
	ChecksumMismatch = CasarePrefix + "01004"
)

// job queue: 02xxx
const (
	JobNotFound     = CasarePrefix + "02001"
	LeaseLost       = CasarePrefix + "02002"
	WrongRobot      = CasarePrefix + "02003"
	TerminalAlready = CasarePrefix + "02004"
	InvalidVersion  = CasarePrefix + "02005"
)

// robot: 03xxx
const (
	RobotNotFound = CasarePrefix + "03001"
	RobotOffline  = CasarePrefix + "03002"
)

// schedule: 04xxx
const (
	ScheduleNotFound = CasarePrefix + "04001"
	DependencyCycle  = CasarePrefix + "04002"
)

// audit: 05xxx
const (
	ChainBroken = CasarePrefix + "05001"
)

// Category classifies the fault behind an error. Retry policy and severity are
// looked up per category, not per call site.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryTransientIO Category = "transient_io"
	CategoryTimeout     Category = "timeout"
	CategoryPermission  Category = "permission"
	CategoryInternal    Category = "internal"
	CategoryUserAbort   Category = "user_abort"
)

// StatusError is the single error type surfaced by the orchestrator core.
// Reason carries the stable Casare error code, Category the fault taxonomy,
// and RetryAfter an optional hint for rate-limit and quota errors.
type StatusError struct {
	HttpCode   int
	Reason     string
	Message    string
	Category   Category
	RetryAfter time.Duration
	inner      error
}

func (e *StatusError) Error() string {
	if e.inner == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.inner)
}

func (e *StatusError) Unwrap() error {
	return e.inner
}

// WithError attaches the underlying error and returns e for chaining.
func (e *StatusError) WithError(err error) *StatusError {
	e.inner = err
	return e
}

// WithRetryAfter sets the retry-after hint and returns e for chaining.
func (e *StatusError) WithRetryAfter(d time.Duration) *StatusError {
	e.RetryAfter = d
	return e
}

// ReasonForError returns the Casare error code of err, or "" if err is not a StatusError.
func ReasonForError(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Reason
	}
	return ""
}

// CategoryForError returns the fault category of err, defaulting to internal.
func CategoryForError(err error) Category {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Category
	}
	return CategoryInternal
}

// IsCasare returns true if err carries a Casare error code.
func IsCasare(err error) bool {
	return ReasonForError(err) != ""
}

func IsBadRequest(err error) bool {
	return ReasonForError(err) == BadRequest
}

func IsInternal(err error) bool {
	return ReasonForError(err) == InternalError
}

func IsAlreadyExist(err error) bool {
	return ReasonForError(err) == AlreadyExist
}

func IsForbidden(err error) bool {
	return ReasonForError(err) == Forbidden
}

func IsUnauthorized(err error) bool {
	return ReasonForError(err) == Unauthorized
}

func IsQuotaExceeded(err error) bool {
	return ReasonForError(err) == QuotaExceeded
}

func IsRateLimited(err error) bool {
	return ReasonForError(err) == RateLimited
}

func IsLeaseLost(err error) bool {
	return ReasonForError(err) == LeaseLost
}

func IsTerminalAlready(err error) bool {
	return ReasonForError(err) == TerminalAlready
}

func IsVersionArchived(err error) bool {
	return ReasonForError(err) == VersionArchived
}

func IsChecksumMismatch(err error) bool {
	return ReasonForError(err) == ChecksumMismatch
}

func IsDependencyCycle(err error) bool {
	return ReasonForError(err) == DependencyCycle
}

func IsChainBroken(err error) bool {
	return ReasonForError(err) == ChainBroken
}

func IsNoTenantContext(err error) bool {
	return ReasonForError(err) == NoTenantContext
}

func IsNotFound(err error) bool {
	switch ReasonForError(err) {
	case NotFound, WorkflowNotFound, VersionNotFound, JobNotFound, RobotNotFound, ScheduleNotFound:
		return true
	}
	return false
}

// IgnoreNotFound swallows not-found errors so callers can treat absence as success.
func IgnoreNotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

func GetErrorCode(err error) string {
	return ReasonForError(err)
}

func NewBadRequest(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusBadRequest,
		Reason:   BadRequest,
		Message:  fmt.Sprintf("Bad request. %s", message),
		Category: CategoryValidation,
	}
}

func NewInternalError(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusInternalServerError,
		Reason:   InternalError,
		Message:  fmt.Sprintf("Internal error. %s", message),
		Category: CategoryInternal,
	}
}

func NewAlreadyExist(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   AlreadyExist,
		Message:  message,
		Category: CategoryValidation,
	}
}

func NewForbidden(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusForbidden,
		Reason:   Forbidden,
		Message:  message,
		Category: CategoryPermission,
	}
}

func NewUnauthorized(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusUnauthorized,
		Reason:   Unauthorized,
		Message:  message,
		Category: CategoryPermission,
	}
}

func NewNoTenantContext() *StatusError {
	return &StatusError{
		HttpCode: http.StatusForbidden,
		Reason:   NoTenantContext,
		Message:  "no tenant context is bound to the request",
		Category: CategoryPermission,
	}
}

func NewQuotaExceeded(resource string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusTooManyRequests,
		Reason:   QuotaExceeded,
		Message:  fmt.Sprintf("the tenant quota for %s is exhausted", resource),
		Category: CategoryValidation,
	}
}

func NewRateLimited(message string, retryAfter time.Duration) *StatusError {
	return &StatusError{
		HttpCode:   http.StatusTooManyRequests,
		Reason:     RateLimited,
		Message:    message,
		Category:   CategoryValidation,
		RetryAfter: retryAfter,
	}
}

func NewTimeout(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusGatewayTimeout,
		Reason:   Timeout,
		Message:  message,
		Category: CategoryTimeout,
	}
}

func NewTransientIO(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusServiceUnavailable,
		Reason:   TransientIO,
		Message:  message,
		Category: CategoryTransientIO,
	}
}

func NewNotFound(kind, name string) *StatusError {
	reason := NotFound
	switch kind {
	case "workflow":
		reason = WorkflowNotFound
	case "version":
		reason = VersionNotFound
	case "job":
		reason = JobNotFound
	case "robot":
		reason = RobotNotFound
	case "schedule":
		reason = ScheduleNotFound
	}
	return &StatusError{
		HttpCode: http.StatusNotFound,
		Reason:   reason,
		Message:  fmt.Sprintf("%s %s not found.", kind, name),
		Category: CategoryValidation,
	}
}

func NewNotFoundWithMessage(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusNotFound,
		Reason:   NotFound,
		Message:  message,
		Category: CategoryValidation,
	}
}

func NewLeaseLost(jobId string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   LeaseLost,
		Message:  fmt.Sprintf("the lease on job %s is no longer held", jobId),
		Category: CategoryTransientIO,
	}
}

func NewWrongRobot(jobId, robotId string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   WrongRobot,
		Message:  fmt.Sprintf("job %s is not assigned to robot %s", jobId, robotId),
		Category: CategoryValidation,
	}
}

func NewTerminalAlready(jobId, status string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   TerminalAlready,
		Message:  fmt.Sprintf("job %s is already terminal (%s)", jobId, status),
		Category: CategoryValidation,
	}
}

func NewRobotOffline(robotId string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   RobotOffline,
		Message:  fmt.Sprintf("robot %s has no live session", robotId),
		Category: CategoryTransientIO,
	}
}

func NewInvalidVersion(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusBadRequest,
		Reason:   InvalidVersion,
		Message:  message,
		Category: CategoryValidation,
	}
}

func NewVersionArchived(versionId string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   VersionArchived,
		Message:  fmt.Sprintf("workflow version %s is archived and cannot execute", versionId),
		Category: CategoryValidation,
	}
}

func NewChecksumMismatch(versionId string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusInternalServerError,
		Reason:   ChecksumMismatch,
		Message:  fmt.Sprintf("payload checksum mismatch for workflow version %s", versionId),
		Category: CategoryInternal,
	}
}

func NewDependencyCycle(message string) *StatusError {
	return &StatusError{
		HttpCode: http.StatusConflict,
		Reason:   DependencyCycle,
		Message:  message,
		Category: CategoryValidation,
	}
}

func NewChainBroken(firstInvalidId int64) *StatusError {
	return &StatusError{
		HttpCode: http.StatusInternalServerError,
		Reason:   ChainBroken,
		Message:  fmt.Sprintf("audit chain verification failed at sequence id %d", firstInvalidId),
		Category: CategoryInternal,
	}
}
