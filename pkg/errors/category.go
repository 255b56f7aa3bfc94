/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"strings"
	"time"
)

// Severity ranks a fault category for alerting and DLQ reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CategoryPolicy describes how the queue treats failures of one category.
type CategoryPolicy struct {
	Retryable   bool
	Severity    Severity
	BackoffBase time.Duration
}

// categoryRegistry maps fault categories to retry policy. The registry is fixed;
// robots can only pick a category, not a policy.
var categoryRegistry = map[Category]CategoryPolicy{
	CategoryValidation:  {Retryable: false, Severity: SeverityMedium, BackoffBase: 0},
	CategoryTransientIO: {Retryable: true, Severity: SeverityLow, BackoffBase: 5 * time.Second},
	CategoryTimeout:     {Retryable: true, Severity: SeverityMedium, BackoffBase: 15 * time.Second},
	CategoryPermission:  {Retryable: false, Severity: SeverityHigh, BackoffBase: 0},
	CategoryInternal:    {Retryable: true, Severity: SeverityHigh, BackoffBase: 30 * time.Second},
	CategoryUserAbort:   {Retryable: false, Severity: SeverityLow, BackoffBase: 0},
}

// PolicyFor returns the retry policy for a category. Unknown categories fall back
// to the internal policy.
func PolicyFor(category Category) CategoryPolicy {
	if policy, ok := categoryRegistry[category]; ok {
		return policy
	}
	return categoryRegistry[CategoryInternal]
}

// ParseCategory normalizes a category string reported by a robot. Unknown values
// map to internal so misbehaving robots cannot opt out of retry accounting.
func ParseCategory(raw string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryValidation:
		return CategoryValidation
	case CategoryTransientIO:
		return CategoryTransientIO
	case CategoryTimeout:
		return CategoryTimeout
	case CategoryPermission:
		return CategoryPermission
	case CategoryUserAbort:
		return CategoryUserAbort
	default:
		return CategoryInternal
	}
}

// InferCategory classifies a free-form error message when the robot did not
// provide a category. The rules mirror common driver and transport failures.
func InferCategory(message string) Category {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"), strings.Contains(lower, "temporarily unavailable"):
		return CategoryTransientIO
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "unauthorized"):
		return CategoryPermission
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "validation"),
		strings.Contains(lower, "malformed"):
		return CategoryValidation
	case strings.Contains(lower, "cancelled by user"), strings.Contains(lower, "aborted by user"):
		return CategoryUserAbort
	default:
		return CategoryInternal
	}
}
