/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package common

// Gin context keys set by the authentication middleware and consumed by
// handlers and the audit middleware.
const (
	TenantId      = "tenantId"
	PrincipalId   = "principalId"
	PrincipalType = "principalType"
	PrincipalName = "principalName"
	RoleName      = "roleName"
)

// Principal types.
const (
	PrincipalTypeUser   = "user"
	PrincipalTypeApiKey = "apikey"
	PrincipalTypeRobot  = "robot"
	PrincipalTypeSystem = "system"
)

// Job priorities, low to critical.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// Trigger types for jobs.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerApi       = "api"
	TriggerWebhook   = "webhook"
	TriggerEvent     = "event"
)
