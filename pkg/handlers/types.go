/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"time"
)

type CreateWorkflowReq struct {
	Name      string `json:"name" binding:"required"`
	Workspace string `json:"workspace"`
}

type CreateVersionReq struct {
	SemanticVersion      string          `json:"semantic_version" binding:"required"`
	Payload              json.RawMessage `json:"payload" binding:"required"`
	ParentVersion        string          `json:"parent_version"`
	ChangeSummary        string          `json:"change_summary"`
	NodeCount            int             `json:"node_count"`
	ConnectionCount      int             `json:"connection_count"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	NodeOverrides        json.RawMessage `json:"node_overrides"`
}

type PinJobReq struct {
	JobKey    string `json:"job_key" binding:"required"`
	VersionId string `json:"version_id" binding:"required"`
	Reason    string `json:"reason"`
}

type EnqueueJobReq struct {
	WorkflowVersion string          `json:"workflow_version" binding:"required"`
	JobKey          string          `json:"job_key"`
	Priority        int             `json:"priority"`
	Variables       json.RawMessage `json:"variables"`
	TriggerType     string          `json:"trigger_type"`
	ExecutionMode   string          `json:"execution_mode"`
	MaxRetries      int             `json:"max_retries"`
	ScheduledTime   *time.Time      `json:"scheduled_time"`
}

type CancelJobResp struct {
	JobId     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
	// Pending is true when the cancel was routed to the owning robot and
	// the terminal state arrives through its session.
	Pending bool `json:"pending"`
}

type ClaimJobsReq struct {
	RobotId       string `json:"robot_id" binding:"required"`
	ExecutionMode string `json:"execution_mode"`
	Batch         int    `json:"batch"`
}

type ReportJobReq struct {
	RobotId    string          `json:"robot_id" binding:"required"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
	Category   string          `json:"category"`
	LastNodeId string          `json:"last_node_id"`
}

type RegisterRobotReq struct {
	Name          string   `json:"name" binding:"required"`
	Hostname      string   `json:"hostname"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent"`
}

type RegisterRobotResp struct {
	RobotId      string `json:"robot_id"`
	SessionToken string `json:"session_token"`
}

type HeartbeatReq struct {
	Status          string  `json:"status"`
	JobId           string  `json:"job_id"`
	ProgressPercent int64   `json:"progress_percent"`
	CurrentNodeId   string  `json:"current_node_id"`
	MemoryMb        int64   `json:"memory_mb"`
	CpuPercent      float64 `json:"cpu_percent"`
}

type CreateScheduleReq struct {
	WorkflowId           string          `json:"workflow_id" binding:"required"`
	Name                 string          `json:"name" binding:"required"`
	Type                 string          `json:"type" binding:"required"`
	Expression           string          `json:"expression"`
	IntervalSeconds      int64           `json:"interval_seconds"`
	FireAt               *time.Time      `json:"fire_at"`
	Timezone             string          `json:"timezone"`
	CalendarId           string          `json:"calendar_id"`
	RespectBusinessHours bool            `json:"respect_business_hours"`
	Priority             int             `json:"priority"`
	Variables            json.RawMessage `json:"variables"`
}

type ScheduleSlaReq struct {
	MaxDurationSeconds      int64    `json:"max_duration_seconds"`
	MaxStartDelaySeconds    int64    `json:"max_start_delay_seconds"`
	SuccessRateThreshold    float64  `json:"success_rate_threshold"`
	ConsecutiveFailureLimit int      `json:"consecutive_failure_limit"`
	AlertChannels           []string `json:"alert_channels"`
}

type ScheduleRateLimitReq struct {
	MaxExecutions int  `json:"max_executions" binding:"required"`
	WindowSeconds int  `json:"window_seconds" binding:"required"`
	QueueOverflow bool `json:"queue_overflow"`
}

type ScheduleConditionReq struct {
	Kind                 string          `json:"kind" binding:"required"`
	Parameters           json.RawMessage `json:"parameters"`
	RetryOnFail          bool            `json:"retry_on_fail"`
	MaxRetries           int             `json:"max_retries"`
	RetryIntervalSeconds int             `json:"retry_interval_seconds"`
}

type ScheduleCatchupReq struct {
	Enabled              bool `json:"enabled"`
	MaxCatchupRuns       int  `json:"max_catchup_runs"`
	CatchupWindowSeconds int  `json:"catchup_window_seconds"`
	RunSequentially      bool `json:"run_sequentially"`
}

type ScheduleEventTriggerReq struct {
	EventSource        string          `json:"event_source" binding:"required"`
	Filter             json.RawMessage `json:"filter"`
	DebounceSeconds    int             `json:"debounce_seconds"`
	BatchWindowSeconds int             `json:"batch_window_seconds"`
}

type ScheduleDependencyReq struct {
	DependsOn        string `json:"depends_on" binding:"required"`
	WaitForAll       bool   `json:"wait_for_all"`
	RequireSuccess   bool   `json:"require_success"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	ProceedOnTimeout bool   `json:"proceed_on_timeout"`
	PriorityOrder    int    `json:"priority_order"`
}

type IngestEventReq struct {
	Source  string          `json:"source" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type IngestEventResp struct {
	MatchedSchedules int `json:"matched_schedules"`
}

type CreateCalendarReq struct {
	Name               string          `json:"name" binding:"required"`
	Timezone           string          `json:"timezone"`
	WorkingHours       json.RawMessage `json:"working_hours"`
	WeekendPolicy      string          `json:"weekend_policy"`
	OutsideHoursPolicy string          `json:"outside_hours_policy"`
	Holidays           []string        `json:"holidays"`
	CustomNonWorking   []string        `json:"custom_non_working"`
}

type AddBlackoutReq struct {
	Name              string    `json:"name"`
	StartTime         time.Time `json:"start_time" binding:"required"`
	EndTime           time.Time `json:"end_time" binding:"required"`
	Recurring         bool      `json:"recurring"`
	AffectedWorkflows []string  `json:"affected_workflows"`
}

type VerifyChainReq struct {
	StartId int64 `json:"start_id"`
	EndId   int64 `json:"end_id"`
}

type CreateApiKeyReq struct {
	Name      string   `json:"name" binding:"required"`
	TTLDays   int      `json:"ttl_days"`
	Whitelist []string `json:"whitelist"`
}

type CreateApiKeyResp struct {
	Name string `json:"name"`
	// Key is the plaintext credential, returned exactly once.
	Key            string     `json:"key"`
	KeyHint        string     `json:"key_hint"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`
}

type ListResp struct {
	Items interface{} `json:"items"`
}
