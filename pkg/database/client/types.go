/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"
)

const (
	DESC = "desc"
	ASC  = "asc"

	CreateTime = "create_time"
)

type Tenant struct {
	Id                   string      `db:"id"`
	Slug                 string      `db:"slug"`
	Status               string      `db:"status"`
	SubscriptionTier     string      `db:"subscription_tier"`
	MaxWorkflows         int         `db:"max_workflows"`
	MaxRobots            int         `db:"max_robots"`
	MaxExecutionsPerHour int         `db:"max_executions_per_hour"`
	MaxStorageMb         int64       `db:"max_storage_mb"`
	MaxTeamMembers       int         `db:"max_team_members"`
	CurrentWorkflowCount int         `db:"current_workflow_count"`
	CurrentRobotCount    int         `db:"current_robot_count"`
	CurrentMemberCount   int         `db:"current_member_count"`
	BackpressureCount    int64       `db:"backpressure_count"`
	CreateTime           pq.NullTime `db:"create_time"`
	UpdateTime           pq.NullTime `db:"update_time"`
}

// GetTenantFieldTags returns the TenantFieldTags value.
func GetTenantFieldTags() map[string]string {
	t := Tenant{}
	return getFieldTags(t)
}

type Workflow struct {
	Id         string         `db:"id"`
	TenantId   string         `db:"tenant_id"`
	Name       string         `db:"name"`
	Workspace  string         `db:"workspace"`
	Status     string         `db:"status"`
	CreatedBy  sql.NullString `db:"created_by"`
	CreateTime pq.NullTime    `db:"create_time"`
	UpdateTime pq.NullTime    `db:"update_time"`
}

// GetWorkflowFieldTags returns the WorkflowFieldTags value.
func GetWorkflowFieldTags() map[string]string {
	w := Workflow{}
	return getFieldTags(w)
}

type WorkflowVersion struct {
	Id                   string         `db:"id"`
	TenantId             string         `db:"tenant_id"`
	WorkflowId           string         `db:"workflow_id"`
	SemanticVersion      string         `db:"semantic_version"`
	Status               string         `db:"status"`
	Payload              []byte         `db:"payload"`
	Checksum             string         `db:"checksum"`
	ParentVersion        sql.NullString `db:"parent_version"`
	ChangeSummary        string         `db:"change_summary"`
	NodeCount            int            `db:"node_count"`
	ConnectionCount      int            `db:"connection_count"`
	RequiredCapabilities sql.NullString `db:"required_capabilities"`
	NodeOverrides        sql.NullString `db:"node_overrides"`
	CreateTime           pq.NullTime    `db:"create_time"`
}

// GetWorkflowVersionFieldTags returns the WorkflowVersionFieldTags value.
func GetWorkflowVersionFieldTags() map[string]string {
	v := WorkflowVersion{}
	return getFieldTags(v)
}

type JobVersionPin struct {
	Id         int64          `db:"id"`
	TenantId   string         `db:"tenant_id"`
	JobKey     string         `db:"job_key"`
	WorkflowId string         `db:"workflow_id"`
	VersionId  sql.NullString `db:"version_id"`
	Reason     string         `db:"reason"`
	CreateTime pq.NullTime    `db:"create_time"`
}

type Robot struct {
	Id            string         `db:"id"`
	TenantId      string         `db:"tenant_id"`
	Name          string         `db:"name"`
	Hostname      string         `db:"hostname"`
	Capabilities  string         `db:"capabilities"`
	Status        string         `db:"status"`
	CurrentJobs   string         `db:"current_jobs"`
	MaxConcurrent int            `db:"max_concurrent"`
	LastSeen      pq.NullTime    `db:"last_seen"`
	RegisteredAt  pq.NullTime    `db:"registered_at"`
	ActiveJobs    sql.NullInt64  `db:"active_jobs"`
	SessionToken  sql.NullString `db:"-"`
}

// GetRobotFieldTags returns the RobotFieldTags value.
func GetRobotFieldTags() map[string]string {
	r := Robot{}
	return getFieldTags(r)
}

type RobotHeartbeat struct {
	Id              int64          `db:"id"`
	TenantId        string         `db:"tenant_id"`
	RobotId         string         `db:"robot_id"`
	JobId           sql.NullString `db:"job_id"`
	ProgressPercent sql.NullInt64  `db:"progress_percent"`
	CurrentNodeId   sql.NullString `db:"current_node_id"`
	MemoryMb        sql.NullInt64  `db:"memory_mb"`
	CpuPercent      sql.NullFloat64 `db:"cpu_percent"`
	CreateTime      pq.NullTime    `db:"create_time"`
}

type Job struct {
	Id              string         `db:"id"`
	TenantId        string         `db:"tenant_id"`
	WorkflowVersion string         `db:"workflow_version"`
	ScheduleId      sql.NullString `db:"schedule_id"`
	JobKey          sql.NullString `db:"job_key"`
	Priority        int            `db:"priority"`
	Variables       string         `db:"variables"`
	TriggerType     string         `db:"trigger_type"`
	Status          string         `db:"status"`
	ExecutionMode   string         `db:"execution_mode"`
	AssignedRobot   sql.NullString `db:"assigned_robot"`
	LeaseExpiresAt  pq.NullTime    `db:"lease_expires_at"`
	RetryCount      int            `db:"retry_count"`
	MaxRetries      int            `db:"max_retries"`
	Result          sql.NullString `db:"result"`
	Error           sql.NullString `db:"error"`
	ErrorCategory   sql.NullString `db:"error_category"`
	LastNodeId      sql.NullString `db:"last_node_id"`
	ScheduledTime   pq.NullTime    `db:"scheduled_time"`
	CreateTime      pq.NullTime    `db:"create_time"`
	ClaimedAt       pq.NullTime    `db:"claimed_at"`
	StartedAt       pq.NullTime    `db:"started_at"`
	CompletedAt     pq.NullTime    `db:"completed_at"`
}

// GetJobFieldTags returns the JobFieldTags value.
func GetJobFieldTags() map[string]string {
	j := Job{}
	return getFieldTags(j)
}

type DeadLetter struct {
	Id              int64          `db:"id"`
	TenantId        string         `db:"tenant_id"`
	JobId           string         `db:"job_id"`
	WorkflowVersion sql.NullString `db:"workflow_version"`
	Variables       string         `db:"variables"`
	FinalError      string         `db:"final_error"`
	ErrorCategory   string         `db:"error_category"`
	LastNodeId      sql.NullString `db:"last_node_id"`
	RetryCount      int            `db:"retry_count"`
	CreateTime      pq.NullTime    `db:"create_time"`
}

type Schedule struct {
	Id                   string         `db:"id"`
	TenantId             string         `db:"tenant_id"`
	WorkflowId           string         `db:"workflow_id"`
	Name                 string         `db:"name"`
	Type                 string         `db:"type"`
	Expression           string         `db:"expression"`
	IntervalSeconds      sql.NullInt64  `db:"interval_seconds"`
	FireAt               pq.NullTime    `db:"fire_at"`
	Timezone             string         `db:"timezone"`
	CalendarId           sql.NullString `db:"calendar_id"`
	RespectBusinessHours bool           `db:"respect_business_hours"`
	Priority             int            `db:"priority"`
	Variables            string         `db:"variables"`
	Enabled              bool           `db:"enabled"`
	Status               string         `db:"status"`
	NextRun              pq.NullTime    `db:"next_run"`
	LastRun              pq.NullTime    `db:"last_run"`
	RunCount             int64          `db:"run_count"`
	FailureCount         int64          `db:"failure_count"`
	ConsecutiveFailures  int            `db:"consecutive_failures"`
	CreateTime           pq.NullTime    `db:"create_time"`
	UpdateTime           pq.NullTime    `db:"update_time"`
}

// GetScheduleFieldTags returns the ScheduleFieldTags value.
func GetScheduleFieldTags() map[string]string {
	s := Schedule{}
	return getFieldTags(s)
}

type BusinessCalendar struct {
	Id                 string      `db:"id"`
	TenantId           string      `db:"tenant_id"`
	Name               string      `db:"name"`
	Timezone           string      `db:"timezone"`
	WorkingHours       string      `db:"working_hours"`
	WeekendPolicy      string      `db:"weekend_policy"`
	OutsideHoursPolicy string      `db:"outside_hours_policy"`
	Holidays           string      `db:"holidays"`
	CustomNonWorking   string      `db:"custom_non_working"`
	CreateTime         pq.NullTime `db:"create_time"`
}

type BlackoutPeriod struct {
	Id                int64          `db:"id"`
	TenantId          string         `db:"tenant_id"`
	CalendarId        string         `db:"calendar_id"`
	Name              string         `db:"name"`
	StartTime         pq.NullTime    `db:"start_time"`
	EndTime           pq.NullTime    `db:"end_time"`
	Recurring         bool           `db:"recurring"`
	AffectedWorkflows sql.NullString `db:"affected_workflows"`
}

type ScheduleSla struct {
	ScheduleId              string        `db:"schedule_id"`
	TenantId                string        `db:"tenant_id"`
	MaxDurationSeconds      sql.NullInt64 `db:"max_duration_seconds"`
	MaxStartDelaySeconds    sql.NullInt64 `db:"max_start_delay_seconds"`
	SuccessRateThreshold    float64       `db:"success_rate_threshold"`
	ConsecutiveFailureLimit int           `db:"consecutive_failure_limit"`
	AlertChannels           string        `db:"alert_channels"`
	CurrentStatus           string        `db:"current_status"`
}

type ScheduleRateLimit struct {
	ScheduleId    string `db:"schedule_id"`
	TenantId      string `db:"tenant_id"`
	MaxExecutions int    `db:"max_executions"`
	WindowSeconds int    `db:"window_seconds"`
	QueueOverflow bool   `db:"queue_overflow"`
}

type ScheduleDependency struct {
	Id               int64  `db:"id"`
	TenantId         string `db:"tenant_id"`
	ScheduleId       string `db:"schedule_id"`
	DependsOn        string `db:"depends_on"`
	WaitForAll       bool   `db:"wait_for_all"`
	RequireSuccess   bool   `db:"require_success"`
	TimeoutSeconds   int    `db:"timeout_seconds"`
	ProceedOnTimeout bool   `db:"proceed_on_timeout"`
	PriorityOrder    int    `db:"priority_order"`
}

type ScheduleCondition struct {
	ScheduleId           string `db:"schedule_id"`
	TenantId             string `db:"tenant_id"`
	Kind                 string `db:"kind"`
	Parameters           string `db:"parameters"`
	RetryOnFail          bool   `db:"retry_on_fail"`
	MaxRetries           int    `db:"max_retries"`
	RetryIntervalSeconds int    `db:"retry_interval_seconds"`
}

type ScheduleCatchup struct {
	ScheduleId           string `db:"schedule_id"`
	TenantId             string `db:"tenant_id"`
	Enabled              bool   `db:"enabled"`
	MaxCatchupRuns       int    `db:"max_catchup_runs"`
	CatchupWindowSeconds int    `db:"catchup_window_seconds"`
	RunSequentially      bool   `db:"run_sequentially"`
}

type ScheduleEventTrigger struct {
	ScheduleId         string         `db:"schedule_id"`
	TenantId           string         `db:"tenant_id"`
	EventSource        string         `db:"event_source"`
	Filter             sql.NullString `db:"filter"`
	DebounceSeconds    int            `db:"debounce_seconds"`
	BatchWindowSeconds int            `db:"batch_window_seconds"`
}

type ScheduleHistory struct {
	Id            int64          `db:"id"`
	TenantId      string         `db:"tenant_id"`
	ScheduleId    string         `db:"schedule_id"`
	JobId         sql.NullString `db:"job_id"`
	RobotId       sql.NullString `db:"robot_id"`
	ScheduledTime pq.NullTime    `db:"scheduled_time"`
	StartedAt     pq.NullTime    `db:"started_at"`
	CompletedAt   pq.NullTime    `db:"completed_at"`
	DurationMs    sql.NullInt64  `db:"duration_ms"`
	StartDelayMs  sql.NullInt64  `db:"start_delay_ms"`
	Success       sql.NullBool   `db:"success"`
	ErrorMessage  sql.NullString `db:"error_message"`
	IsCatchUp     bool           `db:"is_catch_up"`
	CreateTime    pq.NullTime    `db:"create_time"`
}

type DependencyCompletion struct {
	Id          int64          `db:"id"`
	TenantId    string         `db:"tenant_id"`
	ScheduleId  string         `db:"schedule_id"`
	CompletedAt pq.NullTime    `db:"completed_at"`
	Success     bool           `db:"success"`
	ResultData  sql.NullString `db:"result_data"`
	ExpiresAt   pq.NullTime    `db:"expires_at"`
}

type AuditLog struct {
	Id           int64          `db:"id"`
	EntryUuid    string         `db:"entry_uuid"`
	TenantId     sql.NullString `db:"tenant_id"`
	IsSystem     bool           `db:"is_system"`
	Action       string         `db:"action"`
	ActorType    string         `db:"actor_type"`
	ActorId      string         `db:"actor_id"`
	ResourceType string         `db:"resource_type"`
	ResourceId   string         `db:"resource_id"`
	Details      sql.NullString `db:"details"`
	ClientIp     sql.NullString `db:"client_ip"`
	UserAgent    sql.NullString `db:"user_agent"`
	EntryHash    []byte         `db:"entry_hash"`
	PreviousHash []byte         `db:"previous_hash"`
	CreateTime   pq.NullTime    `db:"create_time"`
}

// GetAuditLogFieldTags returns the AuditLogFieldTags value.
func GetAuditLogFieldTags() map[string]string {
	a := AuditLog{}
	return getFieldTags(a)
}

type MerkleRoot struct {
	Id         int64       `db:"id"`
	StartId    int64       `db:"start_id"`
	EndId      int64       `db:"end_id"`
	EntryCount int         `db:"entry_count"`
	Root       []byte      `db:"root"`
	CreateTime pq.NullTime `db:"create_time"`
}

type ApiKey struct {
	Id             int64          `db:"id"`
	TenantId       string         `db:"tenant_id"`
	UserId         string         `db:"user_id"`
	Name           string         `db:"name"`
	KeyHash        string         `db:"key_hash"`
	KeyHint        string         `db:"key_hint"`
	Whitelist      sql.NullString `db:"whitelist"`
	IsDeleted      bool           `db:"is_deleted"`
	CreateTime     pq.NullTime    `db:"create_time"`
	ExpirationTime pq.NullTime    `db:"expiration_time"`
}

// GetApiKeyFieldTags returns the ApiKeyFieldTags value.
func GetApiKeyFieldTags() map[string]string {
	k := ApiKey{}
	return getFieldTags(k)
}

type HealingEvent struct {
	Id             int64          `db:"id"`
	TenantId       string         `db:"tenant_id"`
	JobId          sql.NullString `db:"job_id"`
	RobotId        sql.NullString `db:"robot_id"`
	WorkflowId     sql.NullString `db:"workflow_id"`
	NodeId         string         `db:"node_id"`
	Selector       string         `db:"selector"`
	HealedSelector sql.NullString `db:"healed_selector"`
	Outcome        string         `db:"outcome"`
	Details        sql.NullString `db:"details"`
	CreateTime     pq.NullTime    `db:"create_time"`
}

// getFieldTags retrieves FieldTags for internal use.
func getFieldTags(obj interface{}) map[string]string {
	result := make(map[string]string)
	t := reflect.TypeOf(obj)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		result[strings.ToLower(field.Name)] = field.Tag.Get("db")
	}
	return result
}

// generateCommand generates SQL command string using reflection
// Iterates through struct fields and builds column and value lists
// Skips fields with specified ignoreTag
// Returns formatted SQL command with columns and values
func generateCommand(obj interface{}, format, ignoreTag string) string {
	t := reflect.TypeOf(obj)
	columns := make([]string, 0, t.NumField())
	values := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == ignoreTag || tag == "-" || tag == "" {
			continue
		}
		columns = append(columns, tag)
		values = append(values, fmt.Sprintf(":%s", tag))
	}
	cmd := fmt.Sprintf(format, strings.Join(columns, ", "), strings.Join(values, ", "))
	return cmd
}

// GetFieldTag returns the FieldTag value.
func GetFieldTag(tags map[string]string, name string) string {
	name = strings.ToLower(name)
	return tags[name]
}
