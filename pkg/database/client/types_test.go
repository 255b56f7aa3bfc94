/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"strings"
	"testing"

	sqrl "github.com/Masterminds/squirrel"
	"gotest.tools/assert"
)

func TestInsertWorkflowNilInput(t *testing.T) {
	client := &Client{}

	err := client.InsertWorkflow(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "the input is empty")
}

func TestInsertAuditLogNilInput(t *testing.T) {
	client := &Client{}

	_, err := client.InsertAuditLog(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "the input is empty")
}

func TestGetTenantNoDBConnection(t *testing.T) {
	client := &Client{}

	_, err := client.GetTenant(context.Background(), "t-1")
	assert.ErrorContains(t, err, "db has not been initialized")
}

func TestWithTenantTxNoDBConnection(t *testing.T) {
	client := &Client{}

	err := client.WithTenantTx(context.Background(), "t-1", "u-1", nil)
	assert.ErrorContains(t, err, "db has not been initialized")
}

func TestSelectApiKeysNoDBConnection(t *testing.T) {
	client := &Client{}

	query := sqrl.Eq{"tenant_id": "t-1"}
	_, err := client.SelectApiKeys(context.Background(), query, []string{"id"}, 10, 0)
	assert.ErrorContains(t, err, "db has not been initialized")
}

func TestTableConstants(t *testing.T) {
	assert.Equal(t, TTenant, "tenants")
	assert.Equal(t, TWorkflow, "tenant_workflows")
	assert.Equal(t, TWorkflowVersion, "workflow_versions")
	assert.Equal(t, TJob, "tenant_executions")
	assert.Equal(t, TDeadLetter, "pgqueuer_dlq")
	assert.Equal(t, TRobot, "tenant_robots")
	assert.Equal(t, TSchedule, "advanced_schedules")
	assert.Equal(t, TAuditLog, "audit_log")
	assert.Equal(t, TMerkleRoot, "audit_merkle_roots")
	assert.Equal(t, TApiKey, "api_keys")
}

func TestGetJobFieldTags(t *testing.T) {
	tags := GetJobFieldTags()

	assert.Equal(t, tags["id"], "id")
	assert.Equal(t, tags["tenantid"], "tenant_id")
	assert.Equal(t, tags["workflowversion"], "workflow_version")
	assert.Equal(t, tags["jobkey"], "job_key")
	assert.Equal(t, tags["triggertype"], "trigger_type")
	assert.Equal(t, tags["executionmode"], "execution_mode")
	assert.Equal(t, tags["assignedrobot"], "assigned_robot")
	assert.Equal(t, tags["leaseexpiresat"], "lease_expires_at")
	assert.Equal(t, tags["retrycount"], "retry_count")
	assert.Equal(t, tags["errorcategory"], "error_category")
	assert.Equal(t, tags["scheduledtime"], "scheduled_time")
	assert.Equal(t, tags["claimedat"], "claimed_at")
}

func TestGetScheduleFieldTags(t *testing.T) {
	tags := GetScheduleFieldTags()

	assert.Equal(t, tags["workflowid"], "workflow_id")
	assert.Equal(t, tags["intervalseconds"], "interval_seconds")
	assert.Equal(t, tags["fireat"], "fire_at")
	assert.Equal(t, tags["calendarid"], "calendar_id")
	assert.Equal(t, tags["respectbusinesshours"], "respect_business_hours")
	assert.Equal(t, tags["nextrun"], "next_run")
	assert.Equal(t, tags["consecutivefailures"], "consecutive_failures")
}

func TestGetFieldTag(t *testing.T) {
	tags := GetAuditLogFieldTags()

	// lookups are case-insensitive on the Go field name
	assert.Equal(t, GetFieldTag(tags, "TenantId"), "tenant_id")
	assert.Equal(t, GetFieldTag(tags, "previoushash"), "previous_hash")
	assert.Equal(t, GetFieldTag(tags, "NoSuchField"), "")
}

func TestCandidateOrderPrefersIdleLongest(t *testing.T) {
	// spare capacity first, then the robot seen longest ago breaks the tie
	assert.Assert(t, strings.Contains(selectCandidatesCmd,
		"ORDER BY active_jobs ASC, r.last_seen ASC"))
}

func TestRequeueLeavesRetryCountAlone(t *testing.T) {
	// requeue and release return a claim without burning an attempt
	assert.Assert(t, !strings.Contains(requeueJobCmd, "retry_count"))
	assert.Assert(t, !strings.Contains(releaseClaimCmd, "retry_count"))
	// a reported failure is the only path that counts one
	assert.Assert(t, strings.Contains(failJobCmd, "retry_count = retry_count + 1"))
}

func TestOpenRunsCarryJobResult(t *testing.T) {
	assert.Assert(t, strings.Contains(openRunsCmd, "j.result AS job_result"))
}

func TestGenerateCommand(t *testing.T) {
	type row struct {
		Id      int64  `db:"id"`
		Name    string `db:"name"`
		Payload string `db:"payload"`
		Skipped string `db:"-"`
	}
	cmd := generateCommand(row{}, "INSERT INTO t (%s) VALUES (%s)", "id")

	assert.Equal(t, cmd, "INSERT INTO t (name, payload) VALUES (:name, :payload)")
	assert.Assert(t, !strings.Contains(cmd, ":id"))
}
