/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/pkg/common"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func mockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Queue{dbClient: dbclient.NewClientWithDB(sqlx.NewDb(db, "sqlmock"))}, mock
}

func expectTenantTx(mock sqlmock.Sqlmock, tenantId, actorId string) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config\('app.current_tenant_id'`).
		WithArgs(tenantId).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if actorId != "" {
		mock.ExpectExec(`SELECT set_config\('app.current_user_id'`).
			WithArgs(actorId).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func jobRows(jobId, robot string, retryCount, maxRetries int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "workflow_version", "variables",
		"assigned_robot", "status", "retry_count", "max_retries",
	}).AddRow(jobId, "t-1", "v-1", "{}", robot, "running", retryCount, maxRetries)
}

func TestEnqueueValidation(t *testing.T) {
	q := &Queue{}

	tests := []struct {
		name    string
		spec    *EnqueueSpec
		wantErr string
	}{
		{
			name:    "nil spec",
			spec:    nil,
			wantErr: "workflow version is required",
		},
		{
			name:    "missing workflow version",
			spec:    &EnqueueSpec{Priority: common.PriorityNormal},
			wantErr: "workflow version is required",
		},
		{
			name:    "priority below range",
			spec:    &EnqueueSpec{WorkflowVersion: "v-1", Priority: common.PriorityLow - 1},
			wantErr: "priority out of range",
		},
		{
			name:    "priority above range",
			spec:    &EnqueueSpec{WorkflowVersion: "v-1", Priority: common.PriorityCritical + 1},
			wantErr: "priority out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), "t-1", "u-1", tt.spec)
			require.Error(t, err)
			assert.True(t, commonerrors.IsBadRequest(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// A transient failure on the last allowed attempt still requeues: the job
// retries while retry_count is below max_retries.
func TestFailRetriesUntilBudgetExhausted(t *testing.T) {
	q, mock := mockQueue(t)

	expectTenantTx(mock, "t-1", "r-1")
	mock.ExpectQuery(`SELECT \* FROM tenant_executions WHERE id`).
		WithArgs("j-1").
		WillReturnRows(jobRows("j-1", "r-1", 1, 2))
	mock.ExpectExec(`UPDATE tenant_executions SET`).
		WithArgs("queued", "boom", "transient_io", sqlmock.AnyArg(), sqlmock.AnyArg(), "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.Fail(context.Background(), "t-1", "j-1", "r-1", "boom", "transient_io", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailExhaustedDeadLetters(t *testing.T) {
	q, mock := mockQueue(t)

	expectTenantTx(mock, "t-1", "r-1")
	mock.ExpectQuery(`SELECT \* FROM tenant_executions WHERE id`).
		WithArgs("j-1").
		WillReturnRows(jobRows("j-1", "r-1", 2, 2))
	mock.ExpectExec(`UPDATE tenant_executions SET`).
		WithArgs("failed", "boom", "transient_io", sqlmock.AnyArg(), sqlmock.AnyArg(), "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pgqueuer_dlq`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.Fail(context.Background(), "t-1", "j-1", "r-1", "boom", "transient_io", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailNonRetryableDeadLettersImmediately(t *testing.T) {
	q, mock := mockQueue(t)

	expectTenantTx(mock, "t-1", "r-1")
	mock.ExpectQuery(`SELECT \* FROM tenant_executions WHERE id`).
		WithArgs("j-1").
		WillReturnRows(jobRows("j-1", "r-1", 0, 3))
	mock.ExpectExec(`UPDATE tenant_executions SET`).
		WithArgs("failed", "bad input", "validation", sqlmock.AnyArg(), sqlmock.AnyArg(), "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pgqueuer_dlq`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.Fail(context.Background(), "t-1", "j-1", "r-1", "bad input", "validation", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A lapsed lease requeues the job as-is. The update touches the claim
// columns and the attempt time only, so retry_count survives, and even a
// job already at its retry budget goes back to the queue.
func TestReclaimExpiredKeepsRetryBudget(t *testing.T) {
	q, mock := mockQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config\('app.is_system'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`lease_expires_at < now\(\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(jobRows("j-1", "r-1", 3, 3))
	mock.ExpectExec(`claimed_at = NULL,\s+scheduled_time = \$1`).
		WithArgs(sqlmock.AnyArg(), "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.reclaimExpired(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWrongRobotRejected(t *testing.T) {
	q, mock := mockQueue(t)

	expectTenantTx(mock, "t-1", "r-2")
	mock.ExpectQuery(`SELECT \* FROM tenant_executions WHERE id`).
		WithArgs("j-1").
		WillReturnRows(jobRows("j-1", "r-1", 0, 3))
	mock.ExpectRollback()

	err := q.Complete(context.Background(), "t-1", "j-1", "r-2", "{}")
	require.Error(t, err)
	assert.Equal(t, commonerrors.CategoryValidation, commonerrors.CategoryForError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailWrongRobotRejected(t *testing.T) {
	q, mock := mockQueue(t)

	expectTenantTx(mock, "t-1", "r-2")
	mock.ExpectQuery(`SELECT \* FROM tenant_executions WHERE id`).
		WithArgs("j-1").
		WillReturnRows(jobRows("j-1", "r-1", 0, 3))
	mock.ExpectRollback()

	err := q.Fail(context.Background(), "t-1", "j-1", "r-2", "boom", "transient_io", "")
	require.Error(t, err)
	assert.Equal(t, commonerrors.CategoryValidation, commonerrors.CategoryForError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
