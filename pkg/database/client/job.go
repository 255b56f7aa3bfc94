/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TJob = "tenant_executions"
)

var (
	insertJobFormat = `INSERT INTO ` + TJob + ` (%s) VALUES (%s)`

	getJobCmd = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TJob)

	// Claim order is priority, then requested start, then insertion order.
	// SKIP LOCKED lets concurrent dispatch ticks pass each other without
	// blocking; the UPDATE and the lock release commit together.
	claimJobsCmd = fmt.Sprintf(`
		UPDATE %s SET
			status = 'claimed',
			assigned_robot = $1,
			lease_expires_at = $2,
			claimed_at = now()
		WHERE id IN (
			SELECT id FROM %s
			WHERE status = 'queued' AND execution_mode = $3 AND scheduled_time <= now()
			ORDER BY priority DESC, scheduled_time ASC, create_time ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, TJob, TJob)

	// Push dispatch scans due jobs across tenants, picks a robot per job,
	// then claims each job individually.
	dueJobsCmd = fmt.Sprintf(`
		SELECT * FROM %s
		WHERE status = 'queued' AND scheduled_time <= now()
		ORDER BY priority DESC, scheduled_time ASC, create_time ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, TJob)

	claimJobCmd = fmt.Sprintf(`
		UPDATE %s SET
			status = 'claimed',
			assigned_robot = $1,
			lease_expires_at = $2,
			claimed_at = now()
		WHERE id = $3 AND status = 'queued'`, TJob)

	// Releasing a claim the robot never saw does not burn an attempt.
	releaseClaimCmd = fmt.Sprintf(`
		UPDATE %s SET
			status = 'queued',
			assigned_robot = NULL,
			lease_expires_at = NULL,
			claimed_at = NULL
		WHERE id = $1 AND status = 'claimed'`, TJob)

	extendLeaseCmd = fmt.Sprintf(`
		UPDATE %s SET lease_expires_at = $1
		WHERE id = $2 AND assigned_robot = $3 AND status IN ('claimed', 'running')`, TJob)

	markRunningCmd = fmt.Sprintf(`
		UPDATE %s SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND assigned_robot = $2 AND status = 'claimed'`, TJob)

	completeJobCmd = fmt.Sprintf(`
		UPDATE %s SET status = 'completed', result = $1, completed_at = now()
		WHERE id = $2 AND assigned_robot = $3 AND status IN ('claimed', 'running')`, TJob)

	// Failure either schedules a retry or lands in a terminal failed state;
	// the caller decides and passes the target status plus next attempt time.
	failJobCmd = fmt.Sprintf(`
		UPDATE %s SET
			status = $1,
			error = $2,
			error_category = $3,
			last_node_id = $4,
			retry_count = retry_count + 1,
			assigned_robot = NULL,
			lease_expires_at = NULL,
			scheduled_time = $5,
			completed_at = CASE WHEN $1 IN ('failed', 'timeout') THEN now() ELSE completed_at END
		WHERE id = $6 AND status IN ('claimed', 'running')`, TJob)

	// A queued job can fail before dispatch when its workflow version
	// refuses execution.
	failQueuedJobCmd = fmt.Sprintf(`
		UPDATE %s SET status = 'failed', error = $1, error_category = $2, completed_at = now()
		WHERE id = $3 AND status = 'queued'`, TJob)

	cancelJobCmd = fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued')`, TJob)

	// Jobs whose lease has lapsed without a terminal report. The watchdog
	// requeues them.
	expiredLeasesCmd = fmt.Sprintf(`
		SELECT * FROM %s
		WHERE status IN ('claimed', 'running') AND lease_expires_at < now()
		ORDER BY lease_expires_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, TJob)

	// A lost lease is not a failed attempt; retry_count stays untouched.
	requeueJobCmd = fmt.Sprintf(`
		UPDATE %s SET
			status = 'queued',
			assigned_robot = NULL,
			lease_expires_at = NULL,
			claimed_at = NULL,
			scheduled_time = $1
		WHERE id = $2 AND status IN ('claimed', 'running')`, TJob)

	countRobotJobsCmd = fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE assigned_robot = $1 AND status IN ('claimed', 'running')`, TJob)

	countRecentJobsCmd = fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND create_time > $2`, TJob)

	countScheduleJobsCmd = fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE schedule_id = $1 AND status IN ('queued', 'claimed', 'running')`, TJob)
)

// InsertJob enqueues a job record.
func (c *Client) InsertJob(ctx context.Context, tx *sqlx.Tx, job *Job) error {
	if job == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*job, insertJobFormat, ""), job)
	if err != nil {
		klog.ErrorS(err, "failed to insert job", "id", job.Id)
	}
	return err
}

// GetJob retrieves a job by id.
func (c *Client) GetJob(ctx context.Context, tx *sqlx.Tx, jobId string) (*Job, error) {
	if jobId == "" {
		return nil, commonerrors.NewBadRequest("jobId is empty")
	}
	var jobs []*Job
	if err := tx.SelectContext(ctx, &jobs, getJobCmd, jobId); err != nil {
		klog.ErrorS(err, "failed to select job", "id", jobId)
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, commonerrors.NewNotFound("job", jobId)
	}
	return jobs[0], nil
}

// SelectJobs retrieves job records matching the query.
func (c *Client) SelectJobs(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Job, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TJob).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	err = tx.SelectContext(ctx, &jobs, sql, args...)
	return jobs, err
}

// ClaimJobs atomically claims up to batch queued jobs for a robot, stamping
// the lease deadline. Returns the claimed rows.
func (c *Client) ClaimJobs(ctx context.Context, tx *sqlx.Tx, robotId, executionMode string, leaseUntil time.Time, batch int) ([]*Job, error) {
	var jobs []*Job
	err := tx.SelectContext(ctx, &jobs, claimJobsCmd, robotId, leaseUntil, executionMode, batch)
	if err != nil {
		klog.ErrorS(err, "failed to claim jobs", "robot", robotId)
		return nil, err
	}
	return jobs, nil
}

// DueJobs locks and returns queued jobs whose start time has arrived, in
// dispatch order.
func (c *Client) DueJobs(ctx context.Context, tx *sqlx.Tx, limit int) ([]*Job, error) {
	var jobs []*Job
	err := tx.SelectContext(ctx, &jobs, dueJobsCmd, limit)
	if err != nil {
		klog.ErrorS(err, "failed to select due jobs")
		return nil, err
	}
	return jobs, nil
}

// ClaimJob claims a single queued job for a robot with a lease deadline.
func (c *Client) ClaimJob(ctx context.Context, tx *sqlx.Tx, jobId, robotId string, leaseUntil time.Time) error {
	res, err := tx.ExecContext(ctx, claimJobCmd, robotId, leaseUntil, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to claim job", "job", jobId, "robot", robotId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewLeaseLost(jobId)
	}
	return nil
}

// ReleaseClaim returns a claimed job to the queue without counting an
// attempt. Used when the assigned robot went offline before delivery.
func (c *Client) ReleaseClaim(ctx context.Context, tx *sqlx.Tx, jobId string) error {
	_, err := tx.ExecContext(ctx, releaseClaimCmd, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to release claim", "job", jobId)
	}
	return err
}

// ExtendLease pushes the lease deadline forward for a robot that still owns
// the job. Zero rows means the lease was lost.
func (c *Client) ExtendLease(ctx context.Context, tx *sqlx.Tx, jobId, robotId string, leaseUntil time.Time) error {
	res, err := tx.ExecContext(ctx, extendLeaseCmd, leaseUntil, jobId, robotId)
	if err != nil {
		klog.ErrorS(err, "failed to extend lease", "job", jobId, "robot", robotId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewLeaseLost(jobId)
	}
	return nil
}

// MarkJobRunning transitions a claimed job to running.
func (c *Client) MarkJobRunning(ctx context.Context, tx *sqlx.Tx, jobId, robotId string) error {
	res, err := tx.ExecContext(ctx, markRunningCmd, jobId, robotId)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewLeaseLost(jobId)
	}
	return nil
}

// CompleteJob records a successful result. Zero rows means the reporting
// robot no longer owns the job or it is already terminal.
func (c *Client) CompleteJob(ctx context.Context, tx *sqlx.Tx, jobId, robotId, result string) error {
	res, err := tx.ExecContext(ctx, completeJobCmd, dbutils.NullString(result), jobId, robotId)
	if err != nil {
		klog.ErrorS(err, "failed to complete job", "job", jobId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewLeaseLost(jobId)
	}
	return nil
}

// FailJob records a failure, moving the job to the given status. For retry
// the status is queued and nextAttempt carries the backoff deadline.
func (c *Client) FailJob(ctx context.Context, tx *sqlx.Tx, jobId, status, errMsg, category, lastNodeId string, nextAttempt time.Time) error {
	res, err := tx.ExecContext(ctx, failJobCmd, status, errMsg, category,
		dbutils.NullString(lastNodeId), nextAttempt, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to fail job", "job", jobId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewTerminalAlready(jobId, "completed or cancelled")
	}
	return nil
}

// FailQueuedJob fails a job straight out of the queue, before any robot
// claimed it.
func (c *Client) FailQueuedJob(ctx context.Context, tx *sqlx.Tx, jobId, errMsg, category string) error {
	res, err := tx.ExecContext(ctx, failQueuedJobCmd, errMsg, category, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to fail queued job", "job", jobId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewTerminalAlready(jobId, "not queued")
	}
	return nil
}

// CancelJob cancels a job that has not been dispatched yet. Running jobs go
// through the session cancel handshake instead.
func (c *Client) CancelJob(ctx context.Context, tx *sqlx.Tx, jobId string) (bool, error) {
	res, err := tx.ExecContext(ctx, cancelJobCmd, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to cancel job", "job", jobId)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpiredLeases locks and returns jobs whose lease has lapsed.
func (c *Client) ExpiredLeases(ctx context.Context, tx *sqlx.Tx, limit int) ([]*Job, error) {
	var jobs []*Job
	err := tx.SelectContext(ctx, &jobs, expiredLeasesCmd, limit)
	return jobs, err
}

// RequeueJob returns a lapsed job to the queue with a new attempt time,
// without counting an attempt.
func (c *Client) RequeueJob(ctx context.Context, tx *sqlx.Tx, jobId string, nextAttempt time.Time) error {
	res, err := tx.ExecContext(ctx, requeueJobCmd, nextAttempt, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to requeue job", "job", jobId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewTerminalAlready(jobId, "completed or cancelled")
	}
	return nil
}

// CountRobotJobs returns the number of in-flight jobs held by a robot.
func (c *Client) CountRobotJobs(ctx context.Context, tx *sqlx.Tx, robotId string) (int, error) {
	var cnt int
	err := tx.GetContext(ctx, &cnt, countRobotJobsCmd, robotId)
	return cnt, err
}

// CountRecentJobs returns how many jobs a tenant created since the cutoff.
// Used for the hourly execution quota.
func (c *Client) CountRecentJobs(ctx context.Context, tx *sqlx.Tx, tenantId string, since time.Time) (int, error) {
	var cnt int
	err := tx.GetContext(ctx, &cnt, countRecentJobsCmd, tenantId, since)
	return cnt, err
}

// CountActiveScheduleJobs counts a schedule's jobs that have not reached a
// terminal state yet.
func (c *Client) CountActiveScheduleJobs(ctx context.Context, tx *sqlx.Tx, scheduleId string) (int, error) {
	var cnt int
	err := tx.GetContext(ctx, &cnt, countScheduleJobsCmd, scheduleId)
	return cnt, err
}
