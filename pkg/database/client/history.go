/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TScheduleHistory = "schedule_execution_history"
)

var (
	insertHistoryFormat = `INSERT INTO ` + TScheduleHistory + ` (%s) VALUES (%s)`

	closeHistoryCmd = fmt.Sprintf(`
		UPDATE %s SET
			started_at = $1,
			completed_at = $2,
			duration_ms = $3,
			start_delay_ms = $4,
			success = $5,
			error_message = $6
		WHERE schedule_id = $7 AND job_id = $8 AND completed_at IS NULL`, TScheduleHistory)

	// Open history rows whose job reached a terminal state; the engine's
	// reconcile pass closes them and reacts to the outcome.
	openRunsCmd = fmt.Sprintf(`
		SELECT h.tenant_id AS tenant_id,
		       h.schedule_id AS schedule_id,
		       h.job_id AS job_id,
		       h.scheduled_time AS scheduled_time,
		       h.is_catch_up AS is_catch_up,
		       j.status AS job_status,
		       j.started_at AS job_started_at,
		       j.completed_at AS job_completed_at,
		       j.error AS job_error,
		       j.result AS job_result
		FROM %s h
		JOIN %s j ON j.id = h.job_id
		WHERE h.completed_at IS NULL AND h.job_id IS NOT NULL
		  AND j.status IN ('completed', 'failed', 'cancelled', 'timeout')
		ORDER BY h.id ASC
		LIMIT $1`, TScheduleHistory, TJob)

	successRateCmd = fmt.Sprintf(`
		SELECT COALESCE(AVG(CASE WHEN success THEN 100.0 ELSE 0.0 END), 100.0)
		FROM (
			SELECT success FROM %s
			WHERE schedule_id = $1 AND success IS NOT NULL
			ORDER BY create_time DESC LIMIT $2
		) recent`, TScheduleHistory)
)

// InsertScheduleHistory opens a history row for a fired occurrence.
func (c *Client) InsertScheduleHistory(ctx context.Context, tx *sqlx.Tx, h *ScheduleHistory) error {
	if h == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*h, insertHistoryFormat, "id"), h)
	if err != nil {
		klog.ErrorS(err, "failed to insert schedule history", "schedule", h.ScheduleId)
	}
	return err
}

// CloseScheduleHistory finishes the open history row of a schedule's job.
func (c *Client) CloseScheduleHistory(ctx context.Context, tx *sqlx.Tx, scheduleId, jobId string,
	startedAt, completedAt time.Time, durationMs, startDelayMs int64, success bool, errMsg string) error {
	var msg interface{}
	if errMsg != "" {
		msg = errMsg
	}
	var started interface{}
	if !startedAt.IsZero() {
		started = startedAt
	}
	_, err := tx.ExecContext(ctx, closeHistoryCmd, started, completedAt, durationMs,
		startDelayMs, success, msg, scheduleId, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to close schedule history", "schedule", scheduleId, "job", jobId)
	}
	return err
}

// OpenRun is a reconcile row: an open history record joined to its
// terminal job.
type OpenRun struct {
	TenantId       string         `db:"tenant_id"`
	ScheduleId     string         `db:"schedule_id"`
	JobId          sql.NullString `db:"job_id"`
	ScheduledTime  pq.NullTime    `db:"scheduled_time"`
	IsCatchUp      bool           `db:"is_catch_up"`
	JobStatus      string         `db:"job_status"`
	JobStartedAt   pq.NullTime    `db:"job_started_at"`
	JobCompletedAt pq.NullTime    `db:"job_completed_at"`
	JobError       sql.NullString `db:"job_error"`
	JobResult      sql.NullString `db:"job_result"`
}

// OpenRuns returns open history rows whose jobs have finished.
func (c *Client) OpenRuns(ctx context.Context, tx *sqlx.Tx, limit int) ([]*OpenRun, error) {
	var runs []*OpenRun
	err := tx.SelectContext(ctx, &runs, openRunsCmd, limit)
	if err != nil {
		klog.ErrorS(err, "failed to select open schedule runs")
	}
	return runs, err
}

// SelectScheduleHistory retrieves history rows matching the query.
func (c *Client) SelectScheduleHistory(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*ScheduleHistory, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TScheduleHistory).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var rows []*ScheduleHistory
	err = tx.SelectContext(ctx, &rows, sql, args...)
	return rows, err
}

// SuccessRate computes the success percentage over the last window runs.
// Schedules with no completed runs report 100.
func (c *Client) SuccessRate(ctx context.Context, tx *sqlx.Tx, scheduleId string, window int) (float64, error) {
	var rate float64
	err := tx.GetContext(ctx, &rate, successRateCmd, scheduleId, window)
	return rate, err
}

// PruneScheduleHistory drops history rows older than the cutoff.
func (c *Client) PruneScheduleHistory(ctx context.Context, tx *sqlx.Tx, before time.Time) (int64, error) {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE create_time < $1`, TScheduleHistory)
	res, err := tx.ExecContext(ctx, cmd, before)
	if err != nil {
		klog.ErrorS(err, "failed to prune schedule history")
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
