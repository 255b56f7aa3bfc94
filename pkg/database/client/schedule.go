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
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TSchedule             = "advanced_schedules"
	TScheduleSla          = "schedule_sla_configs"
	TScheduleRateLimit    = "schedule_rate_limits"
	TScheduleDependency   = "schedule_dependencies"
	TScheduleCondition    = "schedule_conditions"
	TScheduleCatchup      = "schedule_catchup_configs"
	TScheduleEventTrigger = "schedule_event_triggers"
	TDependencyCompletion = "dependency_completions"
)

var (
	insertScheduleFormat     = `INSERT INTO ` + TSchedule + ` (%s) VALUES (%s)`
	insertSlaFormat          = `INSERT INTO ` + TScheduleSla + ` (%s) VALUES (%s)`
	insertRateLimitFormat    = `INSERT INTO ` + TScheduleRateLimit + ` (%s) VALUES (%s)`
	insertDependencyFormat   = `INSERT INTO ` + TScheduleDependency + ` (%s) VALUES (%s)`
	insertConditionFormat    = `INSERT INTO ` + TScheduleCondition + ` (%s) VALUES (%s)`
	insertCatchupFormat      = `INSERT INTO ` + TScheduleCatchup + ` (%s) VALUES (%s)`
	insertEventTriggerFormat = `INSERT INTO ` + TScheduleEventTrigger + ` (%s) VALUES (%s)`
	insertCompletionFormat   = `INSERT INTO ` + TDependencyCompletion + ` (%s) VALUES (%s)`

	getScheduleCmd = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TSchedule)

	// The engine tick picks due schedules under lock so two orchestrator
	// replicas never fire the same occurrence twice.
	dueSchedulesCmd = fmt.Sprintf(`
		SELECT * FROM %s
		WHERE enabled AND status = 'active' AND next_run <= $1
		ORDER BY next_run ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, TSchedule)

	advanceScheduleCmd = fmt.Sprintf(`
		UPDATE %s SET next_run = $1, last_run = $2, run_count = run_count + 1, update_time = now()
		WHERE id = $3`, TSchedule)

	recordScheduleFailureCmd = fmt.Sprintf(`
		UPDATE %s SET failure_count = failure_count + 1,
			consecutive_failures = consecutive_failures + 1, update_time = now()
		WHERE id = $1
		RETURNING consecutive_failures`, TSchedule)

	resetScheduleFailuresCmd = fmt.Sprintf(`
		UPDATE %s SET consecutive_failures = 0, update_time = now() WHERE id = $1`, TSchedule)

	countRecentFiringsCmd = fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE schedule_id = $1 AND create_time > $2`,
		"schedule_execution_history")

	oldestFiringSinceCmd = fmt.Sprintf(`
		SELECT MIN(create_time) FROM %s WHERE schedule_id = $1 AND create_time > $2`,
		"schedule_execution_history")

	dependentsOfCmd = fmt.Sprintf(`
		SELECT * FROM %s WHERE depends_on = $1 ORDER BY priority_order ASC`, TScheduleDependency)

	dependenciesOfCmd = fmt.Sprintf(`
		SELECT * FROM %s WHERE schedule_id = $1 ORDER BY priority_order ASC`, TScheduleDependency)

	recentCompletionCmd = fmt.Sprintf(`
		SELECT * FROM %s
		WHERE schedule_id = $1 AND expires_at > now()
		ORDER BY completed_at DESC LIMIT 1`, TDependencyCompletion)
)

// InsertSchedule creates a schedule record.
func (c *Client) InsertSchedule(ctx context.Context, tx *sqlx.Tx, s *Schedule) error {
	if s == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*s, insertScheduleFormat, ""), s)
	if err != nil {
		klog.ErrorS(err, "failed to insert schedule", "name", s.Name)
	}
	return err
}

// GetSchedule retrieves a schedule by id.
func (c *Client) GetSchedule(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*Schedule, error) {
	if scheduleId == "" {
		return nil, commonerrors.NewBadRequest("scheduleId is empty")
	}
	var schedules []*Schedule
	if err := tx.SelectContext(ctx, &schedules, getScheduleCmd, scheduleId); err != nil {
		klog.ErrorS(err, "failed to select schedule", "id", scheduleId)
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, commonerrors.NewNotFound("schedule", scheduleId)
	}
	return schedules[0], nil
}

// SelectSchedules retrieves schedule records matching the query.
func (c *Client) SelectSchedules(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Schedule, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TSchedule).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var schedules []*Schedule
	err = tx.SelectContext(ctx, &schedules, sql, args...)
	return schedules, err
}

// DueSchedules locks and returns schedules whose next_run has arrived.
func (c *Client) DueSchedules(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]*Schedule, error) {
	var schedules []*Schedule
	err := tx.SelectContext(ctx, &schedules, dueSchedulesCmd, now, limit)
	if err != nil {
		klog.ErrorS(err, "failed to select due schedules")
	}
	return schedules, err
}

// AdvanceSchedule stamps the run just fired and the next occurrence. A zero
// nextRun disables further automatic firing (one_time and event schedules).
func (c *Client) AdvanceSchedule(ctx context.Context, tx *sqlx.Tx, scheduleId string, nextRun, lastRun time.Time) error {
	var next interface{}
	if !nextRun.IsZero() {
		next = nextRun
	}
	_, err := tx.ExecContext(ctx, advanceScheduleCmd, next, lastRun, scheduleId)
	if err != nil {
		klog.ErrorS(err, "failed to advance schedule", "id", scheduleId)
	}
	return err
}

// RecordScheduleFailure bumps the failure counters and returns the new
// consecutive failure streak for SLA evaluation.
func (c *Client) RecordScheduleFailure(ctx context.Context, tx *sqlx.Tx, scheduleId string) (int, error) {
	var streak int
	err := tx.GetContext(ctx, &streak, recordScheduleFailureCmd, scheduleId)
	if err != nil {
		klog.ErrorS(err, "failed to record schedule failure", "id", scheduleId)
		return 0, err
	}
	return streak, nil
}

// ResetScheduleFailures clears the consecutive failure streak after a
// successful run.
func (c *Client) ResetScheduleFailures(ctx context.Context, tx *sqlx.Tx, scheduleId string) error {
	_, err := tx.ExecContext(ctx, resetScheduleFailuresCmd, scheduleId)
	return err
}

// SetScheduleStatus updates enabled and lifecycle status together.
func (c *Client) SetScheduleStatus(ctx context.Context, tx *sqlx.Tx, scheduleId, status string, enabled bool) error {
	cmd := fmt.Sprintf(`UPDATE %s SET status = $1, enabled = $2, update_time = now() WHERE id = $3`, TSchedule)
	res, err := tx.ExecContext(ctx, cmd, status, enabled, scheduleId)
	if err != nil {
		klog.ErrorS(err, "failed to update schedule status", "id", scheduleId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("schedule", scheduleId)
	}
	return nil
}

// SetNextRun moves the next occurrence without touching the run counters.
func (c *Client) SetNextRun(ctx context.Context, tx *sqlx.Tx, scheduleId string, nextRun time.Time) error {
	cmd := fmt.Sprintf(`UPDATE %s SET next_run = $1, update_time = now() WHERE id = $2`, TSchedule)
	_, err := tx.ExecContext(ctx, cmd, nextRun, scheduleId)
	return err
}

// DeleteSchedule removes a schedule; sub-configs cascade.
func (c *Client) DeleteSchedule(ctx context.Context, tx *sqlx.Tx, scheduleId string) error {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TSchedule)
	res, err := tx.ExecContext(ctx, cmd, scheduleId)
	if err != nil {
		klog.ErrorS(err, "failed to delete schedule", "id", scheduleId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("schedule", scheduleId)
	}
	return nil
}

// UpsertScheduleSla stores or replaces the SLA config of a schedule.
func (c *Client) UpsertScheduleSla(ctx context.Context, tx *sqlx.Tx, sla *ScheduleSla) error {
	cmd := generateCommand(*sla, insertSlaFormat, "") +
		` ON CONFLICT (schedule_id) DO UPDATE SET
			max_duration_seconds = EXCLUDED.max_duration_seconds,
			max_start_delay_seconds = EXCLUDED.max_start_delay_seconds,
			success_rate_threshold = EXCLUDED.success_rate_threshold,
			consecutive_failure_limit = EXCLUDED.consecutive_failure_limit,
			alert_channels = EXCLUDED.alert_channels`
	_, err := tx.NamedExecContext(ctx, cmd, sla)
	return err
}

// GetScheduleSla retrieves the SLA config, nil when unset.
func (c *Client) GetScheduleSla(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*ScheduleSla, error) {
	var rows []*ScheduleSla
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE schedule_id = $1`, TScheduleSla)
	if err := tx.SelectContext(ctx, &rows, cmd, scheduleId); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// SetSlaStatus records the evaluated SLA state.
func (c *Client) SetSlaStatus(ctx context.Context, tx *sqlx.Tx, scheduleId, status string) error {
	cmd := fmt.Sprintf(`UPDATE %s SET current_status = $1 WHERE schedule_id = $2`, TScheduleSla)
	_, err := tx.ExecContext(ctx, cmd, status, scheduleId)
	return err
}

// UpsertScheduleRateLimit stores or replaces the rate limit of a schedule.
func (c *Client) UpsertScheduleRateLimit(ctx context.Context, tx *sqlx.Tx, rl *ScheduleRateLimit) error {
	cmd := generateCommand(*rl, insertRateLimitFormat, "") +
		` ON CONFLICT (schedule_id) DO UPDATE SET
			max_executions = EXCLUDED.max_executions,
			window_seconds = EXCLUDED.window_seconds,
			queue_overflow = EXCLUDED.queue_overflow`
	_, err := tx.NamedExecContext(ctx, cmd, rl)
	return err
}

// GetScheduleRateLimit retrieves the rate limit, nil when unset.
func (c *Client) GetScheduleRateLimit(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*ScheduleRateLimit, error) {
	var rows []*ScheduleRateLimit
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE schedule_id = $1`, TScheduleRateLimit)
	if err := tx.SelectContext(ctx, &rows, cmd, scheduleId); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// CountRecentFirings counts history rows inside the rate-limit window.
func (c *Client) CountRecentFirings(ctx context.Context, tx *sqlx.Tx, scheduleId string, since time.Time) (int, error) {
	var cnt int
	err := tx.GetContext(ctx, &cnt, countRecentFiringsCmd, scheduleId, since)
	return cnt, err
}

// OldestFiringSince returns the earliest firing inside the window, marking
// when the window next frees a slot.
func (c *Client) OldestFiringSince(ctx context.Context, tx *sqlx.Tx, scheduleId string, since time.Time) (pq.NullTime, error) {
	var oldest pq.NullTime
	err := tx.GetContext(ctx, &oldest, oldestFiringSinceCmd, scheduleId, since)
	return oldest, err
}

// InsertScheduleDependency adds a dependency edge. The database trigger is
// the backstop for cycles; callers run the DFS precheck first.
func (c *Client) InsertScheduleDependency(ctx context.Context, tx *sqlx.Tx, dep *ScheduleDependency) error {
	_, err := tx.NamedExecContext(ctx, generateCommand(*dep, insertDependencyFormat, "id"), dep)
	if err != nil {
		klog.ErrorS(err, "failed to insert schedule dependency",
			"schedule", dep.ScheduleId, "dependsOn", dep.DependsOn)
	}
	return err
}

// DependenciesOf returns the upstream edges of a schedule.
func (c *Client) DependenciesOf(ctx context.Context, tx *sqlx.Tx, scheduleId string) ([]*ScheduleDependency, error) {
	var deps []*ScheduleDependency
	err := tx.SelectContext(ctx, &deps, dependenciesOfCmd, scheduleId)
	return deps, err
}

// DependentsOf returns the downstream edges waiting on a schedule.
func (c *Client) DependentsOf(ctx context.Context, tx *sqlx.Tx, scheduleId string) ([]*ScheduleDependency, error) {
	var deps []*ScheduleDependency
	err := tx.SelectContext(ctx, &deps, dependentsOfCmd, scheduleId)
	return deps, err
}

// AllDependencyEdges returns every edge of a tenant for the cycle precheck.
func (c *Client) AllDependencyEdges(ctx context.Context, tx *sqlx.Tx, tenantId string) ([]*ScheduleDependency, error) {
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE tenant_id = $1`, TScheduleDependency)
	var deps []*ScheduleDependency
	err := tx.SelectContext(ctx, &deps, cmd, tenantId)
	return deps, err
}

// UpsertScheduleCondition stores or replaces the gating condition.
func (c *Client) UpsertScheduleCondition(ctx context.Context, tx *sqlx.Tx, cond *ScheduleCondition) error {
	cmd := generateCommand(*cond, insertConditionFormat, "") +
		` ON CONFLICT (schedule_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			parameters = EXCLUDED.parameters,
			retry_on_fail = EXCLUDED.retry_on_fail,
			max_retries = EXCLUDED.max_retries,
			retry_interval_seconds = EXCLUDED.retry_interval_seconds`
	_, err := tx.NamedExecContext(ctx, cmd, cond)
	return err
}

// GetScheduleCondition retrieves the condition, nil when unset.
func (c *Client) GetScheduleCondition(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*ScheduleCondition, error) {
	var rows []*ScheduleCondition
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE schedule_id = $1`, TScheduleCondition)
	if err := tx.SelectContext(ctx, &rows, cmd, scheduleId); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// UpsertScheduleCatchup stores or replaces the catch-up policy.
func (c *Client) UpsertScheduleCatchup(ctx context.Context, tx *sqlx.Tx, cu *ScheduleCatchup) error {
	cmd := generateCommand(*cu, insertCatchupFormat, "") +
		` ON CONFLICT (schedule_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_catchup_runs = EXCLUDED.max_catchup_runs,
			catchup_window_seconds = EXCLUDED.catchup_window_seconds,
			run_sequentially = EXCLUDED.run_sequentially`
	_, err := tx.NamedExecContext(ctx, cmd, cu)
	return err
}

// GetScheduleCatchup retrieves the catch-up policy, nil when unset.
func (c *Client) GetScheduleCatchup(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*ScheduleCatchup, error) {
	var rows []*ScheduleCatchup
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE schedule_id = $1`, TScheduleCatchup)
	if err := tx.SelectContext(ctx, &rows, cmd, scheduleId); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// UpsertScheduleEventTrigger stores or replaces the event binding.
func (c *Client) UpsertScheduleEventTrigger(ctx context.Context, tx *sqlx.Tx, et *ScheduleEventTrigger) error {
	cmd := generateCommand(*et, insertEventTriggerFormat, "") +
		` ON CONFLICT (schedule_id) DO UPDATE SET
			event_source = EXCLUDED.event_source,
			filter = EXCLUDED.filter,
			debounce_seconds = EXCLUDED.debounce_seconds,
			batch_window_seconds = EXCLUDED.batch_window_seconds`
	_, err := tx.NamedExecContext(ctx, cmd, et)
	return err
}

// GetScheduleEventTrigger retrieves the event binding, nil when unset.
func (c *Client) GetScheduleEventTrigger(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*ScheduleEventTrigger, error) {
	var rows []*ScheduleEventTrigger
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE schedule_id = $1`, TScheduleEventTrigger)
	if err := tx.SelectContext(ctx, &rows, cmd, scheduleId); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// SelectEventSchedules returns enabled event schedules bound to a source.
func (c *Client) SelectEventSchedules(ctx context.Context, tx *sqlx.Tx, tenantId, eventSource string) ([]*Schedule, error) {
	cmd := fmt.Sprintf(`
		SELECT s.* FROM %s s
		JOIN %s et ON et.schedule_id = s.id
		WHERE s.tenant_id = $1 AND s.enabled AND s.status = 'active'
		  AND s.type = 'event' AND et.event_source = $2`, TSchedule, TScheduleEventTrigger)
	var schedules []*Schedule
	err := tx.SelectContext(ctx, &schedules, cmd, tenantId, eventSource)
	return schedules, err
}

// InsertDependencyCompletion records that a schedule's run finished, visible
// to dependents until expiry.
func (c *Client) InsertDependencyCompletion(ctx context.Context, tx *sqlx.Tx, dc *DependencyCompletion) error {
	_, err := tx.NamedExecContext(ctx, generateCommand(*dc, insertCompletionFormat, "id"), dc)
	if err != nil {
		klog.ErrorS(err, "failed to insert dependency completion", "schedule", dc.ScheduleId)
	}
	return err
}

// RecentCompletion returns the latest unexpired completion of a schedule,
// nil when none.
func (c *Client) RecentCompletion(ctx context.Context, tx *sqlx.Tx, scheduleId string) (*DependencyCompletion, error) {
	var rows []*DependencyCompletion
	if err := tx.SelectContext(ctx, &rows, recentCompletionCmd, scheduleId); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// PruneDependencyCompletions drops expired completion records.
func (c *Client) PruneDependencyCompletions(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < now()`, TDependencyCompletion)
	res, err := tx.ExecContext(ctx, cmd)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
