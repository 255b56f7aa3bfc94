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

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TRobot     = "tenant_robots"
	THeartbeat = "robot_heartbeats"
)

var (
	insertRobotCmd = fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, name, hostname, capabilities, status, current_jobs, max_concurrent, last_seen, registered_at)
		VALUES (:id, :tenant_id, :name, :hostname, :capabilities, :status, :current_jobs, :max_concurrent, :last_seen, :registered_at)`,
		TRobot)

	insertHeartbeatFormat = `INSERT INTO ` + THeartbeat + ` (%s) VALUES (%s)`

	getRobotCmd = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TRobot)

	// Candidate listing joins the live in-flight job count so the selection
	// policy can rank by load without a second query per robot.
	selectCandidatesCmd = fmt.Sprintf(`
		SELECT r.*, COALESCE(j.cnt, 0) AS active_jobs
		FROM %s r
		LEFT JOIN (
			SELECT assigned_robot, COUNT(*) AS cnt FROM %s
			WHERE status IN ('claimed', 'running')
			GROUP BY assigned_robot
		) j ON j.assigned_robot = r.id
		WHERE r.tenant_id = $1
		  AND r.status IN ('idle', 'busy')
		  AND r.last_seen > $2
		  AND COALESCE(j.cnt, 0) < r.max_concurrent
		ORDER BY active_jobs ASC, r.last_seen ASC`, TRobot, TJob)

	touchRobotCmd = fmt.Sprintf(
		`UPDATE %s SET last_seen = now(), status = $1 WHERE id = $2`, TRobot)

	markStaleCmd = fmt.Sprintf(`
		UPDATE %s SET status = 'offline'
		WHERE status IN ('idle', 'busy') AND last_seen < $1
		RETURNING id, tenant_id`, TRobot)
)

// StaleRobot identifies a robot that fell out of the liveness window.
type StaleRobot struct {
	Id       string `db:"id"`
	TenantId string `db:"tenant_id"`
}

// InsertRobot registers a robot record.
func (c *Client) InsertRobot(ctx context.Context, tx *sqlx.Tx, robot *Robot) error {
	if robot == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, insertRobotCmd, robot)
	if err != nil {
		klog.ErrorS(err, "failed to insert robot", "name", robot.Name)
	}
	return err
}

// GetRobot retrieves a robot by id.
func (c *Client) GetRobot(ctx context.Context, tx *sqlx.Tx, robotId string) (*Robot, error) {
	if robotId == "" {
		return nil, commonerrors.NewBadRequest("robotId is empty")
	}
	var robots []*Robot
	if err := tx.SelectContext(ctx, &robots, getRobotCmd, robotId); err != nil {
		klog.ErrorS(err, "failed to select robot", "id", robotId)
		return nil, err
	}
	if len(robots) == 0 {
		return nil, commonerrors.NewNotFound("robot", robotId)
	}
	return robots[0], nil
}

// SelectRobots retrieves robot records matching the query.
func (c *Client) SelectRobots(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Robot, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TRobot).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var robots []*Robot
	err = tx.SelectContext(ctx, &robots, sql, args...)
	return robots, err
}

// SelectCandidates returns live robots of a tenant with spare capacity,
// least-loaded first, ties going to the robot seen longest ago.
func (c *Client) SelectCandidates(ctx context.Context, tx *sqlx.Tx, tenantId string, seenAfter time.Time) ([]*Robot, error) {
	var robots []*Robot
	err := tx.SelectContext(ctx, &robots, selectCandidatesCmd, tenantId, seenAfter)
	if err != nil {
		klog.ErrorS(err, "failed to select candidate robots", "tenant", tenantId)
	}
	return robots, err
}

// TouchRobot refreshes last_seen and the reported status.
func (c *Client) TouchRobot(ctx context.Context, tx *sqlx.Tx, robotId, status string) error {
	res, err := tx.ExecContext(ctx, touchRobotCmd, status, robotId)
	if err != nil {
		klog.ErrorS(err, "failed to touch robot", "id", robotId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("robot", robotId)
	}
	return nil
}

// DeleteRobot removes a robot registration.
func (c *Client) DeleteRobot(ctx context.Context, tx *sqlx.Tx, robotId string) error {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TRobot)
	res, err := tx.ExecContext(ctx, cmd, robotId)
	if err != nil {
		klog.ErrorS(err, "failed to delete robot", "id", robotId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("robot", robotId)
	}
	return nil
}

// MarkStaleRobots flips robots outside the liveness window to offline and
// returns them so their leases can be reclaimed.
func (c *Client) MarkStaleRobots(ctx context.Context, tx *sqlx.Tx, seenBefore time.Time) ([]*StaleRobot, error) {
	var stale []*StaleRobot
	err := tx.SelectContext(ctx, &stale, markStaleCmd, seenBefore)
	if err != nil {
		klog.ErrorS(err, "failed to mark stale robots")
	}
	return stale, err
}

// InsertHeartbeat appends a heartbeat sample.
func (c *Client) InsertHeartbeat(ctx context.Context, tx *sqlx.Tx, hb *RobotHeartbeat) error {
	if hb == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*hb, insertHeartbeatFormat, "id"), hb)
	if err != nil {
		klog.ErrorS(err, "failed to insert heartbeat", "robot", hb.RobotId)
	}
	return err
}

// PruneHeartbeats drops heartbeat samples older than the cutoff.
func (c *Client) PruneHeartbeats(ctx context.Context, tx *sqlx.Tx, before time.Time) (int64, error) {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE create_time < $1`, THeartbeat)
	res, err := tx.ExecContext(ctx, cmd, before)
	if err != nil {
		klog.ErrorS(err, "failed to prune heartbeats")
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
