/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	THealingEvent = "healing_events"
)

var insertHealingEventFormat = `INSERT INTO ` + THealingEvent + ` (%s) VALUES (%s)`

// InsertHealingEvent records a selector self-healing report from a robot.
func (c *Client) InsertHealingEvent(ctx context.Context, tx *sqlx.Tx, ev *HealingEvent) error {
	if ev == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*ev, insertHealingEventFormat, "id"), ev)
	if err != nil {
		klog.ErrorS(err, "failed to insert healing event", "node", ev.NodeId)
	}
	return err
}

// SelectHealingEvents retrieves healing reports matching the query.
func (c *Client) SelectHealingEvents(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*HealingEvent, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(THealingEvent).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var evs []*HealingEvent
	err = tx.SelectContext(ctx, &evs, sql, args...)
	return evs, err
}
