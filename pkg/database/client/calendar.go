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
	TCalendar = "business_calendars"
	TBlackout = "blackout_periods"
)

var (
	insertCalendarFormat = `INSERT INTO ` + TCalendar + ` (%s) VALUES (%s)`
	insertBlackoutFormat = `INSERT INTO ` + TBlackout + ` (%s) VALUES (%s)`

	getCalendarCmd = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TCalendar)

	activeBlackoutsCmd = fmt.Sprintf(`
		SELECT * FROM %s
		WHERE calendar_id = $1 AND start_time <= $2 AND end_time > $2`, TBlackout)
)

// InsertCalendar creates a business calendar.
func (c *Client) InsertCalendar(ctx context.Context, tx *sqlx.Tx, cal *BusinessCalendar) error {
	if cal == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*cal, insertCalendarFormat, ""), cal)
	if err != nil {
		klog.ErrorS(err, "failed to insert calendar", "name", cal.Name)
	}
	return err
}

// GetCalendar retrieves a calendar by id.
func (c *Client) GetCalendar(ctx context.Context, tx *sqlx.Tx, calendarId string) (*BusinessCalendar, error) {
	if calendarId == "" {
		return nil, commonerrors.NewBadRequest("calendarId is empty")
	}
	var cals []*BusinessCalendar
	if err := tx.SelectContext(ctx, &cals, getCalendarCmd, calendarId); err != nil {
		klog.ErrorS(err, "failed to select calendar", "id", calendarId)
		return nil, err
	}
	if len(cals) == 0 {
		return nil, commonerrors.NewNotFound("calendar", calendarId)
	}
	return cals[0], nil
}

// SelectCalendars retrieves calendar records matching the query.
func (c *Client) SelectCalendars(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*BusinessCalendar, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TCalendar).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var cals []*BusinessCalendar
	err = tx.SelectContext(ctx, &cals, sql, args...)
	return cals, err
}

// InsertBlackout adds a blackout window to a calendar.
func (c *Client) InsertBlackout(ctx context.Context, tx *sqlx.Tx, b *BlackoutPeriod) error {
	if b == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*b, insertBlackoutFormat, "id"), b)
	if err != nil {
		klog.ErrorS(err, "failed to insert blackout", "calendar", b.CalendarId)
	}
	return err
}

// ActiveBlackouts returns the blackout windows covering the given instant.
func (c *Client) ActiveBlackouts(ctx context.Context, tx *sqlx.Tx, calendarId string, at time.Time) ([]*BlackoutPeriod, error) {
	var bs []*BlackoutPeriod
	err := tx.SelectContext(ctx, &bs, activeBlackoutsCmd, calendarId, at)
	return bs, err
}

// BlackoutsOf returns every blackout window of a calendar.
func (c *Client) BlackoutsOf(ctx context.Context, tx *sqlx.Tx, calendarId string) ([]*BlackoutPeriod, error) {
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE calendar_id = $1 ORDER BY start_time ASC`, TBlackout)
	var bs []*BlackoutPeriod
	err := tx.SelectContext(ctx, &bs, cmd, calendarId)
	return bs, err
}

// DeleteBlackout removes a blackout window.
func (c *Client) DeleteBlackout(ctx context.Context, tx *sqlx.Tx, id int64) error {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TBlackout)
	res, err := tx.ExecContext(ctx, cmd, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFoundWithMessage(fmt.Sprintf("blackout %d not found", id))
	}
	return nil
}
