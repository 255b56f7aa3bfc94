/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TDeadLetter = "pgqueuer_dlq"
)

var (
	insertDeadLetterFormat = `INSERT INTO ` + TDeadLetter + ` (%s) VALUES (%s)` +
		` ON CONFLICT (job_id) DO NOTHING`

	getDeadLetterCmd = fmt.Sprintf(`SELECT * FROM %s WHERE job_id = $1 LIMIT 1`, TDeadLetter)
)

// InsertDeadLetter records a job that exhausted its retry budget. The write
// happens in the same transaction as the terminal status flip so the job is
// never terminal without its dead letter or vice versa.
func (c *Client) InsertDeadLetter(ctx context.Context, tx *sqlx.Tx, dl *DeadLetter) error {
	if dl == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*dl, insertDeadLetterFormat, "id"), dl)
	if err != nil {
		klog.ErrorS(err, "failed to insert dead letter", "job", dl.JobId)
	}
	return err
}

// GetDeadLetter retrieves a dead letter by the original job id.
func (c *Client) GetDeadLetter(ctx context.Context, tx *sqlx.Tx, jobId string) (*DeadLetter, error) {
	var dls []*DeadLetter
	if err := tx.SelectContext(ctx, &dls, getDeadLetterCmd, jobId); err != nil {
		return nil, err
	}
	if len(dls) == 0 {
		return nil, commonerrors.NewNotFound("dead letter", jobId)
	}
	return dls[0], nil
}

// SelectDeadLetters retrieves dead letters matching the query.
func (c *Client) SelectDeadLetters(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*DeadLetter, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TDeadLetter).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var dls []*DeadLetter
	err = tx.SelectContext(ctx, &dls, sql, args...)
	return dls, err
}

// DeleteDeadLetter removes a dead letter after an operator requeues or
// discards it.
func (c *Client) DeleteDeadLetter(ctx context.Context, tx *sqlx.Tx, jobId string) error {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, TDeadLetter)
	res, err := tx.ExecContext(ctx, cmd, jobId)
	if err != nil {
		klog.ErrorS(err, "failed to delete dead letter", "job", jobId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("dead letter", jobId)
	}
	return nil
}
