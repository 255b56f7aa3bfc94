/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"gotest.tools/assert"
)

func TestOldestFiringSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	defer db.Close()

	oldest := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MIN\(create_time\) FROM schedule_execution_history`).
		WithArgs("s-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(oldest))
	mock.ExpectCommit()

	sqlxDb := sqlx.NewDb(db, "sqlmock")
	c := NewClientWithDB(sqlxDb)

	tx, err := sqlxDb.Beginx()
	assert.NilError(t, err)
	got, err := c.OldestFiringSince(context.Background(), tx, "s-1", oldest.Add(-time.Hour))
	assert.NilError(t, err)
	assert.Assert(t, got.Valid)
	assert.Equal(t, got.Time, oldest)
	assert.NilError(t, tx.Commit())
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestOldestFiringSinceEmptyWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	defer db.Close()

	// MIN over no rows is NULL
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MIN\(create_time\) FROM schedule_execution_history`).
		WithArgs("s-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
	mock.ExpectCommit()

	sqlxDb := sqlx.NewDb(db, "sqlmock")
	c := NewClientWithDB(sqlxDb)

	tx, err := sqlxDb.Beginx()
	assert.NilError(t, err)
	got, err := c.OldestFiringSince(context.Background(), tx, "s-1", time.Now().UTC())
	assert.NilError(t, err)
	assert.Assert(t, !got.Valid)
	assert.NilError(t, tx.Commit())
	assert.NilError(t, mock.ExpectationsWereMet())
}
