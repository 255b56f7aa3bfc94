/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package client wraps the control-plane database. All tenant-scoped reads
// and writes go through WithTenantTx, which installs the tenant id as a
// transaction-local setting so the row-level-security policies apply.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	"github.com/casarerpa/orchestrator/pkg/database/migrations"
	"github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

var (
	once     sync.Once
	instance *Client
)

// Client manages the sqlx connection pool and carries the database
// configuration used to derive per-request timeouts.
type Client struct {
	db              *sqlx.DB
	*utils.DBConfig // Embedded database configuration
}

// NewClient creates a singleton instance of the database Client.
// It reads connection parameters from the common configuration, validates
// them, connects, and optionally applies pending migrations.
// The initialization happens only once even if called multiple times.
func NewClient() *Client {
	once.Do(func() {
		cfg := &utils.DBConfig{
			DBName:         commonconfig.GetDBName(),
			Username:       commonconfig.GetDBUser(),
			Password:       commonconfig.GetDBPassword(),
			Host:           commonconfig.GetDBHost(),
			Port:           commonconfig.GetDBPort(),
			SSLMode:        commonconfig.GetDBSslMode(),
			MaxOpenConns:   commonconfig.GetDBMaxOpenConns(),
			MaxIdleConns:   commonconfig.GetDBMaxIdleConns(),
			MaxLifetime:    time.Duration(commonconfig.GetDBMaxLifetimeSecond()) * time.Second,
			MaxIdleTime:    time.Duration(commonconfig.GetDBMaxIdleTimeSecond()) * time.Second,
			ConnectTimeout: commonconfig.GetDBConnectTimeoutSecond(),
			RequestTimeout: time.Duration(commonconfig.GetDBRequestTimeoutSecond()) * time.Second,
		}
		if err := checkParams(cfg); err != nil {
			klog.ErrorS(err, "failed to check db params")
			return
		}
		db, err := utils.Connect(cfg, utils.PgDriver)
		if err != nil {
			klog.Errorf("%s", err.Error())
			return
		}
		if err = db.Ping(); err != nil {
			klog.ErrorS(err, "failed to ping db")
			return
		}
		if commonconfig.IsDBAutoMigrate() {
			if err = migrations.Up(db); err != nil {
				klog.ErrorS(err, "failed to apply db migrations")
				return
			}
		}
		instance = &Client{db: db, DBConfig: cfg}
		klog.Infof("init db-client successfully! conn-timeout: %d(s), request-timeout: %d(s)",
			cfg.ConnectTimeout, commonconfig.GetDBRequestTimeoutSecond())
	})
	return instance
}

// NewClientWithDB builds a client around an existing connection. Used by
// tests with sqlmock.
func NewClientWithDB(db *sqlx.DB) *Client {
	return &Client{db: db, DBConfig: &utils.DBConfig{}}
}

// Close performs the Close operation.
func (c *Client) Close() {
	err := c.db.Close()
	if err != nil {
		klog.ErrorS(err, "failed to close db connection")
	}
}

// getDB retrieves DB for internal use.
func (c *Client) getDB() (*sqlx.DB, error) {
	if c.db == nil {
		return nil, commonerrors.NewInternalError("The client of db has not been initialized")
	}
	return c.db.Unsafe(), nil
}

// WithTenantTx runs fn inside a transaction with the tenant and actor
// installed as transaction-local settings. Row-level security filters every
// statement in fn to the given tenant. An empty tenantId fails fast rather
// than silently matching no rows.
func (c *Client) WithTenantTx(ctx context.Context, tenantId, actorId string, fn func(tx *sqlx.Tx) error) error {
	if tenantId == "" {
		return commonerrors.NewNoTenantContext()
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return commonerrors.NewTransientIO(fmt.Sprintf("failed to begin tx: %v", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if _, err = tx.ExecContext(ctx, `SELECT set_config('app.current_tenant_id', $1, true)`, tenantId); err != nil {
		_ = tx.Rollback()
		return err
	}
	if actorId != "" {
		if _, err = tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, actorId); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WithSystemTx runs fn inside a transaction flagged as the system actor.
// Background components that legitimately cross tenant boundaries, the
// dispatcher and the schedule engine among them, use this scope.
func (c *Client) WithSystemTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return commonerrors.NewTransientIO(fmt.Sprintf("failed to begin tx: %v", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if _, err = tx.ExecContext(ctx, `SELECT set_config('app.is_system', 'true', true)`); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// checkParams checks Params and returns the result.
func checkParams(cfg *utils.DBConfig) error {
	var errs []error
	if cfg.DBName == "" {
		errs = append(errs, fmt.Errorf("dbname not found"))
	}
	if cfg.Username == "" {
		errs = append(errs, fmt.Errorf("username not found"))
	}
	if cfg.Password == "" {
		errs = append(errs, fmt.Errorf("password not found"))
	}
	if cfg.Host == "" {
		errs = append(errs, fmt.Errorf("host not found"))
	}
	if cfg.SSLMode == "" {
		errs = append(errs, fmt.Errorf("ssl_mode not found"))
	}
	if cfg.Port == 0 {
		errs = append(errs, fmt.Errorf("port not found"))
	}
	return errors.Join(errs...)
}
