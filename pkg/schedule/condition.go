/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/backoff"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

// Condition kinds.
const (
	ConditionSqlQuery  = "sql_query"
	ConditionHttpCheck = "http_check"
	ConditionFileExist = "file_exists"
	ConditionCustom    = "custom"
)

const (
	httpCheckTimeout    = 10 * time.Second
	httpCheckAttempts   = 3
	httpCheckRetryDelay = time.Second
)

type conditionParams struct {
	Query          string `json:"query,omitempty"`
	Url            string `json:"url,omitempty"`
	Path           string `json:"path,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// evaluateCondition runs a schedule's gating condition. Only read-only SQL
// is accepted for sql_query; custom conditions are evaluated outside the
// core and gate closed here.
func evaluateCondition(ctx context.Context, tx *sqlx.Tx, cond *dbclient.ScheduleCondition) (bool, error) {
	var p conditionParams
	if cond.Parameters != "" {
		if err := json.Unmarshal([]byte(cond.Parameters), &p); err != nil {
			return false, commonerrors.NewBadRequest("malformed condition parameters")
		}
	}
	switch cond.Kind {
	case ConditionSqlQuery:
		return evalSqlCondition(ctx, tx, p.Query)
	case ConditionHttpCheck:
		return evalHttpCondition(ctx, p)
	case ConditionFileExist:
		if p.Path == "" {
			return false, commonerrors.NewBadRequest("file_exists condition requires a path")
		}
		_, err := os.Stat(p.Path)
		return err == nil, nil
	case ConditionCustom:
		klog.V(4).Infof("custom condition on schedule %s cannot be evaluated in-process", cond.ScheduleId)
		return false, nil
	default:
		return false, commonerrors.NewBadRequest("unknown condition kind " + cond.Kind)
	}
}

// evalSqlCondition treats the first column of the first row as the verdict:
// a boolean is taken as-is, any row at all otherwise counts as pass.
func evalSqlCondition(ctx context.Context, tx *sqlx.Tx, query string) (bool, error) {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if !strings.HasPrefix(trimmed, "select") {
		return false, commonerrors.NewBadRequest("sql_query condition must be a SELECT")
	}
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return false, rows.Err()
	}
	var verdict interface{}
	if err = rows.Scan(&verdict); err != nil {
		return false, err
	}
	if b, ok := verdict.(bool); ok {
		return b, nil
	}
	return true, nil
}

// evalHttpCondition checks the endpoint, retrying transport failures before
// letting the verdict settle as a miss.
func evalHttpCondition(ctx context.Context, p conditionParams) (bool, error) {
	if p.Url == "" {
		return false, commonerrors.NewBadRequest("http_check condition requires a url")
	}
	timeout := httpCheckTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	pass := false
	err := backoff.TransientRetry(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.Url, nil)
		if err != nil {
			return commonerrors.NewBadRequest(err.Error())
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return commonerrors.NewTransientIO(err.Error())
		}
		defer resp.Body.Close()
		pass = resp.StatusCode >= 200 && resp.StatusCode < 300
		return nil
	}, httpCheckAttempts, httpCheckRetryDelay)
	if err != nil {
		if commonerrors.IsBadRequest(err) {
			return false, err
		}
		// An endpoint that stayed unreachable is a failed check, not an
		// engine error.
		return false, nil
	}
	return pass, nil
}
