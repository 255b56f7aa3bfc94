/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func TestEvaluateConditionFileExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "trigger.csv")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))

	tests := []struct {
		name    string
		params  string
		want    bool
		wantErr string
	}{
		{
			name:   "file present",
			params: `{"path": "` + present + `"}`,
			want:   true,
		},
		{
			name:   "file missing",
			params: `{"path": "` + filepath.Join(dir, "nope.csv") + `"}`,
			want:   false,
		},
		{
			name:    "path missing from params",
			params:  `{}`,
			wantErr: "requires a path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &dbclient.ScheduleCondition{Kind: ConditionFileExist, Parameters: tt.params}
			got, err := evaluateCondition(context.Background(), nil, cond)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionCustomGatesClosed(t *testing.T) {
	cond := &dbclient.ScheduleCondition{Kind: ConditionCustom, ScheduleId: "s-1"}
	got, err := evaluateCondition(context.Background(), nil, cond)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateConditionRejectsMalformedParams(t *testing.T) {
	cond := &dbclient.ScheduleCondition{Kind: ConditionFileExist, Parameters: `path=/tmp`}
	_, err := evaluateCondition(context.Background(), nil, cond)
	assert.True(t, commonerrors.IsBadRequest(err))
}

func TestEvaluateConditionUnknownKind(t *testing.T) {
	cond := &dbclient.ScheduleCondition{Kind: "shell_command"}
	_, err := evaluateCondition(context.Background(), nil, cond)
	require.Error(t, err)
	assert.True(t, commonerrors.IsBadRequest(err))
}

func TestEvalSqlConditionRejectsNonSelect(t *testing.T) {
	_, err := evalSqlCondition(context.Background(), nil, "DELETE FROM tenants")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a SELECT")
}

func TestEvalHttpConditionRequiresUrl(t *testing.T) {
	_, err := evalHttpCondition(context.Background(), conditionParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a url")
}

func TestEvalHttpConditionVerdicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pass, err := evalHttpCondition(context.Background(), conditionParams{Url: srv.URL + "/up"})
	require.NoError(t, err)
	assert.True(t, pass)

	// a served non-2xx answer is a verdict, not a transport failure
	pass, err = evalHttpCondition(context.Background(), conditionParams{Url: srv.URL + "/down"})
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestEvalHttpConditionRetriesDroppedConnection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pass, err := evalHttpCondition(context.Background(), conditionParams{Url: srv.URL})
	require.NoError(t, err)
	assert.True(t, pass)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEvalHttpConditionBadUrlDoesNotRetry(t *testing.T) {
	_, err := evalHttpCondition(context.Background(), conditionParams{Url: "://no-scheme"})
	require.Error(t, err)
	assert.True(t, commonerrors.IsBadRequest(err))
}
