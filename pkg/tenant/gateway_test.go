/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package tenant

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"gotest.tools/assert"

	"github.com/casarerpa/orchestrator/pkg/authority"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func testIdentity(grants ...*dbclient.Grant) *Identity {
	return &Identity{
		Principal: &authority.Principal{TenantId: "t-1", Id: "u-1", Name: "operator"},
		RoleName:  "operator",
		Grants:    grants,
	}
}

func TestAuthorizeMissingIdentity(t *testing.T) {
	g := &Gateway{}
	err := g.Authorize(nil, "job", "create")
	assert.Assert(t, commonerrors.IsUnauthorized(err))
}

func TestAuthorizeGrantPresent(t *testing.T) {
	g := &Gateway{}
	id := testIdentity(
		&dbclient.Grant{RoleName: "operator", Resource: "job", Action: "create"},
		&dbclient.Grant{RoleName: "operator", Resource: "job", Action: "read"},
	)
	assert.NilError(t, g.Authorize(id, "job", "create"))
	assert.NilError(t, g.Authorize(id, "job", "read"))
}

func TestAuthorizeGrantMissing(t *testing.T) {
	g := &Gateway{}
	id := testIdentity(&dbclient.Grant{RoleName: "viewer", Resource: "job", Action: "read"})

	err := g.Authorize(id, "job", "cancel")
	assert.Assert(t, commonerrors.IsForbidden(err))
	assert.ErrorContains(t, err, "permission denied: job.cancel")

	// same action on another resource is not implied
	err = g.Authorize(id, "workflow", "read")
	assert.Assert(t, commonerrors.IsForbidden(err))
}

func TestCheckQuotaUnderLimit(t *testing.T) {
	g := &Gateway{}
	tn := &dbclient.Tenant{
		Id:                   "t-1",
		MaxWorkflows:         10,
		CurrentWorkflowCount: 9,
		MaxRobots:            5,
		CurrentRobotCount:    0,
		MaxTeamMembers:       3,
		CurrentMemberCount:   2,
	}
	assert.NilError(t, g.CheckQuota(context.Background(), tn, QuotaWorkflows))
	assert.NilError(t, g.CheckQuota(context.Background(), tn, QuotaRobots))
	assert.NilError(t, g.CheckQuota(context.Background(), tn, QuotaMembers))
}

func TestCheckQuotaZeroLimitIsUnlimited(t *testing.T) {
	g := &Gateway{}
	tn := &dbclient.Tenant{Id: "t-1", MaxWorkflows: 0, CurrentWorkflowCount: 5000}
	assert.NilError(t, g.CheckQuota(context.Background(), tn, QuotaWorkflows))
}

func TestCheckQuotaUnknownResource(t *testing.T) {
	g := &Gateway{}
	err := g.CheckQuota(context.Background(), &dbclient.Tenant{Id: "t-1"}, "cpus")
	assert.Assert(t, commonerrors.IsInternal(err))
}

func TestCheckQuotaExceeded(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	defer db.Close()
	mock.ExpectExec("UPDATE tenants SET backpressure_count").
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	g := &Gateway{dbClient: dbclient.NewClientWithDB(sqlx.NewDb(db, "sqlmock"))}
	tn := &dbclient.Tenant{Id: "t-1", MaxRobots: 2, CurrentRobotCount: 2}

	quotaErr := g.CheckQuota(context.Background(), tn, QuotaRobots)
	assert.Assert(t, commonerrors.IsQuotaExceeded(quotaErr))
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestCheckExecutionQuota(t *testing.T) {
	g := &Gateway{}
	tn := &dbclient.Tenant{Id: "t-1", MaxExecutionsPerHour: 60}

	assert.NilError(t, g.CheckExecutionQuota(context.Background(), tn, 59))

	// zero ceiling disables the check entirely
	unlimited := &dbclient.Tenant{Id: "t-2", MaxExecutionsPerHour: 0}
	assert.NilError(t, g.CheckExecutionQuota(context.Background(), unlimited, 100000))
}

func TestCheckExecutionQuotaExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	defer db.Close()
	mock.ExpectExec("UPDATE tenants SET backpressure_count").
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	g := &Gateway{dbClient: dbclient.NewClientWithDB(sqlx.NewDb(db, "sqlmock"))}
	tn := &dbclient.Tenant{Id: "t-1", MaxExecutionsPerHour: 60}

	rateErr := g.CheckExecutionQuota(context.Background(), tn, 60)
	assert.Assert(t, commonerrors.IsRateLimited(rateErr))

	var status *commonerrors.StatusError
	assert.Assert(t, errors.As(rateErr, &status))
	assert.Assert(t, status.RetryAfter > 0)
	assert.NilError(t, mock.ExpectationsWereMet())
}
