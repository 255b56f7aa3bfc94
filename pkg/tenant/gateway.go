/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package tenant is the multi-tenant gateway: it authenticates principals,
// resolves their role grants, and enforces per-tenant quotas before work
// reaches the control plane.
package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/authority"
	"github.com/casarerpa/orchestrator/pkg/common"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/metrics"
)

var (
	gatewayOnce     sync.Once
	gatewayInstance *Gateway
)

// Gateway authenticates and authorizes every control-plane request.
type Gateway struct {
	dbClient *dbclient.Client
	apiKeys  *authority.ApiKeyToken
}

// NewGateway creates the singleton gateway.
func NewGateway(dbClient *dbclient.Client) *Gateway {
	gatewayOnce.Do(func() {
		gatewayInstance = &Gateway{
			dbClient: dbClient,
			apiKeys:  authority.NewApiKeyToken(dbClient),
		}
	})
	return gatewayInstance
}

// GatewayInstance returns the singleton gateway.
func GatewayInstance() *Gateway {
	return gatewayInstance
}

// Identity is the fully resolved caller: principal, role, and grants.
type Identity struct {
	Principal *authority.Principal
	RoleName  string
	Grants    []*dbclient.Grant
}

// Authenticate resolves the caller from the Authorization header. API keys
// carry their tenant; user tokens are checked against the requested tenant's
// membership. The tenant must be active.
func (g *Gateway) Authenticate(ctx context.Context, authHeader, requestedTenant, clientIP string) (*Identity, error) {
	var principal *authority.Principal

	if apiKey := authority.ExtractApiKeyFromRequest(authHeader); apiKey != "" {
		p, err := g.apiKeys.ValidateApiKey(ctx, apiKey, clientIP)
		if err != nil {
			return nil, err
		}
		principal = p
		principal.Type = common.PrincipalTypeApiKey
	} else {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return nil, commonerrors.NewUnauthorized("missing credentials")
		}
		claims, err := authority.ParseToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return nil, err
		}
		if claims.Type != authority.TokenTypeUser {
			return nil, commonerrors.NewUnauthorized("not a user token")
		}
		principal = &authority.Principal{
			TenantId: requestedTenant,
			Id:       claims.Subject,
			Name:     claims.Name,
			Type:     common.PrincipalTypeUser,
		}
	}

	if principal.TenantId == "" {
		return nil, commonerrors.NewNoTenantContext()
	}
	if requestedTenant != "" && requestedTenant != principal.TenantId {
		// An API key never grants access to another tenant.
		return nil, commonerrors.NewForbidden("credential is bound to a different tenant")
	}

	t, err := g.dbClient.GetTenant(ctx, principal.TenantId)
	if err != nil {
		return nil, err
	}
	if t.Status != "active" {
		return nil, commonerrors.NewForbidden("tenant is " + t.Status)
	}

	grants, err := g.dbClient.GetMembership(ctx, principal.TenantId, principal.Id)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, commonerrors.NewForbidden("not a member of this tenant")
	}
	return &Identity{
		Principal: principal,
		RoleName:  grants[0].RoleName,
		Grants:    grants,
	}, nil
}

// Authorize checks that the identity holds the resource/action grant.
func (g *Gateway) Authorize(id *Identity, resource, action string) error {
	if id == nil {
		return commonerrors.NewUnauthorized("missing identity")
	}
	for _, grant := range id.Grants {
		if grant.Resource == resource && grant.Action == action {
			return nil
		}
	}
	klog.V(4).Infof("permission denied: principal=%s role=%s wants %s.%s",
		id.Principal.Id, id.RoleName, resource, action)
	return commonerrors.NewForbidden("permission denied: " + resource + "." + action)
}

// QuotaResource names a counted tenant resource.
const (
	QuotaWorkflows  = "workflows"
	QuotaRobots     = "robots"
	QuotaMembers    = "members"
	QuotaExecutions = "executions_per_hour"
)

// CheckQuota compares the tenant's live counter against its limit for the
// named resource. A hit is counted as back pressure before the error
// returns.
func (g *Gateway) CheckQuota(ctx context.Context, t *dbclient.Tenant, resource string) error {
	var current, limit int
	switch resource {
	case QuotaWorkflows:
		current, limit = t.CurrentWorkflowCount, t.MaxWorkflows
	case QuotaRobots:
		current, limit = t.CurrentRobotCount, t.MaxRobots
	case QuotaMembers:
		current, limit = t.CurrentMemberCount, t.MaxTeamMembers
	default:
		return commonerrors.NewInternalError("unknown quota resource " + resource)
	}
	if limit > 0 && current >= limit {
		g.recordBackpressure(ctx, t.Id, resource)
		return commonerrors.NewQuotaExceeded(resource)
	}
	return nil
}

// CheckExecutionQuota enforces the hourly execution ceiling using the job
// creation count over the trailing hour.
func (g *Gateway) CheckExecutionQuota(ctx context.Context, t *dbclient.Tenant, recentJobs int) error {
	if t.MaxExecutionsPerHour > 0 && recentJobs >= t.MaxExecutionsPerHour {
		g.recordBackpressure(ctx, t.Id, QuotaExecutions)
		return commonerrors.NewRateLimited(
			"hourly execution quota exhausted", time.Hour/time.Duration(t.MaxExecutionsPerHour))
	}
	return nil
}

func (g *Gateway) recordBackpressure(ctx context.Context, tenantId, resource string) {
	metrics.TenantBackpressure.WithLabelValues(tenantId, resource).Inc()
	if err := g.dbClient.IncrementBackpressure(ctx, tenantId); err != nil {
		klog.ErrorS(err, "failed to persist backpressure count", "tenant", tenantId)
	}
}
