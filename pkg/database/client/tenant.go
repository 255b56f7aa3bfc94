/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	sqrl "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TTenant       = "tenants"
	TTenantMember = "tenant_members"
	TRole         = "roles"
	TPermission   = "permissions"
	TRolePerm     = "role_permissions"
)

var (
	getTenantCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TTenant)
	getTenantBySlugCmd = fmt.Sprintf(`SELECT * FROM %s WHERE slug = $1 LIMIT 1`, TTenant)

	// Resolves the caller's role and the flat permission list in one pass.
	getMembershipCmd = fmt.Sprintf(`
		SELECT r.name AS role_name, p.resource, p.action
		FROM %s m
		JOIN %s r ON r.id = m.role_id
		JOIN %s rp ON rp.role_id = r.id
		JOIN %s p ON p.id = rp.permission_id
		WHERE m.tenant_id = $1 AND m.user_id = $2 AND m.status = 'active'`,
		TTenantMember, TRole, TRolePerm, TPermission)
)

// Grant is one resolved permission row for a principal.
type Grant struct {
	RoleName string `db:"role_name"`
	Resource string `db:"resource"`
	Action   string `db:"action"`
}

// GetTenant retrieves a tenant by id.
func (c *Client) GetTenant(ctx context.Context, tenantId string) (*Tenant, error) {
	if tenantId == "" {
		return nil, commonerrors.NewBadRequest("tenantId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var tenants []*Tenant
	if err = db.SelectContext(ctx, &tenants, getTenantCmd, tenantId); err != nil {
		klog.ErrorS(err, "failed to select tenant", "id", tenantId)
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, commonerrors.NewNotFound("tenant", tenantId)
	}
	return tenants[0], nil
}

// GetTenantBySlug retrieves a tenant by its slug.
func (c *Client) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var tenants []*Tenant
	if err = db.SelectContext(ctx, &tenants, getTenantBySlugCmd, slug); err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, commonerrors.NewNotFound("tenant", slug)
	}
	return tenants[0], nil
}

// SelectTenants retrieves tenant records matching the query.
func (c *Client) SelectTenants(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Tenant, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TTenant).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var tenants []*Tenant
	err = db.SelectContext(ctx, &tenants, sql, args...)
	return tenants, err
}

// GetMembership resolves the role name and permission grants of a user
// within a tenant. An empty result means the user is not a member.
func (c *Client) GetMembership(ctx context.Context, tenantId, userId string) ([]*Grant, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var grants []*Grant
	if err = db.SelectContext(ctx, &grants, getMembershipCmd, tenantId, userId); err != nil {
		klog.ErrorS(err, "failed to select membership", "tenant", tenantId, "user", userId)
		return nil, err
	}
	return grants, nil
}

// IncrementBackpressure bumps the tenant's rejected-work counter.
func (c *Client) IncrementBackpressure(ctx context.Context, tenantId string) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`UPDATE %s SET backpressure_count = backpressure_count + 1 WHERE id = $1`, TTenant)
	_, err = db.ExecContext(ctx, cmd, tenantId)
	if err != nil {
		klog.ErrorS(err, "failed to bump backpressure", "tenant", tenantId)
	}
	return err
}
