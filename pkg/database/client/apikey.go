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
	TApiKey = "api_keys"
)

var (
	insertApiKeyFormat = `INSERT INTO ` + TApiKey + ` (%s) VALUES (%s)`

	// Key lookup runs before the tenant is known, so it goes through the
	// pool connection rather than a tenant transaction.
	getApiKeyByHashCmd = fmt.Sprintf(
		`SELECT * FROM %s WHERE key_hash = $1 AND is_deleted = false LIMIT 1`, TApiKey)
)

// InsertApiKey persists a freshly minted key record.
func (c *Client) InsertApiKey(ctx context.Context, key *ApiKey) error {
	if key == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExecContext(ctx, generateCommand(*key, insertApiKeyFormat, "id"), key)
	if err != nil {
		klog.ErrorS(err, "failed to insert api key", "tenant", key.TenantId, "name", key.Name)
	}
	return err
}

// GetApiKeyByHash looks up an active key by its stored hash.
func (c *Client) GetApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var keys []*ApiKey
	if err = db.SelectContext(ctx, &keys, getApiKeyByHashCmd, keyHash); err != nil {
		klog.ErrorS(err, "failed to select api key")
		return nil, err
	}
	if len(keys) == 0 {
		return nil, commonerrors.NewUnauthorized("api key not found")
	}
	return keys[0], nil
}

// SelectApiKeys retrieves key records matching the query.
func (c *Client) SelectApiKeys(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*ApiKey, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TApiKey).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var keys []*ApiKey
	err = db.SelectContext(ctx, &keys, sql, args...)
	return keys, err
}

// SetApiKeyDeleted revokes a key. Revocation is soft so the hint stays
// visible in the key list.
func (c *Client) SetApiKeyDeleted(ctx context.Context, tenantId string, id int64) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`UPDATE %s SET is_deleted = true WHERE tenant_id = $1 AND id = $2`, TApiKey)
	res, err := db.ExecContext(ctx, cmd, tenantId, id)
	if err != nil {
		klog.ErrorS(err, "failed to delete api key", "id", id)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFoundWithMessage(fmt.Sprintf("api key %d not found", id))
	}
	return nil
}
