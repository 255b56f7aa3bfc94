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
	TAuditLog   = "audit_log"
	TMerkleRoot = "audit_merkle_roots"
)

var (
	// Entries return their assigned id so the single chain writer can
	// carry the sequence forward.
	insertAuditLogCmd = fmt.Sprintf(`
		INSERT INTO %s (entry_uuid, tenant_id, is_system, action, actor_type, actor_id,
			resource_type, resource_id, details, client_ip, user_agent,
			entry_hash, previous_hash, create_time)
		VALUES (:entry_uuid, :tenant_id, :is_system, :action, :actor_type, :actor_id,
			:resource_type, :resource_id, :details, :client_ip, :user_agent,
			:entry_hash, :previous_hash, :create_time)
		RETURNING id`, TAuditLog)

	lastAuditEntryCmd = fmt.Sprintf(
		`SELECT * FROM %s ORDER BY id DESC LIMIT 1`, TAuditLog)

	auditRangeCmd = fmt.Sprintf(
		`SELECT * FROM %s WHERE id >= $1 AND id <= $2 ORDER BY id ASC`, TAuditLog)

	unanchoredAfterCmd = fmt.Sprintf(`
		SELECT * FROM %s WHERE id > $1 ORDER BY id ASC LIMIT $2`, TAuditLog)

	insertMerkleRootFormat = `INSERT INTO ` + TMerkleRoot + ` (%s) VALUES (%s)`

	lastMerkleRootCmd = fmt.Sprintf(
		`SELECT * FROM %s ORDER BY end_id DESC LIMIT 1`, TMerkleRoot)
)

// InsertAuditLog appends a chained entry and returns its sequence id.
// Callers must hold the chain writer lock; concurrent appends would fork
// the hash chain.
func (c *Client) InsertAuditLog(ctx context.Context, tx *sqlx.Tx, entry *AuditLog) (int64, error) {
	if entry == nil {
		return 0, commonerrors.NewBadRequest("the input is empty")
	}
	rows, err := sqlx.NamedQueryContext(ctx, tx, insertAuditLogCmd, entry)
	if err != nil {
		klog.ErrorS(err, "failed to insert audit log", "action", entry.Action)
		return 0, err
	}
	defer rows.Close()
	var id int64
	if rows.Next() {
		if err = rows.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetLastAuditEntry returns the newest chain entry, nil on an empty chain.
func (c *Client) GetLastAuditEntry(ctx context.Context, tx *sqlx.Tx) (*AuditLog, error) {
	var entries []*AuditLog
	if err := tx.SelectContext(ctx, &entries, lastAuditEntryCmd); err != nil {
		klog.ErrorS(err, "failed to select last audit entry")
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// SelectAuditRange returns the chain slice [startId, endId] in order.
func (c *Client) SelectAuditRange(ctx context.Context, tx *sqlx.Tx, startId, endId int64) ([]*AuditLog, error) {
	var entries []*AuditLog
	err := tx.SelectContext(ctx, &entries, auditRangeCmd, startId, endId)
	return entries, err
}

// SelectAuditAfter returns up to limit entries past the given id. The Merkle
// anchor task uses it to find entries not yet covered by a root.
func (c *Client) SelectAuditAfter(ctx context.Context, tx *sqlx.Tx, afterId int64, limit int) ([]*AuditLog, error) {
	var entries []*AuditLog
	err := tx.SelectContext(ctx, &entries, unanchoredAfterCmd, afterId, limit)
	return entries, err
}

// SelectAuditLogs retrieves audit entries matching the query. Row-level
// security scopes tenant transactions to their own entries.
func (c *Client) SelectAuditLogs(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*AuditLog, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TAuditLog).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var entries []*AuditLog
	err = tx.SelectContext(ctx, &entries, sql, args...)
	return entries, err
}

// InsertMerkleRoot anchors a contiguous chain slice.
func (c *Client) InsertMerkleRoot(ctx context.Context, tx *sqlx.Tx, root *MerkleRoot) error {
	if root == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*root, insertMerkleRootFormat, "id"), root)
	if err != nil {
		klog.ErrorS(err, "failed to insert merkle root", "start", root.StartId, "end", root.EndId)
	}
	return err
}

// GetLastMerkleRoot returns the newest anchor, nil when none exist.
func (c *Client) GetLastMerkleRoot(ctx context.Context, tx *sqlx.Tx) (*MerkleRoot, error) {
	var roots []*MerkleRoot
	if err := tx.SelectContext(ctx, &roots, lastMerkleRootCmd); err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, nil
	}
	return roots[0], nil
}
