/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/casarerpa/orchestrator/pkg/audit"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
)

func initAuditRouters(g *gin.RouterGroup, h *Handler) {
	g.GET("audit", middleware.Require(h.gateway, "audit", "read"), h.ListAuditEntries)
	g.POST("audit/verify", middleware.Require(h.gateway, "audit", "read"), h.VerifyAuditChain)
	g.GET("audit/root", middleware.Require(h.gateway, "audit", "read"), h.LastMerkleRoot)
}

// ListAuditEntries lists the tenant's audit trail, newest first.
// GET /api/v1/audit
func (h *Handler) ListAuditEntries(c *gin.Context) {
	handle(c, h.listAuditEntries)
}

// VerifyAuditChain recomputes hashes over an id range and reports the
// first broken link.
// POST /api/v1/audit/verify
func (h *Handler) VerifyAuditChain(c *gin.Context) {
	handle(c, h.verifyAuditChain)
}

// LastMerkleRoot returns the most recent anchored root.
// GET /api/v1/audit/root
func (h *Handler) LastMerkleRoot(c *gin.Context) {
	handle(c, h.lastMerkleRoot)
}

func (h *Handler) listAuditEntries(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	query := sqrl.Eq{"tenant_id": id.Principal.TenantId}
	if action := c.Query("action"); action != "" {
		query["action"] = action
	}
	if resourceType := c.Query("resource_type"); resourceType != "" {
		query["resource_type"] = resourceType
	}
	var entries []*dbclient.AuditLog
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		entries, err = h.dbClient.SelectAuditLogs(c.Request.Context(), tx, query,
			[]string{"id " + dbclient.DESC}, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ListResp{Items: entries}, nil
}

func (h *Handler) verifyAuditChain(c *gin.Context) (interface{}, error) {
	if _, err := requestIdentity(c); err != nil {
		return nil, err
	}
	var req VerifyChainReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if req.EndId > 0 && req.EndId < req.StartId {
		return nil, commonerrors.NewBadRequest("end_id precedes start_id")
	}
	return audit.VerifyChain(c.Request.Context(), h.dbClient, req.StartId, req.EndId)
}

func (h *Handler) lastMerkleRoot(c *gin.Context) (interface{}, error) {
	if _, err := requestIdentity(c); err != nil {
		return nil, err
	}
	var root *dbclient.MerkleRoot
	err := h.dbClient.WithSystemTx(c.Request.Context(), func(tx *sqlx.Tx) error {
		var err error
		root, err = h.dbClient.GetLastMerkleRoot(c.Request.Context(), tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, commonerrors.NewNotFoundWithMessage("no merkle root anchored yet")
	}
	return root, nil
}
