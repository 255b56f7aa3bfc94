/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"

	"github.com/casarerpa/orchestrator/pkg/audit"
	"github.com/casarerpa/orchestrator/pkg/authority"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
)

func initApiKeyRouters(g *gin.RouterGroup, h *Handler) {
	g.POST("apikeys", middleware.Require(h.gateway, "apikey", "create"), h.CreateApiKey)
	g.GET("apikeys", middleware.Require(h.gateway, "apikey", "create"), h.ListApiKeys)
	g.DELETE("apikeys/:id", middleware.Require(h.gateway, "apikey", "delete"), h.DeleteApiKey)
}

// CreateApiKey mints a key and returns the plaintext exactly once.
// POST /api/v1/apikeys
func (h *Handler) CreateApiKey(c *gin.Context) {
	handle(c, h.createApiKey)
}

// ListApiKeys lists the tenant's keys with masked hints.
// GET /api/v1/apikeys
func (h *Handler) ListApiKeys(c *gin.Context) {
	handle(c, h.listApiKeys)
}

// DeleteApiKey revokes a key.
// DELETE /api/v1/apikeys/:id
func (h *Handler) DeleteApiKey(c *gin.Context) {
	handle(c, h.deleteApiKey)
}

func (h *Handler) createApiKey(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req CreateApiKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if req.TTLDays < 0 || req.TTLDays > authority.MaxTTLDays {
		return nil, commonerrors.NewBadRequest(
			fmt.Sprintf("ttl_days must be between 0 and %d", authority.MaxTTLDays))
	}
	whitelist, err := authority.ValidateAndDeduplicateWhitelist(req.Whitelist)
	if err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	plaintext, err := authority.GenerateApiKey()
	if err != nil {
		return nil, commonerrors.NewInternalError("failed to generate api key")
	}
	key := &dbclient.ApiKey{
		TenantId: id.Principal.TenantId,
		UserId:   id.Principal.Id,
		Name:     req.Name,
		KeyHash:  authority.HashApiKey(plaintext, authority.GetApiKeySecret()),
		KeyHint:  authority.GenerateKeyHint(plaintext),
	}
	if len(whitelist) > 0 {
		key.Whitelist = dbutils.NullString(marshalStrings(whitelist))
	}
	resp := CreateApiKeyResp{
		Name:    req.Name,
		Key:     plaintext,
		KeyHint: authority.FormatKeyHint(key.KeyHint),
	}
	if req.TTLDays > 0 {
		expiry := time.Now().UTC().AddDate(0, 0, req.TTLDays)
		key.ExpirationTime = dbutils.NullTime(expiry)
		resp.ExpirationTime = &expiry
	}
	if err = h.dbClient.InsertApiKey(c.Request.Context(), key); err != nil {
		return nil, err
	}
	h.auditor.Record(&audit.Event{
		TenantId:     id.Principal.TenantId,
		Action:       "apikey.create",
		ActorType:    id.Principal.Type,
		ActorId:      id.Principal.Id,
		ResourceType: "apikey",
		ResourceId:   key.KeyHint,
		Details:      map[string]interface{}{"name": req.Name, "ttl_days": req.TTLDays},
		ClientIp:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	return resp, nil
}

func (h *Handler) listApiKeys(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	keys, err := h.dbClient.SelectApiKeys(c.Request.Context(),
		sqrl.Eq{"tenant_id": id.Principal.TenantId, "is_deleted": false},
		[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		item := gin.H{
			"id":       k.Id,
			"name":     k.Name,
			"key_hint": authority.FormatKeyHint(k.KeyHint),
		}
		if k.CreateTime.Valid {
			item["create_time"] = k.CreateTime.Time
		}
		if k.ExpirationTime.Valid {
			item["expiration_time"] = k.ExpirationTime.Time
		}
		items = append(items, item)
	}
	return ListResp{Items: items}, nil
}

func (h *Handler) deleteApiKey(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	keyId, err := parseInt64(c.Param("id"))
	if err != nil {
		return nil, commonerrors.NewBadRequest("invalid api key id")
	}
	if err = h.dbClient.SetApiKeyDeleted(c.Request.Context(), id.Principal.TenantId, keyId); err != nil {
		return nil, err
	}
	h.auditor.Record(&audit.Event{
		TenantId:     id.Principal.TenantId,
		Action:       "apikey.delete",
		ActorType:    id.Principal.Type,
		ActorId:      id.Principal.Id,
		ResourceType: "apikey",
		ResourceId:   c.Param("id"),
		ClientIp:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	return gin.H{"deleted": keyId}, nil
}
