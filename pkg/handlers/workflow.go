/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
	"github.com/casarerpa/orchestrator/pkg/workflow"
)

func initWorkflowRouters(g *gin.RouterGroup, h *Handler) {
	g.POST("workflows", middleware.Require(h.gateway, "workflow", "create"), h.CreateWorkflow)
	g.GET("workflows", middleware.Require(h.gateway, "workflow", "read"), h.ListWorkflows)
	g.GET("workflows/:id", middleware.Require(h.gateway, "workflow", "read"), h.GetWorkflow)
	g.POST("workflows/:id/versions", middleware.Require(h.gateway, "workflow", "update"), h.CreateVersion)
	g.GET("workflows/:id/versions", middleware.Require(h.gateway, "workflow", "read"), h.ListVersions)
	g.POST("workflows/:id/versions/:versionId/activate", middleware.Require(h.gateway, "workflow", "publish"), h.ActivateVersion)
	g.POST("workflows/:id/versions/:versionId/archive", middleware.Require(h.gateway, "workflow", "publish"), h.ArchiveVersion)
	g.POST("workflows/:id/pins", middleware.Require(h.gateway, "workflow", "update"), h.PinJob)
	g.DELETE("workflows/:id/pins/:jobKey", middleware.Require(h.gateway, "workflow", "update"), h.UnpinJob)
}

// CreateWorkflow registers a workflow.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	handle(c, h.createWorkflow)
}

// ListWorkflows lists the tenant's workflows.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	handle(c, h.listWorkflows)
}

// GetWorkflow returns one workflow.
// GET /api/v1/workflows/:id
func (h *Handler) GetWorkflow(c *gin.Context) {
	handle(c, h.getWorkflow)
}

// CreateVersion snapshots an immutable version of a workflow.
// POST /api/v1/workflows/:id/versions
func (h *Handler) CreateVersion(c *gin.Context) {
	handle(c, h.createVersion)
}

// ListVersions lists a workflow's versions.
// GET /api/v1/workflows/:id/versions
func (h *Handler) ListVersions(c *gin.Context) {
	handle(c, h.listVersions)
}

// ActivateVersion swaps the active pointer.
// POST /api/v1/workflows/:id/versions/:versionId/activate
func (h *Handler) ActivateVersion(c *gin.Context) {
	handle(c, h.activateVersion)
}

// ArchiveVersion retires a version.
// POST /api/v1/workflows/:id/versions/:versionId/archive
func (h *Handler) ArchiveVersion(c *gin.Context) {
	handle(c, h.archiveVersion)
}

// PinJob binds a job key to a version.
// POST /api/v1/workflows/:id/pins
func (h *Handler) PinJob(c *gin.Context) {
	handle(c, h.pinJob)
}

// UnpinJob removes a pin.
// DELETE /api/v1/workflows/:id/pins/:jobKey
func (h *Handler) UnpinJob(c *gin.Context) {
	handle(c, h.unpinJob)
}

func (h *Handler) createWorkflow(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req CreateWorkflowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	return h.store.CreateWorkflow(c.Request.Context(), id, req.Name, req.Workspace)
}

func (h *Handler) listWorkflows(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	query := sqrl.Eq{"tenant_id": id.Principal.TenantId}
	if workspace := c.Query("workspace"); workspace != "" {
		query["workspace"] = workspace
	}
	if status := c.Query("status"); status != "" {
		query["status"] = status
	}
	var workflows []*dbclient.Workflow
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		workflows, err = h.dbClient.SelectWorkflows(c.Request.Context(), tx, query,
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ListResp{Items: workflows}, nil
}

func (h *Handler) getWorkflow(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var w *dbclient.Workflow
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		w, err = h.dbClient.GetWorkflow(c.Request.Context(), tx, c.Param("id"))
		return err
	})
	return w, err
}

func (h *Handler) createVersion(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req CreateVersionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	var caps string
	if len(req.RequiredCapabilities) > 0 {
		raw, err := json.Marshal(req.RequiredCapabilities)
		if err != nil {
			return nil, commonerrors.NewBadRequest("invalid required capabilities")
		}
		caps = string(raw)
	}
	return h.store.CreateVersion(c.Request.Context(), id, &workflow.VersionSpec{
		WorkflowId:           c.Param("id"),
		SemanticVersion:      req.SemanticVersion,
		Payload:              req.Payload,
		ParentVersion:        req.ParentVersion,
		ChangeSummary:        req.ChangeSummary,
		NodeCount:            req.NodeCount,
		ConnectionCount:      req.ConnectionCount,
		RequiredCapabilities: caps,
		NodeOverrides:        string(req.NodeOverrides),
	})
}

func (h *Handler) listVersions(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	versions, err := h.store.ListVersions(c.Request.Context(), id, c.Param("id"), limit, offset)
	if err != nil {
		return nil, err
	}
	return ListResp{Items: versions}, nil
}

func (h *Handler) activateVersion(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	if err = h.store.ActivateVersion(c.Request.Context(), id, c.Param("id"), c.Param("versionId")); err != nil {
		return nil, err
	}
	return gin.H{"activated": c.Param("versionId")}, nil
}

func (h *Handler) archiveVersion(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	if err = h.store.ArchiveVersion(c.Request.Context(), id, c.Param("versionId")); err != nil {
		return nil, err
	}
	return gin.H{"archived": c.Param("versionId")}, nil
}

func (h *Handler) pinJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req PinJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if err = h.store.PinJob(c.Request.Context(), id, req.JobKey, c.Param("id"), req.VersionId, req.Reason); err != nil {
		return nil, err
	}
	return gin.H{"pinned": req.JobKey}, nil
}

func (h *Handler) unpinJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	if err = h.store.UnpinJob(c.Request.Context(), id, c.Param("jobKey"), c.Param("id")); err != nil {
		return nil, err
	}
	return gin.H{"unpinned": c.Param("jobKey")}, nil
}
