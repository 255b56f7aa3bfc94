/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
	"github.com/casarerpa/orchestrator/pkg/queue"
)

func initJobRouters(g *gin.RouterGroup, h *Handler) {
	g.POST("jobs", middleware.Require(h.gateway, "job", "create"), h.EnqueueJob)
	g.GET("jobs", middleware.Require(h.gateway, "job", "read"), h.ListJobs)
	g.GET("jobs/:id", middleware.Require(h.gateway, "job", "read"), h.GetJob)
	g.POST("jobs/:id/cancel", middleware.Require(h.gateway, "job", "cancel"), h.CancelJob)

	// Pull-mode surface for robots behind networks that block the push
	// session: claim a leased batch, then report terminals over HTTP.
	g.POST("jobs/claim", middleware.Require(h.gateway, "job", "create"), h.ClaimJobs)
	g.POST("jobs/:id/complete", middleware.Require(h.gateway, "job", "create"), h.CompleteJob)
	g.POST("jobs/:id/fail", middleware.Require(h.gateway, "job", "create"), h.FailJob)

	g.GET("dlq", middleware.Require(h.gateway, "job", "read"), h.ListDeadLetters)
	g.POST("dlq/:jobId/requeue", middleware.Require(h.gateway, "job", "create"), h.RequeueDeadLetter)

	g.GET("healing-events", middleware.Require(h.gateway, "job", "read"), h.ListHealingEvents)
}

// EnqueueJob creates a queued job.
// POST /api/v1/jobs
func (h *Handler) EnqueueJob(c *gin.Context) {
	handle(c, h.enqueueJob)
}

// ListJobs lists the tenant's jobs.
// GET /api/v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	handle(c, h.listJobs)
}

// GetJob returns one job.
// GET /api/v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	handle(c, h.getJob)
}

// CancelJob stops a job, routing through the robot session when needed.
// POST /api/v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	handle(c, h.cancelJob)
}

// ClaimJobs leases a batch of due jobs to a pull-mode robot.
// POST /api/v1/jobs/claim
func (h *Handler) ClaimJobs(c *gin.Context) {
	handle(c, h.claimJobs)
}

// CompleteJob records a pull-mode success report.
// POST /api/v1/jobs/:id/complete
func (h *Handler) CompleteJob(c *gin.Context) {
	handle(c, h.completeJob)
}

// FailJob records a pull-mode failure report.
// POST /api/v1/jobs/:id/fail
func (h *Handler) FailJob(c *gin.Context) {
	handle(c, h.failJob)
}

// ListDeadLetters lists the tenant's dead letters.
// GET /api/v1/dlq
func (h *Handler) ListDeadLetters(c *gin.Context) {
	handle(c, h.listDeadLetters)
}

// RequeueDeadLetter resurrects a dead letter as a fresh job.
// POST /api/v1/dlq/:jobId/requeue
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	handle(c, h.requeueDeadLetter)
}

// ListHealingEvents lists selector self-healing reports.
// GET /api/v1/healing-events
func (h *Handler) ListHealingEvents(c *gin.Context) {
	handle(c, h.listHealingEvents)
}

func (h *Handler) enqueueJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req EnqueueJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	spec := &queue.EnqueueSpec{
		WorkflowVersion: req.WorkflowVersion,
		JobKey:          req.JobKey,
		Priority:        req.Priority,
		Variables:       string(req.Variables),
		TriggerType:     req.TriggerType,
		ExecutionMode:   req.ExecutionMode,
		MaxRetries:      req.MaxRetries,
	}
	if req.ScheduledTime != nil {
		spec.ScheduledTime = *req.ScheduledTime
	}
	job, err := h.queue.Enqueue(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, spec)
	if err != nil {
		return nil, err
	}
	h.dispatcher.Wake()
	return job, nil
}

func (h *Handler) listJobs(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	query := sqrl.Eq{"tenant_id": id.Principal.TenantId}
	if status := c.Query("status"); status != "" {
		query["status"] = status
	}
	if scheduleId := c.Query("schedule_id"); scheduleId != "" {
		query["schedule_id"] = scheduleId
	}
	var jobs []*dbclient.Job
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		jobs, err = h.dbClient.SelectJobs(c.Request.Context(), tx, query,
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ListResp{Items: jobs}, nil
}

func (h *Handler) getJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var job *dbclient.Job
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		job, err = h.dbClient.GetJob(c.Request.Context(), tx, c.Param("id"))
		return err
	})
	return job, err
}

func (h *Handler) cancelJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	jobId := c.Param("id")
	cancelled, err := h.queue.Cancel(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, jobId)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return CancelJobResp{JobId: jobId, Cancelled: true}, nil
	}

	// Already dispatched: route the cancel through the owning robot's
	// session and let the probation timer force it if the robot stalls.
	var job *dbclient.Job
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		job, err = h.dbClient.GetJob(c.Request.Context(), tx, jobId)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case "completed", "failed", "cancelled", "timeout":
		return nil, commonerrors.NewTerminalAlready(jobId, job.Status)
	}
	if !job.AssignedRobot.Valid {
		return nil, commonerrors.NewInternalError("dispatched job has no assigned robot")
	}
	if err = h.sessions.RequestCancel(c.Request.Context(), id.Principal.TenantId,
		job.AssignedRobot.String, jobId); err != nil {
		return nil, err
	}
	return CancelJobResp{JobId: jobId, Pending: true}, nil
}

func (h *Handler) claimJobs(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ClaimJobsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if req.Batch <= 0 || req.Batch > commonconfig.GetClaimBatchSize() {
		req.Batch = commonconfig.GetClaimBatchSize()
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = "default"
	}
	leaseUntil := time.Now().UTC().Add(commonconfig.GetLeaseWindow())
	var jobs []*dbclient.Job
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		jobs, err = h.dbClient.ClaimJobs(c.Request.Context(), tx, req.RobotId, req.ExecutionMode, leaseUntil, req.Batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ListResp{Items: jobs}, nil
}

func (h *Handler) completeJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ReportJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	jobId := c.Param("id")
	if err = h.queue.Complete(c.Request.Context(), id.Principal.TenantId, jobId,
		req.RobotId, string(req.Result)); err != nil {
		return nil, err
	}
	return gin.H{"job_id": jobId, "status": "completed"}, nil
}

func (h *Handler) failJob(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ReportJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if req.Error == "" {
		return nil, commonerrors.NewBadRequest("failure report requires an error message")
	}
	jobId := c.Param("id")
	if err = h.queue.Fail(c.Request.Context(), id.Principal.TenantId, jobId,
		req.RobotId, req.Error, req.Category, req.LastNodeId); err != nil {
		return nil, err
	}
	return gin.H{"job_id": jobId, "status": "reported"}, nil
}

func (h *Handler) listDeadLetters(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	var dls []*dbclient.DeadLetter
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		dls, err = h.dbClient.SelectDeadLetters(c.Request.Context(), tx,
			sqrl.Eq{"tenant_id": id.Principal.TenantId},
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ListResp{Items: dls}, nil
}

func (h *Handler) requeueDeadLetter(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	job, err := h.queue.RequeueDeadLetter(c.Request.Context(), id.Principal.TenantId,
		id.Principal.Id, c.Param("jobId"))
	if err != nil {
		return nil, err
	}
	h.dispatcher.Wake()
	return job, nil
}

func (h *Handler) listHealingEvents(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	query := sqrl.Eq{"tenant_id": id.Principal.TenantId}
	if jobId := c.Query("job_id"); jobId != "" {
		query["job_id"] = jobId
	}
	if outcome := c.Query("outcome"); outcome != "" {
		query["outcome"] = outcome
	}
	var events []*dbclient.HealingEvent
	err = h.dbClient.WithTenantTx(c.Request.Context(), id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		events, err = h.dbClient.SelectHealingEvents(c.Request.Context(), tx, query,
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ListResp{Items: events}, nil
}
