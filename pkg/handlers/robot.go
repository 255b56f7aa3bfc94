/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
	"github.com/casarerpa/orchestrator/pkg/robots"
	"github.com/casarerpa/orchestrator/pkg/session"
)

func initRobotRouters(g *gin.RouterGroup, h *Handler) {
	g.POST("robots", middleware.Require(h.gateway, "robot", "create"), h.RegisterRobot)
	g.GET("robots", middleware.Require(h.gateway, "robot", "read"), h.ListRobots)
	g.DELETE("robots/:id", middleware.Require(h.gateway, "robot", "delete"), h.DeregisterRobot)
	g.POST("robots/:id/heartbeat", middleware.Require(h.gateway, "robot", "create"), h.RobotHeartbeat)
}

// RegisterRobot creates a robot and mints its session token.
// POST /api/v1/robots
func (h *Handler) RegisterRobot(c *gin.Context) {
	handle(c, h.registerRobot)
}

// ListRobots lists the tenant's robots.
// GET /api/v1/robots
func (h *Handler) ListRobots(c *gin.Context) {
	handle(c, h.listRobots)
}

// DeregisterRobot removes a robot.
// DELETE /api/v1/robots/:id
func (h *Handler) DeregisterRobot(c *gin.Context) {
	handle(c, h.deregisterRobot)
}

// RobotHeartbeat refreshes liveness for a pull-mode robot.
// POST /api/v1/robots/:id/heartbeat
func (h *Handler) RobotHeartbeat(c *gin.Context) {
	handle(c, h.robotHeartbeat)
}

func (h *Handler) registerRobot(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req RegisterRobotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	robot, token, err := h.registry.Register(c.Request.Context(), id, &robots.RegisterSpec{
		Name:          req.Name,
		Hostname:      req.Hostname,
		Capabilities:  req.Capabilities,
		MaxConcurrent: req.MaxConcurrent,
	})
	if err != nil {
		return nil, err
	}
	return RegisterRobotResp{RobotId: robot.Id, SessionToken: token}, nil
}

func (h *Handler) listRobots(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	robotsList, err := h.registry.List(c.Request.Context(), id, limit, offset)
	if err != nil {
		return nil, err
	}
	return ListResp{Items: robotsList}, nil
}

func (h *Handler) deregisterRobot(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	if err = h.registry.Deregister(c.Request.Context(), id, c.Param("id")); err != nil {
		return nil, err
	}
	// A connected robot is told to wind down; an offline one just loses
	// its registration.
	if h.sessions != nil {
		_ = h.sessions.SendControl(c.Param("id"), session.TypeShutdown)
	}
	return gin.H{"deregistered": c.Param("id")}, nil
}

func (h *Handler) robotHeartbeat(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req HeartbeatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	robotId := c.Param("id")
	hb := &dbclient.RobotHeartbeat{
		JobId:           dbutils.NullString(req.JobId),
		ProgressPercent: dbutils.NullInt64(req.ProgressPercent),
		CurrentNodeId:   dbutils.NullString(req.CurrentNodeId),
		MemoryMb:        dbutils.NullInt64(req.MemoryMb),
		CpuPercent:      dbutils.NullFloat64(req.CpuPercent),
	}
	if err = h.registry.Heartbeat(c.Request.Context(), id.Principal.TenantId, robotId, req.Status, hb); err != nil {
		return nil, err
	}
	if req.JobId != "" {
		if err = h.queue.Heartbeat(c.Request.Context(), id.Principal.TenantId, req.JobId, robotId); err != nil {
			return nil, err
		}
	}
	return gin.H{"robot_id": robotId, "status": "ok"}, nil
}
