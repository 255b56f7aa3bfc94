/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casarerpa/orchestrator/pkg/audit"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	"github.com/casarerpa/orchestrator/pkg/dispatcher"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
	"github.com/casarerpa/orchestrator/pkg/queue"
	"github.com/casarerpa/orchestrator/pkg/robots"
	"github.com/casarerpa/orchestrator/pkg/schedule"
	"github.com/casarerpa/orchestrator/pkg/session"
	"github.com/casarerpa/orchestrator/pkg/tenant"
	"github.com/casarerpa/orchestrator/pkg/workflow"
)

// Handler carries the control-plane services the API routes call into.
type Handler struct {
	dbClient   *dbclient.Client
	gateway    *tenant.Gateway
	store      *workflow.Store
	queue      *queue.Queue
	registry   *robots.Registry
	engine     *schedule.Engine
	sessions   *session.Manager
	dispatcher *dispatcher.Dispatcher
	auditor    *audit.Writer
}

// NewHandler assembles the API handler from the singletons.
func NewHandler(dbClient *dbclient.Client) (*Handler, error) {
	if dbClient == nil {
		return nil, commonerrors.NewInternalError("database client is not initialized")
	}
	return &Handler{
		dbClient:   dbClient,
		gateway:    tenant.GatewayInstance(),
		store:      workflow.StoreInstance(),
		queue:      queue.QueueInstance(),
		registry:   robots.RegistryInstance(),
		engine:     schedule.EngineInstance(),
		sessions:   session.ManagerInstance(),
		dispatcher: dispatcher.DispatcherInstance(),
		auditor:    audit.WriterInstance(),
	}, nil
}

// InitHttpHandlers builds the gin engine with the full control API.
func InitHttpHandlers(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Logger(), gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		AbortWithApiError(c, commonerrors.NewNotFoundWithMessage(c.Request.RequestURI+" not found"))
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// audit runs outermost so rejected auth attempts still land in the chain
	group := engine.Group("/api/v1", middleware.AuditLog(h.auditor), middleware.Authenticate(h.gateway))
	{
		initWorkflowRouters(group, h)
		initJobRouters(group, h)
		initRobotRouters(group, h)
		initScheduleRouters(group, h)
		initAuditRouters(group, h)
		initApiKeyRouters(group, h)
	}
	return engine
}
