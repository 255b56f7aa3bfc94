/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package server wires the control plane together: database client, audit
// writer, tenant gateway, queue, registry, session server, dispatcher,
// schedule engine, and the HTTP API on top of them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/audit"
	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	"github.com/casarerpa/orchestrator/pkg/dispatcher"
	"github.com/casarerpa/orchestrator/pkg/handlers"
	commonklog "github.com/casarerpa/orchestrator/pkg/klog"
	"github.com/casarerpa/orchestrator/pkg/options"
	"github.com/casarerpa/orchestrator/pkg/queue"
	"github.com/casarerpa/orchestrator/pkg/robots"
	"github.com/casarerpa/orchestrator/pkg/schedule"
	"github.com/casarerpa/orchestrator/pkg/session"
	"github.com/casarerpa/orchestrator/pkg/tenant"
	"github.com/casarerpa/orchestrator/pkg/workflow"
)

type Server struct {
	opts          *options.Options
	dbClient      *dbclient.Client
	auditor       *audit.Writer
	gateway       *tenant.Gateway
	store         *workflow.Store
	queue         *queue.Queue
	registry      *robots.Registry
	manager       *session.Manager
	sessionServer *session.Server
	dispatcher    *dispatcher.Dispatcher
	engine        *schedule.Engine
	httpServer    *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	isInited bool
}

func NewServer() (*Server, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	s := &Server{
		opts:   &options.Options{},
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.init(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	gin.SetMode(gin.ReleaseMode)
	gin.EnableJsonDecoderDisallowUnknownFields()
	var err error
	if err = s.opts.InitFlags(); err != nil {
		klog.ErrorS(err, "failed to parse flags")
		return err
	}
	if err = commonklog.Init(s.opts.LogfilePath, s.opts.LogFileSize); err != nil {
		klog.ErrorS(err, "failed to init logs")
		return err
	}
	if err = s.initConfig(); err != nil {
		klog.ErrorS(err, "failed to init config")
		return err
	}
	if s.dbClient = dbclient.NewClient(); s.dbClient == nil {
		return fmt.Errorf("failed to init db client")
	}
	s.auditor = audit.NewWriter(s.dbClient)
	s.gateway = tenant.NewGateway(s.dbClient)
	s.store = workflow.NewStore(s.dbClient, s.gateway, s.auditor)
	s.queue = queue.NewQueue(s.dbClient, s.gateway, s.auditor)
	s.registry = robots.NewRegistry(s.dbClient, s.gateway, s.auditor)
	s.manager = session.NewManager(s.dbClient, s.queue, s.registry)
	s.sessionServer = session.NewServer(s.manager)
	s.dispatcher = dispatcher.NewDispatcher(s.dbClient, s.store, s.registry, s.manager, s.auditor)
	s.engine = schedule.NewEngine(s.dbClient, s.auditor, s.dispatcher.Wake)
	s.isInited = true
	return nil
}

func (s *Server) initConfig() error {
	fullPath, err := filepath.Abs(s.opts.Config)
	if err != nil {
		return err
	}
	if err = commonconfig.LoadConfig(fullPath); err != nil {
		return fmt.Errorf("config path: %s, err: %v", fullPath, err)
	}
	return nil
}

func (s *Server) Start() {
	if !s.isInited {
		klog.Errorf("please init the orchestrator first")
		return
	}
	klog.Infof("starting orchestrator")

	s.auditor.Start(s.ctx)
	s.auditor.StartAnchorTask(s.ctx)
	s.queue.StartLeaseWatchdog(s.ctx)
	s.registry.StartLivenessTask(s.ctx)
	s.dispatcher.Start(s.ctx)
	s.engine.Start(s.ctx)

	go func() {
		if err := s.sessionServer.Run(s.ctx); err != nil {
			klog.ErrorS(err, "failed to start session server")
			os.Exit(-1)
		}
	}()

	go func() {
		if err := s.startHttpServer(); err != nil {
			klog.ErrorS(err, "failed to start http-server")
			os.Exit(-1)
		}
	}()

	<-s.ctx.Done()
	s.Stop()
}

func (s *Server) Stop() {
	s.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "failed to shutdown httpserver")
		}
	}
	// Stop the audit writer last so shutdown events still land in the chain.
	s.auditor.Stop()
	s.dbClient.Close()
	klog.Info("orchestrator is stopped")
	klog.Flush()
}

func (s *Server) startHttpServer() error {
	if commonconfig.GetServerPort() <= 0 {
		return fmt.Errorf("the orchestrator port is not defined")
	}
	h, err := handlers.NewHandler(s.dbClient)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf(":%d", commonconfig.GetServerPort())
	s.httpServer = &http.Server{Addr: addr, Handler: handlers.InitHttpHandlers(h)}
	klog.Infof("http-server listen port: %d", commonconfig.GetServerPort())
	if err = s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		klog.ErrorS(err, "failed to start http server")
		return err
	}
	return nil
}
