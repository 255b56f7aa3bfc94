/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/authority"
	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const registerDeadline = 10 * time.Second

// Server accepts robot websocket connections and pumps their frames into
// the manager.
type Server struct {
	manager    *Manager
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer builds the session server on the configured port.
func NewServer(manager *Manager) *Server {
	s := &Server{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/api/v1/session", s.connect)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", commonconfig.GetSessionServerPort()),
		Handler: engine,
	}
	return s
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	klog.Infof("session server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// connect authenticates the robot token, upgrades the connection, performs
// the register/resume handshake, and runs the read pump.
func (s *Server) connect(c *gin.Context) {
	claims, err := robotClaims(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		klog.Info("fail to upgrade websocket")
		return
	}

	reg, err := readRegister(conn)
	if err != nil {
		klog.Warningf("robot %s handshake failed: %v", claims.Subject, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return
	}
	if reg.RobotId != "" && reg.RobotId != claims.Subject {
		klog.Warningf("robot %s presented a token for %s, refusing", reg.RobotId, claims.Subject)
		_ = conn.Close()
		return
	}

	sess, err := s.manager.Attach(claims.TenantId, claims.Subject, conn, reg.ResumeFrom)
	if err != nil {
		klog.ErrorS(err, "failed to attach session", "robot", claims.Subject)
		_ = conn.Close()
		return
	}
	klog.Infof("robot %s (tenant %s) session open, resume_from=%d",
		claims.Subject, claims.TenantId, reg.ResumeFrom)

	s.readPump(c.Request.Context(), sess)
	s.manager.Detach(sess)
	klog.Infof("robot %s session closed", claims.Subject)
}

func (s *Server) readPump(ctx context.Context, sess *Session) {
	for {
		var f Frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				klog.Warningf("robot %s stream closed unexpectedly: %v", sess.RobotId, err)
			}
			return
		}
		if err := s.manager.HandleFrame(ctx, sess, &f); err != nil {
			klog.ErrorS(err, "frame rejected", "robot", sess.RobotId, "type", f.Type)
		}
	}
}

// readRegister waits for the opening register frame with a short deadline.
func readRegister(conn *websocket.Conn) (*RegisterPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, commonerrors.NewBadRequest("no register frame received")
	}
	if err := ValidateFrame(&f); err != nil {
		return nil, err
	}
	if f.Type != TypeRegister {
		return nil, commonerrors.NewBadRequest("expected register, got " + f.Type)
	}
	var reg RegisterPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &reg); err != nil {
			return nil, commonerrors.NewBadRequest("malformed register payload")
		}
	}
	return &reg, nil
}

// robotClaims pulls the robot token from the Authorization header, or the
// token query parameter for clients that cannot set websocket headers.
func robotClaims(c *gin.Context) (*authority.Claims, error) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" || token == c.GetHeader("Authorization") {
		token = c.Query("token")
	}
	if token == "" {
		return nil, commonerrors.NewUnauthorized("missing robot token")
	}
	return authority.ParseRobotToken(token)
}
