/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package middleware holds the gin middleware shared by the control API
// routes: authentication through the tenant gateway, request logging, and
// write-operation auditing.
package middleware

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/common"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/tenant"
)

// IdentityKey is the gin context key for the resolved caller identity.
const IdentityKey = "identity"

// TenantHeader names the header carrying the requested tenant for user
// tokens. API keys carry their tenant and must not set a different one.
const TenantHeader = "X-Tenant-Id"

// Authenticate resolves the caller through the gateway and binds the
// identity plus the common context keys for downstream handlers.
func Authenticate(gateway *tenant.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestedTenant := c.GetHeader(TenantHeader)
		if requestedTenant == "" {
			requestedTenant = c.Query("tenant")
		}
		id, err := gateway.Authenticate(c.Request.Context(),
			c.GetHeader("Authorization"), requestedTenant, c.ClientIP())
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(IdentityKey, id)
		c.Set(common.TenantId, id.Principal.TenantId)
		c.Set(common.PrincipalId, id.Principal.Id)
		c.Set(common.PrincipalType, id.Principal.Type)
		c.Set(common.PrincipalName, id.Principal.Name)
		c.Set(common.RoleName, id.RoleName)
		c.Next()
	}
}

// Require enforces a resource/action grant on every route of a group.
func Require(gateway *tenant.Gateway, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(IdentityKey)
		if !ok {
			abort(c, commonerrors.NewUnauthorized("missing identity"))
			return
		}
		id, _ := v.(*tenant.Identity)
		if err := gateway.Authorize(id, resource, action); err != nil {
			abort(c, err)
			return
		}
		c.Next()
	}
}

// Logger emits one access log line per request at V(2).
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		klog.V(2).Infof("%s %s %d %s tenant=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond), c.GetString(common.TenantId))
	}
}

func abort(c *gin.Context, err error) {
	var statusErr *commonerrors.StatusError
	if !errors.As(err, &statusErr) {
		statusErr = commonerrors.NewInternalError(err.Error())
	}
	c.AbortWithStatusJSON(statusErr.HttpCode, gin.H{
		"errorCode":    statusErr.Reason,
		"errorMessage": statusErr.Error(),
		"category":     string(statusErr.Category),
	})
}
