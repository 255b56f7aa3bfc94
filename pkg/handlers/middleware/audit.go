/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package middleware

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casarerpa/orchestrator/pkg/audit"
	"github.com/casarerpa/orchestrator/pkg/common"
)

// maxAuditBodySize caps the request body captured per audit event.
const maxAuditBodySize = 8192

var secretFields = regexp.MustCompile(`(?i)"(password|secret|token|key|authorization)"\s*:\s*"[^"]*"`)

// AuditLog records every write operation (POST, PUT, PATCH, DELETE) into the
// hash-chained audit log. The chain writer buffers and serializes the
// appends, so the middleware only captures the request facts.
func AuditLog(auditor *audit.Writer) gin.HandlerFunc {
	if auditor == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return func(c *gin.Context) {
		if !isWriteOperation(c.Request.Method) {
			c.Next()
			return
		}
		start := time.Now()

		var requestBody string
		if c.Request.Body != nil {
			raw, err := io.ReadAll(c.Request.Body)
			if err == nil {
				if len(raw) > maxAuditBodySize {
					requestBody = string(raw[:maxAuditBodySize]) + "...(truncated)"
				} else {
					requestBody = string(raw)
				}
				c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
			}
		}

		c.Next()

		actorId := c.GetString(common.PrincipalId)
		actorType := c.GetString(common.PrincipalType)
		if actorId == "" {
			// failed auth attempts are still part of the trail
			actorId = "anonymous"
			actorType = "unknown"
		}
		resourceType, resourceId := extractResourceInfo(c.Request.URL.Path)

		auditor.Record(&audit.Event{
			TenantId:     c.GetString(common.TenantId),
			IsSystem:     c.GetString(common.TenantId) == "",
			Action:       "http." + strings.ToLower(c.Request.Method),
			ActorType:    actorType,
			ActorId:      actorId,
			ResourceType: resourceType,
			ResourceId:   resourceId,
			Details: map[string]interface{}{
				"path":       c.Request.URL.Path,
				"status":     c.Writer.Status(),
				"latency_ms": time.Since(start).Milliseconds(),
				"body":       sanitizeBody(requestBody),
			},
			ClientIp:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
	}
}

func isWriteOperation(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}

// extractResourceInfo splits /api/v1/<resource>/<id>/... into its resource
// type and id. Paths without an id return an empty id.
func extractResourceInfo(path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == "v1" && i+1 < len(parts) {
			resource := parts[i+1]
			if i+2 < len(parts) {
				return resource, parts[i+2]
			}
			return resource, ""
		}
	}
	if len(parts) > 0 {
		return parts[0], ""
	}
	return "", ""
}

// sanitizeBody masks credential-bearing fields before the body lands in the
// immutable log.
func sanitizeBody(body string) string {
	if body == "" {
		return ""
	}
	return secretFields.ReplaceAllString(body, `"$1": "***"`)
}
