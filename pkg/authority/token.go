/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package authority

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	// TokenTypeUser marks a control-plane user token.
	TokenTypeUser = "user"
	// TokenTypeRobot marks a robot session token minted at registration.
	TokenTypeRobot = "robot"
)

// Claims carries the orchestrator's token payload.
type Claims struct {
	TenantId string `json:"tenant_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

func signingKey() ([]byte, error) {
	key := commonconfig.GetSessionTokenKey()
	if key == "" {
		return nil, commonerrors.NewInternalError("session token key is not configured")
	}
	return []byte(key), nil
}

// IssueToken mints a signed token for the given principal.
func IssueToken(tenantId, subject, name, tokenType string, ttl time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := &Claims{
		TenantId: tenantId,
		Name:     name,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "casare-orchestrator",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", commonerrors.NewInternalError(fmt.Sprintf("failed to sign token: %v", err))
	}
	return signed, nil
}

// ParseToken validates a signed token and returns its claims.
func ParseToken(tokenString string) (*Claims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, commonerrors.NewUnauthorized("invalid token")
	}
	return claims, nil
}

// ParseRobotToken validates a robot session token and checks its type.
func ParseRobotToken(tokenString string) (*Claims, error) {
	claims, err := ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeRobot {
		return nil, commonerrors.NewUnauthorized("not a robot session token")
	}
	return claims, nil
}
