/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package authority

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

func setupSigningKey(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "key"), []byte("unit-test-signing-key"), 0o600))
	commonconfig.SetValue("session.token_secret_path", dir)
}

func TestTokenRoundTrip(t *testing.T) {
	setupSigningKey(t)

	signed, err := IssueToken("t-1", "r-1", "warehouse-bot", TokenTypeRobot, time.Hour)
	assert.NilError(t, err)

	claims, err := ParseToken(signed)
	assert.NilError(t, err)
	assert.Equal(t, claims.TenantId, "t-1")
	assert.Equal(t, claims.Subject, "r-1")
	assert.Equal(t, claims.Name, "warehouse-bot")
	assert.Equal(t, claims.Type, TokenTypeRobot)
	assert.Equal(t, claims.Issuer, "casare-orchestrator")
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	setupSigningKey(t)

	_, err := ParseToken("not.a.token")
	assert.Assert(t, commonerrors.IsUnauthorized(err))
}

func TestParseTokenRejectsExpired(t *testing.T) {
	setupSigningKey(t)

	signed, err := IssueToken("t-1", "u-1", "user", TokenTypeUser, -time.Minute)
	assert.NilError(t, err)

	_, err = ParseToken(signed)
	assert.Assert(t, commonerrors.IsUnauthorized(err))
}

func TestParseRobotTokenChecksType(t *testing.T) {
	setupSigningKey(t)

	userToken, err := IssueToken("t-1", "u-1", "user", TokenTypeUser, time.Hour)
	assert.NilError(t, err)
	_, err = ParseRobotToken(userToken)
	assert.Assert(t, commonerrors.IsUnauthorized(err))

	robotToken, err := IssueToken("t-1", "r-1", "bot", TokenTypeRobot, time.Hour)
	assert.NilError(t, err)
	claims, err := ParseRobotToken(robotToken)
	assert.NilError(t, err)
	assert.Equal(t, claims.Subject, "r-1")
}
