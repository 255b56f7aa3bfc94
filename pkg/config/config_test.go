/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, GetOrchestratorTimezone(), "UTC")
	assert.Equal(t, IsMaintenanceMode(), false)
	assert.Equal(t, GetLeaseWindow(), 90*time.Second)
	assert.Equal(t, GetLivenessWindow(), 60*time.Second)
	assert.Equal(t, GetBackoffBase(), 5*time.Second)
	assert.Equal(t, GetBackoffMultiplier(), 2.0)
	assert.Equal(t, GetBackoffMax(), 600*time.Second)
	assert.Equal(t, GetClaimBatchSize(), 10)
	assert.Equal(t, GetMerkleIntervalEntries(), 256)
	assert.Equal(t, GetScheduleTickerResolution(), time.Second)
}

func TestSetValueOverridesDefault(t *testing.T) {
	SetValue(queueLeaseWindowSecond, 120)
	defer SetValue(queueLeaseWindowSecond, 90)
	assert.Equal(t, GetLeaseWindow(), 120*time.Second)
}

func TestMaintenanceModeToggle(t *testing.T) {
	SetValue(orchestratorMaintenance, true)
	defer SetValue(orchestratorMaintenance, false)
	assert.Equal(t, IsMaintenanceMode(), true)
}

func TestGetTierQuota(t *testing.T) {
	assert.Equal(t, GetTierQuota("free", "max_robots", 2), 2)

	SetValue("quota.tier.pro.max_robots", 25)
	assert.Equal(t, GetTierQuota("pro", "max_robots", 2), 25)
}
