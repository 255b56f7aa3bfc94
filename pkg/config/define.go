/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package config

// Configuration keys. Values come from the YAML config file loaded at startup;
// secrets are read from files under the configured secret paths.
const (
	serverPort        = "server.port"
	sessionServerPort = "session.port"
	healthCheckEnable = "healthcheck.enable"
	healthCheckPort   = "healthcheck.port"

	orchestratorTimezone    = "orchestrator.timezone"
	orchestratorMaintenance = "orchestrator.maintenance_mode"

	dbEnable               = "db.enable"
	dbSecretPath           = "db.secret_path"
	dbHost                 = "db.host"
	dbPort                 = "db.port"
	dbName                 = "db.dbname"
	dbUser                 = "db.user"
	dbPassword             = "db.password"
	dbSslMode              = "db.ssl_mode"
	dbMaxOpenConns         = "db.max_open_conns"
	dbMaxIdleConns         = "db.max_idle_conns"
	dbMaxLifetime          = "db.max_lifetime_second"
	dbMaxIdleTimeSecond    = "db.max_idle_time_second"
	dbConnectTimeoutSecond = "db.connect_timeout_second"
	dbRequestTimeoutSecond = "db.request_timeout_second"
	dbAutoMigrate          = "db.auto_migrate"

	cryptoEnable     = "crypto.enable"
	cryptoSecretPath = "crypto.secret_path"

	sessionTokenSecretPath  = "session.token_secret_path"
	sessionTokenExpireHour  = "session.token_expire_hour"
	sessionWriteTimeoutMs   = "session.write_timeout_ms"
	sessionResumeBufferSize = "session.resume_buffer_size"
	sessionCancelTimeoutSec = "session.cancel_timeout_second"

	robotLivenessWindowSecond = "robot.liveness_window_second"
	robotHeartbeatRetainHour  = "robot.heartbeat_retain_hour"
	robotSelectionPolicy      = "robot.selection_policy"
	robotExclusionWindowSec   = "robot.exclusion_window_second"

	queueLeaseWindowSecond = "queue.lease_window_second"
	queueClaimBatchSize    = "queue.claim_batch_size"
	queueBackoffBaseSecond = "queue.backoff_base_second"
	queueBackoffMultiplier = "queue.backoff_multiplier"
	queueBackoffMaxSecond  = "queue.backoff_max_second"
	queueDefaultMaxRetries = "queue.default_max_retries"

	dispatcherTickSecond = "dispatcher.tick_second"

	scheduleTickerResolutionSec = "schedule.ticker_resolution_second"
	scheduleMaxCatchupRuns      = "schedule.max_catchup_runs"
	scheduleHistoryRetainDay    = "schedule.history_retain_day"

	auditMerkleIntervalEntries = "audit.merkle_interval_entries"
	auditMerkleIntervalSecond  = "audit.merkle_interval_second"

	tierQuotaPrefix = "quota.tier"
)
