/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SetValue sets a configuration value for the specified key.
func SetValue(key string, value any) {
	viper.Set(key, value)
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

func getFloat(key string, defaultValue float64) float64 {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetFloat64(key)
}

func getFromFile(configPath, item string) string {
	path := getString(configPath, "")
	data, err := os.ReadFile(filepath.Join(path, item))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\r\n")
}

// getSecret prefers a direct config value and falls back to a mounted secret file.
func getSecret(directKey, secretPath, item string) string {
	if val := getString(directKey, ""); val != "" {
		return val
	}
	return getFromFile(secretPath, item)
}

// GetServerPort returns the control API server port.
func GetServerPort() int {
	return getInt(serverPort, 0)
}

// GetSessionServerPort returns the robot session listener port.
func GetSessionServerPort() int {
	return getInt(sessionServerPort, 0)
}

// IsHealthCheckEnabled returns whether health checks are enabled.
func IsHealthCheckEnabled() bool {
	return getBool(healthCheckEnable, true)
}

// GetHealthCheckPort returns the port for the health check endpoint.
func GetHealthCheckPort() int {
	return getInt(healthCheckPort, 0)
}

// GetOrchestratorTimezone returns the IANA timezone of the orchestrator host.
func GetOrchestratorTimezone() string {
	return getString(orchestratorTimezone, "UTC")
}

// IsMaintenanceMode reports whether the operator has declared a global
// maintenance window. Schedules hold their fire while it is set.
func IsMaintenanceMode() bool {
	return getBool(orchestratorMaintenance, false)
}

// IsDBEnable returns whether the database is enabled.
func IsDBEnable() bool {
	return getBool(dbEnable, true)
}

// GetDBHost returns the database host address.
func GetDBHost() string {
	return getSecret(dbHost, dbSecretPath, "host")
}

// GetDBPort returns the database port number.
func GetDBPort() int {
	if port := getInt(dbPort, 0); port > 0 {
		return port
	}
	n, err := strconv.Atoi(getFromFile(dbSecretPath, "port"))
	if err != nil {
		return 0
	}
	return n
}

// GetDBName returns the database name.
func GetDBName() string {
	return getSecret(dbName, dbSecretPath, "dbname")
}

// GetDBUser returns the database username.
func GetDBUser() string {
	return getSecret(dbUser, dbSecretPath, "user")
}

// GetDBPassword returns the database password.
func GetDBPassword() string {
	return getSecret(dbPassword, dbSecretPath, "password")
}

// GetDBSslMode returns the database SSL mode.
func GetDBSslMode() string {
	return getString(dbSslMode, "require")
}

// GetDBMaxOpenConns returns the maximum number of open database connections.
func GetDBMaxOpenConns() int {
	return getInt(dbMaxOpenConns, 100)
}

// GetDBMaxIdleConns returns the maximum number of idle database connections.
func GetDBMaxIdleConns() int {
	return getInt(dbMaxIdleConns, 10)
}

// GetDBMaxLifetimeSecond returns the maximum lifetime of database connections in seconds.
func GetDBMaxLifetimeSecond() int {
	return getInt(dbMaxLifetime, 600)
}

// GetDBMaxIdleTimeSecond returns the maximum idle time of database connections in seconds.
func GetDBMaxIdleTimeSecond() int {
	return getInt(dbMaxIdleTimeSecond, 60)
}

// GetDBConnectTimeoutSecond returns the database connection timeout in seconds.
func GetDBConnectTimeoutSecond() int {
	return getInt(dbConnectTimeoutSecond, 10)
}

// GetDBRequestTimeoutSecond returns the database request timeout in seconds.
func GetDBRequestTimeoutSecond() int {
	return getInt(dbRequestTimeoutSecond, 20)
}

// IsDBAutoMigrate returns whether embedded migrations run at startup.
func IsDBAutoMigrate() bool {
	return getBool(dbAutoMigrate, true)
}

// IsCryptoEnable returns whether API key hashing uses the HMAC secret.
func IsCryptoEnable() bool {
	return getBool(cryptoEnable, true)
}

// GetCryptoKey returns the HMAC secret for API key hashing.
func GetCryptoKey() string {
	return getFromFile(cryptoSecretPath, "key")
}

// GetSessionTokenKey returns the signing key for robot session tokens.
func GetSessionTokenKey() string {
	return getFromFile(sessionTokenSecretPath, "key")
}

// GetSessionTokenExpire returns the robot session token lifetime.
func GetSessionTokenExpire() time.Duration {
	return time.Duration(getInt(sessionTokenExpireHour, 24)) * time.Hour
}

// GetSessionWriteTimeout returns the per-frame write deadline for robot sessions.
func GetSessionWriteTimeout() time.Duration {
	return time.Duration(getInt(sessionWriteTimeoutMs, 10000)) * time.Millisecond
}

// GetSessionResumeBufferSize returns the number of outbound frames retained for
// resume-on-reconnect.
func GetSessionResumeBufferSize() int {
	return getInt(sessionResumeBufferSize, 256)
}

// GetCancelTimeout returns how long the orchestrator waits for a robot to honor
// a cancellation before force-cancelling the job.
func GetCancelTimeout() time.Duration {
	return time.Duration(getInt(sessionCancelTimeoutSec, 30)) * time.Second
}

// GetLivenessWindow returns the window after which a silent robot is offline.
func GetLivenessWindow() time.Duration {
	return time.Duration(getInt(robotLivenessWindowSecond, 60)) * time.Second
}

// GetHeartbeatRetention returns how long heartbeat rows are kept.
func GetHeartbeatRetention() time.Duration {
	return time.Duration(getInt(robotHeartbeatRetainHour, 24)) * time.Hour
}

// GetRobotSelectionPolicy returns the candidate ranking policy:
// least-loaded, capability-tightest, or sticky.
func GetRobotSelectionPolicy() string {
	return getString(robotSelectionPolicy, "least-loaded")
}

// GetRobotExclusionWindow returns how long a robot is excluded from a workflow
// after failing a job of that workflow.
func GetRobotExclusionWindow() time.Duration {
	return time.Duration(getInt(robotExclusionWindowSec, 300)) * time.Second
}

// GetLeaseWindow returns the job lease duration renewed by heartbeat.
func GetLeaseWindow() time.Duration {
	return time.Duration(getInt(queueLeaseWindowSecond, 90)) * time.Second
}

// GetClaimBatchSize returns the maximum jobs returned by one claim call.
func GetClaimBatchSize() int {
	return getInt(queueClaimBatchSize, 10)
}

// GetBackoffBase returns the default retry backoff base.
func GetBackoffBase() time.Duration {
	return time.Duration(getInt(queueBackoffBaseSecond, 5)) * time.Second
}

// GetBackoffMultiplier returns the retry backoff multiplier.
func GetBackoffMultiplier() float64 {
	return getFloat(queueBackoffMultiplier, 2.0)
}

// GetBackoffMax returns the retry backoff clamp.
func GetBackoffMax() time.Duration {
	return time.Duration(getInt(queueBackoffMaxSecond, 600)) * time.Second
}

// GetDefaultMaxRetries returns the default retry budget for jobs.
func GetDefaultMaxRetries() int {
	return getInt(queueDefaultMaxRetries, 3)
}

// GetDispatcherTick returns the dispatcher wake interval.
func GetDispatcherTick() time.Duration {
	return time.Duration(getInt(dispatcherTickSecond, 1)) * time.Second
}

// GetScheduleTickerResolution returns the schedule ticker resolution.
func GetScheduleTickerResolution() time.Duration {
	return time.Duration(getInt(scheduleTickerResolutionSec, 1)) * time.Second
}

// GetMaxCatchupRuns returns the global cap on catch-up replays per schedule.
func GetMaxCatchupRuns() int {
	return getInt(scheduleMaxCatchupRuns, 10)
}

// GetHistoryRetention returns how long schedule execution history is kept.
func GetHistoryRetention() time.Duration {
	return time.Duration(getInt(scheduleHistoryRetainDay, 90)) * 24 * time.Hour
}

// GetMerkleIntervalEntries returns the entry-count trigger for Merkle roots.
func GetMerkleIntervalEntries() int {
	return getInt(auditMerkleIntervalEntries, 256)
}

// GetMerkleInterval returns the time trigger for Merkle roots.
func GetMerkleInterval() time.Duration {
	return time.Duration(getInt(auditMerkleIntervalSecond, 300)) * time.Second
}

// GetTierQuota returns a quota value for a subscription tier, e.g.
// GetTierQuota("free", "max_robots", 2).
func GetTierQuota(tier, resource string, defaultValue int) int {
	return getInt(fmt.Sprintf("%s.%s.%s", tierQuotaPrefix, tier, resource), defaultValue)
}
