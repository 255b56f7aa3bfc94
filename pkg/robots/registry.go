/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package robots is the robot registry: registration with session token
// minting, heartbeat liveness, and the candidate selection policies used by
// the dispatcher.
package robots

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/audit"
	"github.com/casarerpa/orchestrator/pkg/authority"
	"github.com/casarerpa/orchestrator/pkg/common"
	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/metrics"
	"github.com/casarerpa/orchestrator/pkg/tenant"
)

// Selection policies.
const (
	PolicyLeastLoaded        = "least-loaded"
	PolicyCapabilityTightest = "capability-tightest"
	PolicySticky             = "sticky"
)

var (
	registryOnce     sync.Once
	registryInstance *Registry
)

// Registry is the robot registry service.
type Registry struct {
	dbClient *dbclient.Client
	gateway  *tenant.Gateway
	auditor  *audit.Writer

	// Robots that recently failed a job key are skipped for that key until
	// the exclusion window lapses.
	mu         sync.Mutex
	exclusions map[string]map[string]time.Time // jobKey -> robotId -> until
}

// NewRegistry creates the singleton registry.
func NewRegistry(dbClient *dbclient.Client, gateway *tenant.Gateway, auditor *audit.Writer) *Registry {
	registryOnce.Do(func() {
		registryInstance = &Registry{
			dbClient:   dbClient,
			gateway:    gateway,
			auditor:    auditor,
			exclusions: make(map[string]map[string]time.Time),
		}
	})
	return registryInstance
}

// RegistryInstance returns the singleton registry.
func RegistryInstance() *Registry {
	return registryInstance
}

// RegisterSpec is the input for robot registration.
type RegisterSpec struct {
	Name          string
	Hostname      string
	Capabilities  []string
	MaxConcurrent int
}

// Register creates a robot under the tenant's quota and mints its session
// token. The token authenticates the robot's session connection only.
func (r *Registry) Register(ctx context.Context, id *tenant.Identity, spec *RegisterSpec) (*dbclient.Robot, string, error) {
	if spec == nil || spec.Name == "" {
		return nil, "", commonerrors.NewBadRequest("robot name is empty")
	}
	if spec.MaxConcurrent <= 0 {
		spec.MaxConcurrent = 1
	}
	t, err := r.dbClient.GetTenant(ctx, id.Principal.TenantId)
	if err != nil {
		return nil, "", err
	}
	if err = r.gateway.CheckQuota(ctx, t, tenant.QuotaRobots); err != nil {
		return nil, "", err
	}
	caps, err := json.Marshal(spec.Capabilities)
	if err != nil {
		return nil, "", commonerrors.NewBadRequest("invalid capabilities")
	}
	robot := &dbclient.Robot{
		Id:            uuid.NewString(),
		TenantId:      id.Principal.TenantId,
		Name:          spec.Name,
		Hostname:      spec.Hostname,
		Capabilities:  string(caps),
		Status:        "idle",
		CurrentJobs:   "[]",
		MaxConcurrent: spec.MaxConcurrent,
		LastSeen:      dbutils.NullTime(time.Now().UTC()),
		RegisteredAt:  dbutils.NullTime(time.Now().UTC()),
	}
	err = r.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return r.dbClient.InsertRobot(ctx, tx, robot)
	})
	if err != nil {
		return nil, "", err
	}
	token, err := authority.IssueToken(id.Principal.TenantId, robot.Id, robot.Name,
		authority.TokenTypeRobot, commonconfig.GetSessionTokenExpire())
	if err != nil {
		return nil, "", err
	}
	r.record(id.Principal.TenantId, id.Principal.Id, "robot.register", robot.Id,
		map[string]interface{}{"name": spec.Name, "capabilities": spec.Capabilities})
	return robot, token, nil
}

// Heartbeat refreshes a robot's liveness and appends the telemetry sample.
// A robot reporting a job also extends that job's lease via the queue.
func (r *Registry) Heartbeat(ctx context.Context, tenantId, robotId, status string, hb *dbclient.RobotHeartbeat) error {
	if status == "" {
		status = "idle"
	}
	return r.dbClient.WithTenantTx(ctx, tenantId, robotId, func(tx *sqlx.Tx) error {
		if err := r.dbClient.TouchRobot(ctx, tx, robotId, status); err != nil {
			return err
		}
		if hb == nil {
			return nil
		}
		hb.TenantId = tenantId
		hb.RobotId = robotId
		hb.CreateTime = dbutils.NullTime(time.Now().UTC())
		return r.dbClient.InsertHeartbeat(ctx, tx, hb)
	})
}

// Deregister removes a robot. In-flight leases held by the robot lapse and
// the watchdog requeues them.
func (r *Registry) Deregister(ctx context.Context, id *tenant.Identity, robotId string) error {
	err := r.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return r.dbClient.DeleteRobot(ctx, tx, robotId)
	})
	if err != nil {
		return err
	}
	r.record(id.Principal.TenantId, id.Principal.Id, "robot.deregister", robotId, nil)
	return nil
}

// List returns the tenant's robots.
func (r *Registry) List(ctx context.Context, id *tenant.Identity, limit, offset int) ([]*dbclient.Robot, error) {
	var robotsList []*dbclient.Robot
	err := r.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		tags := dbclient.GetRobotFieldTags()
		robotsList, err = r.dbClient.SelectRobots(ctx, tx,
			sqrl.Eq{dbclient.GetFieldTag(tags, "TenantId"): id.Principal.TenantId},
			[]string{"registered_at " + dbclient.DESC}, limit, offset)
		return err
	})
	return robotsList, err
}

// Exclude bars a robot from a job key for the exclusion window.
func (r *Registry) Exclude(jobKey, robotId string) {
	if jobKey == "" || robotId == "" {
		return
	}
	window := commonconfig.GetRobotExclusionWindow()
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.exclusions[jobKey]
	if !ok {
		m = make(map[string]time.Time)
		r.exclusions[jobKey] = m
	}
	m[robotId] = time.Now().UTC().Add(window)
}

func (r *Registry) isExcluded(jobKey, robotId string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.exclusions[jobKey]
	if !ok {
		return false
	}
	until, ok := m[robotId]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(m, robotId)
		if len(m) == 0 {
			delete(r.exclusions, jobKey)
		}
		return false
	}
	return true
}

// SelectCandidates returns live, capable robots for a job ordered by the
// configured policy. requiredCaps must all be present on a candidate;
// lastRobot biases the sticky policy.
func (r *Registry) SelectCandidates(ctx context.Context, tx *sqlx.Tx, tenantId, jobKey string, requiredCaps []string, lastRobot string) ([]*dbclient.Robot, error) {
	seenAfter := time.Now().UTC().Add(-commonconfig.GetLivenessWindow())
	candidates, err := r.dbClient.SelectCandidates(ctx, tx, tenantId, seenAfter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	filtered := make([]*dbclient.Robot, 0, len(candidates))
	for _, c := range candidates {
		if r.isExcluded(jobKey, c.Id, now) {
			continue
		}
		if !hasCapabilities(c.Capabilities, requiredCaps) {
			continue
		}
		filtered = append(filtered, c)
	}
	metrics.RobotsOnline.WithLabelValues(tenantId).Set(float64(len(candidates)))

	switch commonconfig.GetRobotSelectionPolicy() {
	case PolicyCapabilityTightest:
		// Prefer the robot with the fewest surplus capabilities so broad
		// robots stay free for demanding jobs. Stable within equal surplus,
		// keeping the least-loaded base order.
		sortByCapabilitySurplus(filtered, requiredCaps)
	case PolicySticky:
		if lastRobot != "" {
			for i, c := range filtered {
				if c.Id == lastRobot && i > 0 {
					filtered[0], filtered[i] = filtered[i], filtered[0]
					break
				}
			}
		}
	}
	return filtered, nil
}

// StartLivenessTask flips robots outside the liveness window to offline and
// prunes old heartbeat samples.
func (r *Registry) StartLivenessTask(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(commonconfig.GetLivenessWindow() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context) {
	err := r.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		cutoff := time.Now().UTC().Add(-commonconfig.GetLivenessWindow())
		stale, err := r.dbClient.MarkStaleRobots(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		for _, s := range stale {
			klog.Warningf("robot %s (tenant %s) missed the liveness window, marked offline", s.Id, s.TenantId)
		}
		pruned, err := r.dbClient.PruneHeartbeats(ctx, tx,
			time.Now().UTC().Add(-commonconfig.GetHeartbeatRetention()))
		if err != nil {
			return err
		}
		if pruned > 0 {
			klog.V(4).Infof("pruned %d heartbeat samples", pruned)
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "robot liveness sweep failed")
	}
}

func (r *Registry) record(tenantId, actorId, action, robotId string, details map[string]interface{}) {
	if r.auditor == nil {
		return
	}
	r.auditor.Record(&audit.Event{
		TenantId:     tenantId,
		Action:       action,
		ActorType:    common.PrincipalTypeUser,
		ActorId:      actorId,
		ResourceType: "robot",
		ResourceId:   robotId,
		Details:      details,
	})
}

// hasCapabilities reports whether the robot's capability set covers every
// required capability.
func hasCapabilities(capsJSON string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	var caps []string
	if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
		return false
	}
	have := make(map[string]bool, len(caps))
	for _, c := range caps {
		have[c] = true
	}
	for _, req := range required {
		if !have[req] {
			return false
		}
	}
	return true
}

func sortByCapabilitySurplus(robotsList []*dbclient.Robot, required []string) {
	surplus := func(capsJSON string) int {
		var caps []string
		_ = json.Unmarshal([]byte(capsJSON), &caps)
		return len(caps) - len(required)
	}
	// Insertion sort keeps the underlying least-loaded order stable.
	for i := 1; i < len(robotsList); i++ {
		for j := i; j > 0 && surplus(robotsList[j].Capabilities) < surplus(robotsList[j-1].Capabilities); j-- {
			robotsList[j], robotsList[j-1] = robotsList[j-1], robotsList[j]
		}
	}
}
