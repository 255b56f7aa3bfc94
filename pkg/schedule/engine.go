/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package schedule is the schedule engine: cron, interval, one_time, event
// and dependency triggers, gated by calendars, blackouts, rate limits and
// runtime conditions, with catch-up, SLA tracking and execution history.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/audit"
	"github.com/casarerpa/orchestrator/pkg/common"
	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/metrics"
)

const (
	dueBatchSize      = 50
	reconcileBatch    = 100
	dependencyRecheck = 30 * time.Second
	completionTTL     = 24 * time.Hour
	slaRateWindow     = 100
)

var (
	engineOnce     sync.Once
	engineInstance *Engine
)

// Engine is the schedule engine service.
type Engine struct {
	dbClient *dbclient.Client
	auditor  *audit.Writer

	// notify nudges the dispatcher after the engine enqueues jobs.
	notify func()

	evMu      sync.Mutex
	pending   map[string]*pendingEvent
	lastPrune time.Time

	// condMu guards the per-schedule condition retry counters.
	condMu      sync.Mutex
	condRetries map[string]int
}

// NewEngine creates the singleton schedule engine. notify may be nil.
func NewEngine(dbClient *dbclient.Client, auditor *audit.Writer, notify func()) *Engine {
	engineOnce.Do(func() {
		engineInstance = &Engine{
			dbClient:    dbClient,
			auditor:     auditor,
			notify:      notify,
			pending:     make(map[string]*pendingEvent),
			condRetries: make(map[string]int),
		}
	})
	return engineInstance
}

// EngineInstance returns the singleton schedule engine.
func EngineInstance() *Engine {
	return engineInstance
}

// Start runs the ticker loop until the context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(commonconfig.GetScheduleTickerResolution())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) tick(ctx context.Context) {
	if err := e.firePass(ctx); err != nil {
		klog.ErrorS(err, "schedule fire pass failed")
	}
	if err := e.reconcilePass(ctx); err != nil {
		klog.ErrorS(err, "schedule reconcile pass failed")
	}
	if time.Since(e.lastPrune) > time.Hour {
		e.lastPrune = time.Now()
		if err := e.prune(ctx); err != nil {
			klog.ErrorS(err, "schedule pruning failed")
		}
	}
}

// firePass locks due schedules and walks each through the gate pipeline.
func (e *Engine) firePass(ctx context.Context) error {
	fired := false
	err := e.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		due, err := e.dbClient.DueSchedules(ctx, tx, now, dueBatchSize)
		if err != nil {
			return err
		}
		for _, s := range due {
			didFire, err := e.fireOne(ctx, tx, s, now)
			if err != nil {
				klog.ErrorS(err, "schedule firing failed", "schedule", s.Id)
				if _, ferr := e.dbClient.RecordScheduleFailure(ctx, tx, s.Id); ferr != nil {
					return ferr
				}
				if err = e.advance(ctx, tx, s, now); err != nil {
					return err
				}
				continue
			}
			fired = fired || didFire
		}
		return nil
	})
	if err == nil && fired && e.notify != nil {
		e.notify()
	}
	return err
}

// fireOne runs the gate pipeline for one due schedule: calendar and
// blackout, rate limit, condition, dependencies, then enqueue and advance.
// Returns whether at least one job was enqueued.
func (e *Engine) fireOne(ctx context.Context, tx *sqlx.Tx, s *dbclient.Schedule, now time.Time) (bool, error) {
	fireTime := now
	if s.NextRun.Valid {
		fireTime = s.NextRun.Time
	}

	// Gate 1: global maintenance, blackouts, and the business calendar.
	if commonconfig.IsMaintenanceMode() {
		e.record(s.TenantId, "schedule.maintenance_suppressed", s.Id, nil)
		return false, e.advance(ctx, tx, s, now)
	}
	if s.CalendarId.Valid {
		proceed, err := e.calendarGate(ctx, tx, s, fireTime, now)
		if err != nil || !proceed {
			return false, err
		}
	}

	// Gate 2: sliding-window rate limit.
	scheduledTime := fireTime
	rl, err := e.dbClient.GetScheduleRateLimit(ctx, tx, s.Id)
	if err != nil {
		return false, err
	}
	if rl != nil && rl.MaxExecutions > 0 {
		window := time.Duration(rl.WindowSeconds) * time.Second
		cnt, err := e.dbClient.CountRecentFirings(ctx, tx, s.Id, now.Add(-window))
		if err != nil {
			return false, err
		}
		if cnt >= rl.MaxExecutions {
			if !rl.QueueOverflow {
				e.record(s.TenantId, "schedule.rate_limited", s.Id,
					map[string]interface{}{"window_seconds": rl.WindowSeconds})
				metrics.TenantBackpressure.WithLabelValues(s.TenantId, "schedule_rate").Inc()
				return false, e.advance(ctx, tx, s, now)
			}
			// Overflow still enqueues, pushed to where the oldest run in
			// the window ages out and a slot opens.
			scheduledTime = now.Add(window)
			oldest, err := e.dbClient.OldestFiringSince(ctx, tx, s.Id, now.Add(-window))
			if err != nil {
				return false, err
			}
			if oldest.Valid {
				scheduledTime = oldest.Time.Add(window)
			}
		}
	}

	// Gate 3: runtime condition.
	cond, err := e.dbClient.GetScheduleCondition(ctx, tx, s.Id)
	if err != nil {
		return false, err
	}
	if cond != nil {
		ok, err := evaluateCondition(ctx, tx, cond)
		if err != nil {
			klog.Warningf("condition check errored for schedule %s: %v", s.Id, err)
			ok = false
		}
		if !ok {
			if cond.RetryOnFail && cond.RetryIntervalSeconds > 0 &&
				e.conditionRetryAllowed(s.Id, cond.MaxRetries) {
				retry := now.Add(time.Duration(cond.RetryIntervalSeconds) * time.Second)
				return false, e.dbClient.SetNextRun(ctx, tx, s.Id, retry)
			}
			e.clearConditionRetries(s.Id)
			e.record(s.TenantId, "schedule.condition_failed", s.Id,
				map[string]interface{}{"kind": cond.Kind})
			return false, e.advance(ctx, tx, s, now)
		}
		e.clearConditionRetries(s.Id)
	}

	// Gate 4: upstream dependencies. Satisfied upstream results flow into
	// the dependent's variables.
	var upstream []string
	deps, err := e.dbClient.DependenciesOf(ctx, tx, s.Id)
	if err != nil {
		return false, err
	}
	if len(deps) > 0 {
		satisfied, timedOut, results, err := e.dependenciesSatisfied(ctx, tx, deps, fireTime, now)
		if err != nil {
			return false, err
		}
		if !satisfied {
			if !timedOut {
				return false, e.dbClient.SetNextRun(ctx, tx, s.Id, now.Add(dependencyRecheck))
			}
			if !proceedOnTimeout(deps) {
				if _, err = e.dbClient.RecordScheduleFailure(ctx, tx, s.Id); err != nil {
					return false, err
				}
				e.record(s.TenantId, "schedule.dependency_timeout", s.Id, nil)
				return false, e.advance(ctx, tx, s, now)
			}
		}
		upstream = results
	}
	variables := mergeVariables(s.Variables, upstream)

	// Catch-up: replay misses inside the window, capped.
	occurrences := []time.Time{scheduledTime}
	isCatchUp := false
	var holdUntil time.Time
	if cu, err := e.dbClient.GetScheduleCatchup(ctx, tx, s.Id); err != nil {
		return false, err
	} else if cu != nil && cu.Enabled {
		maxRuns := cu.MaxCatchupRuns
		if maxRuns <= 0 || maxRuns > commonconfig.GetMaxCatchupRuns() {
			maxRuns = commonconfig.GetMaxCatchupRuns()
		}
		misses, err := MissedRuns(s, now, maxRuns)
		if err != nil {
			return false, err
		}
		inFlight := 0
		if cu.RunSequentially {
			if inFlight, err = e.dbClient.CountActiveScheduleJobs(ctx, tx, s.Id); err != nil {
				return false, err
			}
		}
		windowStart := now.Add(-time.Duration(cu.CatchupWindowSeconds) * time.Second)
		plan := planCatchup(misses, windowStart, cu.CatchupWindowSeconds > 0,
			cu.RunSequentially, inFlight, now)
		if len(plan.occurrences) == 0 && !plan.holdUntil.IsZero() {
			// A sequential replay is still draining; check back later.
			return false, e.dbClient.SetNextRun(ctx, tx, s.Id, plan.holdUntil)
		}
		if len(plan.occurrences) > 0 {
			occurrences = plan.occurrences
			isCatchUp = true
			holdUntil = plan.holdUntil
		}
	}

	for _, at := range occurrences {
		if err := e.enqueueOccurrence(ctx, tx, s, at, isCatchUp, variables); err != nil {
			return false, err
		}
	}
	metrics.SchedulesFired.WithLabelValues(s.TenantId, s.Type).Inc()
	if !holdUntil.IsZero() {
		// Park at the next miss; it replays once the released job settles.
		return true, e.dbClient.SetNextRun(ctx, tx, s.Id, holdUntil)
	}
	return true, e.advance(ctx, tx, s, now)
}

// catchupPlan is the slice of misses to enqueue now, plus an optional park
// time when the remaining misses must wait.
type catchupPlan struct {
	occurrences []time.Time
	holdUntil   time.Time
}

// planCatchup picks which misses replay this firing. Parallel catch-up
// enqueues every in-window miss at its original time. Sequential catch-up
// releases one miss per firing and holds the schedule while a released job
// is still in flight, so miss N+1 never overtakes miss N.
func planCatchup(misses []time.Time, windowStart time.Time, windowed, sequential bool, inFlight int, now time.Time) catchupPlan {
	var eligible []time.Time
	for _, miss := range misses {
		if windowed && miss.Before(windowStart) {
			continue
		}
		eligible = append(eligible, miss)
	}
	if len(eligible) == 0 {
		return catchupPlan{}
	}
	if !sequential {
		return catchupPlan{occurrences: eligible}
	}
	if inFlight > 0 {
		return catchupPlan{holdUntil: now.Add(dependencyRecheck)}
	}
	plan := catchupPlan{occurrences: eligible[:1]}
	if len(eligible) > 1 {
		plan.holdUntil = eligible[1]
	}
	return plan
}

// calendarGate applies blackout windows and the business calendar. Returns
// whether the firing proceeds; a skip or defer has already been persisted.
func (e *Engine) calendarGate(ctx context.Context, tx *sqlx.Tx, s *dbclient.Schedule, fireTime, now time.Time) (bool, error) {
	blackouts, err := e.dbClient.ActiveBlackouts(ctx, tx, s.CalendarId.String, fireTime)
	if err != nil {
		return false, err
	}
	if b, hit := inBlackout(blackouts, fireTime); hit {
		e.record(s.TenantId, "schedule.blackout_suppressed", s.Id,
			map[string]interface{}{"blackout": b.Name})
		return false, e.advance(ctx, tx, s, now)
	}
	if !s.RespectBusinessHours {
		return true, nil
	}
	cal, err := e.dbClient.GetCalendar(ctx, tx, s.CalendarId.String)
	if err != nil {
		return false, err
	}
	verdict, deferUntil, err := evaluateCalendar(cal, fireTime)
	if err != nil {
		return false, err
	}
	switch verdict {
	case VerdictSkip:
		e.record(s.TenantId, "schedule.calendar_suppressed", s.Id, nil)
		return false, e.advance(ctx, tx, s, now)
	case VerdictDefer:
		return false, e.dbClient.SetNextRun(ctx, tx, s.Id, deferUntil)
	default:
		return true, nil
	}
}

// dependenciesSatisfied checks completion records for the upstream edges.
// wait_for_all requires every edge; otherwise one suffices. timedOut is set
// when the wait has exceeded the largest edge timeout since the fire time.
// results carries the result payloads of the met upstream runs.
func (e *Engine) dependenciesSatisfied(ctx context.Context, tx *sqlx.Tx, deps []*dbclient.ScheduleDependency, fireTime, now time.Time) (satisfied, timedOut bool, results []string, err error) {
	waitAll := false
	var maxTimeout time.Duration
	for _, d := range deps {
		if d.WaitForAll {
			waitAll = true
		}
		if t := time.Duration(d.TimeoutSeconds) * time.Second; t > maxTimeout {
			maxTimeout = t
		}
	}
	met := 0
	for _, d := range deps {
		dc, err := e.dbClient.RecentCompletion(ctx, tx, d.DependsOn)
		if err != nil {
			return false, false, nil, err
		}
		if dc == nil {
			continue
		}
		if d.RequireSuccess && !dc.Success {
			continue
		}
		met++
		if dc.Success && dc.ResultData.Valid {
			results = append(results, dc.ResultData.String)
		}
	}
	if waitAll {
		satisfied = met == len(deps)
	} else {
		satisfied = met > 0
	}
	if !satisfied && maxTimeout > 0 && now.Sub(fireTime) > maxTimeout {
		timedOut = true
	}
	return satisfied, timedOut, results, nil
}

// mergeVariables overlays upstream result objects onto the schedule's own
// variables. Later upstreams win on conflicting keys. Payloads that are not
// JSON objects are ignored.
func mergeVariables(base string, upstream []string) string {
	if base == "" {
		base = "{}"
	}
	if len(upstream) == 0 {
		return base
	}
	merged := map[string]interface{}{}
	if err := json.Unmarshal([]byte(base), &merged); err != nil {
		return base
	}
	for _, raw := range upstream {
		var overlay map[string]interface{}
		if json.Unmarshal([]byte(raw), &overlay) != nil {
			continue
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return string(out)
}

// conditionRetryAllowed counts a condition re-arm against the schedule's
// retry cap. A cap of zero or less means unlimited.
func (e *Engine) conditionRetryAllowed(scheduleId string, maxRetries int) bool {
	if maxRetries <= 0 {
		return true
	}
	e.condMu.Lock()
	defer e.condMu.Unlock()
	if e.condRetries[scheduleId] >= maxRetries {
		delete(e.condRetries, scheduleId)
		return false
	}
	e.condRetries[scheduleId]++
	return true
}

func (e *Engine) clearConditionRetries(scheduleId string) {
	e.condMu.Lock()
	defer e.condMu.Unlock()
	delete(e.condRetries, scheduleId)
}

func proceedOnTimeout(deps []*dbclient.ScheduleDependency) bool {
	for _, d := range deps {
		if !d.ProceedOnTimeout {
			return false
		}
	}
	return true
}

// enqueueOccurrence creates the job and its open history row in the firing
// transaction.
func (e *Engine) enqueueOccurrence(ctx context.Context, tx *sqlx.Tx, s *dbclient.Schedule, at time.Time, isCatchUp bool, variables string) error {
	if variables == "" {
		variables = "{}"
	}
	job := &dbclient.Job{
		Id:              uuid.NewString(),
		TenantId:        s.TenantId,
		WorkflowVersion: "",
		ScheduleId:      dbutils.NullString(s.Id),
		JobKey:          dbutils.NullString(scheduleJobKey(s)),
		Priority:        s.Priority,
		Variables:       variables,
		TriggerType:     common.TriggerScheduled,
		Status:          "queued",
		ExecutionMode:   "default",
		MaxRetries:      commonconfig.GetDefaultMaxRetries(),
		ScheduledTime:   dbutils.NullTime(at),
		CreateTime:      dbutils.NullTime(time.Now().UTC()),
	}
	version, err := e.dbClient.GetActiveVersion(ctx, tx, s.WorkflowId)
	if err != nil {
		return err
	}
	job.WorkflowVersion = version.Id
	if err = e.dbClient.InsertJob(ctx, tx, job); err != nil {
		return err
	}
	if err = e.dbClient.InsertScheduleHistory(ctx, tx, &dbclient.ScheduleHistory{
		TenantId:      s.TenantId,
		ScheduleId:    s.Id,
		JobId:         dbutils.NullString(job.Id),
		ScheduledTime: dbutils.NullTime(at),
		IsCatchUp:     isCatchUp,
		CreateTime:    dbutils.NullTime(time.Now().UTC()),
	}); err != nil {
		return err
	}
	e.record(s.TenantId, "schedule.fire", s.Id, map[string]interface{}{
		"job": job.Id, "catch_up": isCatchUp,
	})
	return nil
}

// scheduleJobKey gives every schedule a stable job key so pins, stickiness
// and failure exclusion apply across its occurrences.
func scheduleJobKey(s *dbclient.Schedule) string {
	return "schedule:" + s.Id
}

// advance stamps last_run and the next occurrence. Event and dependency
// schedules get no clock-driven next_run.
func (e *Engine) advance(ctx context.Context, tx *sqlx.Tx, s *dbclient.Schedule, now time.Time) error {
	next, err := NextRun(s, now)
	if err != nil {
		return err
	}
	if err = e.dbClient.AdvanceSchedule(ctx, tx, s.Id, next, now); err != nil {
		return err
	}
	if next.IsZero() && s.Type == TypeOneTime {
		return e.dbClient.SetScheduleStatus(ctx, tx, s.Id, "completed", false)
	}
	return nil
}

// reconcilePass closes finished runs, maintains failure streaks and SLA
// state, publishes dependency completions, and fires dependency schedules
// whose upstreams are now satisfied.
func (e *Engine) reconcilePass(ctx context.Context) error {
	fired := false
	err := e.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		runs, err := e.dbClient.OpenRuns(ctx, tx, reconcileBatch)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, run := range runs {
			didFire, err := e.settleRun(ctx, tx, run, now)
			if err != nil {
				return err
			}
			fired = fired || didFire
		}
		return nil
	})
	if err == nil && fired && e.notify != nil {
		e.notify()
	}
	return err
}

func (e *Engine) settleRun(ctx context.Context, tx *sqlx.Tx, run *dbclient.OpenRun, now time.Time) (bool, error) {
	success := run.JobStatus == "completed"
	completedAt := now
	if run.JobCompletedAt.Valid {
		completedAt = run.JobCompletedAt.Time
	}
	var startedAt time.Time
	var durationMs, startDelayMs int64
	if run.JobStartedAt.Valid {
		startedAt = run.JobStartedAt.Time
		durationMs = completedAt.Sub(startedAt).Milliseconds()
		if run.ScheduledTime.Valid {
			startDelayMs = startedAt.Sub(run.ScheduledTime.Time).Milliseconds()
		}
	}
	if err := e.dbClient.CloseScheduleHistory(ctx, tx, run.ScheduleId, run.JobId.String,
		startedAt, completedAt, durationMs, startDelayMs, success,
		dbutils.ParseNullString(run.JobError)); err != nil {
		return false, err
	}

	streak := 0
	if success {
		if err := e.dbClient.ResetScheduleFailures(ctx, tx, run.ScheduleId); err != nil {
			return false, err
		}
	} else {
		var err error
		if streak, err = e.dbClient.RecordScheduleFailure(ctx, tx, run.ScheduleId); err != nil {
			return false, err
		}
	}

	if err := e.dbClient.InsertDependencyCompletion(ctx, tx, &dbclient.DependencyCompletion{
		TenantId:    run.TenantId,
		ScheduleId:  run.ScheduleId,
		CompletedAt: dbutils.NullTime(completedAt),
		Success:     success,
		ResultData:  run.JobResult,
		ExpiresAt:   dbutils.NullTime(completedAt.Add(completionTTL)),
	}); err != nil {
		return false, err
	}

	if err := e.evaluateSla(ctx, tx, run, streak, durationMs, startDelayMs); err != nil {
		return false, err
	}

	return e.fireDependents(ctx, tx, run.ScheduleId, now)
}

// evaluateSla recomputes the SLA status after a run settles. Breached wins
// over warning; transitions are audited once.
func (e *Engine) evaluateSla(ctx context.Context, tx *sqlx.Tx, run *dbclient.OpenRun, streak int, durationMs, startDelayMs int64) error {
	sla, err := e.dbClient.GetScheduleSla(ctx, tx, run.ScheduleId)
	if err != nil || sla == nil {
		return err
	}
	if sla.MaxDurationSeconds.Valid && durationMs > sla.MaxDurationSeconds.Int64*1000 {
		metrics.SlaBreaches.WithLabelValues(run.TenantId, "duration").Inc()
	}
	if sla.MaxStartDelaySeconds.Valid && startDelayMs > sla.MaxStartDelaySeconds.Int64*1000 {
		metrics.SlaBreaches.WithLabelValues(run.TenantId, "start_delay").Inc()
	}

	rate, err := e.dbClient.SuccessRate(ctx, tx, run.ScheduleId, slaRateWindow)
	if err != nil {
		return err
	}
	status := "ok"
	switch {
	case (sla.ConsecutiveFailureLimit > 0 && streak >= sla.ConsecutiveFailureLimit) ||
		rate < sla.SuccessRateThreshold-5:
		status = "breached"
	case rate < sla.SuccessRateThreshold:
		status = "warning"
	}
	if status == sla.CurrentStatus {
		return nil
	}
	if err = e.dbClient.SetSlaStatus(ctx, tx, run.ScheduleId, status); err != nil {
		return err
	}
	if status == "breached" {
		metrics.SlaBreaches.WithLabelValues(run.TenantId, "status").Inc()
	}
	e.record(run.TenantId, "schedule.sla_transition", run.ScheduleId, map[string]interface{}{
		"from": sla.CurrentStatus, "to": status,
		"success_rate": fmt.Sprintf("%.1f", rate), "streak": streak,
	})
	return nil
}

// fireDependents runs dependency-type schedules downstream of a completed
// schedule whose gates are now satisfied.
func (e *Engine) fireDependents(ctx context.Context, tx *sqlx.Tx, scheduleId string, now time.Time) (bool, error) {
	edges, err := e.dbClient.DependentsOf(ctx, tx, scheduleId)
	if err != nil {
		return false, err
	}
	fired := false
	for _, edge := range edges {
		dep, err := e.dbClient.GetSchedule(ctx, tx, edge.ScheduleId)
		if err != nil {
			if commonerrors.IsNotFound(err) {
				continue
			}
			return false, err
		}
		if dep.Type != TypeDependency || !dep.Enabled || dep.Status != "active" {
			continue
		}
		didFire, err := e.fireOne(ctx, tx, dep, now)
		if err != nil {
			klog.ErrorS(err, "dependent schedule firing failed", "schedule", dep.Id)
			continue
		}
		fired = fired || didFire
	}
	return fired, nil
}

func (e *Engine) prune(ctx context.Context) error {
	return e.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		cutoff := time.Now().UTC().Add(-commonconfig.GetHistoryRetention())
		n, err := e.dbClient.PruneScheduleHistory(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		m, err := e.dbClient.PruneDependencyCompletions(ctx, tx)
		if err != nil {
			return err
		}
		if n+m > 0 {
			klog.V(4).Infof("pruned %d history rows and %d dependency completions", n, m)
		}
		return nil
	})
}

func (e *Engine) record(tenantId, action, scheduleId string, details map[string]interface{}) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(&audit.Event{
		TenantId:     tenantId,
		Action:       action,
		ActorType:    common.PrincipalTypeSystem,
		ActorId:      "schedule-engine",
		ResourceType: "schedule",
		ResourceId:   scheduleId,
		Details:      details,
	})
}
