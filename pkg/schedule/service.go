/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"context"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/casarerpa/orchestrator/pkg/audit"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/tenant"
)

// recordAs audits a tenant-facing mutation under the caller's identity.
func (e *Engine) recordAs(id *tenant.Identity, action, resourceType, resourceId string, details map[string]interface{}) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(&audit.Event{
		TenantId:     id.Principal.TenantId,
		Action:       action,
		ActorType:    id.Principal.Type,
		ActorId:      id.Principal.Id,
		ResourceType: resourceType,
		ResourceId:   resourceId,
		Details:      details,
	})
}

// Spec is the caller's input for a new schedule.
type Spec struct {
	WorkflowId           string
	Name                 string
	Type                 string
	Expression           string
	IntervalSeconds      int64
	FireAt               time.Time
	Timezone             string
	CalendarId           string
	RespectBusinessHours bool
	Priority             int
	Variables            string
}

// Create validates the trigger configuration, computes the first
// occurrence, and stores the schedule.
func (e *Engine) Create(ctx context.Context, id *tenant.Identity, spec *Spec) (*dbclient.Schedule, error) {
	if spec == nil || spec.Name == "" || spec.WorkflowId == "" {
		return nil, commonerrors.NewBadRequest("schedule name and workflow are required")
	}
	if spec.Variables == "" {
		spec.Variables = "{}"
	}
	s := &dbclient.Schedule{
		Id:                   uuid.NewString(),
		TenantId:             id.Principal.TenantId,
		WorkflowId:           spec.WorkflowId,
		Name:                 spec.Name,
		Type:                 spec.Type,
		Expression:           spec.Expression,
		IntervalSeconds:      dbutils.NullInt64(spec.IntervalSeconds),
		FireAt:               dbutils.NullTime(spec.FireAt),
		Timezone:             spec.Timezone,
		CalendarId:           dbutils.NullString(spec.CalendarId),
		RespectBusinessHours: spec.RespectBusinessHours,
		Priority:             spec.Priority,
		Variables:            spec.Variables,
		Enabled:              true,
		Status:               "active",
		CreateTime:           dbutils.NullTime(time.Now().UTC()),
		UpdateTime:           dbutils.NullTime(time.Now().UTC()),
	}
	next, err := NextRun(s, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !next.IsZero() {
		s.NextRun = dbutils.NullTime(next)
	}
	err = e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		if _, err := e.dbClient.GetWorkflow(ctx, tx, spec.WorkflowId); err != nil {
			return err
		}
		if spec.CalendarId != "" {
			if _, err := e.dbClient.GetCalendar(ctx, tx, spec.CalendarId); err != nil {
				return err
			}
		}
		return e.dbClient.InsertSchedule(ctx, tx, s)
	})
	if err != nil {
		return nil, err
	}
	e.recordAs(id, "schedule.create", "schedule", s.Id,
		map[string]interface{}{"name": spec.Name, "type": spec.Type})
	return s, nil
}

// Get returns one schedule of the caller's tenant.
func (e *Engine) Get(ctx context.Context, id *tenant.Identity, scheduleId string) (*dbclient.Schedule, error) {
	var s *dbclient.Schedule
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		s, err = e.dbClient.GetSchedule(ctx, tx, scheduleId)
		return err
	})
	return s, err
}

// List returns the tenant's schedules, newest first.
func (e *Engine) List(ctx context.Context, id *tenant.Identity, limit, offset int) ([]*dbclient.Schedule, error) {
	var schedules []*dbclient.Schedule
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		tags := dbclient.GetScheduleFieldTags()
		schedules, err = e.dbClient.SelectSchedules(ctx, tx,
			sqrl.Eq{dbclient.GetFieldTag(tags, "TenantId"): id.Principal.TenantId},
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	return schedules, err
}

// SetStatus pauses, resumes or disables a schedule. Resuming recomputes
// the next occurrence so a long pause does not fire a stale backlog.
func (e *Engine) SetStatus(ctx context.Context, id *tenant.Identity, scheduleId, status string) error {
	enabled := status == "active"
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		s, err := e.dbClient.GetSchedule(ctx, tx, scheduleId)
		if err != nil {
			return err
		}
		if err = e.dbClient.SetScheduleStatus(ctx, tx, scheduleId, status, enabled); err != nil {
			return err
		}
		if enabled {
			next, err := NextRun(s, time.Now().UTC())
			if err != nil {
				return err
			}
			if !next.IsZero() {
				return e.dbClient.SetNextRun(ctx, tx, scheduleId, next)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.recordAs(id, "schedule.status", "schedule", scheduleId,
		map[string]interface{}{"status": status})
	return nil
}

// Delete removes a schedule and its sub-configs.
func (e *Engine) Delete(ctx context.Context, id *tenant.Identity, scheduleId string) error {
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.DeleteSchedule(ctx, tx, scheduleId)
	})
	if err != nil {
		return err
	}
	e.recordAs(id, "schedule.delete", "schedule", scheduleId, nil)
	return nil
}

// SetSla stores the SLA thresholds of a schedule.
func (e *Engine) SetSla(ctx context.Context, id *tenant.Identity, sla *dbclient.ScheduleSla) error {
	if sla == nil || sla.ScheduleId == "" {
		return commonerrors.NewBadRequest("the input is empty")
	}
	if sla.SuccessRateThreshold < 0 || sla.SuccessRateThreshold > 100 {
		return commonerrors.NewBadRequest("success rate threshold must be between 0 and 100")
	}
	sla.TenantId = id.Principal.TenantId
	if sla.CurrentStatus == "" {
		sla.CurrentStatus = "ok"
	}
	if sla.AlertChannels == "" {
		sla.AlertChannels = "[]"
	}
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.UpsertScheduleSla(ctx, tx, sla)
	})
}

// SetRateLimit stores the sliding-window rate limit of a schedule.
func (e *Engine) SetRateLimit(ctx context.Context, id *tenant.Identity, rl *dbclient.ScheduleRateLimit) error {
	if rl == nil || rl.ScheduleId == "" {
		return commonerrors.NewBadRequest("the input is empty")
	}
	if rl.MaxExecutions <= 0 || rl.WindowSeconds <= 0 {
		return commonerrors.NewBadRequest("rate limit requires positive max executions and window")
	}
	rl.TenantId = id.Principal.TenantId
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.UpsertScheduleRateLimit(ctx, tx, rl)
	})
}

// SetCondition stores the runtime gating condition of a schedule.
func (e *Engine) SetCondition(ctx context.Context, id *tenant.Identity, cond *dbclient.ScheduleCondition) error {
	if cond == nil || cond.ScheduleId == "" || cond.Kind == "" {
		return commonerrors.NewBadRequest("the input is empty")
	}
	if cond.Parameters == "" {
		cond.Parameters = "{}"
	}
	cond.TenantId = id.Principal.TenantId
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.UpsertScheduleCondition(ctx, tx, cond)
	})
}

// SetCatchup stores the catch-up policy of a schedule.
func (e *Engine) SetCatchup(ctx context.Context, id *tenant.Identity, cu *dbclient.ScheduleCatchup) error {
	if cu == nil || cu.ScheduleId == "" {
		return commonerrors.NewBadRequest("the input is empty")
	}
	cu.TenantId = id.Principal.TenantId
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.UpsertScheduleCatchup(ctx, tx, cu)
	})
}

// SetEventTrigger stores the event binding of an event schedule.
func (e *Engine) SetEventTrigger(ctx context.Context, id *tenant.Identity, et *dbclient.ScheduleEventTrigger) error {
	if et == nil || et.ScheduleId == "" || et.EventSource == "" {
		return commonerrors.NewBadRequest("the input is empty")
	}
	et.TenantId = id.Principal.TenantId
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.UpsertScheduleEventTrigger(ctx, tx, et)
	})
}

// AddDependency inserts an upstream edge after the cycle precheck. The
// database trigger rejects races the precheck cannot see.
func (e *Engine) AddDependency(ctx context.Context, id *tenant.Identity, dep *dbclient.ScheduleDependency) error {
	if dep == nil || dep.ScheduleId == "" || dep.DependsOn == "" {
		return commonerrors.NewBadRequest("the input is empty")
	}
	if dep.ScheduleId == dep.DependsOn {
		return commonerrors.NewDependencyCycle("a schedule cannot depend on itself")
	}
	dep.TenantId = id.Principal.TenantId
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		edges, err := e.dbClient.AllDependencyEdges(ctx, tx, id.Principal.TenantId)
		if err != nil {
			return err
		}
		if HasCycle(edges, dep) {
			return commonerrors.NewDependencyCycle(
				"edge " + dep.ScheduleId + " -> " + dep.DependsOn + " would close a cycle")
		}
		return e.dbClient.InsertScheduleDependency(ctx, tx, dep)
	})
}

// HasCycle reports whether adding the candidate edge to the existing graph
// creates a cycle. Depth-first walk from the edge's target back to its
// source.
func HasCycle(edges []*dbclient.ScheduleDependency, candidate *dbclient.ScheduleDependency) bool {
	adj := make(map[string][]string, len(edges)+1)
	for _, edge := range edges {
		adj[edge.ScheduleId] = append(adj[edge.ScheduleId], edge.DependsOn)
	}
	adj[candidate.ScheduleId] = append(adj[candidate.ScheduleId], candidate.DependsOn)

	visited := make(map[string]bool)
	var walk func(node string) bool
	walk = func(node string) bool {
		if node == candidate.ScheduleId {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range adj[node] {
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(candidate.DependsOn)
}

// CreateCalendar stores a business calendar after validating its rules.
func (e *Engine) CreateCalendar(ctx context.Context, id *tenant.Identity, cal *dbclient.BusinessCalendar) (*dbclient.BusinessCalendar, error) {
	if cal == nil || cal.Name == "" {
		return nil, commonerrors.NewBadRequest("calendar name is empty")
	}
	cal.Id = uuid.NewString()
	cal.TenantId = id.Principal.TenantId
	cal.CreateTime = dbutils.NullTime(time.Now().UTC())
	if cal.WorkingHours == "" {
		cal.WorkingHours = "{}"
	}
	if cal.Holidays == "" {
		cal.Holidays = "[]"
	}
	if cal.CustomNonWorking == "" {
		cal.CustomNonWorking = "[]"
	}
	if _, err := parseCalendar(cal); err != nil {
		return nil, err
	}
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.InsertCalendar(ctx, tx, cal)
	})
	if err != nil {
		return nil, err
	}
	e.recordAs(id, "calendar.create", "calendar", cal.Id,
		map[string]interface{}{"name": cal.Name})
	return cal, nil
}

// ListCalendars returns the tenant's calendars.
func (e *Engine) ListCalendars(ctx context.Context, id *tenant.Identity, limit, offset int) ([]*dbclient.BusinessCalendar, error) {
	var cals []*dbclient.BusinessCalendar
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		cals, err = e.dbClient.SelectCalendars(ctx, tx,
			sqrl.Eq{"tenant_id": id.Principal.TenantId},
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	return cals, err
}

// AddBlackout attaches a blackout window to a calendar.
func (e *Engine) AddBlackout(ctx context.Context, id *tenant.Identity, b *dbclient.BlackoutPeriod) error {
	if b == nil || b.CalendarId == "" || !b.StartTime.Valid || !b.EndTime.Valid {
		return commonerrors.NewBadRequest("blackout requires a calendar and a time window")
	}
	if !b.EndTime.Time.After(b.StartTime.Time) {
		return commonerrors.NewBadRequest("blackout end must be after its start")
	}
	b.TenantId = id.Principal.TenantId
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		if _, err := e.dbClient.GetCalendar(ctx, tx, b.CalendarId); err != nil {
			return err
		}
		return e.dbClient.InsertBlackout(ctx, tx, b)
	})
	if err != nil {
		return err
	}
	e.recordAs(id, "calendar.blackout_add", "calendar", b.CalendarId,
		map[string]interface{}{"name": b.Name})
	return nil
}

// RemoveBlackout deletes a blackout window.
func (e *Engine) RemoveBlackout(ctx context.Context, id *tenant.Identity, blackoutId int64) error {
	return e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return e.dbClient.DeleteBlackout(ctx, tx, blackoutId)
	})
}

// History returns a schedule's execution history, newest first.
func (e *Engine) History(ctx context.Context, id *tenant.Identity, scheduleId string, limit, offset int) ([]*dbclient.ScheduleHistory, error) {
	var rows []*dbclient.ScheduleHistory
	err := e.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		rows, err = e.dbClient.SelectScheduleHistory(ctx, tx,
			sqrl.Eq{"schedule_id": scheduleId},
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	return rows, err
}
