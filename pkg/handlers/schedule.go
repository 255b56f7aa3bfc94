/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/handlers/middleware"
	"github.com/casarerpa/orchestrator/pkg/schedule"
)

func initScheduleRouters(g *gin.RouterGroup, h *Handler) {
	g.POST("schedules", middleware.Require(h.gateway, "schedule", "create"), h.CreateSchedule)
	g.GET("schedules", middleware.Require(h.gateway, "schedule", "read"), h.ListSchedules)
	g.GET("schedules/:id", middleware.Require(h.gateway, "schedule", "read"), h.GetSchedule)
	g.DELETE("schedules/:id", middleware.Require(h.gateway, "schedule", "delete"), h.DeleteSchedule)
	g.POST("schedules/:id/pause", middleware.Require(h.gateway, "schedule", "update"), h.PauseSchedule)
	g.POST("schedules/:id/resume", middleware.Require(h.gateway, "schedule", "update"), h.ResumeSchedule)
	g.PUT("schedules/:id/sla", middleware.Require(h.gateway, "schedule", "update"), h.SetScheduleSla)
	g.PUT("schedules/:id/rate-limit", middleware.Require(h.gateway, "schedule", "update"), h.SetScheduleRateLimit)
	g.PUT("schedules/:id/condition", middleware.Require(h.gateway, "schedule", "update"), h.SetScheduleCondition)
	g.PUT("schedules/:id/catchup", middleware.Require(h.gateway, "schedule", "update"), h.SetScheduleCatchup)
	g.PUT("schedules/:id/event-trigger", middleware.Require(h.gateway, "schedule", "update"), h.SetScheduleEventTrigger)
	g.POST("schedules/:id/dependencies", middleware.Require(h.gateway, "schedule", "update"), h.AddScheduleDependency)
	g.GET("schedules/:id/history", middleware.Require(h.gateway, "schedule", "read"), h.ScheduleHistory)

	g.POST("events", middleware.Require(h.gateway, "job", "create"), h.IngestEvent)

	g.POST("calendars", middleware.Require(h.gateway, "schedule", "create"), h.CreateCalendar)
	g.GET("calendars", middleware.Require(h.gateway, "schedule", "read"), h.ListCalendars)
	g.POST("calendars/:id/blackouts", middleware.Require(h.gateway, "schedule", "update"), h.AddBlackout)
	g.DELETE("blackouts/:id", middleware.Require(h.gateway, "schedule", "update"), h.RemoveBlackout)
}

// CreateSchedule creates a schedule.
// POST /api/v1/schedules
func (h *Handler) CreateSchedule(c *gin.Context) {
	handle(c, h.createSchedule)
}

// ListSchedules lists the tenant's schedules.
// GET /api/v1/schedules
func (h *Handler) ListSchedules(c *gin.Context) {
	handle(c, h.listSchedules)
}

// GetSchedule returns one schedule.
// GET /api/v1/schedules/:id
func (h *Handler) GetSchedule(c *gin.Context) {
	handle(c, h.getSchedule)
}

// DeleteSchedule removes a schedule.
// DELETE /api/v1/schedules/:id
func (h *Handler) DeleteSchedule(c *gin.Context) {
	handle(c, h.deleteSchedule)
}

// PauseSchedule pauses firing.
// POST /api/v1/schedules/:id/pause
func (h *Handler) PauseSchedule(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.setScheduleStatus(c, "paused")
	})
}

// ResumeSchedule resumes firing from the next occurrence.
// POST /api/v1/schedules/:id/resume
func (h *Handler) ResumeSchedule(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.setScheduleStatus(c, "active")
	})
}

// SetScheduleSla stores SLA thresholds.
// PUT /api/v1/schedules/:id/sla
func (h *Handler) SetScheduleSla(c *gin.Context) {
	handle(c, h.setScheduleSla)
}

// SetScheduleRateLimit stores the rate limit.
// PUT /api/v1/schedules/:id/rate-limit
func (h *Handler) SetScheduleRateLimit(c *gin.Context) {
	handle(c, h.setScheduleRateLimit)
}

// SetScheduleCondition stores the gating condition.
// PUT /api/v1/schedules/:id/condition
func (h *Handler) SetScheduleCondition(c *gin.Context) {
	handle(c, h.setScheduleCondition)
}

// SetScheduleCatchup stores the catch-up policy.
// PUT /api/v1/schedules/:id/catchup
func (h *Handler) SetScheduleCatchup(c *gin.Context) {
	handle(c, h.setScheduleCatchup)
}

// SetScheduleEventTrigger stores the event binding.
// PUT /api/v1/schedules/:id/event-trigger
func (h *Handler) SetScheduleEventTrigger(c *gin.Context) {
	handle(c, h.setScheduleEventTrigger)
}

// AddScheduleDependency adds an upstream edge.
// POST /api/v1/schedules/:id/dependencies
func (h *Handler) AddScheduleDependency(c *gin.Context) {
	handle(c, h.addScheduleDependency)
}

// ScheduleHistory returns execution history.
// GET /api/v1/schedules/:id/history
func (h *Handler) ScheduleHistory(c *gin.Context) {
	handle(c, h.scheduleHistory)
}

// IngestEvent routes an external event to matching event schedules.
// POST /api/v1/events
func (h *Handler) IngestEvent(c *gin.Context) {
	handle(c, h.ingestEvent)
}

// CreateCalendar creates a business calendar.
// POST /api/v1/calendars
func (h *Handler) CreateCalendar(c *gin.Context) {
	handle(c, h.createCalendar)
}

// ListCalendars lists the tenant's calendars.
// GET /api/v1/calendars
func (h *Handler) ListCalendars(c *gin.Context) {
	handle(c, h.listCalendars)
}

// AddBlackout attaches a blackout window to a calendar.
// POST /api/v1/calendars/:id/blackouts
func (h *Handler) AddBlackout(c *gin.Context) {
	handle(c, h.addBlackout)
}

// RemoveBlackout deletes a blackout window.
// DELETE /api/v1/blackouts/:id
func (h *Handler) RemoveBlackout(c *gin.Context) {
	handle(c, h.removeBlackout)
}

func (h *Handler) createSchedule(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req CreateScheduleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	spec := &schedule.Spec{
		WorkflowId:           req.WorkflowId,
		Name:                 req.Name,
		Type:                 req.Type,
		Expression:           req.Expression,
		IntervalSeconds:      req.IntervalSeconds,
		Timezone:             req.Timezone,
		CalendarId:           req.CalendarId,
		RespectBusinessHours: req.RespectBusinessHours,
		Priority:             req.Priority,
		Variables:            string(req.Variables),
	}
	if req.FireAt != nil {
		spec.FireAt = *req.FireAt
	}
	return h.engine.Create(c.Request.Context(), id, spec)
}

func (h *Handler) listSchedules(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	schedules, err := h.engine.List(c.Request.Context(), id, limit, offset)
	if err != nil {
		return nil, err
	}
	return ListResp{Items: schedules}, nil
}

func (h *Handler) getSchedule(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	return h.engine.Get(c.Request.Context(), id, c.Param("id"))
}

func (h *Handler) deleteSchedule(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	if err = h.engine.Delete(c.Request.Context(), id, c.Param("id")); err != nil {
		return nil, err
	}
	return gin.H{"deleted": c.Param("id")}, nil
}

func (h *Handler) setScheduleStatus(c *gin.Context, status string) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	if err = h.engine.SetStatus(c.Request.Context(), id, c.Param("id"), status); err != nil {
		return nil, err
	}
	return gin.H{"schedule_id": c.Param("id"), "status": status}, nil
}

func (h *Handler) setScheduleSla(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ScheduleSlaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	channels := "[]"
	if len(req.AlertChannels) > 0 {
		channels = marshalStrings(req.AlertChannels)
	}
	sla := &dbclient.ScheduleSla{
		ScheduleId:              c.Param("id"),
		MaxDurationSeconds:      dbutils.NullInt64(req.MaxDurationSeconds),
		MaxStartDelaySeconds:    dbutils.NullInt64(req.MaxStartDelaySeconds),
		SuccessRateThreshold:    req.SuccessRateThreshold,
		ConsecutiveFailureLimit: req.ConsecutiveFailureLimit,
		AlertChannels:           channels,
	}
	if err = h.engine.SetSla(c.Request.Context(), id, sla); err != nil {
		return nil, err
	}
	return sla, nil
}

func (h *Handler) setScheduleRateLimit(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ScheduleRateLimitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	rl := &dbclient.ScheduleRateLimit{
		ScheduleId:    c.Param("id"),
		MaxExecutions: req.MaxExecutions,
		WindowSeconds: req.WindowSeconds,
		QueueOverflow: req.QueueOverflow,
	}
	if err = h.engine.SetRateLimit(c.Request.Context(), id, rl); err != nil {
		return nil, err
	}
	return rl, nil
}

func (h *Handler) setScheduleCondition(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ScheduleConditionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	cond := &dbclient.ScheduleCondition{
		ScheduleId:           c.Param("id"),
		Kind:                 req.Kind,
		Parameters:           string(req.Parameters),
		RetryOnFail:          req.RetryOnFail,
		MaxRetries:           req.MaxRetries,
		RetryIntervalSeconds: req.RetryIntervalSeconds,
	}
	if err = h.engine.SetCondition(c.Request.Context(), id, cond); err != nil {
		return nil, err
	}
	return cond, nil
}

func (h *Handler) setScheduleCatchup(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ScheduleCatchupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	cu := &dbclient.ScheduleCatchup{
		ScheduleId:           c.Param("id"),
		Enabled:              req.Enabled,
		MaxCatchupRuns:       req.MaxCatchupRuns,
		CatchupWindowSeconds: req.CatchupWindowSeconds,
		RunSequentially:      req.RunSequentially,
	}
	if err = h.engine.SetCatchup(c.Request.Context(), id, cu); err != nil {
		return nil, err
	}
	return cu, nil
}

func (h *Handler) setScheduleEventTrigger(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ScheduleEventTriggerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	et := &dbclient.ScheduleEventTrigger{
		ScheduleId:         c.Param("id"),
		EventSource:        req.EventSource,
		Filter:             dbutils.NullString(string(req.Filter)),
		DebounceSeconds:    req.DebounceSeconds,
		BatchWindowSeconds: req.BatchWindowSeconds,
	}
	if err = h.engine.SetEventTrigger(c.Request.Context(), id, et); err != nil {
		return nil, err
	}
	return et, nil
}

func (h *Handler) addScheduleDependency(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req ScheduleDependencyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	dep := &dbclient.ScheduleDependency{
		ScheduleId:       c.Param("id"),
		DependsOn:        req.DependsOn,
		WaitForAll:       req.WaitForAll,
		RequireSuccess:   req.RequireSuccess,
		TimeoutSeconds:   req.TimeoutSeconds,
		ProceedOnTimeout: req.ProceedOnTimeout,
		PriorityOrder:    req.PriorityOrder,
	}
	if err = h.engine.AddDependency(c.Request.Context(), id, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

func (h *Handler) scheduleHistory(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	rows, err := h.engine.History(c.Request.Context(), id, c.Param("id"), limit, offset)
	if err != nil {
		return nil, err
	}
	return ListResp{Items: rows}, nil
}

func (h *Handler) ingestEvent(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req IngestEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	matched, err := h.engine.IngestEvent(c.Request.Context(), id.Principal.TenantId, req.Source, req.Payload)
	if err != nil {
		return nil, err
	}
	return IngestEventResp{MatchedSchedules: matched}, nil
}

func (h *Handler) createCalendar(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req CreateCalendarReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	cal := &dbclient.BusinessCalendar{
		Name:               req.Name,
		Timezone:           req.Timezone,
		WorkingHours:       string(req.WorkingHours),
		WeekendPolicy:      req.WeekendPolicy,
		OutsideHoursPolicy: req.OutsideHoursPolicy,
		Holidays:           marshalStrings(req.Holidays),
		CustomNonWorking:   marshalStrings(req.CustomNonWorking),
	}
	return h.engine.CreateCalendar(c.Request.Context(), id, cal)
}

func (h *Handler) listCalendars(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(c)
	cals, err := h.engine.ListCalendars(c.Request.Context(), id, limit, offset)
	if err != nil {
		return nil, err
	}
	return ListResp{Items: cals}, nil
}

func (h *Handler) addBlackout(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	var req AddBlackoutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	b := &dbclient.BlackoutPeriod{
		CalendarId:        c.Param("id"),
		Name:              req.Name,
		StartTime:         dbutils.NullTime(req.StartTime),
		EndTime:           dbutils.NullTime(req.EndTime),
		Recurring:         req.Recurring,
		AffectedWorkflows: dbutils.NullString(marshalStrings(req.AffectedWorkflows)),
	}
	if err = h.engine.AddBlackout(c.Request.Context(), id, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (h *Handler) removeBlackout(c *gin.Context) (interface{}, error) {
	id, err := requestIdentity(c)
	if err != nil {
		return nil, err
	}
	blackoutId, err := parseInt64(c.Param("id"))
	if err != nil {
		return nil, commonerrors.NewBadRequest("invalid blackout id")
	}
	if err = h.engine.RemoveBlackout(c.Request.Context(), id, blackoutId); err != nil {
		return nil, err
	}
	return gin.H{"deleted": blackoutId}, nil
}
