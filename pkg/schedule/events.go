/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
)

// Event sources.
const (
	EventFileArrival       = "file_arrival"
	EventWebhook           = "webhook"
	EventDatabaseChange    = "database_change"
	EventQueueMessage      = "queue_message"
	EventWorkflowCompleted = "workflow_completed"
	EventCustom            = "custom"
)

// pendingEvent accumulates ingested events for one schedule. Debounce runs
// first: each new event pushes the debounce deadline out. Once the stream
// goes quiet, an optional batch window measured from the first event holds
// the firing so a burst collapses to one run.
type pendingEvent struct {
	scheduleId string
	tenantId   string
	firstAt    time.Time
	count      int
	lastEvent  json.RawMessage
	timer      *time.Timer
}

// IngestEvent routes an external event to the tenant's matching event
// schedules. Filters are top-level subset matches against the payload.
func (e *Engine) IngestEvent(ctx context.Context, tenantId, source string, payload json.RawMessage) (int, error) {
	var matched []*dbclient.Schedule
	err := e.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		schedules, err := e.dbClient.SelectEventSchedules(ctx, tx, tenantId, source)
		if err != nil {
			return err
		}
		for _, s := range schedules {
			et, err := e.dbClient.GetScheduleEventTrigger(ctx, tx, s.Id)
			if err != nil {
				return err
			}
			if et == nil {
				continue
			}
			if et.Filter.Valid && !filterMatches(et.Filter.String, payload) {
				continue
			}
			matched = append(matched, s)
			e.bufferEvent(s, et, payload)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// bufferEvent applies debounce-before-batch and arms the firing timer.
func (e *Engine) bufferEvent(s *dbclient.Schedule, et *dbclient.ScheduleEventTrigger, payload json.RawMessage) {
	debounce := time.Duration(et.DebounceSeconds) * time.Second
	batch := time.Duration(et.BatchWindowSeconds) * time.Second
	now := time.Now().UTC()

	e.evMu.Lock()
	defer e.evMu.Unlock()
	p, ok := e.pending[s.Id]
	if !ok {
		p = &pendingEvent{scheduleId: s.Id, tenantId: s.TenantId, firstAt: now}
		e.pending[s.Id] = p
	}
	p.count++
	p.lastEvent = payload

	// The firing instant is the debounce deadline, but never earlier than
	// the batch window measured from the first buffered event.
	fireIn := debounce
	if batch > 0 {
		if untilBatch := p.firstAt.Add(batch).Sub(now); untilBatch > fireIn {
			fireIn = untilBatch
		}
	}
	if fireIn <= 0 {
		fireIn = time.Millisecond
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(fireIn, func() {
		e.flushEvent(s.Id)
	})
}

// flushEvent fires the buffered occurrence for an event schedule.
func (e *Engine) flushEvent(scheduleId string) {
	e.evMu.Lock()
	p, ok := e.pending[scheduleId]
	if ok {
		delete(e.pending, scheduleId)
	}
	e.evMu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	err := e.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		s, err := e.dbClient.GetSchedule(ctx, tx, scheduleId)
		if err != nil {
			return err
		}
		if !s.Enabled || s.Status != "active" {
			return nil
		}
		if len(p.lastEvent) > 0 {
			s.Variables = mergeEventVariables(s.Variables, p.lastEvent, p.count)
		}
		fired, err := e.fireOne(ctx, tx, s, time.Now().UTC())
		if err != nil {
			return err
		}
		if fired && e.notify != nil {
			e.notify()
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "event schedule firing failed", "schedule", scheduleId)
	}
}

// filterMatches checks that every top-level field of the filter appears in
// the payload with an equal value.
func filterMatches(filter string, payload json.RawMessage) bool {
	var want, got map[string]interface{}
	if err := json.Unmarshal([]byte(filter), &want); err != nil {
		klog.Warningf("unparseable event filter, rejecting event: %v", err)
		return false
	}
	if len(want) == 0 {
		return true
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		return false
	}
	for k, v := range want {
		if !reflect.DeepEqual(got[k], v) {
			return false
		}
	}
	return true
}

// mergeEventVariables layers the triggering event onto the schedule's
// variables under the "event" key, with the buffered count alongside.
func mergeEventVariables(variables string, event json.RawMessage, count int) string {
	var base map[string]interface{}
	if err := json.Unmarshal([]byte(variables), &base); err != nil || base == nil {
		base = map[string]interface{}{}
	}
	var ev interface{}
	_ = json.Unmarshal(event, &ev)
	base["event"] = ev
	base["event_count"] = count
	merged, err := json.Marshal(base)
	if err != nil {
		return variables
	}
	return string(merged)
}
