/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package queue is the durable job queue: enqueue under quota, leased
// claims, terminal reports, category-driven retry with exponential backoff,
// and the dead letter queue for exhausted jobs.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/audit"
	"github.com/casarerpa/orchestrator/pkg/backoff"
	"github.com/casarerpa/orchestrator/pkg/common"
	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/metrics"
	"github.com/casarerpa/orchestrator/pkg/tenant"
)

var (
	queueOnce     sync.Once
	queueInstance *Queue
)

// Queue is the job queue service.
type Queue struct {
	dbClient *dbclient.Client
	gateway  *tenant.Gateway
	auditor  *audit.Writer
}

// NewQueue creates the singleton queue service.
func NewQueue(dbClient *dbclient.Client, gateway *tenant.Gateway, auditor *audit.Writer) *Queue {
	queueOnce.Do(func() {
		queueInstance = &Queue{dbClient: dbClient, gateway: gateway, auditor: auditor}
	})
	return queueInstance
}

// QueueInstance returns the singleton queue service.
func QueueInstance() *Queue {
	return queueInstance
}

// EnqueueSpec is the caller's input for a new job.
type EnqueueSpec struct {
	WorkflowVersion string
	ScheduleId      string
	JobKey          string
	Priority        int
	Variables       string
	TriggerType     string
	ExecutionMode   string
	MaxRetries      int
	ScheduledTime   time.Time
}

// Enqueue creates a queued job after the hourly execution quota passes.
func (q *Queue) Enqueue(ctx context.Context, tenantId, actorId string, spec *EnqueueSpec) (*dbclient.Job, error) {
	if spec == nil || spec.WorkflowVersion == "" {
		return nil, commonerrors.NewBadRequest("workflow version is required")
	}
	if spec.Priority < common.PriorityLow || spec.Priority > common.PriorityCritical {
		return nil, commonerrors.NewBadRequest("priority out of range")
	}
	if spec.TriggerType == "" {
		spec.TriggerType = common.TriggerManual
	}
	if spec.ExecutionMode == "" {
		spec.ExecutionMode = "default"
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = commonconfig.GetDefaultMaxRetries()
	}
	if spec.ScheduledTime.IsZero() {
		spec.ScheduledTime = time.Now().UTC()
	}
	if spec.Variables == "" {
		spec.Variables = "{}"
	}

	t, err := q.dbClient.GetTenant(ctx, tenantId)
	if err != nil {
		return nil, err
	}

	job := &dbclient.Job{
		Id:              uuid.NewString(),
		TenantId:        tenantId,
		WorkflowVersion: spec.WorkflowVersion,
		ScheduleId:      dbutils.NullString(spec.ScheduleId),
		JobKey:          dbutils.NullString(spec.JobKey),
		Priority:        spec.Priority,
		Variables:       spec.Variables,
		TriggerType:     spec.TriggerType,
		Status:          "queued",
		ExecutionMode:   spec.ExecutionMode,
		MaxRetries:      spec.MaxRetries,
		ScheduledTime:   dbutils.NullTime(spec.ScheduledTime),
		CreateTime:      dbutils.NullTime(time.Now().UTC()),
	}
	err = q.dbClient.WithTenantTx(ctx, tenantId, actorId, func(tx *sqlx.Tx) error {
		recent, err := q.dbClient.CountRecentJobs(ctx, tx, tenantId, time.Now().UTC().Add(-time.Hour))
		if err != nil {
			return err
		}
		if err = q.gateway.CheckExecutionQuota(ctx, t, recent); err != nil {
			return err
		}
		return q.dbClient.InsertJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	q.record(tenantId, actorId, "job.enqueue", job.Id, map[string]interface{}{
		"trigger": spec.TriggerType, "priority": spec.Priority,
	})
	return job, nil
}

// Complete records a successful terminal report from the owning robot.
func (q *Queue) Complete(ctx context.Context, tenantId, jobId, robotId, result string) error {
	err := q.dbClient.WithTenantTx(ctx, tenantId, robotId, func(tx *sqlx.Tx) error {
		job, err := q.dbClient.GetJob(ctx, tx, jobId)
		if err != nil {
			return err
		}
		if job.AssignedRobot.Valid && job.AssignedRobot.String != robotId {
			return commonerrors.NewWrongRobot(jobId, robotId)
		}
		return q.dbClient.CompleteJob(ctx, tx, jobId, robotId, result)
	})
	if err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(tenantId, "completed").Inc()
	q.record(tenantId, robotId, "job.complete", jobId, nil)
	return nil
}

// Fail records a failed attempt. Errors in a retryable category retry with
// exponential backoff until max_retries, then dead-letter; non-retryable
// categories dead-letter immediately.
func (q *Queue) Fail(ctx context.Context, tenantId, jobId, robotId, errMsg, category, lastNodeId string) error {
	if category == "" {
		category = string(commonerrors.InferCategory(errMsg))
	}
	policy := commonerrors.PolicyFor(commonerrors.ParseCategory(category))
	var deadLettered bool
	err := q.dbClient.WithTenantTx(ctx, tenantId, robotId, func(tx *sqlx.Tx) error {
		job, err := q.dbClient.GetJob(ctx, tx, jobId)
		if err != nil {
			return err
		}
		if job.AssignedRobot.Valid && job.AssignedRobot.String != robotId {
			return commonerrors.NewWrongRobot(jobId, robotId)
		}
		// retry_count holds the failed attempts so far; the job retries
		// while it is still below max_retries.
		attempt := job.RetryCount
		if policy.Retryable && attempt < job.MaxRetries {
			delay := backoff.Delay(commonconfig.GetBackoffBase(),
				commonconfig.GetBackoffMultiplier(), attempt, commonconfig.GetBackoffMax())
			next := time.Now().UTC().Add(delay)
			klog.V(4).Infof("job %s attempt %d failed (%s), retrying at %s",
				jobId, attempt+1, category, next.Format(time.RFC3339))
			return q.dbClient.FailJob(ctx, tx, jobId, "queued", errMsg, category, lastNodeId, next)
		}
		deadLettered = true
		if err = q.dbClient.FailJob(ctx, tx, jobId, "failed", errMsg, category, lastNodeId, time.Now().UTC()); err != nil {
			return err
		}
		return q.dbClient.InsertDeadLetter(ctx, tx, &dbclient.DeadLetter{
			TenantId:        tenantId,
			JobId:           jobId,
			WorkflowVersion: dbutils.NullString(job.WorkflowVersion),
			Variables:       job.Variables,
			FinalError:      errMsg,
			ErrorCategory:   category,
			LastNodeId:      dbutils.NullString(lastNodeId),
			RetryCount:      attempt,
			CreateTime:      dbutils.NullTime(time.Now().UTC()),
		})
	})
	if err != nil {
		return err
	}
	if deadLettered {
		metrics.JobsCompleted.WithLabelValues(tenantId, "failed").Inc()
		metrics.JobsDeadLettered.WithLabelValues(tenantId).Inc()
		q.record(tenantId, robotId, "job.dead_letter", jobId,
			map[string]interface{}{"category": category, "error": errMsg})
	}
	return nil
}

// Cancel stops a job. Undispatched jobs cancel immediately; for claimed or
// running jobs the caller must route a cancel through the robot session, so
// this reports whether the immediate path succeeded.
func (q *Queue) Cancel(ctx context.Context, tenantId, actorId, jobId string) (bool, error) {
	var cancelled bool
	err := q.dbClient.WithTenantTx(ctx, tenantId, actorId, func(tx *sqlx.Tx) error {
		var err error
		cancelled, err = q.dbClient.CancelJob(ctx, tx, jobId)
		return err
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		metrics.JobsCompleted.WithLabelValues(tenantId, "cancelled").Inc()
		q.record(tenantId, actorId, "job.cancel", jobId, nil)
	}
	return cancelled, nil
}

// ForceCancel marks a claimed or running job cancelled after the session
// cancel handshake confirmed or the probation window lapsed.
func (q *Queue) ForceCancel(ctx context.Context, tenantId, actorId, jobId string) error {
	err := q.dbClient.WithTenantTx(ctx, tenantId, actorId, func(tx *sqlx.Tx) error {
		return q.dbClient.FailJob(ctx, tx, jobId, "cancelled", "cancelled by user",
			string(commonerrors.CategoryUserAbort), "", time.Now().UTC())
	})
	if err != nil {
		return err
	}
	metrics.JobsCompleted.WithLabelValues(tenantId, "cancelled").Inc()
	q.record(tenantId, actorId, "job.cancel", jobId, map[string]interface{}{"forced": true})
	return nil
}

// MarkRunning flips a claimed job to running on the robot's first progress
// report. A job already running is left alone.
func (q *Queue) MarkRunning(ctx context.Context, tenantId, jobId, robotId string) error {
	err := q.dbClient.WithTenantTx(ctx, tenantId, robotId, func(tx *sqlx.Tx) error {
		return q.dbClient.MarkJobRunning(ctx, tx, jobId, robotId)
	})
	if commonerrors.IsLeaseLost(err) {
		return nil
	}
	return err
}

// Heartbeat extends the lease for a robot still working a job.
func (q *Queue) Heartbeat(ctx context.Context, tenantId, jobId, robotId string) error {
	leaseUntil := time.Now().UTC().Add(commonconfig.GetLeaseWindow())
	return q.dbClient.WithTenantTx(ctx, tenantId, robotId, func(tx *sqlx.Tx) error {
		return q.dbClient.ExtendLease(ctx, tx, jobId, robotId, leaseUntil)
	})
}

// StartLeaseWatchdog reclaims lapsed leases on every tick. A lapsed lease
// is a robot failure, not a workflow failure, so requeueing never touches
// the retry budget.
func (q *Queue) StartLeaseWatchdog(ctx context.Context) {
	tick := commonconfig.GetDispatcherTick()
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := q.reclaimExpired(ctx); err != nil {
					klog.ErrorS(err, "failed to reclaim expired leases")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (q *Queue) reclaimExpired(ctx context.Context) error {
	batch := commonconfig.GetClaimBatchSize()
	return q.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		jobs, err := q.dbClient.ExpiredLeases(ctx, tx, batch)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			metrics.LeasesExpired.Inc()
			// The backoff grows with genuine failures of the job, not with
			// lease losses.
			delay := backoff.Delay(commonconfig.GetBackoffBase(),
				commonconfig.GetBackoffMultiplier(), job.RetryCount, commonconfig.GetBackoffMax())
			if err = q.dbClient.RequeueJob(ctx, tx, job.Id, time.Now().UTC().Add(delay)); err != nil {
				return err
			}
			klog.Infof("lease expired, requeued job %s without burning an attempt", job.Id)
		}
		return nil
	})
}

// RequeueDeadLetter resurrects a dead letter as a fresh queued job.
func (q *Queue) RequeueDeadLetter(ctx context.Context, tenantId, actorId, jobId string) (*dbclient.Job, error) {
	var job *dbclient.Job
	err := q.dbClient.WithTenantTx(ctx, tenantId, actorId, func(tx *sqlx.Tx) error {
		dl, err := q.dbClient.GetDeadLetter(ctx, tx, jobId)
		if err != nil {
			return err
		}
		job = &dbclient.Job{
			Id:              uuid.NewString(),
			TenantId:        tenantId,
			WorkflowVersion: dbutils.ParseNullString(dl.WorkflowVersion),
			Priority:        common.PriorityNormal,
			Variables:       dl.Variables,
			TriggerType:     common.TriggerApi,
			Status:          "queued",
			ExecutionMode:   "default",
			MaxRetries:      commonconfig.GetDefaultMaxRetries(),
			ScheduledTime:   dbutils.NullTime(time.Now().UTC()),
			CreateTime:      dbutils.NullTime(time.Now().UTC()),
		}
		if err = q.dbClient.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		return q.dbClient.DeleteDeadLetter(ctx, tx, jobId)
	})
	if err != nil {
		return nil, err
	}
	q.record(tenantId, actorId, "job.dlq.requeue", jobId, map[string]interface{}{"new_job": job.Id})
	return job, nil
}

func (q *Queue) record(tenantId, actorId, action, jobId string, details map[string]interface{}) {
	if q.auditor == nil {
		return
	}
	q.auditor.Record(&audit.Event{
		TenantId:     tenantId,
		Action:       action,
		ActorType:    common.PrincipalTypeSystem,
		ActorId:      actorId,
		ResourceType: "job",
		ResourceId:   jobId,
		Details:      details,
	})
}
