/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package dispatcher matches due jobs to live robots. Each pass claims due
// work under row locks, picks a robot per job by the selection policy, and
// hands the assignment to the robot's session after commit.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

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
	"github.com/casarerpa/orchestrator/pkg/robots"
	"github.com/casarerpa/orchestrator/pkg/session"
	"github.com/casarerpa/orchestrator/pkg/workflow"
)

const (
	deliverAttempts   = 3
	deliverRetryDelay = 200 * time.Millisecond
)

var (
	dispatcherOnce     sync.Once
	dispatcherInstance *Dispatcher
)

// Dispatcher is the job dispatch loop.
type Dispatcher struct {
	dbClient *dbclient.Client
	store    *workflow.Store
	registry *robots.Registry
	manager  *session.Manager
	auditor  *audit.Writer

	wakeCh chan struct{}
}

// NewDispatcher creates the singleton dispatcher.
func NewDispatcher(dbClient *dbclient.Client, store *workflow.Store, registry *robots.Registry,
	manager *session.Manager, auditor *audit.Writer) *Dispatcher {
	dispatcherOnce.Do(func() {
		dispatcherInstance = &Dispatcher{
			dbClient: dbClient,
			store:    store,
			registry: registry,
			manager:  manager,
			auditor:  auditor,
			wakeCh:   make(chan struct{}, 1),
		}
	})
	return dispatcherInstance
}

// DispatcherInstance returns the singleton dispatcher.
func DispatcherInstance() *Dispatcher {
	return dispatcherInstance
}

// Wake nudges the loop to run a pass before the next tick. Enqueue and
// schedule firing call it so dispatch latency is not bounded by the tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(commonconfig.GetDispatcherTick())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-d.wakeCh:
			case <-ctx.Done():
				return
			}
			if err := d.dispatchOnce(ctx); err != nil {
				klog.ErrorS(err, "dispatch pass failed")
			}
		}
	}()
}

// assignment is a claim made inside the pass transaction, delivered after
// commit so a rollback never leaves a robot holding a phantom job.
type assignment struct {
	tenantId string
	robotId  string
	payload  *session.JobAssignPayload
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) error {
	var assignments []*assignment
	err := d.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		jobs, err := d.dbClient.DueJobs(ctx, tx, commonconfig.GetClaimBatchSize())
		if err != nil {
			return err
		}
		for _, job := range jobs {
			a, err := d.place(ctx, tx, job)
			if err != nil {
				return err
			}
			if a != nil {
				assignments = append(assignments, a)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, a := range assignments {
		d.deliver(ctx, a)
	}
	return nil
}

// place resolves the job's version, picks a robot, and claims the job for
// it. A nil assignment with nil error means the job stays queued this pass.
func (d *Dispatcher) place(ctx context.Context, tx *sqlx.Tx, job *dbclient.Job) (*assignment, error) {
	version, err := d.resolveVersion(ctx, tx, job)
	if err != nil {
		if commonerrors.IsVersionArchived(err) || commonerrors.IsChecksumMismatch(err) {
			return nil, d.failBeforeDispatch(ctx, tx, job, err)
		}
		return nil, err
	}

	var requiredCaps []string
	if version.RequiredCapabilities.Valid && version.RequiredCapabilities.String != "" {
		if err = json.Unmarshal([]byte(version.RequiredCapabilities.String), &requiredCaps); err != nil {
			klog.Warningf("job %s: unparseable required capabilities, treating as none", job.Id)
		}
	}

	candidates, err := d.registry.SelectCandidates(ctx, tx, job.TenantId,
		dbutils.ParseNullString(job.JobKey), requiredCaps, dbutils.ParseNullString(job.AssignedRobot))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		klog.V(4).Infof("no eligible robot for job %s, leaving queued", job.Id)
		return nil, nil
	}
	robot := candidates[0]

	leaseWindow := commonconfig.GetLeaseWindow()
	if err = d.dbClient.ClaimJob(ctx, tx, job.Id, robot.Id, time.Now().UTC().Add(leaseWindow)); err != nil {
		return nil, err
	}
	var overrides json.RawMessage
	if version.NodeOverrides.Valid {
		overrides = json.RawMessage(version.NodeOverrides.String)
	}
	return &assignment{
		tenantId: job.TenantId,
		robotId:  robot.Id,
		payload: &session.JobAssignPayload{
			JobId:           job.Id,
			WorkflowVersion: version.Id,
			Checksum:        version.Checksum,
			Payload:         version.Payload,
			Variables:       json.RawMessage(job.Variables),
			NodeOverrides:   overrides,
			Priority:        job.Priority,
			LeaseSeconds:    int(leaseWindow / time.Second),
		},
	}, nil
}

// resolveVersion returns the version the job executes. A keyed job resolves
// pin over active at dispatch time so a pin set after enqueue still holds;
// an unkeyed job runs the version frozen at enqueue.
func (d *Dispatcher) resolveVersion(ctx context.Context, tx *sqlx.Tx, job *dbclient.Job) (*dbclient.WorkflowVersion, error) {
	enqueued, err := d.dbClient.GetWorkflowVersion(ctx, tx, job.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	if job.JobKey.Valid && job.JobKey.String != "" {
		return d.store.ResolveForExecution(ctx, tx, job.JobKey.String, enqueued.WorkflowId)
	}
	if enqueued.Status == "archived" {
		return nil, commonerrors.NewVersionArchived(enqueued.Id)
	}
	if workflow.Checksum(enqueued.Payload) != enqueued.Checksum {
		return nil, commonerrors.NewChecksumMismatch(enqueued.Id)
	}
	return enqueued, nil
}

// failBeforeDispatch dead-letters a job whose version refuses execution.
func (d *Dispatcher) failBeforeDispatch(ctx context.Context, tx *sqlx.Tx, job *dbclient.Job, cause error) error {
	category := string(commonerrors.CategoryForError(cause))
	if err := d.dbClient.FailQueuedJob(ctx, tx, job.Id, cause.Error(), category); err != nil {
		return err
	}
	if err := d.dbClient.InsertDeadLetter(ctx, tx, &dbclient.DeadLetter{
		TenantId:        job.TenantId,
		JobId:           job.Id,
		WorkflowVersion: dbutils.NullString(job.WorkflowVersion),
		Variables:       job.Variables,
		FinalError:      cause.Error(),
		ErrorCategory:   category,
		RetryCount:      job.RetryCount,
		CreateTime:      dbutils.NullTime(time.Now().UTC()),
	}); err != nil {
		return err
	}
	metrics.JobsDeadLettered.WithLabelValues(job.TenantId).Inc()
	klog.Warningf("job %s refused before dispatch: %v", job.Id, cause)
	return nil
}

// deliver sends the assignment on the robot's session, riding out brief
// send hiccups. A robot that stays unreachable releases the claim without
// burning an attempt.
func (d *Dispatcher) deliver(ctx context.Context, a *assignment) {
	err := backoff.TransientRetry(func() error {
		return d.manager.AssignJob(a.robotId, a.payload)
	}, deliverAttempts, deliverRetryDelay)
	if err != nil {
		klog.Warningf("robot %s unreachable for job %s, releasing claim: %v",
			a.robotId, a.payload.JobId, err)
		relErr := d.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
			return d.dbClient.ReleaseClaim(ctx, tx, a.payload.JobId)
		})
		if relErr != nil {
			klog.ErrorS(relErr, "failed to release claim", "job", a.payload.JobId)
		}
		return
	}
	metrics.JobsDispatched.WithLabelValues(a.tenantId).Inc()
	if d.auditor != nil {
		d.auditor.Record(&audit.Event{
			TenantId:     a.tenantId,
			Action:       "job.dispatch",
			ActorType:    common.PrincipalTypeSystem,
			ActorId:      "dispatcher",
			ResourceType: "job",
			ResourceId:   a.payload.JobId,
			Details:      map[string]interface{}{"robot": a.robotId},
		})
	}
}
