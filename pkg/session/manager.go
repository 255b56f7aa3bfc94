/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/metrics"
	"github.com/casarerpa/orchestrator/pkg/queue"
	"github.com/casarerpa/orchestrator/pkg/robots"
)

var (
	managerOnce     sync.Once
	managerInstance *Manager
)

// Manager owns every live robot session and routes inbound frames into the
// queue and registry. Replay buffers are kept per robot, not per connection,
// so a reconnect can resume the outbound stream.
type Manager struct {
	dbClient *dbclient.Client
	queue    *queue.Queue
	registry *robots.Registry

	mu       sync.Mutex
	sessions map[string]*Session      // robotId -> live session
	buffers  map[string]*replayBuffer // robotId -> outbound history
	cancels  map[string]*time.Timer   // jobId -> probation timer
}

// NewManager creates the singleton session manager.
func NewManager(dbClient *dbclient.Client, q *queue.Queue, registry *robots.Registry) *Manager {
	managerOnce.Do(func() {
		managerInstance = &Manager{
			dbClient: dbClient,
			queue:    q,
			registry: registry,
			sessions: make(map[string]*Session),
			buffers:  make(map[string]*replayBuffer),
			cancels:  make(map[string]*time.Timer),
		}
	})
	return managerInstance
}

// ManagerInstance returns the singleton session manager.
func ManagerInstance() *Manager {
	return managerInstance
}

// Attach registers a new connection for the robot, replacing any previous
// session, and replays buffered frames past the robot's resume watermark.
func (m *Manager) Attach(tenantId, robotId string, conn *websocket.Conn, resumeFrom int64) (*Session, error) {
	m.mu.Lock()
	buf, ok := m.buffers[robotId]
	if !ok {
		buf = newReplayBuffer(commonconfig.GetSessionResumeBufferSize())
		m.buffers[robotId] = buf
	}
	if old, ok := m.sessions[robotId]; ok {
		klog.Warningf("robot %s reconnected, closing previous session", robotId)
		old.Close()
	}
	s := newSession(tenantId, robotId, conn, buf)
	m.sessions[robotId] = s
	m.mu.Unlock()

	go s.writeLoop()
	metrics.SessionsActive.Inc()

	replay, covered := buf.after(resumeFrom)
	ack, err := NewFrame(TypeRegisterAck, "", &RegisterAckPayload{
		Resumed:  covered && resumeFrom > 0,
		Replayed: len(replay),
		NextSeq:  buf.next(),
	})
	if err != nil {
		return nil, err
	}
	if err = s.enqueue(ack); err != nil {
		return nil, err
	}
	for _, f := range replay {
		if err = s.enqueue(f); err != nil {
			return nil, err
		}
	}
	if !covered {
		klog.Warningf("robot %s asked to resume from seq %d but the buffer no longer covers it",
			robotId, resumeFrom)
	}
	// Resync the robot's view of its own state after the handshake.
	if req, err := NewFrame(TypeStatusRequest, "", nil); err == nil {
		_ = s.enqueue(req)
	}
	return s, nil
}

// Detach drops the session if it is still the current one for its robot.
func (m *Manager) Detach(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.RobotId]; ok && cur == s {
		delete(m.sessions, s.RobotId)
	}
	m.mu.Unlock()
	s.Close()
	metrics.SessionsActive.Dec()
}

func (m *Manager) get(robotId string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[robotId]
}

// AssignJob pushes a job_assign frame to the robot. The caller holds the
// job's lease; an offline robot surfaces as an error so the claim can be
// released.
func (m *Manager) AssignJob(robotId string, payload *JobAssignPayload) error {
	s := m.get(robotId)
	if s == nil {
		return commonerrors.NewRobotOffline(robotId)
	}
	f, err := NewFrame(TypeJobAssign, payload.JobId, payload)
	if err != nil {
		return err
	}
	return s.Send(f)
}

// RequestCancel sends a cooperative cancel and arms the probation timer. A
// robot that neither acknowledges nor reports a terminal state within the
// cancel timeout gets the job force-cancelled underneath it.
func (m *Manager) RequestCancel(ctx context.Context, tenantId, robotId, jobId string) error {
	s := m.get(robotId)
	if s == nil {
		// No session to ask; flip the job directly.
		return m.queue.ForceCancel(ctx, tenantId, "system", jobId)
	}
	f, err := NewFrame(TypeJobCancel, jobId, &JobCancelPayload{JobId: jobId})
	if err != nil {
		return err
	}
	if err = s.Send(f); err != nil {
		return err
	}
	m.armProbation(tenantId, jobId)
	return nil
}

func (m *Manager) armProbation(tenantId, jobId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancels[jobId]; ok {
		return
	}
	m.cancels[jobId] = time.AfterFunc(commonconfig.GetCancelTimeout(), func() {
		m.mu.Lock()
		delete(m.cancels, jobId)
		m.mu.Unlock()
		klog.Warningf("cancel probation expired for job %s, forcing", jobId)
		if err := m.queue.ForceCancel(context.Background(), tenantId, "system", jobId); err != nil &&
			!commonerrors.IsTerminalAlready(err) {
			klog.ErrorS(err, "force cancel failed", "job", jobId)
		}
	})
}

func (m *Manager) disarmProbation(jobId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.cancels[jobId]; ok {
		t.Stop()
		delete(m.cancels, jobId)
	}
}

// HandleFrame routes one inbound robot frame.
func (m *Manager) HandleFrame(ctx context.Context, s *Session, f *Frame) error {
	if err := ValidateFrame(f); err != nil {
		return err
	}
	switch f.Type {
	case TypeHeartbeat:
		return m.handleHeartbeat(ctx, s, f)
	case TypeJobAccept:
		return m.handleJobAccept(ctx, s, f)
	case TypeJobReject:
		return m.handleJobReject(ctx, s, f)
	case TypeJobProgress:
		return m.handleJobProgress(ctx, s, f)
	case TypeJobComplete:
		return m.handleJobComplete(ctx, s, f)
	case TypeJobFailed:
		return m.handleJobFailed(ctx, s, f)
	case TypeJobCancelled:
		return m.handleJobCancelled(ctx, s, f)
	case TypeLogEntry:
		return m.handleLogEntry(s, f)
	case TypeLogBatch:
		return m.handleLogBatch(s, f)
	case TypeStatusResponse:
		return m.handleStatusResponse(ctx, s, f)
	case TypeHealingEvent:
		return m.handleHealingEvent(ctx, s, f)
	case TypeDisconnect:
		return m.handleDisconnect(s, f)
	case TypeError:
		return m.handleError(s, f)
	case TypeRegister:
		// The handshake already consumed the opening register frame.
		return nil
	default:
		return commonerrors.NewBadRequest("robots do not send " + f.Type)
	}
}

func (m *Manager) handleHeartbeat(ctx context.Context, s *Session, f *Frame) error {
	var p HeartbeatPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed heartbeat payload")
	}
	hb := &dbclient.RobotHeartbeat{
		JobId:           dbutils.NullString(p.JobId),
		ProgressPercent: dbutils.NullInt64(int64(p.ProgressPercent)),
		CurrentNodeId:   dbutils.NullString(p.CurrentNodeId),
		MemoryMb:        dbutils.NullInt64(p.MemoryMb),
		CpuPercent:      dbutils.NullFloat64(p.CpuPercent),
	}
	if err := m.registry.Heartbeat(ctx, s.TenantId, s.RobotId, p.Status, hb); err != nil {
		return err
	}
	if p.JobId != "" {
		// A heartbeat naming a job also keeps its lease alive.
		if err := m.queue.Heartbeat(ctx, s.TenantId, p.JobId, s.RobotId); err != nil {
			if commonerrors.IsLeaseLost(err) {
				klog.Warningf("robot %s heartbeat for job %s after lease loss", s.RobotId, p.JobId)
				return nil
			}
			return err
		}
	}
	if ack, err := NewFrame(TypeHeartbeatAck, f.CorrelationId, nil); err == nil {
		_ = s.enqueue(ack)
	}
	return nil
}

// handleJobAccept confirms delivery; the acceptance keeps the lease warm.
func (m *Manager) handleJobAccept(ctx context.Context, s *Session, f *Frame) error {
	var p JobAcceptPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed job accept payload")
	}
	klog.V(4).Infof("robot %s accepted job %s", s.RobotId, p.JobId)
	err := m.queue.Heartbeat(ctx, s.TenantId, p.JobId, s.RobotId)
	if commonerrors.IsLeaseLost(err) {
		return nil
	}
	return err
}

// handleJobReject releases the claim so the job goes back to the queue, and
// bars the robot from the job's key so the next placement lands elsewhere.
func (m *Manager) handleJobReject(ctx context.Context, s *Session, f *Frame) error {
	var p JobRejectPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed job reject payload")
	}
	klog.Warningf("robot %s rejected job %s: %s", s.RobotId, p.JobId, p.Reason)
	return m.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		job, err := m.dbClient.GetJob(ctx, tx, p.JobId)
		if err != nil {
			return err
		}
		if job.AssignedRobot.Valid && job.AssignedRobot.String != s.RobotId {
			return commonerrors.NewWrongRobot(p.JobId, s.RobotId)
		}
		if job.JobKey.Valid && job.JobKey.String != "" {
			m.registry.Exclude(job.JobKey.String, s.RobotId)
		}
		return m.dbClient.ReleaseClaim(ctx, tx, p.JobId)
	})
}

func (m *Manager) handleJobProgress(ctx context.Context, s *Session, f *Frame) error {
	var p JobProgressPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed job progress payload")
	}
	klog.V(4).Infof("job %s on robot %s: %s %d%% node=%s",
		p.JobId, s.RobotId, p.Status, p.ProgressPercent, p.CurrentNodeId)
	if p.Status == "running" {
		if err := m.queue.MarkRunning(ctx, s.TenantId, p.JobId, s.RobotId); err != nil {
			return err
		}
	}
	return m.queue.Heartbeat(ctx, s.TenantId, p.JobId, s.RobotId)
}

func (m *Manager) handleJobComplete(ctx context.Context, s *Session, f *Frame) error {
	var p JobCompletePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed job complete payload")
	}
	if !s.markTerminal(p.JobId) {
		klog.V(4).Infof("duplicate terminal report for job %s dropped", p.JobId)
		return nil
	}
	m.disarmProbation(p.JobId)
	err := m.queue.Complete(ctx, s.TenantId, p.JobId, s.RobotId, string(p.Result))
	if commonerrors.IsTerminalAlready(err) {
		return nil
	}
	return err
}

func (m *Manager) handleJobFailed(ctx context.Context, s *Session, f *Frame) error {
	var p JobFailedPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed job failed payload")
	}
	if !s.markTerminal(p.JobId) {
		klog.V(4).Infof("duplicate terminal report for job %s dropped", p.JobId)
		return nil
	}
	m.disarmProbation(p.JobId)
	err := m.queue.Fail(ctx, s.TenantId, p.JobId, s.RobotId, p.Error, p.Category, p.LastNodeId)
	if commonerrors.IsTerminalAlready(err) {
		return nil
	}
	if err != nil {
		return err
	}
	m.excludeForJob(ctx, s, p.JobId)
	return nil
}

// excludeForJob bars the robot from the failed job's key so the next attempt
// lands elsewhere when other candidates exist.
func (m *Manager) excludeForJob(ctx context.Context, s *Session, jobId string) {
	err := m.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		job, err := m.dbClient.GetJob(ctx, tx, jobId)
		if err != nil {
			return err
		}
		if job.JobKey.Valid && job.JobKey.String != "" {
			m.registry.Exclude(job.JobKey.String, s.RobotId)
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "failed to record robot exclusion", "job", jobId, "robot", s.RobotId)
	}
}

func (m *Manager) handleJobCancelled(ctx context.Context, s *Session, f *Frame) error {
	var p JobCancelledPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed job cancelled payload")
	}
	if p.Stopping {
		// The robot is winding the job down; the terminal report settles it.
		return nil
	}
	// The robot no longer has the job, so flip it now.
	m.disarmProbation(p.JobId)
	err := m.queue.ForceCancel(ctx, s.TenantId, s.RobotId, p.JobId)
	if commonerrors.IsTerminalAlready(err) {
		return nil
	}
	return err
}

// handleLogEntry forwards a robot execution log line into the server log.
func (m *Manager) handleLogEntry(s *Session, f *Frame) error {
	var p LogEntryPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed log entry payload")
	}
	m.forwardLog(s, &p)
	return nil
}

func (m *Manager) handleLogBatch(s *Session, f *Frame) error {
	var p LogBatchPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed log batch payload")
	}
	for i := range p.Entries {
		m.forwardLog(s, &p.Entries[i])
	}
	return nil
}

func (m *Manager) forwardLog(s *Session, p *LogEntryPayload) {
	level := p.Level
	if level == "" {
		level = "info"
	}
	klog.V(4).Infof("robot %s job %s [%s] node=%s: %s",
		s.RobotId, p.JobId, level, p.NodeId, p.Message)
}

// handleStatusResponse treats the reply to a status_request like a
// heartbeat: it refreshes liveness and the telemetry sample.
func (m *Manager) handleStatusResponse(ctx context.Context, s *Session, f *Frame) error {
	var p StatusResponsePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed status response payload")
	}
	hb := &dbclient.RobotHeartbeat{
		JobId:           dbutils.NullString(p.JobId),
		ProgressPercent: dbutils.NullInt64(int64(p.ProgressPercent)),
		CurrentNodeId:   dbutils.NullString(p.CurrentNodeId),
		MemoryMb:        dbutils.NullInt64(p.MemoryMb),
		CpuPercent:      dbutils.NullFloat64(p.CpuPercent),
	}
	return m.registry.Heartbeat(ctx, s.TenantId, s.RobotId, p.Status, hb)
}

// handleDisconnect closes the session on the robot's announcement. The read
// pump unwinds and the manager detaches as for any closed connection.
func (m *Manager) handleDisconnect(s *Session, f *Frame) error {
	var p DisconnectPayload
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &p)
	}
	klog.Infof("robot %s disconnecting: %s", s.RobotId, p.Reason)
	s.Close()
	return nil
}

func (m *Manager) handleError(s *Session, f *Frame) error {
	var p ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed error payload")
	}
	klog.Warningf("robot %s reported error %s: %s", s.RobotId, p.Code, p.Message)
	return nil
}

// SendControl pushes a bare control frame (status_request, pause, resume,
// shutdown) to the robot's session.
func (m *Manager) SendControl(robotId, msgType string) error {
	s := m.get(robotId)
	if s == nil {
		return commonerrors.NewRobotOffline(robotId)
	}
	f, err := NewFrame(msgType, "", nil)
	if err != nil {
		return err
	}
	return s.Send(f)
}

func (m *Manager) handleHealingEvent(ctx context.Context, s *Session, f *Frame) error {
	var p HealingEventPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return commonerrors.NewBadRequest("malformed healing event payload")
	}
	if p.NodeId == "" || p.Selector == "" || p.Outcome == "" {
		return commonerrors.NewBadRequest("healing event requires node, selector and outcome")
	}
	ev := &dbclient.HealingEvent{
		TenantId:       s.TenantId,
		JobId:          dbutils.NullString(p.JobId),
		RobotId:        dbutils.NullString(s.RobotId),
		WorkflowId:     dbutils.NullString(p.WorkflowId),
		NodeId:         p.NodeId,
		Selector:       p.Selector,
		HealedSelector: dbutils.NullString(p.HealedSelector),
		Outcome:        p.Outcome,
		Details:        dbutils.NullString(string(p.Details)),
		CreateTime:     dbutils.NullTime(time.Now().UTC()),
	}
	return m.dbClient.WithTenantTx(ctx, s.TenantId, s.RobotId, func(tx *sqlx.Tx) error {
		return m.dbClient.InsertHealingEvent(ctx, tx, ev)
	})
}
