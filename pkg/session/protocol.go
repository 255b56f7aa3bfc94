/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package session carries the bidirectional robot protocol: JSON frames
// over a websocket, one writer per session, sequence-numbered replay on
// resume, and a closed message vocabulary.
package session

import (
	"encoding/json"
	"time"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

// ProtocolVersion is the frame version both sides must speak.
const ProtocolVersion = 1

// Frame is the wire envelope. Every message, both directions, uses it.
type Frame struct {
	Version       int             `json:"version"`
	Type          string          `json:"type"`
	Seq           int64           `json:"seq,omitempty"`
	CorrelationId string          `json:"correlation_id,omitempty"`
	TimestampMs   int64           `json:"timestamp_ms"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Orchestrator to robot message types.
const (
	TypeRegisterAck   = "register_ack"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeJobAssign     = "job_assign"
	TypeJobCancel     = "job_cancel"
	TypeStatusRequest = "status_request"
	TypePause         = "pause"
	TypeResume        = "resume"
	TypeShutdown      = "shutdown"
)

// Robot to orchestrator message types.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeJobAccept      = "job_accept"
	TypeJobReject      = "job_reject"
	TypeJobProgress    = "job_progress"
	TypeJobComplete    = "job_complete"
	TypeJobFailed      = "job_failed"
	TypeJobCancelled   = "job_cancelled"
	TypeLogEntry       = "log_entry"
	TypeLogBatch       = "log_batch"
	TypeStatusResponse = "status_response"
	TypeDisconnect     = "disconnect"
	TypeError          = "error"

	// Selector self-healing telemetry, carried alongside the core set.
	TypeHealingEvent = "healing_event"
)

var knownTypes = map[string]bool{
	TypeRegisterAck: true, TypeHeartbeatAck: true, TypeJobAssign: true, TypeJobCancel: true,
	TypeStatusRequest: true, TypePause: true, TypeResume: true, TypeShutdown: true,
	TypeRegister: true, TypeHeartbeat: true, TypeJobAccept: true, TypeJobReject: true,
	TypeJobProgress: true, TypeJobComplete: true, TypeJobFailed: true, TypeJobCancelled: true,
	TypeLogEntry: true, TypeLogBatch: true, TypeStatusResponse: true, TypeDisconnect: true,
	TypeError: true, TypeHealingEvent: true,
}

// ValidateFrame rejects frames outside the protocol: wrong version or a
// type not in the vocabulary. Unknown types are a hard error, not ignored,
// so incompatible robots fail loudly.
func ValidateFrame(f *Frame) error {
	if f == nil {
		return commonerrors.NewBadRequest("empty frame")
	}
	if f.Version != ProtocolVersion {
		return commonerrors.NewBadRequest("unsupported protocol version")
	}
	if !knownTypes[f.Type] {
		return commonerrors.NewBadRequest("unknown message type " + f.Type)
	}
	return nil
}

// NewFrame builds an envelope around a payload.
func NewFrame(msgType, correlationId string, payload interface{}) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, commonerrors.NewInternalError("failed to marshal frame payload: " + err.Error())
		}
		raw = b
	}
	return &Frame{
		Version:       ProtocolVersion,
		Type:          msgType,
		CorrelationId: correlationId,
		TimestampMs:   time.Now().UTC().UnixMilli(),
		Payload:       raw,
	}, nil
}

// RegisterPayload opens a session; ResumeFrom is the last seq the robot saw.
type RegisterPayload struct {
	RobotId    string `json:"robot_id"`
	ResumeFrom int64  `json:"resume_from,omitempty"`
}

// RegisterAckPayload reports how the server resumed the stream.
type RegisterAckPayload struct {
	Resumed  bool  `json:"resumed"`
	Replayed int   `json:"replayed"`
	NextSeq  int64 `json:"next_seq"`
}

// JobAssignPayload dispatches a job to the robot.
type JobAssignPayload struct {
	JobId           string          `json:"job_id"`
	WorkflowVersion string          `json:"workflow_version"`
	Checksum        string          `json:"checksum"`
	Payload         []byte          `json:"payload"`
	Variables       json.RawMessage `json:"variables,omitempty"`
	NodeOverrides   json.RawMessage `json:"node_overrides,omitempty"`
	Priority        int             `json:"priority"`
	LeaseSeconds    int             `json:"lease_seconds"`
}

// JobAcceptPayload confirms the robot took an assignment.
type JobAcceptPayload struct {
	JobId string `json:"job_id"`
}

// JobRejectPayload refuses an assignment so the job can be placed elsewhere.
type JobRejectPayload struct {
	JobId  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobCancelPayload asks the robot to stop a job cooperatively.
type JobCancelPayload struct {
	JobId string `json:"job_id"`
}

// JobCancelledPayload is the robot's answer to a cancel request.
type JobCancelledPayload struct {
	JobId    string `json:"job_id"`
	Stopping bool   `json:"stopping"`
}

// HeartbeatPayload refreshes liveness and carries telemetry.
type HeartbeatPayload struct {
	Status          string  `json:"status"`
	JobId           string  `json:"job_id,omitempty"`
	ProgressPercent int     `json:"progress_percent,omitempty"`
	CurrentNodeId   string  `json:"current_node_id,omitempty"`
	MemoryMb        int64   `json:"memory_mb,omitempty"`
	CpuPercent      float64 `json:"cpu_percent,omitempty"`
}

// JobProgressPayload is an in-flight progress report.
type JobProgressPayload struct {
	JobId           string `json:"job_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent,omitempty"`
	CurrentNodeId   string `json:"current_node_id,omitempty"`
}

// JobCompletePayload is the successful terminal report.
type JobCompletePayload struct {
	JobId  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobFailedPayload is the failed terminal report.
type JobFailedPayload struct {
	JobId      string `json:"job_id"`
	Error      string `json:"error"`
	Category   string `json:"category,omitempty"`
	LastNodeId string `json:"last_node_id,omitempty"`
}

// LogEntryPayload forwards one execution log line from the robot.
type LogEntryPayload struct {
	JobId       string `json:"job_id,omitempty"`
	Level       string `json:"level,omitempty"`
	Message     string `json:"message"`
	NodeId      string `json:"node_id,omitempty"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
}

// LogBatchPayload carries buffered log lines in one frame.
type LogBatchPayload struct {
	Entries []LogEntryPayload `json:"entries"`
}

// StatusResponsePayload answers a status_request with the robot's state.
type StatusResponsePayload struct {
	Status          string  `json:"status"`
	JobId           string  `json:"job_id,omitempty"`
	ProgressPercent int     `json:"progress_percent,omitempty"`
	CurrentNodeId   string  `json:"current_node_id,omitempty"`
	MemoryMb        int64   `json:"memory_mb,omitempty"`
	CpuPercent      float64 `json:"cpu_percent,omitempty"`
}

// DisconnectPayload announces an orderly shutdown of the robot side.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a robot-side protocol or execution fault that has no
// job-scoped frame of its own.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HealingEventPayload reports a selector self-heal attempt.
type HealingEventPayload struct {
	JobId          string          `json:"job_id,omitempty"`
	WorkflowId     string          `json:"workflow_id,omitempty"`
	NodeId         string          `json:"node_id"`
	Selector       string          `json:"selector"`
	HealedSelector string          `json:"healed_selector,omitempty"`
	Outcome        string          `json:"outcome"`
	Details        json.RawMessage `json:"details,omitempty"`
}
