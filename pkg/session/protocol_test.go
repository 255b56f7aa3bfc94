/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package session

import (
	"encoding/json"
	"testing"

	"gotest.tools/assert"
)

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr string
	}{
		{
			name:    "nil frame",
			frame:   nil,
			wantErr: "empty frame",
		},
		{
			name:    "wrong version",
			frame:   &Frame{Version: 2, Type: TypeHeartbeat},
			wantErr: "unsupported protocol version",
		},
		{
			name:    "unknown type",
			frame:   &Frame{Version: ProtocolVersion, Type: "job_restart"},
			wantErr: "unknown message type",
		},
		{
			name:  "valid heartbeat",
			frame: &Frame{Version: ProtocolVersion, Type: TypeHeartbeat},
		},
		{
			name:  "valid assign",
			frame: &Frame{Version: ProtocolVersion, Type: TypeJobAssign},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFrame(tt.frame)
			if tt.wantErr == "" {
				assert.NilError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrameVocabulary(t *testing.T) {
	robotTypes := []string{
		TypeRegister, TypeHeartbeat, TypeJobAccept, TypeJobReject,
		TypeJobProgress, TypeJobComplete, TypeJobFailed, TypeJobCancelled,
		TypeLogEntry, TypeLogBatch, TypeStatusResponse, TypeDisconnect,
		TypeError, TypeHealingEvent,
	}
	serverTypes := []string{
		TypeRegisterAck, TypeHeartbeatAck, TypeJobAssign, TypeJobCancel,
		TypeStatusRequest, TypePause, TypeResume, TypeShutdown,
	}
	for _, typ := range append(robotTypes, serverTypes...) {
		f := &Frame{Version: ProtocolVersion, Type: typ}
		assert.NilError(t, ValidateFrame(f), "type %s must be in the vocabulary", typ)
	}
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(TypeJobCancel, "corr-1", JobCancelPayload{JobId: "j-1"})
	assert.NilError(t, err)
	assert.Equal(t, f.Version, ProtocolVersion)
	assert.Equal(t, f.Type, TypeJobCancel)
	assert.Equal(t, f.CorrelationId, "corr-1")
	assert.Assert(t, f.TimestampMs > 0)
	assert.NilError(t, ValidateFrame(f))

	var payload JobCancelPayload
	assert.NilError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, payload.JobId, "j-1")
}

func TestNewFrameNilPayload(t *testing.T) {
	f, err := NewFrame(TypeStatusRequest, "", nil)
	assert.NilError(t, err)
	assert.Assert(t, f.Payload == nil)
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(TypeJobFailed, "", JobFailedPayload{
		JobId:    "j-7",
		Error:    "selector not found",
		Category: "validation",
	})
	assert.NilError(t, err)

	raw, err := json.Marshal(f)
	assert.NilError(t, err)

	var decoded Frame
	assert.NilError(t, json.Unmarshal(raw, &decoded))
	assert.NilError(t, ValidateFrame(&decoded))
	assert.Equal(t, decoded.Type, TypeJobFailed)

	var payload JobFailedPayload
	assert.NilError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, payload.Error, "selector not found")
}

func TestLogBatchRoundTrip(t *testing.T) {
	f, err := NewFrame(TypeLogBatch, "", LogBatchPayload{Entries: []LogEntryPayload{
		{JobId: "j-1", Level: "info", Message: "step started", NodeId: "n-3"},
		{JobId: "j-1", Level: "error", Message: "click failed", NodeId: "n-4"},
	}})
	assert.NilError(t, err)
	assert.NilError(t, ValidateFrame(f))

	var payload LogBatchPayload
	assert.NilError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, len(payload.Entries), 2)
	assert.Equal(t, payload.Entries[1].Level, "error")
}
