/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const sendQueueDepth = 64

// replayBuffer is the per-robot ring of recently sent frames. It outlives a
// single connection so a reconnecting robot can resume from its last seq.
type replayBuffer struct {
	mu      sync.Mutex
	frames  []*Frame
	nextSeq int64
	size    int
}

func newReplayBuffer(size int) *replayBuffer {
	if size <= 0 {
		size = 1
	}
	return &replayBuffer{nextSeq: 1, size: size}
}

// stamp assigns the next seq to a frame and retains it for replay.
func (b *replayBuffer) stamp(f *Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f.Seq = b.nextSeq
	b.nextSeq++
	b.frames = append(b.frames, f)
	if len(b.frames) > b.size {
		b.frames = b.frames[len(b.frames)-b.size:]
	}
}

// after returns the retained frames with seq greater than the watermark, and
// whether the buffer still covers that point. A false covered means frames
// were already evicted and the robot must treat the stream as fresh.
func (b *replayBuffer) after(seq int64) (frames []*Frame, covered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq >= b.nextSeq-1 {
		return nil, true
	}
	if len(b.frames) == 0 || b.frames[0].Seq > seq+1 {
		return nil, false
	}
	for _, f := range b.frames {
		if f.Seq > seq {
			frames = append(frames, f)
		}
	}
	return frames, true
}

func (b *replayBuffer) next() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Session is one live robot connection. All writes funnel through a single
// goroutine so frames leave in FIFO order; callers never touch the conn.
type Session struct {
	TenantId string
	RobotId  string

	conn    *websocket.Conn
	buffer  *replayBuffer
	sendCh  chan *Frame
	closeCh chan struct{}
	once    sync.Once

	// Terminal reports already applied for a job, kept so retransmits on a
	// flaky link collapse to one state transition.
	termMu    sync.Mutex
	terminals map[string]time.Time
}

func newSession(tenantId, robotId string, conn *websocket.Conn, buffer *replayBuffer) *Session {
	return &Session{
		TenantId:  tenantId,
		RobotId:   robotId,
		conn:      conn,
		buffer:    buffer,
		sendCh:    make(chan *Frame, sendQueueDepth),
		closeCh:   make(chan struct{}),
		terminals: make(map[string]time.Time),
	}
}

// Send stamps the frame into the replay buffer and queues it for the writer.
func (s *Session) Send(f *Frame) error {
	s.buffer.stamp(f)
	return s.enqueue(f)
}

// enqueue hands a frame to the writer without touching the replay buffer.
// Replays and acks use it directly.
func (s *Session) enqueue(f *Frame) error {
	select {
	case <-s.closeCh:
		return commonerrors.NewRobotOffline(s.RobotId)
	default:
	}
	select {
	case s.sendCh <- f:
		return nil
	default:
		return commonerrors.NewInternalError("session send queue is full for robot " + s.RobotId)
	}
}

// writeLoop is the single writer. It owns the conn for writes until the
// session closes.
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(commonconfig.GetSessionWriteTimeout()))
			if err := s.conn.WriteJSON(f); err != nil {
				klog.Warningf("session write to robot %s failed: %v", s.RobotId, err)
				s.Close()
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Close shuts the session down. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closeCh)
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = s.conn.Close()
	})
}

// markTerminal records that a terminal report for the job was applied.
// Returns false when one was already seen, so the duplicate is dropped.
func (s *Session) markTerminal(jobId string) bool {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	now := time.Now().UTC()
	// Lazy expiry keeps the map from growing over a long-lived session.
	for id, at := range s.terminals {
		if now.Sub(at) > time.Hour {
			delete(s.terminals, id)
		}
	}
	if _, ok := s.terminals[jobId]; ok {
		return false
	}
	s.terminals[jobId] = now
	return true
}
