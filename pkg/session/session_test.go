/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package session

import (
	"fmt"
	"testing"
	"time"

	"gotest.tools/assert"
)

func stampN(b *replayBuffer, n int) []*Frame {
	frames := make([]*Frame, 0, n)
	for i := 0; i < n; i++ {
		f := &Frame{Version: ProtocolVersion, Type: TypeStatusRequest,
			CorrelationId: fmt.Sprintf("c-%d", i)}
		b.stamp(f)
		frames = append(frames, f)
	}
	return frames
}

func TestReplayBufferStampAssignsSequence(t *testing.T) {
	b := newReplayBuffer(8)
	frames := stampN(b, 3)
	assert.Equal(t, frames[0].Seq, int64(1))
	assert.Equal(t, frames[1].Seq, int64(2))
	assert.Equal(t, frames[2].Seq, int64(3))
	assert.Equal(t, b.next(), int64(4))
}

func TestReplayBufferAfter(t *testing.T) {
	b := newReplayBuffer(8)
	stampN(b, 5)

	frames, covered := b.after(2)
	assert.Assert(t, covered)
	assert.Equal(t, len(frames), 3)
	assert.Equal(t, frames[0].Seq, int64(3))
	assert.Equal(t, frames[2].Seq, int64(5))
}

func TestReplayBufferCaughtUp(t *testing.T) {
	b := newReplayBuffer(8)
	stampN(b, 5)

	frames, covered := b.after(5)
	assert.Assert(t, covered)
	assert.Equal(t, len(frames), 0)

	// a watermark beyond the stream also counts as caught up
	frames, covered = b.after(9)
	assert.Assert(t, covered)
	assert.Equal(t, len(frames), 0)
}

func TestReplayBufferEvictionBreaksResume(t *testing.T) {
	b := newReplayBuffer(3)
	stampN(b, 10)

	// seq 1-7 were evicted, the robot asking to resume from 2 cannot be served
	_, covered := b.after(2)
	assert.Assert(t, !covered)

	frames, covered := b.after(7)
	assert.Assert(t, covered)
	assert.Equal(t, len(frames), 3)
	assert.Equal(t, frames[0].Seq, int64(8))
}

func TestReplayBufferZeroSize(t *testing.T) {
	b := newReplayBuffer(0)
	stampN(b, 2)
	frames, covered := b.after(1)
	assert.Assert(t, covered)
	assert.Equal(t, len(frames), 1)
}

func TestMarkTerminalDeduplicates(t *testing.T) {
	s := &Session{terminals: make(map[string]time.Time)}
	assert.Assert(t, s.markTerminal("j-1"))
	assert.Assert(t, !s.markTerminal("j-1"))
	assert.Assert(t, s.markTerminal("j-2"))
}

func TestMarkTerminalExpiresOldEntries(t *testing.T) {
	s := &Session{terminals: map[string]time.Time{
		"j-old": time.Now().UTC().Add(-2 * time.Hour),
	}}
	// the stale record is swept, so the job id can report terminal again
	assert.Assert(t, s.markTerminal("j-old"))
}
