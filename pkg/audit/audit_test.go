/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"bytes"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
)

func sampleEntry() *client.AuditLog {
	return &client.AuditLog{
		EntryUuid:    "e0f9e6a2-67c8-4c8e-93f7-2f4a87a3c001",
		TenantId:     dbutils.NullString("t-1"),
		Action:       "job.enqueue",
		ActorType:    "user",
		ActorId:      "u-1",
		ResourceType: "job",
		ResourceId:   "j-1",
		Details:      dbutils.NullString(`{"priority":5}`),
		ClientIp:     dbutils.NullString("10.0.0.9"),
		PreviousHash: genesisHash,
		CreateTime:   dbutils.NullTime(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)),
	}
}

func TestHashEntryDeterministic(t *testing.T) {
	entry := sampleEntry()
	first := HashEntry(entry)
	second := HashEntry(entry)
	assert.Equal(t, len(first), 32)
	assert.Assert(t, bytes.Equal(first, second))
}

func TestHashEntryTamperDetection(t *testing.T) {
	entry := sampleEntry()
	original := HashEntry(entry)

	entry.ResourceId = "j-2"
	assert.Assert(t, !bytes.Equal(HashEntry(entry), original))

	entry = sampleEntry()
	entry.Details = dbutils.NullString(`{"priority":9}`)
	assert.Assert(t, !bytes.Equal(HashEntry(entry), original))

	entry = sampleEntry()
	entry.PreviousHash = []byte("not the predecessor")
	assert.Assert(t, !bytes.Equal(HashEntry(entry), original))
}

func TestToEntryLinksChain(t *testing.T) {
	first := toEntry(&Event{
		TenantId:     "t-1",
		Action:       "robot.register",
		ActorType:    "user",
		ActorId:      "u-1",
		ResourceType: "robot",
		ResourceId:   "r-1",
		Time:         time.Now().UTC(),
	}, genesisHash)
	assert.Assert(t, bytes.Equal(first.PreviousHash, genesisHash))
	assert.Assert(t, bytes.Equal(first.EntryHash, HashEntry(first)))

	second := toEntry(&Event{
		TenantId:     "t-1",
		Action:       "robot.deregister",
		ActorType:    "user",
		ActorId:      "u-1",
		ResourceType: "robot",
		ResourceId:   "r-1",
		Time:         time.Now().UTC(),
	}, first.EntryHash)
	assert.Assert(t, bytes.Equal(second.PreviousHash, first.EntryHash))
	assert.Assert(t, !bytes.Equal(second.EntryHash, first.EntryHash))
}

func TestToEntrySerializesDetails(t *testing.T) {
	entry := toEntry(&Event{
		TenantId: "t-1",
		Action:   "schedule.create",
		Details:  map[string]interface{}{"name": "nightly"},
		Time:     time.Now().UTC(),
	}, genesisHash)
	assert.Assert(t, entry.Details.Valid)
	assert.Equal(t, entry.Details.String, `{"name":"nightly"}`)

	bare := toEntry(&Event{TenantId: "t-1", Action: "noop", Time: time.Now().UTC()}, genesisHash)
	assert.Assert(t, !bare.Details.Valid)
}
