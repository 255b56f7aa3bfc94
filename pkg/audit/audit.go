/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package audit maintains the tamper-evident audit log: a single writer
// appends hash-chained entries, periodic Merkle roots anchor chain slices,
// and verification walks the chain recomputing every link.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	commonconfig "github.com/casarerpa/orchestrator/pkg/config"
	"github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	"github.com/casarerpa/orchestrator/pkg/metrics"
)

const (
	bufferSize = 1000
	batchSize  = 50
	flushCycle = 5 * time.Second
)

// genesisHash is the previous_hash of the first chain entry.
var genesisHash = make([]byte, sha256.Size)

// Event is one auditable action. Details are marshalled to JSON on write.
type Event struct {
	TenantId     string
	IsSystem     bool
	Action       string
	ActorType    string
	ActorId      string
	ResourceType string
	ResourceId   string
	Details      map[string]interface{}
	ClientIp     string
	UserAgent    string
	Time         time.Time
}

// Writer is the single appender of the audit chain. All events funnel
// through its buffered channel; the run loop serializes hash computation so
// the chain never forks.
type Writer struct {
	dbClient *client.Client
	events   chan *Event
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu       sync.Mutex
	lastId   int64
	lastHash []byte
	primed   bool
}

var (
	writerOnce     sync.Once
	writerInstance *Writer
)

// NewWriter creates the singleton audit writer around the database client.
func NewWriter(dbClient *client.Client) *Writer {
	writerOnce.Do(func() {
		writerInstance = &Writer{
			dbClient: dbClient,
			events:   make(chan *Event, bufferSize),
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
		}
	})
	return writerInstance
}

// WriterInstance returns the singleton audit writer.
func WriterInstance() *Writer {
	return writerInstance
}

// Record queues an event for appending. It never blocks the caller; when
// the buffer is full the event is dropped and counted.
func (w *Writer) Record(ev *Event) {
	if ev == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case w.events <- ev:
	default:
		metrics.AuditEntriesDropped.Inc()
		klog.Errorf("audit buffer full, dropped event action=%s resource=%s/%s",
			ev.Action, ev.ResourceType, ev.ResourceId)
	}
}

// Start launches the writer loop.
func (w *Writer) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop flushes buffered events and waits for the loop to exit.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(flushCycle)
	defer ticker.Stop()
	pending := make([]*Event, 0, batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.appendBatch(ctx, pending); err != nil {
			klog.ErrorS(err, "failed to append audit batch", "count", len(pending))
		}
		pending = pending[:0]
	}
	for {
		select {
		case ev := <-w.events:
			pending = append(pending, ev)
			if len(pending) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			for {
				select {
				case ev := <-w.events:
					pending = append(pending, ev)
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// appendBatch writes events in arrival order inside one system transaction.
func (w *Writer) appendBatch(ctx context.Context, events []*Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		if !w.primed {
			last, err := w.dbClient.GetLastAuditEntry(ctx, tx)
			if err != nil {
				return err
			}
			if last != nil {
				w.lastId = last.Id
				w.lastHash = last.EntryHash
			} else {
				w.lastHash = genesisHash
			}
			w.primed = true
		}
		for _, ev := range events {
			entry := toEntry(ev, w.lastHash)
			id, err := w.dbClient.InsertAuditLog(ctx, tx, entry)
			if err != nil {
				return err
			}
			w.lastId = id
			w.lastHash = entry.EntryHash
		}
		return nil
	})
}

func toEntry(ev *Event, previousHash []byte) *client.AuditLog {
	var details string
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			klog.ErrorS(err, "failed to marshal audit details", "action", ev.Action)
		} else {
			details = string(raw)
		}
	}
	entry := &client.AuditLog{
		EntryUuid:    uuid.NewString(),
		TenantId:     dbutils.NullString(ev.TenantId),
		IsSystem:     ev.IsSystem,
		Action:       ev.Action,
		ActorType:    ev.ActorType,
		ActorId:      ev.ActorId,
		ResourceType: ev.ResourceType,
		ResourceId:   ev.ResourceId,
		Details:      dbutils.NullString(details),
		ClientIp:     dbutils.NullString(ev.ClientIp),
		UserAgent:    dbutils.NullString(ev.UserAgent),
		PreviousHash: previousHash,
		CreateTime:   dbutils.NullTime(ev.Time),
	}
	entry.EntryHash = HashEntry(entry)
	return entry
}

// HashEntry computes the chain hash of an entry: SHA-256 over the previous
// hash and the canonical field encoding. Field order and the separator are
// part of the format and must never change.
func HashEntry(entry *client.AuditLog) []byte {
	h := sha256.New()
	h.Write(entry.PreviousHash)
	fields := []string{
		entry.EntryUuid,
		dbutils.ParseNullString(entry.TenantId),
		strconv.FormatBool(entry.IsSystem),
		entry.Action,
		entry.ActorType,
		entry.ActorId,
		entry.ResourceType,
		entry.ResourceId,
		dbutils.ParseNullString(entry.Details),
		dbutils.ParseNullString(entry.ClientIp),
		dbutils.ParseNullString(entry.UserAgent),
		strconv.FormatInt(dbutils.ParseNullTime(entry.CreateTime).UTC().UnixNano(), 10),
	}
	h.Write([]byte(strings.Join(fields, "\x1f")))
	return h.Sum(nil)
}

// StartAnchorTask periodically anchors unanchored chain slices with Merkle
// roots, firing on entry count or elapsed time, whichever comes first.
func (w *Writer) StartAnchorTask(ctx context.Context) {
	interval := commonconfig.GetMerkleInterval()
	maxEntries := commonconfig.GetMerkleIntervalEntries()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.anchor(ctx, maxEntries); err != nil {
					klog.ErrorS(err, "failed to anchor audit chain")
				}
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}
	}()
}

// anchor covers every entry past the last root, in slices of maxEntries.
func (w *Writer) anchor(ctx context.Context, maxEntries int) error {
	return w.dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		var afterId int64
		last, err := w.dbClient.GetLastMerkleRoot(ctx, tx)
		if err != nil {
			return err
		}
		if last != nil {
			afterId = last.EndId
		}
		for {
			entries, err := w.dbClient.SelectAuditAfter(ctx, tx, afterId, maxEntries)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			hashes := make([][]byte, len(entries))
			for i, e := range entries {
				hashes[i] = e.EntryHash
			}
			root := &client.MerkleRoot{
				StartId:    entries[0].Id,
				EndId:      entries[len(entries)-1].Id,
				EntryCount: len(entries),
				Root:       MerkleRootOf(hashes),
				CreateTime: dbutils.NullTime(time.Now().UTC()),
			}
			if err = w.dbClient.InsertMerkleRoot(ctx, tx, root); err != nil {
				return err
			}
			klog.V(4).Infof("anchored audit entries [%d, %d]", root.StartId, root.EndId)
			if len(entries) < maxEntries {
				return nil
			}
			afterId = root.EndId
		}
	})
}
