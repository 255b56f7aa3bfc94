/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"bytes"
	"context"

	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/database/client"
	"github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/metrics"
)

// VerifyResult reports a chain walk.
type VerifyResult struct {
	IsValid        bool  `json:"is_valid"`
	FirstInvalidId int64 `json:"first_invalid_id,omitempty"`
	EntriesChecked int   `json:"entries_checked"`
}

// VerifyChain recomputes every hash in [startId, endId] and checks each
// previous_hash link. The first entry of the range links against its actual
// predecessor, or the genesis hash when the range starts the chain.
func VerifyChain(ctx context.Context, dbClient *client.Client, startId, endId int64) (*VerifyResult, error) {
	result := &VerifyResult{IsValid: true}
	err := dbClient.WithSystemTx(ctx, func(tx *sqlx.Tx) error {
		entries, err := dbClient.SelectAuditRange(ctx, tx, startId, endId)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		previous := genesisHash
		if entries[0].Id > 1 {
			prior, err := dbClient.SelectAuditRange(ctx, tx, entries[0].Id-1, entries[0].Id-1)
			if err != nil {
				return err
			}
			if len(prior) == 1 {
				previous = prior[0].EntryHash
			}
		}
		for _, entry := range entries {
			result.EntriesChecked++
			if !bytes.Equal(entry.PreviousHash, previous) {
				result.IsValid = false
				result.FirstInvalidId = entry.Id
				return nil
			}
			if !bytes.Equal(HashEntry(entry), entry.EntryHash) {
				result.IsValid = false
				result.FirstInvalidId = entry.Id
				return nil
			}
			previous = entry.EntryHash
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		metrics.AuditChainBroken.Set(1)
		klog.Errorf("audit chain verification failed, first invalid entry id=%d", result.FirstInvalidId)
		return result, errors.NewChainBroken(result.FirstInvalidId)
	}
	return result, nil
}
