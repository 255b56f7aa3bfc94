/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

// Package workflow owns the versioned workflow store. Versions are
// immutable once created; activation swaps the single active pointer, and
// execution resolves pin > active with checksum verification.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/casarerpa/orchestrator/pkg/audit"
	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
	dbutils "github.com/casarerpa/orchestrator/pkg/database/utils"
	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
	"github.com/casarerpa/orchestrator/pkg/tenant"
)

var (
	storeOnce     sync.Once
	storeInstance *Store
)

// Store is the workflow service.
type Store struct {
	dbClient *dbclient.Client
	gateway  *tenant.Gateway
	auditor  *audit.Writer
}

// NewStore creates the singleton workflow store.
func NewStore(dbClient *dbclient.Client, gateway *tenant.Gateway, auditor *audit.Writer) *Store {
	storeOnce.Do(func() {
		storeInstance = &Store{dbClient: dbClient, gateway: gateway, auditor: auditor}
	})
	return storeInstance
}

// StoreInstance returns the singleton workflow store.
func StoreInstance() *Store {
	return storeInstance
}

// Checksum computes the integrity hash stored with every version payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CreateWorkflow registers a workflow under the tenant's quota.
func (s *Store) CreateWorkflow(ctx context.Context, id *tenant.Identity, name, workspace string) (*dbclient.Workflow, error) {
	if name == "" {
		return nil, commonerrors.NewBadRequest("workflow name is empty")
	}
	if workspace == "" {
		workspace = "default"
	}
	t, err := s.dbClient.GetTenant(ctx, id.Principal.TenantId)
	if err != nil {
		return nil, err
	}
	if err = s.gateway.CheckQuota(ctx, t, tenant.QuotaWorkflows); err != nil {
		return nil, err
	}
	w := &dbclient.Workflow{
		Id:         uuid.NewString(),
		TenantId:   id.Principal.TenantId,
		Name:       name,
		Workspace:  workspace,
		Status:     "draft",
		CreatedBy:  dbutils.NullString(id.Principal.Id),
		CreateTime: dbutils.NullTime(time.Now().UTC()),
		UpdateTime: dbutils.NullTime(time.Now().UTC()),
	}
	err = s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return s.dbClient.InsertWorkflow(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	s.record(id, "workflow.create", "workflow", w.Id, map[string]interface{}{"name": name})
	return w, nil
}

// VersionSpec is the caller's input for a new version.
type VersionSpec struct {
	WorkflowId           string
	SemanticVersion      string
	Payload              []byte
	ParentVersion        string
	ChangeSummary        string
	NodeCount            int
	ConnectionCount      int
	RequiredCapabilities string
	NodeOverrides        string
}

// CreateVersion snapshots an immutable workflow version, stamping the
// payload checksum at write time.
func (s *Store) CreateVersion(ctx context.Context, id *tenant.Identity, spec *VersionSpec) (*dbclient.WorkflowVersion, error) {
	if spec == nil || spec.WorkflowId == "" || spec.SemanticVersion == "" {
		return nil, commonerrors.NewBadRequest("workflow id and semantic version are required")
	}
	if len(spec.Payload) == 0 {
		return nil, commonerrors.NewBadRequest("version payload is empty")
	}
	v := &dbclient.WorkflowVersion{
		Id:                   uuid.NewString(),
		TenantId:             id.Principal.TenantId,
		WorkflowId:           spec.WorkflowId,
		SemanticVersion:      spec.SemanticVersion,
		Status:               "draft",
		Payload:              spec.Payload,
		Checksum:             Checksum(spec.Payload),
		ParentVersion:        dbutils.NullString(spec.ParentVersion),
		ChangeSummary:        spec.ChangeSummary,
		NodeCount:            spec.NodeCount,
		ConnectionCount:      spec.ConnectionCount,
		RequiredCapabilities: dbutils.NullString(spec.RequiredCapabilities),
		NodeOverrides:        dbutils.NullString(spec.NodeOverrides),
		CreateTime:           dbutils.NullTime(time.Now().UTC()),
	}
	err := s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		if _, err := s.dbClient.GetWorkflow(ctx, tx, spec.WorkflowId); err != nil {
			return err
		}
		return s.dbClient.InsertWorkflowVersion(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	s.record(id, "workflow.version.create", "workflow_version", v.Id, map[string]interface{}{
		"workflow": spec.WorkflowId, "version": spec.SemanticVersion,
	})
	return v, nil
}

// ActivateVersion swaps the active pointer to the target version in a single
// transaction. The previous active version becomes deprecated; the workflow
// itself moves to published.
func (s *Store) ActivateVersion(ctx context.Context, id *tenant.Identity, workflowId, versionId string) error {
	err := s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		v, err := s.dbClient.GetWorkflowVersion(ctx, tx, versionId)
		if err != nil {
			return err
		}
		if v.WorkflowId != workflowId {
			return commonerrors.NewBadRequest("version does not belong to this workflow")
		}
		if v.Status == "archived" {
			return commonerrors.NewVersionArchived(versionId)
		}
		if err = s.dbClient.SwapActiveVersion(ctx, tx, workflowId, versionId); err != nil {
			return err
		}
		return s.dbClient.SetWorkflowStatus(ctx, tx, workflowId, "published")
	})
	if err != nil {
		return err
	}
	s.record(id, "workflow.version.activate", "workflow_version", versionId,
		map[string]interface{}{"workflow": workflowId})
	return nil
}

// ArchiveVersion retires a version. Archived versions refuse execution; a
// pinned job key targeting one fails at resolve time.
func (s *Store) ArchiveVersion(ctx context.Context, id *tenant.Identity, versionId string) error {
	err := s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		v, err := s.dbClient.GetWorkflowVersion(ctx, tx, versionId)
		if err != nil {
			return err
		}
		if v.Status == "active" {
			return commonerrors.NewBadRequest("active version cannot be archived; activate a successor first")
		}
		return s.dbClient.SetVersionStatus(ctx, tx, versionId, "archived")
	})
	if err != nil {
		return err
	}
	s.record(id, "workflow.version.archive", "workflow_version", versionId, nil)
	return nil
}

// PinJob binds a job key to a version so redeployments never move it.
// Draft versions are reachable only through a pin.
func (s *Store) PinJob(ctx context.Context, id *tenant.Identity, jobKey, workflowId, versionId, reason string) error {
	if jobKey == "" {
		return commonerrors.NewBadRequest("job key is empty")
	}
	err := s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		v, err := s.dbClient.GetWorkflowVersion(ctx, tx, versionId)
		if err != nil {
			return err
		}
		if v.WorkflowId != workflowId {
			return commonerrors.NewBadRequest("version does not belong to this workflow")
		}
		if v.Status == "archived" {
			return commonerrors.NewVersionArchived(versionId)
		}
		return s.dbClient.UpsertVersionPin(ctx, tx, &dbclient.JobVersionPin{
			TenantId:   id.Principal.TenantId,
			JobKey:     jobKey,
			WorkflowId: workflowId,
			VersionId:  dbutils.NullString(versionId),
			Reason:     reason,
			CreateTime: dbutils.NullTime(time.Now().UTC()),
		})
	})
	if err != nil {
		return err
	}
	s.record(id, "workflow.pin", "job_version_pin", jobKey, map[string]interface{}{
		"workflow": workflowId, "version": versionId, "reason": reason,
	})
	return nil
}

// UnpinJob removes a pin; the key floats back to the active version.
func (s *Store) UnpinJob(ctx context.Context, id *tenant.Identity, jobKey, workflowId string) error {
	err := s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		return s.dbClient.DeleteVersionPin(ctx, tx, jobKey, workflowId)
	})
	if err != nil {
		return err
	}
	s.record(id, "workflow.unpin", "job_version_pin", jobKey,
		map[string]interface{}{"workflow": workflowId})
	return nil
}

// ResolveForExecution picks the version a job runs: the pin when one
// exists, otherwise the active version. Deprecated versions still execute;
// archived ones refuse. The payload checksum is verified before release.
func (s *Store) ResolveForExecution(ctx context.Context, tx *sqlx.Tx, jobKey, workflowId string) (*dbclient.WorkflowVersion, error) {
	var v *dbclient.WorkflowVersion
	if jobKey != "" {
		pin, err := s.dbClient.GetVersionPin(ctx, tx, jobKey, workflowId)
		if err != nil {
			return nil, err
		}
		if pin != nil && pin.VersionId.Valid {
			if v, err = s.dbClient.GetWorkflowVersion(ctx, tx, pin.VersionId.String); err != nil {
				return nil, err
			}
		}
	}
	if v == nil {
		var err error
		if v, err = s.dbClient.GetActiveVersion(ctx, tx, workflowId); err != nil {
			return nil, err
		}
	}
	if v.Status == "archived" {
		return nil, commonerrors.NewVersionArchived(v.Id)
	}
	if Checksum(v.Payload) != v.Checksum {
		klog.Errorf("workflow version %s failed integrity check", v.Id)
		return nil, commonerrors.NewChecksumMismatch(v.Id)
	}
	return v, nil
}

// ListVersions returns a workflow's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, id *tenant.Identity, workflowId string, limit, offset int) ([]*dbclient.WorkflowVersion, error) {
	var versions []*dbclient.WorkflowVersion
	err := s.dbClient.WithTenantTx(ctx, id.Principal.TenantId, id.Principal.Id, func(tx *sqlx.Tx) error {
		var err error
		tags := dbclient.GetWorkflowVersionFieldTags()
		versions, err = s.dbClient.SelectWorkflowVersions(ctx, tx,
			sqrl.Eq{dbclient.GetFieldTag(tags, "WorkflowId"): workflowId},
			[]string{dbclient.CreateTime + " " + dbclient.DESC}, limit, offset)
		return err
	})
	return versions, err
}

func (s *Store) record(id *tenant.Identity, action, resourceType, resourceId string, details map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(&audit.Event{
		TenantId:     id.Principal.TenantId,
		Action:       action,
		ActorType:    id.Principal.Type,
		ActorId:      id.Principal.Id,
		ResourceType: resourceType,
		ResourceId:   resourceId,
		Details:      details,
	})
}
