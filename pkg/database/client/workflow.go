/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	commonerrors "github.com/casarerpa/orchestrator/pkg/errors"
)

const (
	TWorkflow        = "tenant_workflows"
	TWorkflowVersion = "workflow_versions"
	TVersionPin      = "job_version_pins"
)

var (
	insertWorkflowFormat = `INSERT INTO ` + TWorkflow + ` (%s) VALUES (%s)`
	insertVersionFormat  = `INSERT INTO ` + TWorkflowVersion + ` (%s) VALUES (%s)`
	insertPinFormat      = `INSERT INTO ` + TVersionPin + ` (%s) VALUES (%s)` +
		` ON CONFLICT (tenant_id, job_key, workflow_id) DO UPDATE SET version_id = EXCLUDED.version_id, reason = EXCLUDED.reason`

	getWorkflowCmd = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TWorkflow)
	getVersionCmd  = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TWorkflowVersion)

	getActiveVersionCmd = fmt.Sprintf(
		`SELECT * FROM %s WHERE workflow_id = $1 AND status = 'active' LIMIT 1`, TWorkflowVersion)

	getPinCmd = fmt.Sprintf(
		`SELECT * FROM %s WHERE job_key = $1 AND workflow_id = $2 LIMIT 1`, TVersionPin)
)

// InsertWorkflow creates a workflow record.
func (c *Client) InsertWorkflow(ctx context.Context, tx *sqlx.Tx, w *Workflow) error {
	if w == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*w, insertWorkflowFormat, ""), w)
	if err != nil {
		klog.ErrorS(err, "failed to insert workflow", "name", w.Name)
	}
	return err
}

// GetWorkflow retrieves a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, tx *sqlx.Tx, workflowId string) (*Workflow, error) {
	if workflowId == "" {
		return nil, commonerrors.NewBadRequest("workflowId is empty")
	}
	var workflows []*Workflow
	if err := tx.SelectContext(ctx, &workflows, getWorkflowCmd, workflowId); err != nil {
		klog.ErrorS(err, "failed to select workflow", "id", workflowId)
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, commonerrors.NewNotFound("workflow", workflowId)
	}
	return workflows[0], nil
}

// SelectWorkflows retrieves workflow records matching the query.
func (c *Client) SelectWorkflows(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Workflow, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TWorkflow).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var workflows []*Workflow
	err = tx.SelectContext(ctx, &workflows, sql, args...)
	return workflows, err
}

// CountWorkflows returns the number of workflows matching the query.
func (c *Client) CountWorkflows(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer) (int, error) {
	sql, args, err := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).From(TWorkflow).Where(query).ToSql()
	if err != nil {
		return 0, err
	}
	var cnt int
	err = tx.GetContext(ctx, &cnt, sql, args...)
	return cnt, err
}

// SetWorkflowStatus updates the workflow lifecycle status.
func (c *Client) SetWorkflowStatus(ctx context.Context, tx *sqlx.Tx, workflowId, status string) error {
	cmd := fmt.Sprintf(`UPDATE %s SET status = $1, update_time = now() WHERE id = $2`, TWorkflow)
	res, err := tx.ExecContext(ctx, cmd, status, workflowId)
	if err != nil {
		klog.ErrorS(err, "failed to update workflow status", "id", workflowId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("workflow", workflowId)
	}
	return nil
}

// InsertWorkflowVersion creates an immutable version record.
func (c *Client) InsertWorkflowVersion(ctx context.Context, tx *sqlx.Tx, v *WorkflowVersion) error {
	if v == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*v, insertVersionFormat, ""), v)
	if err != nil {
		klog.ErrorS(err, "failed to insert workflow version",
			"workflow", v.WorkflowId, "version", v.SemanticVersion)
	}
	return err
}

// GetWorkflowVersion retrieves a version by id.
func (c *Client) GetWorkflowVersion(ctx context.Context, tx *sqlx.Tx, versionId string) (*WorkflowVersion, error) {
	if versionId == "" {
		return nil, commonerrors.NewBadRequest("versionId is empty")
	}
	var versions []*WorkflowVersion
	if err := tx.SelectContext(ctx, &versions, getVersionCmd, versionId); err != nil {
		klog.ErrorS(err, "failed to select workflow version", "id", versionId)
		return nil, err
	}
	if len(versions) == 0 {
		return nil, commonerrors.NewNotFound("version", versionId)
	}
	return versions[0], nil
}

// GetActiveVersion retrieves the single active version of a workflow, or a
// not-found error when none is active.
func (c *Client) GetActiveVersion(ctx context.Context, tx *sqlx.Tx, workflowId string) (*WorkflowVersion, error) {
	var versions []*WorkflowVersion
	if err := tx.SelectContext(ctx, &versions, getActiveVersionCmd, workflowId); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, commonerrors.NewNotFound("version", "active@" + workflowId)
	}
	return versions[0], nil
}

// SelectWorkflowVersions retrieves version records matching the query.
func (c *Client) SelectWorkflowVersions(ctx context.Context, tx *sqlx.Tx, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*WorkflowVersion, error) {
	sql, args, err := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).
		From(TWorkflowVersion).
		Where(query).
		OrderBy(orderBy...).
		Limit(uint64(limit)).
		Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, err
	}
	var versions []*WorkflowVersion
	err = tx.SelectContext(ctx, &versions, sql, args...)
	return versions, err
}

// SwapActiveVersion atomically demotes the current active version (if any)
// to deprecated and promotes the target. The promotion must move exactly one
// row; anything else rolls the transaction back via the returned error.
func (c *Client) SwapActiveVersion(ctx context.Context, tx *sqlx.Tx, workflowId, versionId string) error {
	demote := fmt.Sprintf(
		`UPDATE %s SET status = 'deprecated' WHERE workflow_id = $1 AND status = 'active' AND id <> $2`,
		TWorkflowVersion)
	if _, err := tx.ExecContext(ctx, demote, workflowId, versionId); err != nil {
		klog.ErrorS(err, "failed to demote active version", "workflow", workflowId)
		return err
	}
	promote := fmt.Sprintf(
		`UPDATE %s SET status = 'active' WHERE id = $1 AND workflow_id = $2 AND status IN ('draft', 'deprecated')`,
		TWorkflowVersion)
	res, err := tx.ExecContext(ctx, promote, versionId, workflowId)
	if err != nil {
		klog.ErrorS(err, "failed to promote version", "version", versionId)
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return commonerrors.NewInvalidVersion(
			fmt.Sprintf("version %s cannot be activated for workflow %s", versionId, workflowId))
	}
	return nil
}

// SetVersionStatus moves a version to deprecated or archived.
func (c *Client) SetVersionStatus(ctx context.Context, tx *sqlx.Tx, versionId, status string) error {
	cmd := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2`, TWorkflowVersion)
	res, err := tx.ExecContext(ctx, cmd, status, versionId)
	if err != nil {
		klog.ErrorS(err, "failed to update version status", "id", versionId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commonerrors.NewNotFound("version", versionId)
	}
	return nil
}

// UpsertVersionPin pins a job key to a specific version, replacing any
// previous pin for the same key and workflow.
func (c *Client) UpsertVersionPin(ctx context.Context, tx *sqlx.Tx, pin *JobVersionPin) error {
	if pin == nil {
		return commonerrors.NewBadRequest("the input is empty")
	}
	_, err := tx.NamedExecContext(ctx, generateCommand(*pin, insertPinFormat, "id"), pin)
	if err != nil {
		klog.ErrorS(err, "failed to upsert version pin", "jobKey", pin.JobKey)
	}
	return err
}

// GetVersionPin retrieves the pin for a job key, nil when unpinned.
func (c *Client) GetVersionPin(ctx context.Context, tx *sqlx.Tx, jobKey, workflowId string) (*JobVersionPin, error) {
	var pins []*JobVersionPin
	if err := tx.SelectContext(ctx, &pins, getPinCmd, jobKey, workflowId); err != nil {
		return nil, err
	}
	if len(pins) == 0 {
		return nil, nil
	}
	return pins[0], nil
}

// DeleteVersionPin removes a pin so the job key floats back to the active
// version.
func (c *Client) DeleteVersionPin(ctx context.Context, tx *sqlx.Tx, jobKey, workflowId string) error {
	cmd := fmt.Sprintf(`DELETE FROM %s WHERE job_key = $1 AND workflow_id = $2`, TVersionPin)
	_, err := tx.ExecContext(ctx, cmd, jobKey, workflowId)
	return err
}
