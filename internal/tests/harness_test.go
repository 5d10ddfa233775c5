package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blingmoon/simple-automation/internal/bootstrap"
	"github.com/blingmoon/simple-automation/internal/commonregister"
	"github.com/blingmoon/simple-automation/internal/config"
	"github.com/blingmoon/simple-automation/workflow"
)

const orgID = "org-demo"

type harness struct {
	app  *bootstrap.App
	repo workflow.WorkflowRepo
	ctx  context.Context
}

func newHarness(t *testing.T, opts *commonregister.RegisterOptions) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workflowctl.yaml")
	content := fmt.Sprintf("db:\n  path: %s\nlog:\n  level: error\n", filepath.Join(dir, "automation.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := config.Load(nil, path)
	require.NoError(t, err)

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	require.NoError(t, bootstrap.Migrate(app.DB))
	require.NoError(t, commonregister.EnsureEntityTables(app.DB))
	require.NoError(t, commonregister.SeedDirectory(ctx, app.DB, orgID))
	if opts == nil {
		opts = &commonregister.RegisterOptions{}
	}
	opts.OrgID = orgID
	_, err = commonregister.RegisterRecruitingWorkflows(ctx, app.Repo, opts)
	require.NoError(t, err)
	return &harness{app: app, repo: app.Repo, ctx: ctx}
}

func (h *harness) service() workflow.WorkflowService {
	return h.app.Service
}

func (h *harness) insertJob(t *testing.T, id string, fields map[string]any) map[string]any {
	t.Helper()
	record := map[string]any{
		"id":         id,
		"org_id":     orgID,
		"title":      "Senior Go Engineer",
		"status":     "draft",
		"priority":   "high",
		"owner_id":   "u-owner",
		"created_by": "u-owner",
		"salary":     150000.0,
	}
	for k, v := range fields {
		record[k] = v
	}
	require.NoError(t, h.app.DB.Table("jobs").Create(record).Error)
	return record
}

func (h *harness) jobStatus(t *testing.T, id string) string {
	t.Helper()
	statuses := make([]string, 0)
	require.NoError(t, h.app.DB.Table("jobs").Where("id = ?", id).Pluck("status", &statuses).Error)
	require.Len(t, statuses, 1)
	return statuses[0]
}

// saveWorkflow 补齐 org, 状态这些每个用例都一样的字段
func (h *harness) saveWorkflow(t *testing.T, w *workflow.WorkflowPo, steps []*workflow.WorkflowStepPo, actions []*workflow.WorkflowActionPo) *workflow.WorkflowPo {
	t.Helper()
	w.OrgID = orgID
	w.Status = workflow.WorkflowStatusActive
	if w.EntityType == "" {
		w.EntityType = "job"
	}
	if w.TriggerEvent == "" {
		w.TriggerEvent = "create"
	}
	require.NoError(t, h.repo.SaveWorkflowDefinition(h.ctx, w, steps, actions))
	return w
}

func (h *harness) trigger(t *testing.T, workflowID string, entityID string, record map[string]any) *workflow.TriggerResult {
	t.Helper()
	results, err := h.service().TriggerWorkflows(h.ctx, &workflow.TriggerReq{
		OrgID:        orgID,
		EntityType:   "job",
		EntityID:     entityID,
		TriggerEvent: "create",
		Record:       record,
		TriggeredBy:  "u-owner",
		WorkflowID:   &workflowID,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

func (h *harness) detail(t *testing.T, executionID string) *workflow.ExecutionDetailEntity {
	t.Helper()
	detail, err := h.service().QueryExecutionDetail(h.ctx, executionID)
	require.NoError(t, err)
	return detail
}

func (h *harness) executions(t *testing.T, workflowID string, entityID string) []*workflow.WorkflowExecutionPo {
	t.Helper()
	executions, err := h.repo.QueryWorkflowExecution(h.ctx, &workflow.QueryWorkflowExecutionParams{
		WorkflowID: &workflowID,
		EntityID:   &entityID,
		Page:       &workflow.Pager{IsNoLimit: workflow.Bool(true)},
	})
	require.NoError(t, err)
	return executions
}

func (h *harness) pendingFor(t *testing.T, userID string) []*workflow.PendingApprovalEntity {
	t.Helper()
	pending, err := h.service().GetPendingApprovals(h.ctx, &workflow.PendingApprovalsParams{OrgID: orgID, UserID: userID})
	require.NoError(t, err)
	return pending
}

func (h *harness) respond(t *testing.T, approvalID string, userID string, response workflow.ApprovalResponse) *workflow.WorkflowExecutionPo {
	t.Helper()
	execution, err := h.service().ProcessApprovalResponse(h.ctx, &workflow.ApprovalResponseReq{
		ApprovalID:  approvalID,
		Response:    response,
		ResponderID: userID,
	})
	require.NoError(t, err)
	return execution
}

func (h *harness) notificationTitles(t *testing.T, userID string) []string {
	t.Helper()
	titles := make([]string, 0)
	require.NoError(t, h.app.DB.Model(&workflow.NotificationPo{}).Where("user_id = ?", userID).Order("created_at, id").Pluck("title", &titles).Error)
	return titles
}

func eventTypes(detail *workflow.ExecutionDetailEntity) []string {
	ret := make([]string, 0, len(detail.Logs))
	for _, log := range detail.Logs {
		ret = append(ret, log.EventType)
	}
	return ret
}

func countEvents(detail *workflow.ExecutionDetailEntity, eventType string) int {
	n := 0
	for _, log := range detail.Logs {
		if log.EventType == eventType {
			n++
		}
	}
	return n
}

// actionResult 取某个动作日志里记录的执行结果
func actionResult(t *testing.T, detail *workflow.ExecutionDetailEntity, actionType string) *workflow.ActionResult {
	t.Helper()
	for _, log := range detail.Logs {
		if log.EventType != workflow.LogEventActionExecuted && log.EventType != workflow.LogEventActionFailed {
			continue
		}
		details := struct {
			ActionType string                 `json:"action_type"`
			Result     *workflow.ActionResult `json:"result"`
		}{}
		require.NoError(t, json.Unmarshal(log.Details, &details))
		if details.ActionType == actionType {
			return details.Result
		}
	}
	t.Fatalf("no log for action %s", actionType)
	return nil
}

func step(order int64, approverType string, config map[string]any) *workflow.WorkflowStepPo {
	raw, _ := json.Marshal(config)
	return &workflow.WorkflowStepPo{
		StepOrder:      order,
		StepName:       fmt.Sprintf("step %d", order),
		ApproverType:   approverType,
		ApproverConfig: raw,
	}
}

func action(point workflow.TriggerPoint, order int64, actionType string, config map[string]any) *workflow.WorkflowActionPo {
	raw, _ := json.Marshal(config)
	return &workflow.WorkflowActionPo{
		ActionType:   actionType,
		ActionConfig: raw,
		TriggerPoint: point,
		ActionOrder:  order,
		IsActive:     true,
	}
}

func conditions(logic string, list ...*workflow.Condition) []byte {
	raw, _ := json.Marshal(&workflow.ConditionTree{Logic: logic, Conditions: list})
	return raw
}
