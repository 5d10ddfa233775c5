package tests

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/simple-automation/internal/commonregister"
	"github.com/blingmoon/simple-automation/workflow"
)

func TestScenario_SimpleWorkflowCompletes(t *testing.T) {
	h := newHarness(t, nil)
	w := h.saveWorkflow(t, &workflow.WorkflowPo{
		Name:              "High priority intake",
		WorkflowType:      workflow.WorkflowTypeSimple,
		TriggerConditions: conditions(workflow.ConditionLogicAnd, &workflow.Condition{Field: "priority", Operator: "eq", Value: "high"}),
	}, nil, []*workflow.WorkflowActionPo{
		action(workflow.TriggerPointOnStart, 1, workflow.ActionTypeCreateActivity, map[string]any{"subject": "Intake {{title}}"}),
		action(workflow.TriggerPointOnCompletion, 1, workflow.ActionTypeUpdateField, map[string]any{"field": "status", "value": "triaged"}),
	})
	record := h.insertJob(t, "job-1", map[string]any{"priority": "high"})

	result := h.trigger(t, w.ID, "job-1", record)
	assert.True(t, result.Matched)
	assert.Equal(t, workflow.ExecutionStatusCompleted, result.Status)
	require.Len(t, h.executions(t, w.ID, "job-1"), 1)

	detail := h.detail(t, result.ExecutionID)
	assert.Equal(t, 2, countEvents(detail, workflow.LogEventActionExecuted))
	assert.Zero(t, countEvents(detail, workflow.LogEventActionFailed))
	assert.Equal(t, "triaged", h.jobStatus(t, "job-1"))
}

func TestScenario_WrongApproverLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.insertJob(t, "job-1", nil)
	result := h.trigger(t, commonregister.JobApprovalWorkflowID, "job-1", nil)
	approval := h.pendingFor(t, "u-manager")[0].Approval

	_, err := h.service().ProcessApprovalResponse(h.ctx, &workflow.ApprovalResponseReq{
		ApprovalID:  approval.ID,
		Response:    workflow.ApprovalResponseApproved,
		ResponderID: "u-director",
	})
	assert.ErrorIs(t, err, workflow.ErrNotAuthorizedApprover)

	detail := h.detail(t, result.ExecutionID)
	assert.Equal(t, workflow.ExecutionStatusInProgress, detail.Execution.Status)
	require.NotNil(t, detail.Execution.CurrentStep)
	assert.Equal(t, int64(1), *detail.Execution.CurrentStep)
	require.Len(t, detail.Approvals, 1)
	assert.Equal(t, workflow.ApprovalStatusPending, detail.Approvals[0].Status)
}

func TestScenario_ApprovedStepRequestsTheNext(t *testing.T) {
	h := newHarness(t, nil)
	h.insertJob(t, "job-1", nil)
	result := h.trigger(t, commonregister.JobApprovalWorkflowID, "job-1", nil)

	execution := h.respond(t, h.pendingFor(t, "u-manager")[0].Approval.ID, "u-manager", workflow.ApprovalResponseApproved)
	assert.Equal(t, workflow.ExecutionStatusInProgress, execution.Status)

	detail := h.detail(t, result.ExecutionID)
	require.NotNil(t, detail.Execution.CurrentStep)
	assert.Equal(t, int64(2), *detail.Execution.CurrentStep)
	require.Len(t, detail.Approvals, 2)
	assert.Equal(t, "u-director", detail.Approvals[1].ApproverID)
	assert.Equal(t, 2, countEvents(detail, workflow.LogEventApprovalRequested))

	pending := h.pendingFor(t, "u-director")
	require.Len(t, pending, 1)
	assert.Equal(t, "Director sign-off", pending[0].StepName)
	assert.Equal(t, "Job approval", pending[0].WorkflowName)
	assert.Contains(t, h.notificationTitles(t, "u-director"), "Approval required: Job approval")
}

func TestScenario_RejectedAtSecondStep(t *testing.T) {
	h := newHarness(t, nil)
	h.insertJob(t, "job-1", map[string]any{"title": "Principal Engineer"})
	result := h.trigger(t, commonregister.JobApprovalWorkflowID, "job-1", nil)

	h.respond(t, h.pendingFor(t, "u-manager")[0].Approval.ID, "u-manager", workflow.ApprovalResponseApproved)
	h.respond(t, h.pendingFor(t, "u-director")[0].Approval.ID, "u-director", workflow.ApprovalResponseRejected)

	detail := h.detail(t, result.ExecutionID)
	assert.Equal(t, workflow.ExecutionStatusRejected, detail.Execution.Status)
	assert.Equal(t, "rejected", h.jobStatus(t, "job-1"))

	titles := h.notificationTitles(t, "u-owner")
	assert.Contains(t, titles, "Principal Engineer was not approved")
	assert.NotContains(t, titles, "Principal Engineer is approved and open")
}

func TestScenario_ApprovedChainRunsCompletionActions(t *testing.T) {
	h := newHarness(t, nil)
	h.insertJob(t, "job-1", map[string]any{"title": "Principal Engineer"})
	result := h.trigger(t, commonregister.JobApprovalWorkflowID, "job-1", nil)
	assert.Equal(t, "pending_approval", h.jobStatus(t, "job-1"))

	h.respond(t, h.pendingFor(t, "u-manager")[0].Approval.ID, "u-manager", workflow.ApprovalResponseApproved)
	h.respond(t, h.pendingFor(t, "u-director")[0].Approval.ID, "u-director", workflow.ApprovalResponseApproved)

	detail := h.detail(t, result.ExecutionID)
	assert.Equal(t, workflow.ExecutionStatusApproved, detail.Execution.Status)
	assert.Equal(t, "open", h.jobStatus(t, "job-1"))
	// 每一步通过都会记一条 on_each_step 活动
	var activities int64
	require.NoError(t, h.app.DB.Model(&workflow.ActivityPo{}).
		Where("workflow_execution_id = ? AND activity_type = ?", result.ExecutionID, "approval").
		Count(&activities).Error)
	assert.Equal(t, int64(2), activities)
	assert.Contains(t, h.notificationTitles(t, "u-owner"), "Principal Engineer is approved and open")
}

func TestScenario_UnreachableWebhookDoesNotStopTheExecution(t *testing.T) {
	h := newHarness(t, &commonregister.RegisterOptions{JobFilledWebhookURL: "http://127.0.0.1:1/hooks/jobs"})
	record := h.insertJob(t, "job-1", map[string]any{"status": "filled"})

	results, err := h.service().TriggerWorkflows(h.ctx, &workflow.TriggerReq{
		OrgID:          orgID,
		EntityType:     "job",
		EntityID:       "job-1",
		TriggerEvent:   "update",
		Record:         record,
		PreviousRecord: map[string]any{"id": "job-1", "status": "open"},
		TriggeredBy:    "u-owner",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, commonregister.JobFilledWorkflowID, results[0].WorkflowID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, results[0].Status)

	detail := h.detail(t, results[0].ExecutionID)
	webhook := actionResult(t, detail, workflow.ActionTypeTriggerWebhook)
	assert.False(t, webhook.Success)
	assert.NotEmpty(t, webhook.Error)
	assert.True(t, actionResult(t, detail, workflow.ActionTypeCreateActivity).Success)
}

func TestScenario_WebhookDelivered(t *testing.T) {
	var mu sync.Mutex
	bodies := make([]map[string]any, 0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make(map[string]any)
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	h := newHarness(t, &commonregister.RegisterOptions{JobFilledWebhookURL: server.URL + "/hooks/jobs"})
	h.insertJob(t, "job-1", map[string]any{"title": "Data Engineer", "status": "filled"})
	results, err := h.service().TriggerWorkflows(h.ctx, &workflow.TriggerReq{
		OrgID:          orgID,
		EntityType:     "job",
		EntityID:       "job-1",
		TriggerEvent:   "update",
		PreviousRecord: map[string]any{"id": "job-1", "status": "open"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	webhook := actionResult(t, h.detail(t, results[0].ExecutionID), workflow.ActionTypeTriggerWebhook)
	assert.True(t, webhook.Success)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "Data Engineer", bodies[0]["job_title"])
	assert.Equal(t, "job-1", bodies[0]["entity_id"])
	assert.Equal(t, commonregister.JobFilledWorkflowID, bodies[0]["workflow_id"])
}

func TestScenario_CustomFormulaReturningNonStringFails(t *testing.T) {
	h := newHarness(t, nil)
	w := h.saveWorkflow(t, &workflow.WorkflowPo{Name: "Formula approval", WorkflowType: workflow.WorkflowTypeApproval},
		[]*workflow.WorkflowStepPo{step(1, workflow.ApproverTypeCustomFormula, map[string]any{"formula": "record.salary"})}, nil)
	record := h.insertJob(t, "job-1", nil)

	results, err := h.service().TriggerWorkflows(h.ctx, &workflow.TriggerReq{
		OrgID:        orgID,
		EntityType:   "job",
		EntityID:     "job-1",
		TriggerEvent: "create",
		Record:       record,
		WorkflowID:   &w.ID,
	})
	assert.ErrorIs(t, err, workflow.ErrApproverNotResolved)
	require.Len(t, results, 1)
	assert.Equal(t, workflow.ExecutionStatusFailed, results[0].Status)

	detail := h.detail(t, results[0].ExecutionID)
	assert.Equal(t, workflow.ExecutionStatusFailed, detail.Execution.Status)
	assert.Contains(t, detail.Execution.ErrorMessage, "approver could not be resolved")
	assert.Contains(t, detail.Execution.ErrorMessage, workflow.ApproverTypeCustomFormula)
	assert.Empty(t, detail.Approvals)
}

func TestScenario_CandidateInterviewFollowUp(t *testing.T) {
	h := newHarness(t, nil)
	previous := map[string]any{"id": "cand-1", "full_name": "Casey Candidate", "status": "screening", "owner_id": "u-rec1"}
	current := map[string]any{"id": "cand-1", "full_name": "Casey Candidate", "status": "interview", "owner_id": "u-rec1"}

	fire := func(record map[string]any, previous map[string]any) []*workflow.TriggerResult {
		results, err := h.service().TriggerWorkflows(h.ctx, &workflow.TriggerReq{
			OrgID:          orgID,
			EntityType:     "candidate",
			EntityID:       "cand-1",
			TriggerEvent:   "update",
			Record:         record,
			PreviousRecord: previous,
			TriggeredBy:    "u-rec1",
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		return results
	}

	// 没有变化不触发
	assert.False(t, fire(current, current)[0].Matched)
	results := fire(current, previous)
	assert.Equal(t, workflow.ExecutionStatusCompleted, results[0].Status)

	tasks := make([]*workflow.ActivityPo, 0)
	require.NoError(t, h.app.DB.Where("workflow_execution_id = ?", results[0].ExecutionID).Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Prepare interview for Casey Candidate", tasks[0].Subject)
	assert.Equal(t, "u-rec1", tasks[0].AssignedTo)
	require.NotNil(t, tasks[0].DueAt)
	assert.Equal(t, []string{"Casey Candidate moved to interview"}, h.notificationTitles(t, "u-rec1"))
}
