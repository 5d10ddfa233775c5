package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWorkflowDefinition(t *testing.T) {
	workflow := &WorkflowPo{ID: "wf-1", Name: "Job approval", WorkflowType: WorkflowTypeApproval, Version: 1,
		TriggerConditions: []byte(`{"logic":"AND","conditions":[{"field":"salary","operator":"gt","value":100000}]}`)}
	steps := []*WorkflowStepPo{
		step(2, ApproverTypeRoleBased, map[string]any{"role_name": "director"}),
		step(1, ApproverTypeOwnersManager, nil),
	}
	actions := []*WorkflowActionPo{
		action(TriggerPointOnApproval, 2, ActionTypeUpdateField, map[string]any{"field": "status", "value": "approved"}),
		action(TriggerPointOnApproval, 1, ActionTypeCreateActivity, map[string]any{"subject": "Approved"}),
		action(TriggerPointOnStart, 1, "teleport", nil),
		{ActionType: ActionTypeUpdateField, TriggerPoint: "whenever", IsActive: false},
	}
	def, err := BuildWorkflowDefinition(workflow, steps, actions)
	require.NoError(t, err)

	assert.True(t, def.IsApproval())
	assert.Equal(t, int64(2), def.StepCount())
	first, ok := def.GetStep(1)
	require.True(t, ok)
	assert.Equal(t, ApproverTypeOwnersManager, first.Step.ApproverType)
	assert.NoError(t, first.StrategyErr)
	_, ok = def.GetStep(3)
	assert.False(t, ok)
	require.Len(t, def.Conditions.Conditions, 1)

	onApproval := def.ActionsFor(TriggerPointOnApproval)
	require.Len(t, onApproval, 2)
	assert.Equal(t, ActionTypeCreateActivity, onApproval[0].Action.ActionType)
	assert.Equal(t, ActionTypeUpdateField, onApproval[1].Action.ActionType)

	onStart := def.ActionsFor(TriggerPointOnStart)
	require.Len(t, onStart, 1)
	assert.ErrorIs(t, onStart[0].ConfigErr, ErrActionKindNotFound)
	assert.Empty(t, def.ActionsFor(TriggerPointOnRejection))
}

func TestBuildWorkflowDefinition_Invalid(t *testing.T) {
	approval := func() *WorkflowPo {
		return &WorkflowPo{ID: "wf-1", WorkflowType: WorkflowTypeApproval}
	}
	cases := []struct {
		name     string
		workflow *WorkflowPo
		steps    []*WorkflowStepPo
		actions  []*WorkflowActionPo
	}{
		{"nil workflow", nil, nil, nil},
		{"approval without steps", approval(), nil, nil},
		{"step gap", approval(), []*WorkflowStepPo{step(1, ApproverTypeRecordOwner, nil), step(3, ApproverTypeRecordOwner, nil)}, nil},
		{"step starts at zero", approval(), []*WorkflowStepPo{step(0, ApproverTypeRecordOwner, nil)}, nil},
		{"unknown trigger point", &WorkflowPo{ID: "wf-2", WorkflowType: WorkflowTypeSimple}, nil,
			[]*WorkflowActionPo{action("on_whatever", 1, ActionTypeCreateActivity, map[string]any{"subject": "x"})}},
		{"broken conditions", &WorkflowPo{ID: "wf-3", WorkflowType: WorkflowTypeSimple, TriggerConditions: []byte(`{`)}, nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := BuildWorkflowDefinition(c.workflow, c.steps, c.actions)
			assert.ErrorIs(t, err, ErrWorkflowDefinitionInvalid)
		})
	}
}

func TestBuildWorkflowDefinition_ConfigErrorsStayOnTheirEntries(t *testing.T) {
	workflow := &WorkflowPo{ID: "wf-1", WorkflowType: WorkflowTypeApproval}
	steps := []*WorkflowStepPo{
		step(1, ApproverTypeSpecificUser, map[string]any{}),
		{StepOrder: 2, ApproverType: ApproverTypeRecordOwner, ApproverConfig: []byte(`not json`)},
		step(3, "coin_flip", nil),
	}
	actions := []*WorkflowActionPo{
		action(TriggerPointOnStart, 1, ActionTypeSendNotification, map[string]any{"recipient_type": "nobody", "subject": "x"}),
		{ActionType: ActionTypeCreateActivity, ActionConfig: []byte(`[`), TriggerPoint: TriggerPointOnStart, ActionOrder: 2, IsActive: true},
	}
	def, err := BuildWorkflowDefinition(workflow, steps, actions)
	require.NoError(t, err)
	assert.ErrorIs(t, def.Steps[0].StrategyErr, ErrApproverConfigInvalid)
	assert.ErrorIs(t, def.Steps[1].StrategyErr, ErrApproverConfigInvalid)
	assert.ErrorIs(t, def.Steps[2].StrategyErr, ErrApproverStrategyNotFound)
	assert.ErrorIs(t, def.Actions[TriggerPointOnStart][0].ConfigErr, ErrActionConfigInvalid)
	assert.ErrorIs(t, def.Actions[TriggerPointOnStart][1].ConfigErr, ErrActionConfigInvalid)
}

func TestStepDefinition_Timeout(t *testing.T) {
	fallback := 48 * time.Hour
	cases := []struct {
		value int64
		unit  string
		want  time.Duration
	}{
		{0, "", fallback},
		{30, "minutes", 30 * time.Minute},
		{4, "hours", 4 * time.Hour},
		{2, "days", 48 * time.Hour},
		{1, "day", 24 * time.Hour},
		{5, "fortnights", fallback},
		{-1, "hours", fallback},
	}
	for _, c := range cases {
		s := &StepDefinition{Step: &WorkflowStepPo{TimeoutValue: c.value, TimeoutUnit: c.unit}}
		assert.Equal(t, c.want, s.Timeout(fallback), "%d %s", c.value, c.unit)
	}
}

func TestDefinitionCache_VersionKey(t *testing.T) {
	db := newTestDB(t)
	repo := NewWorkflowRepo(db)
	ctx := context.Background()
	workflow := &WorkflowPo{OrgID: testOrgID, Name: "v1", EntityType: "job", TriggerEvent: "create",
		WorkflowType: WorkflowTypeSimple, Status: WorkflowStatusActive}
	require.NoError(t, repo.SaveWorkflowDefinition(ctx, workflow, nil,
		[]*WorkflowActionPo{action(TriggerPointOnStart, 1, ActionTypeCreateActivity, map[string]any{"subject": "first"})}))
	assert.Equal(t, int64(1), workflow.Version)

	cache := newDefinitionCache(repo, time.Minute)
	def, err := cache.LoadVersion(ctx, workflow.ID, 1)
	require.NoError(t, err)
	require.Len(t, def.ActionsFor(TriggerPointOnStart), 1)

	again, err := cache.LoadVersion(ctx, workflow.ID, 1)
	require.NoError(t, err)
	assert.Same(t, def, again)

	// 保存新版本后旧版本仍然可以按原样加载
	workflow.Name = "v2"
	require.NoError(t, repo.SaveWorkflowDefinition(ctx, workflow, nil, nil))
	assert.Equal(t, int64(2), workflow.Version)
	updated, err := cache.LoadVersion(ctx, workflow.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Workflow.Name)
	assert.Empty(t, updated.ActionsFor(TriggerPointOnStart))

	cache = newDefinitionCache(repo, time.Minute)
	old, err := cache.LoadVersion(ctx, workflow.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", old.Workflow.Name)
	assert.Equal(t, int64(1), old.Workflow.Version)
	require.Len(t, old.ActionsFor(TriggerPointOnStart), 1)

	current, err := repo.QueryWorkflowAction(ctx, &QueryWorkflowActionParams{WorkflowID: workflow.ID})
	require.NoError(t, err)
	assert.Empty(t, current)

	_, err = cache.LoadVersion(ctx, workflow.ID, 3)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = cache.LoadVersion(ctx, "wf-missing", 1)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}
