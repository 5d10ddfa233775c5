package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type runWorkflowConfig struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

type runWorkflowAction struct {
	config runWorkflowConfig
}

func newRunWorkflowAction(config map[string]any) (ActionWorker, error) {
	a := &runWorkflowAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	return a, nil
}

// Execute 只能触发同实体类型的启用中的工作流
// 调用链上已经出现过的工作流不能再触发, 链长度受 maxTriggerDepth 限制
func (a *runWorkflowAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	if e.trigger == nil {
		return actionFailed(errors.New("workflow trigger not configured"))
	}
	for _, workflowID := range actx.CallChain {
		if workflowID == a.config.WorkflowID {
			return actionFailed(errors.WithMessagef(ErrWorkflowCycle, "workflow %s already in chain %v", a.config.WorkflowID, actx.CallChain))
		}
	}
	if e.maxTriggerDepth > 0 && len(actx.CallChain) >= e.maxTriggerDepth {
		return actionFailed(errors.WithMessagef(ErrWorkflowCycle, "trigger depth %d reached, chain %v", e.maxTriggerDepth, actx.CallChain))
	}
	targets, err := e.repo.QueryWorkflow(ctx, &QueryWorkflowParams{
		WorkflowID: &a.config.WorkflowID,
		Page:       &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return actionFailed(errors.WithMessagef(err, "QueryWorkflow failed, workflowID: %s", a.config.WorkflowID))
	}
	if len(targets) == 0 {
		return actionFailed(errors.WithMessagef(ErrWorkflowNotFound, "workflowID: %s", a.config.WorkflowID))
	}
	target := targets[0]
	if target.Status != WorkflowStatusActive {
		return actionFailed(errors.Errorf("target workflow %s is not active", target.ID))
	}
	if target.EntityType != actx.EntityType {
		return actionFailed(errors.Errorf("target workflow %s is for entity type %s, current entity type is %s", target.ID, target.EntityType, actx.EntityType))
	}
	chain := append([]string{}, actx.CallChain...)
	results, err := e.trigger.TriggerWorkflows(ctx, &TriggerReq{
		OrgID:             actx.OrgID,
		EntityType:        actx.EntityType,
		EntityID:          actx.EntityID,
		TriggerEvent:      target.TriggerEvent,
		Record:            actx.Record.Clone().ToMap(),
		WorkflowID:        &target.ID,
		TriggeredBy:       actx.ActorID,
		ParentExecutionID: executionID(actx),
		ParentWorkflowID:  actx.WorkflowID,
		CallChain:         chain,
	})
	childIDs := make([]string, 0)
	for _, result := range results {
		if result.ExecutionID != "" {
			childIDs = append(childIDs, result.ExecutionID)
		}
	}
	if err != nil {
		result := actionFailed(errors.WithMessagef(err, "run workflow %s failed", target.ID))
		result.Data = map[string]any{"child_execution_ids": childIDs}
		return result
	}
	return actionSucceeded(fmt.Sprintf("workflow %s triggered, %d execution(s)", target.ID, len(childIDs)), map[string]any{
		"child_execution_ids": childIDs,
	})
}
