package workflow

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// 辅助函数：替代 String 和 Bool
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

const systemActor = "system"

func noLimitPager() *Pager {
	return &Pager{IsNoLimit: Bool(true)}
}

// executionLockKey 同一个执行的状态推进互斥
func executionLockKey(executionID string) string {
	return fmt.Sprintf("workflow_execution_%s", executionID)
}

func (s *WorkflowServiceImpl) TriggerWorkflows(ctx context.Context, req *TriggerReq) ([]*TriggerResult, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "TriggerWorkflows failed, err: %v", err)
	}
	workflows, err := s.repo.QueryWorkflow(ctx, &QueryWorkflowParams{
		WorkflowID:   req.WorkflowID,
		OrgID:        &req.OrgID,
		EntityType:   &req.EntityType,
		TriggerEvent: &req.TriggerEvent,
		Status:       String(WorkflowStatusActive),
		Page:         noLimitPager(),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflow failed, orgID: %s, entityType: %s, triggerEvent: %s", req.OrgID, req.EntityType, req.TriggerEvent)
	}
	if len(workflows) == 0 {
		return make([]*TriggerResult, 0), nil
	}
	record := req.Record
	if len(record) == 0 {
		// 调用方没有带记录, 从实体表读取
		record, err = s.entities.GetEntityRecord(ctx, req.EntityType, req.EntityID)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetEntityRecord failed, entityType: %s, entityID: %s", req.EntityType, req.EntityID)
		}
	}

	results := make([]*TriggerResult, 0, len(workflows))
	errs := make([]error, 0)
	for _, workflow := range workflows {
		result := &TriggerResult{
			WorkflowID:   workflow.ID,
			WorkflowName: workflow.Name,
		}
		if err := s.triggerWorkflow(ctx, req, record, workflow, result); err != nil {
			result.Error = err.Error()
			if IsSeriousError(err) {
				slog.ErrorContext(ctx, fmt.Sprintf("trigger workflow failed, workflowID: %s, entityType: %s, entityID: %s, err: %v", workflow.ID, req.EntityType, req.EntityID, err))
			} else {
				slog.WarnContext(ctx, fmt.Sprintf("trigger workflow failed, workflowID: %s, entityType: %s, entityID: %s, err: %v", workflow.ID, req.EntityType, req.EntityID, err))
			}
			errs = append(errs, errors.WithMessagef(err, "workflowID: %s", workflow.ID))
		}
		results = append(results, result)
	}
	return results, goerrors.Join(errs...)
}

// triggerWorkflow 单个工作流: 条件判断, 创建执行, 跑 on_start 以及后续流程
// 执行创建之后的任何错误都会把执行标记为 failed
func (s *WorkflowServiceImpl) triggerWorkflow(ctx context.Context, req *TriggerReq, triggerRecord map[string]any, workflow *WorkflowPo, result *TriggerResult) error {
	def, err := s.definitions.Load(ctx, workflow)
	if err != nil {
		return errors.WithMessage(err, "load workflow definition failed")
	}
	record := NewJSONContextFromMap(triggerRecord).Clone()
	ectx := &EvaluationContext{Record: record}
	if req.PreviousRecord != nil {
		ectx.PreviousRecord = NewJSONContextFromMap(req.PreviousRecord).Clone()
	}
	evaluation := EvaluateConditions(def.Conditions, ectx)
	conditionEvaluations.WithLabelValues(resultLabel(evaluation.Passed)).Inc()
	result.Evaluation = evaluation
	result.Matched = evaluation.Passed
	if !evaluation.Passed {
		return nil
	}

	chain := append(append([]string{}, req.CallChain...), workflow.ID)
	execution, err := s.createExecution(ctx, req, def, record, chain)
	if err != nil {
		return err
	}
	result.ExecutionID = execution.ID
	actx := &ActionContext{
		OrgID:      execution.OrgID,
		EntityType: execution.EntityType,
		EntityID:   execution.EntityID,
		Record:     record,
		Execution:  execution,
		WorkflowID: workflow.ID,
		ActorID:    req.TriggeredBy,
		CallChain:  chain,
	}
	err = s.executeLock.NonBlockingSynchronized(ctx,
		executionLockKey(execution.ID),
		s.config.LockTTL,
		func(ctx context.Context) error {
			return s.startExecution(ctx, def, execution, actx)
		})
	if err != nil {
		s.failExecution(ctx, execution, err, req.TriggeredBy)
		result.Status = execution.Status
		return err
	}
	result.Status = execution.Status
	return nil
}

func (s *WorkflowServiceImpl) createExecution(ctx context.Context, req *TriggerReq, def *WorkflowDefinition, record *JSONContext, chain []string) (*WorkflowExecutionPo, error) {
	metadata := map[string]any{
		"record":              record.ToMap(),
		"trigger_event":       req.TriggerEvent,
		"triggered_by":        req.TriggeredBy,
		"parent_execution_id": req.ParentExecutionID,
		"parent_workflow_id":  req.ParentWorkflowID,
		"call_chain":          chain,
	}
	if req.PreviousRecord != nil {
		metadata["previous_record"] = req.PreviousRecord
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal execution metadata failed")
	}
	execution := &WorkflowExecutionPo{
		ID:                newID(),
		OrgID:             req.OrgID,
		WorkflowID:        def.Workflow.ID,
		WorkflowVersion:   def.Workflow.Version,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		Status:            ExecutionStatusPending,
		StartedAt:         s.now().Unix(),
		Metadata:          metadataBytes,
		ParentExecutionID: req.ParentExecutionID,
		TriggeredBy:       req.TriggeredBy,
	}
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.repo.CreateWorkflowExecution(ctx, execution); err != nil {
			return errors.WithMessagef(err, "CreateWorkflowExecution failed, workflowID: %s", def.Workflow.ID)
		}
		return s.appendLog(ctx, execution, &executionLogEntry{
			EventType: LogEventExecutionStarted,
			Message:   fmt.Sprintf("workflow %s started by %s", def.Workflow.Name, req.TriggerEvent),
			Details: map[string]any{
				"workflow_version":    def.Workflow.Version,
				"trigger_event":       req.TriggerEvent,
				"parent_execution_id": req.ParentExecutionID,
				"call_chain":          chain,
			},
			ActorID: req.TriggeredBy,
		})
	})
	if err != nil {
		return nil, err
	}
	executionsStarted.WithLabelValues(execution.EntityType, def.Workflow.WorkflowType).Inc()
	return execution, nil
}

// startExecution simple 工作流直接完成, approval 工作流停在第一步等待审批
func (s *WorkflowServiceImpl) startExecution(ctx context.Context, def *WorkflowDefinition, execution *WorkflowExecutionPo, actx *ActionContext) error {
	s.runActions(ctx, def, TriggerPointOnStart, execution, actx, nil)
	if !def.IsApproval() {
		s.runActions(ctx, def, TriggerPointOnCompletion, execution, actx, nil)
		return s.finishExecution(ctx, execution, &executionTransition{
			Status:    ExecutionStatusCompleted,
			EventType: LogEventExecutionCompleted,
			Message:   "workflow completed",
			ActorID:   actx.ActorID,
		})
	}
	step, ok := def.GetStep(1)
	if !ok {
		return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflowID: %s has no step 1", def.Workflow.ID)
	}
	return s.requestApproval(ctx, def, execution, step, actx)
}

/**
 * @description: 为一个步骤创建审批
 *				 审批人无法解析时返回 ErrApproverNotResolved, 由调用方把执行标记为 failed
 *				 审批创建, 执行状态推进, 日志在同一个事务内
 * @param ctx context.Context
 * @param def *WorkflowDefinition
 * @param execution *WorkflowExecutionPo
 * @param step *StepDefinition
 * @param actx *ActionContext
 * @return error
 */
func (s *WorkflowServiceImpl) requestApproval(ctx context.Context, def *WorkflowDefinition, execution *WorkflowExecutionPo, step *StepDefinition, actx *ActionContext) error {
	stepOrder := step.Step.StepOrder
	if step.StrategyErr != nil {
		return errors.WithMessagef(step.StrategyErr, "step %d (%s)", stepOrder, step.Step.StepName)
	}
	approver, err := s.resolver.Resolve(ctx, step.Step.ApproverType, step.Strategy, &ApproverContext{
		OrgID:      actx.OrgID,
		EntityType: actx.EntityType,
		EntityID:   actx.EntityID,
		Record:     actx.Record,
	})
	if err != nil {
		return errors.WithMessagef(err, "step %d (%s)", stepOrder, step.Step.StepName)
	}
	if approver == nil {
		return errors.WithMessagef(ErrApproverNotResolved, "step %d (%s), approverType: %s", stepOrder, step.Step.StepName, step.Step.ApproverType)
	}
	now := s.now()
	approval := &WorkflowApprovalPo{
		ID:               newID(),
		OrgID:            execution.OrgID,
		ExecutionID:      execution.ID,
		StepID:           step.Step.ID,
		StepOrder:        stepOrder,
		ApproverID:       approver.UserID,
		ApproverStrategy: step.Step.ApproverType,
		Status:           ApprovalStatusPending,
		RequestedAt:      now.Unix(),
		DueAt:            now.Add(step.Timeout(s.config.DefaultStepTimeout)).Unix(),
	}
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		rowsAffected, err := s.repo.UpdateWorkflowExecution(ctx, &UpdateWorkflowExecutionParams{
			Where: &UpdateWorkflowExecutionWhere{
				IDIn:     []string{execution.ID},
				StatusIn: liveExecutionStatuses,
			},
			Fields: &UpdateWorkflowExecutionField{
				Status:      String(ExecutionStatusInProgress),
				CurrentStep: &stepOrder,
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowExecution failed, executionID: %s", execution.ID)
		}
		if rowsAffected == 0 {
			return errors.WithMessagef(ErrExecutionTerminal, "executionID: %s", execution.ID)
		}
		if _, err := s.repo.CreateWorkflowApproval(ctx, approval); err != nil {
			return errors.WithMessagef(err, "CreateWorkflowApproval failed, executionID: %s", execution.ID)
		}
		return s.appendLog(ctx, execution, &executionLogEntry{
			EventType: LogEventApprovalRequested,
			StepOrder: &stepOrder,
			Message:   fmt.Sprintf("approval for step %d requested from %s", stepOrder, approver.UserID),
			Details: map[string]any{
				"approval_id":       approval.ID,
				"approver_id":       approver.UserID,
				"approver_strategy": step.Step.ApproverType,
				"resolution":        approver.Metadata,
				"due_at":            approval.DueAt,
			},
			ActorID: actx.ActorID,
		})
	})
	if err != nil {
		return err
	}
	execution.Status = ExecutionStatusInProgress
	execution.CurrentStep = Int64(stepOrder)
	s.notifyApprover(ctx, def, execution, step, approver, approval)
	return nil
}

// notifyApprover 通知失败只记日志
func (s *WorkflowServiceImpl) notifyApprover(ctx context.Context, def *WorkflowDefinition, execution *WorkflowExecutionPo, step *StepDefinition, approver *ResolvedApprover, approval *WorkflowApprovalPo) {
	err := s.notifier.Dispatch(ctx, &Notification{
		OrgID:       execution.OrgID,
		UserID:      approver.UserID,
		Email:       approver.Email,
		Type:        "approval_request",
		Title:       fmt.Sprintf("Approval required: %s", def.Workflow.Name),
		Message:     fmt.Sprintf("Step %d (%s) on %s %s is waiting for your approval", step.Step.StepOrder, step.Step.StepName, execution.EntityType, execution.EntityID),
		EntityType:  execution.EntityType,
		EntityID:    execution.EntityID,
		Priority:    "high",
		ActionURL:   fmt.Sprintf("/approvals/%s", approval.ID),
		ActionLabel: "Review",
		Channels:    []string{"in_app", "email"},
	})
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("notify approver failed, executionID: %s, approverID: %s, err: %v", execution.ID, approver.UserID, err))
	}
}

// runActions 动作失败不影响执行状态, 结果写入执行日志
func (s *WorkflowServiceImpl) runActions(ctx context.Context, def *WorkflowDefinition, point TriggerPoint, execution *WorkflowExecutionPo, actx *ActionContext, stepOrder *int64) {
	for _, action := range def.ActionsFor(point) {
		result := s.executor.Execute(ctx, action, actx)
		entry := &executionLogEntry{
			EventType: LogEventActionExecuted,
			StepOrder: stepOrder,
			ActionID:  action.Action.ID,
			Message:   result.Message,
			Details: map[string]any{
				"action_type":   action.Action.ActionType,
				"trigger_point": point,
				"result":        result,
			},
			ActorID: actx.ActorID,
		}
		if !result.Success {
			entry.EventType = LogEventActionFailed
			entry.Message = result.Error
			slog.WarnContext(ctx, fmt.Sprintf("action failed, executionID: %s, actionID: %s, actionType: %s, err: %s", execution.ID, action.Action.ID, action.Action.ActionType, result.Error))
		}
		if err := s.appendLog(ctx, execution, entry); err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("append action log failed, executionID: %s, actionID: %s, err: %v", execution.ID, action.Action.ID, err))
		}
	}
}

type executionTransition struct {
	Status       ExecutionStatus
	EventType    LogEventType
	StepOrder    *int64
	Message      string
	Notes        string
	ErrorMessage string
	ActorID      string
	Details      map[string]any
}

/**
 * @description: 执行进入终止状态, 只从 pending/in_progress 转移, 已经终止返回 ErrExecutionTerminal
 *				 还在 pending 的审批一起变成 expired
 * @param ctx context.Context
 * @param execution *WorkflowExecutionPo 成功后同步修改
 * @param t *executionTransition
 * @return error
 */
func (s *WorkflowServiceImpl) finishExecution(ctx context.Context, execution *WorkflowExecutionPo, t *executionTransition) error {
	now := s.now().Unix()
	completedBy := t.ActorID
	if completedBy == "" {
		completedBy = systemActor
	}
	fields := &UpdateWorkflowExecutionField{
		Status:          String(t.Status),
		CompletedAt:     &now,
		CompletionNotes: &t.Notes,
		CompletedBy:     &completedBy,
	}
	if t.ErrorMessage != "" {
		fields.ErrorMessage = &t.ErrorMessage
	}
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		rowsAffected, err := s.repo.UpdateWorkflowExecution(ctx, &UpdateWorkflowExecutionParams{
			Where: &UpdateWorkflowExecutionWhere{
				IDIn:     []string{execution.ID},
				StatusIn: liveExecutionStatuses,
			},
			Fields:   fields,
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowExecution failed, executionID: %s", execution.ID)
		}
		if rowsAffected == 0 {
			return errors.WithMessagef(ErrExecutionTerminal, "executionID: %s", execution.ID)
		}
		expired, err := s.repo.UpdateWorkflowApproval(ctx, &UpdateWorkflowApprovalParams{
			Where: &UpdateWorkflowApprovalWhere{
				ExecutionIDIn: []string{execution.ID},
				StatusIn:      []string{ApprovalStatusPending},
			},
			Fields: &UpdateWorkflowApprovalField{
				Status:        String(ApprovalStatusExpired),
				RespondedAt:   &now,
				ResponseNotes: String(fmt.Sprintf("execution %s", t.Status)),
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowApproval failed, executionID: %s", execution.ID)
		}
		details := t.Details
		if details == nil {
			details = make(map[string]any)
		}
		if expired > 0 {
			details["expired_approvals"] = expired
		}
		if t.ErrorMessage != "" {
			details["error"] = t.ErrorMessage
		}
		return s.appendLog(ctx, execution, &executionLogEntry{
			EventType: t.EventType,
			StepOrder: t.StepOrder,
			Message:   t.Message,
			Details:   details,
			ActorID:   t.ActorID,
		})
	})
	if err != nil {
		return err
	}
	execution.Status = t.Status
	execution.CompletedAt = &now
	execution.CompletionNotes = t.Notes
	execution.CompletedBy = completedBy
	if t.ErrorMessage != "" {
		execution.ErrorMessage = t.ErrorMessage
	}
	executionsFinished.WithLabelValues(t.Status).Inc()
	return nil
}

// failExecution 执行过程出错, 已经终止的执行不再修改
func (s *WorkflowServiceImpl) failExecution(ctx context.Context, execution *WorkflowExecutionPo, cause error, actorID string) {
	err := s.finishExecution(ctx, execution, &executionTransition{
		Status:       ExecutionStatusFailed,
		EventType:    LogEventExecutionFailed,
		StepOrder:    execution.CurrentStep,
		Message:      "execution failed",
		ErrorMessage: cause.Error(),
		ActorID:      actorID,
	})
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("mark execution failed failed, executionID: %s, cause: %v, err: %v", execution.ID, cause, err))
	}
}

type executionLogEntry struct {
	EventType LogEventType
	StepOrder *int64
	ActionID  string
	Message   string
	Details   map[string]any
	ActorID   string
}

func (s *WorkflowServiceImpl) appendLog(ctx context.Context, execution *WorkflowExecutionPo, entry *executionLogEntry) error {
	var details []byte
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return errors.WithMessagef(err, "marshal log details failed, eventType: %s", entry.EventType)
		}
		details = b
	}
	_, err := s.repo.CreateExecutionLog(ctx, &WorkflowExecutionLogPo{
		ExecutionID: execution.ID,
		EventType:   entry.EventType,
		StepOrder:   entry.StepOrder,
		ActionID:    entry.ActionID,
		Message:     entry.Message,
		Details:     details,
		ActorID:     entry.ActorID,
	})
	if err != nil {
		return errors.WithMessagef(err, "CreateExecutionLog failed, executionID: %s, eventType: %s", execution.ID, entry.EventType)
	}
	return nil
}

func (s *WorkflowServiceImpl) ProcessApprovalResponse(ctx context.Context, req *ApprovalResponseReq) (*WorkflowExecutionPo, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ProcessApprovalResponse failed, err: %v", err)
	}
	approval, err := s.getApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	var execution *WorkflowExecutionPo
	err = s.executeLock.NonBlockingSynchronized(ctx,
		executionLockKey(approval.ExecutionID),
		s.config.LockTTL,
		func(ctx context.Context) error {
			var err error
			execution, err = s.respondApproval(ctx, req)
			return err
		})
	if err != nil {
		return execution, errors.WithMessagef(err, "ProcessApprovalResponse failed, approvalID: %s", req.ApprovalID)
	}
	return execution, nil
}

// respondApproval 在执行锁内调用, 所有校验都在修改之前
func (s *WorkflowServiceImpl) respondApproval(ctx context.Context, req *ApprovalResponseReq) (*WorkflowExecutionPo, error) {
	approval, err := s.getApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != ApprovalStatusPending {
		return nil, errors.WithMessagef(ErrApprovalNotPending, "approvalID: %s, status: %s", approval.ID, approval.Status)
	}
	if approval.ApproverID != req.ResponderID {
		return nil, errors.WithMessagef(ErrNotAuthorizedApprover, "approvalID: %s, responderID: %s", approval.ID, req.ResponderID)
	}
	execution, err := s.getExecution(ctx, approval.ExecutionID)
	if err != nil {
		return nil, err
	}
	if IsOverExecutionStatus(execution.Status) {
		return nil, errors.WithMessagef(ErrExecutionTerminal, "executionID: %s, status: %s", execution.ID, execution.Status)
	}
	def, err := s.loadExecutionDefinition(ctx, execution)
	if err != nil {
		return nil, err
	}
	actx := s.restoreActionContext(ctx, execution, req.ResponderID)

	stepOrder := approval.StepOrder
	rejected := req.Response == ApprovalResponseRejected
	approvalStatus, stepEvent := ApprovalStatusApproved, LogEventStepApproved
	if rejected {
		approvalStatus, stepEvent = ApprovalStatusRejected, LogEventStepRejected
	}
	now := s.now().Unix()
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		rowsAffected, err := s.repo.UpdateWorkflowApproval(ctx, &UpdateWorkflowApprovalParams{
			Where: &UpdateWorkflowApprovalWhere{
				IDIn:     []string{approval.ID},
				StatusIn: []string{ApprovalStatusPending},
			},
			Fields: &UpdateWorkflowApprovalField{
				Status:        String(approvalStatus),
				RespondedAt:   &now,
				ResponseNotes: &req.Notes,
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowApproval failed, approvalID: %s", approval.ID)
		}
		if rowsAffected == 0 {
			return errors.WithMessagef(ErrApprovalNotPending, "approvalID: %s", approval.ID)
		}
		err = s.appendLog(ctx, execution, &executionLogEntry{
			EventType: stepEvent,
			StepOrder: &stepOrder,
			Message:   fmt.Sprintf("step %d %s by %s", stepOrder, approvalStatus, req.ResponderID),
			Details: map[string]any{
				"approval_id": approval.ID,
				"notes":       req.Notes,
			},
			ActorID: req.ResponderID,
		})
		if err != nil {
			return err
		}
		if !rejected {
			return nil
		}
		return s.finishExecution(ctx, execution, &executionTransition{
			Status:    ExecutionStatusRejected,
			EventType: LogEventExecutionRejected,
			StepOrder: &stepOrder,
			Message:   fmt.Sprintf("rejected at step %d", stepOrder),
			Notes:     req.Notes,
			ActorID:   req.ResponderID,
		})
	})
	if err != nil {
		return nil, err
	}
	approvalResponses.WithLabelValues(req.Response).Inc()

	if rejected {
		s.runActions(ctx, def, TriggerPointOnRejection, execution, actx, &stepOrder)
		return execution, nil
	}
	s.runActions(ctx, def, TriggerPointOnEachStep, execution, actx, &stepOrder)
	if stepOrder >= def.StepCount() {
		err = s.finishExecution(ctx, execution, &executionTransition{
			Status:    ExecutionStatusApproved,
			EventType: LogEventExecutionApproved,
			StepOrder: &stepOrder,
			Message:   "all steps approved",
			Notes:     req.Notes,
			ActorID:   req.ResponderID,
		})
		if err != nil {
			return nil, err
		}
		s.runActions(ctx, def, TriggerPointOnApproval, execution, actx, nil)
		s.runActions(ctx, def, TriggerPointOnCompletion, execution, actx, nil)
		return execution, nil
	}
	next, _ := def.GetStep(stepOrder + 1)
	if err := s.requestApproval(ctx, def, execution, next, actx); err != nil {
		s.failExecution(ctx, execution, err, req.ResponderID)
		return execution, errors.WithMessagef(err, "request approval for step %d failed", stepOrder+1)
	}
	return execution, nil
}

func (s *WorkflowServiceImpl) CancelExecution(ctx context.Context, req *CancelExecutionReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "CancelExecution failed, err: %v", err)
	}
	return s.executeLock.NonBlockingSynchronized(ctx,
		executionLockKey(req.ExecutionID),
		s.config.LockTTL,
		func(ctx context.Context) error {
			execution, err := s.getExecution(ctx, req.ExecutionID)
			if err != nil {
				return err
			}
			if IsOverExecutionStatus(execution.Status) {
				return errors.WithMessagef(ErrExecutionNotCancellable, "executionID: %s, status: %s", execution.ID, execution.Status)
			}
			def, defErr := s.loadExecutionDefinition(ctx, execution)
			if defErr != nil {
				// 定义已经不可用也允许取消, 只是不执行 on_cancellation
				slog.WarnContext(ctx, fmt.Sprintf("load definition failed, cancel without actions, executionID: %s, err: %v", execution.ID, defErr))
			}
			message := "execution cancelled"
			if req.Reason != "" {
				message = fmt.Sprintf("execution cancelled: %s", req.Reason)
			}
			err = s.finishExecution(ctx, execution, &executionTransition{
				Status:    ExecutionStatusCancelled,
				EventType: LogEventExecutionCancelled,
				StepOrder: execution.CurrentStep,
				Message:   message,
				Notes:     req.Reason,
				ActorID:   req.UserID,
				Details:   map[string]any{"reason": req.Reason},
			})
			if err != nil {
				if errors.Is(err, ErrExecutionTerminal) {
					return errors.WithMessagef(ErrExecutionNotCancellable, "executionID: %s", execution.ID)
				}
				return err
			}
			if def != nil {
				s.runActions(ctx, def, TriggerPointOnCancellation, execution, s.restoreActionContext(ctx, execution, req.UserID), nil)
			}
			return nil
		})
}

func (s *WorkflowServiceImpl) GetPendingApprovals(ctx context.Context, params *PendingApprovalsParams) ([]*PendingApprovalEntity, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "GetPendingApprovals failed, err: %v", err)
	}
	approvals, err := s.repo.QueryWorkflowApproval(ctx, &QueryWorkflowApprovalParams{
		OrgID:      &params.OrgID,
		ApproverID: &params.UserID,
		StatusIn:   []string{ApprovalStatusPending},
		OrderbyAsc: Bool(true),
		Page:       noLimitPager(),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowApproval failed, userID: %s", params.UserID)
	}
	now := s.now().Unix()
	ret := make([]*PendingApprovalEntity, 0, len(approvals))
	for _, approval := range approvals {
		execution, err := s.getExecution(ctx, approval.ExecutionID)
		if err != nil {
			if errors.Is(err, ErrExecutionNotFound) {
				slog.WarnContext(ctx, fmt.Sprintf("pending approval without execution, approvalID: %s", approval.ID))
				continue
			}
			return nil, err
		}
		if IsOverExecutionStatus(execution.Status) {
			continue
		}
		entity := &PendingApprovalEntity{
			Approval:  approval,
			Execution: execution,
			IsOverdue: approval.DueAt > 0 && approval.DueAt < now,
		}
		def, err := s.loadExecutionDefinition(ctx, execution)
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("load definition failed, workflowID: %s, err: %v", execution.WorkflowID, err))
		} else {
			entity.WorkflowName = def.Workflow.Name
			if step, ok := def.GetStep(approval.StepOrder); ok {
				entity.StepName = step.Step.StepName
			}
		}
		ret = append(ret, entity)
	}
	return ret, nil
}

func (s *WorkflowServiceImpl) ExpireOverdueApprovals(ctx context.Context, params *ExpireOverdueParams) (int, error) {
	if params == nil {
		params = &ExpireOverdueParams{}
	}
	now := params.Now
	if now <= 0 {
		now = s.now().Unix()
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	approvals, err := s.repo.QueryWorkflowApproval(ctx, &QueryWorkflowApprovalParams{
		OrgID:       params.OrgID,
		StatusIn:    []string{ApprovalStatusPending},
		DueAtBefore: &now,
		OrderbyAsc:  Bool(true),
		Page:        &Pager{Page: 1, Size: limit},
	})
	if err != nil {
		return 0, errors.WithMessage(err, "QueryWorkflowApproval failed")
	}
	count := 0
	errs := make([]error, 0)
	for _, approval := range approvals {
		err := s.executeLock.NonBlockingSynchronized(ctx,
			executionLockKey(approval.ExecutionID),
			s.config.LockTTL,
			func(ctx context.Context) error {
				expired, err := s.expireApproval(ctx, approval.ID, now)
				if expired {
					count++
				}
				return err
			})
		if err != nil {
			errs = append(errs, errors.WithMessagef(err, "expire approval failed, approvalID: %s", approval.ID))
		}
	}
	return count, goerrors.Join(errs...)
}

// expireApproval 锁内重新读取, 已经被处理的审批跳过
func (s *WorkflowServiceImpl) expireApproval(ctx context.Context, approvalID string, now int64) (bool, error) {
	approval, err := s.getApproval(ctx, approvalID)
	if err != nil {
		return false, err
	}
	if approval.Status != ApprovalStatusPending || approval.DueAt <= 0 || approval.DueAt >= now {
		return false, nil
	}
	execution, err := s.getExecution(ctx, approval.ExecutionID)
	if err != nil {
		return false, err
	}
	stepOrder := approval.StepOrder
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		rowsAffected, err := s.repo.UpdateWorkflowApproval(ctx, &UpdateWorkflowApprovalParams{
			Where: &UpdateWorkflowApprovalWhere{
				IDIn:     []string{approval.ID},
				StatusIn: []string{ApprovalStatusPending},
			},
			Fields: &UpdateWorkflowApprovalField{
				Status:        String(ApprovalStatusExpired),
				RespondedAt:   &now,
				ResponseNotes: String("approval timed out"),
			},
			LimitMax: 1,
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowApproval failed, approvalID: %s", approval.ID)
		}
		if rowsAffected == 0 {
			return errors.WithMessagef(ErrApprovalNotPending, "approvalID: %s", approval.ID)
		}
		err = s.appendLog(ctx, execution, &executionLogEntry{
			EventType: LogEventApprovalExpired,
			StepOrder: &stepOrder,
			Message:   fmt.Sprintf("approval for step %d expired", stepOrder),
			Details: map[string]any{
				"approval_id": approval.ID,
				"approver_id": approval.ApproverID,
				"due_at":      approval.DueAt,
			},
			ActorID: systemActor,
		})
		if err != nil {
			return err
		}
		if IsOverExecutionStatus(execution.Status) {
			return nil
		}
		return s.finishExecution(ctx, execution, &executionTransition{
			Status:       ExecutionStatusFailed,
			EventType:    LogEventExecutionFailed,
			StepOrder:    &stepOrder,
			Message:      "approval timed out",
			ErrorMessage: fmt.Sprintf("approval for step %d timed out", stepOrder),
			ActorID:      systemActor,
		})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *WorkflowServiceImpl) QueryExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetailEntity, error) {
	if executionID == "" {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "QueryExecutionDetail failed, executionID is empty")
	}
	execution, err := s.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.repo.QueryWorkflowApproval(ctx, &QueryWorkflowApprovalParams{
		ExecutionID: &executionID,
		OrderbyAsc:  Bool(true),
		Page:        noLimitPager(),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowApproval failed, executionID: %s", executionID)
	}
	logs, err := s.repo.QueryExecutionLog(ctx, &QueryExecutionLogParams{ExecutionID: executionID})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryExecutionLog failed, executionID: %s", executionID)
	}
	return &ExecutionDetailEntity{
		Execution:  execution,
		StatusText: GetExecutionStatusText(execution.Status),
		Metadata:   NewJSONContext(execution.Metadata),
		Approvals:  approvals,
		Logs:       logs,
	}, nil
}

func (s *WorkflowServiceImpl) getApproval(ctx context.Context, approvalID string) (*WorkflowApprovalPo, error) {
	approvals, err := s.repo.QueryWorkflowApproval(ctx, &QueryWorkflowApprovalParams{
		ApprovalID: &approvalID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowApproval failed, approvalID: %s", approvalID)
	}
	if len(approvals) == 0 {
		return nil, errors.WithMessagef(ErrApprovalNotFound, "approvalID: %s", approvalID)
	}
	return approvals[0], nil
}

func (s *WorkflowServiceImpl) getExecution(ctx context.Context, executionID string) (*WorkflowExecutionPo, error) {
	executions, err := s.repo.QueryWorkflowExecution(ctx, &QueryWorkflowExecutionParams{
		ExecutionID: &executionID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowExecution failed, executionID: %s", executionID)
	}
	if len(executions) == 0 {
		return nil, errors.WithMessagef(ErrExecutionNotFound, "executionID: %s", executionID)
	}
	return executions[0], nil
}

// loadExecutionDefinition 按执行开始时的版本加载定义
func (s *WorkflowServiceImpl) loadExecutionDefinition(ctx context.Context, execution *WorkflowExecutionPo) (*WorkflowDefinition, error) {
	def, err := s.definitions.LoadVersion(ctx, execution.WorkflowID, execution.WorkflowVersion)
	if err != nil {
		return nil, errors.WithMessagef(err, "load definition failed, executionID: %s, version: %d", execution.ID, execution.WorkflowVersion)
	}
	return def, nil
}

// restoreActionContext 从执行的 metadata 恢复动作上下文
// 实体表能读到时用最新的记录覆盖触发时的快照
func (s *WorkflowServiceImpl) restoreActionContext(ctx context.Context, execution *WorkflowExecutionPo, actorID string) *ActionContext {
	metadata := NewJSONContext(execution.Metadata)
	record := NewJSONContext(nil)
	if v, ok := metadata.Get("record"); ok {
		if m, ok := v.(map[string]any); ok {
			record = NewJSONContextFromMap(m)
		}
	}
	if current, err := s.entities.GetEntityRecord(ctx, execution.EntityType, execution.EntityID); err == nil {
		record = MergeJSONContexts(record, NewJSONContextFromMap(current))
	} else {
		slog.DebugContext(ctx, fmt.Sprintf("use record snapshot, executionID: %s, err: %v", execution.ID, err))
	}
	chainValue, _ := metadata.Get("call_chain")
	chain := cast.ToStringSlice(chainValue)
	if len(chain) == 0 {
		chain = []string{execution.WorkflowID}
	}
	return &ActionContext{
		OrgID:      execution.OrgID,
		EntityType: execution.EntityType,
		EntityID:   execution.EntityID,
		Record:     record,
		Execution:  execution,
		WorkflowID: execution.WorkflowID,
		ActorID:    actorID,
		CallChain:  chain,
	}
}
