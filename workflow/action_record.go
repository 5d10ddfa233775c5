package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type updateFieldConfig struct {
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

type updateFieldAction struct {
	config updateFieldConfig
}

func newUpdateFieldAction(config map[string]any) (ActionWorker, error) {
	a := &updateFieldAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	if !columnNamePattern.MatchString(a.config.Field) {
		return nil, errors.Errorf("invalid field name: %q", a.config.Field)
	}
	return a, nil
}

func (a *updateFieldAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	value := resolveTemplateValue(a.config.Value, actx)
	if err := e.setRecordField(ctx, actx, a.config.Field, value); err != nil {
		return actionFailed(errors.WithMessagef(err, "update field %s failed", a.config.Field))
	}
	return actionSucceeded(fmt.Sprintf("field %s updated", a.config.Field), map[string]any{
		"field": a.config.Field,
		"value": value,
	})
}

type createActivityConfig struct {
	ActivityType string `json:"activity_type"`
	Subject      string `json:"subject" validate:"required"`
	Description  string `json:"description"`
	Priority     string `json:"priority"`
}

type createActivityAction struct {
	config createActivityConfig
}

func newCreateActivityAction(config map[string]any) (ActionWorker, error) {
	a := &createActivityAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	if a.config.ActivityType == "" {
		a.config.ActivityType = "note"
	}
	return a, nil
}

func (a *createActivityAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	activity, err := e.entities.CreateActivity(ctx, &ActivityPo{
		OrgID:               actx.OrgID,
		EntityType:          actx.EntityType,
		EntityID:            actx.EntityID,
		ActivityType:        a.config.ActivityType,
		Subject:             ResolveTemplate(a.config.Subject, actx),
		Description:         ResolveTemplate(a.config.Description, actx),
		Priority:            a.config.Priority,
		Status:              "completed",
		WorkflowExecutionID: executionID(actx),
		CreatedBy:           actorOrSystem(actx),
	})
	if err != nil {
		return actionFailed(errors.WithMessage(err, "create activity failed"))
	}
	return actionSucceeded("activity created", map[string]any{"activity_id": activity.ID})
}

const (
	AssignStrategySpecific     = "specific"
	AssignStrategyRoundRobin   = "round_robin"
	AssignStrategyLoadBalanced = "load_balanced"
	AssignStrategyManager      = "manager"
	AssignStrategyOwner        = "owner" // 只用于 create_task, 指派给记录负责人
)

// assigneeConfig assign_user 和 create_task 共用的指派配置
type assigneeConfig struct {
	Strategy string `json:"assignment_strategy" validate:"omitempty,oneof=specific round_robin load_balanced manager owner"`
	UserID   string `json:"user_id" validate:"required_if=Strategy specific"`
	PodID    string `json:"pod_id"` // round_robin/load_balanced 的团队, 为空时取负责人所在团队
}

// selectAssignee round_robin 按该工作流的执行次数对团队人数取模, 不是严格轮转
// load_balanced 目前直接取团队第一个人
func (e *ActionExecutor) selectAssignee(ctx context.Context, actx *ActionContext, config *assigneeConfig) (string, map[string]any, error) {
	switch config.Strategy {
	case AssignStrategySpecific:
		return config.UserID, map[string]any{"strategy": config.Strategy}, nil
	case AssignStrategyOwner, "":
		owner, err := e.resolver.recordOwner(ctx, e.approverContext(actx))
		return owner, map[string]any{"strategy": AssignStrategyOwner}, err
	case AssignStrategyManager:
		owner, err := e.resolver.recordOwner(ctx, e.approverContext(actx))
		if err != nil || owner == "" {
			return "", nil, err
		}
		manager, err := e.resolver.directManager(ctx, owner)
		return manager, map[string]any{"strategy": config.Strategy, "previous_owner": owner}, err
	case AssignStrategyRoundRobin, AssignStrategyLoadBalanced:
		team, podID, err := e.teamMembers(ctx, actx, config.PodID)
		if err != nil || len(team) == 0 {
			return "", nil, err
		}
		meta := map[string]any{"strategy": config.Strategy, "pod_id": podID, "team_size": len(team)}
		if config.Strategy == AssignStrategyLoadBalanced {
			return team[0], meta, nil
		}
		count, err := e.repo.CountWorkflowExecution(ctx, &QueryWorkflowExecutionParams{WorkflowID: &actx.WorkflowID})
		if err != nil {
			return "", nil, errors.WithMessagef(err, "CountWorkflowExecution failed, workflowID: %s", actx.WorkflowID)
		}
		idx := int(count % int64(len(team)))
		meta["rotation_index"] = idx
		return team[idx], meta, nil
	}
	return "", nil, errors.Errorf("unknown assignment strategy: %s", config.Strategy)
}

// teamMembers 团队成员按 user id 排序
func (e *ActionExecutor) teamMembers(ctx context.Context, actx *ActionContext, podID string) ([]string, string, error) {
	if podID == "" {
		owner, err := e.resolver.recordOwner(ctx, e.approverContext(actx))
		if err != nil || owner == "" {
			return nil, "", err
		}
		memberships, err := e.directory.QueryPodMember(ctx, &QueryPodMemberParams{UserID: &owner})
		if err != nil {
			return nil, "", errors.WithMessagef(err, "QueryPodMember failed, userID: %s", owner)
		}
		if len(memberships) == 0 {
			return nil, "", nil
		}
		podID = memberships[0].PodID
	}
	members, err := e.directory.QueryPodMember(ctx, &QueryPodMemberParams{PodID: &podID})
	if err != nil {
		return nil, "", errors.WithMessagef(err, "QueryPodMember failed, podID: %s", podID)
	}
	team := make([]string, 0, len(members))
	for _, member := range members {
		team = append(team, member.UserID)
	}
	return team, podID, nil
}

type assignUserConfig struct {
	assigneeConfig
	Field string `json:"field"`
}

type assignUserAction struct {
	config assignUserConfig
}

func newAssignUserAction(config map[string]any) (ActionWorker, error) {
	a := &assignUserAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	if a.config.Strategy == "" || a.config.Strategy == AssignStrategyOwner {
		return nil, errors.Errorf("assignment_strategy must be one of specific, round_robin, load_balanced, manager")
	}
	if a.config.Field == "" {
		a.config.Field = "owner_id"
	}
	if !columnNamePattern.MatchString(a.config.Field) {
		return nil, errors.Errorf("invalid field name: %q", a.config.Field)
	}
	return a, nil
}

func (a *assignUserAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	userID, meta, err := e.selectAssignee(ctx, actx, &a.config.assigneeConfig)
	if err != nil {
		return actionFailed(errors.WithMessage(err, "select assignee failed"))
	}
	if userID == "" {
		return actionFailed(errors.Errorf("no assignee found, strategy: %s", a.config.Strategy))
	}
	user, err := e.userExists(ctx, actx.OrgID, userID)
	if err != nil {
		return actionFailed(err)
	}
	if user == nil {
		return actionFailed(errors.Errorf("assignee %s not found or deleted", userID))
	}
	if err := e.setRecordField(ctx, actx, a.config.Field, userID); err != nil {
		return actionFailed(errors.WithMessagef(err, "assign %s failed", a.config.Field))
	}
	meta["user_id"] = userID
	return actionSucceeded(fmt.Sprintf("assigned to %s", userID), meta)
}

type createTaskConfig struct {
	assigneeConfig
	Subject     string `json:"subject" validate:"required"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueIn       int64  `json:"due_in" validate:"gte=0"`
	DueUnit     string `json:"due_unit" validate:"omitempty,oneof=hours days business_days"`
}

type createTaskAction struct {
	config createTaskConfig
}

func newCreateTaskAction(config map[string]any) (ActionWorker, error) {
	a := &createTaskAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	if a.config.DueUnit == "" {
		a.config.DueUnit = "days"
	}
	if a.config.Priority == "" {
		a.config.Priority = "medium"
	}
	return a, nil
}

// dueAt business_days 目前按自然日计算
func (a *createTaskAction) dueAt(now time.Time) *int64 {
	if a.config.DueIn <= 0 {
		return nil
	}
	var offset time.Duration
	switch a.config.DueUnit {
	case "hours":
		offset = time.Duration(a.config.DueIn) * time.Hour
	default:
		offset = time.Duration(a.config.DueIn) * 24 * time.Hour
	}
	ts := now.Add(offset).Unix()
	return &ts
}

func (a *createTaskAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	assignee, _, err := e.selectAssignee(ctx, actx, &a.config.assigneeConfig)
	if err != nil {
		return actionFailed(errors.WithMessage(err, "select task assignee failed"))
	}
	task, err := e.entities.CreateActivity(ctx, &ActivityPo{
		OrgID:               actx.OrgID,
		EntityType:          actx.EntityType,
		EntityID:            actx.EntityID,
		ActivityType:        "task",
		Subject:             ResolveTemplate(a.config.Subject, actx),
		Description:         ResolveTemplate(a.config.Description, actx),
		Priority:            a.config.Priority,
		Status:              "open",
		AssignedTo:          assignee,
		DueAt:               a.dueAt(e.now()),
		WorkflowExecutionID: executionID(actx),
		CreatedBy:           actorOrSystem(actx),
	})
	if err != nil {
		return actionFailed(errors.WithMessage(err, "create task failed"))
	}
	data := map[string]any{"task_id": task.ID, "assigned_to": assignee}
	if task.DueAt != nil {
		data["due_at"] = *task.DueAt
	}
	return actionSucceeded("task created", data)
}

func executionID(actx *ActionContext) string {
	if actx.Execution == nil {
		return ""
	}
	return actx.Execution.ID
}

func actorOrSystem(actx *ActionContext) string {
	if actx.ActorID != "" {
		return actx.ActorID
	}
	return "system"
}
