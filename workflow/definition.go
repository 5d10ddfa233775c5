package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	c "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// DefaultStepTimeout 步骤没有配置超时时使用
const DefaultStepTimeout = 48 * time.Hour

// WorkflowDefinition 工作流定义entity, 从存储加载后构造, 同一版本不会变化
type WorkflowDefinition struct {
	Workflow   *WorkflowPo
	Conditions *ConditionTree
	Steps      []*StepDefinition                    // 按 step_order 排序
	Actions    map[TriggerPoint][]*ActionDefinition // 按 action_order 排序
}

// StepDefinition 审批步骤, 策略构造失败时 StrategyErr 不为空, 执行到这一步时执行失败
type StepDefinition struct {
	Step        *WorkflowStepPo
	Strategy    ApproverStrategy
	StrategyErr error
}

// ActionDefinition 动作, 配置错误时 ConfigErr 不为空, 执行时得到失败结果
type ActionDefinition struct {
	Action    *WorkflowActionPo
	Worker    ActionWorker
	ConfigErr error
}

func (d *WorkflowDefinition) IsApproval() bool {
	return d.Workflow.WorkflowType == WorkflowTypeApproval
}

func (d *WorkflowDefinition) StepCount() int64 {
	return int64(len(d.Steps))
}

// GetStep step_order 从1开始
func (d *WorkflowDefinition) GetStep(stepOrder int64) (*StepDefinition, bool) {
	if stepOrder < 1 || stepOrder > int64(len(d.Steps)) {
		return nil, false
	}
	return d.Steps[stepOrder-1], true
}

func (d *WorkflowDefinition) ActionsFor(point TriggerPoint) []*ActionDefinition {
	return d.Actions[point]
}

// Timeout 步骤超时时间, 未配置或者单位不认识时返回 fallback
func (s *StepDefinition) Timeout(fallback time.Duration) time.Duration {
	if s.Step.TimeoutValue <= 0 {
		return fallback
	}
	value := time.Duration(s.Step.TimeoutValue)
	switch s.Step.TimeoutUnit {
	case "minutes", "minute":
		return value * time.Minute
	case "hours", "hour":
		return value * time.Hour
	case "days", "day":
		return value * 24 * time.Hour
	}
	return fallback
}

func decodeRawConfig(raw []byte) (map[string]any, error) {
	config := make(map[string]any)
	if len(raw) == 0 || string(raw) == "null" {
		return config, nil
	}
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, err
	}
	return config, nil
}

// BuildWorkflowDefinition 由存储行构造定义
// 条件树或者步骤顺序错误说明定义不可用, 直接返回错误
// 单个步骤/动作的配置错误记录在对应的定义上
func BuildWorkflowDefinition(workflow *WorkflowPo, steps []*WorkflowStepPo, actions []*WorkflowActionPo) (*WorkflowDefinition, error) {
	if workflow == nil {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "workflow is nil")
	}
	conditions, err := ParseConditionTree(workflow.TriggerConditions)
	if err != nil {
		return nil, errors.WithMessagef(err, "workflowID: %s", workflow.ID)
	}
	def := &WorkflowDefinition{
		Workflow:   workflow,
		Conditions: conditions,
		Steps:      make([]*StepDefinition, 0, len(steps)),
		Actions:    make(map[TriggerPoint][]*ActionDefinition),
	}

	sortedSteps := make([]*WorkflowStepPo, len(steps))
	copy(sortedSteps, steps)
	sort.SliceStable(sortedSteps, func(i, j int) bool {
		return sortedSteps[i].StepOrder < sortedSteps[j].StepOrder
	})
	for i, step := range sortedSteps {
		if step.StepOrder != int64(i+1) {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflowID: %s, step orders must be contiguous from 1, got %d at position %d", workflow.ID, step.StepOrder, i+1)
		}
		stepDef := &StepDefinition{Step: step}
		config, err := decodeRawConfig(step.ApproverConfig)
		if err != nil {
			stepDef.StrategyErr = errors.WithMessagef(ErrApproverConfigInvalid, "step %d config is not json: %v", step.StepOrder, err)
		} else {
			stepDef.Strategy, stepDef.StrategyErr = NewApproverStrategy(step.ApproverType, config)
		}
		def.Steps = append(def.Steps, stepDef)
	}
	if def.IsApproval() && len(def.Steps) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflowID: %s, approval workflow without steps", workflow.ID)
	}

	for _, action := range actions {
		if !action.IsActive {
			continue
		}
		if !IsValidTriggerPoint(action.TriggerPoint) {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflowID: %s, action %s has unknown trigger point %s", workflow.ID, action.ID, action.TriggerPoint)
		}
		actionDef := &ActionDefinition{Action: action}
		config, err := decodeRawConfig(action.ActionConfig)
		if err != nil {
			actionDef.ConfigErr = errors.WithMessagef(ErrActionConfigInvalid, "action %s config is not json: %v", action.ID, err)
		} else {
			actionDef.Worker, actionDef.ConfigErr = NewActionWorker(action.ActionType, config)
		}
		def.Actions[action.TriggerPoint] = append(def.Actions[action.TriggerPoint], actionDef)
	}
	for point := range def.Actions {
		list := def.Actions[point]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Action.ActionOrder < list[j].Action.ActionOrder
		})
	}
	return def, nil
}

// definitionCache 已经构造好的定义, key 为 id@version, 版本变化自然失效
type definitionCache struct {
	repo  WorkflowRepo
	cache *c.Cache
}

func newDefinitionCache(repo WorkflowRepo, ttl time.Duration) *definitionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &definitionCache{
		repo:  repo,
		cache: c.New(ttl, 2*ttl),
	}
}

func definitionCacheKey(workflow *WorkflowPo) string {
	return fmt.Sprintf("%s@%d", workflow.ID, workflow.Version)
}

// Load 按工作流行加载定义, 先查缓存
func (dc *definitionCache) Load(ctx context.Context, workflow *WorkflowPo) (*WorkflowDefinition, error) {
	key := definitionCacheKey(workflow)
	if i, found := dc.cache.Get(key); found {
		if def, ok := i.(*WorkflowDefinition); ok {
			return def, nil
		}
	}
	steps, err := dc.repo.QueryWorkflowStep(ctx, &QueryWorkflowStepParams{WorkflowID: workflow.ID, WorkflowVersion: &workflow.Version})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowStep failed, workflowID: %s", workflow.ID)
	}
	actions, err := dc.repo.QueryWorkflowAction(ctx, &QueryWorkflowActionParams{
		WorkflowID:      workflow.ID,
		WorkflowVersion: &workflow.Version,
		IsActive:        Bool(true),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowAction failed, workflowID: %s", workflow.ID)
	}
	def, err := BuildWorkflowDefinition(workflow, steps, actions)
	if err != nil {
		return nil, err
	}
	dc.cache.SetDefault(key, def)
	return def, nil
}

// LoadVersion 执行中的推进按执行上记录的版本加载, 定义之后被修改也不影响
func (dc *definitionCache) LoadVersion(ctx context.Context, workflowID string, version int64) (*WorkflowDefinition, error) {
	if i, found := dc.cache.Get(definitionCacheKey(&WorkflowPo{ID: workflowID, Version: version})); found {
		if def, ok := i.(*WorkflowDefinition); ok {
			return def, nil
		}
	}
	workflow, err := dc.repo.QueryWorkflowVersion(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	return dc.Load(ctx, workflow)
}
