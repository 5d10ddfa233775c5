package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	ActionTypeUpdateField      = "update_field"
	ActionTypeSendNotification = "send_notification"
	ActionTypeCreateActivity   = "create_activity"
	ActionTypeTriggerWebhook   = "trigger_webhook"
	ActionTypeRunWorkflow      = "run_workflow"
	ActionTypeAssignUser       = "assign_user"
	ActionTypeCreateTask       = "create_task"
)

var actionKinds = sync.Map{}

// ActionContext 动作执行上下文
type ActionContext struct {
	OrgID      string
	EntityType string
	EntityID   string
	Record     *JSONContext // 执行自己的记录快照, update_field/assign_user 会同步修改
	Execution  *WorkflowExecutionPo
	WorkflowID string
	ActorID    string
	CallChain  []string // 从根执行开始经过的 workflow id, 包含当前工作流
}

// ActionResult 动作结果, Success=false 时 Error 说明原因
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func actionSucceeded(message string, data map[string]any) *ActionResult {
	return &ActionResult{Success: true, Message: message, Data: data}
}

func actionFailed(err error) *ActionResult {
	return &ActionResult{Success: false, Error: err.Error()}
}

// ActionWorker 一种动作的实现, 配置在构造时已经校验
type ActionWorker interface {
	/**
	 * @description: 执行一次副作用
	 * @param ctx context.Context
	 * @param executor *ActionExecutor 提供存储,通知,webhook等依赖
	 * @param actx *ActionContext
	 * @return *ActionResult 不会返回 nil
	 */
	Execute(ctx context.Context, executor *ActionExecutor, actx *ActionContext) *ActionResult
}

type ActionFactory func(config map[string]any) (ActionWorker, error)

/*
*
  - @description: 注册动作类型, 新增类型不需要修改执行器
  - @param actionType string
  - @param factory ActionFactory
  - @return error
*/
func RegisterActionKind(actionType string, factory ActionFactory) error {
	if factory == nil {
		return errors.New("factory is nil")
	}
	if _, loaded := actionKinds.LoadOrStore(actionType, factory); loaded {
		return errors.WithMessagef(ErrActionKindRegistered, "actionType: %s", actionType)
	}
	return nil
}

func NewActionWorker(actionType string, config map[string]any) (ActionWorker, error) {
	i, ok := actionKinds.Load(actionType)
	if !ok {
		return nil, errors.WithMessagef(ErrActionKindNotFound, "actionType: %s", actionType)
	}
	factory, ok := i.(ActionFactory)
	if !ok {
		return nil, errors.WithMessagef(ErrActionKindNotFound, "actionType: %s, type error,please check code", actionType)
	}
	worker, err := factory(config)
	if err != nil {
		return nil, errors.WithMessagef(ErrActionConfigInvalid, "actionType: %s, err: %v", actionType, err)
	}
	return worker, nil
}

func init() {
	defaults := map[string]ActionFactory{
		ActionTypeUpdateField:      newUpdateFieldAction,
		ActionTypeSendNotification: newSendNotificationAction,
		ActionTypeCreateActivity:   newCreateActivityAction,
		ActionTypeTriggerWebhook:   newTriggerWebhookAction,
		ActionTypeRunWorkflow:      newRunWorkflowAction,
		ActionTypeAssignUser:       newAssignUserAction,
		ActionTypeCreateTask:       newCreateTaskAction,
	}
	for actionType, factory := range defaults {
		if err := RegisterActionKind(actionType, factory); err != nil {
			panic(err)
		}
	}
}

// workflowTrigger run_workflow 通过它回到引擎的触发入口
type workflowTrigger interface {
	TriggerWorkflows(ctx context.Context, req *TriggerReq) ([]*TriggerResult, error)
}

// ActionExecutor 动作执行器, 持有动作需要的外部依赖
type ActionExecutor struct {
	repo            WorkflowRepo
	directory       DirectoryRepo
	entities        EntityRepo
	resolver        *ApproverResolver
	notifier        NotificationDispatcher
	webhook         WebhookClient
	trigger         workflowTrigger
	maxTriggerDepth int
	now             func() time.Time
}

// Execute 执行一个动作, panic 和配置错误都转成失败结果
func (e *ActionExecutor) Execute(ctx context.Context, def *ActionDefinition, actx *ActionContext) (result *ActionResult) {
	start := e.now()
	actionType := def.Action.ActionType
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, fmt.Sprintf("action panic: %v, actionID: %s, actionType: %s, stack: %s", r, def.Action.ID, actionType, string(stack)))
			result = actionFailed(errors.Errorf("action panic: %v", r))
		}
		actionDuration.WithLabelValues(actionType, resultLabel(result.Success)).Observe(e.now().Sub(start).Seconds())
	}()
	if def.ConfigErr != nil {
		return actionFailed(def.ConfigErr)
	}
	if def.Worker == nil {
		return actionFailed(errors.WithMessagef(ErrActionKindNotFound, "actionType: %s", actionType))
	}
	result = def.Worker.Execute(ctx, e, actx)
	if result == nil {
		result = actionFailed(errors.Errorf("action %s returned no result", actionType))
	}
	return result
}

var templateTokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// ResolveTemplate 替换 {{name}}, 先查记录快照, 再查执行信息, 都没有保留原样
func ResolveTemplate(template string, actx *ActionContext) string {
	if !strings.Contains(template, "{{") || actx == nil {
		return template
	}
	return templateTokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := templateTokenPattern.FindStringSubmatch(token)[1]
		if v, ok := actx.Record.GetPath(name); ok && v != nil {
			return stringify(v)
		}
		switch name {
		case "entity_type":
			return actx.EntityType
		case "entity_id":
			return actx.EntityID
		case "workflow_id":
			return actx.WorkflowID
		case "execution_id":
			if actx.Execution != nil {
				return actx.Execution.ID
			}
		case "status":
			if actx.Execution != nil {
				return actx.Execution.Status
			}
		}
		return token
	})
}

// resolveTemplateValue 字符串走模板, 其它类型原样返回
func resolveTemplateValue(v any, actx *ActionContext) any {
	switch t := v.(type) {
	case string:
		return ResolveTemplate(t, actx)
	case map[string]any:
		ret := make(map[string]any, len(t))
		for k, item := range t {
			ret[k] = resolveTemplateValue(item, actx)
		}
		return ret
	case []any:
		ret := make([]any, 0, len(t))
		for _, item := range t {
			ret = append(ret, resolveTemplateValue(item, actx))
		}
		return ret
	}
	return v
}

func (e *ActionExecutor) approverContext(actx *ActionContext) *ApproverContext {
	return &ApproverContext{
		OrgID:      actx.OrgID,
		EntityType: actx.EntityType,
		EntityID:   actx.EntityID,
		Record:     actx.Record,
	}
}

// setRecordField 写入实体表后同步修改快照, 同一触发点后面的动作可以看到新值
func (e *ActionExecutor) setRecordField(ctx context.Context, actx *ActionContext, field string, value any) error {
	if err := e.entities.UpdateEntityField(ctx, actx.EntityType, actx.EntityID, field, value); err != nil {
		return err
	}
	if actx.Record != nil {
		_ = actx.Record.Set([]string{field}, value)
	}
	return nil
}

// userExists 用户属于该组织且没有被软删除
func (e *ActionExecutor) userExists(ctx context.Context, orgID string, userID string) (*UserPo, error) {
	users, err := e.directory.QueryUser(ctx, &QueryUserParams{UserIDIn: []string{userID}, OrgID: &orgID})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryUser failed, userID: %s", userID)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}
