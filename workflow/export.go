package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowService interface {
	/**
	 * @description: 实体生命周期事件入口
	 *				 加载 org + entity_type + trigger_event 对应的启用中的工作流, 逐个判断条件并创建执行
	 *				 单个工作流失败不影响其它工作流, 失败记录在对应的 TriggerResult 上并合并到返回的 error
	 * @param ctx context.Context
	 * @param req *TriggerReq
	 * @return []*TriggerResult, error
	 */
	TriggerWorkflows(ctx context.Context, req *TriggerReq) ([]*TriggerResult, error)
	/**
	 * @description: 处理审批响应, 推进到下一步或者结束执行
	 *				 同一个执行同时只会有一个 goroutine 处理, 拿不到锁直接返回 LockFailedError
	 * @param ctx context.Context
	 * @param req *ApprovalResponseReq
	 * @return *WorkflowExecutionPo 处理后的执行
	 */
	ProcessApprovalResponse(ctx context.Context, req *ApprovalResponseReq) (*WorkflowExecutionPo, error)
	/**
	 * @description: 取消执行, 只有 pending/in_progress 可以取消
	 *				 待审批的 approval 会变成 expired, 然后执行 on_cancellation 动作
	 * @param ctx context.Context
	 * @param req *CancelExecutionReq
	 * @return error
	 */
	CancelExecution(ctx context.Context, req *CancelExecutionReq) error
	// GetPendingApprovals 用户的待审批列表
	GetPendingApprovals(ctx context.Context, params *PendingApprovalsParams) ([]*PendingApprovalEntity, error)
	/**
	 * @description: 超时处理, 由外部定时调用
	 *				 超过 due_at 的 pending approval 变成 expired, 对应的执行变成 failed, 不执行任何动作
	 * @param ctx context.Context
	 * @param params *ExpireOverdueParams
	 * @return int 处理的数量
	 */
	ExpireOverdueApprovals(ctx context.Context, params *ExpireOverdueParams) (int, error)
	// QueryExecutionDetail 执行, 审批记录, 以及按顺序的执行日志
	QueryExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetailEntity, error)
}

type TriggerReq struct {
	OrgID          string         `json:"org_id" validate:"required"`
	EntityType     string         `json:"entity_type" validate:"required"`
	EntityID       string         `json:"entity_id" validate:"required"`
	TriggerEvent   string         `json:"trigger_event" validate:"required"`
	Record         map[string]any `json:"record"`
	PreviousRecord map[string]any `json:"previous_record"` // 只有更新事件有
	TriggeredBy    string         `json:"triggered_by"`
	// 以下字段给 run_workflow 使用
	WorkflowID        *string  `json:"workflow_id"` // 只触发指定的工作流
	ParentExecutionID string   `json:"parent_execution_id"`
	ParentWorkflowID  string   `json:"parent_workflow_id"`
	CallChain         []string `json:"call_chain"`
}

type TriggerResult struct {
	WorkflowID   string               `json:"workflow_id"`
	WorkflowName string               `json:"workflow_name"`
	Matched      bool                 `json:"matched"`
	Evaluation   *ConditionEvaluation `json:"evaluation,omitempty"`
	ExecutionID  string               `json:"execution_id,omitempty"`
	Status       ExecutionStatus      `json:"status,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type ApprovalResponseReq struct {
	ApprovalID  string           `json:"approval_id" validate:"required"`
	Response    ApprovalResponse `json:"response" validate:"required,oneof=approved rejected"`
	Notes       string           `json:"notes"`
	ResponderID string           `json:"responder_id" validate:"required"`
}

type CancelExecutionReq struct {
	ExecutionID string `json:"execution_id" validate:"required"`
	Reason      string `json:"reason"`
	UserID      string `json:"user_id" validate:"required"`
}

type PendingApprovalsParams struct {
	OrgID  string `json:"org_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

type PendingApprovalEntity struct {
	Approval     *WorkflowApprovalPo  `json:"approval"`
	Execution    *WorkflowExecutionPo `json:"execution"`
	WorkflowName string               `json:"workflow_name"`
	StepName     string               `json:"step_name"`
	IsOverdue    bool                 `json:"is_overdue"`
}

type ExpireOverdueParams struct {
	OrgID *string `json:"org_id"`
	Now   int64   `json:"now"`   // 为0时取当前时间
	Limit int64   `json:"limit"` // 单次最多处理的数量, 为0时默认100
}

type ExecutionDetailEntity struct {
	Execution  *WorkflowExecutionPo      `json:"execution"`
	StatusText string                    `json:"status_text"`
	Metadata   *JSONContext              `json:"-"`
	Approvals  []*WorkflowApprovalPo     `json:"approvals"`
	Logs       []*WorkflowExecutionLogPo `json:"logs"`
}

// EngineConfig 引擎配置, 零值字段使用默认值
type EngineConfig struct {
	MaxTriggerDepth    int           // run_workflow 最大调用链长度
	DefaultStepTimeout time.Duration // 步骤没有配置超时时的 due_at
	DefinitionCacheTTL time.Duration
	LockTTL            time.Duration
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxTriggerDepth:    5,
		DefaultStepTimeout: DefaultStepTimeout,
		DefinitionCacheTTL: 10 * time.Minute,
		LockTTL:            10 * time.Minute,
	}
}

// WorkflowServiceDeps 引擎的外部依赖
type WorkflowServiceDeps struct {
	Repo        WorkflowRepo
	Directory   DirectoryRepo
	Entities    EntityRepo
	ExecuteLock WorkflowLock
	Notifier    NotificationDispatcher // 为空时不发通知
	Webhook     WebhookClient          // 为空时使用默认 http 客户端
}

// WorkflowServiceImpl 工作流服务
type WorkflowServiceImpl struct {
	repo        WorkflowRepo
	entities    EntityRepo
	executeLock WorkflowLock
	notifier    NotificationDispatcher
	resolver    *ApproverResolver
	executor    *ActionExecutor
	definitions *definitionCache
	config      *EngineConfig
	now         func() time.Time
}

func NewWorkflowService(deps *WorkflowServiceDeps, config *EngineConfig) (WorkflowService, error) {
	if deps == nil || deps.Repo == nil || deps.Directory == nil || deps.Entities == nil || deps.ExecuteLock == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "repo, directory, entities and lock are required")
	}
	defaults := DefaultEngineConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxTriggerDepth <= 0 {
		config.MaxTriggerDepth = defaults.MaxTriggerDepth
	}
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = defaults.DefaultStepTimeout
	}
	if config.DefinitionCacheTTL <= 0 {
		config.DefinitionCacheTTL = defaults.DefinitionCacheTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewNoopNotifier()
	}
	webhook := deps.Webhook
	if webhook == nil {
		webhook = NewWebhookClient(nil)
	}
	resolver := NewApproverResolver(deps.Directory, deps.Entities)
	s := &WorkflowServiceImpl{
		repo:        deps.Repo,
		entities:    deps.Entities,
		executeLock: deps.ExecuteLock,
		notifier:    notifier,
		resolver:    resolver,
		definitions: newDefinitionCache(deps.Repo, config.DefinitionCacheTTL),
		config:      config,
		now:         time.Now,
	}
	s.executor = &ActionExecutor{
		repo:            deps.Repo,
		directory:       deps.Directory,
		entities:        deps.Entities,
		resolver:        resolver,
		notifier:        notifier,
		webhook:         webhook,
		trigger:         s,
		maxTriggerDepth: config.MaxTriggerDepth,
		now:             time.Now,
	}
	return s, nil
}

// NewGormWorkflowService 所有存储都在同一个 gorm 库里时使用
func NewGormWorkflowService(db *gorm.DB, executeLock WorkflowLock, notifier NotificationDispatcher, webhook WebhookClient, config *EngineConfig) (WorkflowService, error) {
	return NewWorkflowService(&WorkflowServiceDeps{
		Repo:        NewWorkflowRepo(db),
		Directory:   NewDirectoryRepo(db),
		Entities:    NewEntityRepo(db),
		ExecuteLock: executeLock,
		Notifier:    notifier,
		Webhook:     webhook,
	}, config)
}
