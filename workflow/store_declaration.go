package workflow

import (
	"context"
)

// WorkflowRepo 工作流定义,执行,审批,日志的存储
type WorkflowRepo interface {
	QueryWorkflow(ctx context.Context, param *QueryWorkflowParams) ([]*WorkflowPo, error)
	QueryWorkflowStep(ctx context.Context, param *QueryWorkflowStepParams) ([]*WorkflowStepPo, error)
	QueryWorkflowAction(ctx context.Context, param *QueryWorkflowActionParams) ([]*WorkflowActionPo, error)
	SaveWorkflowDefinition(ctx context.Context, workflow *WorkflowPo, steps []*WorkflowStepPo, actions []*WorkflowActionPo) error
	// QueryWorkflowVersion 取某个版本保存时的 workflow 行, 不存在时返回 ErrWorkflowNotFound
	QueryWorkflowVersion(ctx context.Context, workflowID string, version int64) (*WorkflowPo, error)

	CreateWorkflowExecution(ctx context.Context, execution *WorkflowExecutionPo) (*WorkflowExecutionPo, error)
	QueryWorkflowExecution(ctx context.Context, param *QueryWorkflowExecutionParams) ([]*WorkflowExecutionPo, error)
	CountWorkflowExecution(ctx context.Context, param *QueryWorkflowExecutionParams) (int64, error)
	// UpdateWorkflowExecution 返回影响的行数, 状态流转靠 where 条件里的 status 保证只发生一次
	UpdateWorkflowExecution(ctx context.Context, param *UpdateWorkflowExecutionParams) (int64, error)

	CreateWorkflowApproval(ctx context.Context, approval *WorkflowApprovalPo) (*WorkflowApprovalPo, error)
	QueryWorkflowApproval(ctx context.Context, param *QueryWorkflowApprovalParams) ([]*WorkflowApprovalPo, error)
	UpdateWorkflowApproval(ctx context.Context, param *UpdateWorkflowApprovalParams) (int64, error)

	// 执行日志只追加
	CreateExecutionLog(ctx context.Context, log *WorkflowExecutionLogPo) (*WorkflowExecutionLogPo, error)
	QueryExecutionLog(ctx context.Context, param *QueryExecutionLogParams) ([]*WorkflowExecutionLogPo, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DirectoryRepo 用户/角色/员工/团队的只读查询, 审批人解析和分配动作使用
type DirectoryRepo interface {
	QueryUser(ctx context.Context, param *QueryUserParams) ([]*UserPo, error)
	QueryEmployee(ctx context.Context, param *QueryEmployeeParams) ([]*EmployeePo, error)
	QueryPod(ctx context.Context, param *QueryPodParams) ([]*PodPo, error)
	QueryPodMember(ctx context.Context, param *QueryPodMemberParams) ([]*PodMemberPo, error)
}

// EntityRepo 按实体类型读写业务记录, 业务表结构由外部决定, 这里只按表名和列名访问
type EntityRepo interface {
	GetEntityRecord(ctx context.Context, entityType string, entityID string) (map[string]any, error)
	UpdateEntityField(ctx context.Context, entityType string, entityID string, field string, value any) error
	CreateActivity(ctx context.Context, activity *ActivityPo) (*ActivityPo, error)
}
