package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowParamInvalid       = errors.New("workflow param invalid")
	ErrWorkflowNotFound           = errors.New("workflow not found")
	ErrWorkflowDefinitionInvalid  = errors.New("workflow definition invalid")
	ErrExecutionNotFound          = errors.New("workflow execution not found")
	ErrExecutionTerminal          = errors.New("workflow execution already terminal")
	ErrExecutionNotCancellable    = errors.New("workflow execution not cancellable")
	ErrApprovalNotFound           = errors.New("workflow approval not found")
	ErrApprovalNotPending         = errors.New("workflow approval not pending")
	ErrNotAuthorizedApprover      = errors.New("responder is not the assigned approver")
	ErrApproverNotResolved        = errors.New("approver could not be resolved")
	ErrApproverStrategyNotFound   = errors.New("approver strategy not found")
	ErrApproverConfigInvalid      = errors.New("approver config invalid")
	ErrActionKindNotFound         = errors.New("action kind not found")
	ErrActionKindRegistered       = errors.New("action kind already registered")
	ErrApproverStrategyRegistered = errors.New("approver strategy already registered")
	ErrActionConfigInvalid        = errors.New("action config invalid")
	ErrUnsupportedEntityType      = errors.New("unsupported entity type")
	ErrEntityRecordNotFound       = errors.New("entity record not found")
	ErrWorkflowCycle              = errors.New("workflow trigger cycle detected")
	ErrExpressionInvalid          = errors.New("expression invalid")

	// 下面这个两个错误信息给业务上面使用,目前用于报警定义
	// 如果你希望这种错误在定时脚本打印error 使用errors.Wrapf(ErrWorkBussinessCriticalError, "err message: %s", err)
	// 如果你希望这种错误在定时脚本打印warn 使用errors.Wrapf(ErrWorkBussinessWarningError, "err message: %s", err)
	ErrWorkBussinessCriticalError = errors.New("work bussiness critical error")
	ErrWorkBussinessWarningError  = errors.New("work bussiness warning error")
)

type WorkflowType = string

const (
	WorkflowTypeSimple   WorkflowType = "simple"
	WorkflowTypeApproval WorkflowType = "approval"
)

type WorkflowStatus = string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)

type ExecutionStatus = string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	// 以下均为终止状态,只会进入一次
	ExecutionStatusApproved  ExecutionStatus = "approved"
	ExecutionStatusRejected  ExecutionStatus = "rejected"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// liveExecutionStatuses 非终止状态,状态流转的where条件都带上它
var liveExecutionStatuses = []string{ExecutionStatusPending, ExecutionStatusInProgress}

func IsOverExecutionStatus(status ExecutionStatus) bool {
	return status == ExecutionStatusApproved ||
		status == ExecutionStatusRejected ||
		status == ExecutionStatusCompleted ||
		status == ExecutionStatusCancelled ||
		status == ExecutionStatusFailed
}

func GetExecutionStatusText(status ExecutionStatus) string {
	switch status {
	case ExecutionStatusPending:
		return "Pending"
	case ExecutionStatusInProgress:
		return "In progress"
	case ExecutionStatusApproved:
		return "Approved"
	case ExecutionStatusRejected:
		return "Rejected"
	case ExecutionStatusCompleted:
		return "Completed"
	case ExecutionStatusCancelled:
		return "Cancelled"
	case ExecutionStatusFailed:
		return "Failed"
	}
	return "Unknown"
}

type ApprovalStatus = string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

type TriggerPoint = string

const (
	TriggerPointOnStart        TriggerPoint = "on_start"
	TriggerPointOnEachStep     TriggerPoint = "on_each_step"
	TriggerPointOnApproval     TriggerPoint = "on_approval"
	TriggerPointOnRejection    TriggerPoint = "on_rejection"
	TriggerPointOnCancellation TriggerPoint = "on_cancellation"
	TriggerPointOnCompletion   TriggerPoint = "on_completion"
)

func IsValidTriggerPoint(point string) bool {
	switch point {
	case TriggerPointOnStart, TriggerPointOnEachStep, TriggerPointOnApproval,
		TriggerPointOnRejection, TriggerPointOnCancellation, TriggerPointOnCompletion:
		return true
	}
	return false
}

// LogEventType 执行日志事件类型,日志只追加不修改
type LogEventType = string

const (
	LogEventExecutionStarted   LogEventType = "execution_started"
	LogEventExecutionCompleted LogEventType = "execution_completed"
	LogEventExecutionApproved  LogEventType = "execution_approved"
	LogEventExecutionRejected  LogEventType = "execution_rejected"
	LogEventExecutionCancelled LogEventType = "execution_cancelled"
	LogEventExecutionFailed    LogEventType = "execution_failed"
	LogEventApprovalRequested  LogEventType = "approval_requested"
	LogEventStepApproved       LogEventType = "step_approved"
	LogEventStepRejected       LogEventType = "step_rejected"
	LogEventApprovalExpired    LogEventType = "approval_expired"
	LogEventActionExecuted     LogEventType = "action_executed"
	LogEventActionFailed       LogEventType = "action_failed"
)

type ApprovalResponse = string

const (
	ApprovalResponseApproved ApprovalResponse = "approved"
	ApprovalResponseRejected ApprovalResponse = "rejected"
)

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理,
// 1. 配置不正确,工作流定义无法使用
// 2. 审批人无法解析,执行已经失败
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionInvalid) ||
		errors.Is(causeErr, ErrApproverNotResolved) ||
		errors.Is(causeErr, ErrApproverStrategyNotFound) ||
		errors.Is(causeErr, ErrApproverConfigInvalid) ||
		errors.Is(causeErr, ErrActionKindNotFound) ||
		errors.Is(causeErr, ErrActionConfigInvalid) ||
		errors.Is(causeErr, ErrWorkflowCycle) ||
		errors.Is(causeErr, ErrWorkBussinessCriticalError) {
		return true
	}
	return false
}
