package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowPo struct {
	ID                string         `gorm:"column:id;primaryKey" json:"id"`
	OrgID             string         `gorm:"column:org_id;index" json:"org_id"`
	Name              string         `gorm:"column:name" json:"name"`
	Description       string         `gorm:"column:description" json:"description"`
	EntityType        string         `gorm:"column:entity_type;index" json:"entity_type"`
	TriggerEvent      string         `gorm:"column:trigger_event" json:"trigger_event"`
	TriggerConditions []byte         `gorm:"column:trigger_conditions" json:"trigger_conditions"` // 条件树 JSON
	WorkflowType      WorkflowType   `gorm:"column:workflow_type" json:"workflow_type"`
	Status            WorkflowStatus `gorm:"column:status" json:"status"`
	Version           int64          `gorm:"column:version" json:"version"`
	CreatedBy         string         `gorm:"column:created_by" json:"created_by"`
	CreatedAt         int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowPo) TableName() string {
	return "workflows"
}

// WorkflowVersionPo 每次保存定义时的 workflow 行快照, 旧版本的执行按快照推进
type WorkflowVersionPo struct {
	WorkflowID string `gorm:"column:workflow_id;primaryKey" json:"workflow_id"`
	Version    int64  `gorm:"column:version;primaryKey" json:"version"`
	Snapshot   []byte `gorm:"column:snapshot" json:"snapshot"` // WorkflowPo JSON
	CreatedAt  int64  `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowVersionPo) TableName() string {
	return "workflow_versions"
}

type WorkflowStepPo struct {
	ID              string `gorm:"column:id;primaryKey" json:"id"`
	WorkflowID      string `gorm:"column:workflow_id;index:idx_step_workflow_version" json:"workflow_id"`
	WorkflowVersion int64  `gorm:"column:workflow_version;index:idx_step_workflow_version" json:"workflow_version"`
	StepOrder       int64  `gorm:"column:step_order" json:"step_order"`
	StepName        string `gorm:"column:step_name" json:"step_name"`
	ApproverType    string `gorm:"column:approver_type" json:"approver_type"`
	ApproverConfig  []byte `gorm:"column:approver_config" json:"approver_config"`
	TimeoutValue    int64  `gorm:"column:timeout_value" json:"timeout_value"`
	TimeoutUnit     string `gorm:"column:timeout_unit" json:"timeout_unit"` // minutes/hours/days
	CreatedAt       int64  `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowStepPo) TableName() string {
	return "workflow_steps"
}

type WorkflowActionPo struct {
	ID              string       `gorm:"column:id;primaryKey" json:"id"`
	WorkflowID      string       `gorm:"column:workflow_id;index:idx_action_workflow_version" json:"workflow_id"`
	WorkflowVersion int64        `gorm:"column:workflow_version;index:idx_action_workflow_version" json:"workflow_version"`
	ActionType      string       `gorm:"column:action_type" json:"action_type"`
	ActionConfig    []byte       `gorm:"column:action_config" json:"action_config"`
	TriggerPoint    TriggerPoint `gorm:"column:trigger_point" json:"trigger_point"`
	ActionOrder     int64        `gorm:"column:action_order" json:"action_order"`
	IsActive        bool         `gorm:"column:is_active" json:"is_active"`
	CreatedAt       int64        `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowActionPo) TableName() string {
	return "workflow_actions"
}

type WorkflowExecutionPo struct {
	ID                string          `gorm:"column:id;primaryKey" json:"id"`
	OrgID             string          `gorm:"column:org_id;index" json:"org_id"`
	WorkflowID        string          `gorm:"column:workflow_id;index" json:"workflow_id"`
	WorkflowVersion   int64           `gorm:"column:workflow_version" json:"workflow_version"`
	EntityType        string          `gorm:"column:entity_type" json:"entity_type"`
	EntityID          string          `gorm:"column:entity_id;index" json:"entity_id"`
	Status            ExecutionStatus `gorm:"column:status" json:"status"`
	CurrentStep       *int64          `gorm:"column:current_step" json:"current_step"`
	StartedAt         int64           `gorm:"column:started_at" json:"started_at"`
	CompletedAt       *int64          `gorm:"column:completed_at" json:"completed_at"`
	Metadata          []byte          `gorm:"column:metadata" json:"metadata"` // 触发时的记录快照
	CompletionNotes   string          `gorm:"column:completion_notes" json:"completion_notes"`
	CompletedBy       string          `gorm:"column:completed_by" json:"completed_by"`
	ErrorMessage      string          `gorm:"column:error_message" json:"error_message"`
	ParentExecutionID string          `gorm:"column:parent_execution_id" json:"parent_execution_id"`
	TriggeredBy       string          `gorm:"column:triggered_by" json:"triggered_by"`
	CreatedAt         int64           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         int64           `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowExecutionPo) TableName() string {
	return "workflow_executions"
}

type WorkflowApprovalPo struct {
	ID               string         `gorm:"column:id;primaryKey" json:"id"`
	OrgID            string         `gorm:"column:org_id" json:"org_id"`
	ExecutionID      string         `gorm:"column:execution_id;index" json:"execution_id"`
	StepID           string         `gorm:"column:step_id" json:"step_id"`
	StepOrder        int64          `gorm:"column:step_order" json:"step_order"`
	ApproverID       string         `gorm:"column:approver_id;index" json:"approver_id"`
	ApproverStrategy string         `gorm:"column:approver_strategy" json:"approver_strategy"`
	Status           ApprovalStatus `gorm:"column:status" json:"status"`
	RequestedAt      int64          `gorm:"column:requested_at" json:"requested_at"`
	RespondedAt      *int64         `gorm:"column:responded_at" json:"responded_at"`
	DueAt            int64          `gorm:"column:due_at" json:"due_at"`
	ResponseNotes    string         `gorm:"column:response_notes" json:"response_notes"`
	CreatedAt        int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowApprovalPo) TableName() string {
	return "workflow_approvals"
}

// WorkflowExecutionLogPo 自增id保证同一执行的日志顺序
type WorkflowExecutionLogPo struct {
	ID          int64        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ExecutionID string       `gorm:"column:execution_id;index" json:"execution_id"`
	EventType   LogEventType `gorm:"column:event_type" json:"event_type"`
	StepOrder   *int64       `gorm:"column:step_order" json:"step_order"`
	ActionID    string       `gorm:"column:action_id" json:"action_id"`
	Message     string       `gorm:"column:message" json:"message"`
	Details     []byte       `gorm:"column:details" json:"details"`
	ActorID     string       `gorm:"column:actor_id" json:"actor_id"`
	CreatedAt   int64        `gorm:"column:created_at" json:"created_at"`
}

func (WorkflowExecutionLogPo) TableName() string {
	return "workflow_execution_logs"
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryWorkflowParams struct {
	WorkflowID   *string `json:"workflow_id"`
	OrgID        *string `json:"org_id"`
	EntityType   *string `json:"entity_type"`
	TriggerEvent *string `json:"trigger_event"`
	Status       *string `json:"status"`
	Page         *Pager  `json:"page"`
}

// QueryWorkflowStepParams WorkflowVersion 为空时查当前版本
type QueryWorkflowStepParams struct {
	WorkflowID      string `json:"workflow_id" validate:"required"`
	WorkflowVersion *int64 `json:"workflow_version"`
}

type QueryWorkflowActionParams struct {
	WorkflowID      string  `json:"workflow_id" validate:"required"`
	WorkflowVersion *int64  `json:"workflow_version"`
	TriggerPoint    *string `json:"trigger_point"`
	IsActive        *bool   `json:"is_active"`
}

type QueryWorkflowExecutionParams struct {
	ExecutionID  *string  `json:"execution_id"`
	OrgID        *string  `json:"org_id"`
	WorkflowID   *string  `json:"workflow_id"`
	EntityType   *string  `json:"entity_type"`
	EntityID     *string  `json:"entity_id"`
	StatusIn     []string `json:"status_in"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page"`
}

type UpdateWorkflowExecutionParams struct {
	Where    *UpdateWorkflowExecutionWhere `json:"where" validate:"required"`
	Fields   *UpdateWorkflowExecutionField `json:"field" validate:"required"`
	LimitMax int                           `json:"limit_max" validate:"required"`
}

type UpdateWorkflowExecutionWhere struct {
	IDIn     []string `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowExecutionField struct {
	Status          *string `json:"status"`
	CurrentStep     *int64  `json:"current_step"`
	CompletedAt     *int64  `json:"completed_at"`
	CompletionNotes *string `json:"completion_notes"`
	CompletedBy     *string `json:"completed_by"`
	ErrorMessage    *string `json:"error_message"`
}

type QueryWorkflowApprovalParams struct {
	ApprovalID  *string  `json:"approval_id"`
	ExecutionID *string  `json:"execution_id"`
	OrgID       *string  `json:"org_id"`
	ApproverID  *string  `json:"approver_id"`
	StatusIn    []string `json:"status_in"`
	DueAtBefore *int64   `json:"due_at_before"`
	OrderbyAsc  *bool    `json:"orderby_asc"` // 按 step_order, requested_at 排序
	Page        *Pager   `json:"page"`
}

type UpdateWorkflowApprovalParams struct {
	Where    *UpdateWorkflowApprovalWhere `json:"where" validate:"required"`
	Fields   *UpdateWorkflowApprovalField `json:"field" validate:"required"`
	LimitMax int                          `json:"limit_max" validate:"required"`
}

type UpdateWorkflowApprovalWhere struct {
	IDIn          []string `json:"id_in"`
	ExecutionIDIn []string `json:"execution_id_in"`
	StatusIn      []string `json:"status_in"`
}

type UpdateWorkflowApprovalField struct {
	Status        *string `json:"status"`
	RespondedAt   *int64  `json:"responded_at"`
	ResponseNotes *string `json:"response_notes"`
}

type QueryExecutionLogParams struct {
	ExecutionID string   `json:"execution_id" validate:"required"`
	EventTypeIn []string `json:"event_type_in"`
	Page        *Pager   `json:"page"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

func newID() string {
	return uuid.NewString()
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func (r *workflowRepo) QueryWorkflow(ctx context.Context, param *QueryWorkflowParams) ([]*WorkflowPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowPo{})
	if param.WorkflowID != nil {
		db = db.Where("id = ?", *param.WorkflowID)
	}
	if param.OrgID != nil {
		db = db.Where("org_id = ?", *param.OrgID)
	}
	if param.EntityType != nil {
		db = db.Where("entity_type = ?", *param.EntityType)
	}
	if param.TriggerEvent != nil {
		db = db.Where("trigger_event = ?", *param.TriggerEvent)
	}
	if param.Status != nil {
		db = db.Where("status = ?", *param.Status)
	}
	db, err := applyPager(db.Order("created_at asc, id asc"), param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflow failed")
	}
	pos := make([]*WorkflowPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflow failed")
	}
	return pos, nil
}

func (r *workflowRepo) QueryWorkflowStep(ctx context.Context, param *QueryWorkflowStepParams) ([]*WorkflowStepPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowStepParams")
	}
	db := r.GetDBWithContext(ctx)
	pos := make([]*WorkflowStepPo, 0)
	err := whereWorkflowVersion(db, db.Model(&WorkflowStepPo{}), param.WorkflowID, param.WorkflowVersion).
		Order("step_order asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowStep failed")
	}
	return pos, nil
}

func (r *workflowRepo) QueryWorkflowAction(ctx context.Context, param *QueryWorkflowActionParams) ([]*WorkflowActionPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowActionParams")
	}
	base := r.GetDBWithContext(ctx)
	db := whereWorkflowVersion(base, base.Model(&WorkflowActionPo{}), param.WorkflowID, param.WorkflowVersion)
	if param.TriggerPoint != nil {
		db = db.Where("trigger_point = ?", *param.TriggerPoint)
	}
	if param.IsActive != nil {
		db = db.Where("is_active = ?", *param.IsActive)
	}
	pos := make([]*WorkflowActionPo, 0)
	if err := db.Order("action_order asc, created_at asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowAction failed")
	}
	return pos, nil
}

// whereWorkflowVersion 步骤和动作按版本保存, 不指定版本时取 workflows 表上的当前版本
func whereWorkflowVersion(base *gorm.DB, db *gorm.DB, workflowID string, version *int64) *gorm.DB {
	db = db.Where("workflow_id = ?", workflowID)
	if version != nil {
		return db.Where("workflow_version = ?", *version)
	}
	current := base.Session(&gorm.Session{NewDB: true}).Model(&WorkflowPo{}).Select("version").Where("id = ?", workflowID)
	return db.Where("workflow_version = (?)", current)
}

func (r *workflowRepo) QueryWorkflowVersion(ctx context.Context, workflowID string, version int64) (*WorkflowPo, error) {
	pos := make([]*WorkflowVersionPo, 0)
	err := r.GetDBWithContext(ctx).Model(&WorkflowVersionPo{}).
		Where("workflow_id = ? AND version = ?", workflowID, version).
		Limit(1).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowVersion failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowNotFound, "workflowID: %s, version: %d", workflowID, version)
	}
	workflow := &WorkflowPo{}
	if err := json.Unmarshal(pos[0].Snapshot, workflow); err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowVersion decode snapshot failed, workflowID: %s, version: %d", workflowID, version)
	}
	return workflow, nil
}

// SaveWorkflowDefinition 整体写入定义, 已存在的 workflow 版本号+1
// 旧版本的步骤和动作保留, 引用旧版本的执行继续按旧版本推进
func (r *workflowRepo) SaveWorkflowDefinition(ctx context.Context, workflow *WorkflowPo, steps []*WorkflowStepPo, actions []*WorkflowActionPo) error {
	if workflow == nil {
		return errors.New("nil WorkflowPo")
	}
	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.GetDBWithContext(ctx)
		now := time.Now().Unix()
		if workflow.ID == "" {
			workflow.ID = newID()
		}
		existing := make([]*WorkflowPo, 0)
		if err := db.Model(&WorkflowPo{}).Where("id = ?", workflow.ID).Limit(1).Find(&existing).Error; err != nil {
			return errors.WithMessage(err, "SaveWorkflowDefinition query failed")
		}
		if len(existing) > 0 {
			workflow.Version = existing[0].Version + 1
			workflow.CreatedAt = existing[0].CreatedAt
		} else {
			if workflow.Version == 0 {
				workflow.Version = 1
			}
			workflow.CreatedAt = now
		}
		workflow.UpdatedAt = now
		if len(existing) > 0 {
			err := db.Save(workflow).Error
			if err != nil {
				return errors.WithMessage(err, "SaveWorkflowDefinition update workflow failed")
			}
		} else if err := db.Create(workflow).Error; err != nil {
			return errors.WithMessage(err, "SaveWorkflowDefinition create workflow failed")
		}
		snapshot, err := json.Marshal(workflow)
		if err != nil {
			return errors.WithMessage(err, "SaveWorkflowDefinition marshal snapshot failed")
		}
		versionPo := &WorkflowVersionPo{WorkflowID: workflow.ID, Version: workflow.Version, Snapshot: snapshot, CreatedAt: now}
		if err := db.Create(versionPo).Error; err != nil {
			return errors.WithMessagef(err, "SaveWorkflowDefinition create version %d failed", workflow.Version)
		}
		// 新版本总是新的步骤/动作行, 传入的是上个版本的行时也不会冲突
		for _, step := range steps {
			if step.ID == "" || len(existing) > 0 {
				step.ID = newID()
			}
			step.WorkflowID = workflow.ID
			step.WorkflowVersion = workflow.Version
			step.CreatedAt = now
			if err := db.Create(step).Error; err != nil {
				return errors.WithMessagef(err, "SaveWorkflowDefinition create step %d failed", step.StepOrder)
			}
		}
		for _, action := range actions {
			if action.ID == "" || len(existing) > 0 {
				action.ID = newID()
			}
			action.WorkflowID = workflow.ID
			action.WorkflowVersion = workflow.Version
			action.CreatedAt = now
			if err := db.Create(action).Error; err != nil {
				return errors.WithMessagef(err, "SaveWorkflowDefinition create action %s failed", action.ActionType)
			}
		}
		return nil
	})
}

func (r *workflowRepo) CreateWorkflowExecution(ctx context.Context, execution *WorkflowExecutionPo) (*WorkflowExecutionPo, error) {
	if execution == nil {
		return nil, errors.New("nil WorkflowExecutionPo")
	}
	if execution.ID == "" {
		execution.ID = newID()
	}
	execution.CreatedAt = time.Now().Unix()
	execution.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(execution).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowExecution failed")
	}
	return execution, nil
}

func buildQueryWorkflowExecutionParams(db *gorm.DB, isCount bool, param *QueryWorkflowExecutionParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowExecutionParams")
	}
	if param.ExecutionID != nil {
		db = db.Where("id = ?", *param.ExecutionID)
	}
	if param.OrgID != nil {
		db = db.Where("org_id = ?", *param.OrgID)
	}
	if param.WorkflowID != nil {
		db = db.Where("workflow_id = ?", *param.WorkflowID)
	}
	if param.EntityType != nil {
		db = db.Where("entity_type = ?", *param.EntityType)
	}
	if param.EntityID != nil {
		db = db.Where("entity_id = ?", *param.EntityID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyIDAsc != nil {
		// uuid 没有顺序, 按创建时间排序
		if *param.OrderbyIDAsc {
			db = db.Order("created_at asc")
		} else {
			db = db.Order("created_at desc")
		}
	}
	return applyPager(db, param.Page)
}

func (r *workflowRepo) QueryWorkflowExecution(ctx context.Context, param *QueryWorkflowExecutionParams) ([]*WorkflowExecutionPo, error) {
	db, err := buildQueryWorkflowExecutionParams(r.GetDBWithContext(ctx).Model(&WorkflowExecutionPo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowExecutionParams failed")
	}
	pos := make([]*WorkflowExecutionPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowExecution failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowExecution(ctx context.Context, param *QueryWorkflowExecutionParams) (int64, error) {
	db, err := buildQueryWorkflowExecutionParams(r.GetDBWithContext(ctx).Model(&WorkflowExecutionPo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowExecutionParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowExecution failed")
	}
	return count, nil
}

func (r *workflowRepo) UpdateWorkflowExecution(ctx context.Context, param *UpdateWorkflowExecutionParams) (int64, error) {
	if param == nil || param.Where == nil || param.Fields == nil {
		return 0, errors.New("nil UpdateWorkflowExecutionParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowExecutionPo{})
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return 0, errors.Errorf("update workflow execution need where condition, please check, params is %+v", param.Where)
	}
	updateFields := make(map[string]any)
	if param.Fields.Status != nil {
		updateFields["status"] = *param.Fields.Status
	}
	if param.Fields.CurrentStep != nil {
		updateFields["current_step"] = *param.Fields.CurrentStep
	}
	if param.Fields.CompletedAt != nil {
		updateFields["completed_at"] = *param.Fields.CompletedAt
	}
	if param.Fields.CompletionNotes != nil {
		updateFields["completion_notes"] = *param.Fields.CompletionNotes
	}
	if param.Fields.CompletedBy != nil {
		updateFields["completed_by"] = *param.Fields.CompletedBy
	}
	if param.Fields.ErrorMessage != nil {
		updateFields["error_message"] = *param.Fields.ErrorMessage
	}
	if len(updateFields) == 0 {
		return 0, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	result := db.Updates(updateFields)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateWorkflowExecution failed")
	}
	checkRowsAffected(ctx, "UpdateWorkflowExecution", result.RowsAffected, param.LimitMax)
	return result.RowsAffected, nil
}

func (r *workflowRepo) CreateWorkflowApproval(ctx context.Context, approval *WorkflowApprovalPo) (*WorkflowApprovalPo, error) {
	if approval == nil {
		return nil, errors.New("nil WorkflowApprovalPo")
	}
	if approval.ID == "" {
		approval.ID = newID()
	}
	approval.CreatedAt = time.Now().Unix()
	approval.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(approval).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowApproval failed")
	}
	return approval, nil
}

func (r *workflowRepo) QueryWorkflowApproval(ctx context.Context, param *QueryWorkflowApprovalParams) ([]*WorkflowApprovalPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowApprovalParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowApprovalPo{})
	if param.ApprovalID != nil {
		db = db.Where("id = ?", *param.ApprovalID)
	}
	if param.ExecutionID != nil {
		db = db.Where("execution_id = ?", *param.ExecutionID)
	}
	if param.OrgID != nil {
		db = db.Where("org_id = ?", *param.OrgID)
	}
	if param.ApproverID != nil {
		db = db.Where("approver_id = ?", *param.ApproverID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.DueAtBefore != nil {
		db = db.Where("due_at > 0 AND due_at < ?", *param.DueAtBefore)
	}
	if param.OrderbyAsc != nil {
		if *param.OrderbyAsc {
			db = db.Order("step_order asc, requested_at asc")
		} else {
			db = db.Order("step_order desc, requested_at desc")
		}
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowApproval failed")
	}
	pos := make([]*WorkflowApprovalPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowApproval failed")
	}
	return pos, nil
}

func (r *workflowRepo) UpdateWorkflowApproval(ctx context.Context, param *UpdateWorkflowApprovalParams) (int64, error) {
	if param == nil || param.Where == nil || param.Fields == nil {
		return 0, errors.New("nil UpdateWorkflowApprovalParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowApprovalPo{})
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.ExecutionIDIn) > 0 {
		isHasWhere = true
		db = db.Where("execution_id IN ?", param.Where.ExecutionIDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return 0, errors.Errorf("update workflow approval need id condition, please check, params is %+v", param.Where)
	}
	updateFields := make(map[string]any)
	if param.Fields.Status != nil {
		updateFields["status"] = *param.Fields.Status
	}
	if param.Fields.RespondedAt != nil {
		updateFields["responded_at"] = *param.Fields.RespondedAt
	}
	if param.Fields.ResponseNotes != nil {
		updateFields["response_notes"] = *param.Fields.ResponseNotes
	}
	if len(updateFields) == 0 {
		return 0, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	result := db.Updates(updateFields)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateWorkflowApproval failed")
	}
	checkRowsAffected(ctx, "UpdateWorkflowApproval", result.RowsAffected, param.LimitMax)
	return result.RowsAffected, nil
}

func (r *workflowRepo) CreateExecutionLog(ctx context.Context, log *WorkflowExecutionLogPo) (*WorkflowExecutionLogPo, error) {
	if log == nil {
		return nil, errors.New("nil WorkflowExecutionLogPo")
	}
	log.ID = 0
	log.CreatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(log).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateExecutionLog failed")
	}
	return log, nil
}

func (r *workflowRepo) QueryExecutionLog(ctx context.Context, param *QueryExecutionLogParams) ([]*WorkflowExecutionLogPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryExecutionLogParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowExecutionLogPo{}).Where("execution_id = ?", param.ExecutionID)
	if len(param.EventTypeIn) != 0 {
		db = db.Where("event_type IN ?", param.EventTypeIn)
	}
	db = db.Order("id asc")
	if param.Page != nil {
		var err error
		db, err = applyPager(db, param.Page)
		if err != nil {
			return nil, errors.WithMessage(err, "QueryExecutionLog failed")
		}
	}
	pos := make([]*WorkflowExecutionLogPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryExecutionLog failed")
	}
	return pos, nil
}

// checkRowsAffected 更新行数超过预期只记日志, 说明 where 条件写得有问题
func checkRowsAffected(ctx context.Context, op string, rowsAffected int64, limitMax int) {
	if limitMax > 0 && rowsAffected > int64(limitMax) {
		slog.ErrorContext(ctx, fmt.Sprintf("%s affected %d rows, more than limit %d, please check", op, rowsAffected, limitMax))
	}
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	return getDBWithContext(ctx, r.db)
}

func getDBWithContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return runTransaction(ctx, r.db, fn)
}

// runTransaction 事务挂在 ctx 上, 嵌套调用复用外层事务
func runTransaction(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		if commitErr := tx.Commit().Error; commitErr != nil {
			err = errors.WithMessage(commitErr, "commit transaction failed")
		}
	}()
	newCtx := context.WithValue(ctx, transactionContextKey, tx)
	err = fn(newCtx)
	return err
}

// AutoMigrate 建表, 业务实体表(jobs/candidates...)由外部维护, 这里不创建
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&WorkflowPo{},
		&WorkflowVersionPo{},
		&WorkflowStepPo{},
		&WorkflowActionPo{},
		&WorkflowExecutionPo{},
		&WorkflowApprovalPo{},
		&WorkflowExecutionLogPo{},
		&UserPo{},
		&RolePo{},
		&UserRolePo{},
		&EmployeePo{},
		&PodPo{},
		&PodMemberPo{},
		&ActivityPo{},
		&NotificationPo{},
	)
	if err != nil {
		return errors.WithMessage(err, "AutoMigrate failed")
	}
	return nil
}
