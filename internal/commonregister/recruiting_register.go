package commonregister

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blingmoon/simple-automation/workflow"
)

// 示例工作流的固定 id, 重复注册会生成新版本而不是新工作流
const (
	JobApprovalWorkflowID        = "wf-job-approval"
	CandidateInterviewWorkflowID = "wf-candidate-interview"
	JobFilledWorkflowID          = "wf-job-filled"
)

type RegisterOptions struct {
	OrgID string
	// JobFilledWebhookURL 为空时不注册职位关闭的 webhook 工作流
	JobFilledWebhookURL string
}

// EnsureEntityTables 示例用的业务表, 真实部署里这些表属于业务系统
func EnsureEntityTables(db *gorm.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			org_id TEXT,
			title TEXT,
			status TEXT,
			priority TEXT,
			owner_id TEXT,
			created_by TEXT,
			recruiter_id TEXT,
			salary REAL
		)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id TEXT PRIMARY KEY,
			org_id TEXT,
			full_name TEXT,
			status TEXT,
			owner_id TEXT,
			created_by TEXT
		)`,
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return errors.WithMessage(err, "create entity table failed")
		}
	}
	return nil
}

/**
 * @description: 示例组织架构, 已存在的行跳过
 *				 u-owner 的上级是 u-manager, 团队 pod-hiring 由 u-lead 负责, u-director 拥有 director 角色
 * @param ctx context.Context
 * @param db *gorm.DB
 * @param orgID string
 * @return error
 */
func SeedDirectory(ctx context.Context, db *gorm.DB, orgID string) error {
	db = db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true})
	users := []*workflow.UserPo{
		{ID: "u-owner", OrgID: orgID, Email: "owner@example.com", FullName: "Olivia Owner"},
		{ID: "u-manager", OrgID: orgID, Email: "manager@example.com", FullName: "Max Manager"},
		{ID: "u-lead", OrgID: orgID, Email: "lead@example.com", FullName: "Lee Lead"},
		{ID: "u-director", OrgID: orgID, Email: "director@example.com", FullName: "Dana Director"},
		{ID: "u-rec1", OrgID: orgID, Email: "rec1@example.com", FullName: "Rita Recruiter"},
	}
	rows := []any{
		users,
		&workflow.RolePo{ID: "role-director", OrgID: orgID, Name: "director"},
		&workflow.UserRolePo{ID: "ur-director", OrgID: orgID, UserID: "u-director", RoleID: "role-director", CreatedAt: 1},
		&workflow.EmployeePo{ID: "e-owner", OrgID: orgID, UserID: "u-owner", ManagerID: "u-manager"},
		&workflow.EmployeePo{ID: "e-rec1", OrgID: orgID, UserID: "u-rec1"},
		&workflow.PodPo{ID: "pod-hiring", OrgID: orgID, Name: "Hiring", ManagerID: "u-lead"},
		[]*workflow.PodMemberPo{
			{ID: "pm-owner", PodID: "pod-hiring", UserID: "u-owner"},
			{ID: "pm-rec1", PodID: "pod-hiring", UserID: "u-rec1"},
			{ID: "pm-lead", PodID: "pod-hiring", UserID: "u-lead"},
		},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			return errors.WithMessagef(err, "seed directory failed, orgID: %s", orgID)
		}
	}
	return nil
}

/**
 * @description: 注册招聘场景的示例工作流
 *				 职位审批: 新建职位薪资 >= 100000 时, 先由负责人的上级审批, 再由 director 审批
 *				 候选人面试: 候选人状态变成 interview 时给负责人建跟进任务并发通知
 *				 职位关闭: 职位状态变成 filled 时推送 webhook, 只有配置了 url 才注册
 * @param ctx context.Context
 * @param repo workflow.WorkflowRepo
 * @param opts *RegisterOptions
 * @return []*workflow.WorkflowPo 注册的工作流
 */
func RegisterRecruitingWorkflows(ctx context.Context, repo workflow.WorkflowRepo, opts *RegisterOptions) ([]*workflow.WorkflowPo, error) {
	if opts == nil || opts.OrgID == "" {
		return nil, errors.WithMessage(workflow.ErrWorkflowParamInvalid, "orgID is required")
	}
	definitions := []*workflowDefinition{
		jobApprovalDefinition(opts.OrgID),
		candidateInterviewDefinition(opts.OrgID),
	}
	if opts.JobFilledWebhookURL != "" {
		definitions = append(definitions, jobFilledDefinition(opts.OrgID, opts.JobFilledWebhookURL))
	}
	ret := make([]*workflow.WorkflowPo, 0, len(definitions))
	for _, d := range definitions {
		if err := repo.SaveWorkflowDefinition(ctx, d.workflow, d.steps, d.actions); err != nil {
			return nil, errors.WithMessagef(err, "register workflow %s failed", d.workflow.ID)
		}
		ret = append(ret, d.workflow)
	}
	return ret, nil
}

type workflowDefinition struct {
	workflow *workflow.WorkflowPo
	steps    []*workflow.WorkflowStepPo
	actions  []*workflow.WorkflowActionPo
}

func jobApprovalDefinition(orgID string) *workflowDefinition {
	return &workflowDefinition{
		workflow: &workflow.WorkflowPo{
			ID:           JobApprovalWorkflowID,
			OrgID:        orgID,
			Name:         "Job approval",
			Description:  "High salary jobs need manager and director sign-off before opening",
			EntityType:   "job",
			TriggerEvent: "create",
			TriggerConditions: mustJSON(&workflow.ConditionTree{
				Logic: workflow.ConditionLogicAnd,
				Conditions: []*workflow.Condition{
					{Field: "salary", Operator: "gte", Value: 100000},
				},
			}),
			WorkflowType: workflow.WorkflowTypeApproval,
			Status:       workflow.WorkflowStatusActive,
			CreatedBy:    "system",
		},
		steps: []*workflow.WorkflowStepPo{
			newStep(1, "Hiring manager review", workflow.ApproverTypeOwnersManager, nil, 24, "hours"),
			newStep(2, "Director sign-off", workflow.ApproverTypeRoleBased, map[string]any{"role_name": "director"}, 2, "days"),
		},
		actions: []*workflow.WorkflowActionPo{
			newAction(workflow.TriggerPointOnStart, 1, workflow.ActionTypeUpdateField, map[string]any{
				"field": "status", "value": "pending_approval",
			}),
			newAction(workflow.TriggerPointOnEachStep, 1, workflow.ActionTypeCreateActivity, map[string]any{
				"activity_type": "approval",
				"subject":       "Approval requested for {{title}}",
			}),
			newAction(workflow.TriggerPointOnApproval, 1, workflow.ActionTypeUpdateField, map[string]any{
				"field": "status", "value": "open",
			}),
			newAction(workflow.TriggerPointOnRejection, 1, workflow.ActionTypeUpdateField, map[string]any{
				"field": "status", "value": "rejected",
			}),
			newAction(workflow.TriggerPointOnRejection, 2, workflow.ActionTypeSendNotification, map[string]any{
				"recipient_type": "owner",
				"subject":        "{{title}} was not approved",
				"priority":       "high",
			}),
			newAction(workflow.TriggerPointOnCancellation, 1, workflow.ActionTypeUpdateField, map[string]any{
				"field": "status", "value": "draft",
			}),
			newAction(workflow.TriggerPointOnCompletion, 1, workflow.ActionTypeSendNotification, map[string]any{
				"recipient_type": "owner",
				"subject":        "{{title}} is approved and open",
			}),
		},
	}
}

func candidateInterviewDefinition(orgID string) *workflowDefinition {
	return &workflowDefinition{
		workflow: &workflow.WorkflowPo{
			ID:           CandidateInterviewWorkflowID,
			OrgID:        orgID,
			Name:         "Candidate interview follow-up",
			EntityType:   "candidate",
			TriggerEvent: "update",
			TriggerConditions: mustJSON(&workflow.ConditionTree{
				Logic: workflow.ConditionLogicAnd,
				Conditions: []*workflow.Condition{
					{Field: "status", Operator: "changed_to", Value: "interview"},
				},
			}),
			WorkflowType: workflow.WorkflowTypeSimple,
			Status:       workflow.WorkflowStatusActive,
			CreatedBy:    "system",
		},
		actions: []*workflow.WorkflowActionPo{
			newAction(workflow.TriggerPointOnStart, 1, workflow.ActionTypeCreateTask, map[string]any{
				"assignment_strategy": "owner",
				"subject":             "Prepare interview for {{full_name}}",
				"due_in":              1,
				"due_unit":            "days",
			}),
			newAction(workflow.TriggerPointOnCompletion, 1, workflow.ActionTypeSendNotification, map[string]any{
				"recipient_type": "owner",
				"subject":        "{{full_name}} moved to interview",
			}),
		},
	}
}

func jobFilledDefinition(orgID string, webhookURL string) *workflowDefinition {
	return &workflowDefinition{
		workflow: &workflow.WorkflowPo{
			ID:           JobFilledWorkflowID,
			OrgID:        orgID,
			Name:         "Job filled sync",
			EntityType:   "job",
			TriggerEvent: "update",
			TriggerConditions: mustJSON(&workflow.ConditionTree{
				Logic: workflow.ConditionLogicAnd,
				Conditions: []*workflow.Condition{
					{Field: "status", Operator: "changed_to", Value: "filled"},
				},
			}),
			WorkflowType: workflow.WorkflowTypeSimple,
			Status:       workflow.WorkflowStatusActive,
			CreatedBy:    "system",
		},
		actions: []*workflow.WorkflowActionPo{
			newAction(workflow.TriggerPointOnStart, 1, workflow.ActionTypeTriggerWebhook, map[string]any{
				"webhook_url": webhookURL,
				"method":      "POST",
				"payload":     map[string]any{"job_title": "{{title}}"},
			}),
			newAction(workflow.TriggerPointOnCompletion, 1, workflow.ActionTypeCreateActivity, map[string]any{
				"subject": "{{title}} filled",
			}),
		},
	}
}

func newStep(order int64, name string, approverType string, config map[string]any, timeout int64, unit string) *workflow.WorkflowStepPo {
	return &workflow.WorkflowStepPo{
		StepOrder:      order,
		StepName:       name,
		ApproverType:   approverType,
		ApproverConfig: mustJSON(config),
		TimeoutValue:   timeout,
		TimeoutUnit:    unit,
	}
}

func newAction(point workflow.TriggerPoint, order int64, actionType string, config map[string]any) *workflow.WorkflowActionPo {
	return &workflow.WorkflowActionPo{
		ActionType:   actionType,
		ActionConfig: mustJSON(config),
		TriggerPoint: point,
		ActionOrder:  order,
		IsActive:     true,
	}
}

// mustJSON 只用于上面写死的定义
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
