package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

const (
	RecipientOwner     = "owner"
	RecipientSubmitter = "submitter"
	RecipientApprover  = "approver"
	RecipientCustom    = "custom"
)

type sendNotificationConfig struct {
	RecipientType    string   `json:"recipient_type" validate:"required,oneof=owner submitter approver custom"`
	RecipientEmail   string   `json:"recipient_email" validate:"required_if=RecipientType custom,omitempty,email"`
	Subject          string   `json:"subject" validate:"required"`
	Message          string   `json:"message"`
	NotificationType string   `json:"notification_type"`
	Priority         string   `json:"priority"`
	ActionURL        string   `json:"action_url"`
	ActionLabel      string   `json:"action_label"`
	Channels         []string `json:"channels"`
}

type sendNotificationAction struct {
	config sendNotificationConfig
}

func newSendNotificationAction(config map[string]any) (ActionWorker, error) {
	a := &sendNotificationAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	if a.config.NotificationType == "" {
		a.config.NotificationType = "workflow"
	}
	if a.config.Priority == "" {
		a.config.Priority = "normal"
	}
	if len(a.config.Channels) == 0 {
		a.config.Channels = []string{"in_app"}
	}
	return a, nil
}

// recipient 返回 user id, custom 类型只有邮箱时 user id 为空
func (a *sendNotificationAction) recipient(ctx context.Context, e *ActionExecutor, actx *ActionContext) (string, string, error) {
	switch a.config.RecipientType {
	case RecipientOwner:
		owner, err := e.resolver.recordOwner(ctx, e.approverContext(actx))
		return owner, "", err
	case RecipientSubmitter:
		if submitter := actx.Record.FirstString("submitted_by", "created_by"); submitter != "" {
			return submitter, "", nil
		}
		if actx.Execution != nil {
			return actx.Execution.TriggeredBy, "", nil
		}
		return "", "", nil
	case RecipientApprover:
		if actx.Execution == nil {
			return "", "", nil
		}
		approvals, err := e.repo.QueryWorkflowApproval(ctx, &QueryWorkflowApprovalParams{
			ExecutionID: &actx.Execution.ID,
			StatusIn:    []string{ApprovalStatusPending},
			Page:        &Pager{Page: 1, Size: 1},
		})
		if err != nil {
			return "", "", errors.WithMessagef(err, "QueryWorkflowApproval failed, executionID: %s", actx.Execution.ID)
		}
		if len(approvals) == 0 {
			return "", "", nil
		}
		return approvals[0].ApproverID, "", nil
	case RecipientCustom:
		email := ResolveTemplate(a.config.RecipientEmail, actx)
		users, err := e.directory.QueryUser(ctx, &QueryUserParams{OrgID: &actx.OrgID, Email: &email})
		if err != nil {
			return "", "", errors.WithMessagef(err, "QueryUser failed, email: %s", email)
		}
		if len(users) > 0 {
			return users[0].ID, email, nil
		}
		return "", email, nil
	}
	return "", "", errors.Errorf("unknown recipient type: %s", a.config.RecipientType)
}

func (a *sendNotificationAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	userID, email, err := a.recipient(ctx, e, actx)
	if err != nil {
		return actionFailed(errors.WithMessage(err, "resolve notification recipient failed"))
	}
	if userID == "" && email == "" {
		return actionFailed(errors.Errorf("no recipient found, recipient_type: %s", a.config.RecipientType))
	}
	notification := &Notification{
		OrgID:       actx.OrgID,
		UserID:      userID,
		Email:       email,
		Type:        a.config.NotificationType,
		Title:       ResolveTemplate(a.config.Subject, actx),
		Message:     ResolveTemplate(a.config.Message, actx),
		EntityType:  actx.EntityType,
		EntityID:    actx.EntityID,
		Priority:    a.config.Priority,
		ActionURL:   ResolveTemplate(a.config.ActionURL, actx),
		ActionLabel: a.config.ActionLabel,
		Channels:    a.config.Channels,
	}
	data := map[string]any{"recipient_id": userID, "recipient_email": email, "delivered": true}
	if err := e.notifier.Dispatch(ctx, notification); err != nil {
		// 通知失败不影响工作流
		slog.WarnContext(ctx, fmt.Sprintf("dispatch notification failed, executionID: %s, recipient: %s, err: %v", executionID(actx), userID, err))
		data["delivered"] = false
		data["dispatch_error"] = err.Error()
		return actionSucceeded("notification dispatch failed", data)
	}
	return actionSucceeded("notification sent", data)
}
