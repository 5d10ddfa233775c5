package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type triggerWebhookConfig struct {
	WebhookURL string            `json:"webhook_url" validate:"required,url"`
	Method     string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Headers    map[string]string `json:"headers"`
	Payload    map[string]any    `json:"payload"`
}

type triggerWebhookAction struct {
	config triggerWebhookConfig
}

func newTriggerWebhookAction(config map[string]any) (ActionWorker, error) {
	a := &triggerWebhookAction{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	a.config.Method = strings.ToUpper(a.config.Method)
	if a.config.Method == "" {
		a.config.Method = "POST"
	}
	return a, nil
}

// envelope 固定信封, 自定义 payload 覆盖同名字段
func (a *triggerWebhookAction) envelope(e *ActionExecutor, actx *ActionContext) map[string]any {
	body := map[string]any{
		"event":        "workflow.webhook",
		"execution_id": executionID(actx),
		"workflow_id":  actx.WorkflowID,
		"entity_type":  actx.EntityType,
		"entity_id":    actx.EntityID,
		"record":       actx.Record.ToMap(),
		"timestamp":    e.now().UTC().Format(time.RFC3339),
	}
	for k, v := range a.config.Payload {
		body[k] = resolveTemplateValue(v, actx)
	}
	return body
}

func (a *triggerWebhookAction) Execute(ctx context.Context, e *ActionExecutor, actx *ActionContext) *ActionResult {
	if e.webhook == nil {
		return actionFailed(errors.New("webhook client not configured"))
	}
	resp, err := e.webhook.Do(ctx, &WebhookRequest{
		URL:     ResolveTemplate(a.config.WebhookURL, actx),
		Method:  a.config.Method,
		Headers: a.config.Headers,
		Body:    a.envelope(e, actx),
	})
	if err != nil {
		result := actionFailed(errors.WithMessage(err, "trigger webhook failed"))
		if resp != nil {
			result.Data = map[string]any{"status_code": resp.StatusCode}
		}
		return result
	}
	return actionSucceeded(fmt.Sprintf("webhook returned %d", resp.StatusCode), map[string]any{
		"status_code": resp.StatusCode,
	})
}
