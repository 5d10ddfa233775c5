package workflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testOrgID = "org-1"

// newTestDB 每个测试一个临时文件库, :memory: 在连接池下每个连接是独立的库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "automation.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, db.Exec(`CREATE TABLE jobs (
		id TEXT PRIMARY KEY,
		org_id TEXT,
		title TEXT,
		status TEXT,
		priority TEXT,
		owner_id TEXT,
		created_by TEXT,
		recruiter_id TEXT,
		salary REAL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE candidates (
		id TEXT PRIMARY KEY,
		org_id TEXT,
		full_name TEXT,
		status TEXT,
		owner_id TEXT,
		created_by TEXT
	)`).Error)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// seedDirectory
// u-owner 的直属上级是 u-manager, 所在团队 pod-1 的负责人是 u-lead
// u-director 拥有 director 角色, u-gone 已经软删除, u-outsider 属于 org-2
func seedDirectory(t *testing.T, db *gorm.DB) {
	t.Helper()
	deletedAt := time.Now().Add(-time.Hour).Unix()
	users := []*UserPo{
		{ID: "u-owner", OrgID: testOrgID, Email: "owner@example.com", FullName: "Olivia Owner"},
		{ID: "u-manager", OrgID: testOrgID, Email: "manager@example.com", FullName: "Max Manager"},
		{ID: "u-lead", OrgID: testOrgID, Email: "lead@example.com", FullName: "Lee Lead"},
		{ID: "u-director", OrgID: testOrgID, Email: "director@example.com", FullName: "Dana Director"},
		{ID: "u-rec1", OrgID: testOrgID, Email: "rec1@example.com", FullName: "Rita Recruiter"},
		{ID: "u-rec2", OrgID: testOrgID, Email: "rec2@example.com", FullName: "Ray Recruiter"},
		{ID: "u-gone", OrgID: testOrgID, Email: "gone@example.com", FullName: "Gus Gone", DeletedAt: &deletedAt},
		{ID: "u-outsider", OrgID: "org-2", Email: "outsider@example.com", FullName: "Otto Outsider"},
	}
	require.NoError(t, db.Create(users).Error)
	require.NoError(t, db.Create(&RolePo{ID: "role-director", OrgID: testOrgID, Name: "director"}).Error)
	require.NoError(t, db.Create(&UserRolePo{ID: "ur-1", OrgID: testOrgID, UserID: "u-director", RoleID: "role-director", CreatedAt: 1}).Error)
	require.NoError(t, db.Create(&EmployeePo{ID: "e-owner", OrgID: testOrgID, UserID: "u-owner", ManagerID: "u-manager"}).Error)
	require.NoError(t, db.Create(&EmployeePo{ID: "e-rec1", OrgID: testOrgID, UserID: "u-rec1"}).Error)
	require.NoError(t, db.Create(&PodPo{ID: "pod-1", OrgID: testOrgID, Name: "Engineering hiring", ManagerID: "u-lead"}).Error)
	members := []*PodMemberPo{
		{ID: "pm-1", PodID: "pod-1", UserID: "u-owner"},
		{ID: "pm-2", PodID: "pod-1", UserID: "u-rec1"},
		{ID: "pm-3", PodID: "pod-1", UserID: "u-rec2"},
		{ID: "pm-4", PodID: "pod-1", UserID: "u-lead"},
	}
	require.NoError(t, db.Create(members).Error)
}

func seedJob(t *testing.T, db *gorm.DB, id string, fields map[string]any) map[string]any {
	t.Helper()
	record := map[string]any{
		"id":         id,
		"org_id":     testOrgID,
		"title":      "Senior Go Engineer",
		"status":     "open",
		"priority":   "high",
		"owner_id":   "u-owner",
		"created_by": "u-owner",
		"salary":     150000.0,
	}
	for k, v := range fields {
		record[k] = v
	}
	require.NoError(t, db.Table("jobs").Create(record).Error)
	return record
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []*Notification
	err           error
}

func (n *recordingNotifier) Dispatch(ctx context.Context, notification *Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *recordingNotifier) sent() []*Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Notification{}, n.notifications...)
}

type stubWebhookClient struct {
	mu       sync.Mutex
	requests []*WebhookRequest
	status   int
}

func (c *stubWebhookClient) Do(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	status := c.status
	if status == 0 {
		status = 200
	}
	resp := &WebhookResponse{StatusCode: status}
	if status >= 300 {
		return resp, errors.WithMessagef(ErrWebhookStatus, "status %d", status)
	}
	return resp, nil
}

type testEngine struct {
	db       *gorm.DB
	repo     WorkflowRepo
	service  *WorkflowServiceImpl
	notifier *recordingNotifier
	webhook  *stubWebhookClient
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db := newTestDB(t)
	seedDirectory(t, db)
	notifier := &recordingNotifier{}
	webhook := &stubWebhookClient{}
	service, err := NewGormWorkflowService(db, NewLocalWorkflowLock(), notifier, webhook, nil)
	require.NoError(t, err)
	impl, ok := service.(*WorkflowServiceImpl)
	require.True(t, ok)
	return &testEngine{
		db:       db,
		repo:     impl.repo,
		service:  impl,
		notifier: notifier,
		webhook:  webhook,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (e *testEngine) saveWorkflow(t *testing.T, workflow *WorkflowPo, steps []*WorkflowStepPo, actions []*WorkflowActionPo) *WorkflowPo {
	t.Helper()
	if workflow.OrgID == "" {
		workflow.OrgID = testOrgID
	}
	if workflow.Status == "" {
		workflow.Status = WorkflowStatusActive
	}
	if workflow.EntityType == "" {
		workflow.EntityType = "job"
	}
	if workflow.TriggerEvent == "" {
		workflow.TriggerEvent = "create"
	}
	require.NoError(t, e.repo.SaveWorkflowDefinition(context.Background(), workflow, steps, actions))
	return workflow
}

func step(order int64, approverType string, config map[string]any) *WorkflowStepPo {
	raw, _ := json.Marshal(config)
	return &WorkflowStepPo{
		StepOrder:      order,
		StepName:       approverType,
		ApproverType:   approverType,
		ApproverConfig: raw,
	}
}

func action(point TriggerPoint, order int64, actionType string, config map[string]any) *WorkflowActionPo {
	raw, _ := json.Marshal(config)
	return &WorkflowActionPo{
		ActionType:   actionType,
		ActionConfig: raw,
		TriggerPoint: point,
		ActionOrder:  order,
		IsActive:     true,
	}
}

func (e *testEngine) pendingApproval(t *testing.T, executionID string) *WorkflowApprovalPo {
	t.Helper()
	approvals, err := e.repo.QueryWorkflowApproval(context.Background(), &QueryWorkflowApprovalParams{
		ExecutionID: &executionID,
		StatusIn:    []string{ApprovalStatusPending},
		Page:        noLimitPager(),
	})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	return approvals[0]
}

func (e *testEngine) eventTypes(t *testing.T, executionID string) []string {
	t.Helper()
	logs, err := e.repo.QueryExecutionLog(context.Background(), &QueryExecutionLogParams{ExecutionID: executionID})
	require.NoError(t, err)
	ret := make([]string, 0, len(logs))
	for _, log := range logs {
		ret = append(ret, log.EventType)
	}
	return ret
}
