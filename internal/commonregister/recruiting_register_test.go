package commonregister

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/simple-automation/workflow"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "register.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, workflow.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestRegisterRecruitingWorkflows(t *testing.T) {
	db := newTestDB(t)
	repo := workflow.NewWorkflowRepo(db)
	ctx := context.Background()

	registered, err := RegisterRecruitingWorkflows(ctx, repo, &RegisterOptions{OrgID: "org-demo"})
	require.NoError(t, err)
	require.Len(t, registered, 2)

	for _, w := range registered {
		steps, err := repo.QueryWorkflowStep(ctx, &workflow.QueryWorkflowStepParams{WorkflowID: w.ID})
		require.NoError(t, err)
		actions, err := repo.QueryWorkflowAction(ctx, &workflow.QueryWorkflowActionParams{WorkflowID: w.ID})
		require.NoError(t, err)
		def, err := workflow.BuildWorkflowDefinition(w, steps, actions)
		require.NoError(t, err, w.ID)
		for _, step := range def.Steps {
			assert.NoError(t, step.StrategyErr, "%s step %d", w.ID, step.Step.StepOrder)
		}
		for point, list := range def.Actions {
			for _, a := range list {
				assert.NoError(t, a.ConfigErr, "%s %s %s", w.ID, point, a.Action.ActionType)
			}
		}
	}

	// 重复注册升级版本, 不会产生重复的步骤
	again, err := RegisterRecruitingWorkflows(ctx, repo, &RegisterOptions{OrgID: "org-demo", JobFilledWebhookURL: "https://hooks.example.com/jobs"})
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.Equal(t, JobApprovalWorkflowID, again[0].ID)
	assert.Equal(t, int64(2), again[0].Version)
	assert.Equal(t, int64(1), again[2].Version)
	steps, err := repo.QueryWorkflowStep(ctx, &workflow.QueryWorkflowStepParams{WorkflowID: JobApprovalWorkflowID})
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	_, err = RegisterRecruitingWorkflows(ctx, repo, &RegisterOptions{})
	assert.ErrorIs(t, err, workflow.ErrWorkflowParamInvalid)
}

func TestSeedDirectory_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, SeedDirectory(ctx, db, "org-demo"))
	require.NoError(t, SeedDirectory(ctx, db, "org-demo"))
	require.NoError(t, EnsureEntityTables(db))
	require.NoError(t, EnsureEntityTables(db))

	var users int64
	require.NoError(t, db.Model(&workflow.UserPo{}).Count(&users).Error)
	assert.Equal(t, int64(5), users)

	directory := workflow.NewDirectoryRepo(db)
	resolver := workflow.NewApproverResolver(directory, workflow.NewEntityRepo(db))
	strategy, err := workflow.NewApproverStrategy(workflow.ApproverTypeOwnersManager, nil)
	require.NoError(t, err)
	approver, err := resolver.Resolve(ctx, workflow.ApproverTypeOwnersManager, strategy, &workflow.ApproverContext{
		OrgID:  "org-demo",
		Record: workflow.NewJSONContextFromMap(map[string]any{"owner_id": "u-owner"}),
	})
	require.NoError(t, err)
	require.NotNil(t, approver)
	assert.Equal(t, "u-manager", approver.UserID)
}
