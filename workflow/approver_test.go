package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *ApproverResolver {
	t.Helper()
	db := newTestDB(t)
	seedDirectory(t, db)
	seedJob(t, db, "job-ownerless", map[string]any{"owner_id": "", "created_by": "u-rec1"})
	return NewApproverResolver(NewDirectoryRepo(db), NewEntityRepo(db))
}

func TestApproverResolver_Strategies(t *testing.T) {
	resolver := newTestResolver(t)
	cases := []struct {
		name         string
		approverType string
		config       map[string]any
		actx         *ApproverContext
		want         string
	}{
		{
			name:         "specific user",
			approverType: ApproverTypeSpecificUser,
			config:       map[string]any{"user_id": "u-director"},
			actx:         &ApproverContext{OrgID: testOrgID},
			want:         "u-director",
		},
		{
			name:         "record owner",
			approverType: ApproverTypeRecordOwner,
			actx:         &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "u-rec2"})},
			want:         "u-rec2",
		},
		{
			name:         "record owner falls back to created_by",
			approverType: ApproverTypeRecordOwner,
			actx:         &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "", "created_by": "u-rec1"})},
			want:         "u-rec1",
		},
		{
			name:         "record owner loaded from entity table",
			approverType: ApproverTypeRecordOwner,
			actx:         &ApproverContext{OrgID: testOrgID, EntityType: "job", EntityID: "job-ownerless"},
			want:         "u-rec1",
		},
		{
			name:         "owners manager from employee record",
			approverType: ApproverTypeOwnersManager,
			actx:         &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "u-owner"})},
			want:         "u-manager",
		},
		{
			name:         "owners manager falls back to pod manager",
			approverType: ApproverTypeOwnersManager,
			actx:         &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "u-rec1"})},
			want:         "u-lead",
		},
		{
			name:         "role based",
			approverType: ApproverTypeRoleBased,
			config:       map[string]any{"role_name": "director"},
			actx:         &ApproverContext{OrgID: testOrgID},
			want:         "u-director",
		},
		{
			name:         "pod manager of owner",
			approverType: ApproverTypePodManager,
			actx:         &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "u-rec2"})},
			want:         "u-lead",
		},
		{
			name:         "fixed pod",
			approverType: ApproverTypePodManager,
			config:       map[string]any{"pod_id": "pod-1"},
			actx:         &ApproverContext{OrgID: testOrgID},
			want:         "u-lead",
		},
		{
			name:         "custom formula",
			approverType: ApproverTypeCustomFormula,
			config:       map[string]any{"formula": "record.salary > 100000 ? 'u-director' : record.owner_id"},
			actx:         &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"salary": 180000, "owner_id": "u-owner"})},
			want:         "u-director",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			strategy, err := NewApproverStrategy(c.approverType, c.config)
			require.NoError(t, err)
			approver, err := resolver.Resolve(context.Background(), c.approverType, strategy, c.actx)
			require.NoError(t, err)
			require.NotNil(t, approver)
			assert.Equal(t, c.want, approver.UserID)
			assert.Equal(t, c.approverType, approver.Strategy)
		})
	}
}

func TestApproverResolver_Unresolved(t *testing.T) {
	resolver := newTestResolver(t)
	cases := []struct {
		name         string
		approverType string
		config       map[string]any
		actx         *ApproverContext
	}{
		{"deleted user", ApproverTypeSpecificUser, map[string]any{"user_id": "u-gone"}, &ApproverContext{OrgID: testOrgID}},
		{"unknown user", ApproverTypeSpecificUser, map[string]any{"user_id": "u-nobody"}, &ApproverContext{OrgID: testOrgID}},
		{"user of another org", ApproverTypeSpecificUser, map[string]any{"user_id": "u-outsider"}, &ApproverContext{OrgID: testOrgID}},
		{"formula picks user of another org", ApproverTypeCustomFormula, map[string]any{"formula": "'u-outsider'"}, &ApproverContext{OrgID: testOrgID}},
		{"no owner", ApproverTypeRecordOwner, nil, &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"title": "x"})}},
		{"owner without manager or pod", ApproverTypeOwnersManager, nil, &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "u-director"})}},
		{"pod managed by owner", ApproverTypePodManager, nil, &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"owner_id": "u-lead"})}},
		{"role without users", ApproverTypeRoleBased, map[string]any{"role_name": "cfo"}, &ApproverContext{OrgID: testOrgID}},
		{"formula returns number", ApproverTypeCustomFormula, map[string]any{"formula": "record.salary"}, &ApproverContext{OrgID: testOrgID, Record: NewJSONContextFromMap(map[string]any{"salary": 1})}},
		{"formula returns empty", ApproverTypeCustomFormula, map[string]any{"formula": "record.recruiter_id ?? ''"}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			strategy, err := NewApproverStrategy(c.approverType, c.config)
			require.NoError(t, err)
			approver, err := resolver.Resolve(context.Background(), c.approverType, strategy, c.actx)
			require.NoError(t, err)
			assert.Nil(t, approver)
		})
	}
}

func TestNewApproverStrategy_Errors(t *testing.T) {
	_, err := NewApproverStrategy("round_table", nil)
	assert.ErrorIs(t, err, ErrApproverStrategyNotFound)

	_, err = NewApproverStrategy(ApproverTypeSpecificUser, map[string]any{})
	assert.ErrorIs(t, err, ErrApproverConfigInvalid)

	_, err = NewApproverStrategy(ApproverTypeCustomFormula, map[string]any{"formula": "record.salary >"})
	assert.ErrorIs(t, err, ErrApproverConfigInvalid)

	err = RegisterApproverStrategy(ApproverTypeRecordOwner, func(map[string]any) (ApproverStrategy, error) { return recordOwnerApprover{}, nil })
	assert.ErrorIs(t, err, ErrApproverStrategyRegistered)
}
