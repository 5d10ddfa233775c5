package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	ApproverTypeSpecificUser  = "specific_user"
	ApproverTypeRecordOwner   = "record_owner"
	ApproverTypeOwnersManager = "owners_manager"
	ApproverTypeRoleBased     = "role_based"
	ApproverTypePodManager    = "pod_manager"
	ApproverTypeCustomFormula = "custom_formula"
)

var approverStrategies = sync.Map{}

// ApproverContext 审批人解析的上下文
type ApproverContext struct {
	OrgID      string
	EntityType string
	EntityID   string
	Record     *JSONContext
}

type ResolvedApprover struct {
	UserID   string         `json:"user_id"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Strategy string         `json:"strategy"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ApproverStrategy 审批人策略, 只负责给出候选 user id
// 返回空字符串表示无法解析, 用户存在性和软删除检查由 ApproverResolver 统一做
type ApproverStrategy interface {
	Candidate(ctx context.Context, resolver *ApproverResolver, actx *ApproverContext) (userID string, metadata map[string]any, err error)
}

// ApproverStrategyFactory 根据配置构造策略, 配置错误在这里返回
type ApproverStrategyFactory func(config map[string]any) (ApproverStrategy, error)

/*
*
  - @description: 注册审批人策略
  - @param approverType string 步骤上配置的 approver_type
  - @param factory ApproverStrategyFactory
  - @return error
*/
func RegisterApproverStrategy(approverType string, factory ApproverStrategyFactory) error {
	if factory == nil {
		return errors.New("factory is nil")
	}
	if _, loaded := approverStrategies.LoadOrStore(approverType, factory); loaded {
		return errors.WithMessagef(ErrApproverStrategyRegistered, "approverType: %s", approverType)
	}
	return nil
}

// NewApproverStrategy 加载定义时调用
func NewApproverStrategy(approverType string, config map[string]any) (ApproverStrategy, error) {
	i, ok := approverStrategies.Load(approverType)
	if !ok {
		return nil, errors.WithMessagef(ErrApproverStrategyNotFound, "approverType: %s", approverType)
	}
	factory, ok := i.(ApproverStrategyFactory)
	if !ok {
		return nil, errors.WithMessagef(ErrApproverStrategyNotFound, "approverType: %s, type error,please check code", approverType)
	}
	strategy, err := factory(config)
	if err != nil {
		return nil, errors.WithMessagef(ErrApproverConfigInvalid, "approverType: %s, err: %v", approverType, err)
	}
	return strategy, nil
}

func init() {
	defaults := map[string]ApproverStrategyFactory{
		ApproverTypeSpecificUser:  newSpecificUserApprover,
		ApproverTypeRecordOwner:   func(map[string]any) (ApproverStrategy, error) { return recordOwnerApprover{}, nil },
		ApproverTypeOwnersManager: func(map[string]any) (ApproverStrategy, error) { return ownersManagerApprover{}, nil },
		ApproverTypeRoleBased:     newRoleBasedApprover,
		ApproverTypePodManager:    newPodManagerApprover,
		ApproverTypeCustomFormula: newCustomFormulaApprover,
	}
	for approverType, factory := range defaults {
		if err := RegisterApproverStrategy(approverType, factory); err != nil {
			panic(err)
		}
	}
}

// ApproverResolver 审批人解析器
type ApproverResolver struct {
	directory DirectoryRepo
	entities  EntityRepo
}

func NewApproverResolver(directory DirectoryRepo, entities EntityRepo) *ApproverResolver {
	return &ApproverResolver{directory: directory, entities: entities}
}

// Resolve 返回 nil, nil 表示无法确定审批人, 由调用方决定是否视为失败
func (r *ApproverResolver) Resolve(ctx context.Context, approverType string, strategy ApproverStrategy, actx *ApproverContext) (*ResolvedApprover, error) {
	if strategy == nil {
		return nil, errors.WithMessagef(ErrApproverStrategyNotFound, "approverType: %s", approverType)
	}
	if actx == nil {
		actx = &ApproverContext{}
	}
	if actx.Record == nil {
		actx.Record = NewJSONContext(nil)
	}
	userID, metadata, err := strategy.Candidate(ctx, r, actx)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve approver failed, approverType: %s", approverType)
	}
	if userID == "" {
		return nil, nil
	}
	users, err := r.directory.QueryUser(ctx, &QueryUserParams{UserIDIn: []string{userID}, OrgID: &actx.OrgID})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryUser failed, userID: %s", userID)
	}
	if len(users) == 0 {
		// 不存在, 已经软删除, 或者不属于当前组织
		slog.WarnContext(ctx, fmt.Sprintf("approver user not found or deleted, approverType: %s, userID: %s", approverType, userID))
		return nil, nil
	}
	return &ResolvedApprover{
		UserID:   users[0].ID,
		Email:    users[0].Email,
		Name:     users[0].FullName,
		Strategy: approverType,
		Metadata: metadata,
	}, nil
}

// recordOwner 先看快照里的 owner_id/created_by, 没有再回表查
func (r *ApproverResolver) recordOwner(ctx context.Context, actx *ApproverContext) (string, error) {
	if owner := actx.Record.FirstString("owner_id", "created_by"); owner != "" {
		return owner, nil
	}
	if actx.EntityID == "" || r.entities == nil {
		return "", nil
	}
	record, err := r.entities.GetEntityRecord(ctx, actx.EntityType, actx.EntityID)
	if err != nil {
		if errors.Is(err, ErrEntityRecordNotFound) {
			return "", nil
		}
		return "", errors.WithMessagef(err, "GetEntityRecord failed, entityType: %s, entityID: %s", actx.EntityType, actx.EntityID)
	}
	return NewJSONContextFromMap(record).FirstString("owner_id", "created_by"), nil
}

// directManager 员工表里的直属上级
func (r *ApproverResolver) directManager(ctx context.Context, userID string) (string, error) {
	employees, err := r.directory.QueryEmployee(ctx, &QueryEmployeeParams{UserID: userID})
	if err != nil {
		return "", errors.WithMessagef(err, "QueryEmployee failed, userID: %s", userID)
	}
	for _, employee := range employees {
		if employee.ManagerID != "" {
			return employee.ManagerID, nil
		}
	}
	return "", nil
}

// podManager 用户所在团队的负责人, 用户自己就是负责人的团队跳过
func (r *ApproverResolver) podManager(ctx context.Context, userID string) (string, string, error) {
	members, err := r.directory.QueryPodMember(ctx, &QueryPodMemberParams{UserID: &userID})
	if err != nil {
		return "", "", errors.WithMessagef(err, "QueryPodMember failed, userID: %s", userID)
	}
	if len(members) == 0 {
		return "", "", nil
	}
	podIDs := make([]string, 0, len(members))
	for _, member := range members {
		podIDs = append(podIDs, member.PodID)
	}
	pods, err := r.directory.QueryPod(ctx, &QueryPodParams{PodIDIn: podIDs})
	if err != nil {
		return "", "", errors.WithMessagef(err, "QueryPod failed, userID: %s", userID)
	}
	for _, pod := range pods {
		if pod.ManagerID != "" && pod.ManagerID != userID {
			return pod.ManagerID, pod.ID, nil
		}
	}
	return "", "", nil
}

type specificUserConfig struct {
	UserID string `json:"user_id" validate:"required"`
}

type specificUserApprover struct {
	config specificUserConfig
}

func newSpecificUserApprover(config map[string]any) (ApproverStrategy, error) {
	a := &specificUserApprover{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *specificUserApprover) Candidate(ctx context.Context, r *ApproverResolver, actx *ApproverContext) (string, map[string]any, error) {
	return a.config.UserID, nil, nil
}

type recordOwnerApprover struct{}

func (recordOwnerApprover) Candidate(ctx context.Context, r *ApproverResolver, actx *ApproverContext) (string, map[string]any, error) {
	owner, err := r.recordOwner(ctx, actx)
	return owner, nil, err
}

type ownersManagerApprover struct{}

func (ownersManagerApprover) Candidate(ctx context.Context, r *ApproverResolver, actx *ApproverContext) (string, map[string]any, error) {
	owner, err := r.recordOwner(ctx, actx)
	if err != nil || owner == "" {
		return "", nil, err
	}
	manager, err := r.directManager(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	if manager != "" {
		return manager, map[string]any{"owner_id": owner, "resolution_path": "direct_manager"}, nil
	}
	// 没有直属上级, 找团队负责人
	manager, podID, err := r.podManager(ctx, owner)
	if err != nil || manager == "" {
		return "", nil, err
	}
	return manager, map[string]any{"owner_id": owner, "resolution_path": "pod_manager", "pod_id": podID}, nil
}

type roleBasedConfig struct {
	RoleName string `json:"role_name" validate:"required"`
}

// roleBasedApprover 取第一个拥有该角色的用户, 不做负载均衡
type roleBasedApprover struct {
	config roleBasedConfig
}

func newRoleBasedApprover(config map[string]any) (ApproverStrategy, error) {
	a := &roleBasedApprover{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *roleBasedApprover) Candidate(ctx context.Context, r *ApproverResolver, actx *ApproverContext) (string, map[string]any, error) {
	users, err := r.directory.QueryUser(ctx, &QueryUserParams{
		OrgID:    &actx.OrgID,
		RoleName: &a.config.RoleName,
		Page:     &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return "", nil, errors.WithMessagef(err, "QueryUser failed, role: %s", a.config.RoleName)
	}
	if len(users) == 0 {
		return "", nil, nil
	}
	return users[0].ID, map[string]any{"role_name": a.config.RoleName}, nil
}

type podManagerConfig struct {
	PodID string `json:"pod_id"`
}

type podManagerApprover struct {
	config podManagerConfig
}

func newPodManagerApprover(config map[string]any) (ApproverStrategy, error) {
	a := &podManagerApprover{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *podManagerApprover) Candidate(ctx context.Context, r *ApproverResolver, actx *ApproverContext) (string, map[string]any, error) {
	if a.config.PodID != "" {
		// 配置了固定团队
		pods, err := r.directory.QueryPod(ctx, &QueryPodParams{PodIDIn: []string{a.config.PodID}})
		if err != nil {
			return "", nil, errors.WithMessagef(err, "QueryPod failed, podID: %s", a.config.PodID)
		}
		if len(pods) == 0 || pods[0].ManagerID == "" {
			return "", nil, nil
		}
		return pods[0].ManagerID, map[string]any{"pod_id": pods[0].ID}, nil
	}
	owner, err := r.recordOwner(ctx, actx)
	if err != nil || owner == "" {
		return "", nil, err
	}
	manager, podID, err := r.podManager(ctx, owner)
	if err != nil || manager == "" {
		return "", nil, err
	}
	return manager, map[string]any{"owner_id": owner, "pod_id": podID}, nil
}

type customFormulaConfig struct {
	Formula string `json:"formula" validate:"required"`
}

// customFormulaApprover 公式在构造时编译, 求值结果必须是非空字符串
type customFormulaApprover struct {
	config     customFormulaConfig
	expression *Expression
}

func newCustomFormulaApprover(config map[string]any) (ApproverStrategy, error) {
	a := &customFormulaApprover{}
	if err := decodeConfig(config, &a.config); err != nil {
		return nil, err
	}
	expression, err := CompileExpression(a.config.Formula)
	if err != nil {
		return nil, err
	}
	a.expression = expression
	return a, nil
}

func (a *customFormulaApprover) Candidate(ctx context.Context, r *ApproverResolver, actx *ApproverContext) (string, map[string]any, error) {
	env := map[string]any{
		"record":     actx.Record.ToMap(),
		"entityType": actx.EntityType,
		"entityId":   actx.EntityID,
		"orgId":      actx.OrgID,
	}
	value, err := a.expression.Evaluate(env)
	if err != nil {
		return "", nil, errors.WithMessagef(err, "evaluate formula failed: %s", a.expression)
	}
	userID, ok := value.(string)
	if !ok {
		slog.WarnContext(ctx, fmt.Sprintf("custom formula returned non-string value %v (%T), formula: %s", value, value, a.expression))
		return "", nil, nil
	}
	return strings.TrimSpace(userID), map[string]any{"formula": a.config.Formula}, nil
}
