package workflow

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type UserPo struct {
	ID        string `gorm:"column:id;primaryKey" json:"id"`
	OrgID     string `gorm:"column:org_id;index" json:"org_id"`
	Email     string `gorm:"column:email" json:"email"`
	FullName  string `gorm:"column:full_name" json:"full_name"`
	DeletedAt *int64 `gorm:"column:deleted_at" json:"deleted_at"` // 软删除
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (UserPo) TableName() string {
	return "users"
}

type RolePo struct {
	ID    string `gorm:"column:id;primaryKey" json:"id"`
	OrgID string `gorm:"column:org_id;index" json:"org_id"`
	Name  string `gorm:"column:name" json:"name"`
}

func (RolePo) TableName() string {
	return "roles"
}

type UserRolePo struct {
	ID        string `gorm:"column:id;primaryKey" json:"id"`
	OrgID     string `gorm:"column:org_id" json:"org_id"`
	UserID    string `gorm:"column:user_id;index" json:"user_id"`
	RoleID    string `gorm:"column:role_id;index" json:"role_id"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (UserRolePo) TableName() string {
	return "user_roles"
}

// EmployeePo manager_id 是上级的 user id
type EmployeePo struct {
	ID        string `gorm:"column:id;primaryKey" json:"id"`
	OrgID     string `gorm:"column:org_id" json:"org_id"`
	UserID    string `gorm:"column:user_id;index" json:"user_id"`
	ManagerID string `gorm:"column:manager_id" json:"manager_id"`
	DeletedAt *int64 `gorm:"column:deleted_at" json:"deleted_at"`
}

func (EmployeePo) TableName() string {
	return "employees"
}

type PodPo struct {
	ID        string `gorm:"column:id;primaryKey" json:"id"`
	OrgID     string `gorm:"column:org_id" json:"org_id"`
	Name      string `gorm:"column:name" json:"name"`
	ManagerID string `gorm:"column:manager_id" json:"manager_id"`
}

func (PodPo) TableName() string {
	return "pods"
}

type PodMemberPo struct {
	ID        string `gorm:"column:id;primaryKey" json:"id"`
	PodID     string `gorm:"column:pod_id;index" json:"pod_id"`
	UserID    string `gorm:"column:user_id;index" json:"user_id"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (PodMemberPo) TableName() string {
	return "pod_members"
}

type ActivityPo struct {
	ID                  string `gorm:"column:id;primaryKey" json:"id"`
	OrgID               string `gorm:"column:org_id" json:"org_id"`
	EntityType          string `gorm:"column:entity_type" json:"entity_type"`
	EntityID            string `gorm:"column:entity_id" json:"entity_id"`
	ActivityType        string `gorm:"column:activity_type" json:"activity_type"`
	Subject             string `gorm:"column:subject" json:"subject"`
	Description         string `gorm:"column:description" json:"description"`
	Priority            string `gorm:"column:priority" json:"priority"`
	Status              string `gorm:"column:status" json:"status"`
	AssignedTo          string `gorm:"column:assigned_to" json:"assigned_to"`
	DueAt               *int64 `gorm:"column:due_at" json:"due_at"`
	WorkflowExecutionID string `gorm:"column:workflow_execution_id;index" json:"workflow_execution_id"`
	CreatedBy           string `gorm:"column:created_by" json:"created_by"`
	CreatedAt           int64  `gorm:"column:created_at" json:"created_at"`
}

func (ActivityPo) TableName() string {
	return "activities"
}

type QueryUserParams struct {
	UserIDIn       []string `json:"user_id_in"`
	OrgID          *string  `json:"org_id"`
	Email          *string  `json:"email"`
	RoleName       *string  `json:"role_name"` // 按角色名过滤, 按授予时间排序
	IncludeDeleted bool     `json:"include_deleted"`
	Page           *Pager   `json:"page"`
}

type QueryEmployeeParams struct {
	UserID string `json:"user_id" validate:"required"`
}

type QueryPodParams struct {
	PodIDIn   []string `json:"pod_id_in"`
	ManagerID *string  `json:"manager_id"`
}

type QueryPodMemberParams struct {
	PodID  *string `json:"pod_id"`
	UserID *string `json:"user_id"`
}

type directoryRepo struct {
	db *gorm.DB
}

func NewDirectoryRepo(db *gorm.DB) DirectoryRepo {
	return &directoryRepo{db: db}
}

func (r *directoryRepo) QueryUser(ctx context.Context, param *QueryUserParams) ([]*UserPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryUserParams")
	}
	db := getDBWithContext(ctx, r.db).Model(&UserPo{})
	if len(param.UserIDIn) != 0 {
		db = db.Where("users.id IN ?", param.UserIDIn)
	}
	if param.OrgID != nil {
		db = db.Where("users.org_id = ?", *param.OrgID)
	}
	if param.Email != nil {
		db = db.Where("users.email = ?", *param.Email)
	}
	if !param.IncludeDeleted {
		db = db.Where("users.deleted_at IS NULL")
	}
	if param.RoleName != nil {
		db = db.Joins("JOIN user_roles ON user_roles.user_id = users.id").
			Joins("JOIN roles ON roles.id = user_roles.role_id").
			Where("roles.name = ?", *param.RoleName).
			Order("user_roles.created_at asc, users.id asc")
	} else {
		db = db.Order("users.id asc")
	}
	if param.Page != nil {
		var err error
		db, err = applyPager(db, param.Page)
		if err != nil {
			return nil, errors.WithMessage(err, "QueryUser failed")
		}
	}
	pos := make([]*UserPo, 0)
	if err := db.Select("users.*").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryUser failed")
	}
	return pos, nil
}

func (r *directoryRepo) QueryEmployee(ctx context.Context, param *QueryEmployeeParams) ([]*EmployeePo, error) {
	if param == nil {
		return nil, errors.New("nil QueryEmployeeParams")
	}
	pos := make([]*EmployeePo, 0)
	err := getDBWithContext(ctx, r.db).Model(&EmployeePo{}).
		Where("user_id = ? AND deleted_at IS NULL", param.UserID).
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "QueryEmployee failed")
	}
	return pos, nil
}

func (r *directoryRepo) QueryPod(ctx context.Context, param *QueryPodParams) ([]*PodPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryPodParams")
	}
	db := getDBWithContext(ctx, r.db).Model(&PodPo{})
	if len(param.PodIDIn) != 0 {
		db = db.Where("id IN ?", param.PodIDIn)
	}
	if param.ManagerID != nil {
		db = db.Where("manager_id = ?", *param.ManagerID)
	}
	pos := make([]*PodPo, 0)
	if err := db.Order("id asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryPod failed")
	}
	return pos, nil
}

func (r *directoryRepo) QueryPodMember(ctx context.Context, param *QueryPodMemberParams) ([]*PodMemberPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryPodMemberParams")
	}
	db := getDBWithContext(ctx, r.db).Model(&PodMemberPo{})
	if param.PodID != nil {
		db = db.Where("pod_id = ?", *param.PodID)
	}
	if param.UserID != nil {
		db = db.Where("user_id = ?", *param.UserID)
	}
	pos := make([]*PodMemberPo, 0)
	if err := db.Order("user_id asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryPodMember failed")
	}
	return pos, nil
}

// entityTables 支持的实体类型, 单复数都可以
var entityTables = map[string]string{
	"job":        "jobs",
	"candidate":  "candidates",
	"submission": "submissions",
	"placement":  "placements",
	"account":    "accounts",
	"contact":    "contacts",
	"lead":       "leads",
	"deal":       "deals",
	"activity":   "activities",
	"employee":   "employees",
	"consultant": "consultants",
	"vendor":     "vendors",
	"interview":  "interviews",
}

// EntityTableName 实体类型到表名
func EntityTableName(entityType string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(entityType))
	if table, ok := entityTables[t]; ok {
		return table, nil
	}
	for _, table := range entityTables {
		if table == t {
			return table, nil
		}
	}
	return "", errors.WithMessagef(ErrUnsupportedEntityType, "entity type: %s", entityType)
}

var columnNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type entityRepo struct {
	db *gorm.DB
}

func NewEntityRepo(db *gorm.DB) EntityRepo {
	return &entityRepo{db: db}
}

func (r *entityRepo) GetEntityRecord(ctx context.Context, entityType string, entityID string) (map[string]any, error) {
	table, err := EntityTableName(entityType)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0)
	err = getDBWithContext(ctx, r.db).Table(table).Where("id = ?", entityID).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetEntityRecord failed, table: %s, id: %s", table, entityID)
	}
	if len(rows) == 0 {
		return nil, errors.WithMessagef(ErrEntityRecordNotFound, "table: %s, id: %s", table, entityID)
	}
	return rows[0], nil
}

func (r *entityRepo) UpdateEntityField(ctx context.Context, entityType string, entityID string, field string, value any) error {
	table, err := EntityTableName(entityType)
	if err != nil {
		return err
	}
	if !columnNamePattern.MatchString(field) {
		return errors.WithMessagef(ErrActionConfigInvalid, "invalid field name: %q", field)
	}
	result := getDBWithContext(ctx, r.db).Table(table).Where("id = ?", entityID).Update(field, value)
	if result.Error != nil {
		return errors.WithMessagef(result.Error, "UpdateEntityField failed, table: %s, id: %s, field: %s", table, entityID, field)
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrEntityRecordNotFound, "table: %s, id: %s", table, entityID)
	}
	return nil
}

func (r *entityRepo) CreateActivity(ctx context.Context, activity *ActivityPo) (*ActivityPo, error) {
	if activity == nil {
		return nil, errors.New("nil ActivityPo")
	}
	if activity.ID == "" {
		activity.ID = newID()
	}
	activity.CreatedAt = time.Now().Unix()
	if err := getDBWithContext(ctx, r.db).Create(activity).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateActivity failed")
	}
	return activity, nil
}
