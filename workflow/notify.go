package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Notification 通知内容, 投递方式由 NotificationDispatcher 决定
type Notification struct {
	OrgID       string   `json:"org_id"`
	UserID      string   `json:"user_id"`
	Email       string   `json:"email,omitempty"` // custom 收件人只有邮箱
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	EntityType  string   `json:"entity_type"`
	EntityID    string   `json:"entity_id"`
	Priority    string   `json:"priority"`
	ActionURL   string   `json:"action_url"`
	ActionLabel string   `json:"action_label"`
	Channels    []string `json:"channels"`
}

// NotificationDispatcher 对引擎来说是发出即忘, 返回的错误只会被记录
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, notification *Notification) error
}

type NotificationPo struct {
	ID          string `gorm:"column:id;primaryKey" json:"id"`
	OrgID       string `gorm:"column:org_id" json:"org_id"`
	UserID      string `gorm:"column:user_id;index" json:"user_id"`
	Email       string `gorm:"column:email" json:"email"`
	Type        string `gorm:"column:type" json:"type"`
	Title       string `gorm:"column:title" json:"title"`
	Message     string `gorm:"column:message" json:"message"`
	EntityType  string `gorm:"column:entity_type" json:"entity_type"`
	EntityID    string `gorm:"column:entity_id" json:"entity_id"`
	Priority    string `gorm:"column:priority" json:"priority"`
	ActionURL   string `gorm:"column:action_url" json:"action_url"`
	ActionLabel string `gorm:"column:action_label" json:"action_label"`
	Channels    []byte `gorm:"column:channels" json:"channels"`
	IsRead      bool   `gorm:"column:is_read" json:"is_read"`
	CreatedAt   int64  `gorm:"column:created_at" json:"created_at"`
}

func (NotificationPo) TableName() string {
	return "notifications"
}

type storeNotifier struct {
	db *gorm.DB
}

// NewStoreNotifier 写 notifications 表, 站内信
func NewStoreNotifier(db *gorm.DB) NotificationDispatcher {
	return &storeNotifier{db: db}
}

func (n *storeNotifier) Dispatch(ctx context.Context, notification *Notification) error {
	if notification == nil {
		return errors.New("nil Notification")
	}
	channels, err := json.Marshal(notification.Channels)
	if err != nil {
		return errors.WithMessage(err, "marshal channels failed")
	}
	po := &NotificationPo{
		ID:          newID(),
		OrgID:       notification.OrgID,
		UserID:      notification.UserID,
		Email:       notification.Email,
		Type:        notification.Type,
		Title:       notification.Title,
		Message:     notification.Message,
		EntityType:  notification.EntityType,
		EntityID:    notification.EntityID,
		Priority:    notification.Priority,
		ActionURL:   notification.ActionURL,
		ActionLabel: notification.ActionLabel,
		Channels:    channels,
		CreatedAt:   time.Now().Unix(),
	}
	if err := getDBWithContext(ctx, n.db).Create(po).Error; err != nil {
		return errors.WithMessage(err, "create notification failed")
	}
	return nil
}

type redisNotifier struct {
	redisClient redis.Cmdable
	channel     string
}

// NewRedisNotifier 发布到 redis channel, 由下游订阅者负责邮件/推送
func NewRedisNotifier(redisClient redis.Cmdable, channel string) NotificationDispatcher {
	return &redisNotifier{redisClient: redisClient, channel: channel}
}

func (n *redisNotifier) Dispatch(ctx context.Context, notification *Notification) error {
	if notification == nil {
		return errors.New("nil Notification")
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return errors.WithMessage(err, "marshal notification failed")
	}
	if err := n.redisClient.Publish(ctx, n.channel, payload).Err(); err != nil {
		return errors.WithMessagef(err, "publish notification failed, channel: %s", n.channel)
	}
	return nil
}

type noopNotifier struct{}

func NewNoopNotifier() NotificationDispatcher {
	return noopNotifier{}
}

func (noopNotifier) Dispatch(ctx context.Context, notification *Notification) error {
	return nil
}
