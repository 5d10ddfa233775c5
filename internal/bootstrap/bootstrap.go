package bootstrap

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/simple-automation/internal/config"
	"github.com/blingmoon/simple-automation/workflow"
)

// App 按配置组装好的引擎和它持有的连接
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Redis   *redis.Client // lock 和 notifier 都不用 redis 时为 nil
	Repo    workflow.WorkflowRepo
	Service workflow.WorkflowService
}

func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	dsn := cfg.DB.Path + "?_busy_timeout=5000&_journal_mode=WAL"
	level := logger.Silent
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, errors.WithMessagef(err, "open sqlite failed, path: %s", cfg.DB.Path)
	}
	return db, nil
}

// Migrate 引擎自己的表, 业务实体表不在这里建
func Migrate(db *gorm.DB) error {
	return workflow.AutoMigrate(db)
}

/**
 * @description: 组装 App, 连接 redis 时会先 ping 一次, 连不上直接返回错误
 * @param ctx context.Context
 * @param cfg *config.Config
 * @return *App, error
 */
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{
		Config: cfg,
		DB:     db,
		Repo:   workflow.NewWorkflowRepo(db),
	}
	if cfg.UsesRedis() {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			_ = app.Close()
			return nil, errors.WithMessagef(err, "ping redis failed, addr: %s", cfg.Redis.Addr)
		}
	}

	service, err := workflow.NewWorkflowService(&workflow.WorkflowServiceDeps{
		Repo:        app.Repo,
		Directory:   workflow.NewDirectoryRepo(db),
		Entities:    workflow.NewEntityRepo(db),
		ExecuteLock: app.newLock(),
		Notifier:    app.newNotifier(),
		Webhook:     workflow.NewWebhookClient(cfg.WebhookClientConfig()),
	}, cfg.EngineConfig())
	if err != nil {
		_ = app.Close()
		return nil, errors.WithMessage(err, "NewWorkflowService failed")
	}
	app.Service = service
	slog.DebugContext(ctx, fmt.Sprintf("automation engine ready, db: %s, lock: %s, notifier: %s", cfg.DB.Path, cfg.Lock.Kind, cfg.Notifier.Kind))
	return app, nil
}

func (a *App) newLock() workflow.WorkflowLock {
	if a.Config.Lock.Kind == "redis" {
		return workflow.NewRedisWorkflowLock(a.Redis)
	}
	return workflow.NewLocalWorkflowLock()
}

func (a *App) newNotifier() workflow.NotificationDispatcher {
	switch a.Config.Notifier.Kind {
	case "redis":
		return workflow.NewRedisNotifier(a.Redis, a.Config.Notifier.Channel)
	case "none":
		return workflow.NewNoopNotifier()
	default:
		return workflow.NewStoreNotifier(a.DB)
	}
}

func (a *App) Close() error {
	errs := make([]error, 0, 2)
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, errors.WithMessage(err, "close redis failed"))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, errors.WithMessage(err, "close db failed"))
			}
		}
	}
	return goerrors.Join(errs...)
}
