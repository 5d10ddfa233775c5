package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/blingmoon/simple-automation/workflow"
)

const (
	configName = "workflowctl"
	envPrefix  = "WORKFLOW"
)

type Config struct {
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lock     LockConfig     `mapstructure:"lock"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Log      LogConfig      `mapstructure:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type LockConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=local redis"`
}

type NotifierConfig struct {
	Kind    string `mapstructure:"kind" validate:"oneof=store redis none"`
	Channel string `mapstructure:"channel"`
}

type EngineConfig struct {
	MaxTriggerDepth    int           `mapstructure:"max_trigger_depth" validate:"gte=0"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	DefinitionCacheTTL time.Duration `mapstructure:"definition_cache_ttl"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

type WebhookConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	BreakerMaxRequests      uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval         time.Duration `mapstructure:"breaker_interval"`
	BreakerOpenTimeout      time.Duration `mapstructure:"breaker_open_timeout"`
	BreakerConsecutiveFails uint32        `mapstructure:"breaker_consecutive_fails"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// SetDefaults 没有默认值的 key AutomaticEnv 读不到, 所有 key 都要在这里出现
func SetDefaults(v *viper.Viper) {
	engine := workflow.DefaultEngineConfig()
	webhook := workflow.DefaultWebhookClientConfig()

	v.SetDefault("db.path", "automation.db")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.kind", "local")
	v.SetDefault("notifier.kind", "store")
	v.SetDefault("notifier.channel", "automation:notifications")
	v.SetDefault("engine.max_trigger_depth", engine.MaxTriggerDepth)
	v.SetDefault("engine.default_step_timeout", engine.DefaultStepTimeout)
	v.SetDefault("engine.definition_cache_ttl", engine.DefinitionCacheTTL)
	v.SetDefault("engine.lock_ttl", engine.LockTTL)
	v.SetDefault("webhook.timeout", webhook.Timeout)
	v.SetDefault("webhook.breaker_max_requests", webhook.BreakerMaxRequests)
	v.SetDefault("webhook.breaker_interval", webhook.BreakerInterval)
	v.SetDefault("webhook.breaker_open_timeout", webhook.BreakerOpenTimeout)
	v.SetDefault("webhook.breaker_consecutive_fails", webhook.BreakerConsecutiveFails)
	v.SetDefault("log.level", "info")
}

/**
 * @description: 加载配置, 优先级 flag > 环境变量(WORKFLOW_DB_PATH 这种) > 配置文件 > 默认值
 *				 configFile 为空时在当前目录和 $HOME/.workflowctl 找 workflowctl.yaml, 找不到不算错误
 * @param v *viper.Viper 为 nil 时新建, cmd 会传入已经绑定 flag 的实例
 * @param configFile string
 * @return *Config, error
 */
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.workflowctl")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.WithMessagef(err, "read config failed, file: %s", configFile)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	if c.Lock.Kind == "redis" || c.Notifier.Kind == "redis" {
		if c.Redis.Addr == "" {
			return errors.New("invalid config: redis.addr is required when lock or notifier uses redis")
		}
	}
	return nil
}

// UsesRedis lock 或 notifier 任一使用 redis 时需要建连接
func (c *Config) UsesRedis() bool {
	return c.Lock.Kind == "redis" || c.Notifier.Kind == "redis"
}

func (c *Config) EngineConfig() *workflow.EngineConfig {
	return &workflow.EngineConfig{
		MaxTriggerDepth:    c.Engine.MaxTriggerDepth,
		DefaultStepTimeout: c.Engine.DefaultStepTimeout,
		DefinitionCacheTTL: c.Engine.DefinitionCacheTTL,
		LockTTL:            c.Engine.LockTTL,
	}
}

func (c *Config) WebhookClientConfig() *workflow.WebhookClientConfig {
	return &workflow.WebhookClientConfig{
		Timeout:                 c.Webhook.Timeout,
		BreakerMaxRequests:      c.Webhook.BreakerMaxRequests,
		BreakerInterval:         c.Webhook.BreakerInterval,
		BreakerOpenTimeout:      c.Webhook.BreakerOpenTimeout,
		BreakerConsecutiveFails: c.Webhook.BreakerConsecutiveFails,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
