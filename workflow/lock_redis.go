package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockPrefix = "automation:lock:"
	delCommand      = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := heldLockToken(ctx, key); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	token := newLockToken()
	isLock, err := d.redisClient.SetNX(ctx, redisLockPrefix+key, token, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock] key: %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock] key %s has been locked", key)
	}
	defer d.releaseKey(key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

func (d *redisWorkflowLock) releaseKey(key string, token string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	ctx := context.Background()
	reply, err := d.redisClient.Eval(ctx, delCommand, []string{redisLockPrefix + key}, token).Int64()
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisWorkflowLock] release key %s failed, err: %v", key, err))
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人持有
		slog.WarnContext(ctx, fmt.Sprintf("[redisWorkflowLock] release key %s skipped, reply: %d", key, reply))
	}
}
