package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 单进程使用, 多实例部署用 NewRedisWorkflowLock
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		holds: make(map[string]*localLockHold),
		now:   time.Now,
	}
}

type localWorkflowLock struct {
	mu    sync.Mutex
	holds map[string]*localLockHold
	now   func() time.Time
}

type localLockHold struct {
	token    string
	expireAt time.Time
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := heldLockToken(ctx, key); ok {
		return f(ctx)
	}
	token := newLockToken()
	if !l.acquire(key, token, maxLockTimeDuration) {
		return errors.WithMessagef(LockFailedError, "[localWorkflowLock] key %s has been locked", key)
	}
	defer l.release(ctx, key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

// acquire 过期的持有者视为已经释放
func (l *localWorkflowLock) acquire(key string, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if hold, ok := l.holds[key]; ok && now.Before(hold.expireAt) {
		return false
	}
	l.holds[key] = &localLockHold{token: token, expireAt: now.Add(ttl)}
	return true
}

func (l *localWorkflowLock) release(ctx context.Context, key string, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.holds[key]
	if !ok {
		return
	}
	if hold.token != token {
		// 超时后被别人拿走了
		slog.WarnContext(ctx, fmt.Sprintf("[localWorkflowLock] lock %s expired before release", key))
		return
	}
	delete(l.holds, key)
}
