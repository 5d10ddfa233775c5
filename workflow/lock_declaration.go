package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	LockFailedError = errors.New("lock failed")
)

// lockKey ctx 上记录已经持有的锁, 用于重入
type lockKey string

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 LockFailedError
	//                 2.可以重入锁, f 内部用同一个 key 再次调用直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key, 引擎使用 workflow_execution_<id>
	//  @param maxLockTimeDuration 锁最大的时间, 超过后其它持有者可以拿到锁
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

func heldLockToken(ctx context.Context, key string) (string, bool) {
	token, ok := ctx.Value(lockKey(key)).(string)
	return token, ok
}

func newLockToken() string {
	return uuid.NewString()
}
