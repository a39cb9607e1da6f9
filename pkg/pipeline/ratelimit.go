package pipeline

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// SessionLimiter 每会话的LLM调用限流（滚动一分钟窗口）
type SessionLimiter struct {
	limiter *limiter.Limiter
}

// NewSessionLimiter 进程内限流器，单副本使用
func NewSessionLimiter(perMinute int) *SessionLimiter {
	rate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}
	return &SessionLimiter{limiter: limiter.New(memorystore.NewStore(), rate)}
}

// NewRedisSessionLimiter 跨副本共享计数的限流器
func NewRedisSessionLimiter(rdb *redis.Client, perMinute int) (*SessionLimiter, error) {
	store, err := redisstore.NewStoreWithOptions(rdb, limiter.StoreOptions{
		Prefix: "call:llmrate",
	})
	if err != nil {
		return nil, err
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}
	return &SessionLimiter{limiter: limiter.New(store, rate)}, nil
}

// Allow 占用一次配额；拒绝时返回需要等待的时长
// 限流存储本身出错时放行：限流坏了不应该把对话一起带停
func (s *SessionLimiter) Allow(ctx context.Context, sessionID string) (bool, time.Duration) {
	lctx, err := s.limiter.Get(ctx, sessionID)
	if err != nil {
		logger.Warn("限流器不可用，放行本次LLM调用",
			zap.String("sessionId", sessionID),
			zap.Error(err))
		return true, 0
	}
	if lctx.Reached {
		wait := time.Until(time.Unix(lctx.Reset, 0))
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	return true, 0
}
