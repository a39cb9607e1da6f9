package events

import (
	"context"
	"errors"
	"sync"

	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"go.uber.org/zap"
)

// ErrBusUnavailable 总线不可用，对会话是致命错误
var ErrBusUnavailable = errors.New("events: bus unavailable")

// subscriptionBufferSize 订阅通道缓冲，消费太慢时丢弃并告警
const subscriptionBufferSize = 256

// Subscription 一条逻辑订阅，对应一个活跃的客户端连接
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus 按会话ID进行发布/订阅的事件总线
// 投递保证至少一次；同一会话内按发布顺序投递（流水线按sequence顺序串行发布）
type Bus interface {
	Publish(ctx context.Context, sessionID string, ev Event) error
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	Close() error
}

// LocalBus 进程内事件总线
// 单副本部署和测试使用；多副本用RedisBus跨副本投递
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]*localSub
	closed bool
}

type localSub struct {
	bus       *LocalBus
	sessionID string
	ch        chan Event
	once      sync.Once
}

func (s *localSub) Events() <-chan Event { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
	return nil
}

// NewLocalBus 创建进程内事件总线
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]*localSub)}
}

// Publish 向该会话的所有本地订阅者投递事件
func (b *LocalBus) Publish(_ context.Context, sessionID string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusUnavailable
	}
	for _, sub := range b.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			logger.Warn("事件订阅通道已满，丢弃事件",
				zap.String("sessionId", sessionID),
				zap.String("type", ev.Type))
		}
	}
	return nil
}

// Subscribe 订阅该会话的事件流
func (b *LocalBus) Subscribe(_ context.Context, sessionID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusUnavailable
	}
	sub := &localSub{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan Event, subscriptionBufferSize),
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return sub, nil
}

func (b *LocalBus) remove(target *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.sessionID]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.sessionID]) == 0 {
		delete(b.subs, target.sessionID)
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*localSub)
	return nil
}
