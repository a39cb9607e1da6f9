package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "call:events:"

// RedisBus 基于Redis pub/sub的跨副本事件总线
// 哪个副本持有客户端连接，事件就经Redis频道送达哪个副本
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus 创建Redis事件总线
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// Publish 序列化并发布到该会话的频道
func (b *RedisBus) Publish(ctx context.Context, sessionID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+sessionID, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	ch     chan Event
	once   sync.Once
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe 订阅该会话的Redis频道，解码失败的消息跳过
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := b.rdb.Subscribe(subCtx, channelPrefix+sessionID)

	// 确认订阅建立，失败视为总线不可用
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		cancel: cancel,
		ch:     make(chan Event, subscriptionBufferSize),
	}

	go func() {
		defer close(sub.ch)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("事件解码失败，跳过",
						zap.String("sessionId", sessionID),
						zap.Error(err))
					continue
				}
				select {
				case sub.ch <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (b *RedisBus) Close() error {
	return nil
}
