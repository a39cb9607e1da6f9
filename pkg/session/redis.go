package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

const (
	sessionKeyPrefix = "call:"
	turnKeySuffix    = ":turn"
	greetedKeySuffix = ":greeted"
)

// casScript 状态CAS脚本：当前状态命中任一期望值才切换
// KEYS[1] 会话hash；ARGV[1] 目标状态；ARGV[2] endedAt毫秒时间戳（仅ended时写入）；ARGV[3..] 期望状态
// 返回 1=切换成功 0=状态不匹配 -1=会话不存在
var casScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
for i = 3, #ARGV do
  if status == ARGV[i] then
    redis.call('HSET', KEYS[1], 'status', ARGV[1])
    if ARGV[1] == 'ended' then
      redis.call('HSET', KEYS[1], 'endedAt', ARGV[2])
    end
    return 1
  end
end
return 0
`)

// RedisStore 基于Redis hash的会话存储，跨副本共享
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore 创建Redis会话存储
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func turnKey(id string) string { return sessionKeyPrefix + id + turnKeySuffix }

func greetedKey(id string) string { return sessionKeyPrefix + id + greetedKeySuffix }

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Create 创建会话hash并设置TTL
func (s *RedisStore) Create(ctx context.Context, sess *CallSession) error {
	key := sessionKey(sess.ID)

	ok, err := s.rdb.HSetNX(ctx, key, "id", sess.ID).Result()
	if err != nil {
		return wrapStoreErr(err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	fields := map[string]interface{}{
		"operatorId": sess.OperatorID,
		"scenarioId": sess.ScenarioID,
		"persona":    sess.Persona,
		"status":     string(sess.Status),
		"startedAt":  sess.StartedAt.UnixMilli(),
		"mute":       boolField(sess.Mute),
		"hold":       boolField(sess.Hold),
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Set(ctx, turnKey(sess.ID), 0, s.ttl)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Get 读取会话，轮次计数器一并带回
func (s *RedisStore) Get(ctx context.Context, id string) (*CallSession, error) {
	vals, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	sess := &CallSession{
		ID:         vals["id"],
		OperatorID: vals["operatorId"],
		ScenarioID: vals["scenarioId"],
		Persona:    vals["persona"],
		Status:     Status(vals["status"]),
		StartedAt:  time.UnixMilli(cast.ToInt64(vals["startedAt"])),
		Mute:       vals["mute"] == "1",
		Hold:       vals["hold"] == "1",
	}
	if raw, ok := vals["endedAt"]; ok && raw != "" {
		t := time.UnixMilli(cast.ToInt64(raw))
		sess.EndedAt = &t
	}

	counter, err := s.rdb.Get(ctx, turnKey(id)).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapStoreErr(err)
	}
	sess.TurnCounter = cast.ToInt64(counter)
	return sess, nil
}

// CompareAndSwapStatus 状态机转移的唯一入口，Lua脚本保证原子性
func (s *RedisStore) CompareAndSwapStatus(ctx context.Context, id string, expected []Status, next Status) (bool, error) {
	args := make([]interface{}, 0, len(expected)+2)
	args = append(args, string(next), time.Now().UnixMilli())
	for _, st := range expected {
		args = append(args, string(st))
	}

	res, err := casScript.Run(ctx, s.rdb, []string{sessionKey(id)}, args...).Int()
	if err != nil {
		return false, wrapStoreErr(err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// SetFlag 写入mute/hold标志
func (s *RedisStore) SetFlag(ctx context.Context, id string, flag Flag, value bool) error {
	exists, err := s.rdb.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return wrapStoreErr(err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.rdb.HSet(ctx, sessionKey(id), string(flag), boolField(value)).Err(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// IncrementTurn 单一共享计数器的原子INCR，保证跨副本的轮次全序
func (s *RedisStore) IncrementTurn(ctx context.Context, id string) (int64, error) {
	exists, err := s.rdb.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	seq, err := s.rdb.Incr(ctx, turnKey(id)).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return seq, nil
}

// ClaimGreeting SETNX抢占开场白标记，多副本同时接入时只有一个成功
func (s *RedisStore) ClaimGreeting(ctx context.Context, id string) (bool, error) {
	exists, err := s.rdb.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return false, wrapStoreErr(err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	ok, err := s.rdb.SetNX(ctx, greetedKey(id), "1", s.ttl).Result()
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return ok, nil
}

// Expire 重设会话TTL（Ended后调短，空闲期满自动清除）
func (s *RedisStore) Expire(ctx context.Context, id string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Expire(ctx, sessionKey(id), ttl)
	pipe.Expire(ctx, turnKey(id), ttl)
	pipe.Expire(ctx, greetedKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
