package session

import (
	"context"
	"errors"
	"time"
)

// Status 会话状态机状态
type Status string

const (
	StatusActive Status = "active"
	StatusOnHold Status = "on_hold"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// Flag 会话上可切换的控制标志
type Flag string

const (
	FlagMute Flag = "mute"
	FlagHold Flag = "hold"
)

var (
	// ErrNotFound 会话不存在或已过期
	ErrNotFound = errors.New("session: not found")
	// ErrStoreUnavailable 存储不可用，调用方必须快速失败，禁止带着本地旧状态继续
	ErrStoreUnavailable = errors.New("session: store unavailable")
	// ErrAlreadyExists 会话ID冲突
	ErrAlreadyExists = errors.New("session: already exists")
)

// CallSession 一次训练通话的会话状态
// 会话状态只归Store所有，其它组件必须通过Store的原子操作读写
type CallSession struct {
	ID          string     `json:"id"`
	OperatorID  string     `json:"operatorId"`
	ScenarioID  string     `json:"scenarioId,omitempty"`
	Persona     string     `json:"persona,omitempty"` // 来电者人设，用于LLM系统提示词
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	TurnCounter int64      `json:"turnCounter"`
	Mute        bool       `json:"mute"`
	Hold        bool       `json:"hold"`
}

// Store 跨副本共享的会话存储
// CompareAndSwapStatus 是状态机转移的唯一入口；IncrementTurn 是跨副本的单调轮次计数器
type Store interface {
	Create(ctx context.Context, sess *CallSession) error
	Get(ctx context.Context, id string) (*CallSession, error)
	// CompareAndSwapStatus 当前状态命中 expected 中任意一个时切换到 next，返回是否由本次调用完成切换
	// next 为 StatusEnded 时同时写入 endedAt
	CompareAndSwapStatus(ctx context.Context, id string, expected []Status, next Status) (bool, error)
	SetFlag(ctx context.Context, id string, flag Flag, value bool) error
	// IncrementTurn 原子递增轮次计数器并返回新序号
	IncrementTurn(ctx context.Context, id string) (int64, error)
	// ClaimGreeting 抢占一次性开场白标记，跨副本只有一个调用方拿到true
	// 抢不到的一方直接放弃，不得消耗轮次序号
	ClaimGreeting(ctx context.Context, id string) (bool, error)
	Expire(ctx context.Context, id string, ttl time.Duration) error
	Close() error
}
