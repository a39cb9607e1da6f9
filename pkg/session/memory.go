package session

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore 进程内会话存储，依赖go-cache做TTL清理
// 单副本部署和测试使用；多副本必须用RedisStore
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
}

// NewMemoryStore 创建内存会话存储
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(ttl, ttl/2+time.Second),
		ttl:   ttl,
	}
}

func (s *MemoryStore) Create(_ context.Context, sess *CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.cache.Get(sess.ID); found {
		return ErrAlreadyExists
	}
	cp := *sess
	s.cache.Set(sess.ID, &cp, s.ttl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.locked(id)
	if err != nil {
		return nil, err
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, expected []Status, next Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.locked(id)
	if err != nil {
		return false, err
	}
	for _, st := range expected {
		if sess.Status == st {
			sess.Status = next
			if next == StatusEnded {
				now := time.Now()
				sess.EndedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SetFlag(_ context.Context, id string, flag Flag, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.locked(id)
	if err != nil {
		return err
	}
	switch flag {
	case FlagMute:
		sess.Mute = value
	case FlagHold:
		sess.Hold = value
	}
	return nil
}

func (s *MemoryStore) IncrementTurn(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.locked(id)
	if err != nil {
		return 0, err
	}
	sess.TurnCounter++
	return sess.TurnCounter, nil
}

func (s *MemoryStore) ClaimGreeting(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.locked(id); err != nil {
		return false, err
	}
	if err := s.cache.Add(greetedKey(id), struct{}{}, s.ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Expire(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.locked(id)
	if err != nil {
		return err
	}
	s.cache.Set(id, sess, ttl)
	return nil
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}

// locked 调用方必须持有s.mu
func (s *MemoryStore) locked(id string) (*CallSession, error) {
	v, found := s.cache.Get(id)
	if !found {
		return nil, ErrNotFound
	}
	return v.(*CallSession), nil
}
