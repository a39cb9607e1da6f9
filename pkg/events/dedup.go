package events

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduper 订阅侧按EventID去重，容忍总线的至少一次重复投递
type Deduper struct {
	seen *lru.Cache[string, struct{}]
}

// NewDeduper 创建去重器，size为记忆的最近事件数
func NewDeduper(size int) (*Deduper, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{seen: cache}, nil
}

// Seen 返回该事件是否已经投递过，并记录本次
func (d *Deduper) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	if _, ok := d.seen.Get(eventID); ok {
		return true
	}
	d.seen.Add(eventID, struct{}{})
	return false
}
