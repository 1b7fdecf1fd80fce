package traverse

import (
	"sync"

	"notionfmt/pkg/contract"
)

// VisitedSet 记录已进入遍历的节点 ID（并发安全）。
type VisitedSet struct {
	mu sync.Mutex
	m  map[contract.NodeID]struct{}
}

func NewVisitedSet() *VisitedSet {
	return &VisitedSet{m: make(map[contract.NodeID]struct{})}
}

// Mark 原子地“检查并标记”：首次标记返回 true，已存在返回 false。
func (s *VisitedSet) Mark(id contract.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = struct{}{}
	return true
}

// Has 报告 id 是否已标记。
func (s *VisitedSet) Has(id contract.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[id]
	return ok
}

func (s *VisitedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
