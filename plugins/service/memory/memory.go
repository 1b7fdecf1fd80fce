package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
)

// Options: 内存文档服务配置。
type Options struct {
	// Fixture: YAML/JSON 夹具路径（可选）；为空时得到空服务。
	Fixture string `json:"fixture,omitempty"`
	// LatencyMS: 每次调用的人为延迟（毫秒），便于观察并发度。
	LatencyMS int `json:"latency_ms,omitempty"`
}

// Stats: 调用计数快照。
type Stats struct {
	Gets         int64
	Lists        int64
	Updates      int64
	TitleUpdates int64
	MaxInflight  int64
}

type record struct {
	node     contract.Node
	children []contract.NodeID
}

// Service 是内存中的文档树，实现 contract.DocumentService。
// - 每次写入递增版本令牌（模拟 last_edited_time）；
// - 读取返回深拷贝，调用方修改不影响存储；
// - 并发安全。
type Service struct {
	mu     sync.RWMutex
	nodes  map[contract.NodeID]*record
	titles map[contract.NodeID]contract.Title
	seq    int64

	latency time.Duration

	gets, lists, updates, titleUpdates atomic.Int64
	inflight, maxInflight              atomic.Int64
}

// base 为版本令牌的起点时间。
var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func New() *Service {
	return &Service{
		nodes:  make(map[contract.NodeID]*record),
		titles: make(map[contract.NodeID]contract.Title),
	}
}

// NewFromOptions 按原样 JSON Options 构造（注册表入口）。
func NewFromOptions(o Options) (*Service, error) {
	var s *Service
	if o.Fixture != "" {
		var err error
		if s, err = LoadFile(o.Fixture); err != nil {
			return nil, err
		}
	} else {
		s = New()
	}
	if o.LatencyMS > 0 {
		s.latency = time.Duration(o.LatencyMS) * time.Millisecond
	}
	return s, nil
}

// SetLatency 设置每次调用的人为延迟。
func (s *Service) SetLatency(d time.Duration) { s.latency = d }

func (s *Service) nextVersion() string {
	s.seq++
	return base.Add(time.Duration(s.seq) * time.Minute).Format("2006-01-02T15:04:05.000Z")
}

// AddNode 插入或替换节点；Version 为空时自动生成。
func (s *Service) AddNode(n contract.Node, children ...contract.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.RichText = cloneRichText(n.RichText)
	if n.Version == "" {
		n.Version = s.nextVersion()
	}
	n.HasChildren = len(children) > 0
	s.nodes[n.ID] = &record{node: n, children: append([]contract.NodeID(nil), children...)}
}

// SetTitle 设置根对象的标题属性。
func (s *Service) SetTitle(id contract.NodeID, t contract.Title) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.RichText = cloneRichText(t.RichText)
	s.titles[id] = t
}

// Edit 模拟外部编辑：替换节点富文本并推进版本。
func (s *Service) Edit(id contract.NodeID, rt contract.RichText) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.nodes[id]
	if !ok {
		return errors.Wrapf(contract.ErrNotFound, "memory: node %s", id)
	}
	r.node.RichText = cloneRichText(rt)
	r.node.Version = s.nextVersion()
	return nil
}

// Node 返回节点快照（测试断言用）。
func (s *Service) Node(id contract.NodeID) (contract.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.nodes[id]
	if !ok {
		return contract.Node{}, false
	}
	n := r.node
	n.RichText = cloneRichText(n.RichText)
	return n, true
}

// Title 返回标题快照。
func (s *Service) Title(id contract.NodeID) (contract.Title, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.titles[id]
	t.RichText = cloneRichText(t.RichText)
	return t, ok
}

func (s *Service) Stats() Stats {
	return Stats{
		Gets:         s.gets.Load(),
		Lists:        s.lists.Load(),
		Updates:      s.updates.Load(),
		TitleUpdates: s.titleUpdates.Load(),
		MaxInflight:  s.maxInflight.Load(),
	}
}

// enter 记录在途调用并施加延迟；返回的函数在调用结束时执行。
func (s *Service) enter(ctx context.Context) (func(), error) {
	n := s.inflight.Add(1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	leave := func() { s.inflight.Add(-1) }
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (s *Service) GetNode(ctx context.Context, id contract.NodeID) (contract.Node, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return contract.Node{}, err
	}
	defer leave()
	s.gets.Add(1)
	n, ok := s.Node(id)
	if !ok {
		return contract.Node{}, errors.Wrapf(contract.ErrNotFound, "memory: node %s", id)
	}
	return n, nil
}

func (s *Service) ListChildren(ctx context.Context, id contract.NodeID) ([]contract.NodeID, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	s.lists.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.nodes[id]
	if !ok {
		return nil, errors.Wrapf(contract.ErrNotFound, "memory: node %s", id)
	}
	return append([]contract.NodeID(nil), r.children...), nil
}

func (s *Service) UpdateNode(ctx context.Context, id contract.NodeID, typ contract.NodeType, rt contract.RichText) error {
	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.nodes[id]
	if !ok {
		return errors.Wrapf(contract.ErrNotFound, "memory: node %s", id)
	}
	if r.node.Type != typ || !typ.HasRichText() {
		return errors.Wrapf(contract.ErrInvalidInput, "memory: node %s is %s, cannot update as %s", id, r.node.Type, typ)
	}
	s.updates.Add(1)
	r.node.RichText = cloneRichText(rt)
	if r.node.RichText == nil {
		r.node.RichText = contract.RichText{}
	}
	r.node.Version = s.nextVersion()
	return nil
}

func (s *Service) GetDocumentRoot(ctx context.Context, id contract.NodeID) (contract.Title, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return contract.Title{}, err
	}
	defer leave()
	s.mu.RLock()
	_, known := s.nodes[id]
	t, ok := s.titles[id]
	s.mu.RUnlock()
	switch {
	case ok:
		t.RichText = cloneRichText(t.RichText)
		return t, nil
	case known:
		return contract.Title{}, errors.Wrapf(contract.ErrNoTitle, "memory: page %s", id)
	default:
		return contract.Title{}, errors.Wrapf(contract.ErrNotFound, "memory: page %s", id)
	}
}

func (s *Service) UpdateDocumentTitle(ctx context.Context, id contract.NodeID, t contract.Title) error {
	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.titles[id]
	if !ok {
		return errors.Wrapf(contract.ErrNoTitle, "memory: page %s", id)
	}
	if t.Property != cur.Property {
		return errors.Wrapf(contract.ErrInvalidInput, "memory: page %s has no title property %q", id, t.Property)
	}
	s.titleUpdates.Add(1)
	cur.RichText = cloneRichText(t.RichText)
	s.titles[id] = cur
	if r, ok := s.nodes[id]; ok {
		r.node.Version = s.nextVersion()
	}
	return nil
}

// cloneRichText 深拷贝片段（含 Attrs 字节）。
func cloneRichText(rt contract.RichText) contract.RichText {
	if rt == nil {
		return nil
	}
	out := make(contract.RichText, len(rt))
	for i, sp := range rt {
		out[i] = sp
		if sp.Attrs != nil {
			out[i].Attrs = append(json.RawMessage(nil), sp.Attrs...)
		}
	}
	return out
}

var _ contract.DocumentService = (*Service)(nil)
