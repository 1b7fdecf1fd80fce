package flaky

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
)

// Options: 故障注入配置（按节点 ID 精确匹配）。
type Options struct {
	// FailGet: GetNode 总是失败的节点。
	FailGet []string `json:"fail_get,omitempty"`
	// FailList: ListChildren 总是失败的节点。
	FailList []string `json:"fail_list,omitempty"`
	// FailUpdate: 节点 → 前 N 次 UpdateNode 失败；N<0 表示总是失败。
	FailUpdate map[string]int `json:"fail_update,omitempty"`
	// FailTitle: UpdateDocumentTitle 总是失败。
	FailTitle bool `json:"fail_title,omitempty"`
	// Error: 注入的错误种类：network|rate_limit|conflict|not_found，默认 network（HTTP 503）。
	Error string `json:"error,omitempty"`
}

// Validate 检查错误种类。
func (o Options) Validate() error {
	switch strings.TrimSpace(o.Error) {
	case "", "network", "rate_limit", "conflict", "not_found":
		return nil
	}
	return errors.Wrapf(contract.ErrInvalidInput, "flaky: unknown error kind %q", o.Error)
}

// Service 包装另一个 DocumentService，按配置确定性地注入失败。
// 命中注入规则的调用不会到达内层服务。
type Service struct {
	inner      contract.DocumentService
	failGet    map[contract.NodeID]bool
	failList   map[contract.NodeID]bool
	failTitle  bool
	kind       string
	mu         sync.Mutex
	failUpdate map[contract.NodeID]int
	attempts   map[contract.NodeID]int

	injected atomic.Int64
}

func New(inner contract.DocumentService, o Options) (*Service, error) {
	if inner == nil {
		return nil, errors.Wrap(contract.ErrInvalidInput, "flaky: nil inner service")
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		inner:      inner,
		failGet:    toSet(o.FailGet),
		failList:   toSet(o.FailList),
		failTitle:  o.FailTitle,
		kind:       strings.TrimSpace(o.Error),
		failUpdate: make(map[contract.NodeID]int, len(o.FailUpdate)),
		attempts:   make(map[contract.NodeID]int),
	}
	for id, n := range o.FailUpdate {
		s.failUpdate[contract.NodeID(id)] = n
	}
	return s, nil
}

func toSet(ids []string) map[contract.NodeID]bool {
	m := make(map[contract.NodeID]bool, len(ids))
	for _, id := range ids {
		m[contract.NodeID(id)] = true
	}
	return m
}

// UpdateAttempts 返回某节点收到的 UpdateNode 调用次数（含被注入失败的）。
func (s *Service) UpdateAttempts(id contract.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// Injected 返回累计注入的失败次数。
func (s *Service) Injected() int64 { return s.injected.Load() }

func (s *Service) fail(op string, id contract.NodeID) error {
	s.injected.Add(1)
	msg := fmt.Sprintf("flaky: injected %s failure for %s", op, id)
	switch s.kind {
	case "rate_limit":
		return errors.Wrap(contract.ErrRateLimited, msg)
	case "conflict":
		return errors.Wrap(contract.ErrConflict, msg)
	case "not_found":
		return errors.Wrap(contract.ErrNotFound, msg)
	default:
		return &upstreamError{status: 503, msg: msg}
	}
}

func (s *Service) GetNode(ctx context.Context, id contract.NodeID) (contract.Node, error) {
	if s.failGet[id] {
		return contract.Node{}, s.fail("get", id)
	}
	return s.inner.GetNode(ctx, id)
}

func (s *Service) ListChildren(ctx context.Context, id contract.NodeID) ([]contract.NodeID, error) {
	if s.failList[id] {
		return nil, s.fail("list", id)
	}
	return s.inner.ListChildren(ctx, id)
}

func (s *Service) UpdateNode(ctx context.Context, id contract.NodeID, typ contract.NodeType, rt contract.RichText) error {
	s.mu.Lock()
	s.attempts[id]++
	n := s.attempts[id]
	budget, ok := s.failUpdate[id]
	s.mu.Unlock()
	if ok && (budget < 0 || n <= budget) {
		return s.fail("update", id)
	}
	return s.inner.UpdateNode(ctx, id, typ, rt)
}

func (s *Service) GetDocumentRoot(ctx context.Context, id contract.NodeID) (contract.Title, error) {
	return s.inner.GetDocumentRoot(ctx, id)
}

func (s *Service) UpdateDocumentTitle(ctx context.Context, id contract.NodeID, t contract.Title) error {
	if s.failTitle {
		return s.fail("title", id)
	}
	return s.inner.UpdateDocumentTitle(ctx, id, t)
}

// upstreamError 模拟上游 HTTP 故障。
type upstreamError struct {
	status int
	msg    string
}

func (e *upstreamError) Error() string             { return fmt.Sprintf("%s (status %d)", e.msg, e.status) }
func (e *upstreamError) UpstreamStatus() int       { return e.status }
func (e *upstreamError) UpstreamMessage() string   { return e.msg }
func (e *upstreamError) RetryAfter() time.Duration { return 0 }

var _ contract.DocumentService = (*Service)(nil)
var _ contract.UpstreamError = (*upstreamError)(nil)
