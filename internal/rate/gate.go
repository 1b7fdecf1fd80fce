package rate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"notionfmt/pkg/contract"
)

// LimitKey: 限流分组键（服务名或凭据摘要）。
type LimitKey string

// Limits: 每分组的限额配置。RPS<=0 表示不限。
type Limits struct {
	RPS   float64 // 平均每秒请求数
	Burst int     // 突发容量；<=0 时取 max(1, ceil(RPS))
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 0 视为 1；超过 Burst 时无法满足
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；申请量超过突发容量时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	// Snapshot 返回当前可用令牌数；未限额的分组返回 +Inf。
	Snapshot(key LimitKey) float64
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 令牌桶由 golang.org/x/time/rate 实现，时间点统一取自 clk，便于测试注入。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	l   *rate.Limiter // nil: 不限额
}

func newEntry(lim Limits) *entry {
	if lim.RPS <= 0 {
		return &entry{lim: lim}
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = int(math.Ceil(lim.RPS))
		if burst < 1 {
			burst = 1
		}
	}
	// 新建的 Limiter 初始为满桶
	return &entry{lim: lim, l: rate.NewLimiter(rate.Limit(lim.RPS), burst)}
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func requests(a Ask) (int, bool) {
	switch {
	case a.Requests < 0:
		return 0, false
	case a.Requests == 0:
		return 1, true
	default:
		return a.Requests, true
	}
}

func (g *gate) Try(a Ask) bool {
	n, ok := requests(a)
	if !ok {
		return false
	}
	e := g.get(a.Key)
	if e.l == nil {
		return true
	}
	return e.l.AllowN(g.clk(), n)
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	n, ok := requests(a)
	if !ok {
		return errors.Wrapf(contract.ErrInvalidInput, "rate: negative ask %d", a.Requests)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := g.get(a.Key)
	if e.l == nil {
		return nil
	}
	now := g.clk()
	r := e.l.ReserveN(now, n)
	if !r.OK() {
		return errors.Wrapf(contract.ErrInvalidInput, "rate: ask %d exceeds burst %d", n, e.l.Burst())
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		// 归还未使用的预留，避免取消的调用占用后续额度
		r.CancelAt(g.clk())
		return ctx.Err()
	}
}

func (g *gate) Snapshot(key LimitKey) float64 {
	e := g.get(key)
	if e.l == nil {
		return math.Inf(1)
	}
	return e.l.TokensAt(g.clk())
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
