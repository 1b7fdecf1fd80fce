package traverse

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"notionfmt/internal/diag"
	"notionfmt/internal/spacing"
	"notionfmt/pkg/contract"
)

// - 先标记后处理：进入 visit 时先在 VisitedSet 中标记，重复/环形引用自然终止，无深度上限。
// - 局部失败隔离：节点读取失败放弃该子树；子节点列举失败视为无子节点。二者均记入 Skipped，不取消兄弟任务。
// - 唯一致命点：根节点不可读。
// - 待更新记录经通道汇入单一收集协程，遍历协程之间不共享切片。

// 跳过阶段。
const (
	StageGet  = "get"
	StageList = "list"
)

// Options 遍历参数。
type Options struct {
	// MaxFanout: 同时在途的子树任务上限；0 表示不限（每个子节点一个任务）。
	MaxFanout int
	// ProgressEvery: 每扫描多少个节点上报一次进度；<=0 取 10。
	ProgressEvery int
	// OnProgress: 进度回调（可选）；未设置时写入全局终端。
	OnProgress func(scanned, queued int)
}

// Skip 记录一个被放弃的节点或其子树。
type Skip struct {
	NodeID contract.NodeID
	Stage  string
	Err    error
}

// Result 一次遍历的产出。
type Result struct {
	Updates []contract.PendingUpdate
	Scanned int
	Skipped []Skip
}

// Collector 遍历文档树并收集待写回记录。
type Collector struct {
	svc    contract.DocumentService
	opt    Options
	logger *diag.Logger
}

func NewCollector(svc contract.DocumentService, opt Options, logger *diag.Logger) *Collector {
	if opt.ProgressEvery <= 0 {
		opt.ProgressEvery = 10
	}
	if opt.MaxFanout < 0 {
		opt.MaxFanout = 0
	}
	return &Collector{svc: svc, opt: opt, logger: logger}
}

// run 保存单次 Collect 的共享状态。
type run struct {
	c       *Collector
	visited *VisitedSet
	g       *errgroup.Group
	updCh   chan<- contract.PendingUpdate

	scanned atomic.Int64
	queued  atomic.Int64

	skipMu  sync.Mutex
	skipped []Skip
}

// Collect 从 root 出发遍历全部可达节点，返回待写回记录集合。
// 根节点读取失败时返回错误；其余失败只影响对应子树。
func (c *Collector) Collect(ctx context.Context, root contract.NodeID) (Result, error) {
	if strings.TrimSpace(string(root)) == "" {
		return Result{}, errors.Wrap(contract.ErrInvalidInput, "traverse: empty root id")
	}
	if c.svc == nil {
		return Result{}, errors.Wrap(contract.ErrInvalidInput, "traverse: nil service")
	}
	timer := c.logger.StartWithKV("traverse", "collect", string(root), "", nil)

	updCh := make(chan contract.PendingUpdate, 64)
	var updates []contract.PendingUpdate
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updCh {
			updates = append(updates, u)
		}
	}()

	g := &errgroup.Group{}
	if c.opt.MaxFanout > 0 {
		g.SetLimit(c.opt.MaxFanout)
	}
	r := &run{c: c, visited: NewVisitedSet(), g: g, updCh: updCh}

	rootErr := r.visit(ctx, root, 0)
	_ = g.Wait() // 子任务从不返回错误
	close(updCh)
	<-done

	res := Result{Updates: updates, Scanned: int(r.scanned.Load()), Skipped: r.skipped}
	if rootErr != nil {
		c.logger.ErrorWith("traverse", string(diag.Classify(rootErr)), "root unreachable: "+rootErr.Error(), nil, string(root), "")
		return res, rootErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	timer.Finish("collect", int64(len(updates)))
	return res, nil
}

// visit 处理单个节点并为其子节点派生任务。仅 depth==0 的读取失败会返回错误。
func (r *run) visit(ctx context.Context, id contract.NodeID, depth int) error {
	if !r.visited.Mark(id) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		r.skip(id, StageGet, err)
		return nil
	}
	c := r.c
	c.logger.DebugStart("traverse", "get", string(id), "", map[string]string{"depth": strconv.Itoa(depth)})
	node, err := c.svc.GetNode(ctx, id)
	if err != nil {
		err = errors.Wrapf(err, "get node %s", id)
		if depth == 0 {
			diag.ReportError("traverse", err)
			return err
		}
		r.skip(id, StageGet, err)
		return nil
	}
	diag.IncOp("traverse", "get", "success")
	r.progress(r.scanned.Add(1))

	if node.Type.Supported() && node.Eligible() {
		if rt, modified := spacing.ProcessRichText(node.RichText); modified {
			r.queued.Add(1)
			r.updCh <- contract.PendingUpdate{
				NodeID:   node.ID,
				NodeType: node.Type,
				RichText: rt,
				Version:  node.Version,
			}
		}
	}

	children, err := c.svc.ListChildren(ctx, id)
	if err != nil {
		r.skip(id, StageList, errors.Wrapf(err, "list children of %s", id))
		return nil
	}
	for _, child := range children {
		if r.visited.Has(child) {
			continue
		}
		child := child
		task := func() error {
			_ = r.visit(ctx, child, depth+1)
			return nil
		}
		// 达到 MaxFanout 时就地执行，避免持有槽位的任务互相等待
		if !r.g.TryGo(task) {
			_ = task()
		}
	}
	return nil
}

func (r *run) skip(id contract.NodeID, stage string, err error) {
	code := diag.ReportError("traverse", err)
	r.c.logger.WarnWith("traverse", string(code), err.Error(), string(id), "", map[string]string{"stage": stage})
	r.skipMu.Lock()
	r.skipped = append(r.skipped, Skip{NodeID: id, Stage: stage, Err: err})
	r.skipMu.Unlock()
}

func (r *run) progress(scanned int64) {
	if scanned%int64(r.c.opt.ProgressEvery) != 0 {
		return
	}
	queued := int(r.queued.Load())
	if r.c.opt.OnProgress != nil {
		r.c.opt.OnProgress(int(scanned), queued)
		return
	}
	diag.GetTerminal().ScanProgress(int(scanned), queued)
}
