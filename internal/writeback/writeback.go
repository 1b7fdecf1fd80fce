package writeback

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"notionfmt/internal/diag"
	"notionfmt/internal/spacing"
	"notionfmt/pkg/contract"
)

// - 批间串行、批内并发：批 i 全部记录到达终态后才开始批 i+1，批大小即远端并发上限。
// - 写前复核：重新读取版本令牌，不一致时基于最新内容重算，无需修改则视为成功且不写。
// - 失败不外抛：单条记录的终态失败只进入 Report.Failed，不影响其余记录与批次。

// Options 写回参数。
type Options struct {
	BatchSize   int           // 每批记录数；<=0 取 3
	BatchPause  time.Duration // 每批结束后的停顿；<=0 不停顿
	MaxAttempts int           // 单条记录最多尝试次数；<=0 取 3
	Backoff     time.Duration // 第 k 次失败后等待 k×Backoff；上游给出更长的 Retry-After 时以其为准
	// Sleep: 可注入的等待函数（测试用）；为空使用可取消的定时器。
	Sleep func(ctx context.Context, d time.Duration) error
	// OnBatch: 每批结束后的累计进度回调；为空时写入全局终端。
	OnBatch func(processed, failed int)
}

// DefaultOptions 返回默认写回参数（3 条/批，批后停顿 0.5s，3 次尝试，0.5s 线性退避）。
func DefaultOptions() Options {
	return Options{BatchSize: 3, BatchPause: 500 * time.Millisecond, MaxAttempts: 3, Backoff: 500 * time.Millisecond}
}

// Failure 一条终态失败的记录。
type Failure struct {
	Update   contract.PendingUpdate
	Attempts int
	Err      error
}

// Report 一次 Writeback 的结果。
type Report struct {
	Total     int
	Succeeded int // 含 Unchanged
	Unchanged int // 版本变化后重算无需修改，未发起写入
	Failed    []Failure
	Batches   int
}

// FailedUpdates 返回失败记录（可直接作为下一轮 Writeback 的输入）。
func (r Report) FailedUpdates() []contract.PendingUpdate {
	out := make([]contract.PendingUpdate, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Update)
	}
	return out
}

// Engine 批量写回引擎。
type Engine struct {
	svc    contract.DocumentService
	opt    Options
	logger *diag.Logger
}

func NewEngine(svc contract.DocumentService, opt Options, logger *diag.Logger) *Engine {
	if opt.BatchSize <= 0 {
		opt.BatchSize = 3
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.Sleep == nil {
		opt.Sleep = sleepWithCtx
	}
	return &Engine{svc: svc, opt: opt, logger: logger}
}

// Batches 返回 n 条记录将被划分的批数。
func (e *Engine) Batches(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + e.opt.BatchSize - 1) / e.opt.BatchSize
}

// Writeback 分批写回 updates。从不因单条记录失败而返回错误。
func (e *Engine) Writeback(ctx context.Context, updates []contract.PendingUpdate) Report {
	rep := Report{Total: len(updates)}
	if len(updates) == 0 {
		return rep
	}
	timer := e.logger.StartWithKV("writeback", "writeback", "", "", map[string]string{
		"records": strconv.Itoa(len(updates)),
		"batches": strconv.Itoa(e.Batches(len(updates))),
	})
	processed := 0
	for start := 0; start < len(updates); start += e.opt.BatchSize {
		end := start + e.opt.BatchSize
		if end > len(updates) {
			end = len(updates)
		}
		rep.Batches++
		batchID := fmt.Sprintf("b%04d", rep.Batches)
		recs := make([]*record, 0, end-start)
		for _, u := range updates[start:end] {
			u.RichText = u.RichText.Clone()
			recs = append(recs, &record{upd: u})
		}
		e.runBatch(ctx, batchID, recs)

		for _, r := range recs {
			switch r.state {
			case Succeeded:
				rep.Succeeded++
				if r.unchanged {
					rep.Unchanged++
				}
			default:
				rep.Failed = append(rep.Failed, Failure{Update: r.upd, Attempts: r.attempts, Err: r.err})
			}
		}
		processed = end
		e.progress(processed, len(rep.Failed))

		if e.opt.BatchPause > 0 && ctx.Err() == nil {
			_ = e.opt.Sleep(ctx, e.opt.BatchPause)
		}
	}
	timer.Finish("writeback", int64(rep.Succeeded))
	return rep
}

// runBatch 并发处理一批记录并等待全部到达终态。
func (e *Engine) runBatch(ctx context.Context, batchID string, recs []*record) {
	t := e.logger.StartWith("writeback", "batch", "", batchID)
	var g errgroup.Group
	for _, r := range recs {
		r := r
		g.Go(func() error {
			e.apply(ctx, batchID, r)
			return nil
		})
	}
	_ = g.Wait()
	t.Finish("batch", int64(len(recs)))
}

// apply 驱动单条记录的状态机直到终态。
func (e *Engine) apply(ctx context.Context, batchID string, r *record) {
	id := string(r.upd.NodeID)
	for {
		if err := ctx.Err(); err != nil {
			r.err = err
			_ = r.to(Exhausted)
			return
		}
		if err := r.to(InFlight); err != nil {
			r.err = err
			r.state = Exhausted
			return
		}
		r.attempts++
		err := e.attempt(ctx, r)
		if err == nil {
			_ = r.to(Succeeded)
			result := "success"
			if r.unchanged {
				result = "unchanged"
			}
			diag.IncOp("writeback", "update", result)
			return
		}
		code := diag.ReportError("writeback", err)
		if isCancel(err) || r.attempts >= e.opt.MaxAttempts {
			if !isCancel(err) {
				err = errors.Mark(errors.Wrapf(err, "after %d attempts", r.attempts), contract.ErrRetriesExhausted)
			}
			r.err = err
			_ = r.to(Exhausted)
			e.logger.ErrorWithKV("writeback", string(code), err.Error(), nil, id, batchID, map[string]string{"attempts": strconv.Itoa(r.attempts)})
			return
		}
		_ = r.to(Retryable)
		wait := time.Duration(r.attempts) * e.opt.Backoff
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		e.logger.WarnWith("writeback", string(code), err.Error(), id, batchID, map[string]string{
			"attempt": strconv.Itoa(r.attempts),
			"wait_ms": strconv.FormatInt(wait.Milliseconds(), 10),
		})
		if wait > 0 {
			if serr := e.opt.Sleep(ctx, wait); serr != nil {
				r.err = serr
				_ = r.to(Exhausted)
				return
			}
		}
	}
}

// attempt 执行一次“复核 + 写入”。
func (e *Engine) attempt(ctx context.Context, r *record) error {
	cur, err := e.svc.GetNode(ctx, r.upd.NodeID)
	if err != nil {
		return errors.Wrapf(err, "refetch %s", r.upd.NodeID)
	}
	if cur.Version != r.upd.Version {
		if cur.Type != r.upd.NodeType || !cur.Eligible() {
			return errors.Wrapf(contract.ErrInvariantViolation, "node %s is now %s without rich text", r.upd.NodeID, cur.Type)
		}
		rt, modified := spacing.ProcessRichText(cur.RichText)
		if !modified {
			r.unchanged = true
			return nil
		}
		r.upd.RichText = rt
		r.upd.Version = cur.Version
	}
	if err := e.svc.UpdateNode(ctx, r.upd.NodeID, r.upd.NodeType, r.upd.RichText); err != nil {
		return errors.Wrapf(err, "update %s", r.upd.NodeID)
	}
	return nil
}

func (e *Engine) progress(processed, failed int) {
	if e.opt.OnBatch != nil {
		e.opt.OnBatch(processed, failed)
		return
	}
	diag.GetTerminal().BatchProgress(processed, failed)
}

// retryAfter 取上游建议的等待时长；未给出时为 0。
func retryAfter(err error) time.Duration {
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		return ue.RetryAfter()
	}
	return 0
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
