package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"notionfmt/internal/diag"
	"notionfmt/internal/journal"
	"notionfmt/internal/spacing"
	"notionfmt/internal/traverse"
	"notionfmt/internal/writeback"
	"notionfmt/pkg/contract"
)

// - 顺序：标题 → 遍历收集 → 写回 → （可选）对失败子集补写一次。
// - 唯一致命点：根节点不可读。标题失败只记录，不阻断遍历。
// - 补写只针对上一轮失败的记录，且至多一次。

// Components 聚合运行所需的组件。
type Components struct {
	Service contract.DocumentService
}

// RetryPolicy 失败记录的补写策略。
type RetryPolicy string

const (
	RetryAsk    RetryPolicy = "ask"    // 询问 Confirm，默认
	RetryAlways RetryPolicy = "always" // 自动补写一次
	RetryNever  RetryPolicy = "never"  // 仅报告
)

// ParseRetryPolicy 解析策略名；未知名返回 false。
func ParseRetryPolicy(s string) (RetryPolicy, bool) {
	switch p := RetryPolicy(s); p {
	case RetryAsk, RetryAlways, RetryNever:
		return p, true
	}
	return "", false
}

// Settings 运行期配置。
type Settings struct {
	// Service: 服务名，仅用于展示与记录。
	Service   string
	Traverse  traverse.Options
	Writeback writeback.Options

	RetryFailed RetryPolicy
	// Confirm: RetryAsk 时调用，参数为失败条数；为空视为拒绝。
	Confirm func(failed int) bool

	// Journal: 可选运行日志库；nil 时不记录。
	Journal *journal.Journal
	// RunID: 为空时自动生成。
	RunID string
}

// TitleStatus 标题预处理结果。
type TitleStatus string

const (
	TitleUpdated   TitleStatus = "updated"
	TitleUnchanged TitleStatus = "unchanged"
	TitleAbsent    TitleStatus = "absent"
	TitleFailed    TitleStatus = "failed"
)

// Summary 一次运行的汇总。
type Summary struct {
	RunID string
	Root  contract.NodeID
	Title TitleStatus

	Scanned int
	Queued  int
	Skipped int

	Succeeded int // 各轮合计，含 Unchanged
	Unchanged int
	Passes    int
	// Failed: 最后一轮写回后仍失败的记录。
	Failed []writeback.Failure

	Duration time.Duration
}

// OK 报告是否所有待写回记录均已成功。
func (s Summary) OK() bool { return len(s.Failed) == 0 }

// Run 执行完整流程。仅在输入非法或根节点不可读时返回错误；
// 记录级失败体现在 Summary.Failed 中。
func Run(ctx context.Context, root contract.NodeID, comp Components, set Settings, logger *diag.Logger) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: set.RunID, Root: root}
	if sum.RunID == "" {
		sum.RunID = uuid.NewString()
	}
	if err := sanity(root, comp); err != nil {
		return sum, errors.Wrap(err, "sanity")
	}
	svc := comp.Service
	term := diag.GetTerminal()
	term.RunStart(string(root), set.Service)

	jctx := context.WithoutCancel(ctx)
	if err := set.Journal.BeginRun(jctx, sum.RunID, string(root), set.Service, start); err != nil {
		logger.WarnWith("journal", string(diag.Classify(err)), "begin run: "+err.Error(), string(root), "", nil)
	}

	sum.Title = formatTitle(ctx, svc, root, logger)
	term.TitleResult(string(sum.Title))

	res, err := traverse.NewCollector(svc, set.Traverse, logger).Collect(ctx, root)
	sum.Scanned, sum.Queued, sum.Skipped = res.Scanned, len(res.Updates), len(res.Skipped)
	if err != nil {
		code := diag.ReportError("pipeline", err)
		logger.ErrorWith("pipeline", string(code), "collect failed: "+err.Error(), &start, string(root), "")
		sum.Duration = time.Since(start)
		finishJournal(jctx, set.Journal, sum, "failed", logger)
		term.RunFinish(false, sum.Duration)
		return sum, errors.Wrap(err, "collect")
	}
	term.ScanFinish(sum.Scanned, sum.Queued, sum.Skipped)

	eng := writeback.NewEngine(svc, set.Writeback, logger)
	pending := res.Updates
	for pass := 1; len(pending) > 0; pass++ {
		term.WritebackStart(pass, len(pending), eng.Batches(len(pending)))
		rep := eng.Writeback(ctx, pending)
		term.WritebackFinish(rep.Succeeded, len(rep.Failed))

		sum.Passes = pass
		sum.Succeeded += rep.Succeeded
		sum.Unchanged += rep.Unchanged
		sum.Failed = rep.Failed
		recordFailures(jctx, set.Journal, sum.RunID, pass, rep.Failed, logger)

		if len(rep.Failed) == 0 || pass > 1 || ctx.Err() != nil {
			break
		}
		if !set.retry(len(rep.Failed)) {
			break
		}
		logger.InfoKV("pipeline", "retry failed records", map[string]string{"records": strconv.Itoa(len(rep.Failed))})
		pending = rep.FailedUpdates()
	}

	sum.Duration = time.Since(start)
	status := "ok"
	if !sum.OK() {
		status = "failed"
	}
	finishJournal(jctx, set.Journal, sum, status, logger)
	logger.InfoKV("pipeline", "summary", map[string]string{
		"run_id":    sum.RunID,
		"title":     string(sum.Title),
		"scanned":   strconv.Itoa(sum.Scanned),
		"queued":    strconv.Itoa(sum.Queued),
		"skipped":   strconv.Itoa(sum.Skipped),
		"succeeded": strconv.Itoa(sum.Succeeded),
		"unchanged": strconv.Itoa(sum.Unchanged),
		"failed":    strconv.Itoa(len(sum.Failed)),
		"passes":    strconv.Itoa(sum.Passes),
	})
	diag.IncOp("pipeline", "finish", status)
	diag.ObserveDuration("pipeline", "finish", sum.Duration.Milliseconds())
	term.RunFinish(sum.OK(), sum.Duration)
	return sum, nil
}

// formatTitle 标题预处理：读取、格式化、必要时立即写回。失败不外抛。
func formatTitle(ctx context.Context, svc contract.DocumentService, root contract.NodeID, logger *diag.Logger) TitleStatus {
	t := logger.StartWith("title", "format", string(root), "")
	began := time.Now()
	title, err := svc.GetDocumentRoot(ctx, root)
	if err != nil {
		if errors.Is(err, contract.ErrNoTitle) {
			t.Finish("absent", 0)
			return TitleAbsent
		}
		code := diag.ReportError("title", err)
		logger.ErrorWith("title", string(code), "get root: "+err.Error(), &began, string(root), "")
		return TitleFailed
	}
	next, changed := spacing.ProcessTitle(title)
	if !changed {
		t.Finish("unchanged", 0)
		diag.IncOp("title", "finish", "unchanged")
		return TitleUnchanged
	}
	if err := svc.UpdateDocumentTitle(ctx, root, next); err != nil {
		code := diag.ReportError("title", err)
		logger.ErrorWith("title", string(code), "update title: "+err.Error(), &began, string(root), "")
		return TitleFailed
	}
	t.Finish("updated", 1)
	diag.IncOp("title", "finish", "success")
	return TitleUpdated
}

func (s Settings) retry(failed int) bool {
	switch s.RetryFailed {
	case RetryAlways:
		return true
	case RetryAsk:
		return s.Confirm != nil && s.Confirm(failed)
	default:
		return false
	}
}

func recordFailures(ctx context.Context, j *journal.Journal, runID string, pass int, fails []writeback.Failure, logger *diag.Logger) {
	if j == nil || len(fails) == 0 {
		return
	}
	rows := make([]journal.Failure, 0, len(fails))
	for _, f := range fails {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		rows = append(rows, journal.Failure{
			RunID:    runID,
			Pass:     pass,
			NodeID:   string(f.Update.NodeID),
			NodeType: string(f.Update.NodeType),
			Attempts: f.Attempts,
			Error:    msg,
			Content:  f.Update.RichText.PlainText(),
		})
	}
	if err := j.RecordFailures(ctx, rows); err != nil {
		logger.WarnWith("journal", string(diag.Classify(err)), "record failures: "+err.Error(), "", "", nil)
	}
}

func finishJournal(ctx context.Context, j *journal.Journal, sum Summary, status string, logger *diag.Logger) {
	if j == nil {
		return
	}
	err := j.FinishRun(ctx, journal.Run{
		ID:         sum.RunID,
		FinishedAt: time.Now(),
		Status:     status,
		Title:      string(sum.Title),
		Scanned:    sum.Scanned,
		Queued:     sum.Queued,
		Skipped:    sum.Skipped,
		Succeeded:  sum.Succeeded,
		Unchanged:  sum.Unchanged,
		Failed:     len(sum.Failed),
	})
	if err != nil {
		logger.WarnWith("journal", string(diag.Classify(err)), "finish run: "+err.Error(), "", "", nil)
	}
}

func sanity(root contract.NodeID, c Components) error {
	if c.Service == nil {
		return errors.Wrap(contract.ErrInvalidInput, "pipeline: missing service")
	}
	if root == "" {
		return errors.Wrap(contract.ErrInvalidInput, "pipeline: empty root id")
	}
	return nil
}
