package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端信息提示（非日志，仅供观察）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 进度单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	root     string
	service  string
	runStart time.Time

	// 扫描阶段
	scanned int
	queued  int

	// 写回阶段
	pass         int
	recordsTotal int
	batchesTotal int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供各阶段旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil；nil 上的方法均为 no-op）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart: 记录运行上下文（根文档与服务）。
func (t *Terminal) RunStart(root, service string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.root = shorten(root, 40)
	t.service = service
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 文档=%s | 服务=%s | 开始 %s", t.root, safe(service), t.runStart.Format("15:04:05")))
}

// TitleResult: 标题预处理结果（updated|unchanged|absent|failed）。
func (t *Terminal) TitleResult(status string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.println(fmt.Sprintf("[title] %s", safe(status)))
}

// ScanProgress: 扫描进度（TTY 下 ≥100ms 节流覆盖；非 TTY 逐次打点）。
func (t *Terminal) ScanProgress(scanned, queued int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.scanned, t.queued = scanned, queued
	line := fmt.Sprintf("[scan] 已扫描 %d | 待更新 %d | 用时 %s", scanned, queued, formatSince(t.runStart))
	if !t.isTTY {
		t.println(line)
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(line)
}

// ScanFinish: 扫描完成汇总。
func (t *Terminal) ScanFinish(scanned, queued, skipped int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("[scan] 完成 | 扫描块 %d | 待更新 %d | 跳过子树 %d", scanned, queued, skipped))
}

// WritebackStart: 第 pass 轮写回开始。
func (t *Terminal) WritebackStart(pass, records, batches int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.pass, t.recordsTotal, t.batchesTotal = pass, records, batches
	t.println(fmt.Sprintf("[update#%d] 开始更新 %d 个块 | 批次 %d", pass, records, batches))
}

// BatchProgress: 批次完成后的累计进度；最后一批总是刷新。
func (t *Terminal) BatchProgress(processed, failed int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	line := fmt.Sprintf("[update#%d] 已处理 %d/%d | 失败 %d", t.pass, processed, t.recordsTotal, failed)
	if !t.isTTY {
		t.println(line)
		return
	}
	now := time.Now()
	if processed < t.recordsTotal && now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(line)
}

// WritebackFinish: 第 pass 轮写回汇总。
func (t *Terminal) WritebackFinish(succeeded, failed int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	total := succeeded + failed
	t.println(fmt.Sprintf("[update#%d] 完成 | 成功 %d/%d | 失败 %d/%d", t.pass, succeeded, total, failed, total))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.clearInline()
	t.println(fmt.Sprintf("[%s] 全部完成 | 总用时 %s", tag, formatDur(dur)))
}

// clearInline 以空格抹掉残留的进度行并回到行首。
func (t *Terminal) clearInline() {
	if !t.isTTY || t.lastLen == 0 {
		return
	}
	t.printInline("")
	if t.enabled {
		if _, err := io.WriteString(t.w, "\r"); err != nil {
			t.enabled = false
		}
	}
}

func (t *Terminal) println(s string) {
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shorten 按可见宽度截断（尾部省略号）。
func shorten(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = safe(strings.TrimSpace(s))
	if visLen(s) <= max {
		return s
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(s)
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string {
	if t0.IsZero() {
		return "0ms"
	}
	return formatDur(time.Since(t0))
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
