package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON 输出到轮转文件（失败时回落 stderr）。
// nil *Logger 的所有方法均为 no-op。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	mu     sync.Mutex
}

// NewLogger 以配置的 level 初始化，日志写入 dir（为空则 logs），10MiB 轮转。
func NewLogger(corrID, level, dir string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	return &Logger{corrID: corrID, level: lvl, sink: sink}
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// ValidLevel 报告 s 是否为可识别的级别名（空串视为默认 info）。
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|warn|info
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	NodeID string            `json:"node_id,omitempty"`
	Batch  string            `json:"batch_id,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Close 关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWith(comp, msg, "", "")
}

// StartWith 记录带 node_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, nodeID, batch string) *Timer {
	return l.StartWithKV(comp, msg, nodeID, batch, nil)
}

// StartWithKV 记录带 node_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, nodeID, batch string, kv map[string]string) *Timer {
	if l == nil {
		return nil
	}
	l.log(Info, Event{Comp: comp, Stage: "start", NodeID: nodeID, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, nodeID: nodeID, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 node_id/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, nodeID, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, nodeID, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, nodeID, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, NodeID: nodeID, Batch: batch, KV: kv})
}

// WarnWith 记录可恢复的异常（例如将被重试的失败、被放弃的子树）。
func (l *Logger) WarnWith(comp, code, msg, nodeID, batch string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, NodeID: nodeID, Batch: batch, KV: kv})
}

// InfoKV 记录一般信息事件。
func (l *Logger) InfoKV(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "info", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, nodeID, batch string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", NodeID: nodeID, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	nodeID string
	batch  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。同时上报阶段耗时指标。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, NodeID: t.nodeID, Batch: t.batch, Msg: msg})
	ObserveDuration(t.comp, msg, dur)
}
