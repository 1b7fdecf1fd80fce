package diag

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// 进程内指标（私有注册表，不暴露 HTTP 端点）：
// - notionfmt_op_total{comp,stage,result}
// - notionfmt_error_total{comp,code}
// - notionfmt_op_duration_ms{comp,stage}
// 运行结束时可写成 node_exporter textfile 格式。
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notionfmt",
		Name:      "op_total",
		Help:      "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notionfmt",
		Name:      "error_total",
		Help:      "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "notionfmt",
		Name:      "op_duration_ms",
		Help:      "Stage duration in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 14),
	}, []string{"comp", "stage"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration)
}

// IncOp 累加操作计数（result=success|error|skip 等）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	if durMS < 0 {
		durMS = 0
	}
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// ReportError 一次性完成错误计数与分类计数（未知分类不计入 error_total）。
func ReportError(comp string, err error) Code {
	code := Classify(err)
	IncOp(comp, "error", "error")
	if code != CodeUnknown {
		IncError(comp, string(code))
	}
	return code
}

// Gatherer 返回进程内指标注册表（测试与导出用）。
func Gatherer() prometheus.Gatherer { return registry }

// WriteMetricsFile 以 textfile 格式写出当前指标；path 为空时跳过。
func WriteMetricsFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "metrics: mkdir")
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return errors.Wrap(err, "metrics: write textfile")
	}
	return nil
}
