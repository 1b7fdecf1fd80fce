package diag

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeRateLimit Code = "rate_limit"
	CodeNotFound  Code = "not_found"
	CodeConflict  Code = "conflict"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeExhausted Code = "exhausted"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	switch {
	case errors.Is(err, contract.ErrRateLimited):
		return CodeRateLimit
	case errors.Is(err, contract.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, contract.ErrConflict):
		return CodeConflict
	case errors.Is(err, contract.ErrResponseInvalid):
		return CodeProtocol
	case errors.Is(err, contract.ErrRetriesExhausted):
		return CodeExhausted
	case errors.Is(err, contract.ErrInvariantViolation),
		errors.Is(err, contract.ErrInvalidInput),
		errors.Is(err, contract.ErrNoTitle):
		return CodeInvariant
	}
	// 上游 5xx/408 视为网络类瞬时故障
	var uerr contract.UpstreamError
	if errors.As(err, &uerr) {
		if st := uerr.UpstreamStatus(); st >= 500 || st == 408 {
			return CodeNetwork
		}
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx 等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
