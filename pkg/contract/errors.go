package contract

import "github.com/cockroachdb/errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrRateLimited: 远端限流（HTTP 429）。
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound: 节点或页面不存在，或集成无访问权限。
	ErrNotFound = errors.New("not found")
	// ErrConflict: 远端报告并发修改冲突（HTTP 409）。
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput: 请求或配置非法（其余 4xx）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrResponseInvalid: 远端响应无法解析或缺少必需字段。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrNoTitle: 根对象没有 title 类型的属性。
	ErrNoTitle = errors.New("no title property")
	// ErrRetriesExhausted: 单条记录用尽重试预算。
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
