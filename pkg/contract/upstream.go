package contract

import "time"

// UpstreamError 用于承载 HTTP 上游错误的最小诊断信息。
// 实现方应提供状态码与简短消息，便于结构化日志记录；RetryAfter 为 0 表示未给出。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
	RetryAfter() time.Duration
}
