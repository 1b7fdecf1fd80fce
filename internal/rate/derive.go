package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultTokenEnv 为 notion 服务未显式配置 token 时读取的环境变量。
const DefaultTokenEnv = "NOTION_TOKEN"

// DeriveKey 从服务名与其原样 Options JSON 中推导限流分组键。
// notion：按 service+sha256(token) 分组（同一集成令牌共享额度），找不到 token 时报错；
// 其他服务不持有凭据，直接以服务名分组。
func DeriveKey(service string, raw json.RawMessage) (LimitKey, error) {
	if service != "notion" {
		return LimitKey(service), nil
	}
	token := ResolveToken(raw)
	if token == "" {
		return "", errors.Newf("rate: missing token for service %s (set options.token, options.token_env or %s)", service, DefaultTokenEnv)
	}
	sum := sha256.Sum256([]byte(token))
	return LimitKey(fmt.Sprintf("%s:%x", service, sum[:8])), nil
}

// ResolveToken 依次尝试 options.token、options.token_env 指向的变量与 DefaultTokenEnv。
// 仅按通用 JSON 键解析，不依赖 plugins/* 的具体类型。
func ResolveToken(raw json.RawMessage) string {
	var obj map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &obj)
	}
	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}
	if tok := pick("token"); tok != "" {
		return tok
	}
	env := pick("token_env")
	if env == "" {
		env = DefaultTokenEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}
