package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"notionfmt/internal/diag"
	"notionfmt/internal/pipeline"
	"notionfmt/internal/rate"
	"notionfmt/internal/traverse"
	"notionfmt/internal/writeback"
	"notionfmt/pkg/registry"
)

// RetryAsk 等为 retry_failed 的合法取值。
const (
	RetryAsk    = string(pipeline.RetryAsk)
	RetryAlways = string(pipeline.RetryAlways)
	RetryNever  = string(pipeline.RetryNever)
)

// Effective 返回选中服务的有效定义：services 中缺省时按注册表同名实现补全。
func (c Config) Effective() (string, Service, error) {
	name := strings.TrimSpace(c.Service)
	if name == "" {
		return "", Service{}, errors.New("config: service not set")
	}
	sv, ok := c.Services[name]
	if !ok {
		if _, known := registry.Service[name]; !known {
			return "", Service{}, errors.Newf("config: service %q not defined (known: %v)", name, registry.Names())
		}
	}
	if sv.Client == "" {
		sv.Client = name
	}
	return name, sv, nil
}

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	_, sv, err := cfg.Effective()
	if err != nil {
		return err
	}
	if registry.Service[sv.Client] == nil {
		return errors.Newf("config: client %q not registered (known: %v)", sv.Client, registry.Names())
	}
	if len(sv.Options) > 0 && !json.Valid(sv.Options) {
		return errors.Newf("config: service %q options is not valid JSON", cfg.Service)
	}
	if r := sv.Limits.RPS; r != nil && *r < 0 {
		return errors.New("config: limits.rps must be >= 0")
	}
	if b := sv.Limits.Burst; b != nil && *b < 0 {
		return errors.New("config: limits.burst must be >= 0")
	}
	if cfg.BatchSize < 1 {
		return errors.New("config: batch_size must be >= 1")
	}
	if cfg.MaxAttempts < 1 {
		return errors.New("config: max_attempts must be >= 1")
	}
	if cfg.BatchPauseMS < 0 {
		return errors.New("config: batch_pause_ms must be >= 0")
	}
	if cfg.BackoffMS < 0 {
		return errors.New("config: backoff_ms must be >= 0")
	}
	if cfg.MaxFanout < 0 {
		return errors.New("config: max_fanout must be >= 0")
	}
	if _, ok := pipeline.ParseRetryPolicy(cfg.RetryFailed); !ok {
		return errors.Newf("config: retry_failed must be ask|always|never, got %q", cfg.RetryFailed)
	}
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !diag.ValidLevel(lv) {
		return errors.Newf("config: unknown logging.level %q", lv)
	}
	return nil
}

// Assemble 构造服务（含限流包装）与运行设置。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样 JSON。
// Journal、Confirm、RunID 由调用方补充。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	name, sv, _ := cfg.Effective()
	raw := json.RawMessage(sv.Options)

	svc, err := registry.Build(sv.Client, raw)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, errors.Wrapf(err, "service %s", name)
	}

	// 分组键优先按令牌派生（同一集成共享额度）；失败时退化为服务名。
	key, derr := rate.DeriveKey(sv.Client, raw)
	if derr != nil {
		key = rate.LimitKey(name)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{key: sv.Limits.limits()}, nil)

	set := pipeline.Settings{
		Service:  name,
		Traverse: traverse.Options{MaxFanout: cfg.MaxFanout},
		Writeback: writeback.Options{
			BatchSize:   cfg.BatchSize,
			BatchPause:  time.Duration(cfg.BatchPauseMS) * time.Millisecond,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
		},
		RetryFailed: pipeline.RetryPolicy(cfg.RetryFailed),
	}
	return pipeline.Components{Service: rate.Throttle(svc, gate, key)}, set, nil
}

// limits 转为 rate.Limits；未设置视为不限。
func (l Limits) limits() rate.Limits {
	var out rate.Limits
	if l.RPS != nil {
		out.RPS = *l.RPS
	}
	if l.Burst != nil {
		out.Burst = *l.Burst
	}
	return out
}
