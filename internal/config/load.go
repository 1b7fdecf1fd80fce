package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量前缀与配置源变量。
const (
	EnvPrefix     = "NOTIONFMT_"
	EnvConfigFile = "NOTIONFMT_CONFIG_FILE"
	EnvConfigYAML = "NOTIONFMT_CONFIG_YAML"
)

// DefaultFiles 未显式指定配置文件时按顺序探测的文件名。
var DefaultFiles = []string{"notionfmt.yaml", "config.yaml", "config.json"}

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	rps, burst := 3.0, 3
	return Config{
		Service: "notion",
		Services: map[string]Service{
			// Notion 公开 API 的平均额度约为 3 req/s
			"notion": {Client: "notion", Limits: Limits{RPS: &rps, Burst: &burst}},
		},
		BatchSize:    3,
		BatchPauseMS: 500,
		MaxAttempts:  3,
		BackoffMS:    500,
		MaxFanout:    0,
		RetryFailed:  RetryAsk,
		Logging:      Logging{Level: "info", Dir: "logs"},
	}
}

// unset 返回所有整数字段均为“未设置”的覆盖层。
func unset() Config {
	return Config{BatchSize: -1, BatchPauseMS: -1, MaxAttempts: -1, BackoffMS: -1, MaxFanout: -1}
}

// LoadYAML 从文件路径或原始字节解析覆盖层（严格拒绝未知字段）。
// YAML 是 JSON 的超集，因此 config.json 同样适用。
func LoadYAML(path string, raw []byte) (Config, error) {
	cfg := unset()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, errors.Wrap(err, "config")
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("config: no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// 空文件：不覆盖任何字段
			return unset(), nil
		}
		return cfg, errors.Wrapf(err, "config: parse %s", sourceName(path, raw))
	}
	return cfg, nil
}

func sourceName(path string, raw []byte) string {
	if len(raw) > 0 {
		return EnvConfigYAML
	}
	return path
}

// FindFile 返回应读取的配置文件路径：NOTIONFMT_CONFIG_FILE 优先，其次为工作目录下首个存在的默认文件。
// 均不存在时返回空串。
func FindFile(environ []string) string {
	if p := lookup(environ, EnvConfigFile); p != "" {
		return p
	}
	for _, name := range DefaultFiles {
		if st, err := os.Stat(name); err == nil && !st.IsDir() {
			return name
		}
	}
	return ""
}

// LoadDotEnv 读取 .env 注入进程环境；文件不存在时忽略，不覆盖已有变量。
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Load 按优先级构建最终配置：Defaults → 配置文件 → NOTIONFMT_CONFIG_YAML → NOTIONFMT_* 环境变量。
// .env 须在调用前由 LoadDotEnv 注入。
func Load(environ []string) (Config, error) {
	cfg := Defaults()
	if path := FindFile(environ); path != "" {
		over, err := LoadYAML(path, nil)
		if err != nil {
			return cfg, err
		}
		cfg = Merge(cfg, over)
	}
	if raw := lookup(environ, EnvConfigYAML); raw != "" {
		over, err := LoadYAML("", []byte(raw))
		if err != nil {
			return cfg, err
		}
		cfg = Merge(cfg, over)
	}
	over, err := EnvOverlay(environ)
	if err != nil {
		return cfg, err
	}
	return Merge(cfg, over), nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量为“替换”；services 按键逐字段合并，options 整体替换。
func Merge(base, over Config) Config {
	out := base
	out.Services = cloneServices(base.Services)

	if s := strings.TrimSpace(over.Service); s != "" {
		out.Service = s
	}
	if over.BatchSize >= 0 {
		out.BatchSize = over.BatchSize
	}
	if over.BatchPauseMS >= 0 {
		out.BatchPauseMS = over.BatchPauseMS
	}
	if over.MaxAttempts >= 0 {
		out.MaxAttempts = over.MaxAttempts
	}
	if over.BackoffMS >= 0 {
		out.BackoffMS = over.BackoffMS
	}
	if over.MaxFanout >= 0 {
		out.MaxFanout = over.MaxFanout
	}
	if s := strings.TrimSpace(over.RetryFailed); s != "" {
		out.RetryFailed = s
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	if s := strings.TrimSpace(over.Metrics.Textfile); s != "" {
		out.Metrics.Textfile = s
	}
	if s := strings.TrimSpace(over.Journal.Path); s != "" {
		out.Journal.Path = s
	}

	for name, sv := range over.Services {
		if out.Services == nil {
			out.Services = make(map[string]Service, len(over.Services))
		}
		cur := out.Services[name]
		if sv.Client != "" {
			cur.Client = sv.Client
		}
		if len(sv.Options) > 0 {
			cur.Options = cloneRaw(sv.Options)
		}
		if sv.Limits.RPS != nil {
			v := *sv.Limits.RPS
			cur.Limits.RPS = &v
		}
		if sv.Limits.Burst != nil {
			v := *sv.Limits.Burst
			cur.Limits.Burst = &v
		}
		out.Services[name] = cur
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖层（仅解析有限键集合）。
// 支持：SERVICE, BATCH_SIZE, BATCH_PAUSE_MS, MAX_ATTEMPTS, BACKOFF_MS, MAX_FANOUT, RETRY_FAILED,
// LOG_LEVEL, LOG_DIR, METRICS_TEXTFILE, JOURNAL_PATH
// 以及 SERVICES__<name>__CLIENT / SERVICES__<name>__LIMITS_{RPS,BURST} / SERVICES__<name>__OPTIONS_JSON。
// 数值无法解析时报错，避免静默忽略。
func EnvOverlay(environ []string) (Config, error) {
	over := unset()
	svcs := map[string]Service{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免清空文件中的配置
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		var err error
		switch nk {
		case "SERVICE":
			over.Service = val
		case "BATCH_SIZE":
			over.BatchSize, err = atoi(key, val)
		case "BATCH_PAUSE_MS":
			over.BatchPauseMS, err = atoi(key, val)
		case "MAX_ATTEMPTS":
			over.MaxAttempts, err = atoi(key, val)
		case "BACKOFF_MS":
			over.BackoffMS, err = atoi(key, val)
		case "MAX_FANOUT":
			over.MaxFanout, err = atoi(key, val)
		case "RETRY_FAILED":
			over.RetryFailed = strings.ToLower(val)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "METRICS_TEXTFILE":
			over.Metrics.Textfile = val
		case "JOURNAL_PATH":
			over.Journal.Path = val
		default:
			if strings.HasPrefix(nk, "SERVICES__") {
				err = serviceEnv(svcs, key, strings.TrimPrefix(nk, "SERVICES__"), val)
			}
			// 其余 NOTIONFMT_* 键（CONFIG_FILE 等）由调用方处理
		}
		if err != nil {
			return over, err
		}
	}
	if len(svcs) > 0 {
		over.Services = svcs
	}
	return over, nil
}

// serviceEnv 解析 SERVICES__<name>__<FIELD>。
func serviceEnv(svcs map[string]Service, key, rest, val string) error {
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return errors.Newf("config: malformed %s", key)
	}
	name := strings.ToLower(strings.TrimSpace(parts[0]))
	sv := svcs[name]
	switch parts[1] {
	case "CLIENT":
		sv.Client = val
	case "LIMITS_RPS":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.Wrapf(err, "config: %s", key)
		}
		sv.Limits.RPS = &f
	case "LIMITS_BURST":
		n, err := atoi(key, val)
		if err != nil {
			return err
		}
		sv.Limits.Burst = &n
	case "OPTIONS_JSON":
		sv.Options = RawOptions(val)
	default:
		return errors.Newf("config: unknown service field in %s", key)
	}
	svcs[name] = sv
	return nil
}

func lookup(environ []string, key string) string {
	prefix := key + "="
	for i := len(environ) - 1; i >= 0; i-- {
		if strings.HasPrefix(environ[i], prefix) {
			return strings.TrimSpace(environ[i][len(prefix):])
		}
	}
	return ""
}

func cloneServices(in map[string]Service) map[string]Service {
	if in == nil {
		return nil
	}
	out := make(map[string]Service, len(in))
	for k, v := range in {
		v.Options = cloneRaw(v.Options)
		out[k] = v
	}
	return out
}

func cloneRaw(in RawOptions) RawOptions {
	if len(in) == 0 {
		return nil
	}
	out := make(RawOptions, len(in))
	copy(out, in)
	return out
}

func atoi(key, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", key)
	}
	return n, nil
}
