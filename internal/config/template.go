package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// notion 服务读取 NOTION_TOKEN，memory 服务可指向离线夹具；其余键取默认值。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	rps, burst := 3.0, 3
	cfg.Services = map[string]Service{
		"notion": {
			Client: "notion",
			Options: RawOptions(`{
  "base_url": "https://api.notion.com",
  "token_env": "NOTION_TOKEN",
  "notion_version": "2022-06-28",
  "timeout_seconds": 30,
  "page_size": 100
}`),
			Limits: Limits{RPS: &rps, Burst: &burst},
		},
		"memory": {
			Client:  "memory",
			Options: RawOptions(`{"fixture": "testdata/document.yaml", "latency_ms": 0}`),
		},
	}
	cfg.Metrics.Textfile = ""
	cfg.Journal.Path = "notionfmt.db"
	return cfg
}

// MarshalTemplate 以 YAML 输出配置。
func MarshalTemplate(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "config: encode template")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "config: encode template")
	}
	return buf.Bytes(), nil
}

// dotEnvTemplate 列出支持的环境变量覆盖项。
const dotEnvTemplate = `# notionfmt .env 模板（由 init-config 生成）
# 优先级：ENV(.env) > NOTIONFMT_CONFIG_YAML > 配置文件 > 默认值
# 空值表示未设置。

NOTION_TOKEN=

# 配置来源（可二选一）
NOTIONFMT_CONFIG_FILE=
NOTIONFMT_CONFIG_YAML=

# 运行参数覆盖
NOTIONFMT_SERVICE=
NOTIONFMT_BATCH_SIZE=
NOTIONFMT_BATCH_PAUSE_MS=
NOTIONFMT_MAX_ATTEMPTS=
NOTIONFMT_BACKOFF_MS=
NOTIONFMT_MAX_FANOUT=
NOTIONFMT_RETRY_FAILED=
NOTIONFMT_LOG_LEVEL=
NOTIONFMT_LOG_DIR=
NOTIONFMT_METRICS_TEXTFILE=
NOTIONFMT_JOURNAL_PATH=

# 服务覆盖（notion）
NOTIONFMT_SERVICES__notion__CLIENT=
NOTIONFMT_SERVICES__notion__LIMITS_RPS=
NOTIONFMT_SERVICES__notion__LIMITS_BURST=
NOTIONFMT_SERVICES__notion__OPTIONS_JSON=
`

// WriteTemplate 在 dir 下生成 notionfmt.yaml 与 .env；已存在的文件跳过，不覆盖。
// 返回实际写入的文件。
func WriteTemplate(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "config: mkdir")
	}
	body, err := MarshalTemplate(DefaultTemplateConfig())
	if err != nil {
		return nil, err
	}
	var written []string
	for _, f := range []struct {
		name string
		data []byte
	}{
		{DefaultFiles[0], body},
		{".env", []byte(dotEnvTemplate)},
	} {
		path := filepath.Join(dir, f.name)
		ok, err := writeExclusive(path, f.data)
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, path)
		}
	}
	return written, nil
}

func writeExclusive(path string, data []byte) (bool, error) {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "config: create %s", path)
	}
	defer fh.Close()
	if _, err := fh.Write(data); err != nil {
		return false, errors.Wrapf(err, "config: write %s", path)
	}
	return true, nil
}
