package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notionfmt/internal/pipeline"
)

// 解析完整 YAML 配置并与默认值合并
func TestLoadYAML(t *testing.T) {
	over, err := LoadYAML("../../testdata/config/basic.yaml", nil)
	require.NoError(t, err)
	cfg := Merge(Defaults(), over)

	assert.Equal(t, "staging", cfg.Service)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 0, cfg.BatchPauseMS, "显式的 0 应覆盖默认值")
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, 100, cfg.BackoffMS)
	assert.Equal(t, 8, cfg.MaxFanout)
	assert.Equal(t, RetryNever, cfg.RetryFailed)
	assert.Equal(t, "debug", cfg.Logging.Level)

	sv := cfg.Services["staging"]
	assert.Equal(t, "memory", sv.Client)
	assert.JSONEq(t, `{"fixture":"../../testdata/document.yaml","latency_ms":0}`, string(sv.Options))
	require.NotNil(t, sv.Limits.RPS)
	assert.Equal(t, 10.0, *sv.Limits.RPS)
	// 默认的 notion 定义保留
	assert.Contains(t, cfg.Services, "notion")
	require.NoError(t, Validate(cfg))
}

// config.json 同样由 YAML 解码器读取
func TestLoadJSONFile(t *testing.T) {
	over, err := LoadYAML("../../testdata/config/basic.json", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, over.BatchSize, "未出现的键保持未设置")

	cfg := Merge(Defaults(), over)
	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, RetryAlways, cfg.RetryFailed)
	sv := cfg.Services["notion"]
	assert.Equal(t, "notion", sv.Client, "未覆盖的字段沿用默认")
	assert.Equal(t, 2.0, *sv.Limits.RPS)
	assert.Equal(t, 3, *sv.Limits.Burst)
	assert.JSONEq(t, `{"token":"secret_test","page_size":50}`, string(sv.Options))
}

func TestLoadYAMLUnknownField(t *testing.T) {
	_, err := LoadYAML("../../testdata/config/unknown.yaml", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_sise")

	_, err = LoadYAML("", []byte("services:\n  notion:\n    token: x\n"))
	require.Error(t, err)
}

func TestLoadYAMLEmpty(t *testing.T) {
	over, err := LoadYAML("", []byte("# 仅注释\n"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), Merge(Defaults(), over))

	_, err = LoadYAML("", nil)
	require.Error(t, err)
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"NOTIONFMT_SERVICE=memory",
		"NOTIONFMT_BATCH_SIZE=5",
		"NOTIONFMT_BATCH_PAUSE_MS=0",
		"NOTIONFMT_RETRY_FAILED=Always",
		"NOTIONFMT_LOG_LEVEL=warn",
		"NOTIONFMT_JOURNAL_PATH=run.db",
		"NOTIONFMT_MAX_FANOUT=",
		"NOTIONFMT_SERVICES__notion__LIMITS_RPS=1.5",
		"NOTIONFMT_SERVICES__memory__OPTIONS_JSON={\"latency_ms\":5}",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, "memory", over.Service)
	assert.Equal(t, 5, over.BatchSize)
	assert.Equal(t, 0, over.BatchPauseMS)
	assert.Equal(t, -1, over.MaxFanout, "空值视为未设置")
	assert.Equal(t, RetryAlways, over.RetryFailed)

	cfg := Merge(Defaults(), over)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "run.db", cfg.Journal.Path)
	assert.Equal(t, 1.5, *cfg.Services["notion"].Limits.RPS)
	assert.Equal(t, "notion", cfg.Services["notion"].Client)
	assert.JSONEq(t, `{"latency_ms":5}`, string(cfg.Services["memory"].Options))
	require.NoError(t, Validate(cfg))
}

func TestEnvOverlayErrors(t *testing.T) {
	for _, kv := range []string{
		"NOTIONFMT_BATCH_SIZE=three",
		"NOTIONFMT_SERVICES__notion__LIMITS_RPS=fast",
		"NOTIONFMT_SERVICES__notion__TOKEN=x",
		"NOTIONFMT_SERVICES____CLIENT=x",
	} {
		_, err := EnvOverlay([]string{kv})
		assert.Error(t, err, kv)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(file, []byte("batch_size: 7\nmax_attempts: 5\nbackoff_ms: 10\n"), 0o644))

	env := []string{
		EnvConfigFile + "=" + file,
		EnvConfigYAML + "=max_attempts: 4\nbackoff_ms: 20\n",
		"NOTIONFMT_BACKOFF_MS=30",
	}
	cfg, err := Load(env)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)   // 文件
	assert.Equal(t, 4, cfg.MaxAttempts) // 内联 YAML 覆盖文件
	assert.Equal(t, 30, cfg.BackoffMS)  // ENV 最高
	assert.Equal(t, 500, cfg.BatchPauseMS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load([]string{EnvConfigFile + "=" + filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("NOTIONFMT_TEST_A=from-file\nNOTIONFMT_TEST_B=\"quoted value\"\n"), 0o644))
	t.Setenv("NOTIONFMT_TEST_A", "from-env")
	t.Setenv("NOTIONFMT_TEST_B", "")
	require.NoError(t, os.Unsetenv("NOTIONFMT_TEST_B"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("NOTIONFMT_TEST_A"), "不覆盖已有变量")
	assert.Equal(t, "quoted value", os.Getenv("NOTIONFMT_TEST_B"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestValidateErrors(t *testing.T) {
	mutate := map[string]func(*Config){
		"empty service":   func(c *Config) { c.Service = "" },
		"unknown service": func(c *Config) { c.Service = "confluence" },
		"unknown client":  func(c *Config) { c.Services["x"] = Service{Client: "nope"}; c.Service = "x" },
		"bad options":     func(c *Config) { c.Services["notion"] = Service{Options: RawOptions("{")} },
		"negative rps": func(c *Config) {
			r := -1.0
			c.Services["notion"] = Service{Limits: Limits{RPS: &r}}
		},
		"batch size":   func(c *Config) { c.BatchSize = 0 },
		"attempts":     func(c *Config) { c.MaxAttempts = 0 },
		"pause":        func(c *Config) { c.BatchPauseMS = -5 },
		"backoff":      func(c *Config) { c.BackoffMS = -1 },
		"fanout":       func(c *Config) { c.MaxFanout = -2 },
		"retry policy": func(c *Config) { c.RetryFailed = "sometimes" },
		"log level":    func(c *Config) { c.Logging.Level = "loud" },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			fn(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
	assert.NoError(t, Validate(Defaults()))
}

func TestEffectiveFallsBackToRegistry(t *testing.T) {
	cfg := Defaults()
	cfg.Service = "memory"
	name, sv, err := cfg.Effective()
	require.NoError(t, err)
	assert.Equal(t, "memory", name)
	assert.Equal(t, "memory", sv.Client)
}

func TestAssemble(t *testing.T) {
	over, err := LoadYAML("../../testdata/config/basic.yaml", nil)
	require.NoError(t, err)
	cfg := Merge(Defaults(), over)

	comp, set, err := Assemble(cfg)
	require.NoError(t, err)
	require.NotNil(t, comp.Service)
	assert.Equal(t, "staging", set.Service)
	assert.Equal(t, 4, set.Writeback.BatchSize)
	assert.Equal(t, time.Duration(0), set.Writeback.BatchPause)
	assert.Equal(t, 2, set.Writeback.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, set.Writeback.Backoff)
	assert.Equal(t, 8, set.Traverse.MaxFanout)
	assert.Equal(t, pipeline.RetryNever, set.RetryFailed)

	// 限流包装后的服务仍可读取夹具
	title, err := comp.Service.GetDocumentRoot(context.Background(), "page")
	require.NoError(t, err)
	assert.Equal(t, "项目Roadmap2024", title.RichText.PlainText())
}

func TestAssembleNotionRequiresToken(t *testing.T) {
	t.Setenv("NOTION_TOKEN", "")
	cfg := Defaults()
	_, _, err := Assemble(cfg)
	require.Error(t, err)

	cfg.Services["notion"] = Service{Options: RawOptions(`{"token":"secret_x"}`)}
	comp, set, err := Assemble(cfg)
	require.NoError(t, err)
	assert.NotNil(t, comp.Service)
	assert.Equal(t, 500*time.Millisecond, set.Writeback.BatchPause)
	assert.Equal(t, pipeline.RetryAsk, set.RetryFailed)
}

func TestAssembleRejectsUnknownOptions(t *testing.T) {
	cfg := Defaults()
	cfg.Service = "memory"
	cfg.Services["memory"] = Service{Options: RawOptions(`{"fixtures":"x"}`)}
	_, _, err := Assemble(cfg)
	require.Error(t, err)
}

func TestTemplateRoundTrip(t *testing.T) {
	body, err := MarshalTemplate(DefaultTemplateConfig())
	require.NoError(t, err)

	over, err := LoadYAML("", body)
	require.NoError(t, err)
	cfg := Merge(Defaults(), over)
	require.NoError(t, Validate(cfg))
	assert.JSONEq(t, string(DefaultTemplateConfig().Services["notion"].Options), string(cfg.Services["notion"].Options))
	assert.Equal(t, "notionfmt.db", cfg.Journal.Path)
}

func TestWriteTemplateDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	written, err := WriteTemplate(dir)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KEEP=1\n"), 0o644))
	written, err = WriteTemplate(dir)
	require.NoError(t, err)
	assert.Empty(t, written)
	b, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "KEEP=1\n", string(b))
}
