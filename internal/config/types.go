package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
// 整数字段以 -1 表示“未设置”（仅出现在覆盖层中），便于 Merge 区分显式的 0。
type Config struct {
	// Service: 选用的服务名（services 中的键，或注册表中的实现名）。
	Service  string             `yaml:"service" json:"service"`
	Services map[string]Service `yaml:"services,omitempty" json:"services,omitempty"`

	BatchSize    int `yaml:"batch_size" json:"batch_size"`
	BatchPauseMS int `yaml:"batch_pause_ms" json:"batch_pause_ms"`
	MaxAttempts  int `yaml:"max_attempts" json:"max_attempts"`
	BackoffMS    int `yaml:"backoff_ms" json:"backoff_ms"`
	// MaxFanout: 遍历并发上限；0 表示不限。
	MaxFanout int `yaml:"max_fanout" json:"max_fanout"`
	// RetryFailed: 失败记录的补写策略 ask|always|never。
	RetryFailed string `yaml:"retry_failed" json:"retry_failed"`

	Logging Logging `yaml:"logging" json:"logging"`
	Metrics Metrics `yaml:"metrics" json:"metrics"`
	Journal Journal `yaml:"journal" json:"journal"`
}

// Logging: 日志等级与目录；文件名与轮转策略固定。
type Logging struct {
	Level string `yaml:"level" json:"level"`
	Dir   string `yaml:"dir" json:"dir"`
}

// Metrics: 进程结束时写出 textfile 的路径；空则不写。
type Metrics struct {
	Textfile string `yaml:"textfile" json:"textfile"`
}

// Journal: 运行日志库（sqlite）路径；空则不记录。
type Journal struct {
	Path string `yaml:"path" json:"path"`
}

// Service: 命名服务定义（client 实现 + options + 限额）。
type Service struct {
	// Client: 注册表中的实现名；空则与服务名相同。
	Client  string     `yaml:"client,omitempty" json:"client,omitempty"`
	Options RawOptions `yaml:"options,omitempty" json:"options,omitempty"`
	Limits  Limits     `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。nil 表示未设置。
type Limits struct {
	RPS   *float64 `yaml:"rps,omitempty" json:"rps,omitempty"`
	Burst *int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// RawOptions: 组件 Options 子树。YAML 解析后转为 JSON，原样交给注册表工厂。
type RawOptions json.RawMessage

// UnmarshalYAML 将任意 YAML 子树转为等价 JSON。
func (o *RawOptions) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	if v == nil {
		*o = nil
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*o = b
	return nil
}

// MarshalYAML 输出为普通 YAML 结构（模板生成用）。
func (o RawOptions) MarshalYAML() (any, error) {
	if len(o) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(o, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (o RawOptions) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return o, nil
}

func (o *RawOptions) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = nil
		return nil
	}
	*o = append((*o)[:0], b...)
	return nil
}
