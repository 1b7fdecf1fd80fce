package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
	"notionfmt/plugins/service/flaky"
	"notionfmt/plugins/service/memory"
	"notionfmt/plugins/service/notion"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(contract.ErrInvalidInput, "options: %v", err)
	}
	return nil
}

// NewService 工厂签名：接收原样 JSON Options。
type NewService func(raw json.RawMessage) (contract.DocumentService, error)

// Service 文档服务工厂注册表（显式、零反射）。
var Service = map[string]NewService{
	// notion: Notion REST API
	"notion": func(raw json.RawMessage) (contract.DocumentService, error) {
		var opts notion.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return notion.NewWithOptions(opts)
	},
	// memory: 内存文档树（离线运行/测试），可从夹具加载
	"memory": func(raw json.RawMessage) (contract.DocumentService, error) {
		var opts memory.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return memory.NewFromOptions(opts)
	},
}

func init() {
	// flaky 需要按名称构造内层服务，故在 init 中注册以避免初始化环
	Service["flaky"] = newFlaky
}

// FlakyOptions: flaky 的注册表级配置（内层服务 + 注入规则）。
type FlakyOptions struct {
	Inner        string          `json:"inner"`         // 内层服务名，默认 memory
	InnerOptions json.RawMessage `json:"inner_options"` // 内层服务的原样 Options
	flaky.Options
}

func newFlaky(raw json.RawMessage) (contract.DocumentService, error) {
	var opts FlakyOptions
	if err := strictUnmarshal(raw, &opts); err != nil {
		return nil, err
	}
	if opts.Inner == "" {
		opts.Inner = "memory"
	}
	if opts.Inner == "flaky" {
		return nil, errors.Wrap(contract.ErrInvalidInput, "flaky: inner service cannot be flaky")
	}
	inner, err := Build(opts.Inner, opts.InnerOptions)
	if err != nil {
		return nil, errors.Wrap(err, "flaky: inner")
	}
	return flaky.New(inner, opts.Options)
}

// Build 按名称构造服务；未知名称返回 ErrInvalidInput。
func Build(name string, raw json.RawMessage) (contract.DocumentService, error) {
	f, ok := Service[name]
	if !ok {
		return nil, errors.Wrapf(contract.ErrInvalidInput, "unknown service %q (known: %v)", name, Names())
	}
	return f(raw)
}

// Names 返回已注册的服务名（排序）。
func Names() []string {
	out := make([]string, 0, len(Service))
	for k := range Service {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
