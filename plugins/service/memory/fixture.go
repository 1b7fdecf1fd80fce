package memory

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"notionfmt/pkg/contract"
)

// Fixture 描述一棵文档树（YAML；JSON 作为 YAML 子集同样可读）。
//
//	root: page-1
//	title: {property: Name, text: "Go语言笔记"}
//	nodes:
//	  - id: page-1
//	    type: child_page
//	    children: [b1, b2]
//	  - id: b1
//	    type: paragraph
//	    text: "使用Go开发"
//	  - id: b2
//	    type: callout
//	    spans:
//	      - {kind: text, content: "见", attrs: {annotations: {bold: true}}}
//	      - {kind: mention, content: "@page"}
type Fixture struct {
	Root  string        `yaml:"root"`
	Title *FixtureTitle `yaml:"title"`
	Nodes []FixtureNode `yaml:"nodes"`
}

type FixtureTitle struct {
	Property string        `yaml:"property"`
	Text     *string       `yaml:"text"`
	Spans    []FixtureSpan `yaml:"spans"`
}

type FixtureNode struct {
	ID       string        `yaml:"id"`
	Type     string        `yaml:"type"`
	Text     *string       `yaml:"text"`
	Spans    []FixtureSpan `yaml:"spans"`
	Version  string        `yaml:"version"`
	Children []string      `yaml:"children"`
}

type FixtureSpan struct {
	Kind    string         `yaml:"kind"`
	Content string         `yaml:"content"`
	Attrs   map[string]any `yaml:"attrs"`
}

// LoadFile 从文件读取夹具。
func LoadFile(path string) (*Service, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "memory: read fixture")
	}
	return Load(bytes.NewReader(b))
}

// Load 解析夹具并构造服务；未知字段与悬空子节点引用视为错误。
func Load(r io.Reader) (*Service, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var fx Fixture
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "memory: decode fixture")
	}
	return Build(fx)
}

// Build 由已解析的夹具构造服务。
func Build(fx Fixture) (*Service, error) {
	s := New()
	ids := make(map[string]struct{}, len(fx.Nodes))
	for _, n := range fx.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return nil, errors.Wrap(contract.ErrInvalidInput, "memory: node without id")
		}
		if _, dup := ids[id]; dup {
			return nil, errors.Wrapf(contract.ErrInvalidInput, "memory: duplicate node %s", id)
		}
		ids[id] = struct{}{}
	}
	for _, n := range fx.Nodes {
		for _, c := range n.Children {
			if _, ok := ids[c]; !ok {
				return nil, errors.Wrapf(contract.ErrInvalidInput, "memory: node %s references unknown child %s", n.ID, c)
			}
		}
	}
	for _, n := range fx.Nodes {
		typ := contract.ParseNodeType(n.Type)
		node := contract.Node{ID: contract.NodeID(n.ID), Type: typ, Version: n.Version}
		if typ.HasRichText() {
			rt, err := buildRichText(n.Text, n.Spans)
			if err != nil {
				return nil, errors.Wrapf(err, "memory: node %s", n.ID)
			}
			node.RichText = rt
		}
		children := make([]contract.NodeID, 0, len(n.Children))
		for _, c := range n.Children {
			children = append(children, contract.NodeID(c))
		}
		s.AddNode(node, children...)
	}
	if fx.Title != nil {
		root := strings.TrimSpace(fx.Root)
		if root == "" {
			return nil, errors.Wrap(contract.ErrInvalidInput, "memory: title without root")
		}
		prop := fx.Title.Property
		if prop == "" {
			prop = "title"
		}
		rt, err := buildRichText(fx.Title.Text, fx.Title.Spans)
		if err != nil {
			return nil, errors.Wrap(err, "memory: title")
		}
		s.SetTitle(contract.NodeID(root), contract.Title{Property: prop, RichText: rt})
	}
	return s, nil
}

// buildRichText: text 为单个纯文本片段的简写；spans 逐个给出。二者都缺省时得到空富文本。
func buildRichText(text *string, spans []FixtureSpan) (contract.RichText, error) {
	rt := contract.RichText{}
	if text != nil {
		rt = append(rt, contract.Span{Kind: contract.SpanText, Content: *text})
	}
	for _, sp := range spans {
		kind := sp.Kind
		if kind == "" {
			kind = contract.SpanText
		}
		out := contract.Span{Kind: kind, Content: sp.Content}
		if len(sp.Attrs) > 0 {
			b, err := json.Marshal(sp.Attrs)
			if err != nil {
				return nil, errors.Wrap(err, "encode span attrs")
			}
			out.Attrs = b
		}
		rt = append(rt, out)
	}
	return rt, nil
}
